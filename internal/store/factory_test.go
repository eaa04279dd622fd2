package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqon/reqon/pkg/mission"
)

func TestFactoryResolvesBackends(t *testing.T) {
	ctx := context.Background()
	f := &Factory{DataDir: t.TempDir()}

	mem, err := f.Create(ctx, "m", &mission.StoreDef{Backend: mission.BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, mem)

	file, err := f.Create(ctx, "f", &mission.StoreDef{Backend: mission.BackendFile, Collection: "items"})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, file)
	require.NoError(t, file.Close(ctx))

	sqlStore, err := f.Create(ctx, "s", &mission.StoreDef{Backend: mission.BackendSQL, Collection: "items"})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, sqlStore)
	require.NoError(t, sqlStore.Close(ctx))
}

func TestFactoryNoSQLFallsBackByDefault(t *testing.T) {
	ctx := context.Background()

	// Development is the zero value, so an unconfigured factory degrades
	// nosql to a file store instead of failing setup.
	dev := &Factory{DataDir: t.TempDir()}
	s, err := dev.Create(ctx, "n", &mission.StoreDef{Backend: mission.BackendNoSQL, Collection: "docs"})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s, "development mode falls back to file")
	require.NoError(t, s.Close(ctx))

	prod := &Factory{DataDir: t.TempDir(), Production: true}
	_, err = prod.Create(ctx, "n", &mission.StoreDef{Backend: mission.BackendNoSQL, Collection: "docs"})
	require.Error(t, err, "production mode refuses the fallback")
}

func TestFactoryRejectsUnknownBackend(t *testing.T) {
	f := &Factory{DataDir: t.TempDir()}
	_, err := f.Create(context.Background(), "x", &mission.StoreDef{Backend: "redis"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestFilterWindow(t *testing.T) {
	records := []Record{{"i": 0}, {"i": 1}, {"i": 2}}

	assert.Len(t, (&Filter{Limit: 2}).Window(records), 2)
	assert.Len(t, (&Filter{Offset: 1}).Window(records), 2)
	assert.Len(t, (&Filter{Offset: 5}).Window(records), 0)
	assert.Len(t, (*Filter)(nil).Window(records), 3)
}
