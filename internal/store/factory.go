// Copyright 2025 The Reqon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/reqon/reqon/pkg/errors"
	"github.com/reqon/reqon/pkg/mission"
)

// Factory resolves store definitions to ready adapters.
type Factory struct {
	// DataDir is the root for file-backed collections and SQLite files.
	DataDir string

	// Production disables the development fallbacks. Outside production
	// the nosql tag falls back to the file backend with a warning so
	// missions run without real databases.
	Production bool

	Logger *slog.Logger
}

// Create resolves a store definition to a ready adapter. Adapters that
// need an initial handshake (directory creation, loading existing data,
// remote reachability) complete it here; a returned handle is usable.
func (f *Factory) Create(ctx context.Context, name string, def *mission.StoreDef) (Store, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	collection := def.Collection
	if collection == "" {
		collection = name
	}
	flush := time.Duration(def.FlushInterval) * time.Millisecond

	switch def.Backend {
	case mission.BackendMemory:
		return NewMemoryStore(), nil

	case mission.BackendFile:
		return NewFileStore(f.collectionPath(collection), flush)

	case mission.BackendSQL:
		dsn := def.URL
		if dsn == "" {
			dsn = filepath.Join(f.DataDir, "stores", collection+".db")
		}
		return NewSQLiteStore(name, dsn, collection)

	case mission.BackendNoSQL:
		if f.Production {
			return nil, &errors.StoreError{
				Store: name,
				Kind:  errors.StoreErrUnavailable,
				Op:    "init",
				Cause: errNoSQLUnsupported,
			}
		}
		logger.Warn("nosql backend not available, falling back to file store",
			"store", name, "collection", collection)
		return NewFileStore(f.collectionPath(collection), flush)

	case mission.BackendPostgREST:
		return NewPostgRESTStore(ctx, name, def.URL, collection)

	default:
		return nil, &errors.ConfigError{
			Key:        "stores." + name + ".backend",
			Reason:     "unknown backend " + string(def.Backend),
			Suggestion: "use one of memory, file, sql, nosql, postgrest",
		}
	}
}

func (f *Factory) collectionPath(collection string) string {
	return filepath.Join(f.DataDir, "stores", collection+".json")
}

var errNoSQLUnsupported = &errors.ConfigError{
	Key:        "backend",
	Reason:     "no nosql driver is configured",
	Suggestion: "run in development mode to use the file fallback",
}
