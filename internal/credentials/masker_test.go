package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskerRedactsRegisteredValues(t *testing.T) {
	m := NewMasker()
	m.Add("ghp_supersecret")
	m.Add("s3cretvalue")

	masked := m.Mask(`request failed: Authorization "Bearer ghp_supersecret" rejected (s3cretvalue)`)
	assert.Equal(t, `request failed: Authorization "Bearer ***" rejected (***)`, masked)
}

func TestMaskerIgnoresShortValues(t *testing.T) {
	m := NewMasker()
	m.Add("abc")
	assert.Equal(t, "abc is fine", m.Mask("abc is fine"))
}

func TestResolverFeedsMasker(t *testing.T) {
	r := NewResolver()
	path := writeCredFile(t, `{"github": {"token": "ghp_fromfile", "username": "octocat"}}`)
	require.NoError(t, r.LoadFile(path))

	masked := r.Masker().Mask("auth with ghp_fromfile as octocat")
	assert.Equal(t, "auth with *** as octocat", masked, "only secret-looking fields are registered")
}

func TestResolverMasksEnvDiscoveredSecrets(t *testing.T) {
	t.Setenv("REQON_BILLING_CLIENT_SECRET", "billing-secret-1")

	r := NewResolver()
	require.Equal(t, "billing-secret-1", r.Field("billing", "client_secret"))
	assert.Equal(t, "denied: ***", r.Masker().Mask("denied: billing-secret-1"))
}

func TestInterpolateRegistersSecretVariables(t *testing.T) {
	t.Setenv("API_TOKEN", "tok-12345")
	t.Setenv("REGION", "eu-west-1")

	r := NewResolver()
	_, err := r.Interpolate("Bearer ${API_TOKEN} in ${REGION}")
	require.NoError(t, err)

	masked := r.Masker().Mask("401 for Bearer tok-12345 in eu-west-1")
	assert.Equal(t, "401 for Bearer *** in eu-west-1", masked)
}

func TestIsSecretField(t *testing.T) {
	assert.True(t, isSecretField("token"))
	assert.True(t, isSecretField("client_secret"))
	assert.True(t, isSecretField("API_KEY"))
	assert.True(t, isSecretField("db_password"))
	assert.False(t, isSecretField("username"))
	assert.False(t, isSecretField("region"))
}
