package mission

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqon/reqon/pkg/errors"
)

func parseErr(t *testing.T, src string) error {
	t.Helper()
	_, err := Parse([]byte(src))
	require.Error(t, err)
	return err
}

func TestValidateRejectsDuplicateActions(t *testing.T) {
	err := parseErr(t, `
name: m
actions:
  - name: A
    steps: [{let: {name: x, expr: "1"}}]
  - name: A
    steps: [{let: {name: y, expr: "2"}}]
pipeline: [A]
`)
	assert.Contains(t, err.Error(), "duplicate action name")
}

func TestValidateRejectsUnknownPipelineAction(t *testing.T) {
	err := parseErr(t, `
name: m
actions:
  - name: A
    steps: [{let: {name: x, expr: "1"}}]
pipeline: [A, Missing]
`)
	assert.Contains(t, err.Error(), `undeclared action "Missing"`)
}

func TestValidateRejectsUnresolvedStore(t *testing.T) {
	err := parseErr(t, `
name: m
actions:
  - name: A
    steps:
      - store: {to: nowhere}
pipeline: [A]
`)
	var cfg *errors.ConfigError
	require.ErrorAs(t, err, &cfg)
	assert.Contains(t, cfg.Reason, `unresolved store reference "nowhere"`)
}

func TestValidateRejectsMalformedBaseURL(t *testing.T) {
	err := parseErr(t, `
name: m
sources:
  api:
    base_url: "not a url"
actions:
  - name: A
    steps: [{let: {name: x, expr: "1"}}]
pipeline: [A]
`)
	assert.Contains(t, err.Error(), "malformed base URL")
}

func TestValidateRejectsAmbiguousFetchSource(t *testing.T) {
	err := parseErr(t, `
name: m
sources:
  a: {base_url: https://a.test}
  b: {base_url: https://b.test}
actions:
  - name: A
    steps:
      - fetch: {get: /x}
pipeline: [A]
`)
	assert.Contains(t, err.Error(), "must name a source")
}

func TestValidateRejectsIncompleteAuth(t *testing.T) {
	tests := []struct {
		name string
		auth string
		want string
	}{
		{"bearer", "type: bearer", "requires token"},
		{"basic", "type: basic\n      username: u", "requires username and password"},
		{"oauth2", "type: oauth2", "requires token_url"},
		{"jwt", "type: jwt", "requires private_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := parseErr(t, `
name: m
sources:
  api:
    base_url: https://a.test
    auth:
      `+tt.auth+`
actions:
  - name: A
    steps: [{let: {name: x, expr: "1"}}]
pipeline: [A]
`)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateRejectsUnproducedResponseRead(t *testing.T) {
	// A consumer step with no explicit target must be preceded by a step
	// that writes the response register.
	err := parseErr(t, `
name: m
stores:
  items: {backend: memory}
actions:
  - name: A
    steps:
      - store: {to: items}
pipeline: [A]
`)
	assert.Contains(t, err.Error(), "before any step produces it")

	err = parseErr(t, `
name: m
actions:
  - name: A
    steps:
      - let: {name: x, expr: "1"}
      - validate:
          assume: ["x == 1"]
pipeline: [A]
`)
	assert.Contains(t, err.Error(), "before any step produces it")

	// An explicit value exempts the step.
	_, perr := Parse([]byte(`
name: m
stores:
  items: {backend: memory}
actions:
  - name: A
    steps:
      - let: {name: x, expr: '[{"id": "1"}]'}
      - store: {to: items, value: x}
pipeline: [A]
`))
	require.NoError(t, perr)
}

func TestValidateRejectsJumpToUnknownAction(t *testing.T) {
	err := parseErr(t, `
name: m
schemas:
  S:
    fields: {id: string}
actions:
  - name: A
    steps:
      - match:
          arms:
            - schema: S
              jump: Nowhere
pipeline: [A]
`)
	assert.Contains(t, err.Error(), `unresolved action reference "Nowhere"`)
}

func TestValidateRejectsBadPagination(t *testing.T) {
	err := parseErr(t, `
name: m
sources:
  api: {base_url: https://a.test}
actions:
  - name: A
    steps:
      - fetch:
          get: /items
          paginate: {strategy: cursor, param: cursor}
pipeline: [A]
`)
	assert.Contains(t, err.Error(), "next_path")
}

func TestValidateRejectsUnknownFieldType(t *testing.T) {
	err := parseErr(t, `
name: m
schemas:
  S:
    fields:
      id: uuid
actions:
  - name: A
    steps: [{let: {name: x, expr: "1"}}]
pipeline: [A]
`)
	assert.True(t, strings.Contains(err.Error(), `unknown field type "uuid"`))
}
