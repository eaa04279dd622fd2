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

// Package credentials resolves the secrets a mission's sources need:
// a JSON credentials file, environment interpolation inside definition
// values, and REQON_{SOURCE}_{FIELD} environment discovery.
package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/reqon/reqon/pkg/errors"
)

// envPrefix is the prefix for discovered credential variables.
const envPrefix = "REQON"

// varPattern matches $VAR, ${VAR} and ${VAR:-default} references inside
// definition values. Group 1 is the bare form, groups 2 and 3 the braced
// name and optional default.
var varPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)|\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Resolver resolves credential references for mission sources. Lookup
// order is credentials file first, then the process environment.
type Resolver struct {
	// file holds per-source credential maps loaded from the credentials
	// file, keyed by source name.
	file map[string]map[string]string

	masker *Masker
}

// NewResolver creates a resolver with no credentials file loaded.
func NewResolver() *Resolver {
	return &Resolver{
		file:   make(map[string]map[string]string),
		masker: NewMasker(),
	}
}

// Masker returns the masker tracking every secret value this resolver
// has handed out.
func (r *Resolver) Masker() *Masker {
	return r.masker
}

// LoadFile reads a JSON credentials file of the form
//
//	{"github": {"token": "..."}, "billing": {"client_secret": "..."}}
//
// and merges it into the resolver. Later loads override earlier ones
// per (source, field) pair.
func (r *Resolver) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &errors.ConfigError{
			Key:        "credentials",
			Reason:     fmt.Sprintf("cannot read credentials file %s", path),
			Suggestion: "check the --auth path and file permissions",
			Cause:      err,
		}
	}

	var parsed map[string]map[string]string
	if err := json.Unmarshal(data, &parsed); err != nil {
		return &errors.ConfigError{
			Key:        "credentials",
			Reason:     fmt.Sprintf("credentials file %s is not valid JSON", path),
			Suggestion: "the file must map source names to field/value objects",
			Cause:      err,
		}
	}

	for source, fields := range parsed {
		if r.file[source] == nil {
			r.file[source] = make(map[string]string, len(fields))
		}
		for k, v := range fields {
			r.file[source][k] = v
			if isSecretField(k) {
				r.masker.Add(v)
			}
		}
	}
	return nil
}

// Field returns the credential value for a source field, or "" when no
// value is known. The credentials file wins over the environment; the
// environment is consulted as REQON_{SOURCE}_{FIELD}, uppercased with
// non-alphanumerics mapped to underscores.
func (r *Resolver) Field(source, field string) string {
	v := ""
	if fields, ok := r.file[source]; ok {
		v = fields[field]
	}
	if v == "" {
		v = os.Getenv(envVarName(source, field))
	}
	if v != "" && isSecretField(field) {
		r.masker.Add(v)
	}
	return v
}

// Interpolate expands $VAR, ${VAR} and ${VAR:-default} references in a
// definition value. An unset variable without a default is an error so
// that missing secrets fail at setup, not mid-run.
func (r *Resolver) Interpolate(value string) (string, error) {
	var missing []string
	out := varPattern.ReplaceAllStringFunc(value, func(ref string) string {
		name, def, hasDef := parseRef(ref)
		if v, ok := os.LookupEnv(name); ok {
			if isSecretField(name) {
				r.masker.Add(v)
			}
			return v
		}
		if hasDef {
			return def
		}
		missing = append(missing, name)
		return ""
	})

	if len(missing) > 0 {
		return "", &errors.ConfigError{
			Key:        "credentials",
			Reason:     fmt.Sprintf("undefined environment variable %s", strings.Join(missing, ", ")),
			Suggestion: fmt.Sprintf("export %s or provide a ${%s:-default} fallback", missing[0], missing[0]),
		}
	}
	return out, nil
}

// parseRef splits a matched reference into name and optional default.
func parseRef(ref string) (name, def string, hasDef bool) {
	m := varPattern.FindStringSubmatch(ref)
	if m[1] != "" {
		return m[1], "", false
	}
	name = m[2]
	// ${VAR:-default} carries a default even when it is the empty string.
	if idx := strings.Index(ref, ":-"); idx >= 0 {
		return name, m[3], true
	}
	return name, "", false
}

// envVarName builds the discovery variable name for a source field,
// e.g. ("github-api", "token") -> "REQON_GITHUB_API_TOKEN".
func envVarName(source, field string) string {
	mangle := func(s string) string {
		var b strings.Builder
		for _, c := range strings.ToUpper(s) {
			if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
				b.WriteRune(c)
			} else {
				b.WriteRune('_')
			}
		}
		return b.String()
	}
	return envPrefix + "_" + mangle(source) + "_" + mangle(field)
}
