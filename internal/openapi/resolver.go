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

// Package openapi resolves source base URLs from OpenAPI documents.
package openapi

import (
	"context"
	"net/url"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/reqon/reqon/pkg/errors"
)

// BaseURL loads the OpenAPI document at ref (a file path or URL) and
// returns its first server URL. Server variables are substituted with
// their defaults.
func BaseURL(ctx context.Context, source, ref string) (string, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	loader.IsExternalRefsAllowed = true

	var (
		doc *openapi3.T
		err error
	)
	if isURL(ref) {
		var u *url.URL
		u, err = url.Parse(ref)
		if err == nil {
			doc, err = loader.LoadFromURI(u)
		}
	} else {
		doc, err = loader.LoadFromFile(ref)
	}
	if err != nil {
		return "", &errors.ConfigError{
			Key:        "sources." + source + ".openapi",
			Reason:     "cannot load OpenAPI document " + ref,
			Suggestion: "check the path or URL and that the document is valid",
			Cause:      err,
		}
	}

	if len(doc.Servers) == 0 || doc.Servers[0].URL == "" {
		return "", &errors.ConfigError{
			Key:        "sources." + source + ".openapi",
			Reason:     "document declares no servers",
			Suggestion: "add a servers entry or set base_url directly",
		}
	}

	server := doc.Servers[0]
	base := server.URL
	for name, v := range server.Variables {
		if v == nil {
			continue
		}
		base = strings.ReplaceAll(base, "{"+name+"}", v.Default)
	}
	return strings.TrimRight(base, "/"), nil
}

func isURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}
