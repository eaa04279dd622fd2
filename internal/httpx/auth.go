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

package httpx

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/reqon/reqon/internal/credentials"
	"github.com/reqon/reqon/pkg/errors"
	"github.com/reqon/reqon/pkg/mission"
)

// refreshBuffer refreshes OAuth2 tokens this long before their expiry
// so requests never carry a token about to lapse.
const refreshBuffer = 5 * time.Minute

// AuthProvider supplies the credentials a request needs.
type AuthProvider interface {
	// Apply sets auth headers on the outgoing request.
	Apply(ctx context.Context, req *http.Request) error

	// CanRefresh reports whether a 401 can be answered with a refresh.
	CanRefresh() bool

	// Refresh obtains fresh credentials. Concurrent callers coalesce
	// behind a single in-flight refresh.
	Refresh(ctx context.Context) error
}

// NewAuthProvider builds the provider for a source's auth definition.
// Credential values are environment-interpolated; empty fields fall
// back to REQON_{SOURCE}_{FIELD} discovery.
func NewAuthProvider(source string, def *mission.AuthDef, creds *credentials.Resolver) (AuthProvider, error) {
	if def == nil {
		return noAuth{}, nil
	}
	if creds == nil {
		creds = credentials.NewResolver()
	}

	resolve := func(value, field string) (string, error) {
		if value != "" {
			return creds.Interpolate(value)
		}
		return creds.Field(source, field), nil
	}

	switch def.Type {
	case "", "bearer":
		token, err := resolve(def.Token, "token")
		if err != nil {
			return nil, err
		}
		if token == "" {
			return nil, missingCredential(source, "token")
		}
		return &bearerAuth{token: token}, nil

	case "basic":
		username, err := resolve(def.Username, "username")
		if err != nil {
			return nil, err
		}
		password, err := resolve(def.Password, "password")
		if err != nil {
			return nil, err
		}
		if username == "" || password == "" {
			return nil, missingCredential(source, "username/password")
		}
		return &basicAuth{username: username, password: password}, nil

	case "api_key":
		key, err := resolve(def.APIKey, "api_key")
		if err != nil {
			return nil, err
		}
		if key == "" {
			return nil, missingCredential(source, "api_key")
		}
		header := def.Header
		if header == "" {
			header = "X-Api-Key"
		}
		return &apiKeyAuth{header: header, key: key}, nil

	case "oauth2":
		return newOAuth2Provider(source, def, resolve)

	case "jwt":
		return newJWTProvider(source, def, resolve)

	default:
		return nil, &errors.ConfigError{
			Key:        "sources." + source + ".auth.type",
			Reason:     fmt.Sprintf("unknown auth type %q", def.Type),
			Suggestion: "use one of bearer, basic, api_key, oauth2, jwt",
		}
	}
}

func missingCredential(source, field string) error {
	return &errors.ConfigError{
		Key:        "sources." + source + ".auth",
		Reason:     fmt.Sprintf("no %s available for source %s", field, source),
		Suggestion: fmt.Sprintf("set it in the credentials file or export REQON_%s_*", source),
	}
}

// noAuth leaves requests untouched.
type noAuth struct{}

func (noAuth) Apply(context.Context, *http.Request) error { return nil }
func (noAuth) CanRefresh() bool                           { return false }
func (noAuth) Refresh(context.Context) error              { return nil }

type bearerAuth struct{ token string }

func (a *bearerAuth) Apply(_ context.Context, req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+a.token)
	return nil
}
func (a *bearerAuth) CanRefresh() bool              { return false }
func (a *bearerAuth) Refresh(context.Context) error { return nil }

type basicAuth struct{ username, password string }

func (a *basicAuth) Apply(_ context.Context, req *http.Request) error {
	req.SetBasicAuth(a.username, a.password)
	return nil
}
func (a *basicAuth) CanRefresh() bool              { return false }
func (a *basicAuth) Refresh(context.Context) error { return nil }

type apiKeyAuth struct{ header, key string }

func (a *apiKeyAuth) Apply(_ context.Context, req *http.Request) error {
	req.Header.Set(a.header, a.key)
	return nil
}
func (a *apiKeyAuth) CanRefresh() bool              { return false }
func (a *apiKeyAuth) Refresh(context.Context) error { return nil }

// oauth2Auth holds a cached access token and refreshes it through the
// token endpoint. Refreshes coalesce: concurrent 401 observers share a
// single token call.
type oauth2Auth struct {
	source       string
	refreshGrant *oauth2.Config
	ccGrant      *clientcredentials.Config
	refreshToken string

	sf singleflight.Group

	mu    sync.Mutex
	token *oauth2.Token
}

func newOAuth2Provider(source string, def *mission.AuthDef, resolve func(value, field string) (string, error)) (AuthProvider, error) {
	clientID, err := resolve(def.ClientID, "client_id")
	if err != nil {
		return nil, err
	}
	clientSecret, err := resolve(def.ClientSecret, "client_secret")
	if err != nil {
		return nil, err
	}
	refreshToken, err := resolve(def.RefreshToken, "refresh_token")
	if err != nil {
		return nil, err
	}
	accessToken, err := resolve(def.AccessToken, "access_token")
	if err != nil {
		return nil, err
	}
	if def.TokenURL == "" {
		return nil, missingCredential(source, "token_url")
	}

	a := &oauth2Auth{source: source, refreshToken: refreshToken}
	if refreshToken != "" {
		a.refreshGrant = &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: def.TokenURL},
			Scopes:       def.Scopes,
		}
	} else {
		a.ccGrant = &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     def.TokenURL,
			Scopes:       def.Scopes,
		}
	}
	if accessToken != "" {
		a.token = &oauth2.Token{AccessToken: accessToken}
	}
	return a, nil
}

func (a *oauth2Auth) Apply(ctx context.Context, req *http.Request) error {
	a.mu.Lock()
	tok := a.token
	a.mu.Unlock()

	// Refresh ahead of a known expiry so the request never races it.
	if tok == nil || (!tok.Expiry.IsZero() && time.Until(tok.Expiry) < refreshBuffer) {
		if err := a.Refresh(ctx); err != nil {
			return err
		}
		a.mu.Lock()
		tok = a.token
		a.mu.Unlock()
	}

	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return nil
}

func (a *oauth2Auth) CanRefresh() bool { return true }

func (a *oauth2Auth) Refresh(ctx context.Context) error {
	_, err, _ := a.sf.Do("refresh", func() (any, error) {
		var tok *oauth2.Token
		var err error
		if a.refreshGrant != nil {
			seed := &oauth2.Token{RefreshToken: a.refreshToken}
			tok, err = a.refreshGrant.TokenSource(ctx, seed).Token()
		} else {
			tok, err = a.ccGrant.Token(ctx)
		}
		if err != nil {
			return nil, &errors.NetworkError{
				Source:   a.source,
				Attempts: 1,
				Cause:    fmt.Errorf("token refresh: %w", err),
			}
		}

		a.mu.Lock()
		a.token = tok
		if tok.RefreshToken != "" {
			a.refreshToken = tok.RefreshToken
		}
		a.mu.Unlock()
		return nil, nil
	})
	return err
}

// jwtAuth mints short-lived RS256 bearer tokens from a private key and
// re-mints once the current one nears expiry.
type jwtAuth struct {
	key      *rsa.PrivateKey
	issuer   string
	audience string
	ttl      time.Duration

	mu     sync.Mutex
	signed string
	expiry time.Time
}

func newJWTProvider(source string, def *mission.AuthDef, resolve func(value, field string) (string, error)) (AuthProvider, error) {
	pemKey, err := resolve(def.PrivateKey, "private_key")
	if err != nil {
		return nil, err
	}
	if pemKey == "" {
		return nil, missingCredential(source, "private_key")
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pemKey))
	if err != nil {
		return nil, &errors.ConfigError{
			Key:    "sources." + source + ".auth.private_key",
			Reason: "not a PEM-encoded RSA private key",
			Cause:  err,
		}
	}

	ttl := time.Duration(def.TTL) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &jwtAuth{
		key:      key,
		issuer:   def.Issuer,
		audience: def.Audience,
		ttl:      ttl,
	}, nil
}

func (a *jwtAuth) Apply(_ context.Context, req *http.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.signed == "" || time.Until(a.expiry) < 30*time.Second {
		if err := a.mint(); err != nil {
			return err
		}
	}
	req.Header.Set("Authorization", "Bearer "+a.signed)
	return nil
}

func (a *jwtAuth) CanRefresh() bool { return true }

func (a *jwtAuth) Refresh(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mint()
}

// mint signs a fresh token. Callers hold a.mu.
func (a *jwtAuth) mint() error {
	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(a.ttl).Unix(),
	}
	if a.issuer != "" {
		claims["iss"] = a.issuer
	}
	if a.audience != "" {
		claims["aud"] = a.audience
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
	if err != nil {
		return fmt.Errorf("signing jwt: %w", err)
	}
	a.signed = signed
	a.expiry = now.Add(a.ttl)
	return nil
}
