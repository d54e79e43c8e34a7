/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 DealerDesk
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package token fetches and renews the short-lived voice credential issued
// by the CRM backend.
package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/dealerdesk/softphone-go/softphonesdk"
)

// tokenPath is the backend endpoint issuing voice credentials.
const tokenPath = "voice/token"

// signatureAlgorithms are the JWT signature algorithms accepted when
// inspecting a credential for its expiry claim. The token is never verified
// here; the vendor is the verifying party.
var signatureAlgorithms = []jose.SignatureAlgorithm{jose.RS256, jose.ES256, jose.HS256}

// Credential is a time-limited voice access credential. Credentials are
// immutable; renewal produces a new value, it never mutates an old one.
type Credential struct {
	// Token is the opaque bearer secret passed to the telephony vendor.
	Token string

	// ExpiresIn is the credential lifetime in seconds at issue time.
	ExpiresIn int

	// IssuedAt is the local time the credential was received.
	IssuedAt time.Time
}

// ExpiresAt returns the local time the credential lapses.
func (c Credential) ExpiresAt() time.Time {
	return c.IssuedAt.Add(time.Duration(c.ExpiresIn) * time.Second)
}

// FetchError indicates the token endpoint was unreachable or rejected the
// request. The gateway never retries; retry policy belongs to callers.
type FetchError struct {
	Err error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("credential fetch failed: %v", e.Err)
}

// Unwrap returns the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFetchError reports whether err is a credential fetch failure.
func IsFetchError(err error) bool {
	var e *FetchError
	return errors.As(err, &e)
}

// tokenResponse is the wire shape of the token endpoint response.
type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// inflight tracks a fetch in progress so concurrent callers share its result.
type inflight struct {
	done chan struct{}
	cred Credential
	err  error
}

// Gateway fetches voice credentials from the backend. It is stateless aside
// from in-flight request deduplication: concurrent FetchCredential calls
// await the same request instead of issuing parallel ones.
type Gateway struct {
	core *softphonesdk.Client

	mu      sync.Mutex
	pending *inflight
}

// NewGateway creates a Gateway backed by the given core client.
func NewGateway(core *softphonesdk.Client) *Gateway {
	return &Gateway{core: core}
}

// FetchCredential requests a fresh credential from the backend. If a fetch
// is already in flight, the call waits for that fetch and returns its result.
func (g *Gateway) FetchCredential(ctx context.Context) (Credential, error) {
	g.mu.Lock()
	if g.pending != nil {
		fl := g.pending
		g.mu.Unlock()
		select {
		case <-fl.done:
			return fl.cred, fl.err
		case <-ctx.Done():
			return Credential{}, &FetchError{Err: ctx.Err()}
		}
	}
	fl := &inflight{done: make(chan struct{})}
	g.pending = fl
	g.mu.Unlock()

	cred, err := g.fetch(ctx)

	g.mu.Lock()
	g.pending = nil
	g.mu.Unlock()

	fl.cred = cred
	fl.err = err
	close(fl.done)

	return cred, err
}

// fetch performs a single token request. No retries: a transient failure is
// surfaced to the caller, which owns the retry decision.
func (g *Gateway) fetch(ctx context.Context) (Credential, error) {
	resp, err := g.core.RequestWithContext(ctx, http.MethodPost, tokenPath, nil, nil)
	if err != nil {
		return Credential{}, &FetchError{Err: err}
	}

	var body tokenResponse
	if err := softphonesdk.ParseResponse(resp, &body); err != nil {
		return Credential{}, &FetchError{Err: err}
	}
	if body.Token == "" {
		return Credential{}, &FetchError{Err: fmt.Errorf("token endpoint returned empty token")}
	}

	cred := Credential{
		Token:     body.Token,
		ExpiresIn: body.ExpiresIn,
		IssuedAt:  time.Now(),
	}

	// Some backend versions omit expires_in; fall back to the exp claim of
	// the credential itself when it is a JWT.
	if cred.ExpiresIn <= 0 {
		if ttl, ok := expiryFromJWT(cred.Token, cred.IssuedAt); ok {
			cred.ExpiresIn = ttl
		} else {
			return Credential{}, &FetchError{Err: fmt.Errorf("token endpoint returned no expiry")}
		}
	}

	return cred, nil
}

// expiryFromJWT extracts a remaining-lifetime, in seconds, from the exp
// claim of a JWT credential. The signature is not verified.
func expiryFromJWT(raw string, now time.Time) (int, bool) {
	parsed, err := jwt.ParseSigned(raw, signatureAlgorithms)
	if err != nil {
		return 0, false
	}

	var claims jwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return 0, false
	}
	if claims.Expiry == nil {
		return 0, false
	}

	ttl := int(claims.Expiry.Time().Sub(now) / time.Second)
	if ttl <= 0 {
		return 0, false
	}
	return ttl, true
}
