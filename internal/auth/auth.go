// Package auth guards the signaling endpoint with a shared API key.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// HeaderAPIKey carries the key on the WebSocket upgrade request.
const HeaderAPIKey = "X-API-Key"

type Verifier interface {
	Verify(credential string) error
}

// APIKeyVerifier accepts exactly one configured key.
type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(apiKey string) error {
	if apiKey == "" || v.Expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// NewVerifier returns nil when no key is configured, which disables the check.
func NewVerifier(apiKey string) Verifier {
	if apiKey == "" {
		return nil
	}
	return APIKeyVerifier{Expected: apiKey}
}

// CredentialFromRequest looks at the X-API-Key header, then an
// "Authorization: Bearer|ApiKey <key>" header, then the apiKey query parameter.
func CredentialFromRequest(r *http.Request) (string, error) {
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return key, nil
	}
	if scheme, value, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " "); ok {
		switch strings.ToLower(scheme) {
		case "bearer", "apikey":
			if value = strings.TrimSpace(value); value != "" {
				return value, nil
			}
		}
	}
	if key := r.URL.Query().Get("apiKey"); key != "" {
		return key, nil
	}
	return "", ErrMissingCredentials
}

// Authorize is a no-op when v is nil.
func Authorize(v Verifier, r *http.Request) error {
	if v == nil {
		return nil
	}
	cred, err := CredentialFromRequest(r)
	if err != nil {
		return err
	}
	return v.Verify(cred)
}
