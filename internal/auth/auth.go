// Package auth provides credentials for the hosted backend: a project API key
// and an optional user access token.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// Errors
var (
	ErrMissingAPIKey = errors.New("API key is required")
	ErrMalformedJWT  = errors.New("malformed JWT")
	ErrNoExpiry      = errors.New("token has no exp claim")
)

// Credentials holds the API key and user access token for requests.
type Credentials struct {
	APIKey      string // Project API key, sent as the apikey header
	AccessToken string // User JWT; empty means act with the API key alone
}

// Claims are the JWT claims this package reads.
type Claims struct {
	Subject   string `json:"sub"`
	Role      string `json:"role"`
	ExpiresAt int64  `json:"exp"` // Unix seconds
}

// LoadCredentials builds credentials from an API key and an optional access
// token file. An empty tokenPath leaves AccessToken unset.
func LoadCredentials(apiKey, tokenPath string) (*Credentials, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	creds := &Credentials{APIKey: apiKey}
	if tokenPath == "" {
		return creds, nil
	}

	token, err := LoadToken(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("load access token: %w", err)
	}
	creds.AccessToken = token
	return creds, nil
}

// LoadToken reads a JWT from a file, trimming surrounding whitespace.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if _, err := ParseClaims(token); err != nil {
		return "", err
	}
	return token, nil
}

// Bearer returns the token for the Authorization header: the access token if
// present, the API key otherwise.
func (c *Credentials) Bearer() string {
	if c.AccessToken != "" {
		return c.AccessToken
	}
	return c.APIKey
}

// Headers returns the authentication headers for a request.
func (c *Credentials) Headers() map[string]string {
	return map[string]string{
		"apikey":        c.APIKey,
		"Authorization": "Bearer " + c.Bearer(),
	}
}

// Apply sets the authentication headers on h.
func (c *Credentials) Apply(h http.Header) {
	for k, v := range c.Headers() {
		h.Set(k, v)
	}
}

// Claims parses the access token's claims.
func (c *Credentials) Claims() (Claims, error) {
	return ParseClaims(c.AccessToken)
}

// ExpiresAt returns the access token's expiry.
func (c *Credentials) ExpiresAt() (time.Time, error) {
	claims, err := c.Claims()
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == 0 {
		return time.Time{}, ErrNoExpiry
	}
	return time.Unix(claims.ExpiresAt, 0).UTC(), nil
}

// Expired reports whether the access token expires within leeway of now.
// Credentials without an access token never expire; an unreadable token is
// treated as expired.
func (c *Credentials) Expired(now time.Time, leeway time.Duration) bool {
	if c.AccessToken == "" {
		return false
	}
	exp, err := c.ExpiresAt()
	if err != nil {
		return !errors.Is(err, ErrNoExpiry)
	}
	return !now.Add(leeway).Before(exp)
}

// ParseClaims decodes the payload segment of a JWT. The signature is not
// verified; the server does that.
func ParseClaims(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedJWT, len(parts))
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: decode payload: %v", ErrMalformedJWT, err)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: parse payload: %v", ErrMalformedJWT, err)
	}
	return claims, nil
}
