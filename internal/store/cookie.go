package store

import (
	"errors"
	"strings"
)

// ErrMalformedCookie is returned when a mutation contains a cookie without a
// name or value. Mutations are all-or-nothing: nothing is applied when any
// input cookie is malformed.
var ErrMalformedCookie = errors.New("malformed cookie: name and value are required")

// Cookie is a single browser cookie as exchanged with workers and persisted
// to disk. The field names match the browser extension export format.
type Cookie struct {
	Name     string   `json:"name"`
	Value    string   `json:"value"`
	Domain   string   `json:"domain"`
	Path     string   `json:"path"`
	Secure   bool     `json:"secure"`
	HTTPOnly bool     `json:"httpOnly"`
	SameSite string   `json:"sameSite,omitempty"`
	Expires  *float64 `json:"expires,omitempty"`
}

// Key identifies a cookie for merge and delete purposes.
type Key struct {
	Name   string `json:"name"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

// Key returns the cookie's identity triple. An empty path counts as "/".
func (c Cookie) Key() Key {
	path := c.Path
	if path == "" {
		path = "/"
	}
	return Key{Name: c.Name, Domain: c.Domain, Path: path}
}

func (c Cookie) validate() error {
	if c.Name == "" || c.Value == "" {
		return ErrMalformedCookie
	}
	return nil
}

// NormalizeDomain strips one leading dot and lowercases. No further
// canonicalization: "a.b.com" and "b.com" stay distinct domains.
func NormalizeDomain(domain string) string {
	domain = strings.TrimPrefix(domain, ".")
	return strings.ToLower(domain)
}

// loginCookieHints are substrings that mark a cookie as authentication
// related. Used to derive the logged-in flag when the admin does not set it
// explicitly.
var loginCookieHints = []string{"session", "token", "auth", "jwt", "sid", "uid", "login"}

func looksLoggedIn(cookies []Cookie) bool {
	for _, c := range cookies {
		name := strings.ToLower(c.Name)
		for _, hint := range loginCookieHints {
			if strings.Contains(name, hint) {
				return true
			}
		}
	}
	return false
}
