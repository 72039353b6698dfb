package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled       = errors.New("authentication disabled")
	ErrMissingToken   = errors.New("missing bearer token")
	ErrInvalidToken   = errors.New("invalid token")
	ErrScopeDenied    = errors.New("scope denied")
	ErrSubjectRevoked = errors.New("subject is disabled")
)

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "apikey"
)

// Config configures the authentication service.
type Config struct {
	Mode Mode        `json:"mode"`
	Keys []KeyConfig `json:"keys"`
}

// KeyConfig declares a single API key with its holder and granted scopes.
type KeyConfig struct {
	Key      string   `json:"key"`
	Name     string   `json:"name"`
	Scopes   []string `json:"scopes"`
	Disabled bool     `json:"disabled"`
}

// Subject captures the identity attached to an authenticated request.
type Subject struct {
	Name     string
	Scopes   []string
	Disabled bool

	scopeSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.scopeSet == nil {
		s.scopeSet = make(map[string]struct{}, len(s.Scopes))
		for _, scope := range s.Scopes {
			s.scopeSet[strings.ToLower(strings.TrimSpace(scope))] = struct{}{}
		}
	}
}

// HasScope reports whether the subject carries the given scope. The wildcard
// scope "*" grants everything.
func (s *Subject) HasScope(scope string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.scopeSet["*"]; ok {
		return true
	}
	_, ok := s.scopeSet[strings.ToLower(strings.TrimSpace(scope))]
	return ok
}

// Authorize ensures the subject carries all required scopes.
func (s *Subject) Authorize(scopes ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, scope := range scopes {
		if scope == "" {
			continue
		}
		if !s.HasScope(scope) {
			return fmt.Errorf("%w: missing %s", ErrScopeDenied, scope)
		}
	}
	return nil
}

// Clone creates a copy safe to hand to request handlers.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		Name:     s.Name,
		Scopes:   append([]string(nil), s.Scopes...),
		Disabled: s.Disabled,
	}
	clone.normalise()
	return clone
}
