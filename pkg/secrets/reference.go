// Package secrets resolves configuration values that point into an external
// secret store instead of carrying the secret inline.
//
// A reference has the form scheme://path[@version][#key], for example
// vault://fraud/stripe#secret_key or aws://prod/fraud-db@AWSCURRENT#password.
// Values without a known scheme are used verbatim.
package secrets

import (
	"errors"
	"strings"
)

// Scheme names a secret backend
type Scheme string

const (
	SchemeVault Scheme = "vault"
	SchemeAWS   Scheme = "aws"
	SchemeGCP   Scheme = "gcp"
	SchemeFile  Scheme = "file"
)

var (
	ErrInvalidReference = errors.New("secrets: invalid reference")
	ErrKeyNotFound      = errors.New("secrets: key not found")
	ErrUnknownBackend   = errors.New("secrets: backend not configured")
)

// Ref locates one value inside a backend
type Ref struct {
	Scheme  Scheme
	Path    string
	Version string
	Key     string
}

func (r Ref) cacheKey() string {
	var sb strings.Builder
	sb.WriteString(string(r.Scheme))
	sb.WriteString("://")
	sb.WriteString(r.Path)
	if r.Version != "" {
		sb.WriteString("@" + r.Version)
	}
	return sb.String()
}

func knownScheme(s Scheme) bool {
	switch s {
	case SchemeVault, SchemeAWS, SchemeGCP, SchemeFile:
		return true
	}
	return false
}

// ParseRef reports whether raw is a secret reference and parses it. A value
// with a known scheme but no path is an error.
func ParseRef(raw string) (Ref, bool, error) {
	clean := strings.TrimSpace(raw)
	idx := strings.Index(clean, "://")
	if idx <= 0 {
		return Ref{}, false, nil
	}

	ref := Ref{Scheme: Scheme(strings.ToLower(clean[:idx]))}
	if !knownScheme(ref.Scheme) {
		return Ref{}, false, nil
	}
	rest := clean[idx+3:]

	if i := strings.LastIndex(rest, "#"); i >= 0 {
		ref.Key = strings.TrimSpace(rest[i+1:])
		rest = rest[:i]
	}
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		ref.Version = strings.TrimSpace(rest[i+1:])
		rest = rest[:i]
	}

	if ref.Scheme == SchemeFile {
		ref.Path = strings.TrimSpace(rest)
	} else {
		ref.Path = strings.Trim(strings.TrimSpace(rest), "/")
	}
	if ref.Path == "" {
		return ref, true, ErrInvalidReference
	}
	return ref, true, nil
}
