package duplicates

import (
	"errors"
	"strings"

	"github.com/hbollon/go-edlib"
)

// ErrInvalidEmail is returned for addresses without a local part or domain
var ErrInvalidEmail = errors.New("duplicates: invalid email")

// EmailNormalizer canonicalizes addresses before comparison
type EmailNormalizer struct {
	dotInsensitive map[string]bool
	aliases        map[string]string
}

// NewEmailNormalizer builds a normalizer. aliases maps a domain to its canonical form.
func NewEmailNormalizer(dotInsensitive []string, aliases map[string]string) *EmailNormalizer {
	n := &EmailNormalizer{
		dotInsensitive: make(map[string]bool, len(dotInsensitive)),
		aliases:        aliases,
	}
	for _, d := range dotInsensitive {
		n.dotInsensitive[strings.ToLower(strings.TrimSpace(d))] = true
	}
	return n
}

// Normalize lowercases the address, resolves domain aliases, drops any
// +suffix and removes dots on providers that ignore them.
func (n *EmailNormalizer) Normalize(email string) (local, domain string, err error) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", "", ErrInvalidEmail
	}
	local, domain = email[:at], email[at+1:]

	if canonical, ok := n.aliases[domain]; ok {
		domain = canonical
	}
	if plus := strings.IndexByte(local, '+'); plus >= 0 {
		local = local[:plus]
	}
	if n.dotInsensitive[domain] {
		local = strings.ReplaceAll(local, ".", "")
	}
	if local == "" {
		return "", "", ErrInvalidEmail
	}
	return local, domain, nil
}

// EmailDistance is the optimal string alignment distance between two
// normalized local parts. It is symmetric.
func EmailDistance(a, b string) int {
	return edlib.OSADamerauLevenshteinDistance(a, b)
}
