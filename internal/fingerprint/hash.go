package fingerprint

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Hasher derives stable keyed hashes for device and payment identifiers so
// raw values never reach storage.
type Hasher struct {
	key []byte
}

// NewHasher returns a hasher keyed with key. Keys longer than BLAKE2b allows
// are compressed first.
func NewHasher(key string) *Hasher {
	k := []byte(key)
	if len(k) > blake2b.Size {
		sum := blake2b.Sum256(k)
		k = sum[:]
	}
	return &Hasher{key: k}
}

// DeviceHash hashes the browser attributes. Partial attribute sets, a bare
// user agent included, are shared by whole browser builds and yield "".
func (h *Hasher) DeviceHash(b BrowserAttributes) string {
	if !b.complete() {
		return ""
	}
	return h.sum("device",
		strings.TrimSpace(b.UserAgent),
		strings.TrimSpace(b.Resolution),
		strings.TrimSpace(b.Timezone),
		strings.ToLower(strings.TrimSpace(b.Language)),
		strings.ToLower(strings.TrimSpace(b.Platform)),
	)
}

// InstrumentHash hashes a payment instrument identifier
func (h *Hasher) InstrumentHash(instrument string) string {
	instrument = strings.TrimSpace(instrument)
	if instrument == "" {
		return ""
	}
	return h.sum("instrument", instrument)
}

func (h *Hasher) sum(domain string, parts ...string) string {
	// New256 only fails for keys over 64 bytes, which NewHasher prevents.
	d, _ := blake2b.New256(h.key)
	d.Write([]byte(domain))
	for _, p := range parts {
		d.Write([]byte{0})
		d.Write([]byte(p))
	}
	return hex.EncodeToString(d.Sum(nil))
}
