package fingerprint

import (
	"time"

	"github.com/google/uuid"
)

// BrowserAttributes are the client-reported properties that make up a device
type BrowserAttributes struct {
	Resolution string `json:"resolution"`
	Timezone   string `json:"timezone"`
	Language   string `json:"language"`
	Platform   string `json:"platform"`
	UserAgent  string `json:"user_agent"`
}

func (b BrowserAttributes) complete() bool {
	return b.Resolution != "" && b.Timezone != "" && b.Language != "" && b.Platform != "" && b.UserAgent != ""
}

// NetworkClass is the outcome of classifying a request IP. At most one of
// the flags is set; Tor wins over VPN, VPN over proxy.
type NetworkClass struct {
	IsTor   bool `json:"is_tor"`
	IsVPN   bool `json:"is_vpn"`
	IsProxy bool `json:"is_proxy"`
}

// Anonymized reports whether the IP belongs to any anonymizing network
func (n NetworkClass) Anonymized() bool {
	return n.IsTor || n.IsVPN || n.IsProxy
}

// String names the class for logs and metrics
func (n NetworkClass) String() string {
	switch {
	case n.IsTor:
		return "tor"
	case n.IsVPN:
		return "vpn"
	case n.IsProxy:
		return "proxy"
	default:
		return "direct"
	}
}

// Record is one captured set of identity signals. Records are append-only.
type Record struct {
	ID         uuid.UUID         `json:"id"`
	UserID     *uuid.UUID        `json:"user_id,omitempty"`
	IPAddress  string            `json:"ip_address"`
	DeviceHash string            `json:"device_hash"`
	Browser    BrowserAttributes `json:"browser"`
	NetworkClass
	CapturedAt time.Time `json:"captured_at"`

	// Persisted is false when the store was unavailable and the record only
	// exists for the current request.
	Persisted bool `json:"-"`
}

// Complete reports whether every identity signal was supplied
func (r *Record) Complete() bool {
	if r == nil {
		return false
	}
	return r.DeviceHash != "" && r.Browser.complete()
}

// RecordInput is what a caller knows about the current request
type RecordInput struct {
	UserID     *uuid.UUID
	IPAddress  string
	DeviceHash string
	Browser    BrowserAttributes
}

// IPOverlap is another account that used some of the same IPs
type IPOverlap struct {
	UserID    uuid.UUID
	SharedIPs int
}

// DeviceOverlap is another account seen with the same device hash
type DeviceOverlap struct {
	UserID     uuid.UUID
	DeviceHash string
}
