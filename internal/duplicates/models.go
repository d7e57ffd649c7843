package duplicates

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// Link is an undirected relation between two accounts likely controlled by
// the same actor. AccountA always sorts before AccountB.
type Link struct {
	ID              uuid.UUID    `json:"id"`
	AccountA        uuid.UUID    `json:"account_a"`
	AccountB        uuid.UUID    `json:"account_b"`
	Confidence      int          `json:"confidence_score"`
	SignalTypes     []SignalType `json:"signal_types"`
	Signals         []Signal     `json:"-"`
	DetectedAt      time.Time    `json:"detected_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	Reviewed        bool         `json:"reviewed"`
	IsFalsePositive bool         `json:"is_false_positive"`
	ReviewedBy      *uuid.UUID   `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time   `json:"reviewed_at,omitempty"`
}

// Other returns the account on the opposite side of the link from userID
func (l Link) Other(userID uuid.UUID) uuid.UUID {
	if l.AccountA == userID {
		return l.AccountB
	}
	return l.AccountA
}

// OrderedPair returns a and b with the lower UUID first, matching the
// ordering Postgres applies to uuid columns.
func OrderedPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if bytes.Compare(a[:], b[:]) > 0 {
		return b, a
	}
	return a, b
}

// Account is the email identity the identity provider registered for a user
type Account struct {
	UserID          uuid.UUID `json:"user_id"`
	Email           string    `json:"email"`
	LocalNormalized string    `json:"-"`
	Domain          string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// PaymentOverlap is another account that used the same payment instrument
type PaymentOverlap struct {
	UserID         uuid.UUID
	InstrumentHash string
}
