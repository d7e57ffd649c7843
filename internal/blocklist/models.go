package blocklist

import (
	"time"

	"github.com/google/uuid"
)

// Kind is what an entry matches against
type Kind string

const (
	KindIP    Kind = "ip"
	KindEmail Kind = "email"
)

// BlockType records how an entry came to exist
type BlockType string

const (
	BlockTypeManual     BlockType = "manual"
	BlockTypeAutomatic  BlockType = "automatic"
	BlockTypeDisposable BlockType = "disposable"
)

// Entry is one blocked IP, CIDR range, email or email domain pattern
type Entry struct {
	ID            uuid.UUID  `json:"id"`
	Kind          Kind       `json:"kind"`
	Pattern       string     `json:"pattern"`
	BlockType     BlockType  `json:"block_type"`
	Reason        string     `json:"reason"`
	IsActive      bool       `json:"is_active"`
	CreatedBy     *uuid.UUID `json:"created_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// CreateEntryRequest is the admin payload for a new entry
type CreateEntryRequest struct {
	Kind      Kind      `json:"kind" validate:"required,oneof=ip email"`
	Pattern   string    `json:"pattern" validate:"required,max=320,block_value"`
	BlockType BlockType `json:"block_type" validate:"omitempty,oneof=manual automatic disposable"`
	Reason    string    `json:"reason" validate:"max=500"`
}

// ListFilter narrows an entry listing
type ListFilter struct {
	Kind   *Kind
	Active *bool
	Limit  int
	Offset int
}
