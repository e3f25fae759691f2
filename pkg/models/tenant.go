package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	TierFree     = "free"
	TierStandard = "standard"
	TierPremium  = "premium"
)

// Tenant represents a school or organization. Every other entity belongs to a tenant.
// MaxRequests and MaxTokens override the tier defaults when set.
type Tenant struct {
	ID          uuid.UUID  `db:"id"           json:"id"`
	Name        string     `db:"name"         json:"name"`
	Tier        string     `db:"tier"         json:"tier"`
	Timezone    string     `db:"timezone"     json:"timezone"`
	MaxRequests *int64     `db:"max_requests" json:"max_requests,omitempty"`
	MaxTokens   *int64     `db:"max_tokens"   json:"max_tokens,omitempty"`
	DeletedAt   *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"   json:"updated_at"`
}
