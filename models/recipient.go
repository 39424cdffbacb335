package models

import (
	"github.com/jmoiron/sqlx/types"
	null "gopkg.in/volatiletech/null.v6"
)

// Recipient status values, spec.md §3.
const (
	RecipientStatusPending     = "PENDING"
	RecipientStatusInProgress  = "IN_PROGRESS"
	RecipientStatusCompleted   = "COMPLETED"
	RecipientStatusFailed      = "FAILED"
	RecipientStatusUnsubscribed = "UNSUBSCRIBED"
	RecipientStatusReplied     = "REPLIED"
)

// Recipient is the unit of campaign progression: a (campaign, target) pair
// with its own step pointer and clock. Exactly one of (LeadID+ContactID) or
// ProspectID is set. (campaign_id, contact_id|prospect_id) is unique;
// CurrentStep only ever increases.
type Recipient struct {
	ID           int64          `db:"id" json:"id"`
	CampaignID   int            `db:"campaign_id" json:"campaign_id"`
	LeadID       null.Int       `db:"lead_id" json:"lead_id"`
	ContactID    null.Int       `db:"contact_id" json:"contact_id"`
	ProspectID   null.Int       `db:"prospect_id" json:"prospect_id"`
	Status       string         `db:"status" json:"status"`
	CurrentStep  int            `db:"current_step" json:"current_step"`
	NextActionAt null.Time      `db:"next_action_at" json:"next_action_at"`
	Metadata     types.JSONText `db:"metadata" json:"metadata"`
	CreatedAt    null.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    null.Time      `db:"updated_at" json:"updated_at"`
}

// IsActive reports whether the recipient can still be advanced by the engine.
func (r *Recipient) IsActive() bool {
	return r.Status == RecipientStatusPending || r.Status == RecipientStatusInProgress
}

// IsProspect reports whether this recipient targets a channel-native prospect
// rather than a lead/contact pair.
func (r *Recipient) IsProspect() bool {
	return r.ProspectID.Valid
}
