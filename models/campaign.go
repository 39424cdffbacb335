package models

import (
	"github.com/jmoiron/sqlx/types"
	null "gopkg.in/volatiletech/null.v6"
)

// Campaign type and status enums, spec.md §3.
const (
	CampaignTypeImmediate = "IMMEDIATE"
	CampaignTypeScheduled = "SCHEDULED"
	CampaignTypeSequence  = "SEQUENCE"

	CampaignStatusDraft     = "DRAFT"
	CampaignStatusActive    = "ACTIVE"
	CampaignStatusPaused    = "PAUSED"
	CampaignStatusCompleted = "COMPLETED"
)

// Campaign is the authoring unit a tenant starts/pauses/resumes.
type Campaign struct {
	ID                    int            `db:"id" json:"id"`
	TenantID              int            `db:"tenant_id" json:"tenant_id"`
	Name                  string         `db:"name" json:"name"`
	Type                  string         `db:"type" json:"type"`
	Status                string         `db:"status" json:"status"`
	ScheduledAt           null.Time      `db:"scheduled_at" json:"scheduled_at"`
	StartedAt             null.Time      `db:"started_at" json:"started_at"`
	CompletedAt           null.Time      `db:"completed_at" json:"completed_at"`
	MessageIntervalSeconds int           `db:"message_interval_seconds" json:"message_interval_seconds"`
	TargetFilter          types.JSONText `db:"target_filter" json:"target_filter"`
	CreatedAt             null.Time      `db:"created_at" json:"created_at"`
	UpdatedAt             null.Time      `db:"updated_at" json:"updated_at"`
}

// CanStart reports whether the campaign is in a startable state, independent
// of the step/recipient-count guards the engine checks separately (spec.md
// §4.E.2).
func (c *Campaign) CanStart() bool {
	return c.Status == CampaignStatusDraft || c.Status == CampaignStatusPaused
}
