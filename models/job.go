package models

import (
	"github.com/jmoiron/sqlx/types"
	null "gopkg.in/volatiletech/null.v6"
)

// Job kinds, spec.md §3.
const (
	JobKindCampaignStep = "CAMPAIGN_STEP"
	JobKindScrape       = "SCRAPE"
	JobKindPollReplies  = "POLL_REPLIES"
	JobKindWebhook      = "WEBHOOK"
	JobKindCleanup      = "CLEANUP"
)

// Job status values. Transitions only ever go
// PENDING -> RUNNING -> {COMPLETED | PENDING(retry) | FAILED | DEAD}.
const (
	JobStatusPending   = "PENDING"
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusFailed    = "FAILED"
	JobStatusDead      = "DEAD"
)

// DefaultMaxAttempts is the default retry ceiling, spec.md §3.
const DefaultMaxAttempts = 3

// Job is a row in the durable queue, spec.md §3/§4.D. Owned by no business
// entity — the engine treats the table as its own persistent to-do list.
type Job struct {
	ID          int64          `db:"id" json:"id"`
	TenantID    null.Int       `db:"tenant_id" json:"tenant_id"`
	Kind        string         `db:"kind" json:"kind"`
	Payload     types.JSONText `db:"payload" json:"payload"`
	Priority    int            `db:"priority" json:"priority"`
	Status      string         `db:"status" json:"status"`
	Attempts    int            `db:"attempts" json:"attempts"`
	MaxAttempts int            `db:"max_attempts" json:"max_attempts"`
	RunAfter    null.Time      `db:"run_after" json:"run_after"`
	LeaseUntil  null.Time      `db:"lease_until" json:"lease_until"`
	StartedAt   null.Time      `db:"started_at" json:"started_at"`
	CompletedAt null.Time      `db:"completed_at" json:"completed_at"`
	Error       null.String    `db:"error" json:"error"`
	CreatedAt   null.Time      `db:"created_at" json:"created_at"`
}

// CampaignStepPayload is the payload shape for CAMPAIGN_STEP jobs, spec.md
// §4.E.
type CampaignStepPayload struct {
	RecipientID int64 `json:"recipient_id"`
	CampaignID  int   `json:"campaign_id"`
}

// PollRepliesPayload is the payload shape for POLL_REPLIES jobs, spec.md
// §4.F.
type PollRepliesPayload struct {
	ChannelConfigID int `json:"channel_config_id"`
}
