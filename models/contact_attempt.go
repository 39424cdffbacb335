package models

import (
	"github.com/jmoiron/sqlx/types"
	null "gopkg.in/volatiletech/null.v6"
)

// ContactAttempt direction/status enums, spec.md §3.
const (
	DirectionOutbound = "OUTBOUND"
	DirectionInbound  = "INBOUND"

	AttemptStatusQueued   = "QUEUED"
	AttemptStatusSent     = "SENT"
	AttemptStatusDelivered = "DELIVERED"
	AttemptStatusFailed   = "FAILED"
	AttemptStatusBounced  = "BOUNCED"
)

// ContactAttempt is the append-only ground truth that a send was attempted
// (or a message was received), spec.md §3.
type ContactAttempt struct {
	ID             int64          `db:"id" json:"id"`
	TenantID       int            `db:"tenant_id" json:"tenant_id"`
	CampaignID     null.Int       `db:"campaign_id" json:"campaign_id"`
	CampaignStepID null.Int       `db:"campaign_step_id" json:"campaign_step_id"`
	RecipientID    null.Int       `db:"recipient_id" json:"recipient_id"`
	LeadID         null.Int       `db:"lead_id" json:"lead_id"`
	ContactID      null.Int       `db:"contact_id" json:"contact_id"`
	ChannelKind    ChannelKind    `db:"channel_kind" json:"channel_kind"`
	Direction      string         `db:"direction" json:"direction"`
	Status         string         `db:"status" json:"status"`
	Subject        null.String    `db:"subject" json:"subject"`
	Body           string         `db:"body" json:"body"`
	ExternalID     null.String    `db:"external_id" json:"external_id"`
	SentAt         null.Time      `db:"sent_at" json:"sent_at"`
	DeliveredAt    null.Time      `db:"delivered_at" json:"delivered_at"`
	OpenedAt       null.Time      `db:"opened_at" json:"opened_at"`
	ClickedAt      null.Time      `db:"clicked_at" json:"clicked_at"`
	RepliedAt      null.Time      `db:"replied_at" json:"replied_at"`
	CreatedAt      null.Time      `db:"created_at" json:"created_at"`
	Metadata       types.JSONText `db:"metadata" json:"metadata"`
}

// AttemptError is the structured shape written into Metadata.error for
// failed attempts (spec.md §7: "attempts carry a structured metadata.error
// with kind and free-text reason").
type AttemptError struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}
