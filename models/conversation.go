package models

import null "gopkg.in/volatiletech/null.v6"

// Conversation status values.
const (
	ConversationStatusOpen   = "OPEN"
	ConversationStatusClosed = "CLOSED"
)

// Conversation groups Messages for one (channel_kind, contact|prospect).
// Invariant: at most one open conversation per (contact, channel).
type Conversation struct {
	ID          int64     `db:"id" json:"id"`
	TenantID    int       `db:"tenant_id" json:"tenant_id"`
	ChannelKind ChannelKind `db:"channel_kind" json:"channel_kind"`
	ContactID   null.Int  `db:"contact_id" json:"contact_id"`
	ProspectID  null.Int  `db:"prospect_id" json:"prospect_id"`
	LeadID      null.Int  `db:"lead_id" json:"lead_id"`
	Status      string    `db:"status" json:"status"`
	CreatedAt   null.Time `db:"created_at" json:"created_at"`
	UpdatedAt   null.Time `db:"updated_at" json:"updated_at"`
}

// Message is one turn within a Conversation, ordered by CreatedAt.
type Message struct {
	ID             int64     `db:"id" json:"id"`
	ConversationID int64     `db:"conversation_id" json:"conversation_id"`
	Direction      string    `db:"direction" json:"direction"`
	Body           string    `db:"body" json:"body"`
	ExternalID     null.String `db:"external_id" json:"external_id"`
	CreatedAt      null.Time `db:"created_at" json:"created_at"`
}
