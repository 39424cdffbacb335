package models

import null "gopkg.in/volatiletech/null.v6"

// Prospect status values, spec.md §3.
const (
	ProspectStatusPending   = "PENDING"
	ProspectStatusMessaged  = "MESSAGED"
	ProspectStatusReplied   = "REPLIED"
	ProspectStatusConverted = "CONVERTED"
)

// ProspectGroup is a session-based channel's native group (a Telegram group
// or WhatsApp group) imported for prospecting.
type ProspectGroup struct {
	ID              int64       `db:"id" json:"id"`
	TenantID        int         `db:"tenant_id" json:"tenant_id"`
	ChannelConfigID int         `db:"channel_config_id" json:"channel_config_id"`
	ChannelKind     ChannelKind `db:"channel_kind" json:"channel_kind"`
	ExternalGroupID string      `db:"external_group_id" json:"external_group_id"`
	Name            string      `db:"name" json:"name"`
	CreatedAt       null.Time   `db:"created_at" json:"created_at"`
}

// Prospect is a channel-native contact that has not yet been promoted to a
// Lead. PlatformUserID is telegram_user_id for Telegram, a phone for
// WhatsApp.
type Prospect struct {
	ID                     int64       `db:"id" json:"id"`
	TenantID               int         `db:"tenant_id" json:"tenant_id"`
	ProspectGroupID        null.Int    `db:"prospect_group_id" json:"prospect_group_id"`
	ChannelConfigID        int         `db:"channel_config_id" json:"channel_config_id"`
	ChannelKind            ChannelKind `db:"channel_kind" json:"channel_kind"`
	PlatformUserID         string      `db:"platform_user_id" json:"platform_user_id"`
	Phone                  null.String `db:"phone" json:"phone"`
	DisplayName            null.String `db:"display_name" json:"display_name"`
	LastWatermarkExternalID null.String `db:"last_watermark_external_id" json:"last_watermark_external_id"`
	LastMessagedAt         null.Time   `db:"last_messaged_at" json:"last_messaged_at"`
	LastRepliedAt          null.Time   `db:"last_replied_at" json:"last_replied_at"`
	Status                 string      `db:"status" json:"status"`
	ConvertedLeadID        null.Int    `db:"converted_lead_id" json:"converted_lead_id"`
}

// Sendable reports whether the adapter can actually message this prospect —
// some WhatsApp Web group members resolve only to an LID, never a phone
// (spec.md §9 open question), and those are not sendable.
func (p *Prospect) Sendable() bool {
	if p.ChannelKind == ChannelWhatsAppWeb {
		return p.Phone.Valid && p.Phone.String != ""
	}
	return p.PlatformUserID != ""
}

// DisplayNameOrID returns a human name for auto-conversion's Lead.company_name
// derivation (spec.md §4.F.e), falling back to the platform id.
func (p *Prospect) DisplayNameOrID() string {
	if p.DisplayName.Valid && p.DisplayName.String != "" {
		return p.DisplayName.String
	}
	return p.PlatformUserID
}
