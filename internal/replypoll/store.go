// Package replypoll implements the inbound-message ingestion loop of
// spec.md §4.F: one POLL_REPLIES job per session-based ChannelConfig,
// watermark-driven, attributing replies to outbound ContactAttempts and
// optionally auto-converting prospects into leads.
package replypoll

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/outpacehq/engagement-engine/models"
)

// Store is the persistence boundary the poller needs.
type Store interface {
	GetChannelConfig(ctx context.Context, tenantID, channelConfigID int) (*models.ChannelConfig, error)
	// GetChannelConfigByID loads a config without a tenant filter, for the
	// job handler path where only channel_config_id is known up front.
	GetChannelConfigByID(ctx context.Context, channelConfigID int) (*models.ChannelConfig, error)
	ListPollablePeers(ctx context.Context, channelConfigID int, limit int) ([]Peer, error)
	GetProspect(ctx context.Context, tenantID int, prospectID int64) (*models.Prospect, error)

	GetOrOpenConversation(ctx context.Context, tenantID int, channelKind models.ChannelKind, contactID, prospectID int64) (*models.Conversation, error)
	InsertMessage(ctx context.Context, m *models.Message) (int64, error)
	InsertContactAttempt(ctx context.Context, a *models.ContactAttempt) (int64, error)
	AttributeReply(ctx context.Context, conversationID int64, repliedAt time.Time) error

	UpdateProspectReplied(ctx context.Context, prospectID int64, lastReplied, watermark string) error
	UpdateRecipientReplied(ctx context.Context, tenantID int, channelKind models.ChannelKind, contactID int64) error
	UpdateRecipientRepliedByProspect(ctx context.Context, tenantID int, prospectID int64) error

	ConvertProspect(ctx context.Context, prospect *models.Prospect, displayName string) (leadID int64, err error)
}

// Peer is one pollable target: either a Prospect (channel-native) or a
// Contact reached through a Conversation, whichever the channel produced.
type Peer struct {
	ProspectID        int64
	ContactID         int64
	PeerAddress       string // e.g. telegram user id or phone digits
	LastWatermark     string
	ChannelKind       models.ChannelKind
	ChannelConfigID   int
	TenantID          int
	AutoConvertEnabled bool
}

type sqlStore struct {
	db *sqlx.DB
}

// NewStore builds the production Store over db.
func NewStore(db *sqlx.DB) Store {
	return &sqlStore{db: db}
}

func (s *sqlStore) GetChannelConfig(ctx context.Context, tenantID, channelConfigID int) (*models.ChannelConfig, error) {
	var c models.ChannelConfig
	err := s.db.GetContext(ctx, &c, `SELECT * FROM channel_configs WHERE id = $1 AND tenant_id = $2`, channelConfigID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("replypoll.GetChannelConfig: %w", err)
	}
	return &c, nil
}

func (s *sqlStore) GetChannelConfigByID(ctx context.Context, channelConfigID int) (*models.ChannelConfig, error) {
	var c models.ChannelConfig
	err := s.db.GetContext(ctx, &c, `SELECT * FROM channel_configs WHERE id = $1`, channelConfigID)
	if err != nil {
		return nil, fmt.Errorf("replypoll.GetChannelConfigByID: %w", err)
	}
	return &c, nil
}

func (s *sqlStore) GetProspect(ctx context.Context, tenantID int, prospectID int64) (*models.Prospect, error) {
	var p models.Prospect
	err := s.db.GetContext(ctx, &p, `SELECT * FROM prospects WHERE id = $1 AND tenant_id = $2`, prospectID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("replypoll.GetProspect: %w", err)
	}
	return &p, nil
}

// ListPollablePeers loads prospects in MESSAGED status that carry a
// watermark, oldest last_messaged_at first, capped at limit per spec.md §4.F's
// "work may be capped per cycle... continued next cycle by watermark
// ordering".
func (s *sqlStore) ListPollablePeers(ctx context.Context, channelConfigID int, limit int) ([]Peer, error) {
	var rows []struct {
		ProspectID      int64       `db:"id"`
		TenantID        int         `db:"tenant_id"`
		ChannelKind     models.ChannelKind `db:"channel_kind"`
		PlatformUserID  string      `db:"platform_user_id"`
		Phone           sqlNullString `db:"phone"`
		LastWatermark   sqlNullString `db:"last_watermark_external_id"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, tenant_id, channel_kind, platform_user_id, phone, last_watermark_external_id
		FROM prospects
		WHERE channel_config_id = $1
		  AND status = 'MESSAGED'
		  AND last_watermark_external_id IS NOT NULL
		ORDER BY last_messaged_at ASC NULLS FIRST
		LIMIT $2`, channelConfigID, limit)
	if err != nil {
		return nil, fmt.Errorf("replypoll.ListPollablePeers: %w", err)
	}

	peers := make([]Peer, 0, len(rows))
	for _, r := range rows {
		addr := r.PlatformUserID
		if r.ChannelKind == models.ChannelWhatsAppWeb && r.Phone.String != "" {
			addr = r.Phone.String
		}
		peers = append(peers, Peer{
			ProspectID:      r.ProspectID,
			PeerAddress:     addr,
			LastWatermark:   r.LastWatermark.String,
			ChannelKind:     r.ChannelKind,
			ChannelConfigID: channelConfigID,
			TenantID:        r.TenantID,
		})
	}
	return peers, nil
}

func (s *sqlStore) GetOrOpenConversation(ctx context.Context, tenantID int, channelKind models.ChannelKind, contactID, prospectID int64) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.GetContext(ctx, &conv, `
		SELECT * FROM conversations
		WHERE tenant_id = $1 AND channel_kind = $2
		  AND ((contact_id = $3 AND $3 <> 0) OR (prospect_id = $4 AND $4 <> 0))
		  AND status = 'OPEN'
		ORDER BY id DESC LIMIT 1`, tenantID, channelKind, contactID, prospectID)
	if err == nil {
		return &conv, nil
	}

	var contactArg, prospectArg interface{}
	if contactID != 0 {
		contactArg = contactID
	}
	if prospectID != 0 {
		prospectArg = prospectID
	}
	err = s.db.GetContext(ctx, &conv, `
		INSERT INTO conversations (tenant_id, channel_kind, contact_id, prospect_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'OPEN', now(), now())
		RETURNING *`, tenantID, channelKind, contactArg, prospectArg)
	if err != nil {
		return nil, fmt.Errorf("replypoll.GetOrOpenConversation: %w", err)
	}
	return &conv, nil
}

func (s *sqlStore) InsertMessage(ctx context.Context, m *models.Message) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO messages (conversation_id, direction, body, external_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`, m.ConversationID, m.Direction, m.Body, m.ExternalID, m.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("replypoll.InsertMessage: %w", err)
	}
	return id, nil
}

func (s *sqlStore) InsertContactAttempt(ctx context.Context, a *models.ContactAttempt) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO contact_attempts
			(tenant_id, campaign_id, campaign_step_id, recipient_id, lead_id, contact_id, channel_kind,
			 direction, status, subject, body, external_id, replied_at, metadata, created_at)
		VALUES ($1, NULL, NULL, NULL, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		RETURNING id`,
		a.TenantID, a.LeadID, a.ContactID, a.ChannelKind,
		a.Direction, a.Status, a.Subject, a.Body, a.ExternalID, a.RepliedAt, a.Metadata,
	)
	if err != nil {
		return 0, fmt.Errorf("replypoll.InsertContactAttempt: %w", err)
	}
	return id, nil
}

// AttributeReply sets replied_at on the most recent OUTBOUND attempt in the
// conversation's underlying recipient/contact thread that doesn't have one
// yet (spec.md §4.F.4.c: "the most recent outbound attempt preceding the
// inbound message").
func (s *sqlStore) AttributeReply(ctx context.Context, conversationID int64, repliedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contact_attempts a
		SET replied_at = $2
		FROM conversations c
		WHERE a.direction = 'OUTBOUND'
		  AND a.replied_at IS NULL
		  AND c.id = $1
		  AND (a.contact_id = c.contact_id OR (c.contact_id IS NULL AND a.lead_id IS NULL))
		  AND a.id = (
		    SELECT a2.id FROM contact_attempts a2
		    WHERE a2.direction = 'OUTBOUND' AND a2.replied_at IS NULL AND a2.contact_id = c.contact_id
		    ORDER BY a2.sent_at DESC NULLS LAST LIMIT 1
		  )`, conversationID, repliedAt)
	if err != nil {
		return fmt.Errorf("replypoll.AttributeReply: %w", err)
	}
	return nil
}

func (s *sqlStore) UpdateProspectReplied(ctx context.Context, prospectID int64, lastReplied, watermark string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE prospects SET status = 'REPLIED', last_replied_at = $2, last_watermark_external_id = $3
		WHERE id = $1`, prospectID, lastReplied, watermark)
	if err != nil {
		return fmt.Errorf("replypoll.UpdateProspectReplied: %w", err)
	}
	return nil
}

func (s *sqlStore) UpdateRecipientReplied(ctx context.Context, tenantID int, channelKind models.ChannelKind, contactID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recipients r
		SET status = 'REPLIED', updated_at = now()
		FROM campaigns k
		WHERE r.campaign_id = k.id AND k.tenant_id = $1 AND r.contact_id = $2
		  AND r.status IN ('PENDING', 'IN_PROGRESS')`, tenantID, contactID)
	if err != nil {
		return fmt.Errorf("replypoll.UpdateRecipientReplied: %w", err)
	}
	return nil
}

// UpdateRecipientRepliedByProspect is UpdateRecipientReplied's counterpart
// for channel-native prospects, which Recipient rows reference via
// prospect_id rather than contact_id (spec.md §4.F.4.d).
func (s *sqlStore) UpdateRecipientRepliedByProspect(ctx context.Context, tenantID int, prospectID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recipients r
		SET status = 'REPLIED', updated_at = now()
		FROM campaigns k
		WHERE r.campaign_id = k.id AND k.tenant_id = $1 AND r.prospect_id = $2
		  AND r.status IN ('PENDING', 'IN_PROGRESS')`, tenantID, prospectID)
	if err != nil {
		return fmt.Errorf("replypoll.UpdateRecipientRepliedByProspect: %w", err)
	}
	return nil
}

// ConvertProspect synthesises a Lead + Contact from a channel-native
// prospect (spec.md §4.F.4.e) and marks the prospect CONVERTED.
func (s *sqlStore) ConvertProspect(ctx context.Context, prospect *models.Prospect, displayName string) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("replypoll.ConvertProspect: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var leadID int64
	if err := tx.GetContext(ctx, &leadID, `
		INSERT INTO leads (tenant_id, company_name, website, industry)
		VALUES ($1, $2, NULL, NULL)
		RETURNING id`, prospect.TenantID, displayName); err != nil {
		return 0, fmt.Errorf("replypoll.ConvertProspect: insert lead: %w", err)
	}

	phone := interface{}(nil)
	if prospect.Phone.Valid {
		phone = prospect.Phone.String
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO contacts (tenant_id, lead_id, name, email, phone, position)
		VALUES ($1, $2, $3, NULL, $4, NULL)`, prospect.TenantID, leadID, displayName, phone); err != nil {
		return 0, fmt.Errorf("replypoll.ConvertProspect: insert contact: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE prospects SET converted_lead_id = $2, status = 'CONVERTED' WHERE id = $1`,
		prospect.ID, leadID); err != nil {
		return 0, fmt.Errorf("replypoll.ConvertProspect: update prospect: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("replypoll.ConvertProspect: commit: %w", err)
	}
	return leadID, nil
}

// sqlNullString avoids importing database/sql just for scanning an
// optionally-null text column inside ListPollablePeers' anonymous row type.
type sqlNullString struct {
	String string
	Valid  bool
}

func (n *sqlNullString) Scan(src interface{}) error {
	if src == nil {
		*n = sqlNullString{}
		return nil
	}
	switch v := src.(type) {
	case string:
		*n = sqlNullString{String: v, Valid: true}
	case []byte:
		*n = sqlNullString{String: string(v), Valid: true}
	default:
		*n = sqlNullString{}
	}
	return nil
}
