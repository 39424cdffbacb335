package session

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/outpacehq/engagement-engine/models"
)

// Store is the persistence boundary the registry needs: loading a
// ChannelConfig's credentials and writing back a session blob once a
// Telegram/WhatsApp login completes. Kept as a narrow interface (spec.md §9:
// "break cyclic coupling with a thin interface per collaborator") so tests
// can fake it without a database.
type Store interface {
	GetChannelConfig(ctx context.Context, tenantID, channelConfigID int) (*models.ChannelConfig, error)
	SaveCredentials(ctx context.Context, tenantID, channelConfigID int, credentialsEncrypted []byte) error
}

// session is the per-kind adapter contract the Registry drives uniformly.
// WhatsApp-Web-only and Telegram-only operations (BeginLink / StartAuth /
// VerifyCode / VerifyPassword) are exposed as optional interfaces a concrete
// session type additionally implements, rather than being forced onto both
// kinds with "not supported" stubs.
type session interface {
	Status(ctx context.Context) Status
	EnsureReady(ctx context.Context) error
	SendText(ctx context.Context, recipientAddress, body string) (SendResult, error)
	ListGroups(ctx context.Context) ([]Group, error)
	ListGroupMembers(ctx context.Context, groupID string) ([]Member, error)
	FetchInbound(ctx context.Context, peerAddress, sinceExternalID string) ([]InboundMessage, error)
	Disconnect(ctx context.Context) error
	DeleteSession(ctx context.Context) error
}

// linkable is implemented by WHATSAPP_WEB sessions.
type linkable interface {
	BeginLink(ctx context.Context) (LinkResult, error)
}

// interactiveAuth is implemented by TELEGRAM sessions.
type interactiveAuth interface {
	StartAuth(ctx context.Context, phone string) (sessionKey string, err error)
	VerifyCode(ctx context.Context, sessionKey, code string) (AuthResult, error)
	VerifyPassword(ctx context.Context, sessionKey, password string) (AuthResult, error)
}

// sqlStore is the production Store, the same raw sqlx/lib/pq idiom as
// internal/campaign.sqlStore and internal/replypoll.sqlStore.
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
		return nil, fmt.Errorf("session.GetChannelConfig: %w", err)
	}
	return &c, nil
}

// SaveCredentials overwrites a ChannelConfig's encrypted credentials blob,
// used once a Telegram login completes and the opaque session_string must
// be persisted (spec.md §4.B "registry persists an opaque session blob").
func (s *sqlStore) SaveCredentials(ctx context.Context, tenantID, channelConfigID int, credentialsEncrypted []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE channel_configs SET credentials_encrypted = $3, updated_at = now()
		WHERE id = $1 AND tenant_id = $2`, channelConfigID, tenantID, credentialsEncrypted)
	if err != nil {
		return fmt.Errorf("session.SaveCredentials: %w", err)
	}
	return nil
}
