// Package campaign implements the sequenced multi-channel send engine of
// spec.md §4.E: campaign lifecycle (start/pause/resume), recipient
// enrollment, per-step rendering and dispatch, and the job-queue handler
// that drives one recipient's current step forward.
package campaign

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"

	"github.com/outpacehq/engagement-engine/models"
)

// Store is the narrow persistence boundary the engine needs, kept separate
// from the raw *sqlx.DB so tests can fake it (the same "thin interface per
// collaborator" pattern as internal/session/store.go and
// internal/dispatcher's ConfigStore).
type Store interface {
	GetCampaign(ctx context.Context, tenantID, campaignID int) (*models.Campaign, error)
	// GetCampaignByID loads a campaign without a tenant filter, for the job
	// handler path where the tenant id isn't known until the campaign row
	// itself is read (the job only carries campaign_id/recipient_id).
	GetCampaignByID(ctx context.Context, campaignID int) (*models.Campaign, error)
	UpdateCampaignStatus(ctx context.Context, campaignID int, status string) error

	GetCampaignSteps(ctx context.Context, campaignID int) ([]models.CampaignStep, error)
	GetCampaignStep(ctx context.Context, campaignID, stepOrder int) (*models.CampaignStep, error)

	GetRecipient(ctx context.Context, recipientID int64) (*models.Recipient, error)
	UpdateRecipient(ctx context.Context, r *models.Recipient) error
	InsertRecipients(ctx context.Context, campaignID int, rows []NewRecipient) (int, error)
	ListPendingRecipients(ctx context.Context, campaignID int) ([]models.Recipient, error)
	CountActiveRecipients(ctx context.Context, campaignID int) (int, error)

	GetTemplate(ctx context.Context, tenantID, templateID int) (*models.Template, error)

	GetLead(ctx context.Context, tenantID int, leadID int64) (*models.Lead, error)
	GetContact(ctx context.Context, tenantID int, contactID int64) (*models.Contact, error)
	GetProspect(ctx context.Context, tenantID int, prospectID int64) (*models.Prospect, error)
	ResolveLeadFilter(ctx context.Context, tenantID int, filter types.JSONText) ([]int64, error)
	ListLeadContacts(ctx context.Context, tenantID int, leadID int64, primaryOnly bool) ([]int64, error)
	ListGroupProspects(ctx context.Context, tenantID int, groupIDs []int) ([]int64, error)

	InsertContactAttempt(ctx context.Context, a *models.ContactAttempt) (int64, error)
	CountSentAttempts(ctx context.Context, recipientID int64) (int, error)

	// GetChannelConfig mirrors dispatcher.ConfigStore's method so the engine
	// can read a step's channel settings (from_name/from_email/from_phone,
	// spec.md §4.E step 6's sender.* variables) without a second round trip
	// through the dispatcher.
	GetChannelConfig(ctx context.Context, tenantID, channelConfigID int) (*models.ChannelConfig, error)
}

// NewRecipient is one row the four enrollment modes of spec.md §4.E.1
// produce before insertion; exactly one of LeadID/ContactID or ProspectID
// is set, mirroring models.Recipient's own invariant.
type NewRecipient struct {
	LeadID     int64
	ContactID  int64
	ProspectID int64
}

// sqlStore is the production Store, grounded on the teacher's raw
// sqlx/lib/pq query style (models/tenant.go, internal/messenger/email's
// store calls) rather than an ORM — no pack repo uses one for Postgres
// access.
type sqlStore struct {
	db *sqlx.DB
}

// NewStore builds the production Store over db.
func NewStore(db *sqlx.DB) Store {
	return &sqlStore{db: db}
}

func (s *sqlStore) GetCampaign(ctx context.Context, tenantID, campaignID int) (*models.Campaign, error) {
	var c models.Campaign
	err := s.db.GetContext(ctx, &c, `SELECT * FROM campaigns WHERE id = $1 AND tenant_id = $2`, campaignID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("campaign.GetCampaign: %w", err)
	}
	return &c, nil
}

func (s *sqlStore) GetCampaignByID(ctx context.Context, campaignID int) (*models.Campaign, error) {
	var c models.Campaign
	err := s.db.GetContext(ctx, &c, `SELECT * FROM campaigns WHERE id = $1`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign.GetCampaignByID: %w", err)
	}
	return &c, nil
}

func (s *sqlStore) UpdateCampaignStatus(ctx context.Context, campaignID int, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = $2,
			started_at = CASE WHEN $2 = 'ACTIVE' AND started_at IS NULL THEN now() ELSE started_at END,
			completed_at = CASE WHEN $2 = 'COMPLETED' THEN now() ELSE completed_at END,
			updated_at = now()
		WHERE id = $1`, campaignID, status)
	if err != nil {
		return fmt.Errorf("campaign.UpdateCampaignStatus: %w", err)
	}
	return nil
}

func (s *sqlStore) GetCampaignSteps(ctx context.Context, campaignID int) ([]models.CampaignStep, error) {
	var steps []models.CampaignStep
	err := s.db.SelectContext(ctx, &steps, `SELECT * FROM campaign_steps WHERE campaign_id = $1 ORDER BY step_order ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign.GetCampaignSteps: %w", err)
	}
	return steps, nil
}

func (s *sqlStore) GetCampaignStep(ctx context.Context, campaignID, stepOrder int) (*models.CampaignStep, error) {
	var step models.CampaignStep
	err := s.db.GetContext(ctx, &step, `SELECT * FROM campaign_steps WHERE campaign_id = $1 AND step_order = $2`, campaignID, stepOrder)
	if err != nil {
		return nil, fmt.Errorf("campaign.GetCampaignStep: %w", err)
	}
	return &step, nil
}

func (s *sqlStore) GetRecipient(ctx context.Context, recipientID int64) (*models.Recipient, error) {
	var r models.Recipient
	err := s.db.GetContext(ctx, &r, `SELECT * FROM recipients WHERE id = $1`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("campaign.GetRecipient: %w", err)
	}
	return &r, nil
}

func (s *sqlStore) UpdateRecipient(ctx context.Context, r *models.Recipient) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recipients SET status = $2, current_step = $3, next_action_at = $4, metadata = $5, updated_at = now()
		WHERE id = $1`, r.ID, r.Status, r.CurrentStep, r.NextActionAt, r.Metadata)
	if err != nil {
		return fmt.Errorf("campaign.UpdateRecipient: %w", err)
	}
	return nil
}

// InsertRecipients inserts rows idempotently against the (campaign_id,
// contact_id|prospect_id) uniqueness invariant (spec.md §3), so re-running
// any of the four enrollment modes over an overlapping set is a no-op for
// the overlap. Returns the number of rows actually inserted.
func (s *sqlStore) InsertRecipients(ctx context.Context, campaignID int, rows []NewRecipient) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("campaign.InsertRecipients: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var inserted int
	const q = `
		INSERT INTO recipients (campaign_id, lead_id, contact_id, prospect_id, status, current_step, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'PENDING', 1, now(), now())
		ON CONFLICT (campaign_id, contact_id) WHERE contact_id IS NOT NULL DO NOTHING`
	const qProspect = `
		INSERT INTO recipients (campaign_id, lead_id, contact_id, prospect_id, status, current_step, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'PENDING', 1, now(), now())
		ON CONFLICT (campaign_id, prospect_id) WHERE prospect_id IS NOT NULL DO NOTHING`

	for _, r := range rows {
		var res interface {
			RowsAffected() (int64, error)
		}
		var execErr error
		if r.ProspectID != 0 {
			res, execErr = tx.ExecContext(ctx, qProspect, campaignID, nil, nil, r.ProspectID)
		} else {
			var leadID interface{}
			if r.LeadID != 0 {
				leadID = r.LeadID
			}
			res, execErr = tx.ExecContext(ctx, q, campaignID, leadID, r.ContactID, nil)
		}
		if execErr != nil {
			return 0, fmt.Errorf("campaign.InsertRecipients: %w", execErr)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("campaign.InsertRecipients: commit: %w", err)
	}
	return inserted, nil
}

func (s *sqlStore) ListPendingRecipients(ctx context.Context, campaignID int) ([]models.Recipient, error) {
	var rs []models.Recipient
	err := s.db.SelectContext(ctx, &rs, `
		SELECT * FROM recipients WHERE campaign_id = $1 AND status = 'PENDING' ORDER BY id ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign.ListPendingRecipients: %w", err)
	}
	return rs, nil
}

func (s *sqlStore) CountActiveRecipients(ctx context.Context, campaignID int) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM recipients WHERE campaign_id = $1 AND status IN ('PENDING', 'IN_PROGRESS')`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("campaign.CountActiveRecipients: %w", err)
	}
	return n, nil
}

func (s *sqlStore) GetTemplate(ctx context.Context, tenantID, templateID int) (*models.Template, error) {
	var t models.Template
	err := s.db.GetContext(ctx, &t, `SELECT * FROM templates WHERE id = $1 AND tenant_id = $2`, templateID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("campaign.GetTemplate: %w", err)
	}
	return &t, nil
}

func (s *sqlStore) GetLead(ctx context.Context, tenantID int, leadID int64) (*models.Lead, error) {
	var l models.Lead
	err := s.db.GetContext(ctx, &l, `SELECT * FROM leads WHERE id = $1 AND tenant_id = $2`, leadID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("campaign.GetLead: %w", err)
	}
	return &l, nil
}

func (s *sqlStore) GetContact(ctx context.Context, tenantID int, contactID int64) (*models.Contact, error) {
	var c models.Contact
	err := s.db.GetContext(ctx, &c, `SELECT * FROM contacts WHERE id = $1 AND tenant_id = $2`, contactID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("campaign.GetContact: %w", err)
	}
	return &c, nil
}

func (s *sqlStore) GetProspect(ctx context.Context, tenantID int, prospectID int64) (*models.Prospect, error) {
	var p models.Prospect
	err := s.db.GetContext(ctx, &p, `SELECT * FROM prospects WHERE id = $1 AND tenant_id = $2`, prospectID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("campaign.GetProspect: %w", err)
	}
	return &p, nil
}

// ResolveLeadFilter evaluates a campaign's target_filter (spec.md §4.E.1
// mode c) exactly once, at addition time, against the leads table. The
// filter is an opaque JSON object of the shape {"industry": "...",
// "company_name_contains": "..."}; unknown keys are ignored rather than
// rejected, matching the teacher's tolerant settings-decode style.
func (s *sqlStore) ResolveLeadFilter(ctx context.Context, tenantID int, filter types.JSONText) ([]int64, error) {
	var f struct {
		Industry             string `json:"industry"`
		CompanyNameContains  string `json:"company_name_contains"`
	}
	if len(filter) > 0 {
		if err := filter.Unmarshal(&f); err != nil {
			return nil, fmt.Errorf("campaign.ResolveLeadFilter: decode filter: %w", err)
		}
	}
	var ids []int64
	err := s.db.SelectContext(ctx, &ids, `
		SELECT id FROM leads
		WHERE tenant_id = $1
		  AND ($2 = '' OR industry = $2)
		  AND ($3 = '' OR company_name ILIKE '%' || $3 || '%')`,
		tenantID, f.Industry, f.CompanyNameContains)
	if err != nil {
		return nil, fmt.Errorf("campaign.ResolveLeadFilter: %w", err)
	}
	return ids, nil
}

func (s *sqlStore) ListLeadContacts(ctx context.Context, tenantID int, leadID int64, primaryOnly bool) ([]int64, error) {
	var ids []int64
	q := `SELECT id FROM contacts WHERE tenant_id = $1 AND lead_id = $2`
	if primaryOnly {
		q += ` ORDER BY id ASC LIMIT 1`
	}
	err := s.db.SelectContext(ctx, &ids, q, tenantID, leadID)
	if err != nil {
		return nil, fmt.Errorf("campaign.ListLeadContacts: %w", err)
	}
	return ids, nil
}

func (s *sqlStore) ListGroupProspects(ctx context.Context, tenantID int, groupIDs []int) ([]int64, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	var ids []int64
	q, args, err := sqlx.In(`
		SELECT id FROM prospects
		WHERE tenant_id = ? AND prospect_group_id IN (?) AND status IN ('PENDING', 'MESSAGED')`,
		tenantID, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("campaign.ListGroupProspects: %w", err)
	}
	err = s.db.SelectContext(ctx, &ids, s.db.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("campaign.ListGroupProspects: %w", err)
	}
	return ids, nil
}

func (s *sqlStore) InsertContactAttempt(ctx context.Context, a *models.ContactAttempt) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO contact_attempts
			(tenant_id, campaign_id, campaign_step_id, recipient_id, lead_id, contact_id, channel_kind,
			 direction, status, subject, body, external_id, sent_at, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())
		RETURNING id`,
		a.TenantID, a.CampaignID, a.CampaignStepID, a.RecipientID, a.LeadID, a.ContactID, a.ChannelKind,
		a.Direction, a.Status, a.Subject, a.Body, a.ExternalID, a.SentAt, a.Metadata,
	)
	if err != nil {
		return 0, fmt.Errorf("campaign.InsertContactAttempt: %w", err)
	}
	return id, nil
}

func (s *sqlStore) GetChannelConfig(ctx context.Context, tenantID, channelConfigID int) (*models.ChannelConfig, error) {
	var c models.ChannelConfig
	err := s.db.GetContext(ctx, &c, `SELECT * FROM channel_configs WHERE id = $1 AND tenant_id = $2`, channelConfigID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("campaign.GetChannelConfig: %w", err)
	}
	return &c, nil
}

func (s *sqlStore) CountSentAttempts(ctx context.Context, recipientID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM contact_attempts
		WHERE recipient_id = $1 AND direction = 'OUTBOUND' AND status = 'SENT'`, recipientID)
	if err != nil {
		return 0, fmt.Errorf("campaign.CountSentAttempts: %w", err)
	}
	return n, nil
}
