package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/outpacehq/engagement-engine/internal/errs"
	"github.com/outpacehq/engagement-engine/internal/queue"
	"github.com/outpacehq/engagement-engine/models"
)

// AddRecipientsRequest carries one of the four enrollment modes of spec.md
// §4.E.1, all idempotent against the recipients table's uniqueness
// invariant. Exactly one field should be populated; AddRecipients does not
// reject a mixed request, it simply processes whichever are set.
type AddRecipientsRequest struct {
	ContactIDs []int64 // mode (a): explicit contact_ids

	LeadIDs         []int64 // mode (b): lead_ids, expanded to contacts
	PrimaryOnly     bool    // mode (b): only the first contact per lead

	ResolveFilter bool // mode (c): resolve campaign.target_filter now

	ProspectGroupIDs []int // mode (d): all PENDING/MESSAGED prospects in these groups
}

// AddRecipients implements spec.md §4.E.1's four enrollment modes. Contacts
// added via (a)/(b)/(c) are looked up for their owning lead_id so render.go
// can later resolve `{{lead.*}}` tokens.
func (e *Engine) AddRecipients(ctx context.Context, tenantID, campaignID int, req AddRecipientsRequest) (int, error) {
	const op = "Engine.AddRecipients"
	var rows []NewRecipient

	for _, id := range req.ContactIDs {
		contact, err := e.store.GetContact(ctx, tenantID, id)
		if err != nil {
			return 0, errs.New(errs.TransientNetwork, op, fmt.Errorf("mode a: load contact %d: %w", id, err))
		}
		rows = append(rows, NewRecipient{ContactID: contact.ID, LeadID: contact.LeadID.Int64})
	}

	for _, leadID := range req.LeadIDs {
		contactIDs, err := e.store.ListLeadContacts(ctx, tenantID, leadID, req.PrimaryOnly)
		if err != nil {
			return 0, errs.New(errs.TransientNetwork, op, fmt.Errorf("mode b: list contacts for lead %d: %w", leadID, err))
		}
		for _, cid := range contactIDs {
			rows = append(rows, NewRecipient{ContactID: cid, LeadID: leadID})
		}
	}

	if req.ResolveFilter {
		campaign, err := e.store.GetCampaign(ctx, tenantID, campaignID)
		if err != nil {
			return 0, errs.New(errs.TransientNetwork, op, fmt.Errorf("mode c: load campaign: %w", err))
		}
		leadIDs, err := e.store.ResolveLeadFilter(ctx, tenantID, campaign.TargetFilter)
		if err != nil {
			return 0, errs.New(errs.TransientNetwork, op, fmt.Errorf("mode c: resolve filter: %w", err))
		}
		for _, leadID := range leadIDs {
			contactIDs, err := e.store.ListLeadContacts(ctx, tenantID, leadID, true)
			if err != nil {
				return 0, errs.New(errs.TransientNetwork, op, fmt.Errorf("mode c: list contacts for lead %d: %w", leadID, err))
			}
			for _, cid := range contactIDs {
				rows = append(rows, NewRecipient{ContactID: cid, LeadID: leadID})
			}
		}
	}

	if len(req.ProspectGroupIDs) > 0 {
		prospectIDs, err := e.store.ListGroupProspects(ctx, tenantID, req.ProspectGroupIDs)
		if err != nil {
			return 0, errs.New(errs.TransientNetwork, op, fmt.Errorf("mode d: list group prospects: %w", err))
		}
		for _, pid := range prospectIDs {
			rows = append(rows, NewRecipient{ProspectID: pid})
		}
	}

	n, err := e.store.InsertRecipients(ctx, campaignID, rows)
	if err != nil {
		return 0, errs.New(errs.TransientNetwork, op, err)
	}
	return n, nil
}

// Start implements spec.md §4.E.2: campaign must be DRAFT or PAUSED, with
// ≥1 step and ≥1 recipient. The base start time is `now` for IMMEDIATE and
// SEQUENCE, `scheduled_at` for SCHEDULED. Only the first step's
// next_action_at is staggered across recipients by message_interval_seconds
// — later steps fire purely off their own per-recipient delays (spec.md
// "Ordering and pacing": "no re-staggering is performed").
func (e *Engine) Start(ctx context.Context, tenantID, campaignID int) error {
	const op = "Engine.Start"

	campaign, err := e.store.GetCampaign(ctx, tenantID, campaignID)
	if err != nil {
		return errs.New(errs.TransientNetwork, op, err)
	}
	if !campaign.CanStart() {
		return errs.New(errs.CampaignNotActive, op, fmt.Errorf("campaign %d is %s, not DRAFT/PAUSED", campaignID, campaign.Status))
	}

	steps, err := e.store.GetCampaignSteps(ctx, campaignID)
	if err != nil {
		return errs.New(errs.TransientNetwork, op, err)
	}
	if len(steps) == 0 {
		return errs.New(errs.CampaignNotActive, op, fmt.Errorf("campaign %d has no steps", campaignID))
	}

	pending, err := e.store.ListPendingRecipients(ctx, campaignID)
	if err != nil {
		return errs.New(errs.TransientNetwork, op, err)
	}
	if len(pending) == 0 {
		return errs.New(errs.CampaignNotActive, op, fmt.Errorf("campaign %d has no recipients", campaignID))
	}

	base := time.Now()
	if campaign.Type == models.CampaignTypeScheduled && campaign.ScheduledAt.Valid {
		base = campaign.ScheduledAt.Time
	}

	for i, r := range pending {
		// Every PENDING recipient gets a fresh next_action_at and a new job
		// here, whatever its current_step; on a PAUSED campaign that includes
		// recipients already past step 1.
		nextAt := base.Add(time.Duration(i) * time.Duration(campaign.MessageIntervalSeconds) * time.Second)
		r.NextActionAt = nullTime(nextAt)
		if uerr := e.store.UpdateRecipient(ctx, &r); uerr != nil {
			return errs.New(errs.TransientNetwork, op, uerr)
		}

		// Priority proportional to freshness (spec.md §4.E.2): the first
		// recipients enrolled get the lowest (most urgent) priority number,
		// tapering off so a huge campaign doesn't starve other tenants'
		// jobs at the front of the queue.
		priority := 1 + i/25
		if priority > 9 {
			priority = 9
		}
		if _, eerr := e.queue.Enqueue(ctx, models.JobKindCampaignStep, models.CampaignStepPayload{
			RecipientID: r.ID,
			CampaignID:  campaignID,
		}, queue.EnqueueOpts{TenantID: &tenantID, RunAfter: nextAt, Priority: priority}); eerr != nil {
			return errs.New(errs.TransientNetwork, op, eerr)
		}
	}

	if err := e.store.UpdateCampaignStatus(ctx, campaignID, models.CampaignStatusActive); err != nil {
		return errs.New(errs.TransientNetwork, op, err)
	}
	e.log.Info("campaign started", "campaign_id", campaignID, "recipients", len(pending))
	return nil
}

// Pause implements spec.md §4.E.3: ACTIVE → PAUSED, idempotent. In-flight
// jobs are left alone; the engine's own step-2 guard soft-retries them.
func (e *Engine) Pause(ctx context.Context, tenantID, campaignID int) error {
	campaign, err := e.store.GetCampaign(ctx, tenantID, campaignID)
	if err != nil {
		return errs.New(errs.TransientNetwork, "Engine.Pause", err)
	}
	if campaign.Status == models.CampaignStatusPaused {
		return nil
	}
	if campaign.Status != models.CampaignStatusActive {
		return errs.New(errs.CampaignNotActive, "Engine.Pause", fmt.Errorf("campaign %d is %s, not ACTIVE", campaignID, campaign.Status))
	}
	if err := e.store.UpdateCampaignStatus(ctx, campaignID, models.CampaignStatusPaused); err != nil {
		return errs.New(errs.TransientNetwork, "Engine.Pause", err)
	}
	e.log.Info("campaign paused", "campaign_id", campaignID)
	return nil
}

// Resume reactivates a PAUSED campaign without re-staggering: every
// recipient's existing next_action_at (and in-flight job) stands, so
// Resume is just a status flip that lets the step-2 guard pass jobs
// through again.
func (e *Engine) Resume(ctx context.Context, tenantID, campaignID int) error {
	campaign, err := e.store.GetCampaign(ctx, tenantID, campaignID)
	if err != nil {
		return errs.New(errs.TransientNetwork, "Engine.Resume", err)
	}
	if campaign.Status != models.CampaignStatusPaused {
		return errs.New(errs.CampaignNotActive, "Engine.Resume", fmt.Errorf("campaign %d is %s, not PAUSED", campaignID, campaign.Status))
	}
	if err := e.store.UpdateCampaignStatus(ctx, campaignID, models.CampaignStatusActive); err != nil {
		return errs.New(errs.TransientNetwork, "Engine.Resume", err)
	}
	e.log.Info("campaign resumed", "campaign_id", campaignID)
	return nil
}
