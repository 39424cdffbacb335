package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/zerodha/logf"
	null "gopkg.in/volatiletech/null.v6"

	"github.com/outpacehq/engagement-engine/internal/dispatcher"
	"github.com/outpacehq/engagement-engine/internal/errs"
	"github.com/outpacehq/engagement-engine/internal/queue"
	"github.com/outpacehq/engagement-engine/models"
)

func nullInt(v int64) null.Int { return null.IntFrom(v) }
func nullString(v string) null.String {
	if v == "" {
		return null.String{}
	}
	return null.StringFrom(v)
}
func nullTime(t time.Time) null.Time { return null.TimeFrom(t) }

// nextActionTime computes a step's next_action_at from a base time: the
// configured delay, then snapped forward into the step's send_time window
// if one is configured (spec.md §3 CampaignStep.send_time, "HH:MM-HH:MM").
func nextActionTime(base time.Time, step *models.CampaignStep) time.Time {
	t := base.Add(time.Duration(step.DelaySeconds()) * time.Second)
	return snapToSendWindow(t, step)
}

// snapToSendWindow snaps t forward into step's send_time window (spec.md
// §4.E step 5), if one is configured. t itself is returned unchanged when
// no window applies or t already falls inside it.
func snapToSendWindow(t time.Time, step *models.CampaignStep) time.Time {
	if !step.SendTime.Valid || step.SendTime.String == "" {
		return t
	}
	startStr, endStr, ok := splitSendTime(step.SendTime.String)
	if !ok {
		return t
	}
	start, err1 := time.ParseInLocation("15:04", startStr, t.Location())
	end, err2 := time.ParseInLocation("15:04", endStr, t.Location())
	if err1 != nil || err2 != nil {
		return t
	}
	dayStart := time.Date(t.Year(), t.Month(), t.Day(), start.Hour(), start.Minute(), 0, 0, t.Location())
	dayEnd := time.Date(t.Year(), t.Month(), t.Day(), end.Hour(), end.Minute(), 0, 0, t.Location())
	switch {
	case t.Before(dayStart):
		return dayStart
	case t.After(dayEnd):
		return dayStart.AddDate(0, 0, 1)
	default:
		return t
	}
}

func splitSendTime(s string) (start, end string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '-' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// pausedRetryDelay is the fixed soft-pause requeue delay of spec.md §4.E
// step 2: "re-enqueues with a 30s delay (soft pause; no job churn)" —
// deliberately not run through the queue's exponential Backoff schedule,
// which exists for dispatch failures, not operator-initiated pauses.
const pausedRetryDelay = 30 * time.Second

// Dispatcher is the narrow surface the engine drives per step, satisfied by
// *dispatcher.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, tenantID, channelConfigID int, recipientAddress string, msg dispatcher.RenderedMessage) dispatcher.Outcome
}

// Enqueuer is the narrow surface the engine needs of the job queue,
// satisfied by *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload interface{}, opts queue.EnqueueOpts) (int64, error)
	Requeue(ctx context.Context, jobID int64, runAfter time.Time) error
}

// Engine is the campaign lifecycle and per-step processor of spec.md §4.E.
// Grounded on the teacher's Manager (internal/manager/manager.go): where
// Manager owns in-memory pipes and a ticking scanner pushing pre-rendered
// messages onto worker channels, Engine instead reacts to leased
// CAMPAIGN_STEP jobs one at a time, with all durable state in Postgres
// rather than process memory (spec.md §8 property 7: crash-resume from the
// DB alone).
type Engine struct {
	store Store
	disp  Dispatcher
	queue Enqueuer
	log   logf.Logger
}

// New builds an Engine.
func New(store Store, disp Dispatcher, q Enqueuer, log logf.Logger) *Engine {
	return &Engine{store: store, disp: disp, queue: q, log: log.With("component", "campaign_engine")}
}

// HandleJob implements queue.Handler for CAMPAIGN_STEP jobs.
func (e *Engine) HandleJob(ctx context.Context, job models.Job) error {
	var payload models.CampaignStepPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errs.New(errs.RenderError, "Engine.HandleJob", fmt.Errorf("decode payload: %w", err))
	}
	return e.processStep(ctx, job, payload.RecipientID)
}

// processStep implements the guard chain and dispatch of spec.md §4.E
// steps 1-10.
func (e *Engine) processStep(ctx context.Context, job models.Job, recipientID int64) error {
	const op = "Engine.processStep"
	jobID := job.ID

	// Step 1: load Recipient + Campaign + CampaignStep at step_order = current_step.
	recipient, err := e.store.GetRecipient(ctx, recipientID)
	if err != nil {
		return errs.New(errs.TransientNetwork, op, err)
	}
	campaign, err := e.store.GetCampaignByID(ctx, recipient.CampaignID)
	if err != nil {
		return errs.New(errs.TransientNetwork, op, fmt.Errorf("load campaign: %w", err))
	}

	// Step 2: campaign must be ACTIVE, else soft-pause retry.
	if campaign.Status != models.CampaignStatusActive {
		if rerr := e.queue.Requeue(ctx, jobID, time.Now().Add(pausedRetryDelay)); rerr != nil {
			return errs.New(errs.TransientNetwork, op, fmt.Errorf("requeue paused job: %w", rerr))
		}
		e.log.Info("campaign not active, soft-pause retry", "campaign_id", campaign.ID, "recipient_id", recipientID, "status", campaign.Status)
		return queue.ErrHandled
	}

	// Step 3: recipient must still be progressable.
	if !recipient.IsActive() {
		return nil // job has nothing left to do; complete normally.
	}

	steps, err := e.store.GetCampaignSteps(ctx, campaign.ID)
	if err != nil {
		return errs.New(errs.TransientNetwork, op, err)
	}

	// Step 4: current_step beyond the sequence → recipient COMPLETED.
	if recipient.CurrentStep > len(steps) {
		recipient.Status = models.RecipientStatusCompleted
		if uerr := e.store.UpdateRecipient(ctx, recipient); uerr != nil {
			return errs.New(errs.TransientNetwork, op, uerr)
		}
		return nil
	}

	step := steps[recipient.CurrentStep-1]

	// Step 5: resolved send time. If next_action_at (possibly snapped into a
	// send_time window) hasn't arrived yet, re-enqueue instead of sending.
	now := time.Now()
	resolved := now
	if recipient.NextActionAt.Valid && recipient.NextActionAt.Time.After(resolved) {
		resolved = recipient.NextActionAt.Time
	}
	resolved = snapToSendWindow(resolved, &step)
	if resolved.After(now) {
		if rerr := e.queue.Requeue(ctx, jobID, resolved); rerr != nil {
			return errs.New(errs.TransientNetwork, op, fmt.Errorf("requeue for send window: %w", rerr))
		}
		return queue.ErrHandled
	}

	subject, body, renderErr := e.renderStep(ctx, campaign, &step, recipient)
	if renderErr != nil {
		return e.failRecipient(ctx, campaign, &step, recipient, errs.RenderError, renderErr.Error())
	}

	// Mark IN_PROGRESS before dispatch so a crash mid-send resumes cleanly
	// (spec.md §8 property 7): the next lease simply re-dispatches.
	recipient.Status = models.RecipientStatusInProgress
	if uerr := e.store.UpdateRecipient(ctx, recipient); uerr != nil {
		return errs.New(errs.TransientNetwork, op, uerr)
	}

	address, addrErr := e.recipientAddress(ctx, campaign.TenantID, &step, recipient)
	if addrErr != nil {
		return e.failRecipient(ctx, campaign, &step, recipient, errs.RecipientInvalid, addrErr.Error())
	}

	outcome := e.disp.Dispatch(ctx, campaign.TenantID, step.ChannelConfigID, address, dispatcher.RenderedMessage{Subject: subject, Body: body})

	switch {
	case outcome.Sent:
		return e.onSent(ctx, campaign, &step, recipient, subject, body, outcome.ExternalID, jobID)
	case outcome.Permanent:
		return e.failRecipient(ctx, campaign, &step, recipient, errs.RecipientInvalid, outcome.Reason)
	default:
		return e.onTransientFailure(ctx, campaign, &step, recipient, outcome.Reason, job)
	}
}

func (e *Engine) renderStep(ctx context.Context, campaign *models.Campaign, step *models.CampaignStep, recipient *models.Recipient) (subject, body string, err error) {
	tmpl, err := e.store.GetTemplate(ctx, campaign.TenantID, step.TemplateID)
	if err != nil {
		return "", "", fmt.Errorf("load template: %w", err)
	}
	cfg, err := e.store.GetChannelConfig(ctx, campaign.TenantID, step.ChannelConfigID)
	if err != nil {
		return "", "", fmt.Errorf("load channel config: %w", err)
	}
	var settings models.ChannelSettings
	_ = cfg.Settings.Unmarshal(&settings)

	in := renderInputs{Settings: settings, UnsubscribeLink: unsubscribeLink(campaign.TenantID, recipient.ID)}
	if recipient.IsProspect() {
		prospect, perr := e.store.GetProspect(ctx, campaign.TenantID, recipient.ProspectID.Int64)
		if perr != nil {
			return "", "", fmt.Errorf("load prospect: %w", perr)
		}
		in.Prospect = prospect
	} else {
		contact, cerr := e.store.GetContact(ctx, campaign.TenantID, recipient.ContactID.Int64)
		if cerr != nil {
			return "", "", fmt.Errorf("load contact: %w", cerr)
		}
		in.Contact = contact
		if recipient.LeadID.Valid {
			lead, lerr := e.store.GetLead(ctx, campaign.TenantID, recipient.LeadID.Int64)
			if lerr != nil {
				return "", "", fmt.Errorf("load lead: %w", lerr)
			}
			in.Lead = lead
		}
	}

	return render(tmpl, in)
}

// unsubscribeLink builds the `{{unsubscribe_link}}` token value. No HTTP
// surface is part of this engine's scope (spec.md Non-goals: "operator web
// UI/API"), so this is an opaque, deterministic token an external surface
// can resolve later rather than a live URL.
func unsubscribeLink(tenantID int, recipientID int64) string {
	return fmt.Sprintf("urn:engagement-engine:unsubscribe:%d:%d", tenantID, recipientID)
}

func (e *Engine) recipientAddress(ctx context.Context, tenantID int, step *models.CampaignStep, recipient *models.Recipient) (string, error) {
	if recipient.IsProspect() {
		prospect, err := e.store.GetProspect(ctx, tenantID, recipient.ProspectID.Int64)
		if err != nil {
			return "", err
		}
		if !prospect.Sendable() {
			return "", fmt.Errorf("prospect %d has no sendable address for channel %s", prospect.ID, step.ChannelKind)
		}
		if step.ChannelKind == models.ChannelTelegram {
			return prospect.PlatformUserID, nil
		}
		return prospect.Phone.String, nil
	}

	contact, err := e.store.GetContact(ctx, tenantID, recipient.ContactID.Int64)
	if err != nil {
		return "", err
	}
	switch step.ChannelKind {
	case models.ChannelEmailSMTP, models.ChannelEmailAPI:
		if !contact.Email.Valid || contact.Email.String == "" {
			return "", fmt.Errorf("contact %d has no email", contact.ID)
		}
		return contact.Email.String, nil
	default:
		if !contact.Phone.Valid || contact.Phone.String == "" {
			return "", fmt.Errorf("contact %d has no phone", contact.ID)
		}
		return contact.Phone.String, nil
	}
}

// onSent implements spec.md §4.E step 10's Sent branch: log the attempt,
// advance current_step, schedule (or complete) the next step.
func (e *Engine) onSent(ctx context.Context, campaign *models.Campaign, step *models.CampaignStep, recipient *models.Recipient, subject, body, externalID string, jobID int64) error {
	now := time.Now()
	attempt := &models.ContactAttempt{
		TenantID:       campaign.TenantID,
		CampaignID:     nullInt(int64(campaign.ID)),
		CampaignStepID: nullInt(int64(step.ID)),
		RecipientID:    nullInt(recipient.ID),
		LeadID:         recipient.LeadID,
		ContactID:      recipient.ContactID,
		ChannelKind:    step.ChannelKind,
		Direction:      models.DirectionOutbound,
		Status:         models.AttemptStatusSent,
		Subject:        nullString(subject),
		Body:           body,
		ExternalID:     nullString(externalID),
		SentAt:         nullTime(now),
		Metadata:       types.JSONText("{}"),
	}
	if _, err := e.store.InsertContactAttempt(ctx, attempt); err != nil {
		return errs.New(errs.TransientNetwork, "Engine.onSent", err)
	}

	steps, err := e.store.GetCampaignSteps(ctx, campaign.ID)
	if err != nil {
		return errs.New(errs.TransientNetwork, "Engine.onSent", err)
	}

	recipient.CurrentStep++
	if recipient.CurrentStep > len(steps) {
		recipient.Status = models.RecipientStatusCompleted
		if uerr := e.store.UpdateRecipient(ctx, recipient); uerr != nil {
			return errs.New(errs.TransientNetwork, "Engine.onSent", uerr)
		}
		e.maybeCompleteCampaign(ctx, campaign)
		return nil
	}

	next := steps[recipient.CurrentStep-1]
	nextAt := nextActionTime(now, &next)
	recipient.Status = models.RecipientStatusPending
	recipient.NextActionAt = nullTime(nextAt)
	if uerr := e.store.UpdateRecipient(ctx, recipient); uerr != nil {
		return errs.New(errs.TransientNetwork, "Engine.onSent", uerr)
	}

	if _, eerr := e.queue.Enqueue(ctx, models.JobKindCampaignStep, models.CampaignStepPayload{
		RecipientID: recipient.ID,
		CampaignID:  campaign.ID,
	}, queue.EnqueueOpts{TenantID: &campaign.TenantID, RunAfter: nextAt}); eerr != nil {
		return errs.New(errs.TransientNetwork, "Engine.onSent", eerr)
	}
	return nil
}

// onTransientFailure implements spec.md §4.E step 10's TransientFailure
// branch. If the leased job has attempts remaining, the recipient stays on
// its current step and a retryable error lets the pool's queue.Fail apply
// backoff; once attempts are exhausted the recipient terminates FAILED,
// same as a PermanentFailure.
func (e *Engine) onTransientFailure(ctx context.Context, campaign *models.Campaign, step *models.CampaignStep, recipient *models.Recipient, reason string, job models.Job) error {
	attempt := &models.ContactAttempt{
		TenantID:       campaign.TenantID,
		CampaignID:     nullInt(int64(campaign.ID)),
		CampaignStepID: nullInt(int64(step.ID)),
		RecipientID:    nullInt(recipient.ID),
		LeadID:         recipient.LeadID,
		ContactID:      recipient.ContactID,
		ChannelKind:    step.ChannelKind,
		Direction:      models.DirectionOutbound,
		Status:         models.AttemptStatusFailed,
		Metadata:       metadataError(errs.TransientNetwork, reason),
	}
	if _, err := e.store.InsertContactAttempt(ctx, attempt); err != nil {
		return errs.New(errs.TransientNetwork, "Engine.onTransientFailure", err)
	}

	if job.Attempts >= job.MaxAttempts {
		recipient.Status = models.RecipientStatusFailed
		if uerr := e.store.UpdateRecipient(ctx, recipient); uerr != nil {
			return errs.New(errs.TransientNetwork, "Engine.onTransientFailure", uerr)
		}
		e.maybeCompleteCampaign(ctx, campaign)
		return nil
	}

	// Recipient stays PENDING on its current step; the pool's queue.Fail
	// applies the actual backoff and retry count.
	recipient.Status = models.RecipientStatusPending
	if uerr := e.store.UpdateRecipient(ctx, recipient); uerr != nil {
		return errs.New(errs.TransientNetwork, "Engine.onTransientFailure", uerr)
	}
	return errs.New(errs.TransientNetwork, "Engine.onTransientFailure", fmt.Errorf("%s", reason))
}

// failRecipient implements the PermanentFailure branch and the render-error/
// address-resolution paths, all of which terminate the recipient (spec.md
// §4.E step 10 / §7's Non-goals table: "Template render error: Permanent").
func (e *Engine) failRecipient(ctx context.Context, campaign *models.Campaign, step *models.CampaignStep, recipient *models.Recipient, kind errs.Kind, reason string) error {
	attempt := &models.ContactAttempt{
		TenantID:       campaign.TenantID,
		CampaignID:     nullInt(int64(campaign.ID)),
		CampaignStepID: nullInt(int64(step.ID)),
		RecipientID:    nullInt(recipient.ID),
		LeadID:         recipient.LeadID,
		ContactID:      recipient.ContactID,
		ChannelKind:    step.ChannelKind,
		Direction:      models.DirectionOutbound,
		Status:         models.AttemptStatusFailed,
		Metadata:       metadataError(kind, reason),
	}
	if _, err := e.store.InsertContactAttempt(ctx, attempt); err != nil {
		return errs.New(errs.TransientNetwork, "Engine.failRecipient", err)
	}

	recipient.Status = models.RecipientStatusFailed
	if uerr := e.store.UpdateRecipient(ctx, recipient); uerr != nil {
		return errs.New(errs.TransientNetwork, "Engine.failRecipient", uerr)
	}
	e.maybeCompleteCampaign(ctx, campaign)
	return nil // terminal for the recipient, but the job itself completed cleanly.
}

// maybeCompleteCampaign marks a campaign COMPLETED once no recipient can
// still be advanced (spec.md §4.E.4).
func (e *Engine) maybeCompleteCampaign(ctx context.Context, campaign *models.Campaign) {
	n, err := e.store.CountActiveRecipients(ctx, campaign.ID)
	if err != nil {
		e.log.Error("count active recipients failed", "campaign_id", campaign.ID, "error", err)
		return
	}
	if n == 0 {
		if uerr := e.store.UpdateCampaignStatus(ctx, campaign.ID, models.CampaignStatusCompleted); uerr != nil {
			e.log.Error("mark campaign completed failed", "campaign_id", campaign.ID, "error", uerr)
		}
	}
}

func metadataError(kind errs.Kind, reason string) types.JSONText {
	b, _ := json.Marshal(models.AttemptError{Kind: string(kind), Reason: reason})
	return types.JSONText(b)
}
