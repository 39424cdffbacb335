package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"
	null "gopkg.in/volatiletech/null.v6"

	"github.com/outpacehq/engagement-engine/internal/dispatcher"
	"github.com/outpacehq/engagement-engine/internal/queue"
	"github.com/outpacehq/engagement-engine/models"
)

func testLogger(t *testing.T) logf.Logger {
	t.Helper()
	return logf.New(logf.Opts{Level: logf.ErrorLevel})
}

// engineStore is a configurable Store double for exercising HandleJob's
// guard chain. Every lookup is keyed by the single recipient/campaign/step
// under test; methods outside that scope panic so a test that strays is
// obvious.
type engineStore struct {
	recipient     *models.Recipient
	campaign      *models.Campaign
	steps         []models.CampaignStep
	template      *models.Template
	channelConfig *models.ChannelConfig
	contact       *models.Contact
	lead          *models.Lead
	prospect      *models.Prospect

	attempts        []models.ContactAttempt
	updatedRecipients []models.Recipient
	campaignStatuses  []string
	activeRecipients  int
}

func (s *engineStore) GetCampaign(ctx context.Context, tenantID, campaignID int) (*models.Campaign, error) {
	return s.campaign, nil
}
func (s *engineStore) GetCampaignByID(ctx context.Context, campaignID int) (*models.Campaign, error) {
	return s.campaign, nil
}
func (s *engineStore) UpdateCampaignStatus(ctx context.Context, campaignID int, status string) error {
	s.campaignStatuses = append(s.campaignStatuses, status)
	s.campaign.Status = status
	return nil
}
func (s *engineStore) GetCampaignSteps(ctx context.Context, campaignID int) ([]models.CampaignStep, error) {
	return s.steps, nil
}
func (s *engineStore) GetCampaignStep(ctx context.Context, campaignID, stepOrder int) (*models.CampaignStep, error) {
	for _, st := range s.steps {
		if st.StepOrder == stepOrder {
			return &st, nil
		}
	}
	return nil, nil
}
func (s *engineStore) GetRecipient(ctx context.Context, recipientID int64) (*models.Recipient, error) {
	return s.recipient, nil
}
func (s *engineStore) UpdateRecipient(ctx context.Context, r *models.Recipient) error {
	s.updatedRecipients = append(s.updatedRecipients, *r)
	*s.recipient = *r
	return nil
}
func (s *engineStore) InsertRecipients(ctx context.Context, campaignID int, rows []NewRecipient) (int, error) {
	panic("not used")
}
func (s *engineStore) ListPendingRecipients(ctx context.Context, campaignID int) ([]models.Recipient, error) {
	panic("not used")
}
func (s *engineStore) CountActiveRecipients(ctx context.Context, campaignID int) (int, error) {
	return s.activeRecipients, nil
}
func (s *engineStore) GetTemplate(ctx context.Context, tenantID, templateID int) (*models.Template, error) {
	return s.template, nil
}
func (s *engineStore) GetLead(ctx context.Context, tenantID int, leadID int64) (*models.Lead, error) {
	return s.lead, nil
}
func (s *engineStore) GetContact(ctx context.Context, tenantID int, contactID int64) (*models.Contact, error) {
	return s.contact, nil
}
func (s *engineStore) GetProspect(ctx context.Context, tenantID int, prospectID int64) (*models.Prospect, error) {
	return s.prospect, nil
}
func (s *engineStore) ResolveLeadFilter(ctx context.Context, tenantID int, filter types.JSONText) ([]int64, error) {
	panic("not used")
}
func (s *engineStore) ListLeadContacts(ctx context.Context, tenantID int, leadID int64, primaryOnly bool) ([]int64, error) {
	panic("not used")
}
func (s *engineStore) ListGroupProspects(ctx context.Context, tenantID int, groupIDs []int) ([]int64, error) {
	panic("not used")
}
func (s *engineStore) InsertContactAttempt(ctx context.Context, a *models.ContactAttempt) (int64, error) {
	s.attempts = append(s.attempts, *a)
	return int64(len(s.attempts)), nil
}
func (s *engineStore) CountSentAttempts(ctx context.Context, recipientID int64) (int, error) {
	panic("not used")
}
func (s *engineStore) GetChannelConfig(ctx context.Context, tenantID, channelConfigID int) (*models.ChannelConfig, error) {
	return s.channelConfig, nil
}

type fakeDispatcher struct {
	outcome dispatcher.Outcome
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, tenantID, channelConfigID int, recipientAddress string, msg dispatcher.RenderedMessage) dispatcher.Outcome {
	return f.outcome
}

func newSingleStepFixture() (*engineStore, *models.Job) {
	store := &engineStore{
		recipient: &models.Recipient{ID: 1, CampaignID: 1, ContactID: null.IntFrom(1), LeadID: null.IntFrom(1), Status: models.RecipientStatusPending, CurrentStep: 1},
		campaign:  &models.Campaign{ID: 1, TenantID: 1, Status: models.CampaignStatusActive},
		steps: []models.CampaignStep{
			{ID: 1, CampaignID: 1, StepOrder: 1, ChannelKind: models.ChannelEmailSMTP, ChannelConfigID: 1, TemplateID: 1},
		},
		template:      &models.Template{ID: 1, Subject: "Hi {{contact.name}}", Body: "Hello from {{lead.company_name}}"},
		channelConfig: &models.ChannelConfig{ID: 1, TenantID: 1, Kind: models.ChannelEmailSMTP, Settings: types.JSONText("{}")},
		contact:       &models.Contact{ID: 1, TenantID: 1, Name: "Ada", Email: null.StringFrom("ada@example.com")},
		lead:          &models.Lead{ID: 1, TenantID: 1, CompanyName: "Acme"},
	}
	job := &models.Job{ID: 42, Attempts: 0, MaxAttempts: 3}
	return store, job
}

func TestHandleJobPausedCampaignSoftRetries(t *testing.T) {
	store, job := newSingleStepFixture()
	store.campaign.Status = models.CampaignStatusPaused
	enq := &fakeEnqueuer{}
	e := New(store, &fakeDispatcher{}, enq, testLogger(t))

	job.Payload = types.JSONText(`{"recipient_id":1,"campaign_id":1}`)
	err := e.HandleJob(context.Background(), *job)
	assert.ErrorIs(t, err, queue.ErrHandled)
	assert.Empty(t, store.updatedRecipients)
}

func TestHandleJobInactiveRecipientNoOps(t *testing.T) {
	store, job := newSingleStepFixture()
	store.recipient.Status = models.RecipientStatusCompleted
	job.Payload = types.JSONText(`{"recipient_id":1,"campaign_id":1}`)
	e := New(store, &fakeDispatcher{}, &fakeEnqueuer{}, testLogger(t))

	err := e.HandleJob(context.Background(), *job)
	assert.NoError(t, err)
	assert.Empty(t, store.updatedRecipients)
}

func TestHandleJobSentAdvancesToCompletedWhenNoMoreSteps(t *testing.T) {
	store, job := newSingleStepFixture()
	job.Payload = types.JSONText(`{"recipient_id":1,"campaign_id":1}`)
	enq := &fakeEnqueuer{}
	e := New(store, &fakeDispatcher{outcome: dispatcher.Outcome{Sent: true, ExternalID: "ext-1"}}, enq, testLogger(t))

	err := e.HandleJob(context.Background(), *job)
	require.NoError(t, err)
	require.Len(t, store.attempts, 1)
	assert.Equal(t, models.AttemptStatusSent, store.attempts[0].Status)
	require.NotEmpty(t, store.updatedRecipients)
	last := store.updatedRecipients[len(store.updatedRecipients)-1]
	assert.Equal(t, models.RecipientStatusCompleted, last.Status)
	assert.Equal(t, models.CampaignStatusCompleted, store.campaign.Status)
	assert.Empty(t, enq.enqueued) // no next step to schedule
}

func TestHandleJobSentWithMoreStepsSchedulesNext(t *testing.T) {
	store, job := newSingleStepFixture()
	store.steps = append(store.steps, models.CampaignStep{
		ID: 2, CampaignID: 1, StepOrder: 2, ChannelKind: models.ChannelEmailSMTP,
		ChannelConfigID: 1, TemplateID: 1, DelayDays: 1,
	})
	job.Payload = types.JSONText(`{"recipient_id":1,"campaign_id":1}`)
	enq := &fakeEnqueuer{}
	e := New(store, &fakeDispatcher{outcome: dispatcher.Outcome{Sent: true}}, enq, testLogger(t))

	err := e.HandleJob(context.Background(), *job)
	require.NoError(t, err)
	require.Len(t, enq.enqueued, 1)
	assert.Equal(t, models.CampaignStatusActive, store.campaign.Status)
	last := store.updatedRecipients[len(store.updatedRecipients)-1]
	assert.Equal(t, models.RecipientStatusPending, last.Status)
	assert.Equal(t, 2, last.CurrentStep)
	assert.True(t, enq.enqueued[0].RunAfter.After(time.Now()))
}

func TestHandleJobPermanentFailureFailsRecipient(t *testing.T) {
	store, job := newSingleStepFixture()
	job.Payload = types.JSONText(`{"recipient_id":1,"campaign_id":1}`)
	e := New(store, &fakeDispatcher{outcome: dispatcher.Outcome{Permanent: true, Reason: "invalid address"}}, &fakeEnqueuer{}, testLogger(t))

	err := e.HandleJob(context.Background(), *job)
	require.NoError(t, err)
	last := store.updatedRecipients[len(store.updatedRecipients)-1]
	assert.Equal(t, models.RecipientStatusFailed, last.Status)
	require.Len(t, store.attempts, 1)
	assert.Equal(t, models.AttemptStatusFailed, store.attempts[0].Status)
}

func TestHandleJobTransientFailureWithAttemptsLeftStaysPending(t *testing.T) {
	store, job := newSingleStepFixture()
	job.Attempts = 1
	job.MaxAttempts = 3
	job.Payload = types.JSONText(`{"recipient_id":1,"campaign_id":1}`)
	e := New(store, &fakeDispatcher{outcome: dispatcher.Outcome{Reason: "smtp timeout"}}, &fakeEnqueuer{}, testLogger(t))

	err := e.HandleJob(context.Background(), *job)
	require.Error(t, err)
	assert.NotErrorIs(t, err, queue.ErrHandled)
	last := store.updatedRecipients[len(store.updatedRecipients)-1]
	assert.Equal(t, models.RecipientStatusPending, last.Status)
}

func TestHandleJobTransientFailureExhaustedFailsRecipient(t *testing.T) {
	store, job := newSingleStepFixture()
	job.Attempts = 3
	job.MaxAttempts = 3
	job.Payload = types.JSONText(`{"recipient_id":1,"campaign_id":1}`)
	e := New(store, &fakeDispatcher{outcome: dispatcher.Outcome{Reason: "smtp timeout"}}, &fakeEnqueuer{}, testLogger(t))

	err := e.HandleJob(context.Background(), *job)
	require.NoError(t, err)
	last := store.updatedRecipients[len(store.updatedRecipients)-1]
	assert.Equal(t, models.RecipientStatusFailed, last.Status)
}

func TestHandleJobBeyondStepCountCompletesRecipient(t *testing.T) {
	store, job := newSingleStepFixture()
	store.recipient.CurrentStep = 2 // past the single configured step
	job.Payload = types.JSONText(`{"recipient_id":1,"campaign_id":1}`)
	e := New(store, &fakeDispatcher{}, &fakeEnqueuer{}, testLogger(t))

	err := e.HandleJob(context.Background(), *job)
	require.NoError(t, err)
	last := store.updatedRecipients[len(store.updatedRecipients)-1]
	assert.Equal(t, models.RecipientStatusCompleted, last.Status)
}

func TestHandleJobFutureNextActionAtRequeues(t *testing.T) {
	store, job := newSingleStepFixture()
	store.recipient.NextActionAt = nullTime(time.Now().Add(time.Hour))
	job.Payload = types.JSONText(`{"recipient_id":1,"campaign_id":1}`)
	e := New(store, &fakeDispatcher{}, &fakeEnqueuer{}, testLogger(t))

	err := e.HandleJob(context.Background(), *job)
	assert.ErrorIs(t, err, queue.ErrHandled)
	assert.Empty(t, store.attempts)
}
