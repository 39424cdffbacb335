package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpacehq/engagement-engine/internal/queue"
	"github.com/outpacehq/engagement-engine/models"
)

// fakeStore implements Store with only the methods lifecycle_test.go
// exercises filled in; the rest panic if ever called, flagging a test that
// reaches further than intended.
type fakeStore struct {
	campaign   *models.Campaign
	steps      []models.CampaignStep
	recipients []models.Recipient
	updated    []models.Recipient
	statuses   []string
}

func (f *fakeStore) GetCampaign(ctx context.Context, tenantID, campaignID int) (*models.Campaign, error) {
	return f.campaign, nil
}
func (f *fakeStore) GetCampaignByID(ctx context.Context, campaignID int) (*models.Campaign, error) {
	return f.campaign, nil
}
func (f *fakeStore) UpdateCampaignStatus(ctx context.Context, campaignID int, status string) error {
	f.statuses = append(f.statuses, status)
	f.campaign.Status = status
	return nil
}
func (f *fakeStore) GetCampaignSteps(ctx context.Context, campaignID int) ([]models.CampaignStep, error) {
	return f.steps, nil
}
func (f *fakeStore) GetCampaignStep(ctx context.Context, campaignID, stepOrder int) (*models.CampaignStep, error) {
	panic("not used")
}
func (f *fakeStore) GetRecipient(ctx context.Context, recipientID int64) (*models.Recipient, error) {
	panic("not used")
}
func (f *fakeStore) UpdateRecipient(ctx context.Context, r *models.Recipient) error {
	f.updated = append(f.updated, *r)
	return nil
}
func (f *fakeStore) InsertRecipients(ctx context.Context, campaignID int, rows []NewRecipient) (int, error) {
	panic("not used")
}
func (f *fakeStore) ListPendingRecipients(ctx context.Context, campaignID int) ([]models.Recipient, error) {
	return f.recipients, nil
}
func (f *fakeStore) CountActiveRecipients(ctx context.Context, campaignID int) (int, error) {
	panic("not used")
}
func (f *fakeStore) GetTemplate(ctx context.Context, tenantID, templateID int) (*models.Template, error) {
	panic("not used")
}
func (f *fakeStore) GetLead(ctx context.Context, tenantID int, leadID int64) (*models.Lead, error) {
	panic("not used")
}
func (f *fakeStore) GetContact(ctx context.Context, tenantID int, contactID int64) (*models.Contact, error) {
	panic("not used")
}
func (f *fakeStore) GetProspect(ctx context.Context, tenantID int, prospectID int64) (*models.Prospect, error) {
	panic("not used")
}
func (f *fakeStore) ResolveLeadFilter(ctx context.Context, tenantID int, filter types.JSONText) ([]int64, error) {
	panic("not used")
}
func (f *fakeStore) ListLeadContacts(ctx context.Context, tenantID int, leadID int64, primaryOnly bool) ([]int64, error) {
	panic("not used")
}
func (f *fakeStore) ListGroupProspects(ctx context.Context, tenantID int, groupIDs []int) ([]int64, error) {
	panic("not used")
}
func (f *fakeStore) InsertContactAttempt(ctx context.Context, a *models.ContactAttempt) (int64, error) {
	panic("not used")
}
func (f *fakeStore) CountSentAttempts(ctx context.Context, recipientID int64) (int, error) {
	panic("not used")
}
func (f *fakeStore) GetChannelConfig(ctx context.Context, tenantID, channelConfigID int) (*models.ChannelConfig, error) {
	panic("not used")
}

type fakeEnqueuer struct {
	enqueued []queue.EnqueueOpts
	payloads []interface{}
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, kind string, payload interface{}, opts queue.EnqueueOpts) (int64, error) {
	f.enqueued = append(f.enqueued, opts)
	f.payloads = append(f.payloads, payload)
	return int64(len(f.enqueued)), nil
}
func (f *fakeEnqueuer) Requeue(ctx context.Context, jobID int64, runAfter time.Time) error {
	return nil
}

func newStartableCampaign() *fakeStore {
	return &fakeStore{
		campaign: &models.Campaign{ID: 1, TenantID: 1, Status: models.CampaignStatusDraft, Type: models.CampaignTypeImmediate, MessageIntervalSeconds: 30},
		steps:    []models.CampaignStep{{ID: 1, CampaignID: 1, StepOrder: 1}},
		recipients: []models.Recipient{
			{ID: 1, CampaignID: 1, Status: models.RecipientStatusPending},
			{ID: 2, CampaignID: 1, Status: models.RecipientStatusPending},
			{ID: 3, CampaignID: 1, Status: models.RecipientStatusPending},
		},
	}
}

func TestStartStaggersRecipientsByMessageInterval(t *testing.T) {
	store := newStartableCampaign()
	enq := &fakeEnqueuer{}
	e := New(store, nil, enq, testLogger(t))

	before := time.Now()
	err := e.Start(context.Background(), 1, 1)
	require.NoError(t, err)

	require.Len(t, enq.enqueued, 3)
	for i, opts := range enq.enqueued {
		require.NotNil(t, opts.TenantID)
		assert.Equal(t, 1, *opts.TenantID)
		gap := opts.RunAfter.Sub(before)
		wantMin := time.Duration(i) * 30 * time.Second
		assert.GreaterOrEqual(t, gap, wantMin)
	}
	assert.Equal(t, models.CampaignStatusActive, store.campaign.Status)
}

func TestStartRejectsNonDraftNonPausedCampaign(t *testing.T) {
	store := newStartableCampaign()
	store.campaign.Status = models.CampaignStatusActive
	enq := &fakeEnqueuer{}
	e := New(store, nil, enq, testLogger(t))

	err := e.Start(context.Background(), 1, 1)
	assert.Error(t, err)
	assert.Empty(t, enq.enqueued)
}

func TestStartRejectsCampaignWithNoRecipients(t *testing.T) {
	store := newStartableCampaign()
	store.recipients = nil
	enq := &fakeEnqueuer{}
	e := New(store, nil, enq, testLogger(t))

	err := e.Start(context.Background(), 1, 1)
	assert.Error(t, err)
}

func TestPauseIsIdempotent(t *testing.T) {
	store := newStartableCampaign()
	store.campaign.Status = models.CampaignStatusPaused
	e := New(store, nil, &fakeEnqueuer{}, testLogger(t))

	err := e.Pause(context.Background(), 1, 1)
	assert.NoError(t, err)
	assert.Empty(t, store.statuses)
}

func TestPauseActiveCampaignTransitionsToPaused(t *testing.T) {
	store := newStartableCampaign()
	store.campaign.Status = models.CampaignStatusActive
	e := New(store, nil, &fakeEnqueuer{}, testLogger(t))

	err := e.Pause(context.Background(), 1, 1)
	assert.NoError(t, err)
	assert.Equal(t, models.CampaignStatusPaused, store.campaign.Status)
}

func TestResumeReactivatesWithoutRestaggering(t *testing.T) {
	store := newStartableCampaign()
	store.campaign.Status = models.CampaignStatusPaused
	enq := &fakeEnqueuer{}
	e := New(store, nil, enq, testLogger(t))

	err := e.Resume(context.Background(), 1, 1)
	assert.NoError(t, err)
	assert.Equal(t, models.CampaignStatusActive, store.campaign.Status)
	assert.Empty(t, enq.enqueued)
}
