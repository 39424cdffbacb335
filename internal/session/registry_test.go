package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerodha/logf"

	"github.com/outpacehq/engagement-engine/models"
)

func testLogger(t *testing.T) logf.Logger {
	t.Helper()
	return logf.New(logf.Opts{Level: logf.ErrorLevel})
}

// fakeSession is a minimal session double recording the order and timing of
// SendText calls, used to verify entry's FIFO consumer.
type fakeSession struct {
	mu       sync.Mutex
	sent     []string
	sentAt   []time.Time
	nextErr  error
}

func (f *fakeSession) Status(ctx context.Context) Status { return StatusConnected }
func (f *fakeSession) EnsureReady(ctx context.Context) error { return nil }
func (f *fakeSession) SendText(ctx context.Context, address, body string) (SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextErr != nil {
		return SendResult{}, f.nextErr
	}
	f.sent = append(f.sent, address)
	f.sentAt = append(f.sentAt, time.Now())
	return SendResult{ExternalID: fmt.Sprintf("ext-%d", len(f.sent))}, nil
}
func (f *fakeSession) ListGroups(ctx context.Context) ([]Group, error) { return nil, nil }
func (f *fakeSession) ListGroupMembers(ctx context.Context, groupID string) ([]Member, error) {
	return nil, nil
}
func (f *fakeSession) FetchInbound(ctx context.Context, peerAddress, sinceExternalID string) ([]InboundMessage, error) {
	return nil, nil
}
func (f *fakeSession) Disconnect(ctx context.Context) error   { return nil }
func (f *fakeSession) DeleteSession(ctx context.Context) error { return nil }

func TestEntrySendsInFIFOOrder(t *testing.T) {
	fs := &fakeSession{}
	e := &entry{sess: fs, sendCh: make(chan sendRequest, 8)}
	e.ensureConsumer(logf.New(logf.Opts{Level: logf.ErrorLevel}))

	const n = 5
	results := make([]chan sendOutcome, n)
	for i := 0; i < n; i++ {
		resultC := make(chan sendOutcome, 1)
		results[i] = resultC
		e.sendCh <- sendRequest{ctx: context.Background(), address: fmt.Sprintf("addr-%d", i), body: "hi", resultC: resultC}
	}

	for i := 0; i < n; i++ {
		out := <-results[i]
		require.NoError(t, out.err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.sent, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("addr-%d", i), fs.sent[i])
	}
}

func TestEntryEnforcesInterMessageGap(t *testing.T) {
	fs := &fakeSession{}
	e := &entry{sess: fs, sendCh: make(chan sendRequest, 4)}
	e.ensureConsumer(logf.New(logf.Opts{Level: logf.ErrorLevel}))

	r1 := make(chan sendOutcome, 1)
	r2 := make(chan sendOutcome, 1)
	e.sendCh <- sendRequest{ctx: context.Background(), address: "a", body: "x", resultC: r1}
	e.sendCh <- sendRequest{ctx: context.Background(), address: "b", body: "y", resultC: r2}

	<-r1
	<-r2

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.sentAt, 2)
	gap := fs.sentAt[1].Sub(fs.sentAt[0])
	assert.GreaterOrEqual(t, gap, InterMessageGap-10*time.Millisecond)
}

func TestEntryConsumerSkipsGapWhenCallerContextAlreadyDone(t *testing.T) {
	fs := &fakeSession{}
	e := &entry{sess: fs, sendCh: make(chan sendRequest, 1)}
	e.ensureConsumer(logf.New(logf.Opts{Level: logf.ErrorLevel}))

	// A first send sets lastSend, so the next request falls inside the gap.
	first := make(chan sendOutcome, 1)
	e.sendCh <- sendRequest{ctx: context.Background(), address: "a", body: "x", resultC: first}
	require.NoError(t, (<-first).err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resultC := make(chan sendOutcome, 1)
	start := time.Now()
	e.sendCh <- sendRequest{ctx: ctx, address: "b", body: "y", resultC: resultC}

	out := <-resultC
	assert.NoError(t, out.err) // the gap wait aborts on ctx.Done, send itself still runs
	assert.Less(t, time.Since(start), InterMessageGap)
}

type fakeRegistryStore struct {
	cfg *models.ChannelConfig
	err error
}

func (f *fakeRegistryStore) GetChannelConfig(ctx context.Context, tenantID, channelConfigID int) (*models.ChannelConfig, error) {
	return f.cfg, f.err
}
func (f *fakeRegistryStore) SaveCredentials(ctx context.Context, tenantID, channelConfigID int, encrypted []byte) error {
	return nil
}

func TestGetOrCreateRejectsNonSessionChannelKind(t *testing.T) {
	store := &fakeRegistryStore{cfg: &models.ChannelConfig{Kind: models.ChannelEmailSMTP}}
	r := New(store, nil, testLogger(t), "/tmp/wa", 0, "")

	_, err := r.getOrCreate(context.Background(), 1, 1)
	assert.Error(t, err)
}

func TestStatusPropagatesConfigLoadError(t *testing.T) {
	store := &fakeRegistryStore{err: fmt.Errorf("config not found")}
	r := New(store, nil, testLogger(t), "/tmp/wa", 0, "")

	_, err := r.Status(context.Background(), 1, 1)
	assert.Error(t, err)
}
