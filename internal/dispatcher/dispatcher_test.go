package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerodha/logf"

	"github.com/outpacehq/engagement-engine/internal/errs"
	"github.com/outpacehq/engagement-engine/models"
)

func testLogger(t *testing.T) logf.Logger {
	t.Helper()
	return logf.New(logf.Opts{Level: logf.ErrorLevel})
}

type fakeConfigStore struct {
	cfg *models.ChannelConfig
	err error
}

func (f *fakeConfigStore) GetChannelConfig(ctx context.Context, tenantID, channelConfigID int) (*models.ChannelConfig, error) {
	return f.cfg, f.err
}

func TestClassifyRetryableKindIsTransient(t *testing.T) {
	out := classify(errs.New(errs.TransientNetwork, "op", errors.New("timeout")))
	assert.False(t, out.Sent)
	assert.False(t, out.Permanent)
}

func TestClassifyNonRetryableKindIsPermanent(t *testing.T) {
	out := classify(errs.New(errs.RecipientInvalid, "op", errors.New("bad address")))
	assert.False(t, out.Sent)
	assert.True(t, out.Permanent)
}

func TestClassifyUnclassifiedErrorDefaultsTransient(t *testing.T) {
	out := classify(errors.New("some provider hiccup"))
	assert.False(t, out.Sent)
	assert.False(t, out.Permanent)
}

func TestDispatchUnknownChannelKindIsPermanent(t *testing.T) {
	store := &fakeConfigStore{cfg: &models.ChannelConfig{Kind: models.ChannelKind("CARRIER_PIGEON")}}
	d := New(store, nil, nil, testLogger(t))

	out := d.Dispatch(context.Background(), 1, 1, "addr", RenderedMessage{Body: "hi"})
	require.False(t, out.Sent)
	assert.True(t, out.Permanent)
}

func TestDispatchConfigLoadFailureIsPermanent(t *testing.T) {
	store := &fakeConfigStore{err: errors.New("no such config")}
	d := New(store, nil, nil, testLogger(t))

	out := d.Dispatch(context.Background(), 1, 1, "addr", RenderedMessage{Body: "hi"})
	require.False(t, out.Sent)
	assert.True(t, out.Permanent)
}
