// Package dispatcher implements the uniform channel layer of spec.md §4.C:
// one operation, dispatch(channel_config_id, recipient_address,
// rendered_message) -> Outcome, fanning out to a per-kind adapter and
// normalising every provider's own error shape into Sent/TransientFailure/
// PermanentFailure.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/zerodha/logf"

	"github.com/outpacehq/engagement-engine/internal/crypto"
	"github.com/outpacehq/engagement-engine/internal/errs"
	"github.com/outpacehq/engagement-engine/internal/session"
	"github.com/outpacehq/engagement-engine/models"
)

// RenderedMessage is the already-templated payload a campaign step hands to
// the dispatcher; Subject is ignored by channels that don't have one.
type RenderedMessage struct {
	Subject string
	Body    string
}

// Outcome is the dispatcher's three-valued result, spec.md §4.C.
type Outcome struct {
	Sent      bool
	Permanent bool // only meaningful when Sent is false
	ExternalID string
	Reason    string
}

func sentOutcome(externalID string) Outcome {
	return Outcome{Sent: true, ExternalID: externalID}
}

func transientOutcome(reason string) Outcome {
	return Outcome{Sent: false, Permanent: false, Reason: reason}
}

func permanentOutcome(reason string) Outcome {
	return Outcome{Sent: false, Permanent: true, Reason: reason}
}

// ConfigStore loads the ChannelConfig a dispatch targets. Kept narrow so
// tests can fake it without a database (mirrors internal/session.Store).
type ConfigStore interface {
	GetChannelConfig(ctx context.Context, tenantID, channelConfigID int) (*models.ChannelConfig, error)
}

// adapter is what each stateless channel kind implements.
type adapter interface {
	Send(ctx context.Context, cfg *models.ChannelConfig, recipientAddress string, msg RenderedMessage) (externalID string, err error)
}

// Dispatcher routes a send to the adapter selected by the ChannelConfig's
// kind, decrypting credentials first (spec.md §4.C steps 1-2).
type Dispatcher struct {
	store    ConfigStore
	vault    *crypto.Vault
	sessions *session.Registry
	log      logf.Logger

	stateless map[models.ChannelKind]adapter
}

// New wires every stateless adapter plus the session registry for the two
// session-based kinds (spec.md §4.C step 3).
func New(store ConfigStore, vault *crypto.Vault, sessions *session.Registry, log logf.Logger) *Dispatcher {
	log = log.With("component", "dispatcher")
	return &Dispatcher{
		store:    store,
		vault:    vault,
		sessions: sessions,
		log:      log,
		stateless: map[models.ChannelKind]adapter{
			models.ChannelEmailSMTP:        newSMTPAdapter(vault, log),
			models.ChannelEmailAPI:         newEmailAPIAdapter(vault, log),
			models.ChannelSMS:              newSMSAdapter(vault, log),
			models.ChannelVoice:            newVoiceAdapter(vault, log),
			models.ChannelWhatsAppBusiness: newWhatsAppBusinessAdapter(vault, log),
		},
	}
}

// Dispatch is spec.md §4.C's single operation. An unknown channel kind is a
// Permanent failure (spec.md §4.E "Unknown channel kind at dispatch").
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID, channelConfigID int, recipientAddress string, msg RenderedMessage) Outcome {
	cfg, err := d.store.GetChannelConfig(ctx, tenantID, channelConfigID)
	if err != nil {
		return permanentOutcome(fmt.Sprintf("load channel config: %v", err))
	}

	if cfg.Kind.IsSessionBased() {
		return d.dispatchSession(ctx, tenantID, channelConfigID, cfg.Kind, recipientAddress, msg)
	}

	a, ok := d.stateless[cfg.Kind]
	if !ok {
		return permanentOutcome(fmt.Sprintf("unknown channel kind %q", cfg.Kind))
	}

	externalID, err := a.Send(ctx, cfg, recipientAddress, msg)
	if err == nil {
		return sentOutcome(externalID)
	}
	return classify(err)
}

// classify maps an adapter error onto the uniform Sent/Transient/Permanent
// contract (spec.md §4.C "Transient vs permanent classification").
func classify(err error) Outcome {
	if kind := errs.KindOf(err); kind != "" {
		if errs.Retryable(kind) {
			return transientOutcome(err.Error())
		}
		return permanentOutcome(err.Error())
	}
	// Adapters that return a bare error (no typed kind) are treated as
	// transient by default — safer to retry an ambiguous provider failure
	// than to drop a message the campaign could still have delivered.
	return transientOutcome(err.Error())
}
