package dispatcher

import (
	"context"

	"github.com/outpacehq/engagement-engine/internal/errs"
	"github.com/outpacehq/engagement-engine/models"
)

// dispatchSession delegates WHATSAPP_WEB/TELEGRAM sends to the session
// registry, inheriting its per-session FIFO serialisation (spec.md §4.C
// step 3, §5). RecipientInvalid is Permanent; NotConnected is Transient —
// the session may simply need another auto-reconnect pass.
func (d *Dispatcher) dispatchSession(ctx context.Context, tenantID, channelConfigID int, kind models.ChannelKind, recipientAddress string, msg RenderedMessage) Outcome {
	result, err := d.sessions.SendText(ctx, tenantID, channelConfigID, recipientAddress, msg.Body)
	if err == nil {
		return sentOutcome(result.ExternalID)
	}

	switch errs.KindOf(err) {
	case errs.RecipientInvalid:
		return permanentOutcome(err.Error())
	case errs.NotConnected, errs.TransientNetwork:
		return transientOutcome(err.Error())
	default:
		return transientOutcome(err.Error())
	}
}
