package replypoll

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zerodha/logf"
	null "gopkg.in/volatiletech/null.v6"

	"github.com/outpacehq/engagement-engine/internal/errs"
	"github.com/outpacehq/engagement-engine/internal/queue"
	"github.com/outpacehq/engagement-engine/internal/session"
	"github.com/outpacehq/engagement-engine/models"
)

// defaultPollIntervalMinutes is used when a channel's
// reply_polling.interval_minutes is unset, spec.md §4.F.
const defaultPollIntervalMinutes = 5

func nullStr(v string) null.String {
	if v == "" {
		return null.String{}
	}
	return null.StringFrom(v)
}

func nullTimeOf(t time.Time) null.Time { return null.TimeFrom(t) }

// peersPerCycle caps the number of peers a single POLL_REPLIES invocation
// drains, per spec.md §4.F: "work may be capped per cycle (e.g., 100
// peers) and continued next cycle by watermark ordering."
const peersPerCycle = 100

// Sessions is the narrow session-registry surface the poller needs,
// satisfied by *session.Registry.
type Sessions interface {
	EnsureReady(ctx context.Context, tenantID, channelConfigID int) error
	FetchInbound(ctx context.Context, tenantID, channelConfigID int, peerAddress, sinceExternalID string) ([]session.InboundMessage, error)
}

// Enqueuer is the job-queue surface the poller needs to reschedule itself.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload interface{}, opts queue.EnqueueOpts) (int64, error)
}

// Poller implements spec.md §4.F's reply-ingestion algorithm.
type Poller struct {
	store    Store
	sessions Sessions
	queue    Enqueuer
	log      logf.Logger
}

// New builds a Poller.
func New(store Store, sessions Sessions, q Enqueuer, log logf.Logger) *Poller {
	return &Poller{store: store, sessions: sessions, queue: q, log: log.With("component", "reply_poller")}
}

// HandleJob implements queue.Handler for POLL_REPLIES jobs.
func (p *Poller) HandleJob(ctx context.Context, job models.Job) error {
	var payload models.PollRepliesPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return errs.New(errs.RenderError, "Poller.HandleJob", fmt.Errorf("decode payload: %w", err))
	}
	return p.poll(ctx, payload.ChannelConfigID)
}

// poll implements spec.md §4.F steps 1-5 for one ChannelConfig.
func (p *Poller) poll(ctx context.Context, channelConfigID int) error {
	const op = "Poller.poll"

	cfg, err := p.store.GetChannelConfigByID(ctx, channelConfigID)
	if err != nil {
		return errs.New(errs.TransientNetwork, op, err)
	}
	var settings models.ChannelSettings
	_ = cfg.Settings.Unmarshal(&settings)

	// Step 1: ensure the session is ready; a dead session fails the whole
	// cycle transiently so the queue retries it rather than polling per peer.
	if err := p.sessions.EnsureReady(ctx, cfg.TenantID, channelConfigID); err != nil {
		return errs.New(errs.NotConnected, op, fmt.Errorf("session not ready: %w", err))
	}

	peers, err := p.store.ListPollablePeers(ctx, channelConfigID, peersPerCycle)
	if err != nil {
		return errs.New(errs.TransientNetwork, op, err)
	}

	for _, peer := range peers {
		if perr := p.pollOnePeer(ctx, channelConfigID, cfg.TenantID, settings.AutoConvert.Enabled, peer); perr != nil {
			p.log.Error("poll peer failed", "channel_config_id", channelConfigID, "prospect_id", peer.ProspectID, "error", perr)
			// One bad peer doesn't abort the cycle; continue draining the rest.
		}
	}

	return p.reschedule(ctx, cfg.TenantID, channelConfigID, settings)
}

func (p *Poller) pollOnePeer(ctx context.Context, channelConfigID, tenantID int, autoConvert bool, peer Peer) error {
	msgs, err := p.sessions.FetchInbound(ctx, tenantID, channelConfigID, peer.PeerAddress, peer.LastWatermark)
	if err != nil {
		return fmt.Errorf("fetch_inbound: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	conv, err := p.store.GetOrOpenConversation(ctx, tenantID, peer.ChannelKind, peer.ContactID, peer.ProspectID)
	if err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}

	watermark := peer.LastWatermark
	var lastMsg session.InboundMessage
	for _, m := range msgs {
		// 4.a: append a Message in the open conversation.
		if _, merr := p.store.InsertMessage(ctx, &models.Message{
			ConversationID: conv.ID,
			Direction:      models.DirectionInbound,
			Body:           m.Body,
			ExternalID:     nullStr(m.ExternalID),
			CreatedAt:      nullTimeOf(m.OccurredAt),
		}); merr != nil {
			return fmt.Errorf("insert message: %w", merr)
		}

		// 4.b: append an inbound ContactAttempt.
		if _, aerr := p.store.InsertContactAttempt(ctx, &models.ContactAttempt{
			TenantID:    tenantID,
			ChannelKind: peer.ChannelKind,
			Direction:   models.DirectionInbound,
			Status:      models.AttemptStatusDelivered,
			Body:        m.Body,
			ExternalID:  nullStr(m.ExternalID),
			RepliedAt:   nullTimeOf(m.OccurredAt),
		}); aerr != nil {
			return fmt.Errorf("insert inbound attempt: %w", aerr)
		}

		// 4.c: attribute to the most recent un-replied outbound attempt.
		if aerr := p.store.AttributeReply(ctx, conv.ID, m.OccurredAt); aerr != nil {
			return fmt.Errorf("attribute reply: %w", aerr)
		}

		watermark = m.ExternalID
		lastMsg = m
	}

	// 4.d: update prospect/recipient to REPLIED.
	if peer.ProspectID != 0 {
		if perr := p.store.UpdateProspectReplied(ctx, peer.ProspectID, lastMsg.OccurredAt.Format("2006-01-02T15:04:05Z07:00"), watermark); perr != nil {
			return fmt.Errorf("update prospect replied: %w", perr)
		}
		if rerr := p.store.UpdateRecipientRepliedByProspect(ctx, tenantID, peer.ProspectID); rerr != nil {
			return fmt.Errorf("update recipient replied: %w", rerr)
		}
	}
	if peer.ContactID != 0 {
		if rerr := p.store.UpdateRecipientReplied(ctx, tenantID, peer.ChannelKind, peer.ContactID); rerr != nil {
			return fmt.Errorf("update recipient replied: %w", rerr)
		}
	}

	// 4.e: auto-convert a channel-native prospect into a Lead/Contact.
	if autoConvert && peer.ProspectID != 0 {
		prospect, perr := p.store.GetProspect(ctx, tenantID, peer.ProspectID)
		if perr == nil && prospect != nil && !prospect.ConvertedLeadID.Valid {
			if _, cerr := p.store.ConvertProspect(ctx, prospect, prospect.DisplayNameOrID()); cerr != nil {
				p.log.Error("auto-convert failed", "prospect_id", peer.ProspectID, "error", cerr)
			}
		}
	}

	return nil
}

// reschedule re-enqueues the poll for this ChannelConfig, spec.md §4.F
// step 5, at settings.reply_polling.interval_minutes (default 5).
func (p *Poller) reschedule(ctx context.Context, tenantID, channelConfigID int, settings models.ChannelSettings) error {
	interval := settings.ReplyPolling.IntervalMinutes
	if interval <= 0 {
		interval = defaultPollIntervalMinutes
	}
	runAfter := time.Now().Add(time.Duration(interval) * time.Minute)
	_, err := p.queue.Enqueue(ctx, models.JobKindPollReplies, models.PollRepliesPayload{ChannelConfigID: channelConfigID}, queue.EnqueueOpts{
		TenantID: &tenantID,
		RunAfter: runAfter,
	})
	if err != nil {
		return errs.New(errs.TransientNetwork, "Poller.reschedule", err)
	}
	return nil
}

// EnsurePollJob enqueues a POLL_REPLIES job for channelConfigID at
// runAfter. It does not check reply_polling.enabled and does not look for an
// existing pending/running job; cmd/engine's bootstrapReplyPolling makes both
// checks before calling it at process start. Callers that only want an
// initial kick can pass runAfter = now.
func EnsurePollJob(ctx context.Context, q Enqueuer, tenantID, channelConfigID int, runAfter time.Time) error {
	_, err := q.Enqueue(ctx, models.JobKindPollReplies, models.PollRepliesPayload{ChannelConfigID: channelConfigID}, queue.EnqueueOpts{
		TenantID: &tenantID,
		RunAfter: runAfter,
	})
	if err != nil {
		return errs.New(errs.TransientNetwork, "EnsurePollJob", err)
	}
	return nil
}
