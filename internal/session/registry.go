package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zerodha/logf"

	"github.com/outpacehq/engagement-engine/internal/crypto"
	"github.com/outpacehq/engagement-engine/internal/errs"
	"github.com/outpacehq/engagement-engine/models"
)

// sessionKey identifies one long-lived session.
type sessionKey struct {
	TenantID        int
	ChannelConfigID int
}

// sendRequest is one FIFO-queued send_text call, spec.md §4.B "Per-session
// serialisation". Grounded on the teacher's pipe/tenantPipe pattern
// (internal/manager/tenant_pipe.go) of one goroutine owning one live
// resource and a channel feeding it work, generalized from "one goroutine
// per running campaign" to "one goroutine per live channel session".
type sendRequest struct {
	ctx     context.Context
	address string
	body    string
	resultC chan sendOutcome
}

type sendOutcome struct {
	result SendResult
	err    error
}

// entry is one registry slot: the live adapter plus its FIFO send queue.
type entry struct {
	sess   session
	sendCh chan sendRequest
	once   sync.Once
}

// Registry owns all live sessions for the process, keyed by
// (tenant_id, channel_config_id).
type Registry struct {
	mu      sync.RWMutex
	entries map[sessionKey]*entry

	store Store
	vault *crypto.Vault
	log   logf.Logger

	waSessionRoot    string
	tgDefaultAPIID   int
	tgDefaultAPIHash string
}

// New builds a Registry. waSessionRoot is the filesystem root WhatsApp Web
// browser profiles live under (spec.md §6: "<storage_root>/whatsapp_sessions/
// <tenant_id>_<channel_id>/").
func New(store Store, vault *crypto.Vault, log logf.Logger, waSessionRoot string, tgDefaultAPIID int, tgDefaultAPIHash string) *Registry {
	return &Registry{
		entries:          make(map[sessionKey]*entry),
		store:            store,
		vault:            vault,
		log:              log.With("component", "session_registry"),
		waSessionRoot:    waSessionRoot,
		tgDefaultAPIID:   tgDefaultAPIID,
		tgDefaultAPIHash: tgDefaultAPIHash,
	}
}

func (r *Registry) key(tenantID, channelConfigID int) sessionKey {
	return sessionKey{TenantID: tenantID, ChannelConfigID: channelConfigID}
}

// getOrCreate returns the entry for a session, constructing (but not
// connecting) its adapter on first access.
func (r *Registry) getOrCreate(ctx context.Context, tenantID, channelConfigID int) (*entry, error) {
	k := r.key(tenantID, channelConfigID)

	r.mu.RLock()
	e, ok := r.entries[k]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[k]; ok {
		return e, nil
	}

	cfg, err := r.store.GetChannelConfig(ctx, tenantID, channelConfigID)
	if err != nil {
		return nil, fmt.Errorf("session: load channel config: %w", err)
	}

	var sess session
	switch cfg.Kind {
	case models.ChannelWhatsAppWeb:
		sess = newWhatsAppWebSession(r.store, r.vault, r.log, tenantID, channelConfigID, r.waSessionRoot, cfg)
	case models.ChannelTelegram:
		sess = newTelegramSession(r.store, r.vault, r.log, tenantID, channelConfigID, r.tgDefaultAPIID, r.tgDefaultAPIHash, cfg)
	default:
		return nil, errs.New(errs.NotConnected, "session.getOrCreate", fmt.Errorf("channel kind %s is not session-based", cfg.Kind))
	}

	e = &entry{sess: sess, sendCh: make(chan sendRequest, 32)}
	r.entries[k] = e
	return e, nil
}

// ensureConsumer lazily starts the single consumer goroutine that serialises
// sends for this entry, enforcing the minimum 2s inter-message gap.
func (e *entry) ensureConsumer(log logf.Logger) {
	e.once.Do(func() {
		go func() {
			var lastSend time.Time
			for req := range e.sendCh {
				if gap := InterMessageGap - time.Since(lastSend); gap > 0 {
					select {
					case <-time.After(gap):
					case <-req.ctx.Done():
					}
				}
				result, err := e.sess.SendText(req.ctx, req.address, req.body)
				lastSend = time.Now()
				req.resultC <- sendOutcome{result: result, err: err}
			}
		}()
	})
}

// EnsureReady is idempotent: verifies a live session, reconstructs from
// persisted material, or fails NotConnected (spec.md §4.B).
func (r *Registry) EnsureReady(ctx context.Context, tenantID, channelConfigID int) error {
	e, err := r.getOrCreate(ctx, tenantID, channelConfigID)
	if err != nil {
		return err
	}
	return e.sess.EnsureReady(ctx)
}

// Status reports the session's current state machine position.
func (r *Registry) Status(ctx context.Context, tenantID, channelConfigID int) (Status, error) {
	e, err := r.getOrCreate(ctx, tenantID, channelConfigID)
	if err != nil {
		return StatusDisconnected, err
	}
	return e.sess.Status(ctx), nil
}

// BeginLink starts a WhatsApp Web login (spec.md §4.B).
func (r *Registry) BeginLink(ctx context.Context, tenantID, channelConfigID int) (LinkResult, error) {
	e, err := r.getOrCreate(ctx, tenantID, channelConfigID)
	if err != nil {
		return LinkResult{}, err
	}
	l, ok := e.sess.(linkable)
	if !ok {
		return LinkResult{}, errs.New(errs.NotConnected, "session.BeginLink", fmt.Errorf("channel does not support link-based auth"))
	}
	return l.BeginLink(ctx)
}

// StartAuth begins Telegram's phone/code/password login (spec.md §4.B).
func (r *Registry) StartAuth(ctx context.Context, tenantID, channelConfigID int, phone string) (string, error) {
	e, err := r.getOrCreate(ctx, tenantID, channelConfigID)
	if err != nil {
		return "", err
	}
	a, ok := e.sess.(interactiveAuth)
	if !ok {
		return "", errs.New(errs.NotConnected, "session.StartAuth", fmt.Errorf("channel does not support interactive auth"))
	}
	return a.StartAuth(ctx, phone)
}

// VerifyCode continues Telegram auth.
func (r *Registry) VerifyCode(ctx context.Context, tenantID, channelConfigID int, sessionKey, code string) (AuthResult, error) {
	e, err := r.getOrCreate(ctx, tenantID, channelConfigID)
	if err != nil {
		return AuthResult{}, err
	}
	a, ok := e.sess.(interactiveAuth)
	if !ok {
		return AuthResult{}, errs.New(errs.NotConnected, "session.VerifyCode", fmt.Errorf("channel does not support interactive auth"))
	}
	return a.VerifyCode(ctx, sessionKey, code)
}

// VerifyPassword completes Telegram auth for 2FA-protected accounts.
func (r *Registry) VerifyPassword(ctx context.Context, tenantID, channelConfigID int, sessionKey, password string) (AuthResult, error) {
	e, err := r.getOrCreate(ctx, tenantID, channelConfigID)
	if err != nil {
		return AuthResult{}, err
	}
	a, ok := e.sess.(interactiveAuth)
	if !ok {
		return AuthResult{}, errs.New(errs.NotConnected, "session.VerifyPassword", fmt.Errorf("channel does not support interactive auth"))
	}
	return a.VerifyPassword(ctx, sessionKey, password)
}

// SendText enqueues a send onto the session's FIFO and awaits its slot
// (spec.md §4.B, §4.E "inherits session serialisation").
func (r *Registry) SendText(ctx context.Context, tenantID, channelConfigID int, recipientAddress, body string) (SendResult, error) {
	e, err := r.getOrCreate(ctx, tenantID, channelConfigID)
	if err != nil {
		return SendResult{}, err
	}
	e.ensureConsumer(r.log)

	resultC := make(chan sendOutcome, 1)
	select {
	case e.sendCh <- sendRequest{ctx: ctx, address: recipientAddress, body: body, resultC: resultC}:
	case <-ctx.Done():
		return SendResult{}, ctx.Err()
	}

	select {
	case out := <-resultC:
		return out.result, out.err
	case <-ctx.Done():
		return SendResult{}, ctx.Err()
	}
}

// ListGroups lists the session's native groups for prospect import.
func (r *Registry) ListGroups(ctx context.Context, tenantID, channelConfigID int) ([]Group, error) {
	e, err := r.getOrCreate(ctx, tenantID, channelConfigID)
	if err != nil {
		return nil, err
	}
	return e.sess.ListGroups(ctx)
}

// ListGroupMembers lists a group's members; on Telegram this may fail with
// AdminRequired (spec.md §4.B).
func (r *Registry) ListGroupMembers(ctx context.Context, tenantID, channelConfigID int, groupID string) ([]Member, error) {
	e, err := r.getOrCreate(ctx, tenantID, channelConfigID)
	if err != nil {
		return nil, err
	}
	return e.sess.ListGroupMembers(ctx, groupID)
}

// FetchInbound returns messages newer than the watermark, ascending.
func (r *Registry) FetchInbound(ctx context.Context, tenantID, channelConfigID int, peerAddress, sinceExternalID string) ([]InboundMessage, error) {
	e, err := r.getOrCreate(ctx, tenantID, channelConfigID)
	if err != nil {
		return nil, err
	}
	return e.sess.FetchInbound(ctx, peerAddress, sinceExternalID)
}

// Disconnect closes session resources but keeps persisted material.
func (r *Registry) Disconnect(ctx context.Context, tenantID, channelConfigID int) error {
	e, err := r.getOrCreate(ctx, tenantID, channelConfigID)
	if err != nil {
		return err
	}
	return e.sess.Disconnect(ctx)
}

// DeleteSession disconnects then clears persisted material.
func (r *Registry) DeleteSession(ctx context.Context, tenantID, channelConfigID int) error {
	e, err := r.getOrCreate(ctx, tenantID, channelConfigID)
	if err != nil {
		return err
	}
	if err := e.sess.DeleteSession(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.entries, r.key(tenantID, channelConfigID))
	r.mu.Unlock()
	return nil
}

// AutoReconnectAll attempts EnsureReady in the background for every active
// session-based ChannelConfig in configs, logging each outcome without
// blocking boot (spec.md §4.B). It does not check for stored session material
// first; a config without any fails EnsureReady and is logged at Warn.
func (r *Registry) AutoReconnectAll(ctx context.Context, configs []models.ChannelConfig) {
	for _, cfg := range configs {
		if !cfg.Kind.IsSessionBased() || !cfg.Active {
			continue
		}
		cfg := cfg
		go func() {
			if err := r.EnsureReady(ctx, cfg.TenantID, cfg.ID); err != nil {
				r.log.Warn("auto-reconnect failed", "tenant_id", cfg.TenantID, "channel_config_id", cfg.ID, "error", err)
				return
			}
			r.log.Info("auto-reconnect succeeded", "tenant_id", cfg.TenantID, "channel_config_id", cfg.ID)
		}()
	}
}
