package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zerodha/logf"

	"github.com/outpacehq/engagement-engine/internal/crypto"
	"github.com/outpacehq/engagement-engine/internal/errs"
	"github.com/outpacehq/engagement-engine/models"
)

// emailAPIAdapter is a one-POST-per-send provider HTTP client (spec.md §4.C
// "provider-specific payload shape hidden behind the adapter"), built in
// the same raw-net/http idiom as the other stateless adapters since no
// vendor email SDK appears anywhere in the corpus. Grounded on SendGrid's
// v3 /mail/send envelope shape, the most common transactional-email REST
// contract this family of raw-HTTP callers targets.
type emailAPIAdapter struct {
	vault  *crypto.Vault
	log    logf.Logger
	client *http.Client
}

func newEmailAPIAdapter(vault *crypto.Vault, log logf.Logger) *emailAPIAdapter {
	return &emailAPIAdapter{vault: vault, log: log.With("adapter", "email_api"), client: &http.Client{Timeout: 15 * time.Second}}
}

func (a *emailAPIAdapter) Send(ctx context.Context, cfg *models.ChannelConfig, recipientAddress string, msg RenderedMessage) (string, error) {
	plaintext, err := decryptCredentials(a.vault, cfg)
	if err != nil {
		return "", errs.New(errs.AuthFailed, "email_api.Send", err)
	}
	var creds models.EmailAPICredentials
	if err := plaintext.Unmarshal(&creds); err != nil {
		return "", errs.New(errs.AuthFailed, "email_api.Send", fmt.Errorf("decode credentials: %w", err))
	}

	settings := decodeSettings(cfg)
	fromName := firstNonEmpty(creds.FromName, settings.FromName)
	fromEmail := firstNonEmpty(creds.FromEmail, settings.FromEmail)

	payload := map[string]any{
		"personalizations": []map[string]any{
			{"to": []map[string]string{{"email": recipientAddress}}},
		},
		"from":    map[string]string{"name": fromName, "email": fromEmail},
		"subject": msg.Subject,
		"content": []map[string]string{
			{"type": "text/html", "value": msg.Body},
		},
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", errs.New(errs.RenderError, "email_api.Send", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.sendgrid.com/v3/mail/send", bytes.NewReader(payloadBytes))
	if err != nil {
		return "", errs.New(errs.TransientNetwork, "email_api.Send", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", errs.New(errs.TransientNetwork, "email_api.Send", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 500 {
		return "", errs.New(errs.TransientNetwork, "email_api.Send", fmt.Errorf("provider %d: %s", resp.StatusCode, body))
	}
	if resp.StatusCode >= 400 {
		return "", errs.New(errs.RecipientInvalid, "email_api.Send", fmt.Errorf("provider %d: %s", resp.StatusCode, body))
	}

	externalID := resp.Header.Get("X-Message-Id")
	if externalID == "" {
		externalID = fmt.Sprintf("email-api-%d-%d", cfg.ID, time.Now().UnixNano())
	}
	return externalID, nil
}
