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

const metaGraphAPIBaseURL = "https://graph.facebook.com"

// whatsAppBusinessAdapter posts through Meta's Cloud API, grounded on
// other_examples' adrian-delgado-q-assistant-runtime `sendWhatsApp` (the
// `graph.facebook.com/v18.0/<phone_number_id>/messages` POST shape with a
// bearer access token) — one of the few pack files that actually shows the
// Cloud API wire format rather than a wrapping SDK.
type whatsAppBusinessAdapter struct {
	vault  *crypto.Vault
	log    logf.Logger
	client *http.Client
}

func newWhatsAppBusinessAdapter(vault *crypto.Vault, log logf.Logger) *whatsAppBusinessAdapter {
	return &whatsAppBusinessAdapter{vault: vault, log: log.With("adapter", "whatsapp_business"), client: &http.Client{Timeout: 15 * time.Second}}
}

func (a *whatsAppBusinessAdapter) Send(ctx context.Context, cfg *models.ChannelConfig, recipientAddress string, msg RenderedMessage) (string, error) {
	plaintext, err := decryptCredentials(a.vault, cfg)
	if err != nil {
		return "", errs.New(errs.AuthFailed, "whatsapp_business.Send", err)
	}
	var creds models.WhatsAppBusinessCredentials
	if err := plaintext.Unmarshal(&creds); err != nil {
		return "", errs.New(errs.AuthFailed, "whatsapp_business.Send", fmt.Errorf("decode credentials: %w", err))
	}

	reqURL := fmt.Sprintf("%s/v18.0/%s/messages", metaGraphAPIBaseURL, creds.PhoneNumberID)
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                recipientAddress,
		"type":              "text",
		"text":              map[string]string{"body": msg.Body},
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", errs.New(errs.RenderError, "whatsapp_business.Send", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payloadBytes))
	if err != nil {
		return "", errs.New(errs.TransientNetwork, "whatsapp_business.Send", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", errs.New(errs.TransientNetwork, "whatsapp_business.Send", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return "", errs.New(errs.TransientNetwork, "whatsapp_business.Send", fmt.Errorf("provider %d: %s", resp.StatusCode, body))
	}
	if resp.StatusCode >= 400 {
		return "", errs.New(errs.RecipientInvalid, "whatsapp_business.Send", fmt.Errorf("provider %d: %s", resp.StatusCode, body))
	}

	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &out); err != nil || len(out.Messages) == 0 {
		return "", errs.New(errs.TransientNetwork, "whatsapp_business.Send", fmt.Errorf("decode provider response: %w", err))
	}
	return out.Messages[0].ID, nil
}
