package dispatcher

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zerodha/logf"

	"github.com/outpacehq/engagement-engine/internal/crypto"
	"github.com/outpacehq/engagement-engine/internal/errs"
	"github.com/outpacehq/engagement-engine/models"
)

// voiceAdapter places a call via the same telephony provider's REST API as
// smsAdapter, grounded on the same other_examples raw-HTTP callers. If the
// rendered message has a body it is spoken via TwiML <Say>, otherwise the
// call just dials through (spec.md §4.C "VOICE").
type voiceAdapter struct {
	vault  *crypto.Vault
	log    logf.Logger
	client *http.Client
}

func newVoiceAdapter(vault *crypto.Vault, log logf.Logger) *voiceAdapter {
	return &voiceAdapter{vault: vault, log: log.With("adapter", "voice"), client: &http.Client{Timeout: 30 * time.Second}}
}

type twimlSay struct {
	XMLName xml.Name `xml:"Response"`
	Say     string   `xml:"Say"`
}

func (a *voiceAdapter) Send(ctx context.Context, cfg *models.ChannelConfig, recipientAddress string, msg RenderedMessage) (string, error) {
	plaintext, err := decryptCredentials(a.vault, cfg)
	if err != nil {
		return "", errs.New(errs.AuthFailed, "voice.Send", err)
	}
	var creds models.TelephonyCredentials
	if err := plaintext.Unmarshal(&creds); err != nil {
		return "", errs.New(errs.AuthFailed, "voice.Send", fmt.Errorf("decode telephony credentials: %w", err))
	}

	settings := decodeSettings(cfg)
	from := firstNonEmpty(creds.FromNumber, settings.FromPhone)

	reqURL := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Calls.json", creds.AccountSID)
	form := url.Values{}
	form.Set("To", recipientAddress)
	form.Set("From", from)
	if strings.TrimSpace(msg.Body) != "" {
		twiml, merr := xml.Marshal(twimlSay{Say: msg.Body})
		if merr != nil {
			return "", errs.New(errs.RenderError, "voice.Send", merr)
		}
		form.Set("Twiml", string(twiml))
	} else {
		form.Set("Url", "https://twimlets.com/echo?Twiml=%3CResponse%3E%3C%2FResponse%3E")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", errs.New(errs.TransientNetwork, "voice.Send", err)
	}
	req.SetBasicAuth(creds.AccountSID, creds.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", errs.New(errs.TransientNetwork, "voice.Send", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return "", errs.New(errs.TransientNetwork, "voice.Send", fmt.Errorf("provider %d: %s", resp.StatusCode, body))
	}
	if resp.StatusCode >= 400 {
		return "", errs.New(errs.RecipientInvalid, "voice.Send", fmt.Errorf("provider %d: %s", resp.StatusCode, body))
	}

	var out struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", errs.New(errs.TransientNetwork, "voice.Send", fmt.Errorf("decode provider response: %w", err))
	}
	return out.SID, nil
}
