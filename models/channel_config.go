package models

import (
	"github.com/jmoiron/sqlx/types"
	null "gopkg.in/volatiletech/null.v6"
)

// ChannelKind enumerates the channel kinds spec.md §3 defines.
type ChannelKind string

const (
	ChannelEmailSMTP        ChannelKind = "EMAIL_SMTP"
	ChannelEmailAPI         ChannelKind = "EMAIL_API"
	ChannelSMS              ChannelKind = "SMS"
	ChannelWhatsAppWeb      ChannelKind = "WHATSAPP_WEB"
	ChannelWhatsAppBusiness ChannelKind = "WHATSAPP_BUSINESS"
	ChannelTelegram         ChannelKind = "TELEGRAM"
	ChannelVoice            ChannelKind = "VOICE"
)

// IsSessionBased reports whether the channel kind requires a long-lived
// session owned by internal/session (spec.md §4.B).
func (k ChannelKind) IsSessionBased() bool {
	return k == ChannelWhatsAppWeb || k == ChannelTelegram
}

// ChannelConfig is a tenant's configured channel (spec.md §3). Credentials
// are stored encrypted; Settings carries daily_limit, from_name/email/phone,
// reply_polling.{enabled,interval_minutes}, auto_convert.enabled.
type ChannelConfig struct {
	ID                   int            `db:"id" json:"id"`
	TenantID             int            `db:"tenant_id" json:"tenant_id"`
	Kind                 ChannelKind    `db:"kind" json:"kind"`
	Name                 string         `db:"name" json:"name"`
	Active               bool           `db:"active" json:"active"`
	IsDefault            bool           `db:"is_default" json:"is_default"`
	CredentialsEncrypted types.JSONText `db:"credentials_encrypted" json:"credentials_encrypted"`
	Settings             types.JSONText `db:"settings" json:"settings"`
	CreatedAt            null.Time      `db:"created_at" json:"created_at"`
	UpdatedAt            null.Time      `db:"updated_at" json:"updated_at"`
}

// ChannelSettings is the typed projection of ChannelConfig.Settings the
// engine actually reads. Unknown keys round-trip untouched because callers
// unmarshal into this from the raw JSONText rather than re-marshal it.
type ChannelSettings struct {
	DailyLimit   int    `json:"daily_limit"`
	FromName     string `json:"from_name"`
	FromEmail    string `json:"from_email"`
	FromPhone    string `json:"from_phone"`
	ReplyPolling struct {
		Enabled          bool `json:"enabled"`
		IntervalMinutes  int  `json:"interval_minutes"`
	} `json:"reply_polling"`
	AutoConvert struct {
		Enabled bool `json:"enabled"`
	} `json:"auto_convert"`
}

// Credential payload shapes, spec.md §6. One struct per kind; the dispatcher
// decodes CredentialsEncrypted (after vault decryption) into whichever shape
// the ChannelConfig.Kind selects.

type SMTPCredentials struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Secure    bool   `json:"secure"`
	User      string `json:"user"`
	Pass      string `json:"pass"`
	FromName  string `json:"from_name"`
	FromEmail string `json:"from_email"`
}

type EmailAPICredentials struct {
	Provider  string `json:"provider"`
	APIKey    string `json:"api_key"`
	FromName  string `json:"from_name"`
	FromEmail string `json:"from_email"`
}

type TelephonyCredentials struct {
	AccountSID string `json:"account_sid"`
	AuthToken  string `json:"auth_token"`
	FromNumber string `json:"from_number"`
}

type WhatsAppWebCredentials struct {
	SessionPath string `json:"session_path"`
}

type WhatsAppBusinessCredentials struct {
	AccessToken        string `json:"access_token"`
	PhoneNumberID      string `json:"phone_number_id"`
	WebhookVerifyToken string `json:"webhook_verify_token"`
}

type TelegramCredentials struct {
	APIID         int    `json:"api_id"`
	APIHash       string `json:"api_hash"`
	PhoneNumber   string `json:"phone_number"`
	SessionString string `json:"session_string,omitempty"`
}

// EncryptedCredentials is the envelope shape ChannelConfig.credentials takes
// once encrypted, spec.md §4.A. Legacy rows may instead carry the plain
// structured object directly — readers must accept both (spec.md §9).
type EncryptedCredentials struct {
	Encrypted string `json:"encrypted"`
}
