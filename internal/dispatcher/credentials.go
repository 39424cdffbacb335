package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx/types"

	"github.com/outpacehq/engagement-engine/internal/crypto"
	"github.com/outpacehq/engagement-engine/models"
)

// decryptCredentials mirrors internal/session's helper of the same name —
// duplicated rather than imported to keep the two packages' dependency on
// models.ChannelConfig's credential envelope a package-local concern, not a
// shared coupling point.
func decryptCredentials(vault *crypto.Vault, cfg *models.ChannelConfig) (types.JSONText, error) {
	if len(cfg.CredentialsEncrypted) == 0 {
		return nil, fmt.Errorf("dispatcher: no credentials on channel config %d", cfg.ID)
	}
	var envelope models.EncryptedCredentials
	if err := json.Unmarshal(cfg.CredentialsEncrypted, &envelope); err == nil && envelope.Encrypted != "" {
		plaintext, err := vault.Decrypt(envelope.Encrypted)
		if err != nil {
			return nil, err
		}
		return types.JSONText(plaintext), nil
	}
	return cfg.CredentialsEncrypted, nil
}

func decodeSettings(cfg *models.ChannelConfig) models.ChannelSettings {
	var s models.ChannelSettings
	_ = cfg.Settings.Unmarshal(&s)
	return s
}
