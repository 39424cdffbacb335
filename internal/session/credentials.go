package session

import (
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx/types"

	"github.com/outpacehq/engagement-engine/internal/crypto"
	"github.com/outpacehq/engagement-engine/models"
)

// decryptCredentials accepts both the {"encrypted": blob} envelope and
// legacy plain-structured credentials (spec.md §4.A "migrate-on-read").
func decryptCredentials(vault *crypto.Vault, cfg *models.ChannelConfig) (types.JSONText, error) {
	if len(cfg.CredentialsEncrypted) == 0 {
		return nil, fmt.Errorf("session: no credentials on channel config %d", cfg.ID)
	}

	var envelope models.EncryptedCredentials
	if err := json.Unmarshal(cfg.CredentialsEncrypted, &envelope); err == nil && envelope.Encrypted != "" {
		plaintext, err := vault.Decrypt(envelope.Encrypted)
		if err != nil {
			return nil, err
		}
		return types.JSONText(plaintext), nil
	}
	// Legacy plain-structured row.
	return cfg.CredentialsEncrypted, nil
}

// encryptCredentials seals creds and returns the {"encrypted": blob}
// envelope, JSON-encoded, ready to write into ChannelConfig.
// credentials_encrypted.
func encryptCredentials(vault *crypto.Vault, creds interface{}) ([]byte, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("session: marshal credentials: %w", err)
	}
	blob, err := vault.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.EncryptedCredentials{Encrypted: blob})
}
