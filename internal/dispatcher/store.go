package dispatcher

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/outpacehq/engagement-engine/models"
)

// sqlConfigStore is the production ConfigStore, the same raw sqlx query
// style every other store in this repo uses.
type sqlConfigStore struct {
	db *sqlx.DB
}

// NewConfigStore builds the production ConfigStore over db.
func NewConfigStore(db *sqlx.DB) ConfigStore {
	return &sqlConfigStore{db: db}
}

func (s *sqlConfigStore) GetChannelConfig(ctx context.Context, tenantID, channelConfigID int) (*models.ChannelConfig, error) {
	var c models.ChannelConfig
	err := s.db.GetContext(ctx, &c, `SELECT * FROM channel_configs WHERE id = $1 AND tenant_id = $2`, channelConfigID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("dispatcher.GetChannelConfig: %w", err)
	}
	return &c, nil
}
