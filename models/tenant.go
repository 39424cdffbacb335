package models

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	null "gopkg.in/volatiletech/null.v6"
)

// Tenant status values.
const (
	TenantStatusActive    = "active"
	TenantStatusSuspended = "suspended"
	TenantStatusDeleted   = "deleted"
)

// Tenant is the root of isolation (spec.md §3): every other entity carries a
// TenantID and no query path may cross tenants.
type Tenant struct {
	ID        int            `db:"id" json:"id"`
	UUID      string         `db:"uuid" json:"uuid"`
	Name      string         `db:"name" json:"name"`
	Slug      string         `db:"slug" json:"slug"`
	Domain    null.String    `db:"domain" json:"domain"`
	Settings  types.JSONText `db:"settings" json:"settings"`
	Features  types.JSONText `db:"features" json:"features"`
	Status    string         `db:"status" json:"status"`
	Metadata  types.JSONText `db:"metadata" json:"metadata"`
	CreatedAt null.Time      `db:"created_at" json:"created_at"`
	UpdatedAt null.Time      `db:"updated_at" json:"updated_at"`
}

// TenantFeatures gates optional behaviour per tenant plan.
type TenantFeatures struct {
	MaxSubscribers  int  `json:"max_subscribers"`
	WebhooksEnabled bool `json:"webhooks_enabled"`
}

// Scan implements sql.Scanner.
func (tf *TenantFeatures) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("invalid type %T for TenantFeatures", src)
	}
	return json.Unmarshal(b, tf)
}

// Value implements driver.Valuer.
func (tf TenantFeatures) Value() (driver.Value, error) {
	return json.Marshal(tf)
}

// IsActive reports whether the tenant may run campaigns.
func (t *Tenant) IsActive() bool {
	return t.Status == TenantStatusActive
}

// SetCurrentTenant sets the PostgreSQL session variable the engine's row
// policies (and its own defense-in-depth tenant_id filters, spec.md §8
// property 6) key off of. Best-effort: callers still filter every query by
// tenant_id explicitly, this is a second layer, not the only one.
func SetCurrentTenant(ctx context.Context, conn *sqlx.Conn, tenantID int) error {
	_, err := conn.ExecContext(ctx, `SELECT set_config('app.current_tenant', $1, true)`, fmt.Sprintf("%d", tenantID))
	return err
}
