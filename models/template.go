package models

import (
	"github.com/jmoiron/sqlx/types"
)

// TemplateVariation is one of a Template's AI-generated variants, spec.md §3.
type TemplateVariation struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// Template is a tenant's reusable message body for a channel kind.
// Invariant: if UseAI then len(Variations) >= 1 (enforced by the authoring
// surface; the engine only asserts it defensively at render time).
type Template struct {
	ID         int               `db:"id" json:"id"`
	TenantID   int               `db:"tenant_id" json:"tenant_id"`
	ChannelKind ChannelKind      `db:"channel_kind" json:"channel_kind"`
	Name       string            `db:"name" json:"name"`
	Subject    string            `db:"subject" json:"subject"`
	Body       string            `db:"body" json:"body"`
	UseAI      bool              `db:"use_ai" json:"use_ai"`
	Variations types.JSONText    `db:"variations" json:"variations"`
}

// DecodeVariations unmarshals Variations into typed rows.
func (t *Template) DecodeVariations() ([]TemplateVariation, error) {
	if len(t.Variations) == 0 {
		return nil, nil
	}
	var v []TemplateVariation
	if err := t.Variations.Unmarshal(&v); err != nil {
		return nil, err
	}
	return v, nil
}
