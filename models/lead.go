package models

import null "gopkg.in/volatiletech/null.v6"

// Lead and Contact are owned by an external CRUD subsystem (spec.md §1/§6);
// the engine only reads them during step rendering, except for auto-
// conversion (§4.F.e) where it creates rows of exactly this shape.
type Lead struct {
	ID          int64       `db:"id" json:"id"`
	TenantID    int         `db:"tenant_id" json:"tenant_id"`
	CompanyName string      `db:"company_name" json:"company_name"`
	Website     null.String `db:"website" json:"website"`
	Industry    null.String `db:"industry" json:"industry"`
}

type Contact struct {
	ID       int64       `db:"id" json:"id"`
	TenantID int         `db:"tenant_id" json:"tenant_id"`
	LeadID   null.Int    `db:"lead_id" json:"lead_id"`
	Name     string      `db:"name" json:"name"`
	Email    null.String `db:"email" json:"email"`
	Phone    null.String `db:"phone" json:"phone"`
	Position null.String `db:"position" json:"position"`
}
