package models

import null "gopkg.in/volatiletech/null.v6"

// CampaignStep is one ordered action in a campaign's sequence, spec.md §3.
// Step 1 always has zero delay; steps are processed strictly by StepOrder.
type CampaignStep struct {
	ID              int         `db:"id" json:"id"`
	CampaignID      int         `db:"campaign_id" json:"campaign_id"`
	StepOrder       int         `db:"step_order" json:"step_order"`
	ChannelKind     ChannelKind `db:"channel_kind" json:"channel_kind"`
	ChannelConfigID int         `db:"channel_config_id" json:"channel_config_id"`
	TemplateID      int         `db:"template_id" json:"template_id"`
	DelayDays       int         `db:"delay_days" json:"delay_days"`
	DelayHours      int         `db:"delay_hours" json:"delay_hours"`
	DelayMinutes    int         `db:"delay_minutes" json:"delay_minutes"`
	SendTime        null.String `db:"send_time" json:"send_time"` // "HH:MM-HH:MM", tenant-local
}

// DelaySeconds returns the step's configured delay in seconds.
func (s *CampaignStep) DelaySeconds() int64 {
	return int64(s.DelayDays)*86400 + int64(s.DelayHours)*3600 + int64(s.DelayMinutes)*60
}
