package config

import "github.com/ksred/klear-executor/internal/adapter"

// Update is a partial edit from the control API. Nil fields are left alone
// and an api_key equal to the mask keeps the stored key.
type Update struct {
	APIKey            *string          `json:"api_key"`
	APIURL            *string          `json:"api_url"`
	Adapter           *string          `json:"adapter"`
	AdapterConfig     adapter.Settings `json:"adapter_config"`
	PollInterval      *int             `json:"poll_interval"`
	CallTimeout       *int             `json:"call_timeout"`
	MaxAttempts       *int             `json:"max_attempts"`
	MaxReportAttempts *int             `json:"max_report_attempts"`
	BackoffBase       *int             `json:"backoff_base"`
	BackoffMax        *int             `json:"backoff_max"`
	Workers           *int             `json:"workers"`
	ResubmitAmbiguous *bool            `json:"resubmit_ambiguous"`
	RetentionDays     *int             `json:"retention_days"`
	LogLevel          *string          `json:"log_level"`
}

// Apply returns a copy of c with u merged in
func (c *Config) Apply(u Update) *Config {
	next := c.Clone()
	if u.APIKey != nil && *u.APIKey != MaskedKey {
		next.APIKey = *u.APIKey
	}
	if u.APIURL != nil {
		next.APIURL = *u.APIURL
	}
	if u.Adapter != nil {
		next.Adapter = *u.Adapter
	}
	if u.AdapterConfig != nil {
		next.AdapterConfig = u.AdapterConfig
	}
	setInt(&next.PollInterval, u.PollInterval)
	setInt(&next.CallTimeout, u.CallTimeout)
	setInt(&next.MaxAttempts, u.MaxAttempts)
	setInt(&next.MaxReportAttempts, u.MaxReportAttempts)
	setInt(&next.BackoffBase, u.BackoffBase)
	setInt(&next.BackoffMax, u.BackoffMax)
	setInt(&next.Workers, u.Workers)
	setInt(&next.RetentionDays, u.RetentionDays)
	if u.ResubmitAmbiguous != nil {
		next.ResubmitAmbiguous = *u.ResubmitAmbiguous
	}
	if u.LogLevel != nil {
		next.LogLevel = *u.LogLevel
	}
	return next
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
