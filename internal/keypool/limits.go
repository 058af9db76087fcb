package keypool

import "time"

// Limits are the provider quotas for one key.
type Limits struct {
	RPM int `json:"rpm" yaml:"rpm"`
	RPD int `json:"rpd" yaml:"rpd"`
	TPM int `json:"tpm" yaml:"tpm"`
}

// DefaultLimits apply to models missing from the table. Deliberately conservative.
var DefaultLimits = Limits{RPM: 2, RPD: 50, TPM: 125000}

// Free-tier quotas per model.
var modelLimits = map[string]Limits{
	"gemini-3-flash-preview": {RPM: 5, RPD: 20, TPM: 1000000},
	"gemini-2.5-pro":         {RPM: 2, RPD: 50, TPM: 125000},
	"gemini-2.5-flash":       {RPM: 10, RPD: 250, TPM: 250000},
	"gemini-2.5-flash-lite":  {RPM: 15, RPD: 1000, TPM: 250000},
	"gemini-2.0-flash":       {RPM: 15, RPD: 200, TPM: 1000000},
	"gemini-2.0-flash-lite":  {RPM: 30, RPD: 200, TPM: 1000000},
	"gemini-2.0-flash-exp":   {RPM: 15, RPD: 200, TPM: 1000000},
	"gemini-1.5-flash":       {RPM: 15, RPD: 50, TPM: 250000},
	"gemini-1.5-flash-8b":    {RPM: 15, RPD: 50, TPM: 250000},
	"gemini-1.5-pro":         {RPM: 2, RPD: 50, TPM: 32000},
}

// LimitsFor returns the quotas for model.
func LimitsFor(model string) Limits {
	if l, ok := modelLimits[model]; ok {
		return l
	}
	return DefaultLimits
}

// Key is a configured provider credential. Immutable once the pool is built.
type Key struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Model  string `json:"model" yaml:"model"`
	Secret string `json:"-" yaml:"key"`

	// Limits overrides the model table when non-zero.
	Limits Limits `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// DisplayName returns Name, falling back to ID.
func (k Key) DisplayName() string {
	if k.Name != "" {
		return k.Name
	}
	return k.ID
}

func (k Key) limits() Limits {
	l := LimitsFor(k.Model)
	if k.Limits.RPM > 0 {
		l.RPM = k.Limits.RPM
	}
	if k.Limits.RPD > 0 {
		l.RPD = k.Limits.RPD
	}
	if k.Limits.TPM > 0 {
		l.TPM = k.Limits.TPM
	}
	return l
}

// NextUTCMidnight returns the first instant of the UTC day after t.
func NextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}
