// Package battery holds the unified battery statistics model, the per-vendor
// detail variants, multi-pack aggregation and the provider manager.
package battery

import (
	"time"

	"github.com/resident-x/go-battery/internal/datapoint"
)

// StaleAfter is the age after which stats without a fresh update are invalid.
const StaleAfter = 60 * time.Second

// Stats is the battery state shared by every provider. Common fields carry
// their own timestamps; vendor specifics live in Details.
type Stats struct {
	Provider         string                         `json:"provider"`
	Manufacturer     datapoint.Timestamped[string]  `json:"manufacturer"`
	FirmwareVersion  string                         `json:"fwversion,omitempty"`
	HardwareVersion  string                         `json:"hwversion,omitempty"`
	Serial           string                         `json:"serial,omitempty"`
	SoC              datapoint.Timestamped[float64] `json:"soc"`
	SoCPrecision     int                            `json:"soc_precision"`
	Voltage          datapoint.Timestamped[float64] `json:"voltage"`
	Current          datapoint.Timestamped[float64] `json:"current"`
	CurrentPrecision int                            `json:"current_precision"`
	DischargeLimit   datapoint.Timestamped[float64] `json:"discharge_current_limit"`
	Alarms           Alarm                          `json:"alarms"`
	Warnings         Warning                        `json:"warnings"`
	LastUpdate       time.Time                      `json:"last_update"`
	Details          Details                        `json:"details,omitempty"`
}

// NewStats creates empty stats for provider with the given detail variant.
func NewStats(provider string, details Details) *Stats {
	s := &Stats{Provider: provider, Details: details}
	s.Manufacturer.Value = "unknown"
	return s
}

// SetSoC stores the state of charge with its number of decimal places.
func (s *Stats) SetSoC(soc float64, precision int, ts time.Time) {
	if ts.Before(s.SoC.Updated) {
		return
	}
	s.SoC.Set(soc, ts)
	s.SoCPrecision = precision
}

// SetVoltage stores the pack voltage in volts.
func (s *Stats) SetVoltage(v float64, ts time.Time) {
	s.Voltage.Set(v, ts)
}

// SetCurrent stores the pack current in amps; positive means charging.
func (s *Stats) SetCurrent(a float64, precision int, ts time.Time) {
	if ts.Before(s.Current.Updated) {
		return
	}
	s.Current.Set(a, ts)
	s.CurrentPrecision = precision
}

// SetDischargeCurrentLimit stores the BMS discharge current limit in amps.
func (s *Stats) SetDischargeCurrentLimit(a float64, ts time.Time) {
	s.DischargeLimit.Set(a, ts)
}

// SetManufacturer stores the manufacturer name. Empty names are ignored.
func (s *Stats) SetManufacturer(name string, ts time.Time) {
	if name == "" {
		return
	}
	s.Manufacturer.Set(name, ts)
}

// Touch records that a frame was applied at ts.
func (s *Stats) Touch(ts time.Time) {
	if ts.After(s.LastUpdate) {
		s.LastUpdate = ts
	}
}

// Age returns the time since the last applied frame.
func (s *Stats) Age(now time.Time) time.Duration {
	if s.LastUpdate.IsZero() {
		return 0
	}
	return now.Sub(s.LastUpdate)
}

// IsValid reports whether the stats were updated within StaleAfter.
func (s *Stats) IsValid(now time.Time) bool {
	return !s.LastUpdate.IsZero() && now.Sub(s.LastUpdate) <= StaleAfter
}

// Power returns voltage times current in watts.
func (s *Stats) Power() float64 {
	return s.Voltage.Value * s.Current.Value
}

// Clone returns a deep copy safe to hand to readers.
func (s *Stats) Clone() *Stats {
	if s == nil {
		return nil
	}
	out := *s
	if s.Details != nil {
		out.Details = s.Details.clone()
	}
	return &out
}
