package battery

import (
	"math"
	"time"

	"github.com/resident-x/go-battery/internal/config"
)

// Temperature returns the representative battery temperature.
func (s *Stats) Temperature() (float64, bool) {
	switch d := s.Details.(type) {
	case *PylontechCAN:
		return d.Temperature, true
	case *PylontechRS485:
		return d.Totals.AverageCellTemperature, true
	case *Gobel:
		return d.Totals.AverageCellTemperature, true
	case *Pytes:
		return d.Temperature, true
	case *SBS:
		return d.Temperature, true
	case *JK:
		return float64(d.MinTemperature+d.MaxTemperature) / 2, true
	case *JBD:
		return float64(d.MinTemperature+d.MaxTemperature) / 2, true
	case *Daly:
		return (d.MinTemperature + d.MaxTemperature) / 2, true
	case *VictronShunt:
		return d.Temperature, d.TemperaturePresent
	}
	return 0, false
}

// ChargeEnabled reports whether the BMS currently allows charging.
func (s *Stats) ChargeEnabled() bool {
	switch d := s.Details.(type) {
	case *PylontechCAN:
		return d.ChargeEnabled
	case *PylontechRS485:
		return d.Totals.ChargeDischarge.ChargeEnabled
	case *Gobel:
		return d.Totals.ChargeDischarge.ChargeEnabled
	case *Pytes:
		return d.ChargeEnabled
	case *SBS:
		return d.ChargeEnabled
	case *JK:
		return d.ChargeEnabled
	case *JBD:
		return d.ChargeEnabled
	case *Daly:
		return d.ChargingMOS
	}
	return true
}

// DischargeEnabled reports whether the BMS currently allows discharging.
func (s *Stats) DischargeEnabled() bool {
	switch d := s.Details.(type) {
	case *PylontechCAN:
		return d.DischargeEnabled
	case *PylontechRS485:
		return d.Totals.ChargeDischarge.DischargeEnabled
	case *Gobel:
		return d.Totals.ChargeDischarge.DischargeEnabled
	case *Pytes:
		return d.DischargeEnabled
	case *SBS:
		return d.DischargeEnabled
	case *JK:
		return d.DischargeEnabled
	case *JBD:
		return d.DischargeEnabled
	case *Daly:
		return d.DischargingMOS
	}
	return true
}

// ImmediateChargingRequest reports whether the BMS asks for charging now.
func (s *Stats) ImmediateChargingRequest() bool {
	switch d := s.Details.(type) {
	case *PylontechCAN:
		return d.ChargeImmediately
	case *PylontechRS485:
		cd := d.Totals.ChargeDischarge
		return cd.ChargeImmediately1 || cd.ChargeImmediately2 || cd.FullChargeRequest
	case *Pytes:
		return d.ChargeImmediately
	case *JK:
		return d.ChargeImmediately1
	case *JBD:
		return d.ChargeImmediately1
	case *Daly:
		return d.ChargeImmediately1 || d.ChargeImmediately2
	case *VictronShunt:
		return s.SoC.Value < 5
	}
	return false
}

// FullChargeRequest reports whether the BMS asks for a full charge cycle.
func (s *Stats) FullChargeRequest() bool {
	switch d := s.Details.(type) {
	case *PylontechRS485:
		return d.Totals.ChargeDischarge.FullChargeRequest
	case *VictronShunt:
		return d.LastFullCharge > 24*60*45
	}
	return false
}

// RecommendedChargeVoltageLimit returns the charge voltage the BMS asks for.
func (s *Stats) RecommendedChargeVoltageLimit(l config.Limits) float64 {
	switch d := s.Details.(type) {
	case *PylontechRS485:
		return d.Totals.ChargeDischarge.ChargeVoltageLimit
	case *Gobel:
		return d.Totals.ChargeDischarge.ChargeVoltageLimit
	case *Pytes:
		return d.ChargeVoltageLimit
	case *Daly:
		return d.WarningValues.MaxPackVoltage * 0.99
	case *JK, *JBD, *VictronShunt:
		return l.RecommendedChargeVoltage
	}
	return math.MaxFloat64
}

// RecommendedDischargeVoltageLimit returns the lowest voltage to discharge to.
func (s *Stats) RecommendedDischargeVoltageLimit(l config.Limits) float64 {
	switch d := s.Details.(type) {
	case *PylontechRS485:
		return d.Totals.ChargeDischarge.DischargeVoltageLimit
	case *Gobel:
		return d.Totals.ChargeDischarge.DischargeVoltageLimit
	case *Pytes:
		return d.DischargeVoltageLimit
	case *Daly:
		return d.WarningValues.MinPackVoltage * 1.01
	case *JK, *JBD, *VictronShunt:
		return l.RecommendedDischargeVoltage
	}
	return 0
}

// RecommendedChargeCurrentLimit returns the charge current the BMS allows.
func (s *Stats) RecommendedChargeCurrentLimit() float64 {
	switch d := s.Details.(type) {
	case *PylontechCAN:
		return d.ChargeCurrentLimit
	case *PylontechRS485:
		return d.Totals.ChargeDischarge.ChargeCurrentLimit
	case *Gobel:
		return d.Totals.ChargeDischarge.ChargeCurrentLimit
	case *Pytes:
		return d.ChargeCurrentLimit
	case *SBS:
		return d.ChargeCurrentLimit
	case *Daly:
		return d.WarningValues.MaxPackChargeCurrent * 0.9
	case *VictronShunt:
		return 50
	}
	return math.MaxFloat64
}

// RecommendedDischargeCurrentLimit returns the discharge current the BMS allows.
func (s *Stats) RecommendedDischargeCurrentLimit() float64 {
	switch d := s.Details.(type) {
	case *PylontechRS485:
		return d.Totals.ChargeDischarge.DischargeCurrentLimit
	case *Gobel:
		return d.Totals.ChargeDischarge.DischargeCurrentLimit
	case *Daly:
		return d.WarningValues.MaxPackDischargeCurrent * 0.9
	case *VictronShunt:
		return 50
	}
	if s.DischargeLimit.Valid() {
		return s.DischargeLimit.Value
	}
	return math.MaxFloat64
}

func tempRange(s *Stats) (lo, hi float64, ok bool) {
	switch d := s.Details.(type) {
	case *PylontechRS485:
		return d.Totals.MinCellTemperature, d.Totals.MaxCellTemperature, true
	case *Gobel:
		return d.Totals.MinCellTemperature, d.Totals.MaxCellTemperature, true
	case *SBS:
		return d.Temperature, d.Temperature, true
	case *JK:
		return float64(d.MinTemperature), float64(d.MaxTemperature), true
	case *JBD:
		return float64(d.MinTemperature), float64(d.MaxTemperature), true
	case *Daly:
		return d.MinTemperature, d.MaxTemperature, true
	case *VictronShunt:
		return d.Temperature, d.Temperature, d.TemperaturePresent
	}
	return 0, 0, false
}

// IsChargeTemperatureValid checks the cell temperatures against the charge
// limits of the BMS and the configured limits.
func (s *Stats) IsChargeTemperatureValid(l config.Limits) bool {
	lo, hi, ok := tempRange(s)
	if !ok {
		return true
	}
	minT, maxT := l.MinChargeTemperature, l.MaxChargeTemperature
	if d, isRS := s.rs485(); isRS {
		minT = math.Max(minT, d.System.ChargeLowTemperatureLimit)
		maxT = math.Min(maxT, d.System.ChargeHighTemperatureLimit)
	}
	return lo >= minT && hi <= maxT
}

// IsDischargeTemperatureValid checks the cell temperatures against the
// discharge limits of the BMS and the configured limits.
func (s *Stats) IsDischargeTemperatureValid(l config.Limits) bool {
	lo, hi, ok := tempRange(s)
	if !ok {
		return true
	}
	minT, maxT := l.MinDischargeTemperature, l.MaxDischargeTemperature
	if d, isRS := s.rs485(); isRS {
		minT = math.Max(minT, d.System.DischargeLowTemperatureLimit)
		maxT = math.Min(maxT, d.System.DischargeHighTemperatureLimit)
	}
	return lo >= minT && hi <= maxT
}

func (s *Stats) rs485() (*RS485, bool) {
	switch d := s.Details.(type) {
	case *PylontechRS485:
		return &d.RS485, d.System != (SystemParameters{})
	case *Gobel:
		return &d.RS485, d.System != (SystemParameters{})
	}
	return nil, false
}

// PackCount returns the number of battery modules.
func (s *Stats) PackCount() int {
	switch d := s.Details.(type) {
	case *PylontechCAN:
		return int(d.ModuleCount)
	case *PylontechRS485:
		return int(d.PackCount)
	case *Gobel:
		return int(d.PackCount)
	case *Pytes:
		return int(d.ModuleCountOnline)
	}
	return 1
}

// FullPublishInterval is how often every value is republished even if unchanged.
// Zero means every publish is a full one.
func (s *Stats) FullPublishInterval() time.Duration {
	switch s.Details.(type) {
	case *PylontechCAN, *PylontechRS485, *Gobel, *JK, *JBD, *Daly:
		return 60 * time.Second
	}
	return 0
}
