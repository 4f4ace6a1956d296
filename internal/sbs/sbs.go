// Package sbs decodes the CAN broadcast of SBS Unipower batteries.
package sbs

import (
	"fmt"
	"time"

	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/canbus"
	"github.com/resident-x/go-battery/internal/cursor"
	"github.com/resident-x/go-battery/internal/domain"
	"github.com/rs/zerolog"
)

const (
	IDMeasurements uint32 = 0x610
	IDClusterState uint32 = 0x630
	IDLimits       uint32 = 0x640
	IDTemperature  uint32 = 0x650
	IDAlarms       uint32 = 0x660
	IDWarnings     uint32 = 0x670
)

// ChargeVoltage is the fixed charge voltage of SBS Unipower packs. The
// batteries do not broadcast it.
const ChargeVoltage = 58.4

// Cluster states reported in IDClusterState.
const (
	StateInactive  = 0
	StateDischarge = 1
	StateCharge    = 2
	StateFault     = 4
	StateDeepsleep = 8
)

var stateNames = map[byte]string{
	StateInactive:  "Inactive",
	StateDischarge: "Discharge",
	StateCharge:    "Charge",
	StateFault:     "Fault",
	StateDeepsleep: "Deepsleep",
}

// NewCAN creates the SBS CAN battery provider.
func NewCAN(env battery.Env) battery.Provider {
	stats := battery.NewStats("sbs-can", &battery.SBS{ChargeVoltage: ChargeVoltage})
	d := &decoder{
		logger:  env.Logger.With().Str("component", "sbs-can").Logger(),
		verbose: env.Config.VerboseLogging,
	}
	return canbus.NewReceiver(env, "sbs-can", stats, d)
}

type decoder struct {
	logger  zerolog.Logger
	verbose bool
}

func (c *decoder) Dispatch(f domain.CANFrame, stats *battery.Stats, ts time.Time) (bool, error) {
	d, ok := stats.Details.(*battery.SBS)
	if !ok {
		return false, fmt.Errorf("unexpected details %T", stats.Details)
	}
	r := cursor.NewReader(f.Payload())

	switch f.ID {
	case IDMeasurements:
		voltage := float64(r.U16LE()) * 0.001
		r.Skip(1)
		current := float64(r.I16LE()) * 0.001
		r.Skip(1)
		soc := r.U16LE()
		if err := r.Err(); err != nil {
			return true, err
		}
		stats.SetVoltage(voltage, ts)
		stats.SetCurrent(current, 1, ts)
		stats.SetSoC(float64(soc), 1, ts)
		if c.verbose {
			c.logger.Debug().Uint16("soc", soc).Float64("voltage", voltage).Float64("current", current).Msg("Measurements")
		}

	case IDClusterState:
		state := r.U8()
		if err := r.Err(); err != nil {
			return true, err
		}
		d.ChargeEnabled = state == StateDischarge || state == StateCharge
		d.DischargeEnabled = state == StateDischarge
		// unlisted states only clear the flags
		if name, known := stateNames[state]; known {
			d.State = name
		}
		if c.verbose {
			c.logger.Debug().Bool("charge_enabled", d.ChargeEnabled).Bool("discharge_enabled", d.DischargeEnabled).
				Str("state", d.State).Msg("Cluster state")
		}

	case IDLimits:
		discharge := float64(r.I24LE()) * 0.001
		charge := float64(r.I24LE()) * 0.001
		if err := r.Err(); err != nil {
			return true, err
		}
		d.DischargeCurrentLimit = discharge
		d.ChargeCurrentLimit = charge
		stats.SetDischargeCurrentLimit(discharge, ts)
		if c.verbose {
			c.logger.Debug().Float64("charge_current_limit", charge).Float64("discharge_current_limit", discharge).Msg("Limits")
		}

	case IDTemperature:
		raw := r.U8()
		if err := r.Err(); err != nil {
			return true, err
		}
		// Fahrenheit on the wire
		d.Temperature = (float64(raw) - 32) / 1.8
		if c.verbose {
			c.logger.Debug().Float64("temperature", d.Temperature).Msg("Temperature")
		}

	case IDAlarms:
		b0, b1 := r.U8(), r.U8()
		if err := r.Err(); err != nil {
			return true, err
		}
		a := stats.Alarms
		a = a.With(battery.AlarmOverTemperature, b0&(1<<0) != 0)
		a = a.With(battery.AlarmUnderTemperature, b0&(1<<1) != 0)
		a = a.With(battery.AlarmOverVoltage, b0&(1<<2) != 0)
		a = a.With(battery.AlarmUnderVoltage, b0&(1<<3) != 0)
		a = a.With(battery.AlarmBMSInternal, b1&(1<<2) != 0)
		stats.Alarms = a
		if c.verbose {
			c.logger.Debug().Strs("alarms", a.Names()).Msg("Alarms")
		}

	case IDWarnings:
		r.Skip(1)
		b1 := r.U8()
		if err := r.Err(); err != nil {
			return true, err
		}
		w := stats.Warnings
		w = w.With(battery.WarningHighCurrentCharge, b1&(1<<0) != 0)
		w = w.With(battery.WarningHighCurrentDischarge, b1&(1<<1) != 0)
		stats.Warnings = w
		if c.verbose {
			c.logger.Debug().Strs("warnings", w.Names()).Msg("Warnings")
		}

	default:
		return false, nil
	}
	return true, nil
}
