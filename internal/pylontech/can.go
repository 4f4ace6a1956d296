// Package pylontech implements the Pylontech CAN broadcast and the RS485
// request/response protocols.
package pylontech

import (
	"fmt"
	"time"

	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/canbus"
	"github.com/resident-x/go-battery/internal/cursor"
	"github.com/resident-x/go-battery/internal/domain"
	"github.com/rs/zerolog"
)

// CAN identifiers broadcast by Pylontech batteries.
const (
	IDLimits       uint32 = 0x351
	IDSoC          uint32 = 0x355
	IDMeasurements uint32 = 0x356
	IDProtection   uint32 = 0x359
	IDRequest      uint32 = 0x35C
	IDManufacturer uint32 = 0x35E
)

// NewCAN creates the Pylontech CAN battery provider.
func NewCAN(env battery.Env) battery.Provider {
	stats := battery.NewStats("pylontech-can", &battery.PylontechCAN{})
	d := &canDecoder{
		logger:  env.Logger.With().Str("component", "pylontech-can").Logger(),
		verbose: env.Config.VerboseLogging,
	}
	return canbus.NewReceiver(env, "pylontech-can", stats, d)
}

type canDecoder struct {
	logger  zerolog.Logger
	verbose bool
}

func (c *canDecoder) Dispatch(f domain.CANFrame, stats *battery.Stats, ts time.Time) (bool, error) {
	d, ok := stats.Details.(*battery.PylontechCAN)
	if !ok {
		return false, fmt.Errorf("unexpected details %T", stats.Details)
	}
	r := cursor.NewReader(f.Payload())

	switch f.ID {
	case IDLimits:
		chargeVoltage := float64(r.U16LE()) / 10
		chargeLimit := float64(r.I16LE()) / 10
		dischargeLimit := float64(r.I16LE()) / 10
		dischargeVoltage := float64(r.U16LE()) / 10
		if err := r.Err(); err != nil {
			return true, err
		}
		d.ChargeVoltage = chargeVoltage
		d.ChargeCurrentLimit = chargeLimit
		d.DischargeVoltageLimit = dischargeVoltage
		stats.SetDischargeCurrentLimit(dischargeLimit, ts)
		if c.verbose {
			c.logger.Debug().
				Float64("charge_voltage", chargeVoltage).
				Float64("charge_current_limit", chargeLimit).
				Float64("discharge_current_limit", dischargeLimit).
				Float64("discharge_voltage_limit", dischargeVoltage).
				Msg("Limits")
		}

	case IDSoC:
		soc := r.U16LE()
		soh := r.U16LE()
		if err := r.Err(); err != nil {
			return true, err
		}
		stats.SetSoC(float64(soc), 0, ts)
		d.StateOfHealth = soh
		if c.verbose {
			c.logger.Debug().Uint16("soc", soc).Uint16("soh", soh).Msg("State of charge")
		}

	case IDMeasurements:
		voltage := float64(r.I16LE()) / 100
		current := float64(r.I16LE()) / 10
		temperature := float64(r.I16LE()) / 10
		if err := r.Err(); err != nil {
			return true, err
		}
		stats.SetVoltage(voltage, ts)
		stats.SetCurrent(current, 1, ts)
		d.Temperature = temperature
		if c.verbose {
			c.logger.Debug().
				Float64("voltage", voltage).
				Float64("current", current).
				Float64("temperature", temperature).
				Msg("Measurements")
		}

	case IDProtection:
		b := r.Bytes(5)
		if err := r.Err(); err != nil {
			return true, err
		}
		stats.Alarms = battery.AlarmFromCAN(b[0], b[1])
		stats.Warnings = battery.WarningFromCAN(b[2], b[3])
		d.ModuleCount = b[4]
		if c.verbose {
			c.logger.Debug().
				Strs("alarms", stats.Alarms.Names()).
				Strs("warnings", stats.Warnings.Names()).
				Uint8("modules", d.ModuleCount).
				Msg("Protection")
		}

	case IDRequest:
		flags := r.U8()
		if err := r.Err(); err != nil {
			return true, err
		}
		d.ChargeEnabled = flags&0x80 != 0
		d.DischargeEnabled = flags&0x40 != 0
		d.ChargeImmediately = flags&0x20 != 0
		if c.verbose {
			c.logger.Debug().
				Bool("charge_enabled", d.ChargeEnabled).
				Bool("discharge_enabled", d.DischargeEnabled).
				Bool("charge_immediately", d.ChargeImmediately).
				Msg("Charge request")
		}

	case IDManufacturer:
		p := f.Payload()
		name := cursor.NewReader(p).String(min(5, len(p)))
		stats.SetManufacturer(name, ts)
		if c.verbose {
			c.logger.Debug().Str("manufacturer", name).Msg("Manufacturer")
		}

	default:
		return false, nil
	}
	return true, nil
}
