// Package pytes decodes the CAN broadcast of Pytes batteries. The batteries
// speak both a Victron style identifier set (0x35x/0x37x) and their own
// extended set (0x40x).
package pytes

import (
	"fmt"
	"time"
	"unicode"

	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/canbus"
	"github.com/resident-x/go-battery/internal/cursor"
	"github.com/resident-x/go-battery/internal/domain"
	"github.com/rs/zerolog"
)

// NewCAN creates the Pytes CAN battery provider.
func NewCAN(env battery.Env) battery.Provider {
	stats := battery.NewStats("pytes-can", &battery.Pytes{})
	d := &decoder{
		logger:  env.Logger.With().Str("component", "pytes-can").Logger(),
		verbose: env.Config.VerboseLogging,
	}
	return canbus.NewReceiver(env, "pytes-can", stats, d)
}

type decoder struct {
	logger  zerolog.Logger
	verbose bool
}

func bit(v uint32, n uint) bool { return v&(1<<n) != 0 }

func text(p []byte) string { return cursor.NewReader(p).String(len(p)) }

func (c *decoder) debug() *zerolog.Event {
	if !c.verbose {
		return nil
	}
	return c.logger.Debug()
}

func (c *decoder) Dispatch(f domain.CANFrame, stats *battery.Stats, ts time.Time) (bool, error) {
	d, ok := stats.Details.(*battery.Pytes)
	if !ok {
		return false, fmt.Errorf("unexpected details %T", stats.Details)
	}
	p := f.Payload()
	r := cursor.NewReader(p)

	switch f.ID {
	case 0x351, 0x400:
		cvl := float64(r.U16LE()) / 10
		ccl := float64(r.U16LE()) / 10
		dcl := float64(r.U16LE()) / 10
		dvl := float64(r.I16LE()) / 10
		if err := r.Err(); err != nil {
			return true, err
		}
		d.ChargeVoltageLimit = cvl
		d.ChargeCurrentLimit = ccl
		d.DischargeVoltageLimit = dvl
		stats.SetDischargeCurrentLimit(dcl, ts)
		c.debug().Float64("charge_voltage_limit", cvl).Float64("charge_current_limit", ccl).
			Float64("discharge_current_limit", dcl).Float64("discharge_voltage_limit", dvl).Msg("Limits")

	case 0x355:
		soc := r.U16LE()
		soh := r.U16LE()
		if err := r.Err(); err != nil {
			return true, err
		}
		stats.SetSoC(float64(soc), 0, ts)
		d.StateOfHealth = soh
		c.debug().Uint16("soc", soc).Uint16("soh", soh).Msg("State of charge")

	case 0x356, 0x405:
		voltage := float64(r.I16LE()) / 100
		current := float64(r.I16LE()) / 10
		temperature := float64(r.I16LE()) / 10
		if err := r.Err(); err != nil {
			return true, err
		}
		stats.SetVoltage(voltage, ts)
		stats.SetCurrent(current, 1, ts)
		d.Temperature = temperature
		c.debug().Float64("voltage", voltage).Float64("current", current).Float64("temperature", temperature).Msg("Measurements")

	case 0x35A:
		b := r.Bytes(8)
		if err := r.Err(); err != nil {
			return true, err
		}
		stats.Alarms = alarmsFromVictron(b)
		stats.Warnings = warningsFromVictron(b)
		c.debug().Strs("alarms", stats.Alarms.Names()).Strs("warnings", stats.Warnings.Names()).Msg("Protection")

	case 0x35E, 0x40A:
		name := text(p)
		if name == "" {
			break
		}
		stats.SetManufacturer(name, ts)
		c.debug().Str("manufacturer", name).Msg("Manufacturer")

	case 0x35F:
		r.Skip(2)
		major, minor := r.U8(), r.U8()
		available := r.U16LE()
		if err := r.Err(); err != nil {
			return true, err
		}
		stats.FirmwareVersion = fmt.Sprintf("v%d.%d", major, minor)
		d.AvailableCapacity = float64(available)
		d.CapacityPrecision = 0
		c.debug().Str("fwversion", stats.FirmwareVersion).Uint16("available_capacity", available).Msg("Battery info")

	case 0x372:
		online, blockCharge, blockDischarge, offline := r.U16LE(), r.U16LE(), r.U16LE(), r.U16LE()
		if err := r.Err(); err != nil {
			return true, err
		}
		d.ModuleCountOnline = uint8(online)
		d.ModuleCountBlockingCharge = uint8(blockCharge)
		d.ModuleCountBlockingDischarge = uint8(blockDischarge)
		d.ModuleCountOffline = uint8(offline)
		c.debug().Uint16("online", online).Uint16("offline", offline).Msg("Bank info")

	case 0x373:
		minMV, maxMV := r.U16LE(), r.U16LE()
		minK, maxK := r.U16LE(), r.U16LE()
		if err := r.Err(); err != nil {
			return true, err
		}
		d.CellMinMilliVolt = minMV
		d.CellMaxMilliVolt = maxMV
		d.CellMinTemperature = float64(int(minK) - 273)
		d.CellMaxTemperature = float64(int(maxK) - 273)
		c.debug().Uint16("cell_min_mv", minMV).Uint16("cell_max_mv", maxMV).Msg("Cell info")

	case 0x374, 0x375, 0x376, 0x377:
		name := text(p)
		if name == "" {
			break
		}
		switch f.ID {
		case 0x374:
			d.CellMinVoltageName = name
		case 0x375:
			d.CellMaxVoltageName = name
		case 0x376:
			d.CellMinTemperatureName = name
		case 0x377:
			d.CellMaxTemperatureName = name
		}
		c.debug().Str("name", name).Uint32("id", f.ID).Msg("Cell name")

	case 0x378, 0x41E:
		charged, discharged := r.U32LE(), r.U32LE()
		if err := r.Err(); err != nil {
			return true, err
		}
		d.ChargedEnergy = float64(charged) / 10
		d.DischargedEnergy = float64(discharged) / 10
		c.debug().Float64("charged", d.ChargedEnergy).Float64("discharged", d.DischargedEnergy).Msg("History")

	case 0x379:
		total := r.U16LE()
		if err := r.Err(); err != nil {
			return true, err
		}
		d.TotalCapacity = float64(total)
		c.debug().Uint16("total_capacity", total).Msg("Battery size")

	case 0x380, 0x381:
		part := text(p)
		if part == "" || !unicode.IsGraphic(rune(part[0])) || part[0] == ' ' {
			break
		}
		if f.ID == 0x380 {
			d.SerialPart1 = part
		} else {
			d.SerialPart2 = part
		}
		stats.Serial = d.SerialPart1 + d.SerialPart2
		c.debug().Str("serial", stats.Serial).Msg("Serial number")

	case 0x401:
		maxMV, minMV := r.U16LE(), r.U16LE()
		maxName, minName := r.U16LE(), r.U16LE()
		if err := r.Err(); err != nil {
			return true, err
		}
		d.CellMaxMilliVolt = maxMV
		d.CellMinMilliVolt = minMV
		d.CellMaxVoltageName = fmt.Sprintf("%04x", maxName)
		d.CellMinVoltageName = fmt.Sprintf("%04x", minName)
		c.debug().Uint16("cell_min_mv", minMV).Uint16("cell_max_mv", maxMV).Msg("Cell voltages")

	case 0x402:
		maxT, minT := r.U16LE(), r.U16LE()
		maxName, minName := r.U16LE(), r.U16LE()
		if err := r.Err(); err != nil {
			return true, err
		}
		d.CellMaxTemperature = float64(maxT) / 10
		d.CellMinTemperature = float64(minT) / 10
		d.CellMaxTemperatureName = fmt.Sprintf("%04x", maxName)
		d.CellMinTemperatureName = fmt.Sprintf("%04x", minName)
		c.debug().Float64("cell_min_temperature", d.CellMinTemperature).Float64("cell_max_temperature", d.CellMaxTemperature).Msg("Cell temperatures")

	case 0x403:
		bits := r.U32LE() | r.U32LE()
		if err := r.Err(); err != nil {
			return true, err
		}
		bms := stats.Alarms & battery.AlarmBMSInternal
		stats.Alarms = alarmsFromPytes(bits) | bms
		stats.Warnings = warningsFromPytes(bits)
		c.debug().Str("bits", fmt.Sprintf("%08x", bits)).Msg("Alarms and warnings")

	case 0x404:
		soc := r.U16LE()
		soh := r.U16LE()
		r.Skip(2)
		cycles := r.U16LE()
		if err := r.Err(); err != nil {
			return true, err
		}
		d.StateOfHealth = soh
		d.ChargeCycles = int(cycles)
		c.debug().Uint16("soc", soc).Uint16("soh", soh).Uint16("cycles", cycles).Msg("State of health")

	case 0x406:
		bits := r.U32LE()
		if err := r.Err(); err != nil {
			return true, err
		}
		stats.Alarms = stats.Alarms.With(battery.AlarmBMSInternal, bit(bits, 15))
		c.debug().Bool("internal_failure", bit(bits, 15)).Msg("Internal alarms")

	case 0x408:
		b := r.Bytes(3)
		if err := r.Err(); err != nil {
			return true, err
		}
		d.ChargeEnabled = b[0] != 0
		d.DischargeEnabled = b[1] != 0
		d.ChargeImmediately = b[2] != 0
		c.debug().Bool("charge_enabled", d.ChargeEnabled).Bool("discharge_enabled", d.DischargeEnabled).Msg("Charge status")

	case 0x409:
		total := float64(r.U32LE()) / 1000
		available := float64(r.U32LE()) / 1000
		if err := r.Err(); err != nil {
			return true, err
		}
		d.TotalCapacity = total
		d.AvailableCapacity = available
		d.CapacityPrecision = 3
		if total > 0 {
			stats.SetSoC(100*available/total, 2, ts)
		}
		c.debug().Float64("total_capacity", total).Float64("available_capacity", available).Msg("Capacity")

	case 0x40B:
		r.Skip(6)
		online, offline := r.U8(), r.U8()
		if err := r.Err(); err != nil {
			return true, err
		}
		d.ModuleCountOnline = online
		d.ModuleCountOffline = offline
		c.debug().Uint8("online", online).Uint8("offline", offline).Msg("Module count")

	case 0x40D:
		r.Skip(4)
		balance := r.U16LE()
		if err := r.Err(); err != nil {
			return true, err
		}
		d.Balance = int(balance)
		c.debug().Uint16("balance", balance).Msg("Balancing")

	default:
		return false, nil
	}
	return true, nil
}

func alarmsFromVictron(b []byte) battery.Alarm {
	var a battery.Alarm
	a = a.With(battery.AlarmOverVoltage, b[0]&(1<<2) != 0)
	a = a.With(battery.AlarmUnderVoltage, b[0]&(1<<4) != 0)
	a = a.With(battery.AlarmOverTemperature, b[0]&(1<<6) != 0)
	a = a.With(battery.AlarmUnderTemperature, b[1]&(1<<0) != 0)
	a = a.With(battery.AlarmOverTemperatureCharge, b[1]&(1<<2) != 0)
	a = a.With(battery.AlarmUnderTemperatureCharge, b[1]&(1<<4) != 0)
	a = a.With(battery.AlarmOverCurrentDischarge, b[1]&(1<<6) != 0)
	a = a.With(battery.AlarmOverCurrentCharge, b[2]&(1<<0) != 0)
	a = a.With(battery.AlarmBMSInternal, b[2]&(1<<6) != 0)
	a = a.With(battery.AlarmCellImbalance, b[3]&(1<<0) != 0)
	return a
}

func warningsFromVictron(b []byte) battery.Warning {
	var w battery.Warning
	w = w.With(battery.WarningHighVoltage, b[4]&(1<<2) != 0)
	w = w.With(battery.WarningLowVoltage, b[4]&(1<<4) != 0)
	w = w.With(battery.WarningHighTemperature, b[4]&(1<<6) != 0)
	w = w.With(battery.WarningLowTemperature, b[5]&(1<<0) != 0)
	w = w.With(battery.WarningHighTemperatureCharge, b[5]&(1<<2) != 0)
	w = w.With(battery.WarningLowTemperatureCharge, b[5]&(1<<4) != 0)
	w = w.With(battery.WarningHighCurrentDischarge, b[5]&(1<<6) != 0)
	w = w.With(battery.WarningHighCurrentCharge, b[6]&(1<<0) != 0)
	w = w.With(battery.WarningBMSInternal, b[6]&(1<<6) != 0)
	w = w.With(battery.WarningCellImbalance, b[7]&(1<<0) != 0)
	return w
}

// Temperature conditions of the extended alarm word are attributed to
// charging or discharging by the state bits 26 and 27.
func alarmsFromPytes(bits uint32) battery.Alarm {
	charging, discharging := bit(bits, 26), bit(bits, 27)
	over, under := bit(bits, 8), bit(bits, 12)

	var a battery.Alarm
	a = a.With(battery.AlarmOverVoltage, bit(bits, 0))
	a = a.With(battery.AlarmUnderVoltage, bit(bits, 4))
	a = a.With(battery.AlarmOverTemperature, discharging && over)
	a = a.With(battery.AlarmUnderTemperature, discharging && under)
	a = a.With(battery.AlarmOverTemperatureCharge, charging && over)
	a = a.With(battery.AlarmUnderTemperatureCharge, charging && under)
	a = a.With(battery.AlarmOverCurrentDischarge, bit(bits, 17) || bit(bits, 18))
	a = a.With(battery.AlarmOverCurrentCharge, bit(bits, 19) || bit(bits, 20))
	return a
}

func warningsFromPytes(bits uint32) battery.Warning {
	charging, discharging := bit(bits, 26), bit(bits, 27)
	high, low := bit(bits, 9), bit(bits, 11)

	var w battery.Warning
	w = w.With(battery.WarningHighVoltage, bit(bits, 1))
	w = w.With(battery.WarningLowVoltage, bit(bits, 3))
	w = w.With(battery.WarningHighTemperature, discharging && high)
	w = w.With(battery.WarningLowTemperature, discharging && low)
	w = w.With(battery.WarningHighTemperatureCharge, charging && high)
	w = w.With(battery.WarningLowTemperatureCharge, charging && low)
	w = w.With(battery.WarningHighCurrentDischarge, bit(bits, 21))
	w = w.With(battery.WarningHighCurrentCharge, bit(bits, 22))
	return w
}
