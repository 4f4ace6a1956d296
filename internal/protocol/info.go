package protocol

import (
	"fmt"
	"strings"

	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/cursor"
)

// kelvinOffset converts deci-kelvin readings to deci-celsius.
const kelvinOffset = 2731

func celsius(r *cursor.Reader) float64 { return float64(int(r.I16BE())-kelvinOffset) / 10 }
func volt(r *cursor.Reader) float64    { return float64(r.U16BE()) / 1000 }
func amp(r *cursor.Reader) float64     { return float64(r.I16BE()) / 10 }

func trimName(s string) string {
	return strings.TrimRight(s, " \t-\x00")
}

// DecodeProtocolVersion renders the version byte of a response as "major.minor".
func DecodeProtocolVersion(resp *Response) string {
	return fmt.Sprintf("%d.%d", resp.Version>>4, resp.Version&0x0F)
}

// DecodeManufacturerInfo decodes device name, software version and manufacturer.
func DecodeManufacturerInfo(info []byte) (battery.ManufacturerInfo, error) {
	r := cursor.NewReader(info)
	name := r.String(10)
	sw := r.U16BE()
	manufacturer := r.String(20)
	if err := r.Err(); err != nil {
		return battery.ManufacturerInfo{}, fmt.Errorf("manufacturer info: %w", err)
	}
	return battery.ManufacturerInfo{
		DeviceName:       trimName(name),
		SoftwareVersion:  fmt.Sprintf("%d.%d", (sw>>8)&0x0F, sw&0x0F),
		ManufacturerName: trimName(manufacturer),
	}, nil
}

// DecodeSerialNumber decodes the 16 character module serial number.
func DecodeSerialNumber(info []byte) (string, error) {
	r := cursor.NewReader(info)
	r.Skip(1)
	sn := r.String(16)
	if err := r.Err(); err != nil {
		return "", fmt.Errorf("serial number: %w", err)
	}
	return strings.TrimSpace(sn), nil
}

// DecodeFirmwareInfo returns the manufacturer and main line versions.
func DecodeFirmwareInfo(info []byte) (manufacturer, mainline string, err error) {
	r := cursor.NewReader(info)
	r.Skip(1)
	mv := r.U16BE()
	ml := r.U24BE()
	if err := r.Err(); err != nil {
		return "", "", fmt.Errorf("firmware info: %w", err)
	}
	manufacturer = fmt.Sprintf("%d.%d", (mv>>8)&0x0F, mv&0x0F)
	mainline = fmt.Sprintf("%d.%d.%d", (ml>>16)&0x0F, (ml>>8)&0x0F, ml&0x0F)
	return manufacturer, mainline, nil
}

// DecodePackCount returns the number of packs behind the master.
func DecodePackCount(info []byte) (uint8, error) {
	r := cursor.NewReader(info)
	n := r.U8()
	if err := r.Err(); err != nil {
		return 0, fmt.Errorf("pack count: %w", err)
	}
	return n, nil
}

// DecodeSystemParameters decodes the BMS limits.
func DecodeSystemParameters(info []byte) (battery.SystemParameters, error) {
	r := cursor.NewReader(info)
	r.Skip(1) // INFOFLAG
	p := battery.SystemParameters{
		CellHighVoltageLimit:          volt(r),
		CellLowVoltageLimit:           volt(r),
		CellUnderVoltageLimit:         volt(r),
		ChargeHighTemperatureLimit:    celsius(r),
		ChargeLowTemperatureLimit:     celsius(r),
		ChargeCurrentLimit:            amp(r),
		ModuleHighVoltageLimit:        volt(r),
		ModuleLowVoltageLimit:         volt(r),
		ModuleUnderVoltageLimit:       volt(r),
		DischargeHighTemperatureLimit: celsius(r),
		DischargeLowTemperatureLimit:  celsius(r),
		DischargeCurrentLimit:         amp(r),
	}
	if err := r.Err(); err != nil {
		return battery.SystemParameters{}, fmt.Errorf("system parameters: %w", err)
	}
	return p, nil
}

// DecodeChargeDischargeInfo decodes the charge/discharge management answer.
func DecodeChargeDischargeInfo(info []byte) (battery.ChargeDischargeInfo, error) {
	r := cursor.NewReader(info)
	r.Skip(1) // command value
	cd := battery.ChargeDischargeInfo{
		ChargeVoltageLimit:    volt(r),
		DischargeVoltageLimit: volt(r),
		ChargeCurrentLimit:    amp(r),
		DischargeCurrentLimit: amp(r),
	}
	status := r.U8()
	if err := r.Err(); err != nil {
		return battery.ChargeDischargeInfo{}, fmt.Errorf("charge discharge info: %w", err)
	}
	cd.ChargeEnabled = status&0x80 != 0
	cd.DischargeEnabled = status&0x40 != 0
	cd.ChargeImmediately1 = status&0x20 != 0
	cd.ChargeImmediately2 = status&0x10 != 0
	cd.FullChargeRequest = status&0x08 != 0
	return cd, nil
}

// AnalogReading is a decoded analog value answer.
type AnalogReading struct {
	Address uint8
	Value   battery.AnalogValue
}

// DecodeAnalogValue decodes cell voltages, temperatures, current, voltage,
// capacities and cycles of one pack. Packs reporting more than two user
// defined items carry 24 bit capacities.
func DecodeAnalogValue(info []byte) (AnalogReading, error) {
	r := cursor.NewReader(info)
	r.Skip(1) // INFOFLAG
	out := AnalogReading{Address: r.U8()}
	a := &out.Value

	cells := int(r.U8())
	a.CellVoltages = make([]float64, 0, cells)
	for i := 0; i < cells && r.Err() == nil; i++ {
		v := float64(r.I16BE()) / 1000
		a.CellVoltages = append(a.CellVoltages, v)
		if i == 0 || v < a.CellMinVoltage {
			a.CellMinVoltage = v
		}
		if i == 0 || v > a.CellMaxVoltage {
			a.CellMaxVoltage = v
		}
	}
	a.CellDiffVoltage = (a.CellMaxVoltage - a.CellMinVoltage) * 1000

	temps := int(r.U8())
	a.BMSTemperature = celsius(r)
	for i := 0; i < temps-1 && r.Err() == nil; i++ {
		t := celsius(r)
		a.CellTemperatures = append(a.CellTemperatures, t)
		a.AverageCellTemperature += t
		if i == 0 || t < a.MinCellTemperature {
			a.MinCellTemperature = t
		}
		if i == 0 || t > a.MaxCellTemperature {
			a.MaxCellTemperature = t
		}
	}
	if n := len(a.CellTemperatures); n > 0 {
		a.AverageCellTemperature /= float64(n)
	}

	a.Current = amp(r)
	a.Voltage = volt(r)
	a.RemainingCapacity = volt(r)
	userDefined := r.U8()
	a.Capacity = volt(r)
	a.Cycles = r.U16BE()
	if r.Err() == nil && userDefined > 2 {
		a.RemainingCapacity = float64(r.U24BE()) / 1000
		a.Capacity = float64(r.U24BE()) / 1000
	}
	if err := r.Err(); err != nil {
		return AnalogReading{}, fmt.Errorf("analog value: %w", err)
	}

	a.Power = a.Current * a.Voltage
	if a.Capacity > 0 {
		a.SoC = 100 * a.RemainingCapacity / a.Capacity
	}
	return out, nil
}

// State bytes of the alarm answer.
const (
	StateNormal     byte = 0x00
	StateBelowLimit byte = 0x01
	StateAboveLimit byte = 0x02
)

// Status1 bits.
const (
	Status1ModuleOverVoltage        byte = 1 << 0
	Status1CellUnderVoltage         byte = 1 << 1
	Status1ChargeOverCurrent        byte = 1 << 2
	Status1DischargeOverCurrent     byte = 1 << 4
	Status1DischargeOverTemperature byte = 1 << 5
	Status1ChargeOverTemperature    byte = 1 << 6
	Status1ModuleUnderVoltage       byte = 1 << 7
)

// DecodeAlarmInfo decodes the per cell and per sensor states and the status
// bytes, and derives the alarm and warning bitsets. bmsTemperature and
// dischargeLowLimit feed the under temperature alarm.
func DecodeAlarmInfo(info []byte, bmsTemperature, dischargeLowLimit float64) (battery.AlarmInfo, error) {
	r := cursor.NewReader(info)
	r.Skip(2) // DATAFLAG, command value

	var ai battery.AlarmInfo
	var w battery.Warning

	ai.CellStates = r.Bytes(int(r.U8()))
	for _, s := range ai.CellStates {
		if s&StateBelowLimit != 0 {
			w |= battery.WarningLowVoltage
		}
		if s&StateAboveLimit != 0 {
			w |= battery.WarningHighVoltage
		}
	}

	temps := int(r.U8())
	if temps > 0 {
		ai.TemperatureStates = r.Bytes(temps)
	}
	for _, s := range ai.TemperatureStates {
		if s&StateBelowLimit != 0 {
			w |= battery.WarningLowTemperature
		}
		if s&StateAboveLimit != 0 {
			w |= battery.WarningHighTemperature
		}
	}

	chargeCurrent := r.U8()
	moduleVoltage := r.U8()
	dischargeCurrent := r.U8()
	status := r.Bytes(5)
	if err := r.Err(); err != nil {
		return battery.AlarmInfo{}, fmt.Errorf("alarm info: %w", err)
	}
	copy(ai.Status[:], status)

	w = w.With(battery.WarningHighCurrentCharge, chargeCurrent&StateAboveLimit != 0)
	w = w.With(battery.WarningHighCurrentDischarge, dischargeCurrent&StateAboveLimit != 0)
	if moduleVoltage&StateBelowLimit != 0 {
		w |= battery.WarningLowVoltage
	}
	if moduleVoltage&StateAboveLimit != 0 {
		w |= battery.WarningHighVoltage
	}

	s1 := ai.Status[0]
	var a battery.Alarm
	a = a.With(battery.AlarmUnderVoltage, s1&Status1ModuleUnderVoltage != 0)
	a = a.With(battery.AlarmOverVoltage, s1&Status1ModuleOverVoltage != 0)
	a = a.With(battery.AlarmOverCurrentCharge, s1&Status1ChargeOverCurrent != 0)
	a = a.With(battery.AlarmOverCurrentDischarge, s1&Status1DischargeOverCurrent != 0)
	a = a.With(battery.AlarmUnderTemperature, bmsTemperature < dischargeLowLimit)
	a = a.With(battery.AlarmOverTemperature, s1&(Status1DischargeOverTemperature|Status1ChargeOverTemperature) != 0)

	cellError := uint16(ai.Status[3]) | uint16(ai.Status[4])<<8
	for i, s := range ai.CellStates {
		if i >= 16 || cellError&(1<<i) == 0 {
			continue
		}
		if s&StateBelowLimit != 0 {
			a |= battery.AlarmUnderVoltage
		}
		if s&StateAboveLimit != 0 {
			a |= battery.AlarmOverVoltage
		}
	}

	ai.Alarm = a
	ai.Warning = w
	return ai, nil
}

// PackCapacity is the Gobel pack capacity answer in amp hours.
type PackCapacity struct {
	Remaining float64
	Full      float64
	Design    float64
}

// DecodePackCapacity decodes remaining, full and design capacity.
func DecodePackCapacity(info []byte) (PackCapacity, error) {
	r := cursor.NewReader(info)
	pc := PackCapacity{
		Remaining: float64(r.U16BE()) / 10,
		Full:      float64(r.U16BE()) / 10,
		Design:    float64(r.U16BE()) / 10,
	}
	if err := r.Err(); err != nil {
		return PackCapacity{}, fmt.Errorf("pack capacity: %w", err)
	}
	return pc, nil
}
