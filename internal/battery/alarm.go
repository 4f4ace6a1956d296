package battery

import "strings"

// Alarm is the bitset of protection conditions a BMS reports.
type Alarm uint16

const (
	AlarmOverCurrentDischarge Alarm = 1 << iota
	AlarmUnderTemperature
	AlarmOverTemperature
	AlarmUnderVoltage
	AlarmOverVoltage
	AlarmCellImbalance
	AlarmBMSInternal
	AlarmOverCurrentCharge
	AlarmOverTemperatureCharge
	AlarmUnderTemperatureCharge
)

var alarmNames = []struct {
	bit  Alarm
	name string
}{
	{AlarmOverCurrentDischarge, "overCurrentDischarge"},
	{AlarmUnderTemperature, "underTemperature"},
	{AlarmOverTemperature, "overTemperature"},
	{AlarmUnderVoltage, "underVoltage"},
	{AlarmOverVoltage, "overVoltage"},
	{AlarmCellImbalance, "cellImbalance"},
	{AlarmBMSInternal, "bmsInternal"},
	{AlarmOverCurrentCharge, "overCurrentCharge"},
	{AlarmOverTemperatureCharge, "overTemperatureCharge"},
	{AlarmUnderTemperatureCharge, "underTemperatureCharge"},
}

// Has reports whether flag is set.
func (a Alarm) Has(flag Alarm) bool { return a&flag != 0 }

// With returns a with flag set to on.
func (a Alarm) With(flag Alarm, on bool) Alarm {
	if on {
		return a | flag
	}
	return a &^ flag
}

// Names lists the active conditions.
func (a Alarm) Names() []string {
	var out []string
	for _, n := range alarmNames {
		if a.Has(n.bit) {
			out = append(out, n.name)
		}
	}
	return out
}

func (a Alarm) String() string {
	if a == 0 {
		return "none"
	}
	return strings.Join(a.Names(), ",")
}

// Warning is the bitset of early-warning conditions a BMS reports.
type Warning uint16

const (
	WarningHighCurrentDischarge Warning = 1 << iota
	WarningLowTemperature
	WarningHighTemperature
	WarningLowVoltage
	WarningHighVoltage
	WarningCellImbalance
	WarningBMSInternal
	WarningHighCurrentCharge
	WarningLowTemperatureCharge
	WarningHighTemperatureCharge
)

var warningNames = []struct {
	bit  Warning
	name string
}{
	{WarningHighCurrentDischarge, "highCurrentDischarge"},
	{WarningLowTemperature, "lowTemperature"},
	{WarningHighTemperature, "highTemperature"},
	{WarningLowVoltage, "lowVoltage"},
	{WarningHighVoltage, "highVoltage"},
	{WarningCellImbalance, "cellImbalance"},
	{WarningBMSInternal, "bmsInternal"},
	{WarningHighCurrentCharge, "highCurrentCharge"},
	{WarningLowTemperatureCharge, "lowTemperatureCharge"},
	{WarningHighTemperatureCharge, "highTemperatureCharge"},
}

// Has reports whether flag is set.
func (w Warning) Has(flag Warning) bool { return w&flag != 0 }

// With returns w with flag set to on.
func (w Warning) With(flag Warning, on bool) Warning {
	if on {
		return w | flag
	}
	return w &^ flag
}

// Names lists the active conditions.
func (w Warning) Names() []string {
	var out []string
	for _, n := range warningNames {
		if w.Has(n.bit) {
			out = append(out, n.name)
		}
	}
	return out
}

func (w Warning) String() string {
	if w == 0 {
		return "none"
	}
	return strings.Join(w.Names(), ",")
}

func bit(b byte, n uint) bool { return b&(1<<n) != 0 }

func setBit(on bool, n uint) byte {
	if on {
		return 1 << n
	}
	return 0
}

// AlarmFromCAN decodes the protection bytes 0 and 1 of a Pylontech 0x359 frame.
func AlarmFromCAN(b0, b1 byte) Alarm {
	var a Alarm
	a = a.With(AlarmOverCurrentDischarge, bit(b0, 7))
	a = a.With(AlarmUnderTemperature, bit(b0, 4))
	a = a.With(AlarmOverTemperature, bit(b0, 3))
	a = a.With(AlarmUnderVoltage, bit(b0, 2))
	a = a.With(AlarmOverVoltage, bit(b0, 1))
	a = a.With(AlarmBMSInternal, bit(b1, 3))
	a = a.With(AlarmOverCurrentCharge, bit(b1, 0))
	return a
}

// CAN encodes the alarm as bytes 0 and 1 of a Pylontech 0x359 frame.
// Conditions without a 0x359 bit are dropped.
func (a Alarm) CAN() (byte, byte) {
	b0 := setBit(a.Has(AlarmOverCurrentDischarge), 7) |
		setBit(a.Has(AlarmUnderTemperature), 4) |
		setBit(a.Has(AlarmOverTemperature), 3) |
		setBit(a.Has(AlarmUnderVoltage), 2) |
		setBit(a.Has(AlarmOverVoltage), 1)
	b1 := setBit(a.Has(AlarmBMSInternal), 3) |
		setBit(a.Has(AlarmOverCurrentCharge), 0)
	return b0, b1
}

// WarningFromCAN decodes the warning bytes 2 and 3 of a Pylontech 0x359 frame.
func WarningFromCAN(b2, b3 byte) Warning {
	var w Warning
	w = w.With(WarningHighCurrentDischarge, bit(b2, 7))
	w = w.With(WarningLowTemperature, bit(b2, 4))
	w = w.With(WarningHighTemperature, bit(b2, 3))
	w = w.With(WarningLowVoltage, bit(b2, 2))
	w = w.With(WarningHighVoltage, bit(b2, 1))
	w = w.With(WarningBMSInternal, bit(b3, 3))
	w = w.With(WarningHighCurrentCharge, bit(b3, 0))
	return w
}

// CAN encodes the warning as bytes 2 and 3 of a Pylontech 0x359 frame.
func (w Warning) CAN() (byte, byte) {
	b2 := setBit(w.Has(WarningHighCurrentDischarge), 7) |
		setBit(w.Has(WarningLowTemperature), 4) |
		setBit(w.Has(WarningHighTemperature), 3) |
		setBit(w.Has(WarningLowVoltage), 2) |
		setBit(w.Has(WarningHighVoltage), 1)
	b3 := setBit(w.Has(WarningBMSInternal), 3) |
		setBit(w.Has(WarningHighCurrentCharge), 0)
	return b2, b3
}
