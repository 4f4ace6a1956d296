package vedirect

import "fmt"

var productNames = map[uint16]string{
	0x0203: "BMV-700",
	0x0204: "BMV-702",
	0x0205: "BMV-700H",
	0xA381: "BMV-712 Smart",
	0xA382: "BMV-710H Smart",
	0xA383: "BMV-712 Smart Rev2",
	0xA389: "SmartShunt 500A/50mV",
	0xA38A: "SmartShunt 1000A/50mV",
	0xA38B: "SmartShunt 2000A/50mV",
	0xA042: "BlueSolar MPPT 75|15",
	0xA043: "BlueSolar MPPT 100|15",
	0xA053: "SmartSolar MPPT 75|15",
	0xA054: "SmartSolar MPPT 75|10",
	0xA055: "SmartSolar MPPT 100|15",
	0xA056: "SmartSolar MPPT 100|30",
	0xA057: "SmartSolar MPPT 100|50",
	0xA058: "SmartSolar MPPT 150|35",
	0xA05B: "SmartSolar MPPT 250|70",
	0xA05E: "SmartSolar MPPT 150|45",
	0xA05F: "SmartSolar MPPT 150|60",
	0xA060: "SmartSolar MPPT 150|70",
}

func productName(pid uint16) string {
	if s, ok := productNames[pid]; ok {
		return s
	}
	return fmt.Sprintf("Unknown product 0x%04X", pid)
}

var chargeStates = map[uint8]string{
	0:   "OFF",
	2:   "Fault",
	3:   "Bulk",
	4:   "Absorbtion",
	5:   "Float",
	7:   "Equalize (manual)",
	245: "Starting-up",
	247: "Auto equalize / Recondition",
	252: "External Control",
}

// ChargeStateName returns the text for a CS record.
func ChargeStateName(cs uint8) string {
	if s, ok := chargeStates[cs]; ok {
		return s
	}
	return "Unknown"
}

var trackerStates = map[uint8]string{
	0: "OFF",
	1: "Voltage or current limited",
	2: "MPP Tracker active",
}

// TrackerStateName returns the text for an MPPT record.
func TrackerStateName(mppt uint8) string {
	if s, ok := trackerStates[mppt]; ok {
		return s
	}
	return "Unknown"
}

var errorCodes = map[uint8]string{
	0:   "No error",
	2:   "Battery voltage too high",
	17:  "Charger temperature too high",
	18:  "Charger over current",
	19:  "Charger current reversed",
	20:  "Bulk time limit exceeded",
	21:  "Current sensor issue",
	26:  "Terminals overheated",
	28:  "Converter issue",
	33:  "Input voltage too high (solar panel)",
	34:  "Input current too high (solar panel)",
	38:  "Input shutdown (excessive battery voltage)",
	39:  "Input shutdown (current flow during off mode)",
	65:  "Lost communication with one of devices",
	66:  "Synchronised charging device configuration issue",
	67:  "BMS connection lost",
	68:  "Network misconfigured",
	116: "Factory calibration data lost",
	117: "Invalid/incompatible firmware",
	119: "User settings invalid",
}

// ErrorName returns the text for an ERR record.
func ErrorName(code uint8) string {
	if s, ok := errorCodes[code]; ok {
		return s
	}
	return "Unknown"
}

var offReasons = []struct {
	bit  uint32
	name string
}{
	{0x001, "No input power"},
	{0x002, "Switched off (power switch)"},
	{0x004, "Switched off (device mode register)"},
	{0x008, "Remote input"},
	{0x010, "Protection active"},
	{0x020, "Paygo"},
	{0x040, "BMS"},
	{0x080, "Engine shutdown detection"},
	{0x100, "Analysing input voltage"},
}

// OffReasonName returns the text for an OR record.
func OffReasonName(or uint32) string {
	if or == 0 {
		return "Not off"
	}
	for _, r := range offReasons {
		if or&r.bit != 0 {
			return r.name
		}
	}
	return "Unknown"
}
