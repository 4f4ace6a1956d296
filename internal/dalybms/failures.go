package dalybms

import "fmt"

// Failures is the seven byte status bitmap of a failure code response.
type Failures [7]byte

var failureNames = [7][8]string{
	{
		"Cell voltage high level 1", "Cell voltage high level 2",
		"Cell voltage low level 1", "Cell voltage low level 2",
		"Sum voltage high level 1", "Sum voltage high level 2",
		"Sum voltage low level 1", "Sum voltage low level 2",
	},
	{
		"Charge temperature high level 1", "Charge temperature high level 2",
		"Charge temperature low level 1", "Charge temperature low level 2",
		"Discharge temperature high level 1", "Discharge temperature high level 2",
		"Discharge temperature low level 1", "Discharge temperature low level 2",
	},
	{
		"Charge overcurrent level 1", "Charge overcurrent level 2",
		"Discharge overcurrent level 1", "Discharge overcurrent level 2",
		"SOC high level 1", "SOC high level 2",
		"SOC low level 1", "SOC low level 2",
	},
	{
		"Excessive differential pressure level 1", "Excessive differential pressure level 2",
		"Excessive temperature difference level 1", "Excessive temperature difference level 2",
	},
	{
		"Charge MOS temperature high alarm", "Discharge MOS temperature high alarm",
		"Charge MOS temperature sensor error", "Discharge MOS temperature sensor error",
		"Charge MOS adhesion error", "Discharge MOS adhesion error",
		"Charge MOS open circuit error", "Discharge MOS open circuit error",
	},
	{
		"AFE collect chip error", "Voltage collect dropped",
		"Cell temperature sensor error", "EEPROM error",
		"RTC error", "Precharge failure",
		"Communication failure", "Internal communication failure",
	},
	{
		"Current module fault", "Sum voltage detect fault",
		"Short circuit protect fault", "Low voltage forbidden charge fault",
	},
}

// Has reports whether bit of byte idx is set.
func (f Failures) Has(idx int, bit uint) bool {
	return f[idx]&(1<<bit) != 0
}

// Names lists the set conditions. Reserved bits are reported by position.
func (f Failures) Names() []string {
	var out []string
	for i, b := range f {
		for bit := uint(0); bit < 8; bit++ {
			if b&(1<<bit) == 0 {
				continue
			}
			name := failureNames[i][bit]
			if name == "" {
				name = fmt.Sprintf("Reserved %d.%d", i, bit)
			}
			out = append(out, name)
		}
	}
	return out
}

// Pack splits f into the level bits (bytes 0-3) and hardware bits (bytes 4-6).
func (f Failures) Pack() (levels, hardware uint32) {
	levels = uint32(f[0])<<24 | uint32(f[1])<<16 | uint32(f[2])<<8 | uint32(f[3])
	hardware = uint32(f[4])<<16 | uint32(f[5])<<8 | uint32(f[6])
	return levels, hardware
}

// UnpackFailures reverses Pack.
func UnpackFailures(levels, hardware uint32) Failures {
	return Failures{
		byte(levels >> 24), byte(levels >> 16), byte(levels >> 8), byte(levels),
		byte(hardware >> 16), byte(hardware >> 8), byte(hardware),
	}
}
