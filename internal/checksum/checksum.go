// Package checksum implements the frame integrity checks of the supported
// BMS and charge controller protocols. All functions are pure.
package checksum

// Pylontech computes the frame checksum of the ASCII body between SOI and the
// checksum field: the sum of the ASCII byte values, negated modulo 0x10000.
func Pylontech(body []byte) uint16 {
	var sum uint32
	for _, b := range body {
		sum += uint32(b)
	}
	return uint16((^sum + 1) & 0xFFFF)
}

// PylontechLength builds the LENGTH field for an info section of infoLen
// ASCII characters. The upper nibble protects the 12-bit length itself.
func PylontechLength(infoLen int) uint16 {
	if infoLen == 0 {
		return 0
	}
	lenid := uint16(infoLen) & 0x0FFF
	sum := (lenid & 0xF) + ((lenid >> 4) & 0xF) + ((lenid >> 8) & 0xF)
	lchk := (^(sum % 16) + 1) & 0xF
	return lchk<<12 | lenid
}

// ValidPylontechLength reports whether the length checksum nibble of field
// matches its 12-bit length.
func ValidPylontechLength(field uint16) bool {
	return PylontechLength(int(field&0x0FFF)) == field
}

// Sum8 is the 8-bit truncated additive sum used by Daly frames.
func Sum8(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return sum
}

// Sum16 is the 16-bit truncated additive sum used by JK BMS frames.
func Sum16(b []byte) uint16 {
	var sum uint16
	for _, c := range b {
		sum += uint16(c)
	}
	return sum
}

// JBD is the two's complement of the 16-bit sum over command/status, length
// and data bytes.
func JBD(b []byte) uint16 {
	return uint16(0x10000 - uint32(Sum16(b)))
}

// VEHexTarget is the sum every VE.Direct hex frame adds up to.
const VEHexTarget byte = 0x55

// VEHex returns the checksum byte that makes a VE.Direct hex frame sum to 0x55.
func VEHex(b []byte) byte {
	return VEHexTarget - Sum8(b)
}

// ValidVEHex reports whether a VE.Direct hex frame including its checksum
// byte sums to 0x55.
func ValidVEHex(b []byte) bool {
	return Sum8(b) == VEHexTarget
}

// VEText returns the checksum byte that makes a VE.Direct text block sum to 0.
func VEText(b []byte) byte {
	return -Sum8(b)
}

// VETextSum accumulates a VE.Direct text block as it streams in.
type VETextSum byte

// Add folds one received byte into the sum.
func (s *VETextSum) Add(b byte) { *s += VETextSum(b) }

// Valid reports whether the block including its checksum byte sums to 0.
func (s VETextSum) Valid() bool { return s == 0 }
