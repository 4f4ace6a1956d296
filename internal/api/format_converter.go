package api

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/resident-x/go-battery/internal/vedirect"
)

// FormatType selects how register numbers and values are written in requests
// and responses.
type FormatType string

const (
	FormatDec FormatType = "dec"
	FormatHex FormatType = "hex"
)

// FormatConverter parses and renders VE.Direct register numbers and values.
type FormatConverter struct{}

// NewFormatConverter creates a new format converter instance.
func NewFormatConverter() *FormatConverter {
	return &FormatConverter{}
}

// ParseFormat accepts "dec" or "hex" in any case. An empty string selects hex.
func (fc *FormatConverter) ParseFormat(format string) (FormatType, error) {
	switch f := FormatType(strings.ToLower(format)); f {
	case "":
		return FormatHex, nil
	case FormatDec, FormatHex:
		return f, nil
	default:
		return "", fmt.Errorf("invalid format specified: %s (supported: dec, hex)", format)
	}
}

// ParseUint reads value in format and checks that it fits in bits.
func (fc *FormatConverter) ParseUint(value string, format FormatType, bits int) (uint32, error) {
	base := 10
	if format == FormatHex {
		base = 16
		value = strings.TrimPrefix(strings.ToLower(value), "0x")
	}
	if value == "" {
		return 0, fmt.Errorf("empty %s value", format)
	}
	v, err := strconv.ParseUint(value, base, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q for %d bits", format, value, bits)
	}
	return uint32(v), nil
}

// ParseRegister reads a 16 bit register number.
func (fc *FormatConverter) ParseRegister(value string, format FormatType) (vedirect.Register, error) {
	v, err := fc.ParseUint(value, format, 16)
	if err != nil {
		return 0, fmt.Errorf("register: %w", err)
	}
	return vedirect.Register(v), nil
}

// ParseSize accepts the value sizes a SET can carry.
func (fc *FormatConverter) ParseSize(size string) (int, error) {
	if size == "" {
		return 2, nil
	}
	n, err := strconv.Atoi(size)
	if err != nil || (n != 1 && n != 2 && n != 4) {
		return 0, fmt.Errorf("invalid size %q (supported: 1, 2, 4)", size)
	}
	return n, nil
}

// ParseCommand maps a command name to its hex command.
func (fc *FormatConverter) ParseCommand(name string) (vedirect.Command, error) {
	switch strings.ToLower(name) {
	case "get", "":
		return vedirect.CmdGet, nil
	case "set":
		return vedirect.CmdSet, nil
	case "ping":
		return vedirect.CmdPing, nil
	case "version":
		return vedirect.CmdAppVersion, nil
	case "product":
		return vedirect.CmdProductID, nil
	default:
		return 0, fmt.Errorf("unsupported command: %s (supported: get, set, ping, version, product)", name)
	}
}

// FormatRegister renders reg in format.
func (fc *FormatConverter) FormatRegister(reg vedirect.Register, format FormatType) string {
	if format == FormatDec {
		return strconv.FormatUint(uint64(reg), 10)
	}
	return fmt.Sprintf("0x%04X", uint16(reg))
}
