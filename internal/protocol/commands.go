// Package protocol implements the ASCII-hex RS485 envelope spoken by
// Pylontech and Gobel (Pace) battery management systems.
package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/resident-x/go-battery/internal/checksum"
)

// Frame delimiters and envelope constants.
const (
	SOI byte = 0x7E
	EOI byte = 0x0D

	// MaxFrameLength bounds a received frame including delimiters.
	MaxFrameLength = 512

	// CID1Battery is the device class of a lithium battery BMS.
	CID1Battery byte = 0x46

	VersionPylontech byte = 0x20
	VersionGobel     byte = 0x25
)

// Command is a CID2 request code.
type Command byte

const (
	CmdNone                             Command = 0x00
	CmdGetAnalogValue                   Command = 0x42
	CmdGetAlarmInfo                     Command = 0x44
	CmdGetSystemParameter               Command = 0x47
	CmdGetProtocolVersion               Command = 0x4F
	CmdGetManufacturerInfo              Command = 0x51
	CmdGetPackCount                     Command = 0x90
	CmdGetChargeDischargeManagementInfo Command = 0x92
	CmdGetSerialNumber                  Command = 0x93
	CmdSetChargeDischargeManagementInfo Command = 0x94
	CmdTurnOffModule                    Command = 0x95
	CmdGetFirmwareInfo                  Command = 0x96
	CmdControl                          Command = 0x99
	CmdChargeMOSFETControl              Command = 0x9A
	CmdDischargeMOSFETControl           Command = 0x9B
	CmdGetPackCapacity                  Command = 0xA6
	CmdGetVersionInfo                   Command = 0xC1
	CmdGetBarCode                       Command = 0xC2
)

var commandNames = map[Command]string{
	CmdNone:                             "None",
	CmdGetAnalogValue:                   "GetAnalogValue",
	CmdGetAlarmInfo:                     "GetAlarmInfo",
	CmdGetSystemParameter:               "GetSystemParameter",
	CmdGetProtocolVersion:               "GetProtocolVersion",
	CmdGetManufacturerInfo:              "GetManufacturerInfo",
	CmdGetPackCount:                     "GetPackCount",
	CmdGetChargeDischargeManagementInfo: "GetChargeDischargeManagementInfo",
	CmdGetSerialNumber:                  "GetSerialNumber",
	CmdSetChargeDischargeManagementInfo: "SetChargeDischargeManagementInfo",
	CmdTurnOffModule:                    "TurnOffModule",
	CmdGetFirmwareInfo:                  "GetFirmwareInfo",
	CmdControl:                          "ControlCommand",
	CmdChargeMOSFETControl:              "ChargeMOSFETControl",
	CmdDischargeMOSFETControl:           "DischargeMOSFETControl",
	CmdGetPackCapacity:                  "GetPackCapacity",
	CmdGetVersionInfo:                   "GetVersionInfo",
	CmdGetBarCode:                       "GetBarCode",
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("0x%02X", byte(c))
}

// CommandBuilder encodes request frames for one protocol version.
type CommandBuilder struct {
	version byte
	cid1    byte
}

// NewCommandBuilder creates a builder for the given protocol version byte.
func NewCommandBuilder(version byte) *CommandBuilder {
	return &CommandBuilder{version: version, cid1: CID1Battery}
}

// Version returns the protocol version byte.
func (cb *CommandBuilder) Version() byte { return cb.version }

// Encode builds a complete frame: SOI, the hex encoded header, the hex
// encoded info, the frame checksum and EOI.
func (cb *CommandBuilder) Encode(adr, cid2 byte, info []byte) []byte {
	hexInfo := strings.ToUpper(hex.EncodeToString(info))
	body := fmt.Sprintf("%02X%02X%02X%02X%04X%s",
		cb.version, adr, cb.cid1, cid2, checksum.PylontechLength(len(hexInfo)), hexInfo)

	out := make([]byte, 0, len(body)+6)
	out = append(out, SOI)
	out = append(out, body...)
	out = append(out, fmt.Sprintf("%04X", checksum.Pylontech([]byte(body)))...)
	out = append(out, EOI)
	return out
}

// Request builds a request for cmd. Per pack requests carry the pack
// address as their only info byte.
func (cb *CommandBuilder) Request(adr byte, cmd Command, perPack bool) []byte {
	var info []byte
	if perPack {
		info = []byte{adr}
	}
	return cb.Encode(adr, byte(cmd), info)
}
