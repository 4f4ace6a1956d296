package vedirect

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/resident-x/go-battery/internal/checksum"
	"github.com/resident-x/go-battery/internal/frame"
)

// ErrHexFormat reports a hex message that is not valid VE.Direct hex.
var ErrHexFormat = errors.New("malformed hex message")


// Command is the leading nibble of a message sent to the device.
type Command uint8

const (
	CmdEnterBoot  Command = 0x0
	CmdPing       Command = 0x1
	CmdAppVersion Command = 0x3
	CmdProductID  Command = 0x4
	CmdRestart    Command = 0x6
	CmdGet        Command = 0x7
	CmdSet        Command = 0x8
	CmdAsync      Command = 0xA
)

// Response is the leading nibble of a message received from the device.
type Response uint8

const (
	RspDone    Response = 0x1
	RspUnknown Response = 0x3
	RspError   Response = 0x4
	RspPing    Response = 0x5
	RspGet     Response = 0x7
	RspSet     Response = 0x8
	RspAsync   Response = 0xA
)

var responseNames = map[Response]string{
	RspDone:    "Done",
	RspUnknown: "Unknown",
	RspError:   "Error",
	RspPing:    "Ping",
	RspGet:     "Get",
	RspSet:     "Set",
	RspAsync:   "Async",
}

func (r Response) String() string {
	if s, ok := responseNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Response(0x%X)", uint8(r))
}

// Register is a VE.Direct register address.
type Register uint16

const (
	RegCapabilities                 Register = 0x0140
	RegDeviceMode                   Register = 0x0200
	RegDeviceState                  Register = 0x0201
	RegRemoteControlUsed            Register = 0x0202
	RegHistoryTotal                 Register = 0x104F
	RegHistoryMPPTD30               Register = 0x106E
	RegNetworkInfo                  Register = 0x200D
	RegNetworkMode                  Register = 0x200E
	RegNetworkStatus                Register = 0x200F
	RegNetworkTotalDcInputPower     Register = 0x2027
	RegLoadOutputState              Register = 0xEDA8
	RegLoadOutputVoltage            Register = 0xEDA9
	RegLoadOutputControl            Register = 0xEDAB
	RegLoadCurrent                  Register = 0xEDAD
	RegPanelVoltage                 Register = 0xEDBB
	RegPanelPower                   Register = 0xEDBC
	RegPanelCurrent                 Register = 0xEDBD
	RegVoltageSettingsRange         Register = 0xEDCE
	RegChargerVoltage               Register = 0xEDD5
	RegChargerCurrent               Register = 0xEDD7
	RegChargeControllerTemperature  Register = 0xEDDB
	RegChargerMaximumCurrent        Register = 0xEDDF
	RegSmartBatterySenseTemperature Register = 0xEDEC
	RegBatteryVoltageSetting        Register = 0xEDEF
	RegBatteryMaximumCurrent        Register = 0xEDF0
	RegBatteryType                  Register = 0xEDF1
	RegBatteryFloatVoltage          Register = 0xEDF6
	RegBatteryAbsorptionVoltage     Register = 0xEDF7
)

var registerNames = map[Register]string{
	RegCapabilities:                 "Capabilities",
	RegDeviceMode:                   "Device Mode",
	RegDeviceState:                  "Device State",
	RegRemoteControlUsed:            "Remote Control Used",
	RegHistoryTotal:                 "History Total",
	RegNetworkInfo:                  "Network Info",
	RegNetworkMode:                  "Network Mode",
	RegNetworkStatus:                "Network Status",
	RegNetworkTotalDcInputPower:     "Network Total DC Input Power",
	RegLoadOutputState:              "Load Output State",
	RegLoadOutputVoltage:            "Load Output Voltage",
	RegLoadOutputControl:            "Load Output Control",
	RegLoadCurrent:                  "Load Current",
	RegPanelVoltage:                 "Panel Voltage",
	RegPanelPower:                   "Panel Power",
	RegPanelCurrent:                 "Panel Current",
	RegVoltageSettingsRange:         "Voltage Settings Range",
	RegChargerVoltage:               "Charger Voltage",
	RegChargerCurrent:               "Charger Current",
	RegChargeControllerTemperature:  "Charge Controller Temperature",
	RegChargerMaximumCurrent:        "Charger Maximum Current",
	RegSmartBatterySenseTemperature: "Smart Battery Sense Temperature",
	RegBatteryVoltageSetting:        "Battery Voltage Setting",
	RegBatteryMaximumCurrent:        "Battery Maximum Current",
	RegBatteryType:                  "Battery Type",
	RegBatteryFloatVoltage:          "Battery Float Voltage",
	RegBatteryAbsorptionVoltage:     "Battery Absorption Voltage",
}

func (r Register) String() string {
	if s, ok := registerNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Register(0x%04X)", uint16(r))
}

// History reports whether r addresses one of the daily history records.
func (r Register) History() bool {
	return r >= RegHistoryTotal && r <= RegHistoryMPPTD30
}

// HexData is a disassembled hex message.
type HexData struct {
	Response Response
	Register Register
	Flags    byte
	Value    uint32
	Size     int
	Text     string
}

// Unavailable reports the not-available marker: a non-zero flags byte or a
// value of all ones for the value's size.
func (d HexData) Unavailable() bool {
	if d.Flags != 0 {
		return true
	}
	switch d.Size {
	case 2:
		return d.Value == 0xFFFF
	case 4:
		return d.Value == 0xFFFFFFFF
	}
	return false
}

// EncodeCommand builds the hex message for cmd. GET ignores value; SET
// writes value with the given size in bytes (1, 2 or 4). Commands without a
// register argument ignore reg as well.
func EncodeCommand(cmd Command, reg Register, value uint32, size int) ([]byte, error) {
	var payload []byte
	switch cmd {
	case CmdEnterBoot, CmdPing, CmdAppVersion, CmdProductID, CmdRestart:
	case CmdGet:
		payload = binary.LittleEndian.AppendUint16(payload, uint16(reg))
		payload = append(payload, 0x00)
	case CmdSet:
		payload = binary.LittleEndian.AppendUint16(payload, uint16(reg))
		payload = append(payload, 0x00)
		switch size {
		case 1:
			payload = append(payload, byte(value))
		case 2:
			payload = binary.LittleEndian.AppendUint16(payload, uint16(value))
		case 4:
			payload = binary.LittleEndian.AppendUint32(payload, value)
		default:
			return nil, fmt.Errorf("%w: unsupported value size %d", ErrHexFormat, size)
		}
	default:
		return nil, fmt.Errorf("%w: command 0x%X cannot be sent", ErrHexFormat, uint8(cmd))
	}

	sum := checksum.VEHex(append([]byte{byte(cmd)}, payload...))

	var sb strings.Builder
	sb.WriteByte(':')
	fmt.Fprintf(&sb, "%X", uint8(cmd))
	sb.WriteString(strings.ToUpper(hex.EncodeToString(payload)))
	fmt.Fprintf(&sb, "%02X", sum)
	sb.WriteByte('\n')
	return []byte(sb.String()), nil
}

// Disassemble parses a received hex message. The leading ':' is required,
// a trailing line break is optional.
func Disassemble(msg []byte) (HexData, error) {
	s := strings.TrimRight(string(msg), "\r\n")
	if len(s) < 4 || s[0] != ':' {
		return HexData{}, fmt.Errorf("%w: %q", ErrHexFormat, s)
	}
	s = s[1:]
	// one nibble, then whole bytes
	if len(s)%2 != 1 {
		return HexData{}, fmt.Errorf("%w: odd byte count in %q", ErrHexFormat, s)
	}

	nibble, err := hex.DecodeString("0" + s[:1])
	if err != nil {
		return HexData{}, fmt.Errorf("%w: %v", ErrHexFormat, err)
	}
	body, err := hex.DecodeString(s[1:])
	if err != nil {
		return HexData{}, fmt.Errorf("%w: %v", ErrHexFormat, err)
	}

	if raw := append(nibble, body...); !checksum.ValidVEHex(raw) {
		return HexData{}, frame.Mismatch(uint32(checksum.VEHexTarget), uint32(checksum.Sum8(raw)))
	}

	d := HexData{Response: Response(nibble[0])}
	if _, ok := responseNames[d.Response]; !ok {
		return HexData{}, fmt.Errorf("%w: unknown response 0x%X", ErrHexFormat, nibble[0])
	}
	payload := body[:len(body)-1]

	switch d.Response {
	case RspGet, RspSet, RspAsync:
		if len(payload) < 4 {
			return HexData{}, fmt.Errorf("%w: %s response without value", ErrHexFormat, d.Response)
		}
		d.Register = Register(binary.LittleEndian.Uint16(payload))
		d.Flags = payload[2]
		payload = payload[3:]
	}

	d.Size = len(payload)
	switch d.Size {
	case 0:
	case 1:
		d.Value = uint32(payload[0])
	case 2:
		d.Value = uint32(binary.LittleEndian.Uint16(payload))
	case 4:
		d.Value = binary.LittleEndian.Uint32(payload)
	default:
		d.Text = strings.TrimRight(string(payload), "\x00")
	}
	return d, nil
}
