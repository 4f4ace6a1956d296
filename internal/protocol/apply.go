package protocol

import (
	"fmt"
	"time"

	"github.com/resident-x/go-battery/internal/battery"
)

// Apply decodes the answer carried by ex into rs. It reports false when
// the command has no decoder. Answers with a non-normal return code are
// rejected without touching rs.
func Apply(rs *battery.RS485, ex *Exchange, ts time.Time) (bool, error) {
	resp := ex.Response
	if resp.RTN != RTNNormal {
		return true, fmt.Errorf("%s: battery answered %s", ex.Command, resp.RTN)
	}

	switch ex.Command {
	case CmdGetProtocolVersion:
		rs.ProtocolVersion = DecodeProtocolVersion(resp)

	case CmdGetManufacturerInfo:
		m, err := DecodeManufacturerInfo(resp.Info)
		if err != nil {
			return true, err
		}
		rs.Manufacturer = m
		p := rs.Pack(ex.Address)
		p.DeviceName = m.DeviceName
		p.SoftwareVersion = m.SoftwareVersion

	case CmdGetSerialNumber:
		sn, err := DecodeSerialNumber(resp.Info)
		if err != nil {
			return true, err
		}
		rs.Pack(ex.Address).SerialNumber = sn

	case CmdGetFirmwareInfo:
		mv, ml, err := DecodeFirmwareInfo(resp.Info)
		if err != nil {
			return true, err
		}
		p := rs.Pack(ex.Address)
		p.ManufacturerVersion = mv
		p.MainlineVersion = ml

	case CmdGetSystemParameter:
		sp, err := DecodeSystemParameters(resp.Info)
		if err != nil {
			return true, err
		}
		rs.System = sp

	case CmdGetPackCount:
		n, err := DecodePackCount(resp.Info)
		if err != nil {
			return true, err
		}
		rs.PackCount = n

	case CmdGetChargeDischargeManagementInfo:
		cd, err := DecodeChargeDischargeInfo(resp.Info)
		if err != nil {
			return true, err
		}
		p := rs.Pack(ex.Address)
		p.ChargeDischarge = cd
		p.Updated = ts
		if ex.Address == rs.MasterAddress {
			rs.ChargeDischarge = cd
		}

	case CmdGetAnalogValue:
		a, err := DecodeAnalogValue(resp.Info)
		if err != nil {
			return true, err
		}
		p := rs.Pack(ex.Address)
		p.Analog = a.Value
		p.Updated = ts

	case CmdGetAlarmInfo:
		p := rs.Pack(ex.Address)
		ai, err := DecodeAlarmInfo(resp.Info, p.Analog.BMSTemperature, rs.System.DischargeLowTemperatureLimit)
		if err != nil {
			return true, err
		}
		p.Alarms = ai
		p.Updated = ts

	default:
		return false, nil
	}
	return true, nil
}

// Summarize aggregates the measured packs of rs and publishes the totals
// to stats. Nothing is published before the first pack measurement.
func Summarize(stats *battery.Stats, rs *battery.RS485, ts time.Time) {
	measured := make([]battery.Pack, 0, len(rs.Packs))
	for _, p := range rs.Packs {
		if !p.Updated.IsZero() {
			measured = append(measured, p)
		}
	}
	if len(measured) == 0 {
		return
	}
	rs.Totals = battery.AggregatePacks(measured)
	t := rs.Totals

	stats.SetManufacturer(rs.Manufacturer.ManufacturerName, ts)
	stats.FirmwareVersion = rs.Manufacturer.SoftwareVersion
	for _, p := range rs.Packs {
		if p.Address == rs.MasterAddress {
			stats.Serial = p.SerialNumber
			stats.HardwareVersion = p.MainlineVersion
		}
	}

	if t.Capacity > 0 {
		stats.SetSoC(t.SoC, 1, ts)
	}
	stats.SetVoltage(t.Voltage, ts)
	stats.SetCurrent(t.Current, 1, ts)
	stats.SetDischargeCurrentLimit(t.ChargeDischarge.DischargeCurrentLimit, ts)
	stats.Alarms = t.Alarm
	stats.Warnings = t.Warning
	stats.Touch(ts)
}
