// Package victron exposes Victron VE.Direct devices to the rest of the
// daemon: the SmartShunt as a battery provider and the charge controllers
// behind one manager.
package victron

import (
	"time"

	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/vedirect"
	"github.com/rs/zerolog"
)

const shuntPortOwner = "Victron SmartShunt"

// SmartShunt is the battery provider backed by a SmartShunt or BMV.
type SmartShunt struct {
	env    battery.Env
	stats  *battery.Stats
	logger zerolog.Logger
	now    func() time.Time

	serial     *battery.SerialSession
	shunt      *vedirect.ShuntController
	lastUpdate time.Time
}

// NewSmartShunt creates the SmartShunt battery provider.
func NewSmartShunt(env battery.Env) battery.Provider {
	now := env.Now
	if now == nil {
		now = time.Now
	}
	return &SmartShunt{
		env:    env,
		stats:  battery.NewStats("victron-shunt", &battery.VictronShunt{}),
		logger: env.Logger.With().Str("component", "victron-shunt").Logger(),
		now:    now,
	}
}

func (s *SmartShunt) Init() error {
	s.logger.Info().Msg("Initialize VE.Direct interface")
	serial, err := s.env.AcquireSerial(shuntPortOwner, "vedirect-shunt", vedirect.DefaultBaud)
	if err != nil {
		return err
	}
	s.serial = serial
	s.shunt = vedirect.NewShuntController(serial.Port, vedirect.Options{
		Name:    "shunt",
		Verbose: s.env.Config.VerboseLogging,
		Logger:  s.env.Logger,
		Link:    serial.Link,
		Now:     s.now,
	})
	s.lastUpdate = time.Time{}
	return nil
}

func (s *SmartShunt) Deinit() {
	if s.serial == nil {
		return
	}
	if err := s.serial.Release(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close serial port")
	}
	s.serial = nil
	s.shunt = nil
	s.logger.Info().Msg("Serial driver uninstalled")
}

func (s *SmartShunt) Loop() {
	if s.shunt == nil {
		return
	}
	s.shunt.Loop()

	last := s.shunt.LastUpdate()
	if !last.After(s.lastUpdate) {
		return
	}
	ApplyShunt(s.stats, s.shunt.Data(), last)
	s.lastUpdate = last
}

func (s *SmartShunt) Stats() *battery.Stats { return s.stats }

// ApplyShunt copies a shunt frame into stats.
func ApplyShunt(stats *battery.Stats, d vedirect.ShuntData, ts time.Time) {
	v, ok := stats.Details.(*battery.VictronShunt)
	if !ok {
		return
	}

	stats.SetVoltage(float64(d.BatteryVoltageMilliVolt)/1000, ts)
	stats.SetSoC(float64(d.SoCPermille)/10, 1, ts)
	stats.SetCurrent(float64(d.BatteryCurrentMilliAmps)/1000, 2, ts)
	stats.FirmwareVersion = d.FirmwareFormatted()
	stats.Serial = d.Serial
	stats.SetManufacturer("Victron "+d.ProductName(), ts)

	v.ChargeCycles = uint32(max(d.ChargeCycles, 0))
	v.TimeToGo = d.TimeToGoMinutes / 60
	v.ChargedEnergy = float64(d.ChargedEnergy) / 100
	v.DischargedEnergy = float64(d.DischargedEnergy) / 100
	v.Temperature = float64(d.Temperature)
	v.TemperaturePresent = d.TemperaturePresent
	v.MidpointVoltage = float64(d.MidpointMilliVolt) / 1000
	v.MidpointDeviation = float64(d.MidpointDeviation) / 10
	v.InstantaneousPower = d.PowerWatts
	v.ConsumedAmpHours = float64(d.ConsumedMilliAmpHr) / 1000
	v.LastFullCharge = d.SecondsSinceFullCharge / 60

	ar := d.AlarmReason
	v.AlarmLowVoltage = ar&vedirect.AlarmReasonLowVoltage != 0
	v.AlarmHighVoltage = ar&vedirect.AlarmReasonHighVoltage != 0
	v.AlarmLowSoC = ar&vedirect.AlarmReasonLowSoC != 0
	v.AlarmLowTemperature = ar&vedirect.AlarmReasonLowTemperature != 0
	v.AlarmHighTemperature = ar&vedirect.AlarmReasonHighTemperature != 0

	stats.Alarms = stats.Alarms.
		With(battery.AlarmUnderVoltage, v.AlarmLowVoltage).
		With(battery.AlarmOverVoltage, v.AlarmHighVoltage).
		With(battery.AlarmUnderTemperature, v.AlarmLowTemperature).
		With(battery.AlarmOverTemperature, v.AlarmHighTemperature)

	stats.Touch(ts)
}

var _ battery.Provider = (*SmartShunt)(nil)
