// Command frame-sim writes synthetic capture files that go-battery can replay.
package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/capture"
	"github.com/resident-x/go-battery/internal/domain"
	"github.com/spf13/cobra"
)

// reading is the battery state a simulated capture describes.
type reading struct {
	SoC         float64
	Voltage     float64
	Current     float64
	Temperature float64
	Alarms      battery.Alarm
	Warnings    battery.Warning
}

// step advances the reading by one interval: SoC follows the current
// through a pack of capacityAh.
func (r reading) step(interval time.Duration, capacityAh float64) reading {
	if capacityAh <= 0 {
		return r
	}
	r.SoC += r.Current * interval.Hours() / capacityAh * 100
	r.SoC = math.Max(0, math.Min(100, r.SoC))
	return r
}

type simOptions struct {
	out        string
	count      int
	interval   time.Duration
	capacityAh float64
	start      reading
	alarms     []string
	warnings   []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &simOptions{}
	root := &cobra.Command{
		Use:          "frame-sim",
		Short:        "Generate battery capture files for go-battery replay",
		SilenceUsage: true,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&opts.out, "out", "o", "", "Capture file to write")
	flags.IntVarP(&opts.count, "count", "n", 10, "Number of broadcast cycles")
	flags.DurationVar(&opts.interval, "interval", time.Second, "Time between cycles")
	flags.Float64Var(&opts.capacityAh, "capacity", 100, "Pack capacity in Ah used to drift the SoC, 0 keeps it fixed")
	flags.Float64Var(&opts.start.SoC, "soc", 80, "State of charge (%)")
	flags.Float64Var(&opts.start.Voltage, "voltage", 52.3, "Pack voltage (V)")
	flags.Float64Var(&opts.start.Current, "current", -5, "Pack current, negative while discharging (A)")
	flags.Float64Var(&opts.start.Temperature, "temperature", 24, "Pack temperature (°C)")
	flags.StringSliceVar(&opts.alarms, "alarm", nil, "Raise an alarm by name, e.g. overVoltage")
	flags.StringSliceVar(&opts.warnings, "warning", nil, "Raise a warning by name, e.g. lowTemperature")
	_ = root.MarkPersistentFlagRequired("out")

	root.AddCommand(
		&cobra.Command{
			Use:   "pylontech-can",
			Short: "Pylontech CAN broadcast (0x351 to 0x35E)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.write(cmd, "pylontech-can", capture.KindCAN, pylontechCycle)
			},
		},
		&cobra.Command{
			Use:   "victron-shunt",
			Short: "Victron SmartShunt VE.Direct text frames",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.write(cmd, "victron-shunt", capture.KindSerial, shuntCycle)
			},
		},
	)
	return root
}

// cycleFunc renders one broadcast cycle at offset.
type cycleFunc func(offset time.Duration, r reading) []capture.Record

func (o *simOptions) write(cmd *cobra.Command, protocol string, kind capture.Kind, cycle cycleFunc) error {
	r := o.start
	var err error
	if r.Alarms, err = parseAlarms(o.alarms); err != nil {
		return err
	}
	if r.Warnings, err = parseWarnings(o.warnings); err != nil {
		return err
	}

	f := &capture.File{
		Kind:     kind,
		Protocol: protocol,
		Created:  time.Now().UTC(),
		Comment:  fmt.Sprintf("frame-sim: %d cycles every %s", o.count, o.interval),
	}
	if kind == capture.KindSerial {
		f.Baud = 19200
	}
	for i := 0; i < o.count; i++ {
		f.Records = append(f.Records, cycle(time.Duration(i)*o.interval, r)...)
		r = r.step(o.interval, o.capacityAh)
	}

	if err := capture.Save(o.out, f); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d records to %s\n", len(f.Records), o.out)
	return nil
}

func parseAlarms(names []string) (battery.Alarm, error) {
	var out battery.Alarm
	for _, name := range names {
		found := false
		for bit := 0; bit < 16; bit++ {
			a := battery.Alarm(1 << bit)
			if n := a.Names(); len(n) == 1 && strings.EqualFold(n[0], name) {
				out |= a
				found = true
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown alarm %q", name)
		}
	}
	return out, nil
}

func parseWarnings(names []string) (battery.Warning, error) {
	var out battery.Warning
	for _, name := range names {
		found := false
		for bit := 0; bit < 16; bit++ {
			w := battery.Warning(1 << bit)
			if n := w.Names(); len(n) == 1 && strings.EqualFold(n[0], name) {
				out |= w
				found = true
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown warning %q", name)
		}
	}
	return out, nil
}

func canFrame(id uint32, payload []byte) domain.CANFrame {
	f := domain.CANFrame{ID: id, Length: uint8(len(payload))}
	copy(f.Data[:], payload)
	return f
}

func le16(v int) []byte {
	return binary.LittleEndian.AppendUint16(nil, uint16(int16(v)))
}

// pylontechCycle is one round of the six Pylontech broadcast frames, 10 ms apart.
func pylontechCycle(offset time.Duration, r reading) []capture.Record {
	limits := append(le16(565), le16(250)...)
	limits = append(limits, le16(250)...)
	limits = append(limits, le16(480)...)

	soc := append(le16(int(math.Round(r.SoC))), le16(100)...)

	meas := append(le16(int(math.Round(r.Voltage*100))), le16(int(math.Round(r.Current*10)))...)
	meas = append(meas, le16(int(math.Round(r.Temperature*10)))...)

	a0, a1 := r.Alarms.CAN()
	w2, w3 := r.Warnings.CAN()
	protection := []byte{a0, a1, w2, w3, 1, 'P', 'N'}

	request := []byte{0xC0}
	manufacturer := []byte("PYLON   ")

	frames := []domain.CANFrame{
		canFrame(0x351, limits),
		canFrame(0x355, soc),
		canFrame(0x356, meas),
		canFrame(0x359, protection),
		canFrame(0x35C, request),
		canFrame(0x35E, manufacturer),
	}
	out := make([]capture.Record, len(frames))
	for i, f := range frames {
		out[i] = capture.CANRecord(offset+time.Duration(i)*10*time.Millisecond, f)
	}
	return out
}

// shuntCycle is one SmartShunt text block.
func shuntCycle(offset time.Duration, r reading) []capture.Record {
	alarm := "OFF"
	if r.Alarms != 0 {
		alarm = "ON"
	}
	block := textFrame(
		"PID\t0xA389",
		fmt.Sprintf("V\t%d", int(math.Round(r.Voltage*1000))),
		fmt.Sprintf("I\t%d", int(math.Round(r.Current*1000))),
		fmt.Sprintf("P\t%d", int(math.Round(r.Voltage*r.Current))),
		"CE\t0",
		fmt.Sprintf("SOC\t%d", int(math.Round(r.SoC*10))),
		"TTG\t-1",
		"Alarm\t"+alarm,
		"AR\t0",
		fmt.Sprintf("T\t%d", int(math.Round(r.Temperature))),
		"FW\t0414",
	)
	return []capture.Record{capture.SerialRecord(offset, block)}
}

// textFrame builds a VE.Direct text block whose bytes sum to zero.
func textFrame(fields ...string) []byte {
	var b []byte
	for _, f := range fields {
		b = append(b, "\r\n"+f...)
	}
	b = append(b, "\r\nChecksum\t"...)
	var sum byte
	for _, c := range b {
		sum += c
	}
	return append(b, 0-sum)
}
