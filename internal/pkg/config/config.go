package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jzerfowski/fieldline-lsl/domain"
)

const envPrefix = "FIELDLINE"

// Options is the resolved run configuration, populated from flags and
// FIELDLINE_* environment variables (flags win).
type Options struct {
	Chassis       []string `mapstructure:"chassis"`
	StreamName    string   `mapstructure:"stream-name"`
	SourceID      string   `mapstructure:"source-id"`
	Verbosity     int      `mapstructure:"verbose"`
	Duration      int      `mapstructure:"duration"`
	ADC           bool     `mapstructure:"adc"`
	SkipRestart   bool     `mapstructure:"skip-restart"`
	SkipZeroing   bool     `mapstructure:"skip-zeroing"`
	InitTimeout   int      `mapstructure:"init-timeout"`
	Sensors       []string `mapstructure:"sensor"`
	Unit          string   `mapstructure:"unit"`
	ClosedLoop    bool     `mapstructure:"closed-loop"`
	Heartbeat     int      `mapstructure:"heartbeat"`
	DiscoveryWait int      `mapstructure:"discovery-wait"`
	DiagPort      string   `mapstructure:"diag-port"`
	Simulate      int      `mapstructure:"simulate"`
}

// AddFlags registers the CLI surface on cmd.
func AddFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringArrayP("chassis", "c", nil, "chassis ip address, repeatable; connects to every discovered chassis when omitted")
	flags.StringP("stream-name", "n", "FieldLineOPM", "name of the published stream")
	flags.String("source-id", "", "unique source id of the stream, generated when omitted")
	flags.CountP("verbose", "v", "logging verbosity, repeat up to three times")
	flags.IntP("duration", "t", 0, "seconds to stream before exiting, 0 streams until interrupted")
	flags.Bool("adc", false, "enable the ADC stream on every chassis")
	flags.Bool("skip-restart", false, "skip the sensor restart stage")
	flags.Bool("skip-zeroing", false, "skip both zeroing stages (only sensible together with --skip-restart)")
	flags.Int("init-timeout", 0, "seconds to wait for sensor initialization before aborting, 0 waits forever")
	flags.StringArray("sensor", nil, "expected sensor as chassis:sensor, repeatable; others are powered off")
	flags.String("unit", "fT", "tesla magnitude of magnetometer channels (T, mT, uT, nT, pT, fT)")
	flags.Bool("closed-loop", false, "run the sensors in closed loop mode")
	flags.Int("heartbeat", 60, "seconds between streaming heartbeat log lines, 0 disables")
	flags.Int("discovery-wait", 2, "seconds to wait for chassis discovery")
	flags.String("diag-port", "", "port for the diagnostics http endpoint, empty disables")
	flags.Int("simulate", 0, "run against n simulated chassis instead of hardware")
}

// Parse resolves flags and environment into Options.
func Parse(cmd *cobra.Command) (Options, error) {
	vip := viper.New()
	vip.SetEnvPrefix(envPrefix)
	vip.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	vip.AutomaticEnv()

	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return Options{}, fmt.Errorf("failed to bind flags: %w", err)
	}

	opts := Options{}
	if err := vip.Unmarshal(&opts); err != nil {
		return Options{}, fmt.Errorf("failed to unmarshal options: %w", err)
	}

	if opts.SourceID == "" {
		opts.SourceID = "flopm-" + uuid.NewString()[:8]
	}

	if _, ok := domain.TeslaUnitFromName(opts.Unit); !ok {
		return Options{}, fmt.Errorf("unknown tesla unit %q", opts.Unit)
	}

	if _, err := opts.ExpectedSensors(); err != nil {
		return Options{}, err
	}

	return opts, nil
}

// ExpectedSensors parses the --sensor allow-list. Nil means every
// discovered sensor is accepted.
func (o Options) ExpectedSensors() (map[domain.SensorID]struct{}, error) {
	if len(o.Sensors) == 0 {
		return nil, nil
	}

	expected := make(map[domain.SensorID]struct{}, len(o.Sensors))
	for _, s := range o.Sensors {
		id, err := domain.ParseSensorID(s)
		if err != nil {
			return nil, err
		}
		expected[id] = struct{}{}
	}
	return expected, nil
}

func (o Options) TeslaUnit() domain.TeslaUnit {
	unit, _ := domain.TeslaUnitFromName(o.Unit)
	return unit
}

// LogLevel maps the verbosity count onto a zerolog level.
func (o Options) LogLevel() zerolog.Level {
	switch o.Verbosity {
	case 0:
		return zerolog.InfoLevel
	case 1:
		return zerolog.DebugLevel
	}
	return zerolog.TraceLevel
}

func (o Options) RunDuration() time.Duration {
	return time.Duration(o.Duration) * time.Second
}

func (o Options) InitTimeoutDuration() time.Duration {
	return time.Duration(o.InitTimeout) * time.Second
}

func (o Options) HeartbeatDuration() time.Duration {
	return time.Duration(o.Heartbeat) * time.Second
}

func (o Options) DiscoveryWaitDuration() time.Duration {
	return time.Duration(o.DiscoveryWait) * time.Second
}
