package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/diwise/context-broker/pkg/ngsild/client"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/go-chi/chi"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jzerfowski/fieldline-lsl/domain"
	"github.com/jzerfowski/fieldline-lsl/internal/pkg/application"
	"github.com/jzerfowski/fieldline-lsl/internal/pkg/application/relay"
	"github.com/jzerfowski/fieldline-lsl/internal/pkg/application/sequencer"
	"github.com/jzerfowski/fieldline-lsl/internal/pkg/config"
	"github.com/jzerfowski/fieldline-lsl/internal/pkg/infrastructure/fieldline"
	"github.com/jzerfowski/fieldline-lsl/internal/pkg/infrastructure/fieldline/simulator"
	"github.com/jzerfowski/fieldline-lsl/internal/pkg/infrastructure/router"
	"github.com/jzerfowski/fieldline-lsl/internal/pkg/infrastructure/stream"
)

const serviceName string = "fieldline-lsl"

func main() {
	serviceVersion := buildinfo.SourceVersion()

	ctx, logger, cleanup := o11y.Init(context.Background(), serviceName, serviceVersion)

	err := newRootCmd(logger).ExecuteContext(ctx)
	cleanup()

	if err != nil {
		logger.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func newRootCmd(logger zerolog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "stream FieldLine OPM sensor data as a timestamped multi-channel stream",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, logger)
		},
	}
	config.AddFlags(cmd)
	return cmd
}

func run(cmd *cobra.Command, logger zerolog.Logger) error {
	opts, err := config.Parse(cmd)
	if err != nil {
		return err
	}

	zerolog.SetGlobalLevel(opts.LogLevel())

	// Interrupt and terminate both trigger an orderly stop: relay loop
	// first, hardware connection last.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx = logging.NewContextWithLogger(ctx, logger)

	svc, err := newService(opts)
	if err != nil {
		return err
	}

	expected, err := opts.ExpectedSensors()
	if err != nil {
		return err
	}

	cfg := application.Config{
		ExpectedChassis: opts.Chassis,
		DiscoveryWait:   opts.DiscoveryWaitDuration(),
		Duration:        opts.RunDuration(),
		InitTimeout:     opts.InitTimeoutDuration(),
		ADC:             opts.ADC,
		Sequencer: sequencer.Config{
			Expected:    expected,
			SkipRestart: opts.SkipRestart,
			SkipZeroing: opts.SkipZeroing,
		},
		Relay: relay.Config{
			StreamName: opts.StreamName,
			SourceID:   opts.SourceID,
			Unit:       opts.TeslaUnit(),
			Heartbeat:  opts.HeartbeatDuration(),
		},
	}

	if brokerURL := env.GetVariableOrDefault(logger, "CONTEXT_BROKER_URL", ""); brokerURL != "" {
		cfg.ContextBroker = client.NewContextBrokerClient(brokerURL)
	}

	factory := func(info domain.StreamInfo) (stream.Outlet, error) {
		return stream.NewWriterOutlet(os.Stdout, info)
	}

	app := application.New(svc, factory, stream.LocalClock, cfg)

	if opts.DiagPort != "" {
		r := router.SetupRouter(chi.NewRouter(), app, logger)
		go func() {
			if err := r.Start(opts.DiagPort); err != nil {
				logger.Error().Err(err).Msg("diagnostics endpoint failed")
			}
		}()
	}

	return app.Run(ctx)
}

func newService(opts config.Options) (fieldline.Service, error) {
	if opts.Simulate > 0 {
		return simulator.New(simulator.Config{
			ChassisCount: opts.Simulate,
			ClosedLoop:   opts.ClosedLoop,
		}), nil
	}

	// The vendor SDK binding is an external collaborator; it plugs in
	// through the fieldline.Service port.
	return nil, fmt.Errorf("connecting to physical chassis requires the FieldLine SDK binding, rerun with --simulate n")
}
