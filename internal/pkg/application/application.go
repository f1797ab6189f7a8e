package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/diwise/context-broker/pkg/ngsild/client"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"go.opentelemetry.io/otel"

	"github.com/jzerfowski/fieldline-lsl/internal/pkg/application/registry"
	"github.com/jzerfowski/fieldline-lsl/internal/pkg/application/relay"
	"github.com/jzerfowski/fieldline-lsl/internal/pkg/application/sequencer"
	"github.com/jzerfowski/fieldline-lsl/internal/pkg/infrastructure/fieldline"
	"github.com/jzerfowski/fieldline-lsl/internal/pkg/infrastructure/stream"
)

var tracer = otel.Tracer("fieldline-lsl/app")

// ErrDiscovery is returned when no chassis answer, or when an expected
// chassis is missing from the discovered set.
var ErrDiscovery = errors.New("expected chassis not discovered")

// Config drives one run of the pipeline.
type Config struct {
	// ExpectedChassis is the list of chassis addresses that must be
	// present. Empty connects to everything discovered.
	ExpectedChassis []string
	DiscoveryWait   time.Duration
	// Duration bounds the streaming phase; zero streams until the context
	// is cancelled.
	Duration time.Duration
	// InitTimeout bounds the whole initialization sequence; zero waits
	// forever.
	InitTimeout time.Duration
	ADC         bool
	Sequencer   sequencer.Config
	Relay       relay.Config
	// ContextBroker, when set, receives one Device entity per connected
	// chassis after discovery.
	ContextBroker client.ContextBrokerClient
}

// App wires discovery, initialization and relaying into one run. It owns
// the relay so diagnostics can observe the stream while it runs.
type App struct {
	svc   fieldline.Service
	cfg   Config
	relay *relay.Relay
}

func New(svc fieldline.Service, factory stream.OutletFactory, clock stream.Clock, cfg Config) *App {
	return &App{
		svc:   svc,
		cfg:   cfg,
		relay: relay.New(svc, factory, clock, cfg.Relay),
	}
}

// Snapshot exposes the relay state for the diagnostics endpoint.
func (a *App) Snapshot() (relay.Snapshot, bool) {
	return a.relay.Snapshot()
}

// Run executes the whole pipeline: discover and connect the chassis,
// initialize the sensors, then relay data until the duration elapses or the
// context is cancelled. Shutdown is orderly in every exit path: the relay
// is stopped and joined before the hardware connection closes.
func (a *App) Run(ctx context.Context) error {
	logger := logging.GetFromContext(ctx)

	if err := a.svc.Open(ctx); err != nil {
		return fmt.Errorf("failed to open hardware service: %w", err)
	}
	defer a.svc.Close()

	if err := a.connect(ctx); err != nil {
		return err
	}

	if a.cfg.ContextBroker != nil {
		if err := registry.RegisterChassis(ctx, a.cfg.ContextBroker, a.svc.ChassisDescriptors()); err != nil {
			logger.Error().Err(err).Msg("failed to register chassis with context broker")
		}
	}

	if err := a.initialize(ctx); err != nil {
		return err
	}

	return a.streamData(ctx)
}

// connect waits out the discovery window, asserts that every expected
// chassis answered and connects to them.
func (a *App) connect(ctx context.Context) error {
	logger := logging.GetFromContext(ctx)

	ctx, span := tracer.Start(ctx, "connect-chassis")
	defer span.End()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.cfg.DiscoveryWait):
	}

	discovered, err := a.svc.DiscoverChassis(ctx)
	if err != nil {
		return fmt.Errorf("chassis discovery failed: %w", err)
	}
	if len(discovered) == 0 {
		return fmt.Errorf("no chassis were found: %w", ErrDiscovery)
	}

	logger.Info().Strs("discovered", discovered).Msg("discovered chassis")

	connectTo := discovered

	if len(a.cfg.ExpectedChassis) > 0 {
		known := map[string]bool{}
		for _, address := range discovered {
			known[address] = true
		}
		for _, address := range a.cfg.ExpectedChassis {
			if !known[address] {
				return fmt.Errorf("chassis %s missing from discovered set: %w", address, ErrDiscovery)
			}
		}
		connectTo = a.cfg.ExpectedChassis
	}

	logger.Info().Strs("chassis", connectTo).Msg("connecting")

	if err := a.svc.Connect(ctx, connectTo); err != nil {
		return fmt.Errorf("failed to connect to chassis: %w", err)
	}

	return nil
}

func (a *App) initialize(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "initialize-sensors")
	defer span.End()

	if a.cfg.InitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.InitTimeout)
		defer cancel()
	}

	seq := sequencer.New(a.svc, a.cfg.Sequencer)
	return seq.Run(ctx)
}

// streamData runs the relay until the configured duration elapses or the
// surrounding context is cancelled, then joins the relay before the
// hardware connection goes away.
func (a *App) streamData(ctx context.Context) error {
	logger := logging.GetFromContext(ctx)

	for _, chassis := range a.svc.ChassisDescriptors() {
		if a.cfg.ADC {
			if err := a.svc.StartADC(chassis.ChassisID); err != nil {
				return fmt.Errorf("failed to start adc on chassis %d: %w", chassis.ChassisID, err)
			}
		} else {
			if err := a.svc.StopADC(chassis.ChassisID); err != nil {
				logger.Warn().Err(err).Int("chassis_id", chassis.ChassisID).Msg("failed to stop adc")
			}
		}
	}

	if err := a.svc.StartData(); err != nil {
		return fmt.Errorf("failed to start data streaming: %w", err)
	}
	defer a.svc.StopData()

	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()

	var wg sync.WaitGroup
	var relayErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stopRelay()
		relayErr = a.relay.Run(relayCtx)
	}()

	if a.cfg.Duration > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(a.cfg.Duration):
			logger.Info().Dur("duration", a.cfg.Duration).Msg("configured run duration elapsed")
		case <-relayCtx.Done():
		}
	} else {
		<-relayCtx.Done()
	}

	stopRelay()
	wg.Wait()

	return relayErr
}
