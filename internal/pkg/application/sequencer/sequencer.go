package sequencer

import (
	"context"
	"errors"
	"fmt"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"

	"github.com/jzerfowski/fieldline-lsl/domain"
	"github.com/jzerfowski/fieldline-lsl/internal/pkg/infrastructure/fieldline"
)

// ErrInitTimeout is returned when the configured initialization timeout
// elapses before every selected sensor reaches fine-zeroed.
var ErrInitTimeout = errors.New("sensor initialization timed out")

// Sequencer drives all discovered sensors through the restart, coarse-zero
// and fine-zero stages. It consumes lifecycle events from the hardware
// service and issues the batched operations the pure transition function
// unlocks.
type Sequencer struct {
	svc    fieldline.Service
	cfg    Config
	states States
}

func New(svc fieldline.Service, cfg Config) *Sequencer {
	return &Sequencer{
		svc:    svc,
		cfg:    cfg,
		states: States{},
	}
}

// States returns a snapshot of the lifecycle mapping, for diagnostics.
func (s *Sequencer) States() States {
	return s.states.clone()
}

// Run blocks until every selected sensor is fine-zeroed, the context is
// cancelled, or a fatal condition occurs. The caller decides the timeout by
// passing a deadline context; ErrInitTimeout is returned when it expires.
func (s *Sequencer) Run(ctx context.Context) error {
	logger := logging.GetFromContext(ctx)
	logger.Info().Msg("starting sensor initialization")

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				logger.Error().
					Int("selected", s.states.Selected()).
					Msg("initialization timeout elapsed before all sensors were zeroed")
				return ErrInitTimeout
			}
			return ctx.Err()

		case ev, ok := <-s.svc.Events():
			if !ok {
				return fmt.Errorf("hardware event channel closed during initialization")
			}

			next, cmds, err := Transition(s.states, ev, s.cfg)
			if err != nil {
				logger.Error().Err(err).Msg("initialization aborted")
				return err
			}
			s.states = next

			s.logEvent(ctx, ev)

			for _, cmd := range cmds {
				if err := s.execute(ctx, cmd); err != nil {
					return fmt.Errorf("failed to issue %s on chassis %d: %w", cmd.Kind, cmd.ChassisID, err)
				}
			}

			if s.states.Done() {
				logger.Info().
					Int("sensors", s.states.Selected()).
					Msg("all selected sensors fine-zeroed")
				return nil
			}
		}
	}
}

func (s *Sequencer) execute(ctx context.Context, cmd Command) error {
	logger := logging.GetFromContext(ctx)
	logger.Info().
		Str("op", cmd.Kind.String()).
		Int("chassis_id", cmd.ChassisID).
		Ints("sensors", cmd.Sensors).
		Msg("issuing batched sensor operation")

	batch := fieldline.Batch{cmd.ChassisID: cmd.Sensors}

	switch cmd.Kind {
	case CmdRestart:
		return s.svc.RestartSensors(ctx, batch)
	case CmdCoarseZero:
		return s.svc.CoarseZeroSensors(ctx, batch)
	case CmdFineZero:
		return s.svc.FineZeroSensors(ctx, batch)
	case CmdTurnOff:
		return s.svc.TurnOffSensors(ctx, batch)
	}

	return fmt.Errorf("unknown command kind %d", cmd.Kind)
}

func (s *Sequencer) logEvent(ctx context.Context, ev fieldline.Event) {
	logger := logging.GetFromContext(ctx)
	id := domain.SensorID{ChassisID: ev.ChassisID, SensorID: ev.SensorID}

	switch ev.Kind {
	case fieldline.ChassisConnected:
		logger.Info().Int("chassis_id", ev.ChassisID).Msg("chassis connected")
	case fieldline.ChassisDisconnected:
		logger.Warn().Int("chassis_id", ev.ChassisID).Msg("chassis disconnected")
	case fieldline.SensorsAvailable:
		logger.Info().Int("chassis_id", ev.ChassisID).Ints("sensors", ev.Sensors).Msg("sensors available")
	case fieldline.SensorReady:
		logger.Debug().Str("sensor", id.String()).Msg("sensor ready")
	case fieldline.RestartComplete:
		logger.Debug().Str("sensor", id.String()).Msg("sensor restarted")
	case fieldline.CoarseZeroComplete:
		logger.Debug().Str("sensor", id.String()).Msg("sensor coarse-zeroed")
	case fieldline.FineZeroComplete:
		logger.Debug().Str("sensor", id.String()).Msg("sensor fine-zeroed")
	case fieldline.SensorError:
		logger.Warn().Str("sensor", id.String()).Err(ev.Err).Msg("sensor reported an error")
	}
}
