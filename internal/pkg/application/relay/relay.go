package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"

	"github.com/jzerfowski/fieldline-lsl/domain"
	"github.com/jzerfowski/fieldline-lsl/internal/pkg/infrastructure/fieldline"
	"github.com/jzerfowski/fieldline-lsl/internal/pkg/infrastructure/stream"
)

// The chassis clock runs at 25 MHz and data frames arrive at a nominal
// 1 kHz, which makes one tick 1/25000 of a second in stream time.
const ticksPerSecond = 25000.0

const nominalSrate = 1000.0

// Config carries the user-facing stream identity and scaling choices.
type Config struct {
	StreamName string
	StreamType string
	SourceID   string
	// Unit is the Tesla magnitude applied to magnetometer channels. ADC
	// channels are published in Volts with their raw calibration.
	Unit domain.TeslaUnit
	// Heartbeat is how often a still-streaming line is logged. Zero
	// disables the heartbeat.
	Heartbeat time.Duration
}

// Snapshot is a point-in-time view of the relay for diagnostics.
type Snapshot struct {
	Info      domain.StreamInfo
	Sample    []float64
	Timestamp float64
	Pushed    uint64
	Dropped   uint64
}

// Relay drains the data queue fed by the hardware callback and republishes
// every frame on the outlet, scaled to physical units and mapped onto the
// local stream clock.
//
// The channel layout is fixed from the first observed chunk. The timestamp
// mapping is anchored once, on that same chunk, and never re-synchronized;
// long runs accumulate the drift between the chassis oscillator and the
// local clock.
type Relay struct {
	svc     fieldline.Service
	factory stream.OutletFactory
	clock   stream.Clock
	cfg     Config

	names  []string
	scales []float64
	outlet stream.Outlet

	anchorLocal float64
	anchorTick  int64

	mu      sync.RWMutex
	last    Snapshot
	started bool
}

func New(svc fieldline.Service, factory stream.OutletFactory, clock stream.Clock, cfg Config) *Relay {
	if cfg.StreamType == "" {
		cfg.StreamType = "MAG"
	}
	if clock == nil {
		clock = stream.LocalClock
	}
	return &Relay{
		svc:     svc,
		factory: factory,
		clock:   clock,
		cfg:     cfg,
	}
}

// Snapshot returns the latest pushed sample and counters. ok is false until
// the stream has been established from the first chunk.
func (r *Relay) Snapshot() (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.started
}

// Run drains chunks until the context is cancelled. It returns nil on a
// clean shutdown; the caller must not release the outlet before Run has
// returned.
func (r *Relay) Run(ctx context.Context) error {
	logger := logging.GetFromContext(ctx)

	streamStart := r.clock()
	nextHeartbeat := streamStart
	logger.Info().Str("stream", r.cfg.StreamName).Float64("t_local", streamStart).Msg("relay loop started")

	defer func() {
		if r.outlet != nil {
			r.outlet.Close()
		}
		logger.Info().
			Str("stream", r.cfg.StreamName).
			Float64("seconds", r.clock()-streamStart).
			Msg("relay loop stopped")
	}()

	for {
		now := r.clock()
		if r.cfg.Heartbeat > 0 && now >= nextHeartbeat {
			nextHeartbeat += r.cfg.Heartbeat.Seconds()
			pushed, dropped := r.counters()
			logger.Info().
				Str("stream", r.cfg.StreamName).
				Float64("seconds", now-streamStart).
				Uint64("pushed", pushed).
				Uint64("dropped", dropped).
				Msg("streaming")
		}

		// Bounded wait so a stop is noticed within a second even when the
		// hardware goes quiet.
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
			logger.Warn().
				Str("stream", r.cfg.StreamName).
				Float64("seconds", r.clock()-streamStart).
				Msg("no data received in time by relay loop")
			continue
		case chunk, ok := <-r.svc.Chunks():
			if !ok {
				return fmt.Errorf("hardware data channel closed")
			}
			if len(chunk.Frames) == 0 {
				continue
			}
			if err := r.relay(ctx, chunk); err != nil {
				return err
			}
		}
	}
}

func (r *Relay) relay(ctx context.Context, chunk domain.Chunk) error {
	logger := logging.GetFromContext(ctx)

	if !r.started {
		if err := r.establish(ctx, chunk); err != nil {
			return fmt.Errorf("failed to establish stream: %w", err)
		}
	}

	samples := make([][]float64, 0, len(chunk.Frames))
	timestamp := 0.0

	for _, frame := range chunk.Frames {
		sample, err := r.scale(frame)
		if err != nil {
			// Transient glitches self-correct on the next frame, so drop
			// just this one and keep the loop running.
			logger.Warn().Err(err).Msg("dropping malformed frame")
			r.countDrop()
			continue
		}
		if len(samples) == 0 {
			timestamp = r.timestamp(frame.Tick)
		}
		samples = append(samples, sample)
	}

	if len(samples) == 0 {
		return nil
	}

	var err error
	if len(samples) == 1 {
		err = r.outlet.PushSample(samples[0], timestamp)
	} else {
		err = r.outlet.PushChunk(samples, timestamp)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("outlet rejected sample, dropping")
		r.countDrop()
		return nil
	}

	r.record(samples[len(samples)-1], timestamp, uint64(len(samples)))
	return nil
}

// establish fixes the channel layout from the first observed chunk, builds
// the stream descriptor, opens the outlet and anchors the timestamp
// mapping. Vendor metadata alone is not sufficient to know the layout,
// which is why the stream cannot be created before data flows.
func (r *Relay) establish(ctx context.Context, chunk domain.Chunk) error {
	logger := logging.GetFromContext(ctx)
	first := chunk.Frames[0]

	names := make([]string, 0, len(first.Readings))
	for name := range first.Readings {
		names = append(names, name)
	}
	sort.Strings(names)

	info, scales, err := r.describe(names, first)
	if err != nil {
		return err
	}

	outlet, err := r.factory(info)
	if err != nil {
		return fmt.Errorf("failed to open outlet: %w", err)
	}

	r.names = names
	r.scales = scales
	r.outlet = outlet
	r.anchorLocal = chunk.LocalTime
	r.anchorTick = first.Tick

	r.mu.Lock()
	r.last = Snapshot{Info: info}
	r.started = true
	r.mu.Unlock()

	logger.Info().
		Str("stream", info.Name).
		Str("source_id", info.SourceID).
		Int("channels", info.ChannelCount).
		Msg("stream established")

	return nil
}

// describe builds the stream descriptor and the per-channel scale factors.
// Magnetometer channels get the Tesla magnitude multiplier on top of the
// vendor calibration; ADC channels keep the raw calibration.
func (r *Relay) describe(names []string, first domain.Frame) (domain.StreamInfo, []float64, error) {
	locations := map[string]string{}
	for _, ch := range r.svc.Channels() {
		locations[ch.Name] = ch.Location
	}

	chassis := r.svc.ChassisDescriptors()
	sort.Slice(chassis, func(i, j int) bool { return chassis[i].ChassisID < chassis[j].ChassisID })

	channels := make([]domain.ChannelDescriptor, 0, len(names))
	scales := make([]float64, 0, len(names))

	for _, name := range names {
		calibration, err := r.svc.Calibration(name)
		if err != nil {
			return domain.StreamInfo{}, nil, fmt.Errorf("failed to get calibration for channel %s: %w", name, err)
		}

		dataType := domain.DataTypeFromCode(first.Readings[name].DataType)

		desc := domain.ChannelDescriptor{
			Label:       name,
			Calibration: calibration,
			Mode:        dataType.Mode(),
		}
		if id, _, err := domain.ParseChannelName(name); err == nil {
			desc.ChassisID = id.ChassisID
			desc.SensorID = id.SensorID
		}

		scale := calibration

		switch {
		case dataType.IsMagnetometer():
			desc.Type = "mag"
			desc.Unit = r.cfg.Unit.Name
			desc.UnitFactor = r.cfg.Unit.Factor
			desc.Location = locations[name]
			scale *= r.cfg.Unit.Factor

			if card, sensor, err := r.svc.SerialNumbers(desc.ChassisID, desc.SensorID); err == nil {
				desc.CardSerial = card
				desc.SensorSerial = sensor
			}
			if x, y, z, err := r.svc.Fields(desc.ChassisID, desc.SensorID); err == nil {
				desc.FieldX, desc.FieldY, desc.FieldZ = x, y, z
			}
		case dataType == domain.DataTypeADC:
			desc.Type = "misc"
			desc.Unit = "V"
		default:
			desc.Type = "misc"
			desc.Unit = "?"
		}

		channels = append(channels, desc)
		scales = append(scales, scale)
	}

	info := domain.StreamInfo{
		Name:         r.cfg.StreamName,
		Type:         r.cfg.StreamType,
		SourceID:     r.cfg.SourceID,
		ChannelCount: len(names),
		NominalSrate: nominalSrate,
		Manufacturer: "FieldLine Inc.",
		APIVersion:   r.svc.APIVersion(),
		Chassis:      chassis,
		Channels:     channels,
	}

	return info, scales, nil
}

// scale turns a raw frame into one sample in the fixed channel order. A
// frame missing a channel of the layout is rejected as malformed.
func (r *Relay) scale(frame domain.Frame) ([]float64, error) {
	if len(frame.Readings) != len(r.names) {
		return nil, fmt.Errorf("frame has %d channels, stream has %d", len(frame.Readings), len(r.names))
	}

	sample := make([]float64, len(r.names))
	for i, name := range r.names {
		reading, ok := frame.Readings[name]
		if !ok {
			return nil, fmt.Errorf("frame is missing channel %s", name)
		}
		sample[i] = reading.Data * r.scales[i]
	}

	return sample, nil
}

// timestamp maps a chassis tick onto the local stream clock using the
// anchor pair fixed at the first chunk.
func (r *Relay) timestamp(tick int64) float64 {
	return r.anchorLocal + float64(tick-r.anchorTick)/ticksPerSecond
}

func (r *Relay) record(sample []float64, timestamp float64, pushed uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last.Sample = sample
	r.last.Timestamp = timestamp
	r.last.Pushed += pushed
}

func (r *Relay) countDrop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last.Dropped++
}

func (r *Relay) counters() (uint64, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last.Pushed, r.last.Dropped
}
