package simulator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jzerfowski/fieldline-lsl/domain"
	"github.com/jzerfowski/fieldline-lsl/internal/pkg/infrastructure/fieldline"
	"github.com/jzerfowski/fieldline-lsl/internal/pkg/infrastructure/stream"
)

// Config shapes the simulated hardware array.
type Config struct {
	ChassisCount      int
	SensorsPerChassis int
	// ClosedLoop selects the data-type code of the magnetometer channels
	// (50 for closed loop, 28 for open loop).
	ClosedLoop bool
	// HandshakeDelay is how long each restart/zero operation takes per
	// sensor before its completion event fires.
	HandshakeDelay time.Duration
	// ChunkSize is the number of frames per data chunk.
	ChunkSize int
	// SampleInterval is the wall-clock spacing of generated frames.
	SampleInterval time.Duration
	Clock          stream.Clock
}

func (c Config) withDefaults() Config {
	if c.ChassisCount == 0 {
		c.ChassisCount = 1
	}
	if c.SensorsPerChassis == 0 {
		c.SensorsPerChassis = 2
	}
	if c.HandshakeDelay == 0 {
		c.HandshakeDelay = 5 * time.Millisecond
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 10
	}
	if c.SampleInterval == 0 {
		c.SampleInterval = time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = stream.LocalClock
	}
	return c
}

const (
	magCalibration = 1e-12
	adcCalibration = 1.0
	// One frame per millisecond on a 25 MHz counter sampled at 1 kHz.
	ticksPerFrame = 25
)

// Simulator implements the fieldline.Service port against an in-process
// fabricated sensor array. It answers the full restart and zeroing
// handshake and synthesizes sine data frames, so the pipeline can run
// end-to-end without hardware.
type Simulator struct {
	cfg Config

	events chan fieldline.Event
	chunks chan domain.Chunk

	mu        sync.Mutex
	connected []int
	powered   map[domain.SensorID]bool
	adcOn     map[int]bool

	done     chan struct{}
	stopData chan struct{}
	wg       sync.WaitGroup
	closing  sync.Once
}

func New(cfg Config) *Simulator {
	return &Simulator{
		cfg:     cfg.withDefaults(),
		events:  make(chan fieldline.Event, 256),
		chunks:  make(chan domain.Chunk, 1024),
		powered: map[domain.SensorID]bool{},
		adcOn:   map[int]bool{},
		done:    make(chan struct{}),
	}
}

func (s *Simulator) Open(ctx context.Context) error { return nil }

func (s *Simulator) Close() error {
	s.closing.Do(func() {
		s.StopData()
		close(s.done)
		s.wg.Wait()
		close(s.events)
		close(s.chunks)
	})
	return nil
}

func (s *Simulator) Events() <-chan fieldline.Event { return s.events }
func (s *Simulator) Chunks() <-chan domain.Chunk    { return s.chunks }

func (s *Simulator) DiscoverChassis(ctx context.Context) ([]string, error) {
	addresses := make([]string, 0, s.cfg.ChassisCount)
	for i := 0; i < s.cfg.ChassisCount; i++ {
		addresses = append(addresses, s.address(i))
	}
	return addresses, nil
}

func (s *Simulator) address(chassisID int) string {
	return fmt.Sprintf("192.168.111.%d", 41+chassisID)
}

// Connect assigns chassis ids in address order and announces every chassis
// and its sensors through the event channel, the way the vendor SDK calls
// back after a connection is established.
func (s *Simulator) Connect(ctx context.Context, addresses []string) error {
	known, _ := s.DiscoverChassis(ctx)
	index := map[string]int{}
	for i, a := range known {
		index[a] = i
	}

	s.mu.Lock()
	for _, address := range addresses {
		chassisID, ok := index[address]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("no chassis at %s", address)
		}
		s.connected = append(s.connected, chassisID)
		for sensorID := 0; sensorID < s.cfg.SensorsPerChassis; sensorID++ {
			s.powered[domain.SensorID{ChassisID: chassisID, SensorID: sensorID}] = true
		}
	}
	connected := append([]int(nil), s.connected...)
	s.mu.Unlock()

	for _, chassisID := range connected {
		s.emit(fieldline.Event{Kind: fieldline.ChassisConnected, ChassisID: chassisID})

		sensors := make([]int, 0, s.cfg.SensorsPerChassis)
		for sensorID := 0; sensorID < s.cfg.SensorsPerChassis; sensorID++ {
			sensors = append(sensors, sensorID)
		}
		s.emit(fieldline.Event{Kind: fieldline.SensorsAvailable, ChassisID: chassisID, Sensors: sensors})
	}

	return nil
}

func (s *Simulator) emit(ev fieldline.Event) {
	select {
	case <-s.done:
	case s.events <- ev:
	}
}

// completeLater emits one completion event per sensor in the batch after
// the handshake delay, mimicking the asynchronous vendor callbacks.
func (s *Simulator) completeLater(kind fieldline.EventKind, batch fieldline.Batch) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.done:
			return
		case <-time.After(s.cfg.HandshakeDelay):
		}
		for chassisID, sensors := range batch {
			for _, sensorID := range sensors {
				s.emit(fieldline.Event{Kind: kind, ChassisID: chassisID, SensorID: sensorID})
			}
		}
	}()
}

func (s *Simulator) RestartSensors(ctx context.Context, batch fieldline.Batch) error {
	s.completeLater(fieldline.RestartComplete, batch)
	return nil
}

func (s *Simulator) CoarseZeroSensors(ctx context.Context, batch fieldline.Batch) error {
	s.completeLater(fieldline.CoarseZeroComplete, batch)
	return nil
}

func (s *Simulator) FineZeroSensors(ctx context.Context, batch fieldline.Batch) error {
	s.completeLater(fieldline.FineZeroComplete, batch)
	return nil
}

func (s *Simulator) TurnOffSensors(ctx context.Context, batch fieldline.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for chassisID, sensors := range batch {
		for _, sensorID := range sensors {
			s.powered[domain.SensorID{ChassisID: chassisID, SensorID: sensorID}] = false
		}
	}
	return nil
}

func (s *Simulator) StartADC(chassisID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adcOn[chassisID] = true
	return nil
}

func (s *Simulator) StopADC(chassisID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adcOn[chassisID] = false
	return nil
}

// StartData launches the frame generator. Frames carry a 25 MHz tick
// advancing 25 ticks per 1 kHz sample and one sine reading per powered
// channel.
func (s *Simulator) StartData() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopData != nil {
		return nil
	}
	stop := make(chan struct{})
	s.stopData = stop

	s.wg.Add(1)
	go s.generate(stop)
	return nil
}

func (s *Simulator) StopData() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopData != nil {
		close(s.stopData)
		s.stopData = nil
	}
	return nil
}

func (s *Simulator) generate(stop chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SampleInterval * time.Duration(s.cfg.ChunkSize))
	defer ticker.Stop()

	var tick int64

	for {
		select {
		case <-s.done:
			return
		case <-stop:
			return
		case <-ticker.C:
		}

		channels := s.Channels()
		frames := make([]domain.Frame, 0, s.cfg.ChunkSize)

		for i := 0; i < s.cfg.ChunkSize; i++ {
			readings := make(map[string]domain.Reading, len(channels))
			t := float64(tick) / (ticksPerFrame * 1000.0)
			for _, ch := range channels {
				readings[ch.Name] = domain.Reading{
					Sensor:   fmt.Sprintf("%02d:%02d", ch.ChassisID, ch.SensorID),
					DataType: int(ch.DataType),
					Data:     1000.0 * math.Sin(2.0*math.Pi*10.0*t),
				}
			}
			frames = append(frames, domain.Frame{Tick: tick, Readings: readings})
			tick += ticksPerFrame
		}

		chunk := domain.Chunk{LocalTime: s.cfg.Clock(), Frames: frames}

		select {
		case <-s.done:
			return
		case <-stop:
			return
		case s.chunks <- chunk:
		default:
			// The relay is not keeping up; dropping the chunk beats
			// blocking the producer.
		}
	}
}

func (s *Simulator) magCode() int {
	if s.cfg.ClosedLoop {
		return int(domain.DataTypeClosedLoop)
	}
	return int(domain.DataTypeOpenLoop)
}

func (s *Simulator) Channels() []domain.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()

	var channels []domain.Channel
	for id, on := range s.powered {
		if !on {
			continue
		}
		channels = append(channels, domain.Channel{
			Name:        fmt.Sprintf("%02d:%02d:%d", id.ChassisID, id.SensorID, s.magCode()),
			ChassisID:   id.ChassisID,
			SensorID:    id.SensorID,
			DataType:    domain.DataTypeFromCode(s.magCode()),
			Calibration: magCalibration,
			Location:    fmt.Sprintf("slot-%02d", id.SensorID),
		})
	}
	for _, chassisID := range s.connected {
		if !s.adcOn[chassisID] {
			continue
		}
		channels = append(channels, domain.Channel{
			Name:        fmt.Sprintf("%02d:00:0", chassisID),
			ChassisID:   chassisID,
			SensorID:    0,
			DataType:    domain.DataTypeADC,
			Calibration: adcCalibration,
		})
	}

	sort.Slice(channels, func(i, j int) bool { return channels[i].Name < channels[j].Name })
	return channels
}

func (s *Simulator) Calibration(channelName string) (float64, error) {
	for _, ch := range s.Channels() {
		if ch.Name == channelName {
			return ch.Calibration, nil
		}
	}
	return 0, fmt.Errorf("unknown channel %s", channelName)
}

func (s *Simulator) ChassisDescriptors() []domain.ChassisDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	descriptors := make([]domain.ChassisDescriptor, 0, len(s.connected))
	for _, chassisID := range s.connected {
		descriptors = append(descriptors, domain.ChassisDescriptor{
			Name:      fmt.Sprintf("FL-SIM-%02d", chassisID),
			ChassisID: chassisID,
			Serial:    fmt.Sprintf("SIM%04d", 1000+chassisID),
			Version:   "sim-1.0.0",
		})
	}
	return descriptors
}

func (s *Simulator) SerialNumbers(chassisID, sensorID int) (string, string, error) {
	return fmt.Sprintf("CARD%02d%02d", chassisID, sensorID), fmt.Sprintf("SENS%02d%02d", chassisID, sensorID), nil
}

func (s *Simulator) Fields(chassisID, sensorID int) (float64, float64, float64, error) {
	return 1.5, -0.5, 48.0, nil
}

func (s *Simulator) APIVersion() string {
	return "simulator-0.1"
}
