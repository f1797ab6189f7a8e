package relay

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/jzerfowski/fieldline-lsl/domain"
	"github.com/jzerfowski/fieldline-lsl/internal/pkg/infrastructure/fieldline"
	"github.com/jzerfowski/fieldline-lsl/internal/pkg/infrastructure/stream"
)

const (
	magChannel = "00:00:50"
	adcChannel = "00:01:0"
)

func TestThatTheFirstChunkAnchorsTheTimestampMapping(t *testing.T) {
	is := is.New(t)

	svc := newFakeHardware()
	outlet := &fakeOutlet{}
	r := newTestRelay(svc, outlet)

	svc.push(domain.Chunk{LocalTime: 100.0, Frames: []domain.Frame{frame(1000, 1.0, 1.0)}})
	svc.push(domain.Chunk{LocalTime: 103.7, Frames: []domain.Frame{frame(2000, 1.0, 1.0)}})
	svc.push(domain.Chunk{LocalTime: 104.2, Frames: []domain.Frame{frame(3000, 1.0, 1.0)}})

	runRelay(t, r, outlet, 3)

	pushes := outlet.pushes()
	is.Equal(len(pushes), 3)

	// The anchor sample is stamped with the local clock at its arrival.
	is.Equal(pushes[0].timestamp, 100.0)

	// Subsequent stamps follow the tick counter, not the arrival times.
	is.True(math.Abs(pushes[1].timestamp-(100.0+1000.0/25000.0)) < 1e-9)
	is.True(math.Abs(pushes[2].timestamp-(100.0+2000.0/25000.0)) < 1e-9)
}

func TestThatMagnetometerChannelsAreScaledWithTheUnitFactor(t *testing.T) {
	is := is.New(t)

	svc := newFakeHardware()
	outlet := &fakeOutlet{}
	r := newTestRelay(svc, outlet)

	svc.push(domain.Chunk{LocalTime: 10.0, Frames: []domain.Frame{frame(0, 1.5, 2.0)}})

	runRelay(t, r, outlet, 1)

	pushes := outlet.pushes()
	is.Equal(len(pushes), 1)

	// Channel order is the sorted layout: mag ("00:00:50"), adc ("00:01:0").
	// mag: 1.5 * 2e-12 * 1e15 (fT), adc: 2.0 * 3.0 raw calibration.
	is.True(math.Abs(pushes[0].sample[0]-3000.0) < 1e-9)
	is.True(math.Abs(pushes[0].sample[1]-6.0) < 1e-9)
}

func TestThatTheDescriptorCarriesChassisAndChannelBlocks(t *testing.T) {
	is := is.New(t)

	svc := newFakeHardware()
	outlet := &fakeOutlet{}
	r := newTestRelay(svc, outlet)

	svc.push(domain.Chunk{LocalTime: 10.0, Frames: []domain.Frame{frame(0, 1.0, 1.0)}})

	runRelay(t, r, outlet, 1)

	info := outlet.streamInfo()
	is.Equal(info.ChannelCount, 2)
	is.Equal(info.Type, "MAG") // default stream type
	is.Equal(info.Manufacturer, "FieldLine Inc.")
	is.Equal(info.APIVersion, "fake-api-1.2")
	is.Equal(len(info.Chassis), 1)
	is.Equal(info.Chassis[0].Serial, "FL1234")

	mag := info.Channels[0]
	is.Equal(mag.Label, magChannel)
	is.Equal(mag.Type, "mag")
	is.Equal(mag.Unit, "fT")
	is.Equal(mag.Mode, "Closed Loop")
	is.Equal(mag.UnitFactor, 1e15)
	is.Equal(mag.CardSerial, "CARD00")
	is.Equal(mag.SensorSerial, "SENS00")

	adc := info.Channels[1]
	is.Equal(adc.Label, adcChannel)
	is.Equal(adc.Type, "misc")
	is.Equal(adc.Unit, "V")
	is.Equal(adc.Mode, "ADC")
	is.Equal(adc.UnitFactor, 0.0)
}

func TestThatAFrameMissingAChannelIsDroppedAndTheLoopContinues(t *testing.T) {
	is := is.New(t)

	svc := newFakeHardware()
	outlet := &fakeOutlet{}
	r := newTestRelay(svc, outlet)

	missing := frame(1000, 1.0, 1.0)
	delete(missing.Readings, adcChannel)
	missing.Readings["99:99:50"] = domain.Reading{Data: 1.0, DataType: 50}

	svc.push(domain.Chunk{LocalTime: 10.0, Frames: []domain.Frame{frame(0, 1.0, 1.0)}})
	svc.push(domain.Chunk{LocalTime: 10.1, Frames: []domain.Frame{missing}})
	svc.push(domain.Chunk{LocalTime: 10.2, Frames: []domain.Frame{frame(2000, 1.0, 1.0)}})

	runRelay(t, r, outlet, 2)

	pushes := outlet.pushes()
	is.Equal(len(pushes), 2) // the malformed frame is gone, the stream continues

	snapshot, ok := r.Snapshot()
	is.True(ok)
	is.Equal(snapshot.Pushed, uint64(2))
	is.Equal(snapshot.Dropped, uint64(1))
}

func TestThatMultiFrameChunksArePushedAsChunks(t *testing.T) {
	is := is.New(t)

	svc := newFakeHardware()
	outlet := &fakeOutlet{}
	r := newTestRelay(svc, outlet)

	svc.push(domain.Chunk{LocalTime: 50.0, Frames: []domain.Frame{
		frame(0, 1.0, 1.0),
		frame(25, 2.0, 2.0),
		frame(50, 3.0, 3.0),
	}})

	runRelay(t, r, outlet, 1)

	pushes := outlet.pushes()
	is.Equal(len(pushes), 1)
	is.Equal(len(pushes[0].chunk), 3)
	is.Equal(pushes[0].timestamp, 50.0)
}

func newTestRelay(svc *fakeHardware, outlet *fakeOutlet) *Relay {
	factory := func(info domain.StreamInfo) (stream.Outlet, error) {
		outlet.setInfo(info)
		return outlet, nil
	}

	clock := func() float64 { return 0 }

	return New(svc, factory, clock, Config{
		StreamName: "TestOPM",
		SourceID:   "test-sid",
		Unit:       domain.UnitfT,
	})
}

// runRelay runs the relay until the outlet saw want pushes, then cancels
// and joins the loop.
func runRelay(t *testing.T, r *Relay, outlet *fakeOutlet, want int) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		if outlet.count() >= want {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatalf("outlet saw %d pushes, want %d", outlet.count(), want)
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("relay returned error: %v", err)
	}

	// The outlet must only be released after the loop has exited.
	if !outlet.isClosed() {
		t.Fatal("outlet was not closed when the relay stopped")
	}
}

func frame(tick int64, mag, adc float64) domain.Frame {
	return domain.Frame{
		Tick: tick,
		Readings: map[string]domain.Reading{
			magChannel: {Sensor: "00:00", DataType: 50, Data: mag},
			adcChannel: {Sensor: "00:01", DataType: 0, Data: adc},
		},
	}
}

type push struct {
	sample    []float64
	chunk     [][]float64
	timestamp float64
}

type fakeOutlet struct {
	mu     sync.Mutex
	info   domain.StreamInfo
	pushed []push
	closed bool
}

func (o *fakeOutlet) setInfo(info domain.StreamInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.info = info
}

func (o *fakeOutlet) streamInfo() domain.StreamInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.info
}

func (o *fakeOutlet) PushSample(sample []float64, timestamp float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pushed = append(o.pushed, push{sample: sample, timestamp: timestamp})
	return nil
}

func (o *fakeOutlet) PushChunk(samples [][]float64, timestamp float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pushed = append(o.pushed, push{chunk: samples, timestamp: timestamp})
	return nil
}

func (o *fakeOutlet) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

func (o *fakeOutlet) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *fakeOutlet) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pushed)
}

func (o *fakeOutlet) pushes() []push {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]push(nil), o.pushed...)
}

// fakeHardware provides the metadata surface and the data queue the relay
// reads from.
type fakeHardware struct {
	chunks chan domain.Chunk
	events chan fieldline.Event
}

func newFakeHardware() *fakeHardware {
	return &fakeHardware{
		chunks: make(chan domain.Chunk, 64),
		events: make(chan fieldline.Event, 4),
	}
}

func (f *fakeHardware) push(chunk domain.Chunk) { f.chunks <- chunk }

func (f *fakeHardware) Open(ctx context.Context) error { return nil }
func (f *fakeHardware) Close() error                   { return nil }
func (f *fakeHardware) Events() <-chan fieldline.Event { return f.events }
func (f *fakeHardware) Chunks() <-chan domain.Chunk    { return f.chunks }
func (f *fakeHardware) StartData() error               { return nil }
func (f *fakeHardware) StopData() error                { return nil }
func (f *fakeHardware) StartADC(chassisID int) error   { return nil }
func (f *fakeHardware) StopADC(chassisID int) error    { return nil }
func (f *fakeHardware) APIVersion() string             { return "fake-api-1.2" }

func (f *fakeHardware) DiscoverChassis(ctx context.Context) ([]string, error) {
	return []string{"192.168.2.41"}, nil
}

func (f *fakeHardware) Connect(ctx context.Context, addresses []string) error {
	return nil
}

func (f *fakeHardware) RestartSensors(ctx context.Context, batch fieldline.Batch) error {
	return nil
}

func (f *fakeHardware) CoarseZeroSensors(ctx context.Context, batch fieldline.Batch) error {
	return nil
}

func (f *fakeHardware) FineZeroSensors(ctx context.Context, batch fieldline.Batch) error {
	return nil
}

func (f *fakeHardware) TurnOffSensors(ctx context.Context, batch fieldline.Batch) error {
	return nil
}

func (f *fakeHardware) ChassisDescriptors() []domain.ChassisDescriptor {
	return []domain.ChassisDescriptor{
		{Name: "chassis-00", ChassisID: 0, Serial: "FL1234", Version: "2.1.0"},
	}
}

func (f *fakeHardware) Channels() []domain.Channel {
	return []domain.Channel{
		{Name: magChannel, ChassisID: 0, SensorID: 0, DataType: domain.DataTypeClosedLoop, Calibration: 2e-12, Location: "left-temporal"},
		{Name: adcChannel, ChassisID: 0, SensorID: 1, DataType: domain.DataTypeADC, Calibration: 3.0},
	}
}

func (f *fakeHardware) Calibration(channelName string) (float64, error) {
	for _, ch := range f.Channels() {
		if ch.Name == channelName {
			return ch.Calibration, nil
		}
	}
	return 0, context.Canceled
}

func (f *fakeHardware) SerialNumbers(chassisID, sensorID int) (string, string, error) {
	return "CARD00", "SENS00", nil
}

func (f *fakeHardware) Fields(chassisID, sensorID int) (float64, float64, float64, error) {
	return 1.0, 2.0, 3.0, nil
}
