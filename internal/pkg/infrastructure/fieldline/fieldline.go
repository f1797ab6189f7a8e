package fieldline

import (
	"context"

	"github.com/jzerfowski/fieldline-lsl/domain"
)

// EventKind enumerates the lifecycle callbacks of the vendor SDK. The SDK
// invokes handler methods on its own threads; the adapter behind Service
// converts each invocation into an Event on a bounded channel so that
// ordering and backpressure are explicit.
type EventKind int

const (
	ChassisConnected EventKind = iota
	ChassisDisconnected
	SensorsAvailable
	SensorReady
	RestartComplete
	CoarseZeroComplete
	FineZeroComplete
	SensorError
)

func (k EventKind) String() string {
	switch k {
	case ChassisConnected:
		return "chassis-connected"
	case ChassisDisconnected:
		return "chassis-disconnected"
	case SensorsAvailable:
		return "sensors-available"
	case SensorReady:
		return "sensor-ready"
	case RestartComplete:
		return "restart-complete"
	case CoarseZeroComplete:
		return "coarse-zero-complete"
	case FineZeroComplete:
		return "fine-zero-complete"
	case SensorError:
		return "sensor-error"
	}
	return "unknown"
}

// Event is one lifecycle callback from the hardware. Sensors is only set for
// SensorsAvailable, SensorID for the per-sensor completions, Err for
// SensorError.
type Event struct {
	Kind      EventKind
	ChassisID int
	SensorID  int
	Sensors   []int
	Err       error
}

// Batch maps chassis ids to the sensor ids a batched operation applies to.
type Batch map[int][]int

// Service is the connect/discover/command surface of the vendor hardware
// SDK. Discovery, the wire protocol to the chassis and the calibration
// tables all live behind this interface; this repository only orchestrates.
//
// Lifecycle callbacks arrive on Events(), data callbacks on Chunks(). Both
// channels are owned by the implementation and closed by Close().
type Service interface {
	Open(ctx context.Context) error
	Close() error

	// DiscoverChassis returns the addresses of all chassis answering on the
	// network, after the implementation's discovery window has elapsed.
	DiscoverChassis(ctx context.Context) ([]string, error)
	Connect(ctx context.Context, addresses []string) error

	Events() <-chan Event
	Chunks() <-chan domain.Chunk

	StartData() error
	StopData() error
	StartADC(chassisID int) error
	StopADC(chassisID int) error

	// The batched sensor operations run asynchronously; completion is
	// reported per sensor through Events().
	RestartSensors(ctx context.Context, batch Batch) error
	CoarseZeroSensors(ctx context.Context, batch Batch) error
	FineZeroSensors(ctx context.Context, batch Batch) error
	TurnOffSensors(ctx context.Context, batch Batch) error

	ChassisDescriptors() []domain.ChassisDescriptor
	Channels() []domain.Channel
	Calibration(channelName string) (float64, error)
	SerialNumbers(chassisID, sensorID int) (card string, sensor string, err error)
	Fields(chassisID, sensorID int) (x, y, z float64, err error)
	APIVersion() string
}
