package domain

import (
	"fmt"
	"strings"
)

// SensorID identifies a sensor by the chassis it is mounted in and its
// slot on that chassis.
type SensorID struct {
	ChassisID int
	SensorID  int
}

func (s SensorID) String() string {
	return fmt.Sprintf("%02d:%02d", s.ChassisID, s.SensorID)
}

// ParseSensorID parses "chassis:sensor", e.g. "00:01" or "0:1".
func ParseSensorID(s string) (SensorID, error) {
	var chassisID, sensorID int
	_, err := fmt.Sscanf(s, "%d:%d", &chassisID, &sensorID)
	if err != nil {
		return SensorID{}, fmt.Errorf("failed to parse sensor id %q: %w", s, err)
	}
	return SensorID{ChassisID: chassisID, SensorID: sensorID}, nil
}

// LifecycleState is the initialization state of a single sensor. States are
// strictly ordered; a sensor only ever moves forward, or sideways into
// Excluded from Discovered.
type LifecycleState int

const (
	Discovered LifecycleState = iota
	Selected
	Restarted
	CoarseZeroed
	FineZeroed
	Excluded
)

func (s LifecycleState) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Selected:
		return "selected"
	case Restarted:
		return "restarted"
	case CoarseZeroed:
		return "coarse-zeroed"
	case FineZeroed:
		return "fine-zeroed"
	case Excluded:
		return "excluded"
	}
	return "unknown"
}

// DataType is the channel data-type code, carried as the last segment of a
// channel name (e.g. 00:01:50).
type DataType int

const (
	DataTypeUnknown    DataType = -1
	DataTypeADC        DataType = 0
	DataTypeOpenLoop   DataType = 28
	DataTypeClosedLoop DataType = 50
)

// DataTypeFromCode maps a vendor type code onto a DataType. Unknown codes
// classify as DataTypeUnknown rather than failing.
func DataTypeFromCode(code int) DataType {
	switch code {
	case 0:
		return DataTypeADC
	case 28:
		return DataTypeOpenLoop
	case 50:
		return DataTypeClosedLoop
	}
	return DataTypeUnknown
}

// DataTypeFromChannelName reads the type code from a composite channel
// label of the form chassis:sensor:code.
func DataTypeFromChannelName(name string) DataType {
	parts := strings.Split(name, ":")
	if len(parts) != 3 {
		return DataTypeUnknown
	}
	var code int
	if _, err := fmt.Sscanf(parts[2], "%d", &code); err != nil {
		return DataTypeUnknown
	}
	return DataTypeFromCode(code)
}

// ParseChannelName splits a composite channel label chassis:sensor:code
// into the owning sensor and the channel data type.
func ParseChannelName(name string) (SensorID, DataType, error) {
	var chassisID, sensorID, code int
	if _, err := fmt.Sscanf(name, "%d:%d:%d", &chassisID, &sensorID, &code); err != nil {
		return SensorID{}, DataTypeUnknown, fmt.Errorf("failed to parse channel name %q: %w", name, err)
	}
	return SensorID{ChassisID: chassisID, SensorID: sensorID}, DataTypeFromCode(code), nil
}

// IsMagnetometer reports whether the data type carries magnetic field data
// (open or closed loop, as opposed to ADC or unknown).
func (d DataType) IsMagnetometer() bool {
	return d == DataTypeOpenLoop || d == DataTypeClosedLoop
}

func (d DataType) Mode() string {
	switch d {
	case DataTypeADC:
		return "ADC"
	case DataTypeOpenLoop:
		return "Open Loop"
	case DataTypeClosedLoop:
		return "Closed Loop"
	}
	return "Unknown"
}

// TeslaUnit is an order of magnitude relative to the SI unit Tesla, used to
// scale magnetometer channel data into a friendlier magnitude.
type TeslaUnit struct {
	Name   string
	Factor float64
}

var (
	UnitT  = TeslaUnit{"T", 1}
	UnitmT = TeslaUnit{"mT", 1e3}
	UnituT = TeslaUnit{"uT", 1e6}
	UnitnT = TeslaUnit{"nT", 1e9}
	UnitpT = TeslaUnit{"pT", 1e12}
	UnitfT = TeslaUnit{"fT", 1e15}
)

// TeslaUnitFromName returns the unit for names like "fT". Unknown names fall
// back to plain Tesla.
func TeslaUnitFromName(name string) (TeslaUnit, bool) {
	for _, u := range []TeslaUnit{UnitT, UnitmT, UnituT, UnitnT, UnitpT, UnitfT} {
		if u.Name == name {
			return u, true
		}
	}
	return UnitT, false
}

// Channel is one published data channel belonging to a sensor.
type Channel struct {
	Name        string
	ChassisID   int
	SensorID    int
	DataType    DataType
	Calibration float64
	Location    string
}

// Reading is one raw device-unit value on one channel within a frame.
type Reading struct {
	Sensor   string
	DataType int
	Data     float64
}

// Frame is one reading per channel at one hardware timestamp tick.
type Frame struct {
	Tick     int64
	Readings map[string]Reading
}

// Chunk is an ordered batch of frames sharing an acquisition window.
// LocalTime is the receiver's monotonic clock at the moment the chunk
// arrived from the hardware callback; the relay anchors its timestamp
// mapping on the first chunk's LocalTime.
type Chunk struct {
	LocalTime float64
	Frames    []Frame
}

// ChassisDescriptor is the per-chassis metadata block published in the
// stream descriptor.
type ChassisDescriptor struct {
	Name      string `json:"name"`
	ChassisID int    `json:"chassis_id"`
	Serial    string `json:"serial"`
	Version   string `json:"version"`
}

// ChannelDescriptor is the per-channel metadata block published in the
// stream descriptor. The serial, field and location values are only set for
// magnetometer channels.
type ChannelDescriptor struct {
	Label       string  `json:"label"`
	ChassisID   int     `json:"chassis_id"`
	SensorID    int     `json:"sensor_id"`
	Calibration float64 `json:"calibration"`
	Type        string  `json:"type"`
	Unit        string  `json:"unit"`
	Mode        string  `json:"mode"`

	CardSerial   string  `json:"serial_card,omitempty"`
	SensorSerial string  `json:"serial_sensor,omitempty"`
	FieldX       float64 `json:"field_x,omitempty"`
	FieldY       float64 `json:"field_y,omitempty"`
	FieldZ       float64 `json:"field_z,omitempty"`
	Location     string  `json:"location,omitempty"`
	UnitFactor   float64 `json:"unit_factor,omitempty"`
}

// StreamInfo is the fixed descriptor of the published stream. It is built
// once, from the first observed data chunk, and never changes afterwards.
type StreamInfo struct {
	Name         string              `json:"name"`
	Type         string              `json:"type"`
	SourceID     string              `json:"source_id"`
	ChannelCount int                 `json:"channel_count"`
	NominalSrate float64             `json:"nominal_srate"`
	Manufacturer string              `json:"manufacturer"`
	APIVersion   string              `json:"api_version"`
	Chassis      []ChassisDescriptor `json:"chassis"`
	Channels     []ChannelDescriptor `json:"channels"`
}
