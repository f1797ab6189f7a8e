package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jzerfowski/fieldline-lsl/domain"
)

// Outlet is the push surface of the streaming library. The wire framing,
// clock synchronization and multi-subscriber fan-out are the library's
// concern; callers only push scaled samples with precomputed timestamps.
type Outlet interface {
	// PushSample publishes one multi-channel sample at the given local-clock
	// timestamp. The sample length must match the channel count the outlet
	// was created with.
	PushSample(sample []float64, timestamp float64) error
	// PushChunk publishes an ordered batch of samples; timestamp refers to
	// the first sample in the chunk.
	PushChunk(samples [][]float64, timestamp float64) error
	Close() error
}

// OutletFactory creates an outlet once the stream descriptor is known. The
// relay calls it exactly once, after resolving the channel layout from the
// first observed data chunk.
type OutletFactory func(info domain.StreamInfo) (Outlet, error)

// Clock returns the local monotonic time in seconds, in the same timebase
// the streaming library stamps against.
type Clock func() float64

var processStart = time.Now()

// LocalClock is the default Clock: monotonic seconds since process start.
func LocalClock() float64 {
	return time.Since(processStart).Seconds()
}

// writerOutlet publishes samples as JSON lines to an io.Writer. It stands in
// for a real transport during development and when inspecting a stream
// without a subscriber.
type writerOutlet struct {
	mu   sync.Mutex
	w    io.Writer
	enc  *json.Encoder
	info domain.StreamInfo
}

type writerRecord struct {
	Timestamp float64   `json:"timestamp"`
	Sample    []float64 `json:"sample"`
}

// NewWriterOutlet returns an Outlet writing the stream descriptor followed
// by one JSON line per sample to w.
func NewWriterOutlet(w io.Writer, info domain.StreamInfo) (Outlet, error) {
	enc := json.NewEncoder(w)
	if err := enc.Encode(info); err != nil {
		return nil, fmt.Errorf("failed to write stream descriptor: %w", err)
	}
	return &writerOutlet{w: w, enc: enc, info: info}, nil
}

func (o *writerOutlet) PushSample(sample []float64, timestamp float64) error {
	if len(sample) != o.info.ChannelCount {
		return fmt.Errorf("sample has %d values, stream has %d channels", len(sample), o.info.ChannelCount)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	return o.enc.Encode(writerRecord{Timestamp: timestamp, Sample: sample})
}

func (o *writerOutlet) PushChunk(samples [][]float64, timestamp float64) error {
	// Samples within a chunk are nominally one sample period apart.
	period := 1.0 / o.info.NominalSrate

	for i, sample := range samples {
		if err := o.PushSample(sample, timestamp+float64(i)*period); err != nil {
			return err
		}
	}

	return nil
}

func (o *writerOutlet) Close() error {
	return nil
}
