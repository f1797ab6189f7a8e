package sequencer

import (
	"fmt"
	"sort"

	"github.com/jzerfowski/fieldline-lsl/domain"
	"github.com/jzerfowski/fieldline-lsl/internal/pkg/infrastructure/fieldline"
)

// States maps every known sensor to its lifecycle state. The mapping is
// owned by the sequencer; Transition never mutates its input.
type States map[domain.SensorID]domain.LifecycleState

// ErrSensorLost is returned when the hardware reports an error for a sensor
// that was part of the selected batch. The whole initialization aborts,
// because the chassis batch can no longer reach completion.
type ErrSensorLost struct {
	Sensor domain.SensorID
	Cause  error
}

func (e ErrSensorLost) Error() string {
	return fmt.Sprintf("sensor %s lost during initialization: %v", e.Sensor, e.Cause)
}

type CommandKind int

const (
	CmdRestart CommandKind = iota
	CmdCoarseZero
	CmdFineZero
	CmdTurnOff
)

func (k CommandKind) String() string {
	switch k {
	case CmdRestart:
		return "restart"
	case CmdCoarseZero:
		return "coarse-zero"
	case CmdFineZero:
		return "fine-zero"
	case CmdTurnOff:
		return "turn-off"
	}
	return "unknown"
}

// Command is a batched hardware operation unlocked by a transition. Sensors
// is sorted, and every sensor in it belongs to ChassisID.
type Command struct {
	Kind      CommandKind
	ChassisID int
	Sensors   []int
}

// Config selects which sensors take part and which stages run.
type Config struct {
	// Expected is the sensor allow-list. Nil accepts every discovered
	// sensor; sensors outside a non-nil set are powered off and excluded.
	Expected map[domain.SensorID]struct{}
	// SkipRestart marks sensors as already restarted instead of issuing the
	// restart operation, so zeroing starts immediately.
	SkipRestart bool
	// SkipZeroing marks sensors as fine-zeroed as soon as they are
	// restarted, skipping both zeroing passes.
	SkipZeroing bool
}

func (c Config) wants(id domain.SensorID) bool {
	if c.Expected == nil {
		return true
	}
	_, ok := c.Expected[id]
	return ok
}

// Transition applies one hardware event to the lifecycle mapping and returns
// the updated mapping together with the batch commands the event unlocked.
// A chassis batch only advances once every selected sensor on that chassis
// has completed the previous stage.
func Transition(states States, ev fieldline.Event, cfg Config) (States, []Command, error) {
	next := states.clone()
	var cmds []Command

	switch ev.Kind {
	case fieldline.SensorsAvailable:
		var selected, rejected []int
		for _, sensorID := range ev.Sensors {
			id := domain.SensorID{ChassisID: ev.ChassisID, SensorID: sensorID}
			if _, known := next[id]; known {
				continue
			}
			if cfg.wants(id) {
				next[id] = domain.Selected
				selected = append(selected, sensorID)
			} else {
				next[id] = domain.Excluded
				rejected = append(rejected, sensorID)
			}
		}

		if len(rejected) > 0 {
			sort.Ints(rejected)
			cmds = append(cmds, Command{Kind: CmdTurnOff, ChassisID: ev.ChassisID, Sensors: rejected})
		}

		if len(selected) > 0 {
			if cfg.SkipRestart {
				target := domain.Restarted
				if cfg.SkipZeroing {
					target = domain.FineZeroed
				}
				for _, sensorID := range selected {
					next[domain.SensorID{ChassisID: ev.ChassisID, SensorID: sensorID}] = target
				}
				cmds = append(cmds, gate(next, ev.ChassisID, cfg)...)
			} else {
				sort.Ints(selected)
				cmds = append(cmds, Command{Kind: CmdRestart, ChassisID: ev.ChassisID, Sensors: selected})
			}
		}

	case fieldline.RestartComplete:
		id := domain.SensorID{ChassisID: ev.ChassisID, SensorID: ev.SensorID}
		if next[id] != domain.Selected {
			break
		}
		if cfg.SkipZeroing {
			next[id] = domain.FineZeroed
		} else {
			next[id] = domain.Restarted
		}
		cmds = append(cmds, gate(next, ev.ChassisID, cfg)...)

	case fieldline.CoarseZeroComplete:
		id := domain.SensorID{ChassisID: ev.ChassisID, SensorID: ev.SensorID}
		if next[id] != domain.Restarted {
			break
		}
		next[id] = domain.CoarseZeroed
		cmds = append(cmds, gate(next, ev.ChassisID, cfg)...)

	case fieldline.FineZeroComplete:
		id := domain.SensorID{ChassisID: ev.ChassisID, SensorID: ev.SensorID}
		if next[id] != domain.CoarseZeroed {
			break
		}
		next[id] = domain.FineZeroed

	case fieldline.SensorError:
		id := domain.SensorID{ChassisID: ev.ChassisID, SensorID: ev.SensorID}
		if st, known := next[id]; known && st != domain.Excluded {
			return states, nil, ErrSensorLost{Sensor: id, Cause: ev.Err}
		}

	case fieldline.ChassisDisconnected:
		// A disconnected chassis takes its selected sensors with it, so the
		// batch can never complete.
		for id, st := range next {
			if id.ChassisID == ev.ChassisID && st != domain.Excluded && st != domain.FineZeroed {
				return states, nil, ErrSensorLost{Sensor: id, Cause: fmt.Errorf("chassis %d disconnected", ev.ChassisID)}
			}
		}
	}

	return next, cmds, nil
}

// gate emits the next batched operation for a chassis only when every one
// of its selected sensors sits exactly at the gating stage, i.e. the
// completed set equals the selected set. A partial completion emits nothing,
// so a batch whose operation is already in flight is never re-issued.
func gate(states States, chassisID int, cfg Config) []Command {
	if cfg.SkipZeroing {
		return nil
	}

	if batch := states.chassisAllAt(chassisID, domain.Restarted); len(batch) > 0 {
		return []Command{{Kind: CmdCoarseZero, ChassisID: chassisID, Sensors: batch}}
	}

	if batch := states.chassisAllAt(chassisID, domain.CoarseZeroed); len(batch) > 0 {
		return []Command{{Kind: CmdFineZero, ChassisID: chassisID, Sensors: batch}}
	}

	return nil
}

func (s States) clone() States {
	next := make(States, len(s))
	for id, st := range s {
		next[id] = st
	}
	return next
}

// chassisAllAt returns the sorted sensor ids on a chassis when every
// non-excluded sensor there sits exactly at the given stage, nil otherwise.
func (s States) chassisAllAt(chassisID int, stage domain.LifecycleState) []int {
	var ids []int
	for id, st := range s {
		if id.ChassisID != chassisID || st == domain.Excluded {
			continue
		}
		if st != stage {
			return nil
		}
		ids = append(ids, id.SensorID)
	}
	sort.Ints(ids)
	return ids
}

// Selected returns the number of sensors taking part in initialization.
func (s States) Selected() int {
	n := 0
	for _, st := range s {
		if st != domain.Excluded {
			n++
		}
	}
	return n
}

// Done reports whether initialization has finished: at least one sensor was
// selected and every selected sensor is fine-zeroed.
func (s States) Done() bool {
	done := false
	for _, st := range s {
		if st == domain.Excluded {
			continue
		}
		if st != domain.FineZeroed {
			return false
		}
		done = true
	}
	return done
}
