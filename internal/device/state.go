// Package device holds the daemon-owned device state model: the flat
// tracker/button/valuator state block, the per-HMD configuration with its
// versioned wire groups, and the manager that lets configured drivers mutate
// both from inside the dispatcher loop.
package device

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/vrui-vr/vrdeviced/pkg/vrwire"
)

// TimeStamp is a wrapping tracker sample time in microseconds.
type TimeStamp int32

// TrackerState is one tracker's 6-DOF sample: position, orientation
// quaternion (x, y, z, w) and first derivatives.
type TrackerState struct {
	Position        [3]float32
	Orientation     [4]float32
	LinearVelocity  [3]float32
	AngularVelocity [3]float32
}

const trackerStateFloats = 13

// State is a fixed-shape snapshot of all trackers, buttons and valuators
// managed by the daemon. It performs no locking; all access must happen on
// the dispatcher goroutine or on a private copy.
type State struct {
	trackers          []TrackerState
	trackerTimeStamps []TimeStamp
	trackerValids     []bool
	buttons           []bool
	valuators         []float32
}

// NewState creates a state block with the given layout. All entries start
// zeroed and all trackers start invalid.
func NewState(numTrackers, numButtons, numValuators int) *State {
	s := &State{}
	s.SetLayout(numTrackers, numButtons, numValuators)
	return s
}

// SetLayout reallocates all backing storage for the given counts. Previous
// contents are discarded.
func (s *State) SetLayout(numTrackers, numButtons, numValuators int) {
	s.trackers = make([]TrackerState, numTrackers)
	s.trackerTimeStamps = make([]TimeStamp, numTrackers)
	s.trackerValids = make([]bool, numTrackers)
	s.buttons = make([]bool, numButtons)
	s.valuators = make([]float32, numValuators)
}

// NumTrackers returns the tracker count of the current layout.
func (s *State) NumTrackers() int { return len(s.trackers) }

// NumButtons returns the button count of the current layout.
func (s *State) NumButtons() int { return len(s.buttons) }

// NumValuators returns the valuator count of the current layout.
func (s *State) NumValuators() int { return len(s.valuators) }

// SetTracker stores one tracker sample with its time stamp and marks the
// tracker valid.
func (s *State) SetTracker(i int, ts TrackerState, t TimeStamp) {
	s.trackers[i] = ts
	s.trackerTimeStamps[i] = t
	s.trackerValids[i] = true
}

// InvalidateTracker marks a tracker's current sample as stale, e.g. after
// its driver loses sight of it.
func (s *State) InvalidateTracker(i int) {
	s.trackerValids[i] = false
}

// Tracker returns tracker i's sample, its time stamp, and its valid flag.
func (s *State) Tracker(i int) (TrackerState, TimeStamp, bool) {
	return s.trackers[i], s.trackerTimeStamps[i], s.trackerValids[i]
}

// SetButton stores one button state.
func (s *State) SetButton(i int, pressed bool) { s.buttons[i] = pressed }

// Button returns button i's state.
func (s *State) Button(i int) bool { return s.buttons[i] }

// SetValuator stores one valuator value.
func (s *State) SetValuator(i int, v float32) { s.valuators[i] = v }

// Valuator returns valuator i's value.
func (s *State) Valuator(i int) float32 { return s.valuators[i] }

// WriteLayout writes the layout header preceding any state stream.
func (s *State) WriteLayout(sink *vrwire.Sink) {
	sink.PutUint32(uint32(len(s.trackers)))
	sink.PutUint32(uint32(len(s.buttons)))
	sink.PutUint32(uint32(len(s.valuators)))
}

// ReadLayout reads a layout header and reallocates storage to match it.
func (s *State) ReadLayout(src *vrwire.Source) error {
	numTrackers := src.GetUint32()
	numButtons := src.GetUint32()
	numValuators := src.GetUint32()
	if err := src.Err(); err != nil {
		return fmt.Errorf("read state layout: %w", err)
	}
	const maxLayout = 1 << 16
	if numTrackers > maxLayout || numButtons > maxLayout || numValuators > maxLayout {
		return fmt.Errorf("state layout out of range: %d/%d/%d", numTrackers, numButtons, numValuators)
	}
	s.SetLayout(int(numTrackers), int(numButtons), int(numValuators))
	return nil
}

func putTrackerState(sink *vrwire.Sink, ts *TrackerState) {
	sink.PutFloat32s(ts.Position[:])
	sink.PutFloat32s(ts.Orientation[:])
	sink.PutFloat32s(ts.LinearVelocity[:])
	sink.PutFloat32s(ts.AngularVelocity[:])
}

func getTrackerState(src *vrwire.Source, ts *TrackerState) {
	src.GetFloat32s(ts.Position[:])
	src.GetFloat32s(ts.Orientation[:])
	src.GetFloat32s(ts.LinearVelocity[:])
	src.GetFloat32s(ts.AngularVelocity[:])
}

// Write streams the state block. Time stamps and valid flags can be elided
// for consumers that do not need them; both sides must agree on the choice.
// The layout itself is not written; the peer learned it from the connect
// handshake.
func (s *State) Write(sink *vrwire.Sink, includeTimeStamps, includeValids bool) {
	for i := range s.trackers {
		putTrackerState(sink, &s.trackers[i])
	}
	for i := range s.buttons {
		sink.PutBool(s.buttons[i])
	}
	for i := range s.valuators {
		sink.PutFloat32(s.valuators[i])
	}
	if includeTimeStamps {
		for i := range s.trackerTimeStamps {
			sink.PutInt32(int32(s.trackerTimeStamps[i]))
		}
	}
	if includeValids {
		for i := range s.trackerValids {
			sink.PutBool(s.trackerValids[i])
		}
	}
}

// Read streams the state block in, using the current layout. Elision flags
// must match the writer's. Elided time stamps are left unchanged; elided
// valid flags are forced to true, since a writer that skips them only sends
// valid samples.
func (s *State) Read(src *vrwire.Source, includeTimeStamps, includeValids bool) error {
	for i := range s.trackers {
		getTrackerState(src, &s.trackers[i])
	}
	for i := range s.buttons {
		s.buttons[i] = src.GetBool()
	}
	for i := range s.valuators {
		s.valuators[i] = src.GetFloat32()
	}
	if includeTimeStamps {
		for i := range s.trackerTimeStamps {
			s.trackerTimeStamps[i] = TimeStamp(src.GetInt32())
		}
	}
	if includeValids {
		for i := range s.trackerValids {
			s.trackerValids[i] = src.GetBool()
		}
	} else {
		for i := range s.trackerValids {
			s.trackerValids[i] = true
		}
	}
	if err := src.Err(); err != nil {
		return fmt.Errorf("read device state: %w", err)
	}
	return nil
}

// BlockSize returns the size in bytes of the fixed block representation for
// the current layout.
func (s *State) BlockSize() int {
	n := len(s.trackers) * (trackerStateFloats*4 + 4 + 1)
	n += len(s.buttons)
	n += len(s.valuators) * 4
	return n
}

// MarshalBlock copies the entire state into buf, which must be at least
// BlockSize bytes. This is the single-copy path for same-host shared-memory
// consumers; unlike Write it always includes time stamps and valid flags.
func (s *State) MarshalBlock(buf []byte) error {
	if len(buf) < s.BlockSize() {
		return fmt.Errorf("state block: buffer too small: %d < %d", len(buf), s.BlockSize())
	}
	o := 0
	put32 := func(v uint32) {
		binary.LittleEndian.PutUint32(buf[o:], v)
		o += 4
	}
	for i := range s.trackers {
		ts := &s.trackers[i]
		for _, f := range ts.Position {
			put32(math.Float32bits(f))
		}
		for _, f := range ts.Orientation {
			put32(math.Float32bits(f))
		}
		for _, f := range ts.LinearVelocity {
			put32(math.Float32bits(f))
		}
		for _, f := range ts.AngularVelocity {
			put32(math.Float32bits(f))
		}
		put32(uint32(s.trackerTimeStamps[i]))
		if s.trackerValids[i] {
			buf[o] = 1
		} else {
			buf[o] = 0
		}
		o++
	}
	for i := range s.buttons {
		if s.buttons[i] {
			buf[o] = 1
		} else {
			buf[o] = 0
		}
		o++
	}
	for i := range s.valuators {
		put32(math.Float32bits(s.valuators[i]))
	}
	return nil
}

// UnmarshalBlock copies a block produced by MarshalBlock for the same
// layout back into the state.
func (s *State) UnmarshalBlock(buf []byte) error {
	if len(buf) < s.BlockSize() {
		return fmt.Errorf("state block: buffer too small: %d < %d", len(buf), s.BlockSize())
	}
	o := 0
	get32 := func() uint32 {
		v := binary.LittleEndian.Uint32(buf[o:])
		o += 4
		return v
	}
	for i := range s.trackers {
		ts := &s.trackers[i]
		for j := range ts.Position {
			ts.Position[j] = math.Float32frombits(get32())
		}
		for j := range ts.Orientation {
			ts.Orientation[j] = math.Float32frombits(get32())
		}
		for j := range ts.LinearVelocity {
			ts.LinearVelocity[j] = math.Float32frombits(get32())
		}
		for j := range ts.AngularVelocity {
			ts.AngularVelocity[j] = math.Float32frombits(get32())
		}
		s.trackerTimeStamps[i] = TimeStamp(get32())
		s.trackerValids[i] = buf[o] != 0
		o++
	}
	for i := range s.buttons {
		s.buttons[i] = buf[o] != 0
		o++
	}
	for i := range s.valuators {
		s.valuators[i] = math.Float32frombits(get32())
	}
	return nil
}
