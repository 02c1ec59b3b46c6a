package device

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrui-vr/vrdeviced/pkg/vrwire"
)

func sampleState(t *testing.T) *State {
	t.Helper()
	s := NewState(2, 3, 2)
	s.SetTracker(0, TrackerState{
		Position:        [3]float32{1, 2, 3},
		Orientation:     [4]float32{0, 0.7071, 0, 0.7071},
		LinearVelocity:  [3]float32{0.1, -0.2, 0.3},
		AngularVelocity: [3]float32{0, 1, 0},
	}, 12345)
	s.SetTracker(1, TrackerState{
		Position:    [3]float32{-4, 5, -6},
		Orientation: [4]float32{0, 0, 0, 1},
	}, -777)
	s.InvalidateTracker(1)
	s.SetButton(0, true)
	s.SetButton(2, true)
	s.SetValuator(0, 0.5)
	s.SetValuator(1, -1)
	return s
}

func assertStatesEqual(t *testing.T, want, got *State) {
	t.Helper()
	require.Equal(t, want.NumTrackers(), got.NumTrackers())
	for i := 0; i < want.NumTrackers(); i++ {
		wts, wt, wv := want.Tracker(i)
		gts, gt, gv := got.Tracker(i)
		assert.Equal(t, wts, gts, "tracker %d state", i)
		assert.Equal(t, wt, gt, "tracker %d time stamp", i)
		assert.Equal(t, wv, gv, "tracker %d valid flag", i)
	}
	for i := 0; i < want.NumButtons(); i++ {
		assert.Equal(t, want.Button(i), got.Button(i), "button %d", i)
	}
	for i := 0; i < want.NumValuators(); i++ {
		assert.Equal(t, want.Valuator(i), got.Valuator(i), "valuator %d", i)
	}
}

func TestState_StreamRoundTrip(t *testing.T) {
	s := sampleState(t)

	var buf bytes.Buffer
	sink := vrwire.NewSink(&buf)
	s.Write(sink, true, true)
	require.NoError(t, sink.Flush())

	out := NewState(2, 3, 2)
	require.NoError(t, out.Read(vrwire.NewSource(&buf), true, true))
	assertStatesEqual(t, s, out)
}

func TestState_StreamRoundTrip_Elided(t *testing.T) {
	s := sampleState(t)

	var buf bytes.Buffer
	sink := vrwire.NewSink(&buf)
	s.Write(sink, false, false)
	require.NoError(t, sink.Flush())

	out := NewState(2, 3, 2)
	require.NoError(t, out.Read(vrwire.NewSource(&buf), false, false))

	ts, stamp, valid := out.Tracker(1)
	wantTS, _, _ := s.Tracker(1)
	assert.Equal(t, wantTS, ts)
	assert.Equal(t, TimeStamp(0), stamp, "elided time stamps stay zero")
	assert.True(t, valid, "elided valid flags default to true")
}

func TestState_LayoutRoundTrip(t *testing.T) {
	s := NewState(5, 7, 3)
	var buf bytes.Buffer
	sink := vrwire.NewSink(&buf)
	s.WriteLayout(sink)
	require.NoError(t, sink.Flush())

	out := &State{}
	require.NoError(t, out.ReadLayout(vrwire.NewSource(&buf)))
	assert.Equal(t, 5, out.NumTrackers())
	assert.Equal(t, 7, out.NumButtons())
	assert.Equal(t, 3, out.NumValuators())
}

func TestState_SetLayoutDiscardsContents(t *testing.T) {
	s := sampleState(t)
	s.SetLayout(1, 1, 1)
	assert.Equal(t, 1, s.NumTrackers())
	_, _, valid := s.Tracker(0)
	assert.False(t, valid)
	assert.False(t, s.Button(0))
	assert.Equal(t, float32(0), s.Valuator(0))
}

func TestState_BlockRoundTrip(t *testing.T) {
	s := sampleState(t)
	buf := make([]byte, s.BlockSize())
	require.NoError(t, s.MarshalBlock(buf))

	out := NewState(2, 3, 2)
	require.NoError(t, out.UnmarshalBlock(buf))
	assertStatesEqual(t, s, out)
}

func TestState_BlockBufferTooSmall(t *testing.T) {
	s := sampleState(t)
	err := s.MarshalBlock(make([]byte, s.BlockSize()-1))
	require.Error(t, err)
	err = s.UnmarshalBlock(make([]byte, s.BlockSize()-1))
	require.Error(t, err)
}
