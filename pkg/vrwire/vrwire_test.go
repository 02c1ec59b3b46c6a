package vrwire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCounter_IncrementSkipsZero(t *testing.T) {
	v := VersionCounter(0xffffffff)
	v.Increment()
	assert.Equal(t, VersionCounter(1), v, "wraparound must skip the reserved zero value")

	v = Unsent
	v.Increment()
	assert.Equal(t, VersionCounter(1), v)
}

func TestVersionCounter_Outdates(t *testing.T) {
	var v VersionCounter
	v.Increment()
	assert.True(t, v.Outdates(Unsent), "any real version outdates an unsent cursor")
	assert.False(t, v.Outdates(v))
}

func TestVersionCounter_MonotoneUnderMutation(t *testing.T) {
	var v VersionCounter
	for i := 0; i < 1000; i++ {
		v.Increment()
		assert.NotEqual(t, Unsent, v)
	}
}

func TestSinkSource_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(&buf)
	sink.PutUint8(0xab)
	sink.PutBool(true)
	sink.PutBool(false)
	sink.PutUint16(0x1234)
	sink.PutUint32(0xdeadbeef)
	sink.PutInt32(-42)
	sink.PutFloat32(3.25)
	sink.PutFloat32s([]float32{1, -2, 0.5})
	sink.PutKind(HMDEyeRotationUpdate)
	require.NoError(t, sink.Flush())

	src := NewSource(&buf)
	assert.Equal(t, uint8(0xab), src.GetUint8())
	assert.True(t, src.GetBool())
	assert.False(t, src.GetBool())
	assert.Equal(t, uint16(0x1234), src.GetUint16())
	assert.Equal(t, uint32(0xdeadbeef), src.GetUint32())
	assert.Equal(t, int32(-42), src.GetInt32())
	assert.Equal(t, float32(3.25), src.GetFloat32())
	fs := make([]float32, 3)
	src.GetFloat32s(fs)
	assert.Equal(t, []float32{1, -2, 0.5}, fs)
	assert.Equal(t, HMDEyeRotationUpdate, src.GetKind())
	require.NoError(t, src.Err())
}

func TestSource_ShortReadIsSticky(t *testing.T) {
	src := NewSource(bytes.NewReader([]byte{0x01}))
	src.GetUint32()
	require.Error(t, src.Err())
	assert.Equal(t, uint32(0), src.GetUint32(), "reads after an error return zero values")
}

func TestUpdateFlags_KindRoundTrip(t *testing.T) {
	f := FlagEyePos | FlagDistortionMesh
	kind := f.Kind()
	assert.True(t, kind.IsConfigUpdate())
	assert.Equal(t, f, kind.Flags())
	assert.True(t, kind.Flags().EyePos())
	assert.False(t, kind.Flags().Eye())
	assert.True(t, kind.Flags().DistortionMesh())

	assert.True(t, HMDConfigUpdate.IsConfigUpdate())
	assert.True(t, HMDConfigUpdate.Flags().Empty())
	assert.False(t, HMDEyeRotationUpdate.IsConfigUpdate())
	assert.False(t, PacketReply.IsConfigUpdate())
}
