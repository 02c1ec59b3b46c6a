package device

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrui-vr/vrdeviced/pkg/vrwire"
)

// encodeUpdate runs one WriteUpdate and hands back the decoded message kind,
// a source positioned at the body, and the advanced cursor.
func encodeUpdate(t *testing.T, c *HMDConfiguration, cursor HMDVersions) (vrwire.MessageKind, *vrwire.Source, HMDVersions) {
	t.Helper()
	var buf bytes.Buffer
	sink := vrwire.NewSink(&buf)
	next := c.WriteUpdate(cursor, sink)
	require.NoError(t, sink.Flush())
	src := vrwire.NewSource(&buf)
	return src.GetKind(), src, next
}

func TestHMD_FirstEncodeIsFullSnapshot(t *testing.T) {
	c := NewHMDConfiguration(3)
	c.SetDistortionMeshSize(2, 2)

	kind, _, next := encodeUpdate(t, c, HMDVersions{})
	require.True(t, kind.IsConfigUpdate())
	flags := kind.Flags()
	assert.True(t, flags.EyePos(), "fresh cursor must receive every group")
	assert.True(t, flags.Eye())
	assert.True(t, flags.DistortionMesh())
	assert.Equal(t, c.Versions().EyePos, next.EyePos)
	assert.Equal(t, c.Versions().Eye, next.Eye)
	assert.Equal(t, c.Versions().DistortionMesh, next.DistortionMesh)
}

func TestHMD_DifferentialIdempotence(t *testing.T) {
	c := NewHMDConfiguration(0)
	_, _, cursor := encodeUpdate(t, c, HMDVersions{})

	kind, src, _ := encodeUpdate(t, c, cursor)
	assert.True(t, kind.Flags().Empty(), "second encode without mutation is header-only")

	// Header-only message still carries the fixed fields.
	assert.Equal(t, uint16(0), src.GetUint16())
	assert.Equal(t, uint16(0xffff), src.GetUint16())
	assert.Equal(t, int32(0), src.GetInt32())
	require.NoError(t, src.Err())
}

func TestHMD_SelectiveDelivery(t *testing.T) {
	c := NewHMDConfiguration(0)
	_, _, cursor := encodeUpdate(t, c, HMDVersions{})
	cursor = fullSyncEyeRot(c, cursor)

	c.SetEyeFov(0, [4]float32{-1, 1, -1, 1})

	kind, _, next := encodeUpdate(t, c, cursor)
	flags := kind.Flags()
	assert.False(t, flags.EyePos())
	assert.True(t, flags.Eye())
	assert.False(t, flags.DistortionMesh())
	assert.Equal(t, cursor.EyePos, next.EyePos, "untouched cursors keep their value")
	assert.Equal(t, cursor.DistortionMesh, next.DistortionMesh)
}

func fullSyncEyeRot(c *HMDConfiguration, cursor HMDVersions) HMDVersions {
	cursor.EyeRot = c.Versions().EyeRot
	return cursor
}

func TestHMD_EyeRotationFastPath(t *testing.T) {
	c := NewHMDConfiguration(7)
	_, _, cursor := encodeUpdate(t, c, HMDVersions{})
	cursor = fullSyncEyeRot(c, cursor)

	rot := [4]float32{0, 0.1, 0, 0.9949874}
	c.SetEyeRotation(0, rot)
	c.SetEyeRotation(1, rot)

	// The bulk update must stay clean: rotation travels on its own message.
	kind, _, _ := encodeUpdate(t, c, cursor)
	assert.True(t, kind.Flags().Empty())
	assert.True(t, c.Versions().EyeRot.Outdates(cursor.EyeRot))

	var buf bytes.Buffer
	sink := vrwire.NewSink(&buf)
	next := c.WriteEyeRotation(cursor, sink)
	require.NoError(t, sink.Flush())
	assert.Equal(t, c.Versions().EyeRot, next.EyeRot)

	src := vrwire.NewSource(&buf)
	require.Equal(t, vrwire.HMDEyeRotationUpdate, src.GetKind())

	peer := NewHMDConfiguration(0)
	beforeRot := peer.Versions().EyeRot
	beforePos := peer.Versions().EyePos
	require.NoError(t, peer.ReadEyeRotation(src))
	assert.Equal(t, rot, peer.EyeRotation(0))
	assert.Equal(t, rot, peer.EyeRotation(1))
	assert.True(t, peer.Versions().EyeRot.Outdates(beforeRot), "decode bumps the rotation version")
	assert.Equal(t, beforePos, peer.Versions().EyePos, "decode touches no other group")
}

func TestHMD_WireRoundTrip(t *testing.T) {
	c := NewHMDConfiguration(2)
	c.SetFaceDetectorButtonIndex(5)
	c.SetDisplayLatency(11111)
	c.SetEyePosition(0, [3]float32{-0.032, 0, 0})
	c.SetEyePosition(1, [3]float32{0.032, 0, 0})
	c.SetEyeFov(0, [4]float32{-1.2, 1.0, -1.1, 1.1})
	c.SetEyeFov(1, [4]float32{-1.0, 1.2, -1.1, 1.1})
	c.SetRenderTargetSize(1440, 1600)
	c.SetViewport(0, [4]uint32{0, 0, 1440, 1600})
	c.SetViewport(1, [4]uint32{1440, 0, 1440, 1600})
	c.SetDistortionMeshSize(3, 3)
	mesh := c.DistortionMesh(1)
	mesh[4] = MeshVertex{Red: [2]float32{0.1, 0.2}, Green: [2]float32{0.3, 0.4}, Blue: [2]float32{0.5, 0.6}}
	c.MeshUpdated()

	kind, src, _ := encodeUpdate(t, c, HMDVersions{})

	peer := NewHMDConfiguration(0)
	require.NoError(t, peer.ReadUpdate(kind.Flags(), src))

	assert.Equal(t, uint16(2), peer.TrackerIndex())
	assert.Equal(t, uint16(5), peer.FaceDetectorButtonIndex())
	assert.Equal(t, int32(11111), peer.DisplayLatency())
	assert.Equal(t, c.EyePosition(0), peer.EyePosition(0))
	assert.Equal(t, c.EyePosition(1), peer.EyePosition(1))
	assert.InDelta(t, 0.064, float64(peer.IPD()), 1e-6)
	assert.Equal(t, c.EyeFov(0), peer.EyeFov(0))
	assert.Equal(t, c.EyeFov(1), peer.EyeFov(1))
	assert.Equal(t, [2]uint32{1440, 1600}, peer.RenderTargetSize())
	assert.Equal(t, c.Viewport(0), peer.Viewport(0))
	assert.Equal(t, c.Viewport(1), peer.Viewport(1))
	assert.Equal(t, [2]uint32{3, 3}, peer.DistortionMeshSize())
	assert.Equal(t, mesh[4], peer.DistortionMesh(1)[4])
}

func TestHMD_MeshResizeScenario(t *testing.T) {
	c := NewHMDConfiguration(0)
	require.Equal(t, [2]uint32{0, 0}, c.DistortionMeshSize())
	before := c.Versions().DistortionMesh

	c.SetDistortionMeshSize(3, 3)

	assert.True(t, c.Versions().DistortionMesh.Outdates(before), "resize bumps the mesh version")
	for eye := 0; eye < 2; eye++ {
		mesh := c.DistortionMesh(eye)
		require.Len(t, mesh, 9, "eye %d", eye)
		for i, v := range mesh {
			assert.Equal(t, MeshVertex{}, v, "eye %d vertex %d must be reset to the origin", eye, i)
		}
	}

	// Same size again is a no-op.
	after := c.Versions().DistortionMesh
	c.SetDistortionMeshSize(3, 3)
	assert.Equal(t, after, c.Versions().DistortionMesh)
}

func TestHMD_DecodeReallocatesOnSizeChange(t *testing.T) {
	src := NewHMDConfiguration(0)
	src.SetDistortionMeshSize(2, 2)

	dst := NewHMDConfiguration(0)
	dst.SetDistortionMeshSize(4, 4)

	kind, body, _ := encodeUpdate(t, src, HMDVersions{})
	require.NoError(t, dst.ReadUpdate(kind.Flags(), body))
	assert.Equal(t, [2]uint32{2, 2}, dst.DistortionMeshSize())
	assert.Len(t, dst.DistortionMesh(0), 4)
}

func TestHMD_DecodeRejectsHugeMesh(t *testing.T) {
	var buf bytes.Buffer
	sink := vrwire.NewSink(&buf)
	sink.PutUint16(0)
	sink.PutUint16(0xffff)
	sink.PutInt32(0)
	sink.PutUint32(100) // render target
	sink.PutUint32(100)
	sink.PutUint32(1 << 20) // absurd mesh dimensions
	sink.PutUint32(1 << 20)
	require.NoError(t, sink.Flush())

	c := NewHMDConfiguration(0)
	err := c.ReadUpdate(vrwire.FlagDistortionMesh, vrwire.NewSource(&buf))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestHMD_VersionWraparound(t *testing.T) {
	c := NewHMDConfiguration(0)
	// The counter must never land on the reserved zero; the wrap itself is
	// covered by the vrwire counter tests.
	for i := 0; i < 5; i++ {
		c.SetEyePosition(0, [3]float32{float32(i), 0, 0})
		assert.NotEqual(t, vrwire.Unsent, c.Versions().EyePos)
	}
}
