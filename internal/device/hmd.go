package device

import (
	"fmt"
	"math"

	"github.com/vrui-vr/vrdeviced/pkg/vrwire"
)

// MeshVertex is one distortion-mesh vertex: a corrected 2D position per
// color channel, to model chromatic aberration.
type MeshVertex struct {
	Red   [2]float32
	Green [2]float32
	Blue  [2]float32
}

// maxMeshDim bounds decoded mesh dimensions so a malformed message cannot
// force a huge allocation. 256x256 is far beyond any real lens mesh.
const maxMeshDim = 256

// HMDVersions is one peer's cursor into an HMD configuration: the version
// of each group it is known to have received. The zero value (all groups
// vrwire.Unsent) forces a full snapshot.
type HMDVersions struct {
	EyePos         vrwire.VersionCounter
	EyeRot         vrwire.VersionCounter
	Eye            vrwire.VersionCounter
	DistortionMesh vrwire.VersionCounter
}

// HMDConfiguration is the per-HMD display configuration. Its state is split
// into four independently versioned groups so that rarely changing bulky
// data (the distortion mesh) is never resent just because the eye rotation
// moved:
//
//	eyePos         - per-eye position relative to the head tracker
//	eyeRot         - per-eye rotation quaternion (own fast-path message)
//	eye            - per-eye FOV parameters
//	distortionMesh - render target size, mesh size, per-eye viewport + mesh
//
// The fixed header (tracker index, face detector button, display latency) is
// carried by every update message and is not versioned.
type HMDConfiguration struct {
	trackerIndex            uint16
	faceDetectorButtonIndex uint16
	displayLatency          int32 // nanoseconds

	eyePos             [2][3]float32
	eyeRot             [2][4]float32
	eyeFov             [2][4]float32 // left, right, bottom, top tangents
	viewports          [2][4]uint32  // x, y, width, height
	renderTargetSize   [2]uint32
	distortionMeshSize [2]uint32
	meshes             [2][]MeshVertex

	eyePosVersion         vrwire.VersionCounter
	eyeRotVersion         vrwire.VersionCounter
	eyeVersion            vrwire.VersionCounter
	distortionMeshVersion vrwire.VersionCounter
}

// NewHMDConfiguration creates a configuration for an HMD attached to the
// given tracker. All version counters start at 1 so that a fresh peer cursor
// (all Unsent) immediately compares as outdated.
func NewHMDConfiguration(trackerIndex uint16) *HMDConfiguration {
	c := &HMDConfiguration{
		trackerIndex:            trackerIndex,
		faceDetectorButtonIndex: 0xffff,
	}
	c.eyeRot = [2][4]float32{{0, 0, 0, 1}, {0, 0, 0, 1}}
	c.eyePosVersion.Increment()
	c.eyeRotVersion.Increment()
	c.eyeVersion.Increment()
	c.distortionMeshVersion.Increment()
	return c
}

// TrackerIndex returns the index of the head tracker this HMD follows.
func (c *HMDConfiguration) TrackerIndex() uint16 { return c.trackerIndex }

// SetFaceDetectorButtonIndex sets the button index reporting the proximity
// sensor, 0xffff if the HMD has none. Header field, not versioned.
func (c *HMDConfiguration) SetFaceDetectorButtonIndex(i uint16) {
	c.faceDetectorButtonIndex = i
}

// FaceDetectorButtonIndex returns the proximity sensor button index.
func (c *HMDConfiguration) FaceDetectorButtonIndex() uint16 { return c.faceDetectorButtonIndex }

// SetDisplayLatency sets the display latency in nanoseconds. Header field,
// not versioned.
func (c *HMDConfiguration) SetDisplayLatency(ns int32) { c.displayLatency = ns }

// DisplayLatency returns the display latency in nanoseconds.
func (c *HMDConfiguration) DisplayLatency() int32 { return c.displayLatency }

// SetEyePosition sets one eye's position relative to the head tracker.
func (c *HMDConfiguration) SetEyePosition(eye int, pos [3]float32) {
	c.eyePos[eye] = pos
	c.eyePosVersion.Increment()
}

// EyePosition returns one eye's position.
func (c *HMDConfiguration) EyePosition(eye int) [3]float32 { return c.eyePos[eye] }

// IPD returns the inter-pupillary distance derived from the two eye
// positions.
func (c *HMDConfiguration) IPD() float32 {
	var sum float64
	for i := 0; i < 3; i++ {
		d := float64(c.eyePos[1][i] - c.eyePos[0][i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}

// SetEyeRotation sets one eye's rotation quaternion (x, y, z, w).
func (c *HMDConfiguration) SetEyeRotation(eye int, rot [4]float32) {
	c.eyeRot[eye] = rot
	c.eyeRotVersion.Increment()
}

// EyeRotation returns one eye's rotation quaternion.
func (c *HMDConfiguration) EyeRotation(eye int) [4]float32 { return c.eyeRot[eye] }

// SetEyeFov sets one eye's field of view as left/right/bottom/top tangents.
func (c *HMDConfiguration) SetEyeFov(eye int, fov [4]float32) {
	c.eyeFov[eye] = fov
	c.eyeVersion.Increment()
}

// EyeFov returns one eye's field of view.
func (c *HMDConfiguration) EyeFov(eye int) [4]float32 { return c.eyeFov[eye] }

// SetViewport sets one eye's render target viewport. The viewport travels
// with the distortion mesh group on the wire.
func (c *HMDConfiguration) SetViewport(eye int, vp [4]uint32) {
	c.viewports[eye] = vp
	c.distortionMeshVersion.Increment()
}

// Viewport returns one eye's viewport.
func (c *HMDConfiguration) Viewport(eye int) [4]uint32 { return c.viewports[eye] }

// SetRenderTargetSize sets the recommended per-eye render target size.
func (c *HMDConfiguration) SetRenderTargetSize(w, h uint32) {
	c.renderTargetSize = [2]uint32{w, h}
	c.distortionMeshVersion.Increment()
}

// RenderTargetSize returns the recommended render target size.
func (c *HMDConfiguration) RenderTargetSize() [2]uint32 { return c.renderTargetSize }

// SetDistortionMeshSize resizes both eyes' distortion meshes. The backing
// arrays are reallocated and every vertex is reset to the origin; callers
// must repopulate them afterwards. A size-unchanged call is a no-op.
func (c *HMDConfiguration) SetDistortionMeshSize(w, h uint32) {
	if c.distortionMeshSize == [2]uint32{w, h} {
		return
	}
	c.distortionMeshSize = [2]uint32{w, h}
	for eye := range c.meshes {
		c.meshes[eye] = make([]MeshVertex, w*h)
	}
	c.distortionMeshVersion.Increment()
}

// DistortionMeshSize returns the mesh dimensions.
func (c *HMDConfiguration) DistortionMeshSize() [2]uint32 { return c.distortionMeshSize }

// DistortionMesh returns one eye's mesh vertices in row-major order. The
// returned slice is the live backing array; it is invalidated by
// SetDistortionMeshSize.
func (c *HMDConfiguration) DistortionMesh(eye int) []MeshVertex { return c.meshes[eye] }

// SetMeshVertex updates one mesh vertex in place.
func (c *HMDConfiguration) SetMeshVertex(eye, index int, v MeshVertex) {
	c.meshes[eye][index] = v
	c.distortionMeshVersion.Increment()
}

// MeshUpdated marks the mesh group dirty after a caller mutated vertices
// through the DistortionMesh slice directly.
func (c *HMDConfiguration) MeshUpdated() {
	c.distortionMeshVersion.Increment()
}

// Versions returns the current local version of every group.
func (c *HMDConfiguration) Versions() HMDVersions {
	return HMDVersions{
		EyePos:         c.eyePosVersion,
		EyeRot:         c.eyeRotVersion,
		Eye:            c.eyeVersion,
		DistortionMesh: c.distortionMeshVersion,
	}
}

// PendingFlags computes the dirty bits for a peer holding the given cursor.
func (c *HMDConfiguration) PendingFlags(peer HMDVersions) vrwire.UpdateFlags {
	var f vrwire.UpdateFlags
	if c.eyePosVersion.Outdates(peer.EyePos) {
		f |= vrwire.FlagEyePos
	}
	if c.eyeVersion.Outdates(peer.Eye) {
		f |= vrwire.FlagEye
	}
	if c.distortionMeshVersion.Outdates(peer.DistortionMesh) {
		f |= vrwire.FlagDistortionMesh
	}
	return f
}

// WriteUpdate encodes a differential configuration update for a peer
// holding the given cursor and returns the advanced cursor. Only groups
// whose local version differs from the cursor are written; the fixed header
// goes out either way, so an all-clear message doubles as a heartbeat. The
// eye rotation group is never part of this message; see WriteEyeRotation.
func (c *HMDConfiguration) WriteUpdate(peer HMDVersions, sink *vrwire.Sink) HMDVersions {
	flags := c.PendingFlags(peer)
	sink.PutKind(flags.Kind())
	sink.PutUint16(c.trackerIndex)
	sink.PutUint16(c.faceDetectorButtonIndex)
	sink.PutInt32(c.displayLatency)
	if flags.EyePos() {
		for eye := 0; eye < 2; eye++ {
			sink.PutFloat32s(c.eyePos[eye][:])
		}
		peer.EyePos = c.eyePosVersion
	}
	if flags.Eye() {
		for eye := 0; eye < 2; eye++ {
			sink.PutFloat32s(c.eyeFov[eye][:])
		}
		peer.Eye = c.eyeVersion
	}
	if flags.DistortionMesh() {
		sink.PutUint32(c.renderTargetSize[0])
		sink.PutUint32(c.renderTargetSize[1])
		sink.PutUint32(c.distortionMeshSize[0])
		sink.PutUint32(c.distortionMeshSize[1])
		for eye := 0; eye < 2; eye++ {
			for _, v := range c.viewports[eye] {
				sink.PutUint32(v)
			}
			for i := range c.meshes[eye] {
				mv := &c.meshes[eye][i]
				sink.PutFloat32s(mv.Red[:])
				sink.PutFloat32s(mv.Green[:])
				sink.PutFloat32s(mv.Blue[:])
			}
		}
		peer.DistortionMesh = c.distortionMeshVersion
	}
	return peer
}

// WriteEyeRotation encodes the eye rotation fast-path message and returns
// the advanced cursor. Decoupling rotation from WriteUpdate keeps the
// per-frame cost of orientation changes at a few floats.
func (c *HMDConfiguration) WriteEyeRotation(peer HMDVersions, sink *vrwire.Sink) HMDVersions {
	sink.PutKind(vrwire.HMDEyeRotationUpdate)
	sink.PutUint16(c.trackerIndex)
	for eye := 0; eye < 2; eye++ {
		sink.PutFloat32s(c.eyeRot[eye][:])
	}
	peer.EyeRot = c.eyeRotVersion
	return peer
}

// ReadUpdate decodes a configuration update whose kind (and therefore flag
// bits) the caller already consumed. Every group present in the message
// bumps the matching local version counter so downstream consumers can
// detect the change without diffing content. A mesh size differing from the
// local one triggers reallocation before vertex data is read.
func (c *HMDConfiguration) ReadUpdate(flags vrwire.UpdateFlags, src *vrwire.Source) error {
	c.trackerIndex = src.GetUint16()
	c.faceDetectorButtonIndex = src.GetUint16()
	c.displayLatency = src.GetInt32()
	if flags.EyePos() {
		for eye := 0; eye < 2; eye++ {
			src.GetFloat32s(c.eyePos[eye][:])
		}
		c.eyePosVersion.Increment()
	}
	if flags.Eye() {
		for eye := 0; eye < 2; eye++ {
			src.GetFloat32s(c.eyeFov[eye][:])
		}
		c.eyeVersion.Increment()
	}
	if flags.DistortionMesh() {
		c.renderTargetSize[0] = src.GetUint32()
		c.renderTargetSize[1] = src.GetUint32()
		w := src.GetUint32()
		h := src.GetUint32()
		if err := src.Err(); err != nil {
			return fmt.Errorf("read HMD update header: %w", err)
		}
		if w > maxMeshDim || h > maxMeshDim {
			return fmt.Errorf("distortion mesh size out of range: %dx%d", w, h)
		}
		if c.distortionMeshSize != [2]uint32{w, h} {
			c.distortionMeshSize = [2]uint32{w, h}
			for eye := range c.meshes {
				c.meshes[eye] = make([]MeshVertex, w*h)
			}
		}
		for eye := 0; eye < 2; eye++ {
			for i := range c.viewports[eye] {
				c.viewports[eye][i] = src.GetUint32()
			}
			for i := range c.meshes[eye] {
				mv := &c.meshes[eye][i]
				src.GetFloat32s(mv.Red[:])
				src.GetFloat32s(mv.Green[:])
				src.GetFloat32s(mv.Blue[:])
			}
		}
		c.distortionMeshVersion.Increment()
	}
	if err := src.Err(); err != nil {
		return fmt.Errorf("read HMD update: %w", err)
	}
	return nil
}

// ReadEyeRotation decodes the eye rotation fast-path message body (after
// the kind). The tracker index is part of the message so a client with
// several HMDs can route it; the caller matched it to this configuration.
func (c *HMDConfiguration) ReadEyeRotation(src *vrwire.Source) error {
	c.trackerIndex = src.GetUint16()
	for eye := 0; eye < 2; eye++ {
		src.GetFloat32s(c.eyeRot[eye][:])
	}
	if err := src.Err(); err != nil {
		return fmt.Errorf("read HMD eye rotation: %w", err)
	}
	c.eyeRotVersion.Increment()
	return nil
}
