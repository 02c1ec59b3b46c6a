// Package vrwire implements the binary wire primitives shared by the device
// server and its clients: typed little-endian sinks/sources, message kinds,
// update flag bits, and the wrap-skip-zero version counters used by the
// differential HMD configuration protocol.
package vrwire

// MessageKind identifies a pipe message. It is transmitted as a 16-bit
// unsigned integer. HMD configuration updates encode their dirty groups in
// the low three bits of the kind itself.
type MessageKind uint16

const (
	ConnectRequest MessageKind = iota
	ConnectReply
	ActivateRequest
	DeactivateRequest
	PacketRequest
	PacketReply
	StartStreamRequest
	StopStreamRequest
	StopStreamReply
)

const (
	// HMDConfigUpdate is the base kind of a differential configuration
	// update. The low three bits carry the UpdateFlags, so the base value
	// must keep them clear.
	HMDConfigUpdate MessageKind = 0x10

	// HMDEyeRotationUpdate carries only the two eye rotations. Orientation
	// changes every frame, so it gets its own small message instead of a
	// flag bit on HMDConfigUpdate.
	HMDEyeRotationUpdate MessageKind = 0x18
)

// ProtocolVersion is the device server protocol version exchanged during the
// connect handshake.
const ProtocolVersion uint32 = 5

// UpdateFlags is the per-group dirty bitset carried in the low bits of an
// HMDConfigUpdate message kind.
type UpdateFlags uint16

const (
	FlagEyePos UpdateFlags = 1 << iota
	FlagEye
	FlagDistortionMesh

	flagMask UpdateFlags = FlagEyePos | FlagEye | FlagDistortionMesh
)

// EyePos reports whether the eye position group is marked dirty.
func (f UpdateFlags) EyePos() bool { return f&FlagEyePos != 0 }

// Eye reports whether the FOV group is marked dirty.
func (f UpdateFlags) Eye() bool { return f&FlagEye != 0 }

// DistortionMesh reports whether the distortion mesh group is marked dirty.
func (f UpdateFlags) DistortionMesh() bool { return f&FlagDistortionMesh != 0 }

// Empty reports whether no group is marked dirty. An empty update is still a
// legal message; it carries only the fixed header and acts as a heartbeat.
func (f UpdateFlags) Empty() bool { return f&flagMask == 0 }

// Kind returns the wire message kind for a configuration update carrying
// these flags.
func (f UpdateFlags) Kind() MessageKind { return HMDConfigUpdate | MessageKind(f&flagMask) }

// IsConfigUpdate reports whether k is an HMDConfigUpdate with any
// combination of flag bits.
func (k MessageKind) IsConfigUpdate() bool { return k&^MessageKind(flagMask) == HMDConfigUpdate }

// Flags extracts the update flags from a configuration update kind.
func (k MessageKind) Flags() UpdateFlags { return UpdateFlags(k) & flagMask }
