package vrwire

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
)

// Sink writes typed little-endian values to a byte stream. Errors are
// sticky: after the first failed write all further puts are no-ops and Err
// (or Flush) reports the original error. This keeps protocol encoders free
// of per-field error plumbing.
type Sink struct {
	w   *bufio.Writer
	buf [8]byte
	err error
}

// NewSink creates a sink writing to w.
func NewSink(w io.Writer) *Sink {
	return &Sink{w: bufio.NewWriter(w)}
}

func (s *Sink) write(b []byte) {
	if s.err != nil {
		return
	}
	_, s.err = s.w.Write(b)
}

// PutUint8 writes a single byte.
func (s *Sink) PutUint8(v uint8) {
	s.buf[0] = v
	s.write(s.buf[:1])
}

// PutBool writes a boolean as one byte, 0 or 1.
func (s *Sink) PutBool(v bool) {
	if v {
		s.PutUint8(1)
	} else {
		s.PutUint8(0)
	}
}

// PutUint16 writes a 16-bit unsigned integer.
func (s *Sink) PutUint16(v uint16) {
	binary.LittleEndian.PutUint16(s.buf[:2], v)
	s.write(s.buf[:2])
}

// PutUint32 writes a 32-bit unsigned integer.
func (s *Sink) PutUint32(v uint32) {
	binary.LittleEndian.PutUint32(s.buf[:4], v)
	s.write(s.buf[:4])
}

// PutInt32 writes a 32-bit signed integer.
func (s *Sink) PutInt32(v int32) {
	s.PutUint32(uint32(v))
}

// PutFloat32 writes a 32-bit IEEE 754 float, the wire scalar used for all
// positions, rotations, FOV parameters and mesh vertices.
func (s *Sink) PutFloat32(v float32) {
	s.PutUint32(math.Float32bits(v))
}

// PutFloat32s writes a fixed-size run of wire scalars.
func (s *Sink) PutFloat32s(vs []float32) {
	for _, v := range vs {
		s.PutFloat32(v)
	}
}

// PutKind writes a message kind.
func (s *Sink) PutKind(k MessageKind) {
	s.PutUint16(uint16(k))
}

// Err returns the first write error, if any.
func (s *Sink) Err() error { return s.err }

// Flush flushes buffered bytes to the underlying writer and returns the
// first error encountered by any put or by the flush itself.
func (s *Sink) Flush() error {
	if s.err != nil {
		return s.err
	}
	s.err = s.w.Flush()
	return s.err
}
