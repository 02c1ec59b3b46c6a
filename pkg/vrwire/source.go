package vrwire

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
)

// Source reads typed little-endian values from a byte stream. Like Sink,
// errors are sticky: after the first failed read all further gets return
// zero values and Err reports the original error.
type Source struct {
	r   *bufio.Reader
	buf [8]byte
	err error
}

// NewSource creates a source reading from r.
func NewSource(r io.Reader) *Source {
	return &Source{r: bufio.NewReader(r)}
}

func (s *Source) read(n int) []byte {
	if s.err != nil {
		return nil
	}
	if _, err := io.ReadFull(s.r, s.buf[:n]); err != nil {
		s.err = err
		return nil
	}
	return s.buf[:n]
}

// GetUint8 reads a single byte.
func (s *Source) GetUint8() uint8 {
	b := s.read(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// GetBool reads a one-byte boolean. Any nonzero byte is true.
func (s *Source) GetBool() bool {
	return s.GetUint8() != 0
}

// GetUint16 reads a 16-bit unsigned integer.
func (s *Source) GetUint16() uint16 {
	b := s.read(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// GetUint32 reads a 32-bit unsigned integer.
func (s *Source) GetUint32() uint32 {
	b := s.read(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// GetInt32 reads a 32-bit signed integer.
func (s *Source) GetInt32() int32 {
	return int32(s.GetUint32())
}

// GetFloat32 reads a 32-bit IEEE 754 float.
func (s *Source) GetFloat32() float32 {
	return math.Float32frombits(s.GetUint32())
}

// GetFloat32s fills dst with wire scalars.
func (s *Source) GetFloat32s(dst []float32) {
	for i := range dst {
		dst[i] = s.GetFloat32()
	}
}

// GetKind reads a message kind.
func (s *Source) GetKind() MessageKind {
	return MessageKind(s.GetUint16())
}

// Err returns the first read error, if any.
func (s *Source) Err() error { return s.err }
