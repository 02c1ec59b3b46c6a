package server

import (
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vrui-vr/vrdeviced/internal/device"
)

type sessionState int

const (
	// sessionConnected: handshake done, nothing flows yet.
	sessionConnected sessionState = iota
	// sessionActive: client may poll single packets.
	sessionActive
	// sessionStreaming: every state change is pushed.
	sessionStreaming
)

// Session is one connected client. All fields except the outbox channel are
// owned by the dispatcher goroutine; the writer goroutine only drains the
// outbox onto the socket.
type Session struct {
	id     uuid.UUID
	conn   net.Conn
	remote string
	state  sessionState

	// hmdCursors holds, per HMD, the versions this client has received.
	// Fresh sessions start all-Unsent so the first push is a full snapshot.
	hmdCursors []device.HMDVersions

	// outbox decouples the dispatcher from socket backpressure. A state
	// push is only attempted when the writer has fully caught up; otherwise
	// the tick is skipped and the client simply sees a less recent, but
	// internally consistent, snapshot later.
	outbox chan []byte
	closed bool
}

func newSession(conn net.Conn, numHMDs int) *Session {
	return &Session{
		id:         uuid.New(),
		conn:       conn,
		remote:     conn.RemoteAddr().String(),
		hmdCursors: make([]device.HMDVersions, numHMDs),
		outbox:     make(chan []byte, 8),
	}
}

// writable reports whether a state push should be attempted this tick.
func (s *Session) writable() bool {
	return !s.closed && len(s.outbox) == 0
}

// enqueue hands an encoded message buffer to the writer goroutine. It
// reports false when the outbox is full, which for control replies means
// the client has stopped reading.
func (s *Session) enqueue(buf []byte) bool {
	if s.closed {
		return false
	}
	select {
	case s.outbox <- buf:
		return true
	default:
		return false
	}
}

// writeLoop drains the outbox onto the socket. It runs in its own goroutine
// and reports write failures back into the dispatcher loop, where the
// session is torn down.
func (s *Session) writeLoop(onError func(error)) {
	for buf := range s.outbox {
		if _, err := s.conn.Write(buf); err != nil {
			onError(err)
			return
		}
	}
}

// close shuts the session down. Dispatcher goroutine only; idempotent.
func (s *Session) close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.outbox)
	if err := s.conn.Close(); err != nil {
		log.Debug().Err(err).Str("remote", s.remote).Msg("session close")
	}
}
