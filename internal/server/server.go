// Package server implements the device server: it accepts client
// connections, runs the request/reply handshake, and pushes differential
// device-state updates through the dispatcher. Per-client bookkeeping is a
// version cursor per HMD configuration group; the server never queues
// backlogged updates, it only skips ticks for clients that cannot keep up.
package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vrui-vr/vrdeviced/internal/config"
	"github.com/vrui-vr/vrdeviced/internal/device"
	"github.com/vrui-vr/vrdeviced/internal/dispatch"
	"github.com/vrui-vr/vrdeviced/pkg/vrwire"
)

// SessionEvent describes a client lifecycle event for observers (event
// recorder, integrations).
type SessionEvent struct {
	Type      string    `json:"type"`
	SessionID uuid.UUID `json:"sessionId"`
	Remote    string    `json:"remote"`
}

// Server owns the client listener and all live sessions.
type Server struct {
	cfg  config.ServerConfig
	disp *dispatch.Dispatcher
	mgr  *device.Manager

	ln       net.Listener
	sessions map[uuid.UUID]*Session

	// OnSessionEvent, when set, is invoked on the dispatcher goroutine for
	// every connect and disconnect. The callback must not block.
	OnSessionEvent func(SessionEvent)
}

// New binds the client listener. A bind failure is a fatal startup error
// for the daemon.
func New(cfg config.ServerConfig, disp *dispatch.Dispatcher, mgr *device.Manager) (*Server, error) {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("bind device server %s: %w", cfg.Listen, err)
	}
	s := &Server{
		cfg:      cfg,
		disp:     disp,
		mgr:      mgr,
		ln:       ln,
		sessions: make(map[uuid.UUID]*Session),
	}
	return s, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Start installs the state-changed hook and begins accepting clients.
func (s *Server) Start() {
	s.mgr.OnUpdate(s.pushStreaming)
	log.Info().Str("addr", s.ln.Addr().String()).Msg("device server listening")
	go s.acceptLoop()
}

// Stop closes the listener and tears down all sessions. Called after the
// dispatcher loop has returned, so session state is safe to touch directly.
func (s *Server) Stop() {
	s.ln.Close()
	for _, sess := range s.sessions {
		sess.close()
	}
	s.sessions = make(map[uuid.UUID]*Session)
}

// NumSessions returns the live session count. Dispatcher goroutine only.
func (s *Server) NumSessions() int { return len(s.sessions) }

// Sessions returns a snapshot of session metadata. Dispatcher goroutine
// only.
func (s *Server) Sessions() []SessionEvent {
	out := make([]SessionEvent, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, SessionEvent{Type: "session", SessionID: sess.id, Remote: sess.remote})
	}
	return out
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// Listener closed during shutdown.
			return
		}
		s.disp.Post(func() { s.addSession(conn) })
	}
}

// addSession runs on the dispatcher goroutine.
func (s *Server) addSession(conn net.Conn) {
	if s.disp.Stopped() {
		conn.Close()
		return
	}
	sess := newSession(conn, len(s.mgr.HMDs()))
	s.sessions[sess.id] = sess
	go sess.writeLoop(func(err error) {
		s.disp.Post(func() { s.teardown(sess, err) })
	})
	go s.readLoop(sess)
	log.Info().Str("remote", sess.remote).Str("session", sess.id.String()).Msg("client connected")
	if s.OnSessionEvent != nil {
		s.OnSessionEvent(SessionEvent{Type: "client.connect", SessionID: sess.id, Remote: sess.remote})
	}
}

// readLoop parses client requests off the dispatcher goroutine and posts
// each one into the loop.
func (s *Server) readLoop(sess *Session) {
	src := vrwire.NewSource(sess.conn)
	for {
		kind := src.GetKind()
		var clientVersion uint32
		if kind == vrwire.ConnectRequest {
			clientVersion = src.GetUint32()
		}
		if err := src.Err(); err != nil {
			s.disp.Post(func() { s.teardown(sess, err) })
			return
		}
		k, v := kind, clientVersion
		s.disp.Post(func() { s.handleRequest(sess, k, v) })
	}
}

// teardown removes one session. A disconnect only ever affects the session
// it happened on.
func (s *Server) teardown(sess *Session, err error) {
	if sess.closed {
		return
	}
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		log.Info().Err(err).Str("remote", sess.remote).Msg("client session error")
	}
	sess.close()
	delete(s.sessions, sess.id)
	log.Info().Str("remote", sess.remote).Str("session", sess.id.String()).Msg("client disconnected")
	if s.OnSessionEvent != nil {
		s.OnSessionEvent(SessionEvent{Type: "client.disconnect", SessionID: sess.id, Remote: sess.remote})
	}
}

// handleRequest runs on the dispatcher goroutine.
func (s *Server) handleRequest(sess *Session, kind vrwire.MessageKind, clientVersion uint32) {
	if sess.closed {
		return
	}
	switch kind {
	case vrwire.ConnectRequest:
		log.Debug().Uint32("clientVersion", clientVersion).Str("remote", sess.remote).Msg("connect request")
		var buf bytes.Buffer
		sink := vrwire.NewSink(&buf)
		sink.PutKind(vrwire.ConnectReply)
		sink.PutUint32(vrwire.ProtocolVersion)
		s.mgr.State().WriteLayout(sink)
		sink.PutBool(s.cfg.StreamTimeStamps)
		sink.PutBool(s.cfg.StreamValids)
		sink.PutUint16(uint16(len(s.mgr.HMDs())))
		sink.Flush()
		if !sess.enqueue(buf.Bytes()) {
			s.teardown(sess, errors.New("connect reply not writable"))
		}
	case vrwire.ActivateRequest:
		if sess.state == sessionConnected {
			sess.state = sessionActive
		}
	case vrwire.DeactivateRequest:
		sess.state = sessionConnected
	case vrwire.PacketRequest:
		if sess.state != sessionConnected {
			s.push(sess)
		}
	case vrwire.StartStreamRequest:
		if sess.state != sessionConnected {
			sess.state = sessionStreaming
			s.push(sess)
		}
	case vrwire.StopStreamRequest:
		if sess.state == sessionStreaming {
			sess.state = sessionActive
		}
		var buf bytes.Buffer
		sink := vrwire.NewSink(&buf)
		sink.PutKind(vrwire.StopStreamReply)
		sink.Flush()
		if !sess.enqueue(buf.Bytes()) {
			s.teardown(sess, errors.New("stop stream reply not writable"))
		}
	default:
		s.teardown(sess, fmt.Errorf("unexpected message kind %#x", uint16(kind)))
	}
}

// pushStreaming is the state-changed notification hook: push to every
// streaming session that can take an update right now.
func (s *Server) pushStreaming() {
	for _, sess := range s.sessions {
		if sess.state == sessionStreaming {
			s.push(sess)
		}
	}
}

// push encodes one update batch for a session: any HMD configuration groups
// the session has not seen yet, eye rotation fast-path messages, and the
// full device state packet. The whole batch is enqueued atomically and the
// session's cursors advance only on success, so a skipped tick leaves the
// cursors exactly where they were.
func (s *Server) push(sess *Session) {
	if !sess.writable() {
		return
	}
	var buf bytes.Buffer
	sink := vrwire.NewSink(&buf)

	newCursors := make([]device.HMDVersions, len(sess.hmdCursors))
	for i, hmd := range s.mgr.HMDs() {
		cursor := sess.hmdCursors[i]
		if !hmd.PendingFlags(cursor).Empty() {
			cursor = hmd.WriteUpdate(cursor, sink)
		}
		if hmd.Versions().EyeRot.Outdates(cursor.EyeRot) {
			cursor = hmd.WriteEyeRotation(cursor, sink)
		}
		newCursors[i] = cursor
	}

	sink.PutKind(vrwire.PacketReply)
	s.mgr.State().Write(sink, s.cfg.StreamTimeStamps, s.cfg.StreamValids)
	if err := sink.Flush(); err != nil {
		s.teardown(sess, err)
		return
	}
	if sess.enqueue(buf.Bytes()) {
		copy(sess.hmdCursors, newCursors)
	}
}
