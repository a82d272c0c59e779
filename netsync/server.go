package netsync

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Heliodex/cocraft/computer"
	"github.com/Heliodex/cocraft/terminal"
	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
)

// HelloTimeout bounds how long a new connection may take to say hello.
const HelloTimeout = 5 * time.Second

var ErrNoComputer = errors.New("no such computer")

// Config for both ends of a session.
var quicConf = &quic.Config{
	MaxIdleTimeout:  30 * time.Second,
	KeepAlivePeriod: 10 * time.Second,
}

// Listen opens a QUIC listener for viewers on addr.
func Listen(addr string, cert tls.Certificate) (*quic.Listener, error) {
	if err := os.Setenv("QUIC_GO_DISABLE_RECEIVE_BUFFER_WARNING", "true"); err != nil {
		log.Warningf("failed to set environment variable: %v", err)
	}

	ln, err := quic.ListenAddr(addr, ServerTLS(cert), quicConf)
	if err != nil {
		return nil, fmt.Errorf("failed to start QUIC server: %w", err)
	}
	return ln, nil
}

type viewer struct {
	id      int
	session uuid.UUID
	// frames holds only the newest snapshot not yet written.
	frames chan []byte

	wmu    sync.Mutex
	stream *quic.Stream
}

func (v *viewer) offer(frame []byte) {
	for {
		select {
		case v.frames <- frame:
			return
		default:
		}
		select {
		case <-v.frames:
		default:
		}
	}
}

func (v *viewer) write(b []byte) error {
	v.wmu.Lock()
	defer v.wmu.Unlock()
	return WriteFrame(v.stream, b)
}

func (v *viewer) close() error {
	v.wmu.Lock()
	defer v.wmu.Unlock()
	return v.stream.Close()
}

func (v *viewer) send(m Message) error {
	b, err := Marshal(m)
	if err != nil {
		return err
	}
	return v.write(b)
}

// Server streams terminals to viewers. It is a computer.Broadcaster, so it
// is made before the computers it serves.
type Server struct {
	mu      sync.Mutex
	sched   *computer.Scheduler
	viewers map[int]map[*viewer]struct{}
}

func NewServer() *Server {
	return &Server{viewers: map[int]map[*viewer]struct{}{}}
}

func (s *Server) scheduler() *computer.Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched
}

// Viewers is the number of sessions watching computer id.
func (s *Server) Viewers(id int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers[id])
}

// Broadcast encodes the snapshot once and hands it to every viewer of the
// computer. Slow viewers skip frames.
func (s *Server) Broadcast(id int, snap terminal.Snapshot) {
	s.mu.Lock()
	vs := make([]*viewer, 0, len(s.viewers[id]))
	for v := range s.viewers[id] {
		vs = append(vs, v)
	}
	sched := s.sched
	s.mu.Unlock()
	if len(vs) == 0 {
		return
	}

	var instance uuid.UUID
	if sched != nil {
		if c := sched.Get(id); c != nil {
			instance = c.InstanceID()
		}
	}

	frame, err := encodeSnapshot(id, instance, snap)
	if err != nil {
		log.Errorf("computer %d: %v", id, err)
		return
	}
	for _, v := range vs {
		v.offer(frame)
	}
}

func encodeSnapshot(id int, instance uuid.UUID, snap terminal.Snapshot) ([]byte, error) {
	m, err := SnapshotMessage(id, instance, snap)
	if err != nil {
		return nil, err
	}
	return Marshal(m)
}

func (s *Server) add(v *viewer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.viewers[v.id] == nil {
		s.viewers[v.id] = map[*viewer]struct{}{}
	}
	s.viewers[v.id][v] = struct{}{}
}

func (s *Server) remove(v *viewer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.viewers[v.id], v)
	if len(s.viewers[v.id]) == 0 {
		delete(s.viewers, v.id)
	}
}

// Serve accepts viewers of the computers in sched until ctx is done or the
// listener fails.
func (s *Server) Serve(ctx context.Context, ln *quic.Listener, sched *computer.Scheduler) error {
	s.mu.Lock()
	s.sched = sched
	s.mu.Unlock()

	log.Infof("listening for viewers on %s", ln.Addr())
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn *quic.Conn) {
	addr := conn.RemoteAddr()
	reason, err := s.session(ctx, conn)
	if err != nil {
		log.Debugf("viewer %s: %v", addr, err)
	}
	conn.CloseWithError(0, reason)
}

// session runs one viewer connection. It returns the reason the connection
// closes.
func (s *Server) session(ctx context.Context, conn *quic.Conn) (string, error) {
	hctx, cancel := context.WithTimeout(ctx, HelloTimeout)
	stream, err := conn.AcceptStream(hctx)
	cancel()
	if err != nil {
		return "no stream", err
	}

	send := func(m Message) error { return Send(stream, m) }
	closeStream := stream.Close
	// fail tells the viewer why, then waits for it to hang up so the
	// message isn't lost with the connection.
	fail := func(err error) (string, error) {
		send(Message{Kind: Fail, Event: err.Error()})
		closeStream()
		select {
		case <-conn.Context().Done():
		case <-time.After(time.Second):
		}
		return err.Error(), err
	}

	stream.SetReadDeadline(time.Now().Add(HelloTimeout))
	hello, err := Receive(stream)
	if err != nil {
		return "bad hello", err
	}
	stream.SetReadDeadline(time.Time{})
	if hello.Kind != Hello {
		return fail(fmt.Errorf("%w: %s", ErrKind, hello.Kind))
	}

	c := s.scheduler().Get(hello.Computer)
	if c == nil {
		return fail(fmt.Errorf("%w: %d", ErrNoComputer, hello.Computer))
	}

	v := &viewer{
		id:      hello.Computer,
		session: uuid.New(),
		frames:  make(chan []byte, 1),
		stream:  stream,
	}
	send, closeStream = v.send, v.close
	if err := v.send(Message{Kind: Hello, Computer: v.id, Session: v.session, Instance: c.InstanceID()}); err != nil {
		return "", err
	}
	c.KeepAlive()

	if frame, err := encodeSnapshot(v.id, c.InstanceID(), c.Snapshot()); err == nil {
		v.offer(frame)
	}
	s.add(v)
	defer s.remove(v)
	log.Infof("viewer %s watching computer %d (session %s)", conn.RemoteAddr(), v.id, v.session)

	sctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		for {
			select {
			case <-sctx.Done():
				return
			case frame := <-v.frames:
				if err := v.write(frame); err != nil {
					stop()
					stream.CancelRead(0)
					return
				}
			}
		}
	}()

	for {
		m, err := Receive(stream)
		if err != nil {
			if sctx.Err() != nil {
				return "", nil
			}
			return "", err
		}

		switch m.Kind {
		case Input:
			args, err := m.EventArgs()
			if err != nil {
				return fail(err)
			}
			c.QueueEvent(m.Event, args...)
		case KeepAlive:
			c.KeepAlive()
		case Power:
			switch m.Event {
			case "on":
				c.TurnOn()
			case "shutdown":
				go c.Shutdown()
			case "reboot":
				go c.Reboot()
			default:
				return fail(fmt.Errorf("unknown power action %q", m.Event))
			}
		default:
			return fail(fmt.Errorf("%w: %s", ErrKind, m.Kind))
		}
	}
}
