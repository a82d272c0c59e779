package netsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Heliodex/cocraft/terminal"
	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
)

var ErrRejected = errors.New("session rejected")

// Frame is one terminal received by a viewer.
type Frame struct {
	// Instance changes each time the computer boots.
	Instance uuid.UUID
	Terminal terminal.Snapshot
}

// Client is a viewer session watching one computer.
type Client struct {
	ID       int
	Session  uuid.UUID
	Instance uuid.UUID

	conn   *quic.Conn
	stream *quic.Stream
	wmu    sync.Mutex

	frames chan Frame
	done   chan struct{}
	err    error
}

// Dial opens a session watching computer id on the server at addr.
func Dial(ctx context.Context, addr string, id int) (*Client, error) {
	conn, err := quic.DialAddr(ctx, addr, ClientTLS(), quicConf)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	c, err := open(ctx, conn, id)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return c, nil
}

func open(ctx context.Context, conn *quic.Conn, id int) (*Client, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if err = Send(stream, Message{Kind: Hello, Computer: id}); err != nil {
		return nil, err
	}

	m, err := Receive(stream)
	if err != nil {
		return nil, err
	}
	switch m.Kind {
	case Hello:
	case Fail:
		return nil, fmt.Errorf("%w: %s", ErrRejected, m.Event)
	default:
		return nil, fmt.Errorf("%w: %s", ErrKind, m.Kind)
	}

	c := &Client{
		ID:       id,
		Session:  m.Session,
		Instance: m.Instance,
		conn:     conn,
		stream:   stream,
		frames:   make(chan Frame, 1),
		done:     make(chan struct{}),
	}
	go c.read()
	return c, nil
}

func (c *Client) read() {
	defer close(c.done)
	defer close(c.frames)

	for {
		m, err := Receive(c.stream)
		if err != nil {
			c.err = err
			return
		}

		switch m.Kind {
		case Snapshot:
			snap, err := m.Snapshot()
			if err != nil {
				c.err = err
				return
			}
			c.offer(Frame{Instance: m.Instance, Terminal: snap})
		case Fail:
			c.err = fmt.Errorf("%w: %s", ErrRejected, m.Event)
			c.conn.CloseWithError(0, "")
			return
		default:
			log.Warningf("ignoring %s message", m.Kind)
		}
	}
}

// offer keeps only the newest frame for a slow reader.
func (c *Client) offer(f Frame) {
	for {
		select {
		case c.frames <- f:
			return
		default:
		}
		select {
		case <-c.frames:
		default:
		}
	}
}

// Frames yields terminals as they change. It is closed when the session
// ends, after which Err reports why.
func (c *Client) Frames() <-chan Frame {
	return c.frames
}

// Err is the error that ended the session, once Frames is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) send(m Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return Send(c.stream, m)
}

// Event queues an event on the computer. Arguments must be nil, booleans,
// numbers or strings.
func (c *Client) Event(name string, args ...any) error {
	return c.send(Message{Kind: Input, Event: name, Args: args})
}

// KeepAlive marks the computer as watched.
func (c *Client) KeepAlive() error {
	return c.send(Message{Kind: KeepAlive})
}

// Power sends "on", "shutdown" or "reboot".
func (c *Client) Power(action string) error {
	return c.send(Message{Kind: Power, Event: action})
}

func (c *Client) Close() error {
	c.stream.Close()
	return c.conn.CloseWithError(0, "bye")
}
