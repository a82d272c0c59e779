// Package netsync replicates computer terminals to remote viewers over QUIC,
// and carries their input back as events.
package netsync

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/Heliodex/cocraft/lua/vm"
	"github.com/Heliodex/cocraft/terminal"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("cocraft.netsync")

// MaxFrame is the largest message accepted, in bytes.
const MaxFrame = 1 << 20

var (
	ErrFrameSize = errors.New("frame too large")
	ErrKind      = errors.New("unexpected message kind")
	ErrArg       = errors.New("unsupported event argument")
)

// Kind identifies a message.
type Kind uint8

const (
	// Hello opens a session: a viewer names a computer, the server answers
	// with the session ID.
	Hello Kind = iota + 1
	// Snapshot carries a terminal, server to viewer.
	Snapshot
	// Input queues an event, viewer to server.
	Input
	// KeepAlive marks the computer as observed.
	KeepAlive
	// Power asks for "on", "shutdown" or "reboot".
	Power
	// Fail reports why the server is closing the session.
	Fail
)

func (k Kind) String() string {
	switch k {
	case Hello:
		return "hello"
	case Snapshot:
		return "snapshot"
	case Input:
		return "input"
	case KeepAlive:
		return "keepalive"
	case Power:
		return "power"
	case Fail:
		return "fail"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Message is the unit sent either way on a session stream.
type Message struct {
	Kind     Kind      `cbor:"1,keyasint"`
	Computer int       `cbor:"2,keyasint,omitempty"`
	Session  uuid.UUID `cbor:"3,keyasint"`
	Instance uuid.UUID `cbor:"4,keyasint"`
	// Terminal is a binary snapshot.
	Terminal []byte `cbor:"5,keyasint,omitempty"`
	// Event and Args for Input, the action for Power, the reason for Fail.
	Event string `cbor:"6,keyasint,omitempty"`
	Args  []any  `cbor:"7,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("netsync: failed to create CBOR enc mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{
		MaxNestedLevels:  16,
		MaxArrayElements: 256,
		MaxMapPairs:      256,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("netsync: failed to create CBOR dec mode: %v", err))
	}
	decMode = dm
}

// Marshal encodes m as canonical CBOR.
func Marshal(m Message) ([]byte, error) {
	return encMode.Marshal(m)
}

// Unmarshal decodes a CBOR message.
func Unmarshal(b []byte) (m Message, err error) {
	if err = decMode.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("netsync: unmarshal message: %w", err)
	}
	return
}

// SnapshotMessage wraps a terminal snapshot for sending.
func SnapshotMessage(id int, instance uuid.UUID, s terminal.Snapshot) (Message, error) {
	b, err := s.MarshalBinary()
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: Snapshot, Computer: id, Instance: instance, Terminal: b}, nil
}

// Snapshot decodes the terminal a Snapshot message carries.
func (m Message) Snapshot() (s terminal.Snapshot, err error) {
	if m.Kind != Snapshot {
		return s, fmt.Errorf("%w: %s", ErrKind, m.Kind)
	}
	err = s.UnmarshalBinary(m.Terminal)
	return
}

// EventArgs converts the arguments of an Input message to guest values.
// Only nil, booleans, numbers and strings cross the network.
func (m Message) EventArgs() ([]vm.Val, error) {
	vals := make([]vm.Val, len(m.Args))
	for i, a := range m.Args {
		switch a := a.(type) {
		case nil, bool, string:
			vals[i] = a
		case float64:
			vals[i] = a
		case float32:
			vals[i] = float64(a)
		case int64:
			vals[i] = float64(a)
		case uint64:
			vals[i] = float64(a)
		default:
			return nil, fmt.Errorf("%w: %T", ErrArg, a)
		}
	}
	return vals, nil
}

// WriteFrame writes b with a 4-byte big-endian length prefix.
func WriteFrame(w io.Writer, b []byte) error {
	if len(b) > MaxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameSize, len(b))
	}

	frame := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(b)))
	copy(frame[4:], b)
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed frame. The length is checked before
// anything is allocated for the body.
func ReadFrame(r io.Reader) ([]byte, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(l[:])
	if n > MaxFrame {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameSize, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Send encodes and writes one message.
func Send(w io.Writer, m Message) error {
	b, err := Marshal(m)
	if err != nil {
		return err
	}
	return WriteFrame(w, b)
}

// Receive reads and decodes one message.
func Receive(r io.Reader) (Message, error) {
	b, err := ReadFrame(r)
	if err != nil {
		return Message{}, err
	}
	return Unmarshal(b)
}
