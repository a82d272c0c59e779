package terminal

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PaletteBytes is the size of the palette trailer of snapshot content.
const PaletteBytes = NumColours * 3

var (
	ErrSnapshotLength = errors.New("snapshot content length does not match its dimensions")
	ErrSnapshotCursor = errors.New("snapshot cursor out of range")
	errTruncated      = errors.New("bad snapshot: truncated")
)

// Snapshot is the complete state of a terminal at one moment.
//
// Content holds each row top to bottom as width character bytes followed by
// width packed colour bytes (background<<4 | foreground), then the palette
// as 16 RGB triples.
type Snapshot struct {
	Colour           bool
	Width, Height    int
	CursorX, CursorY int
	CursorBlink      bool
	// CursorColour is the packed current colours, background<<4 | foreground.
	CursorColour byte
	Content      []byte
}

// ContentLength is the length of the content of a w×h snapshot.
func ContentLength(w, h int) int {
	return w*h*2 + PaletteBytes
}

func pack(fg, bg uint8) byte {
	return bg<<4 | fg&0xF
}

func unpack(c byte) (fg, bg uint8) {
	return c & 0xF, c >> 4
}

// Validate checks the snapshot describes a reachable terminal state.
func (s Snapshot) Validate() error {
	if !validSize(s.Width, s.Height) {
		return fmt.Errorf("%w: %dx%d", ErrSize, s.Width, s.Height)
	}
	if l := len(s.Content); l != ContentLength(s.Width, s.Height) {
		return fmt.Errorf("%w: %d bytes for %dx%d", ErrSnapshotLength, l, s.Width, s.Height)
	}
	if s.CursorX < 0 || s.CursorX > s.Width || s.CursorY < 0 || s.CursorY >= max(s.Height, 1) {
		return fmt.Errorf("%w: (%d, %d)", ErrSnapshotCursor, s.CursorX, s.CursorY)
	}
	return nil
}

// Snapshot captures the terminal's current state.
func (t *Terminal) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	w, h := t.width, t.height
	content := make([]byte, 0, ContentLength(w, h))
	for y := range h {
		row := y * w
		content = append(content, t.text[row:row+w]...)
		for x := range w {
			content = append(content, pack(t.fg[row+x], t.bg[row+x]))
		}
	}
	for _, rgb := range t.palette {
		content = append(content, rgb[:]...)
	}

	return Snapshot{
		Colour:       t.colour,
		Width:        w,
		Height:       h,
		CursorX:      t.cursorX,
		CursorY:      t.cursorY,
		CursorBlink:  t.blink,
		CursorColour: pack(t.textColour, t.bgColour),
		Content:      content,
	}
}

// Apply replaces the terminal's state with a snapshot's, resizing it to the
// snapshot's dimensions first. The terminal is unchanged if the snapshot
// is invalid.
func (t *Terminal) Apply(s Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.resize(s.Width, s.Height)
	w, c := s.Width, s.Content
	for y := range s.Height {
		row := y * w
		copy(t.text[row:row+w], normalise(append([]byte(nil), c[:w]...)))
		for x := range w {
			t.fg[row+x], t.bg[row+x] = unpack(c[w+x])
		}
		c = c[2*w:]
	}
	for i := range t.palette {
		copy(t.palette[i][:], c[i*3:])
	}

	t.cursorX, t.cursorY, t.blink = s.CursorX, s.CursorY, s.CursorBlink
	t.textColour, t.bgColour = unpack(s.CursorColour)
	t.touch()
	return nil
}

// FromSnapshot makes a new terminal holding a snapshot's state.
func FromSnapshot(s Snapshot) (*Terminal, error) {
	t := &Terminal{colour: s.Colour}
	if err := t.Apply(s); err != nil {
		return nil, err
	}
	return t, nil
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

// MarshalBinary encodes the snapshot as it is sent over the network.
func (s Snapshot) MarshalBinary() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	b := make([]byte, 0, len(s.Content)+16)
	b = appendBool(b, s.Colour)
	b = binary.AppendUvarint(b, uint64(s.Width))
	b = binary.AppendUvarint(b, uint64(s.Height))
	b = binary.AppendUvarint(b, uint64(s.CursorX))
	b = binary.AppendUvarint(b, uint64(s.CursorY))
	b = appendBool(b, s.CursorBlink)
	b = append(b, s.CursorColour)
	b = binary.AppendUvarint(b, uint64(len(s.Content)))
	return append(b, s.Content...), nil
}

type reader struct {
	b   []byte
	err error
}

func (r *reader) byte() byte {
	if r.err != nil {
		return 0
	}
	if len(r.b) == 0 {
		r.err = errTruncated
		return 0
	}
	c := r.b[0]
	r.b = r.b[1:]
	return c
}

func (r *reader) bool() bool {
	return r.byte() != 0
}

func (r *reader) uvarint() int {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.b)
	if n <= 0 || v > 1<<31 {
		r.err = errors.New("bad snapshot: invalid length")
		return 0
	}
	r.b = r.b[n:]
	return int(v)
}

// UnmarshalBinary decodes a snapshot encoded by MarshalBinary.
func (s *Snapshot) UnmarshalBinary(b []byte) error {
	r := &reader{b: b}
	d := Snapshot{
		Colour:  r.bool(),
		Width:   r.uvarint(),
		Height:  r.uvarint(),
		CursorX: r.uvarint(),
		CursorY: r.uvarint(),
	}
	d.CursorBlink = r.bool()
	d.CursorColour = r.byte()

	l := r.uvarint()
	if r.err != nil {
		return r.err
	}
	if l != len(r.b) {
		return fmt.Errorf("%w: %d bytes declared, %d present", ErrSnapshotLength, l, len(r.b))
	}
	d.Content = append([]byte(nil), r.b...)

	if err := d.Validate(); err != nil {
		return err
	}
	*s = d
	return nil
}
