// Package terminal implements the character grid each computer draws on, and
// the snapshots that replicate it to observers.
package terminal

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Colour indices
const (
	White uint8 = iota
	Orange
	Magenta
	LightBlue
	Yellow
	Lime
	Pink
	Gray
	LightGray
	Cyan
	Purple
	Blue
	Brown
	Green
	Red
	Black

	NumColours = 16
)

// DefaultPalette holds the RGB values every terminal starts with.
var DefaultPalette = [NumColours][3]uint8{
	{0xF0, 0xF0, 0xF0},
	{0xF2, 0xB2, 0x33},
	{0xE5, 0x7F, 0xD8},
	{0x99, 0xB2, 0xF2},
	{0xDE, 0xDE, 0x6C},
	{0x7F, 0xCC, 0x19},
	{0xF2, 0xB2, 0xCC},
	{0x4C, 0x4C, 0x4C},
	{0x99, 0x99, 0x99},
	{0x4C, 0x99, 0xB2},
	{0xB2, 0x66, 0xE5},
	{0x33, 0x66, 0xCC},
	{0x7F, 0x66, 0x4C},
	{0x57, 0xA6, 0x4E},
	{0xCC, 0x4C, 0x4C},
	{0x11, 0x11, 0x11},
}

var (
	ErrColour         = errors.New("colour out of range")
	ErrColourSupport  = errors.New("colour not supported")
	ErrCursorPosition = errors.New("cursor position out of range")
	ErrSize           = errors.New("terminal size out of range")
	ErrBlitLength     = errors.New("arguments must be the same length")
)

// MaxSize bounds both dimensions, so a snapshot always fits in memory.
const MaxSize = 1024

// Terminal is a width×height grid of cells, each a character byte with a
// foreground and background colour, plus a cursor and a palette.
//
// One goroutine mutates a terminal; others may read it through Snapshot and
// the getters at any time.
type Terminal struct {
	mu sync.RWMutex

	width, height int
	colour        bool

	text    []byte
	fg, bg  []uint8
	palette [NumColours][3]uint8

	cursorX, cursorY int
	blink            bool
	textColour       uint8
	bgColour         uint8

	changed atomic.Bool
}

// New makes a cleared terminal. colour is fixed for its lifetime.
func New(width, height int, colour bool) (*Terminal, error) {
	if !validSize(width, height) {
		return nil, fmt.Errorf("%w: %dx%d", ErrSize, width, height)
	}

	t := &Terminal{colour: colour}
	t.resize(width, height)
	t.reset()
	return t, nil
}

func validSize(w, h int) bool {
	return w >= 0 && h >= 0 && w <= MaxSize && h <= MaxSize
}

func (t *Terminal) touch() {
	t.changed.Store(true)
}

// TakeChanged reports whether the terminal changed since the last call,
// clearing the flag.
func (t *Terminal) TakeChanged() bool {
	return t.changed.Swap(false)
}

// Changed reports whether the terminal changed since TakeChanged was last called.
func (t *Terminal) Changed() bool {
	return t.changed.Load()
}

func (t *Terminal) fill(from, to int) {
	for i := from; i < to; i++ {
		t.text[i], t.fg[i], t.bg[i] = ' ', t.textColour, t.bgColour
	}
}

func (t *Terminal) reset() {
	t.textColour, t.bgColour = White, Black
	t.palette = DefaultPalette
	t.cursorX, t.cursorY, t.blink = 0, 0, false
	t.fill(0, len(t.text))
}

// Reset clears the screen and restores the default colours, palette and cursor.
func (t *Terminal) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
	t.touch()
}

func (t *Terminal) resize(w, h int) {
	text, fg, bg := make([]byte, w*h), make([]uint8, w*h), make([]uint8, w*h)
	for i := range text {
		text[i], fg[i], bg[i] = ' ', White, Black
	}

	// keep the top left corner
	cw, ch := min(w, t.width), min(h, t.height)
	for y := range ch {
		copy(text[y*w:y*w+cw], t.text[y*t.width:])
		copy(fg[y*w:y*w+cw], t.fg[y*t.width:])
		copy(bg[y*w:y*w+cw], t.bg[y*t.width:])
	}

	t.width, t.height = w, h
	t.text, t.fg, t.bg = text, fg, bg
	t.cursorX = min(t.cursorX, w)
	t.cursorY = min(t.cursorY, max(h-1, 0))
}

// Resize changes the dimensions, keeping the content of the top left
// region that fits. New cells are blank in the default colours.
func (t *Terminal) Resize(w, h int) error {
	if !validSize(w, h) {
		return fmt.Errorf("%w: %dx%d", ErrSize, w, h)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if w != t.width || h != t.height {
		t.resize(w, h)
		t.touch()
	}
	return nil
}

// Size returns the width and height in cells.
func (t *Terminal) Size() (w, h int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.width, t.height
}

// IsColour reports whether the terminal shows colours other than greys.
func (t *Terminal) IsColour() bool {
	return t.colour
}

// write puts cells at the cursor, clipped to the line, and advances the cursor.
func (t *Terminal) write(text, fg, bg []byte) {
	x, y := t.cursorX, t.cursorY
	if y < t.height {
		row := y * t.width
		for i := range text {
			if x+i < 0 || x+i >= t.width {
				continue
			}
			t.text[row+x+i] = text[i]
			t.fg[row+x+i] = fg[i]
			t.bg[row+x+i] = bg[i]
		}
	}
	t.cursorX = min(x+len(text), t.width)
	t.touch()
}

func (t *Terminal) writeCurrent(b []byte) {
	fg, bg := make([]byte, len(b)), make([]byte, len(b))
	for i := range b {
		fg[i], bg[i] = t.textColour, t.bgColour
	}
	t.write(b, fg, bg)
}

// Write puts a guest string at the cursor in the current colours.
func (t *Terminal) Write(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeCurrent(Normalise(text))
}

// WriteUTF8 is Write for host text.
func (t *Terminal) WriteUTF8(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeCurrent(FromUTF8(text))
}

// ParseColour reads a blit colour digit.
func ParseColour(c byte) (uint8, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// ColourDigit is the blit digit of a colour index.
func ColourDigit(c uint8) byte {
	return "0123456789abcdef"[c&0xF]
}

// Blit writes text with per-cell colours given as strings of hex digits.
func (t *Terminal) Blit(text, fg, bg string) error {
	if len(fg) != len(text) || len(bg) != len(text) {
		return ErrBlitLength
	}

	fgs, bgs := make([]uint8, len(text)), make([]uint8, len(text))
	for i := range len(text) {
		var ok1, ok2 bool
		fgs[i], ok1 = ParseColour(fg[i])
		bgs[i], ok2 = ParseColour(bg[i])
		if !ok1 || !ok2 {
			return fmt.Errorf("invalid colour at position %d", i+1)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.write(Normalise(text), fgs, bgs)
	return nil
}

// WriteWrapped writes text the way print does: wrapping at word
// boundaries, breaking lines at \n and scrolling when it runs off the
// bottom. It returns the number of line breaks made. The lock is given up
// at each line break, so readers never wait on more than one line of a long
// write.
func (t *Terminal) WriteWrapped(text string) (lines int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	newLine := func() {
		if t.cursorY+1 >= t.height {
			t.scroll(1)
		} else {
			t.cursorY++
		}
		t.cursorX = 0
		lines++

		// waiting readers go before the next writer
		t.mu.Unlock()
		t.mu.Lock()
	}

	b := []byte(text)
	for len(b) > 0 {
		switch c := b[0]; {
		case c == '\n':
			newLine()
			b = b[1:]
		case c == ' ' || c == '\t':
			n := 0
			for n < len(b) && (b[n] == ' ' || b[n] == '\t') {
				n++
			}
			// anything past the end of the line is clipped anyway
			t.writeCurrent(spaces(min(n, t.width-t.cursorX)))
			b = b[n:]
		default:
			n := 0
			for n < len(b) && b[n] != ' ' && b[n] != '\t' && b[n] != '\n' {
				n++
			}
			word := normalise(b[:n])
			b = b[n:]
			if t.cursorX+len(word) > t.width && t.cursorX > 0 {
				newLine()
			}
			// words longer than a line are split
			for t.width > 0 && len(word) > t.width-t.cursorX {
				rest := t.width - t.cursorX
				t.writeCurrent(word[:rest])
				word = word[rest:]
				newLine()
			}
			t.writeCurrent(word)
		}
	}
	return
}

func spaces(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	return b
}

// SetCursorPos moves the cursor. x may equal the width, past the end of
// the line.
func (t *Terminal) SetCursorPos(x, y int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if x < 0 || x > t.width || y < 0 || y >= max(t.height, 1) {
		return fmt.Errorf("%w: (%d, %d)", ErrCursorPosition, x, y)
	}
	t.cursorX, t.cursorY = x, y
	t.touch()
	return nil
}

// CursorPos returns the cursor position.
func (t *Terminal) CursorPos() (x, y int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cursorX, t.cursorY
}

// SetCursorBlink turns the cursor on or off.
func (t *Terminal) SetCursorBlink(blink bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blink = blink
	t.touch()
}

// CursorBlink reports whether the cursor is shown.
func (t *Terminal) CursorBlink() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.blink
}

func (t *Terminal) scroll(n int) {
	if n == 0 || t.height == 0 {
		return
	}

	w := t.width
	// compared before negating, as -n overflows for the smallest int
	if n >= t.height || n <= -t.height {
		t.fill(0, len(t.text))
	} else if n > 0 {
		copy(t.text, t.text[n*w:])
		copy(t.fg, t.fg[n*w:])
		copy(t.bg, t.bg[n*w:])
		t.fill(len(t.text)-n*w, len(t.text))
	} else {
		copy(t.text[-n*w:], t.text)
		copy(t.fg[-n*w:], t.fg)
		copy(t.bg[-n*w:], t.bg)
		t.fill(0, -n*w)
	}
	t.touch()
}

// Scroll moves the content up by n lines (down if negative), filling the
// lines uncovered with blanks in the current colours.
func (t *Terminal) Scroll(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scroll(n)
}

// Clear blanks the whole screen in the current colours.
func (t *Terminal) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fill(0, len(t.text))
	t.touch()
}

// ClearLine blanks the line the cursor is on.
func (t *Terminal) ClearLine() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cursorY < t.height {
		t.fill(t.cursorY*t.width, (t.cursorY+1)*t.width)
	}
	t.touch()
}

func (t *Terminal) checkColour(c int) error {
	if c < 0 || c >= NumColours {
		return fmt.Errorf("%w: %d", ErrColour, c)
	}
	if !t.colour {
		switch uint8(c) {
		case White, LightGray, Gray, Black:
		default:
			return fmt.Errorf("%w: %d", ErrColourSupport, c)
		}
	}
	return nil
}

// SetTextColour sets the foreground colour of later writes.
func (t *Terminal) SetTextColour(c int) error {
	if err := t.checkColour(c); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.textColour = uint8(c)
	t.touch()
	return nil
}

// SetBackgroundColour sets the background colour of later writes and clears.
func (t *Terminal) SetBackgroundColour(c int) error {
	if err := t.checkColour(c); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.bgColour = uint8(c)
	t.touch()
	return nil
}

// Colours returns the current text and background colours.
func (t *Terminal) Colours() (fg, bg uint8) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.textColour, t.bgColour
}

func channel(f float64) (uint8, bool) {
	if !(f >= 0 && f <= 1) {
		return 0, false
	}
	return uint8(f*255 + 0.5), true
}

// SetPaletteColour changes the RGB value of a colour, channels in [0, 1].
// Channels are stored with 8 bits.
func (t *Terminal) SetPaletteColour(c int, r, g, b float64) error {
	if c < 0 || c >= NumColours {
		return fmt.Errorf("%w: %d", ErrColour, c)
	}

	var rgb [3]uint8
	for i, f := range [3]float64{r, g, b} {
		v, ok := channel(f)
		if !ok {
			return fmt.Errorf("colour channel out of range: %v", f)
		}
		rgb[i] = v
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.palette[c] = rgb
	t.touch()
	return nil
}

// PaletteColour returns the RGB value of a colour, channels in [0, 1].
func (t *Terminal) PaletteColour(c int) (r, g, b float64, err error) {
	if c < 0 || c >= NumColours {
		return 0, 0, 0, fmt.Errorf("%w: %d", ErrColour, c)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	rgb := t.palette[c]
	return float64(rgb[0]) / 255, float64(rgb[1]) / 255, float64(rgb[2]) / 255, nil
}

// Palette returns a copy of the 8-bit palette.
func (t *Terminal) Palette() [NumColours][3]uint8 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.palette
}

// Line returns row y as its text and blit colour strings.
func (t *Terminal) Line(y int) (text, fg, bg string, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if y < 0 || y >= t.height {
		return
	}
	row := y * t.width
	fgs, bgs := make([]byte, t.width), make([]byte, t.width)
	for x := range t.width {
		fgs[x] = ColourDigit(t.fg[row+x])
		bgs[x] = ColourDigit(t.bg[row+x])
	}
	return string(t.text[row : row+t.width]), string(fgs), string(bgs), true
}
