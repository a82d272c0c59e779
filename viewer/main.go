// Command viewer shows the screen of a remote computer in the terminal and
// sends it keyboard input.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Heliodex/cocraft/netsync"
	"github.com/Heliodex/cocraft/terminal"
	"github.com/tliron/commonlog"
	"golang.org/x/term"

	_ "github.com/tliron/commonlog/simple"
)

// Control keys handled by the viewer itself.
const (
	ctrlC = 0x03
	ctrlR = 0x12
	ctrlS = 0x13
	ctrlT = 0x14
)

// Key codes computers expect in key events.
const (
	keyBackspace = 14
	keyTab       = 15
	keyEnter     = 28
	keyUp        = 200
	keyLeft      = 203
	keyRight     = 205
	keyDown      = 208
)

type event struct {
	name string
	args []any
}

// keyEvents turns bytes read from a raw terminal into events. Printable
// characters become char events, the rest key events with a key code.
func keyEvents(b []byte) (es []event) {
	key := func(code int) {
		es = append(es, event{"key", []any{code, false}})
	}
	for i := 0; i < len(b); i++ {
		c := b[i]
		switch {
		case c == 0x1b && i+2 < len(b) && b[i+1] == '[':
			switch b[i+2] {
			case 'A':
				key(keyUp)
			case 'B':
				key(keyDown)
			case 'C':
				key(keyRight)
			case 'D':
				key(keyLeft)
			}
			i += 2
		case c == '\r' || c == '\n':
			key(keyEnter)
		case c == 0x7f || c == 0x08:
			key(keyBackspace)
		case c == '\t':
			key(keyTab)
		case terminal.Printable(c):
			es = append(es, event{"char", []any{string(c)}})
		}
	}
	return
}

// render draws snap at the top left of an ANSI terminal in 24-bit colour.
func render(w io.Writer, snap terminal.Snapshot) error {
	t, err := terminal.FromSnapshot(snap)
	if err != nil {
		return err
	}
	palette := t.Palette()

	bw := bufio.NewWriter(w)
	fmt.Fprint(bw, "\x1b[?25l\x1b[H")
	for y := range snap.Height {
		text, fg, bg, _ := t.Line(y)
		var lastF, lastB byte
		for x := range snap.Width {
			if fg[x] != lastF || bg[x] != lastB {
				f, _ := terminal.ParseColour(fg[x])
				b, _ := terminal.ParseColour(bg[x])
				fr, br := palette[f], palette[b]
				fmt.Fprintf(bw, "\x1b[38;2;%d;%d;%dm\x1b[48;2;%d;%d;%dm", fr[0], fr[1], fr[2], br[0], br[1], br[2])
				lastF, lastB = fg[x], bg[x]
			}
			bw.WriteString(terminal.ToUTF8([]byte{text[x]}))
		}
		fmt.Fprint(bw, "\x1b[0m\r\n")
	}
	if snap.CursorBlink && snap.CursorX < snap.Width && snap.CursorY < snap.Height {
		fmt.Fprintf(bw, "\x1b[%d;%dH\x1b[?25h", snap.CursorY+1, snap.CursorX+1)
	}
	return bw.Flush()
}

func main() {
	addr := flag.String("addr", "localhost:4242", "host to connect to")
	id := flag.Int("id", 0, "computer to watch")
	verbose := flag.Int("v", -1, "log verbosity")
	flag.Parse()
	commonlog.Configure(*verbose, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	cl, err := netsync.Dial(ctx, *addr, *id)
	cancel()
	if err != nil {
		fmt.Println("Failed to connect:", err)
		os.Exit(1)
	}
	defer cl.Close()

	fd := int(os.Stdin.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Println("Failed to enter raw mode:", err)
		os.Exit(1)
	}
	fmt.Print("\x1b[2J")

	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for range t.C {
			if cl.KeepAlive() != nil {
				return
			}
		}
	}()

	input := make(chan []byte)
	go func() {
		for {
			b := make([]byte, 64)
			n, err := os.Stdin.Read(b)
			if err != nil {
				close(input)
				return
			}
			input <- b[:n]
		}
	}()

	var last error
	defer func() {
		term.Restore(fd, state)
		fmt.Print("\x1b[0m\x1b[?25h\r\n")
		if last != nil {
			fmt.Println("Disconnected:", last)
		}
	}()

	for {
		select {
		case f, ok := <-cl.Frames():
			if !ok {
				last = cl.Err()
				return
			}
			if err := render(os.Stdout, f.Terminal); err != nil {
				last = err
				return
			}
		case b, ok := <-input:
			if !ok || len(b) > 0 && b[0] == ctrlC {
				return
			}
			if len(b) == 0 {
				continue
			}
			switch b[0] {
			case ctrlT:
				last = cl.Event("terminate")
			case ctrlR:
				last = cl.Power("reboot")
			case ctrlS:
				last = cl.Power("on")
			default:
				for _, e := range keyEvents(b) {
					if last = cl.Event(e.name, e.args...); last != nil {
						break
					}
				}
			}
			if last != nil {
				return
			}
		}
	}
}
