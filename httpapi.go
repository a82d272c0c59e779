package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/Heliodex/cocraft/computer"
	"github.com/Heliodex/cocraft/lua/vm"
	"github.com/Heliodex/cocraft/terminal"
)

// maxEventBody bounds a posted event.
const maxEventBody = 64 << 10

type computerInfo struct {
	ID       int    `json:"id"`
	Label    string `json:"label,omitempty"`
	Power    string `json:"power"`
	Instance string `json:"instance"`
}

func info(c *computer.Computer) computerInfo {
	return computerInfo{
		ID:       c.ID(),
		Label:    c.Label(),
		Power:    c.Power().String(),
		Instance: c.InstanceID().String(),
	}
}

type screenLine struct {
	Text string `json:"text"`
	FG   string `json:"fg"`
	BG   string `json:"bg"`
}

type screen struct {
	Width   int          `json:"width"`
	Height  int          `json:"height"`
	Colour  bool         `json:"colour"`
	CursorX int          `json:"cursorX"`
	CursorY int          `json:"cursorY"`
	Blink   bool         `json:"blink"`
	Lines   []screenLine `json:"lines"`
}

type postedEvent struct {
	Name string `json:"name"`
	Args []any  `json:"args"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warningf("failed to write response: %v", err)
	}
}

// newAPI serves the status API of the computers in sched.
func newAPI(sched *computer.Scheduler) http.Handler {
	find := func(w http.ResponseWriter, r *http.Request) *computer.Computer {
		id, err := strconv.Atoi(r.PathValue("id"))
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid computer ID: %s", r.PathValue("id")), http.StatusBadRequest)
			return nil
		}
		c := sched.Get(id)
		if c == nil {
			http.Error(w, fmt.Sprintf("No computer %d", id), http.StatusNotFound)
		}
		return c
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /computers", func(w http.ResponseWriter, r *http.Request) {
		cs := sched.List()
		infos := make([]computerInfo, len(cs))
		for i, c := range cs {
			infos[i] = info(c)
		}
		writeJSON(w, infos)
	})

	mux.HandleFunc("GET /computers/{id}/snapshot", func(w http.ResponseWriter, r *http.Request) {
		c := find(w, r)
		if c == nil {
			return
		}
		snap := c.Snapshot()

		if r.URL.Query().Get("format") == "binary" {
			b, err := snap.MarshalBinary()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(b)
			return
		}

		t, err := terminal.FromSnapshot(snap)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s := screen{
			Width:   snap.Width,
			Height:  snap.Height,
			Colour:  snap.Colour,
			CursorX: snap.CursorX,
			CursorY: snap.CursorY,
			Blink:   snap.CursorBlink,
			Lines:   make([]screenLine, snap.Height),
		}
		for y := range s.Lines {
			text, fg, bg, _ := t.Line(y)
			s.Lines[y] = screenLine{Text: terminal.ToUTF8([]byte(text)), FG: fg, BG: bg}
		}
		writeJSON(w, s)
	})

	mux.HandleFunc("POST /computers/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		c := find(w, r)
		if c == nil {
			return
		}

		var e postedEvent
		d := json.NewDecoder(io.LimitReader(r.Body, maxEventBody))
		d.DisallowUnknownFields()
		if err := d.Decode(&e); err != nil {
			http.Error(w, fmt.Sprintf("Failed to read event: %v", err), http.StatusBadRequest)
			return
		}
		if e.Name == "" {
			http.Error(w, "Event has no name", http.StatusBadRequest)
			return
		}

		args := make([]vm.Val, len(e.Args))
		for i, a := range e.Args {
			switch a.(type) {
			case nil, bool, float64, string:
				args[i] = a
			default:
				http.Error(w, fmt.Sprintf("Unsupported argument %d", i+1), http.StatusBadRequest)
				return
			}
		}
		c.QueueEvent(e.Name, args...)
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("POST /computers/{id}/{power}", func(w http.ResponseWriter, r *http.Request) {
		c := find(w, r)
		if c == nil {
			return
		}

		switch r.PathValue("power") {
		case "on":
			c.TurnOn()
		case "shutdown":
			c.Shutdown()
		case "reboot":
			c.Reboot()
		case "keepalive":
			c.KeepAlive()
		default:
			http.Error(w, fmt.Sprintf("Unknown action: %s", r.PathValue("power")), http.StatusNotFound)
			return
		}
		writeJSON(w, info(c))
	})

	return mux
}
