package main

import (
	"context"
	"sync"

	"github.com/Heliodex/cocraft/peripheral"
)

type pos struct{ x, y, z int }

// north, east, south, west
var headings = [4]pos{{0, 0, -1}, {1, 0, 0}, {0, 0, 1}, {-1, 0, 0}}

// flatWorld is a stand-in for the host simulation: an endless bedrock floor
// under y=0, and whatever computers have placed above it.
type flatWorld struct {
	mu     sync.Mutex
	blocks map[pos]string
	// where each computer stands
	at map[pos]int
}

func newFlatWorld() *flatWorld {
	return &flatWorld{blocks: map[pos]string{}, at: map[pos]int{}}
}

func (w *flatWorld) block(p pos) string {
	if b, ok := w.blocks[p]; ok {
		return b
	}
	if p.y < 0 {
		return "bedrock"
	}
	return ""
}

// turtle places computer id in the world, spread out along x so computers
// don't start on top of each other.
func (w *flatWorld) turtle(id int) *turtle {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := pos{x: id * 2}
	for w.at[p] != 0 || w.block(p) != "" {
		p.y++
	}
	w.at[p] = id + 1
	return &turtle{w: w, p: p}
}

type turtle struct {
	w       *flatWorld
	p       pos
	heading int
}

func (t *turtle) target(d peripheral.Direction) pos {
	p := t.p
	switch d {
	case peripheral.Up:
		p.y++
	case peripheral.Down:
		p.y--
	case peripheral.Back:
		h := headings[(t.heading+2)%4]
		p.x, p.z = p.x+h.x, p.z+h.z
	default:
		h := headings[t.heading]
		p.x, p.z = p.x+h.x, p.z+h.z
	}
	return p
}

func (t *turtle) Move(_ context.Context, d peripheral.Direction) peripheral.Result {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	to := t.target(d)
	if t.w.block(to) != "" || t.w.at[to] != 0 {
		return peripheral.Fail("Movement obstructed")
	}
	t.w.at[to] = t.w.at[t.p]
	delete(t.w.at, t.p)
	t.p = to
	return peripheral.Ok()
}

func (t *turtle) Turn(_ context.Context, s peripheral.Side) peripheral.Result {
	if s == peripheral.Right {
		t.heading = (t.heading + 1) % 4
	} else {
		t.heading = (t.heading + 3) % 4
	}
	return peripheral.Ok()
}

func (t *turtle) Dig(_ context.Context, d peripheral.Direction) peripheral.Result {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	switch t.w.block(t.target(d)) {
	case "":
		return peripheral.Fail("Nothing to dig here")
	case "bedrock":
		return peripheral.Fail("Cannot break unbreakable block")
	}
	delete(t.w.blocks, t.target(d))
	return peripheral.Ok()
}

func (t *turtle) Place(_ context.Context, d peripheral.Direction) peripheral.Result {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	to := t.target(d)
	if t.w.block(to) != "" || t.w.at[to] != 0 {
		return peripheral.Fail("Cannot place block here")
	}
	t.w.blocks[to] = "stone"
	return peripheral.Ok()
}

func (t *turtle) Inspect(_ context.Context, d peripheral.Direction) peripheral.Result {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	b := t.w.block(t.target(d))
	if b == "" {
		return peripheral.Fail("No block to inspect")
	}
	return peripheral.Result{Kind: peripheral.Success, Message: b}
}
