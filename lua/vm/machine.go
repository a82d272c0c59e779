package vm

import (
	"fmt"
	"io"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/Heliodex/cocraft/internal"
)

// Limits bound the work a single resume may do. Zero means unlimited.
type Limits struct {
	MaxInstructions int64
	MaxAllocBytes   int64
	MaxCallDepth    int
}

// DefaultLimits are used by NewMachine when no limits are given.
var DefaultLimits = Limits{
	MaxInstructions: 10_000_000,
	MaxAllocBytes:   64 << 20,
	MaxCallDepth:    200,
}

// pollInterval is how many instructions run between checks of the abort flag.
const pollInterval = 1 << 10

// Machine is one guest interpreter instance: the global environment plus the
// accounting shared by every coroutine running in it.
//
// A Machine must only be used from one goroutine at a time. Abort is the one
// exception and may be called from anywhere.
type Machine struct {
	Globals *Table
	Limits  Limits
	// Stdout receives the output of print.
	Stdout io.Writer

	stringMeta *Table
	steps      int64
	alloc      int64
	abort      atomic.Bool
	random     *rand.Rand
}

// NewMachine makes an interpreter with the standard libraries loaded.
func NewMachine(limits ...Limits) *Machine {
	m := &Machine{
		Globals: NewTable(0, 32),
		Limits:  DefaultLimits,
		Stdout:  io.Discard,
	}
	if len(limits) > 0 {
		m.Limits = limits[0]
	}
	m.openLibs()
	return m
}

// Abort stops the running guest at the next poll point with an AbortError.
// The flag stays set, failing later resumes too, until ClearAbort.
func (m *Machine) Abort() {
	m.abort.Store(true)
}

// ClearAbort lets the machine run again after Abort.
func (m *Machine) ClearAbort() {
	m.abort.Store(false)
}

// Aborted reports whether Abort has been called since the last ClearAbort.
func (m *Machine) Aborted() bool {
	return m.abort.Load()
}

// Steps returns the number of instructions executed since the budget was last reset.
func (m *Machine) Steps() int64 {
	return m.steps
}

// reset starts a fresh budget, failing at once if the machine was aborted.
func (m *Machine) reset() error {
	m.steps, m.alloc = 0, 0
	if m.abort.Load() {
		return &AbortError{AbortHost}
	}
	return nil
}

// step counts one instruction against the budget.
func (m *Machine) step() error {
	m.steps++
	if lim := m.Limits.MaxInstructions; lim > 0 && m.steps > lim {
		return &AbortError{AbortInstructions}
	}
	if m.steps%pollInterval == 0 && m.abort.Load() {
		return &AbortError{AbortHost}
	}
	return nil
}

// charge counts an allocation of roughly n bytes against the budget.
func (m *Machine) charge(n int) error {
	m.alloc += int64(n)
	if lim := m.Limits.MaxAllocBytes; lim > 0 && m.alloc > lim {
		return &AbortError{AbortMemory}
	}
	if m.abort.Load() {
		return &AbortError{AbortHost}
	}
	return nil
}

func (m *Machine) rng() *rand.Rand {
	if m.random == nil {
		seed := uint64(time.Now().UnixNano())
		m.random = rand.New(rand.NewPCG(seed, seed))
	}
	return m.random
}

// SetGlobal sets a global variable.
func (m *Machine) SetGlobal(name string, v Val) {
	m.Globals.SetString(name, v)
}

// GetGlobal returns a global variable.
func (m *Machine) GetGlobal(name string) Val {
	return m.Globals.getHash(name)
}

// Load makes a function from a main chunk prototype, with the globals table
// as its _ENV upvalue.
func (m *Machine) Load(p *internal.Proto) *Closure {
	cl := &Closure{p: p, upvals: make([]*upval, len(p.Upvalues))}
	for i := range cl.upvals {
		cl.upvals[i] = &upval{}
	}
	if len(cl.upvals) > 0 {
		cl.upvals[0].value = m.Globals
	}
	return cl
}

// NewCoroutine makes a suspended coroutine that will run f when resumed.
func (m *Machine) NewCoroutine(f Val) *Coroutine {
	return &Coroutine{m: m, fn: f, status: Suspended, yieldable: true}
}

// Call runs f to completion outside of any coroutine, with a fresh budget.
// Guest code called this way can't yield.
func (m *Machine) Call(f Val, args ...Val) ([]Val, error) {
	if err := m.reset(); err != nil {
		return nil, err
	}
	co := &Coroutine{m: m, fn: f, status: Running, started: true}
	defer func() { co.status = Dead }()
	return co.Call(f, args...)
}

// String returns the display form of a value, calling __tostring if present.
func (m *Machine) String(v Val) (string, error) {
	co := &Coroutine{m: m, status: Running, started: true}
	return co.tostring(v)
}

func (m *Machine) printf(format string, a ...any) {
	fmt.Fprintf(m.Stdout, format, a...)
}
