// Package computer runs guest programs on virtual computers. Each powered
// computer has one worker goroutine owning its interpreter; the host drives
// every computer from its fixed-rate tick without ever waiting on a guest.
package computer

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/Heliodex/cocraft/lua/vm"
	"github.com/Heliodex/cocraft/peripheral"
	"github.com/Heliodex/cocraft/terminal"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("cocraft.computer")

// Power is the power state of a computer.
type Power int32

const (
	Off Power = iota
	On
	// Blinking is on, with the program waiting for an event.
	Blinking
)

func (p Power) String() string {
	switch p {
	case On:
		return "on"
	case Blinking:
		return "blinking"
	}
	return "off"
}

// Powered reports whether p is On or Blinking.
func (p Power) Powered() bool {
	return p != Off
}

// Defaults for zero Options fields.
const (
	DefaultWidth           = 51
	DefaultHeight          = 19
	DefaultTimeout         = 7 * time.Second
	DefaultLivenessTicks   = 100
	DefaultMaxQueuedEvents = 256
	DefaultTickRate        = 20
)

// MaxLabelLength is the longest computer label, in characters.
const MaxLabelLength = 32

// ErrTimeout is reported when a program runs too long without yielding.
var ErrTimeout = errors.New("too long without yielding")

// Program loads a computer's main chunk into a fresh machine.
type Program func(m *vm.Machine) (*vm.Closure, error)

// Host is told about computers that stop without being asked to. Hooks run
// on the computer's worker or the scheduler, and must not wait for the
// computer to shut down.
type Host interface {
	// Fault reports a computer forced off by a resource budget fault.
	Fault(c *Computer, err error)
	// Abandoned reports a computer stopped after missing keep-alives.
	Abandoned(c *Computer)
}

type nopHost struct{}

func (nopHost) Fault(c *Computer, err error) {}

func (nopHost) Abandoned(c *Computer) {}

// Broadcaster receives the terminal snapshots of computers that changed.
type Broadcaster interface {
	Broadcast(id int, s terminal.Snapshot)
}

// Options configure a computer. Zero fields take the defaults above.
type Options struct {
	Label         string
	Width, Height int
	Colour        bool

	Limits  vm.Limits
	Timeout time.Duration
	// LivenessTicks is how many ticks may pass without a keep-alive before
	// the computer is abandoned. Negative disables the check.
	LivenessTicks   int
	MaxQueuedEvents int
	TickRate        float64
	// Persistent computers are kept alive by the scheduler itself.
	Persistent bool

	Registry    *peripheral.Registry
	World       peripheral.Executor
	Host        Host
	Broadcaster Broadcaster
}

func (o Options) withDefaults() Options {
	if o.Width == 0 && o.Height == 0 {
		o.Width, o.Height = DefaultWidth, DefaultHeight
	}
	if o.Limits == (vm.Limits{}) {
		o.Limits = vm.DefaultLimits
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.LivenessTicks == 0 {
		o.LivenessTicks = DefaultLivenessTicks
	}
	if o.MaxQueuedEvents == 0 {
		o.MaxQueuedEvents = DefaultMaxQueuedEvents
	}
	if o.TickRate == 0 {
		o.TickRate = DefaultTickRate
	}
	if o.Registry == nil {
		o.Registry = peripheral.NewRegistry()
	}
	if o.Host == nil {
		o.Host = nopHost{}
	}
	return o
}

// Computer is one virtual computer: a terminal, attached peripherals, and
// while powered, a worker running its program.
type Computer struct {
	id      int
	opts    Options
	program Program
	term    *terminal.Terminal
	bus     *peripheral.Bus
	events  *eventQueue

	power atomic.Int32
	// ticks since the last keep-alive
	idle atomic.Int64

	mu       sync.Mutex
	label    string
	instance uuid.UUID
	started  time.Time
	w        *worker
	timers   map[int]int
	timerID  int
}

// New makes a computer, switched off.
func New(id int, program Program, opts Options) (*Computer, error) {
	opts = opts.withDefaults()
	t, err := terminal.New(opts.Width, opts.Height, opts.Colour)
	if err != nil {
		return nil, fmt.Errorf("computer %d: %w", id, err)
	}

	return &Computer{
		id:      id,
		opts:    opts,
		program: program,
		term:    t,
		bus:     peripheral.NewBus(),
		events:  newEventQueue(opts.MaxQueuedEvents),
		label:   normaliseLabel(opts.Label),
		timers:  map[int]int{},
	}, nil
}

func (c *Computer) ID() int {
	return c.id
}

func (c *Computer) Power() Power {
	return Power(c.power.Load())
}

// Terminal is the computer's screen. Only its worker draws on it.
func (c *Computer) Terminal() *terminal.Terminal {
	return c.term
}

func (c *Computer) Bus() *peripheral.Bus {
	return c.bus
}

// InstanceID identifies the current power-on session. It changes on every
// boot, and is the zero UUID while the computer has never been on.
func (c *Computer) InstanceID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instance
}

func (c *Computer) Label() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.label
}

// SetLabel sets the label, dropping control characters and anything past
// MaxLabelLength characters. An empty label clears it.
func (c *Computer) SetLabel(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.label = normaliseLabel(label)
}

func normaliseLabel(label string) string {
	label = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, label)

	if r := []rune(label); len(r) > MaxLabelLength {
		label = string(r[:MaxLabelLength])
	}
	return label
}

// Snapshot captures the terminal.
func (c *Computer) Snapshot() terminal.Snapshot {
	return c.term.Snapshot()
}

// QueueEvent adds an event for the program. It never blocks; when the queue
// is full the event is dropped.
func (c *Computer) QueueEvent(name string, args ...vm.Val) {
	if !c.events.push(Event{Name: name, Args: args}) {
		log.Warningf("computer %d: event queue full, dropping %s", c.id, name)
	}
}

// KeepAlive marks the computer as observed for this tick.
func (c *Computer) KeepAlive() {
	c.idle.Store(0)
}

// Tick runs the host side of one frame: due timers fire, waiting events are
// signalled to the worker, and a changed terminal is broadcast. It reports
// whether the computer has gone too long without a keep-alive.
func (c *Computer) Tick() (abandoned bool) {
	if c.opts.Persistent {
		c.KeepAlive()
	}

	if c.Power().Powered() {
		c.fireTimers()
		if c.events.len() > 0 {
			c.signal()
		}
	}

	if c.term.TakeChanged() && c.opts.Broadcaster != nil {
		c.opts.Broadcaster.Broadcast(c.id, c.term.Snapshot())
	}

	n := c.idle.Add(1)
	return c.opts.LivenessTicks > 0 && n > int64(c.opts.LivenessTicks)
}

func (c *Computer) signal() {
	c.mu.Lock()
	w := c.w
	c.mu.Unlock()
	if w != nil {
		w.signal()
	}
}

// TurnOn boots the computer if it is off.
func (c *Computer) TurnOn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		c.start()
	}
}

// start launches a new worker. c.mu must be held.
func (c *Computer) start() {
	c.instance = uuid.New()
	c.started = time.Now()
	c.idle.Store(0)
	c.power.Store(int32(On))

	w := newWorker(c)
	c.w = w
	go w.run()
	log.Infof("computer %d on, instance %s", c.id, c.instance)
}

// Shutdown stops the program and turns the computer off, waiting for the
// worker to exit.
func (c *Computer) Shutdown() {
	c.mu.Lock()
	w := c.w
	c.mu.Unlock()
	if w == nil {
		return
	}

	w.halt()
	<-w.done
	c.finish(w, false)
}

// Reboot turns the computer off and on again, losing all program state.
func (c *Computer) Reboot() {
	c.Shutdown()
	c.TurnOn()
}

// finish turns the computer off if w is still its worker, and boots it
// again if reboot is set.
func (c *Computer) finish(w *worker, reboot bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w != w {
		return
	}

	c.w = nil
	c.power.Store(int32(Off))
	c.events.clear()
	clear(c.timers)
	c.term.Reset()
	log.Infof("computer %d off", c.id)

	if reboot {
		c.start()
	}
}

// clock is the number of seconds since the computer was turned on.
func (c *Computer) clock() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.started).Seconds()
}

// maxTimerTicks bounds how far ahead a timer can be set, a bit over three
// years at 20 ticks a second.
const maxTimerTicks = math.MaxInt32

// timerTicks is seconds rounded up to whole ticks, at least one.
func timerTicks(seconds, rate float64) (int, error) {
	if math.IsNaN(seconds) {
		return 0, errors.New("timer duration is not a number")
	}
	f := seconds*rate + 0.999999
	switch {
	case f >= maxTimerTicks:
		return maxTimerTicks, nil
	case f < 1:
		return 1, nil
	}
	return int(f), nil
}

// startTimer schedules a "timer" event after the given number of seconds,
// rounded up to whole ticks.
func (c *Computer) startTimer(seconds float64) (int, error) {
	ticks, err := timerTicks(seconds, c.opts.TickRate)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.timerID++
	c.timers[c.timerID] = ticks
	return c.timerID, nil
}

func (c *Computer) cancelTimer(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.timers, id)
}

func (c *Computer) fireTimers() {
	c.mu.Lock()
	var due []int
	for id, left := range c.timers {
		if left <= 1 {
			due = append(due, id)
			delete(c.timers, id)
		} else {
			c.timers[id] = left - 1
		}
	}
	c.mu.Unlock()

	// in the order they were started
	slices.Sort(due)
	for _, id := range due {
		c.QueueEvent("timer", float64(id))
	}
}

// Attach builds a peripheral of type id from the registry and connects it
// to side, telling the program with a "peripheral" event.
func (c *Computer) Attach(side, id string, cfg map[string]any) error {
	env := peripheral.Env{ComputerID: c.id, Side: side, Queue: c.QueueEvent}
	p, err := c.opts.Registry.New(id, env, cfg)
	if err != nil {
		return err
	}
	if err := c.bus.Attach(side, p); err != nil {
		if d, ok := p.(peripheral.Detacher); ok {
			d.Detach()
		}
		return err
	}
	c.QueueEvent("peripheral", side)
	return nil
}

// Detach removes the peripheral on side, telling the program with a
// "peripheral_detach" event.
func (c *Computer) Detach(side string) bool {
	if !c.bus.Detach(side) {
		return false
	}
	c.QueueEvent("peripheral_detach", side)
	return true
}
