package computer

import (
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Heliodex/cocraft/internal"
	"github.com/Heliodex/cocraft/lua/bytecode"
	"github.com/Heliodex/cocraft/lua/vm"
	"github.com/Heliodex/cocraft/peripheral"
	"github.com/Heliodex/cocraft/terminal"
	"github.com/google/uuid"
)

func Expect(t *testing.T, got, want any) {
	t.Helper()
	if got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

var (
	abc  = bytecode.ABC
	abx  = bytecode.ABx
	asbx = bytecode.AsBx
	rk   = bytecode.RK
)

// program builds a main chunk where instruction pc sits on line pc+1.
func program(k []vm.Val, words ...uint32) Program {
	p := &internal.Proto{
		Source:       "=test",
		MaxStackSize: 16,
		IsVararg:     true,
		Code:         bytecode.Assemble(words...),
		K:            k,
		Upvalues:     []internal.UpvalDesc{{Name: "_ENV", InStack: true}},
	}
	p.LineInfo = make([]int, len(p.Code))
	for pc := range p.LineInfo {
		p.LineInfo[pc] = pc + 1
	}
	return func(m *vm.Machine) (*vm.Closure, error) {
		return m.Load(p), nil
	}
}

// while true do local _, a = os.pullEvent("key") write(a) end
var echo = program([]vm.Val{"os", "pullEvent", "key", "write"},
	abc(internal.OpGetTabUp, 0, 0, rk(0)),
	abc(internal.OpGetTable, 0, 0, rk(1)),
	abx(internal.OpLoadK, 1, 2),
	abc(internal.OpCall, 0, 2, 3),
	abc(internal.OpGetTabUp, 2, 0, rk(3)),
	abc(internal.OpMove, 3, 1, 0),
	abc(internal.OpCall, 2, 2, 1),
	asbx(internal.OpJmp, 0, -8),
)

// while true do end
var spin = program(nil,
	asbx(internal.OpJmp, 0, -1),
)

// os.<name>()
func osCall(name string) Program {
	return program([]vm.Val{"os", name},
		abc(internal.OpGetTabUp, 0, 0, rk(0)),
		abc(internal.OpGetTable, 0, 0, rk(1)),
		abc(internal.OpCall, 0, 1, 1),
		abc(internal.OpReturn, 0, 1, 0),
	)
}

func eventually(t *testing.T, what string, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !f() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newComputer(t *testing.T, p Program, opts Options) *Computer {
	t.Helper()
	c, err := New(1, p, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Shutdown)
	return c
}

func line(c *Computer, y int) string {
	text, _, _, _ := c.Terminal().Line(y)
	return strings.TrimRight(text, " ")
}

type fakeHost struct {
	faults    chan error
	abandoned chan int
}

func newFakeHost() *fakeHost {
	return &fakeHost{faults: make(chan error, 4), abandoned: make(chan int, 4)}
}

func (h *fakeHost) Fault(c *Computer, err error) {
	h.faults <- err
}

func (h *fakeHost) Abandoned(c *Computer) {
	h.abandoned <- c.ID()
}

func (h *fakeHost) fault(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.faults:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("no fault reported")
	}
	return nil
}

func TestEventOrder(t *testing.T) {
	c := newComputer(t, echo, Options{})
	c.TurnOn()
	eventually(t, "the program to wait", func() bool { return c.Power() == Blinking })

	c.QueueEvent("key", "a")
	c.QueueEvent("char", "x")
	c.QueueEvent("key", "b")
	c.QueueEvent("key", "c")
	eventually(t, "every key", func() bool {
		c.Tick()
		return line(c, 0) == "abc"
	})
	Expect(t, c.Power(), Blinking)
}

func TestQueueLimit(t *testing.T) {
	c := newComputer(t, echo, Options{MaxQueuedEvents: 2})
	for range 3 {
		c.QueueEvent("key", "a")
	}
	Expect(t, c.events.len(), 2)
}

func TestPowerStates(t *testing.T) {
	c := newComputer(t, echo, Options{})
	Expect(t, c.Power(), Off)
	Expect(t, c.InstanceID(), uuid.UUID{})

	c.TurnOn()
	Expect(t, c.Power().Powered(), true)
	first := c.InstanceID()
	if first == (uuid.UUID{}) {
		t.Error("no instance ID after boot")
	}
	eventually(t, "the program to wait", func() bool { return c.Power() == Blinking })

	c.QueueEvent("key", "a")
	c.Tick()
	eventually(t, "the key", func() bool { return line(c, 0) == "a" })

	c.Reboot()
	Expect(t, c.Power().Powered(), true)
	if c.InstanceID() == first {
		t.Error("instance ID kept across reboot")
	}
	// state is lost
	Expect(t, line(c, 0), "")

	c.Shutdown()
	Expect(t, c.Power(), Off)
	c.Shutdown()
	Expect(t, c.Power(), Off)
}

func TestGuestShutdown(t *testing.T) {
	c := newComputer(t, osCall("shutdown"), Options{})
	c.TurnOn()
	eventually(t, "shutdown", func() bool { return c.Power() == Off })
}

func TestGuestReboot(t *testing.T) {
	var boots atomic.Int32
	reboot, wait := osCall("reboot"), osCall("pullEvent")
	p := func(m *vm.Machine) (*vm.Closure, error) {
		if boots.Add(1) == 1 {
			return reboot(m)
		}
		return wait(m)
	}

	c := newComputer(t, p, Options{})
	c.TurnOn()
	eventually(t, "the second boot", func() bool {
		return boots.Load() == 2 && c.Power() == Blinking
	})
}

func TestGuestError(t *testing.T) {
	// nope()
	p := program([]vm.Val{"nope"},
		abc(internal.OpGetTabUp, 0, 0, rk(0)),
		abc(internal.OpCall, 0, 1, 1),
		abc(internal.OpReturn, 0, 1, 0),
	)
	c := newComputer(t, p, Options{Width: 80, Height: 10, Colour: true})
	c.TurnOn()

	eventually(t, "the error", func() bool { return line(c, 0) != "" })
	Expect(t, line(c, 0), "test:2: attempt to call global 'nope' (a nil value)")
	_, fg, _, _ := c.Terminal().Line(0)
	Expect(t, fg[0], terminal.ColourDigit(terminal.Red))
	// powered, but idle
	Expect(t, c.Power(), On)
}

func TestGuestScrollFar(t *testing.T) {
	// term.scroll(-1e300) write("ok")
	p := program([]vm.Val{"term", "scroll", -1e300, "write", "ok"},
		abc(internal.OpGetTabUp, 0, 0, rk(0)),
		abc(internal.OpGetTable, 0, 0, rk(1)),
		abx(internal.OpLoadK, 1, 2),
		abc(internal.OpCall, 0, 2, 1),
		abc(internal.OpGetTabUp, 0, 0, rk(3)),
		abx(internal.OpLoadK, 1, 4),
		abc(internal.OpCall, 0, 2, 1),
		abc(internal.OpReturn, 0, 1, 0),
	)
	h := newFakeHost()
	c := newComputer(t, p, Options{Host: h})
	c.TurnOn()

	eventually(t, "the write", func() bool { return line(c, 0) == "ok" })
	Expect(t, c.Power(), On)
	select {
	case err := <-h.faults:
		t.Errorf("unexpected fault %v", err)
	default:
	}
}

func TestLibraryCrash(t *testing.T) {
	// crash()
	crash := program([]vm.Val{"crash"},
		abc(internal.OpGetTabUp, 0, 0, rk(0)),
		abc(internal.OpCall, 0, 1, 1),
		abc(internal.OpReturn, 0, 1, 0),
	)
	p := func(m *vm.Machine) (*vm.Closure, error) {
		m.SetGlobal("crash", vm.MakeFn("crash", func(args vm.Args) (r []vm.Val, err error) {
			panic("bad state")
		}))
		return crash(m)
	}

	h := newFakeHost()
	c := newComputer(t, p, Options{Width: 80, Host: h})
	c.TurnOn()

	// shown like any other error, and the computer stays on
	eventually(t, "the crash", func() bool { return line(c, 0) != "" })
	Expect(t, line(c, 0), "program crashed: bad state")
	Expect(t, c.Power(), On)
	select {
	case err := <-h.faults:
		t.Errorf("crash reported as a fault: %v", err)
	default:
	}

	c.Shutdown()
	Expect(t, c.Power(), Off)
}

func TestTerminate(t *testing.T) {
	c := newComputer(t, echo, Options{})
	c.TurnOn()
	eventually(t, "the program to wait", func() bool { return c.Power() == Blinking })

	c.QueueEvent("terminate")
	eventually(t, "termination", func() bool {
		c.Tick()
		return line(c, 0) == "Terminated"
	})
	Expect(t, c.Power(), On)
}

func TestInstructionBudget(t *testing.T) {
	h := newFakeHost()
	c := newComputer(t, spin, Options{
		Limits: vm.Limits{MaxInstructions: 1000},
		Host:   h,
	})
	c.TurnOn()

	var ae *vm.AbortError
	if err := h.fault(t); !errors.As(err, &ae) || ae.Reason != vm.AbortInstructions {
		t.Errorf("unexpected fault %v", err)
	}
	eventually(t, "power off", func() bool { return c.Power() == Off })
}

func TestTimeout(t *testing.T) {
	h := newFakeHost()
	c := newComputer(t, spin, Options{
		Limits:  vm.Limits{MaxCallDepth: 200},
		Timeout: 20 * time.Millisecond,
		Host:    h,
	})
	c.TurnOn()

	if err := h.fault(t); !errors.Is(err, ErrTimeout) {
		t.Errorf("unexpected fault %v", err)
	}
	eventually(t, "power off", func() bool { return c.Power() == Off })
}

func TestShutdownInterrupts(t *testing.T) {
	h := newFakeHost()
	c := newComputer(t, spin, Options{
		Limits:  vm.Limits{MaxCallDepth: 200},
		Timeout: time.Hour,
		Host:    h,
	})
	c.TurnOn()
	time.Sleep(10 * time.Millisecond)

	c.Shutdown()
	Expect(t, c.Power(), Off)
	select {
	case err := <-h.faults:
		t.Errorf("shutdown reported as a fault: %v", err)
	default:
	}
}

func TestShutdownRacesEvent(t *testing.T) {
	// os.pullEvent() while true do end
	p := program([]vm.Val{"os", "pullEvent"},
		abc(internal.OpGetTabUp, 0, 0, rk(0)),
		abc(internal.OpGetTable, 0, 0, rk(1)),
		abc(internal.OpCall, 0, 1, 1),
		asbx(internal.OpJmp, 0, -1),
	)

	for range 50 {
		// no wall clock budget, so only the shutdown can stop the loop
		c := newComputer(t, p, Options{Timeout: -1})
		c.TurnOn()
		eventually(t, "the program to wait", func() bool { return c.Power() == Blinking })

		c.QueueEvent("key")
		go c.Tick()
		done := make(chan struct{})
		go func() {
			c.Shutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("shutdown lost to a resume")
		}
		Expect(t, c.Power(), Off)
	}
}

func TestTimerTicks(t *testing.T) {
	for _, c := range []struct {
		seconds float64
		want    int
	}{
		{0, 1},
		{-5, 1},
		{0.05, 1},
		{0.1, 2},
		{1, 20},
		{1e300, maxTimerTicks},
		{math.Inf(1), maxTimerTicks},
		{math.Inf(-1), 1},
	} {
		got, err := timerTicks(c.seconds, 20)
		if err != nil {
			t.Fatal(err)
		}
		if got != c.want {
			t.Errorf("%v seconds: expected %d ticks, got %d", c.seconds, c.want, got)
		}
	}

	if _, err := timerTicks(math.NaN(), 20); err == nil {
		t.Error("expected an error for NaN")
	}
}

func TestTimer(t *testing.T) {
	// os.startTimer(0.1) local _, id = os.pullEvent("timer") write(id) os.pullEvent()
	p := program([]vm.Val{"os", "startTimer", 0.1, "pullEvent", "timer", "write"},
		abc(internal.OpGetTabUp, 0, 0, rk(0)),
		abc(internal.OpGetTable, 0, 0, rk(1)),
		abx(internal.OpLoadK, 1, 2),
		abc(internal.OpCall, 0, 2, 1),
		abc(internal.OpGetTabUp, 0, 0, rk(0)),
		abc(internal.OpGetTable, 0, 0, rk(3)),
		abx(internal.OpLoadK, 1, 4),
		abc(internal.OpCall, 0, 2, 3),
		abc(internal.OpGetTabUp, 2, 0, rk(5)),
		abc(internal.OpMove, 3, 1, 0),
		abc(internal.OpCall, 2, 2, 1),
		abc(internal.OpGetTabUp, 0, 0, rk(0)),
		abc(internal.OpGetTable, 0, 0, rk(3)),
		abc(internal.OpCall, 0, 1, 1),
		abc(internal.OpReturn, 0, 1, 0),
	)
	c := newComputer(t, p, Options{TickRate: 20})
	c.TurnOn()
	eventually(t, "the program to wait", func() bool { return c.Power() == Blinking })

	ticks := 0
	eventually(t, "the timer", func() bool {
		c.Tick()
		ticks++
		return line(c, 0) == "1"
	})
	if ticks < 2 {
		t.Errorf("timer fired after %d ticks", ticks)
	}
}

func TestLabel(t *testing.T) {
	c := newComputer(t, echo, Options{Label: "base"})
	Expect(t, c.Label(), "base")

	c.SetLabel("a\x00b\nc" + strings.Repeat("x", 40))
	Expect(t, c.Label(), "abc"+strings.Repeat("x", MaxLabelLength-3))

	c.SetLabel("")
	Expect(t, c.Label(), "")
}

func TestAttach(t *testing.T) {
	reg := peripheral.NewRegistry(peripheral.MonitorType)
	c := newComputer(t, echo, Options{Registry: reg})

	if err := c.Attach("left", "monitor", nil); err != nil {
		t.Fatal(err)
	}
	Expect(t, c.Bus().Get("left").Type(), "monitor")
	if err := c.Attach("top", "printer", nil); !errors.Is(err, peripheral.ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
	Expect(t, c.Detach("left"), true)
	Expect(t, c.Detach("left"), false)

	e, _ := c.events.pop()
	Expect(t, e.Name, "peripheral")
	Expect(t, e.Args[0], "left")
	e, _ = c.events.pop()
	Expect(t, e.Name, "peripheral_detach")
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	snaps []terminal.Snapshot
}

func (b *fakeBroadcaster) Broadcast(id int, s terminal.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snaps = append(b.snaps, s)
}

func (b *fakeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.snaps)
}

func (b *fakeBroadcaster) last() terminal.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snaps[len(b.snaps)-1]
}

func TestBroadcast(t *testing.T) {
	b := &fakeBroadcaster{}
	s := NewScheduler(Options{Broadcaster: b, Persistent: true})
	c, err := s.Add(1, echo)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)

	c.TurnOn()
	eventually(t, "the program to wait", func() bool { return c.Power() == Blinking })
	s.Tick()

	c.QueueEvent("key", "hi")
	eventually(t, "the broadcast", func() bool {
		s.Tick()
		return b.count() > 0 && b.last().Content[0] == 'h'
	})

	// nothing changed since
	n := b.count()
	s.Tick()
	s.Tick()
	Expect(t, b.count(), n)
}

func TestScheduler(t *testing.T) {
	s := NewScheduler(Options{})
	t.Cleanup(s.Close)

	for _, id := range []int{3, 1, 2} {
		if _, err := s.Add(id, echo); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Add(2, echo); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}

	var ids []int
	for _, c := range s.List() {
		ids = append(ids, c.ID())
	}
	Expect(t, len(ids), 3)
	Expect(t, ids[0], 1)
	Expect(t, ids[2], 3)

	c, err := s.Add(4, echo, func(o *Options) { o.Label = "four" })
	if err != nil {
		t.Fatal(err)
	}
	Expect(t, s.Get(4), c)
	Expect(t, c.Label(), "four")

	c.TurnOn()
	Expect(t, s.Remove(4), true)
	Expect(t, c.Power(), Off)
	Expect(t, s.Remove(4), false)
	if s.Get(4) != nil {
		t.Error("removed computer still listed")
	}
	Expect(t, s.Interval(), 50*time.Millisecond)
}

func TestLiveness(t *testing.T) {
	h := newFakeHost()
	s := NewScheduler(Options{LivenessTicks: 3, Host: h})
	c, err := s.Add(7, echo)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	c.TurnOn()

	// observed every tick
	for range 10 {
		c.KeepAlive()
		s.Tick()
	}
	Expect(t, s.Get(7), c)

	for range 2 {
		s.Tick()
	}
	Expect(t, s.Get(7), c)

	s.Tick()
	if s.Get(7) != nil {
		t.Fatal("abandoned computer still scheduled")
	}
	select {
	case id := <-h.abandoned:
		Expect(t, id, 7)
	case <-time.After(5 * time.Second):
		t.Fatal("abandonment not reported")
	}
	Expect(t, c.Power(), Off)
}
