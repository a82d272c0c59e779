package vm

import (
	"bytes"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/Heliodex/cocraft/lua/bytecode"
	"github.com/Heliodex/cocraft/internal"
	"github.com/Heliodex/cocraft/lua/provenance"
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

// chunk builds a main chunk where instruction pc sits on line pc+1.
func chunk(k []Val, words ...uint32) *internal.Proto {
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
	return p
}

// function builds a nested function sharing the chunk's _ENV.
func function(params uint8, k []Val, words ...uint32) *internal.Proto {
	p := chunk(k, words...)
	p.IsVararg = false
	p.NumParams = params
	p.LineDefined = 1
	p.Upvalues = []internal.UpvalDesc{{Name: "_ENV", Idx: 0}}
	return p
}

func run(t *testing.T, m *Machine, p *internal.Proto, args ...Val) []Val {
	t.Helper()
	r, err := m.Call(m.Load(p), args...)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestArith(t *testing.T) {
	m := NewMachine()
	r := run(t, m, chunk([]Val{1.0, 2.0, 3.0},
		abc(internal.OpMul, 0, rk(1), rk(2)),
		abc(internal.OpAdd, 0, rk(0), 0),
		abc(internal.OpReturn, 0, 2, 0),
	))
	Expect(t, len(r), 1)
	Expect(t, r[0], 7.0)

	// strings are coerced, and mod follows the sign of the divisor
	r = run(t, m, chunk([]Val{"10", 4.0, -3.0},
		abc(internal.OpAdd, 0, rk(0), rk(1)),
		abc(internal.OpMod, 1, rk(0), rk(2)),
		abc(internal.OpReturn, 0, 3, 0),
	))
	Expect(t, r[0], 14.0)
	Expect(t, r[1], -2.0)
}

func TestTables(t *testing.T) {
	m := NewMachine()
	r := run(t, m, chunk([]Val{10.0, 20.0, 30.0, "x", "y"},
		abc(internal.OpNewTable, 0, 3, 1),
		abx(internal.OpLoadK, 1, 0),
		abx(internal.OpLoadK, 2, 1),
		abx(internal.OpLoadK, 3, 2),
		abc(internal.OpSetList, 0, 3, 1),
		abc(internal.OpSetTable, 0, rk(3), rk(4)), // t.x = "y"
		abc(internal.OpLen, 1, 0, 0),
		abc(internal.OpGetTable, 2, 0, rk(3)),
		abc(internal.OpReturn, 0, 4, 0),
	))
	Expect(t, r[1], 3.0)
	Expect(t, r[2], "y")

	tbl := r[0].(*Table)
	Expect(t, tbl.GetInt(2), 20.0)
	Expect(t, tbl.RawGet("x"), "y")
}

func TestClosureCounter(t *testing.T) {
	inner := function(0, []Val{1.0},
		abc(internal.OpGetUpval, 0, 0, 0),
		abc(internal.OpAdd, 0, 0, rk(0)),
		abc(internal.OpSetUpval, 0, 0, 0),
		abc(internal.OpGetUpval, 0, 0, 0),
		abc(internal.OpReturn, 0, 2, 0),
	)
	inner.Upvalues = []internal.UpvalDesc{{Name: "n", InStack: true, Idx: 0}}

	factory := chunk([]Val{0.0},
		abx(internal.OpLoadK, 0, 0),
		abx(internal.OpClosure, 1, 0),
		abc(internal.OpReturn, 1, 2, 0),
	)
	factory.Protos = []*internal.Proto{inner}

	m := NewMachine()
	counter := run(t, m, factory)[0]
	for want := 1.0; want <= 3; want++ {
		r, err := m.Call(counter)
		if err != nil {
			t.Fatal(err)
		}
		Expect(t, r[0], want)
	}

	// a second counter has its own upvalue
	other := run(t, m, factory)[0]
	r, _ := m.Call(other)
	Expect(t, r[0], 1.0)
}

func TestPcall(t *testing.T) {
	m := NewMachine()

	// pcall(error, "boom", 0)
	r := run(t, m, chunk([]Val{"pcall", "error", "boom", 0.0},
		abc(internal.OpGetTabUp, 0, 0, rk(0)),
		abc(internal.OpGetTabUp, 1, 0, rk(1)),
		abx(internal.OpLoadK, 2, 2),
		abx(internal.OpLoadK, 3, 3),
		abc(internal.OpCall, 0, 4, 3),
		abc(internal.OpReturn, 0, 3, 0),
	))
	Expect(t, r[0], false)
	Expect(t, r[1], "boom")

	// pcall(function() error("bad") end), raised on line 3
	bad := function(0, []Val{"error", "bad"},
		abc(internal.OpGetTabUp, 0, 0, rk(0)),
		abx(internal.OpLoadK, 1, 1),
		abc(internal.OpCall, 0, 2, 1),
		abc(internal.OpReturn, 0, 1, 0),
	)
	p := chunk([]Val{"pcall"},
		abc(internal.OpGetTabUp, 0, 0, rk(0)),
		abx(internal.OpClosure, 1, 0),
		abc(internal.OpCall, 0, 2, 3),
		abc(internal.OpReturn, 0, 3, 0),
	)
	p.Protos = []*internal.Proto{bad}
	r = run(t, m, p)
	Expect(t, r[0], false)
	Expect(t, r[1], "test:3: bad")

	// success passes results through
	ok := function(0, []Val{"fine"},
		abx(internal.OpLoadK, 0, 0),
		abc(internal.OpReturn, 0, 2, 0),
	)
	p.Protos = []*internal.Proto{ok}
	r = run(t, m, p)
	Expect(t, r[0], true)
	Expect(t, r[1], "fine")
}

func TestStackOverflow(t *testing.T) {
	// function f() return 1 + f() end; return pcall(f)
	f := function(0, []Val{"f", 1.0},
		abc(internal.OpGetTabUp, 0, 0, rk(0)),
		abc(internal.OpCall, 0, 1, 2),
		abc(internal.OpAdd, 0, 0, rk(1)),
		abc(internal.OpReturn, 0, 2, 0),
	)
	p := chunk([]Val{"f", "pcall"},
		abx(internal.OpClosure, 0, 0),
		abc(internal.OpSetTabUp, 0, rk(0), 0),
		abc(internal.OpGetTabUp, 0, 0, rk(1)),
		abc(internal.OpGetTabUp, 1, 0, rk(0)),
		abc(internal.OpCall, 0, 2, 3),
		abc(internal.OpReturn, 0, 3, 0),
	)
	p.Protos = []*internal.Proto{f}

	r := run(t, NewMachine(), p)
	Expect(t, r[0], false)
	msg, _ := r[1].(string)
	if !strings.HasSuffix(msg, "stack overflow") {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestCoroutineResume(t *testing.T) {
	// function(a) local b = coroutine.yield(a + 1) return b * 2 end
	body := chunk([]Val{"coroutine", "yield", 1.0, 2.0},
		abc(internal.OpGetTabUp, 1, 0, rk(0)),
		abc(internal.OpGetTable, 1, 1, rk(1)),
		abc(internal.OpAdd, 2, 0, rk(2)),
		abc(internal.OpCall, 1, 2, 2),
		abc(internal.OpMul, 1, 1, rk(3)),
		abc(internal.OpReturn, 1, 2, 0),
	)
	body.NumParams = 1

	m := NewMachine()
	co := m.NewCoroutine(m.Load(body))
	Expect(t, co.Status(), Suspended)

	r, err := co.Resume(1.0)
	if err != nil {
		t.Fatal(err)
	}
	Expect(t, r[0], 2.0)
	Expect(t, co.Status(), Suspended)

	r, err = co.Resume(10.0)
	if err != nil {
		t.Fatal(err)
	}
	Expect(t, r[0], 20.0)
	Expect(t, co.Status(), Dead)

	_, err = co.Resume()
	if err == nil || err.Error() != "cannot resume dead coroutine" {
		t.Errorf("unexpected error %v", err)
	}
}

func TestYieldFn(t *testing.T) {
	wait := YieldFn("wait", func(args Args) ([]Val, error) {
		return []Val{"waiting", args.GetNumber()}, nil
	}, func(args Args) ([]Val, error) {
		s := args.GetString()
		if s == "stop" {
			return nil, errors.New("stopped")
		}
		return []Val{s, "!"}, nil
	})

	// return wait(5)
	p := chunk([]Val{"wait", 5.0},
		abc(internal.OpGetTabUp, 0, 0, rk(0)),
		abx(internal.OpLoadK, 1, 1),
		abc(internal.OpCall, 0, 2, 0),
		abc(internal.OpReturn, 0, 0, 0),
	)

	m := NewMachine()
	m.SetGlobal("wait", wait)
	co := m.NewCoroutine(m.Load(p))

	r, err := co.Resume()
	if err != nil {
		t.Fatal(err)
	}
	Expect(t, len(r), 2)
	Expect(t, r[0], "waiting")
	Expect(t, r[1], 5.0)

	r, err = co.Resume("go")
	if err != nil {
		t.Fatal(err)
	}
	Expect(t, len(r), 2)
	Expect(t, r[0], "go")
	Expect(t, r[1], "!")
	Expect(t, co.Status(), Dead)

	co = m.NewCoroutine(m.Load(p))
	if _, err = co.Resume(); err != nil {
		t.Fatal(err)
	}
	_, err = co.Resume("stop")
	var e *Error
	if !errors.As(err, &e) || !strings.HasSuffix(e.Error(), "stopped") {
		t.Errorf("unexpected error %v", err)
	}
	Expect(t, co.Status(), Dead)

	// called from Go, it can't yield
	if _, err = m.Call(wait, 1.0); err == nil {
		t.Error("expected a yield error")
	}
}

func TestCoroutineWrap(t *testing.T) {
	gen := function(0, []Val{"coroutine", "yield", "a", "b"},
		abc(internal.OpGetTabUp, 0, 0, rk(0)),
		abc(internal.OpGetTable, 0, 0, rk(1)),
		abx(internal.OpLoadK, 1, 2),
		abc(internal.OpCall, 0, 2, 1),
		abx(internal.OpLoadK, 0, 3),
		abc(internal.OpReturn, 0, 2, 0),
	)
	p := chunk([]Val{"coroutine", "wrap"},
		abc(internal.OpGetTabUp, 0, 0, rk(0)),
		abc(internal.OpGetTable, 0, 0, rk(1)),
		abx(internal.OpClosure, 1, 0),
		abc(internal.OpCall, 0, 2, 2),
		abc(internal.OpMove, 1, 0, 0),
		abc(internal.OpCall, 1, 1, 2),
		abc(internal.OpMove, 2, 0, 0),
		abc(internal.OpCall, 2, 1, 2),
		abc(internal.OpReturn, 1, 3, 0),
	)
	p.Protos = []*internal.Proto{gen}

	r := run(t, NewMachine(), p)
	Expect(t, r[0], "a")
	Expect(t, r[1], "b")
}

func TestYieldOutside(t *testing.T) {
	m := NewMachine()
	yield := m.GetGlobal("coroutine").(*Table).RawGet("yield")
	p := chunk(nil,
		abc(internal.OpGetUpval, 0, 1, 0),
		abc(internal.OpCall, 0, 1, 1),
		abc(internal.OpReturn, 0, 1, 0),
	)
	p.Upvalues = append(p.Upvalues, internal.UpvalDesc{Name: "yield"})
	cl := m.Load(p)
	cl.upvals[1].value = yield

	_, err := m.Call(cl)
	if err == nil || !strings.Contains(err.Error(), "outside a coroutine") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestMetatables(t *testing.T) {
	// __index = function(t, k) return k .. "!" end
	idx := function(2, []Val{"!"},
		abc(internal.OpMove, 2, 1, 0),
		abx(internal.OpLoadK, 3, 0),
		abc(internal.OpConcat, 2, 2, 3),
		abc(internal.OpReturn, 2, 2, 0),
	)
	// __add = function() return 42 end
	add := function(2, []Val{42.0},
		abx(internal.OpLoadK, 2, 0),
		abc(internal.OpReturn, 2, 2, 0),
	)
	p := chunk([]Val{"__index", "__add", "setmetatable", "foo", 1.0},
		abc(internal.OpNewTable, 0, 0, 0),
		abc(internal.OpNewTable, 1, 0, 0),
		abx(internal.OpClosure, 2, 0),
		abc(internal.OpSetTable, 1, rk(0), 2),
		abx(internal.OpClosure, 2, 1),
		abc(internal.OpSetTable, 1, rk(1), 2),
		abc(internal.OpGetTabUp, 2, 0, rk(2)),
		abc(internal.OpMove, 3, 0, 0),
		abc(internal.OpMove, 4, 1, 0),
		abc(internal.OpCall, 2, 3, 1),
		abc(internal.OpGetTable, 2, 0, rk(3)),
		abc(internal.OpAdd, 3, 0, rk(4)),
		abc(internal.OpReturn, 2, 3, 0),
	)
	p.Protos = []*internal.Proto{idx, add}

	r := run(t, NewMachine(), p)
	Expect(t, r[0], "foo!")
	Expect(t, r[1], 42.0)
}

func TestCallNilGlobal(t *testing.T) {
	m := NewMachine()
	_, err := m.Call(m.Load(chunk([]Val{"prnt", "hello"},
		abc(internal.OpGetTabUp, 0, 0, rk(0)),
		abx(internal.OpLoadK, 1, 1),
		abc(internal.OpCall, 0, 2, 1),
		abc(internal.OpReturn, 0, 1, 0),
	)))

	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected a guest error, got %v", err)
	}
	Expect(t, e.Value, "test:3: attempt to call global 'prnt' (a nil value)")
	if e.Diagnosis == nil {
		t.Fatal("no diagnosis")
	}
	Expect(t, e.Diagnosis.IsGlobal, true)
	Expect(t, e.Diagnosis.Key, "prnt")
	if !slices.Contains(provenance.Suggest(e.Diagnosis, 3), "print") {
		t.Error("print not suggested")
	}
	if !strings.HasPrefix(e.Traceback, "stack traceback:\n\ttest:3: in main chunk") {
		t.Errorf("unexpected traceback %q", e.Traceback)
	}
}

func TestIndexNilField(t *testing.T) {
	p := chunk([]Val{"a", "b"},
		abc(internal.OpNewTable, 0, 0, 0),
		abc(internal.OpGetTable, 1, 0, rk(0)),
		abc(internal.OpGetTable, 1, 1, rk(1)),
		abc(internal.OpReturn, 1, 2, 0),
	)
	p.LocVars = []internal.LocVar{{Name: "t", StartPC: 1, EndPC: 4}}

	m := NewMachine()
	_, err := m.Call(m.Load(p))
	if err == nil {
		t.Fatal("expected an error")
	}
	Expect(t, err.Error(), "test:3: attempt to index field 'a' (a nil value)")

	// arithmetic on a local names it
	p = chunk([]Val{1.0},
		abc(internal.OpLoadNil, 0, 0, 0),
		abc(internal.OpAdd, 1, 0, rk(0)),
		abc(internal.OpReturn, 1, 2, 0),
	)
	p.LocVars = []internal.LocVar{{Name: "x", StartPC: 1, EndPC: 3}}
	_, err = m.Call(m.Load(p))
	if err == nil {
		t.Fatal("expected an error")
	}
	Expect(t, err.Error(), "test:2: attempt to perform arithmetic on local 'x' (a nil value)")
}

func TestInstructionLimit(t *testing.T) {
	loop := function(0, nil, asbx(internal.OpJmp, 0, -1))
	p := chunk([]Val{"pcall"},
		abc(internal.OpGetTabUp, 0, 0, rk(0)),
		abx(internal.OpClosure, 1, 0),
		abc(internal.OpCall, 0, 2, 1),
		abc(internal.OpReturn, 0, 1, 0),
	)
	p.Protos = []*internal.Proto{loop}

	m := NewMachine(Limits{MaxInstructions: 1000})
	_, err := m.Call(m.Load(p))

	// pcall can't catch running out of budget
	var ae *AbortError
	if !errors.As(err, &ae) {
		t.Fatalf("expected an abort, got %v", err)
	}
	Expect(t, ae.Reason, AbortInstructions)
	Expect(t, m.Steps(), int64(1001))
}

func TestHostAbort(t *testing.T) {
	m := NewMachine(Limits{})
	m.SetGlobal("stop", MakeFn("stop", func(args Args) (r []Val, err error) {
		args.Co.Machine().Abort()
		return
	}))

	_, err := m.Call(m.Load(chunk([]Val{"stop"},
		abc(internal.OpGetTabUp, 0, 0, rk(0)),
		abc(internal.OpCall, 0, 1, 1),
		asbx(internal.OpJmp, 0, -3),
	)))
	var ae *AbortError
	if !errors.As(err, &ae) {
		t.Fatalf("expected an abort, got %v", err)
	}
	Expect(t, ae.Reason, AbortHost)

	// the flag outlives the call until cleared
	ok := chunk([]Val{"ok"},
		abx(internal.OpLoadK, 0, 0),
		abc(internal.OpReturn, 0, 2, 0),
	)
	_, err = m.Call(m.Load(ok))
	if !errors.As(err, &ae) {
		t.Fatalf("expected an abort, got %v", err)
	}

	m.ClearAbort()
	Expect(t, m.Aborted(), false)
	r := run(t, m, chunk([]Val{"ok"},
		abx(internal.OpLoadK, 0, 0),
		abc(internal.OpReturn, 0, 2, 0),
	))
	Expect(t, r[0], "ok")
}

func TestMemoryLimit(t *testing.T) {
	m := NewMachine(Limits{MaxAllocBytes: 1 << 20})
	_, err := m.Call(m.Load(chunk([]Val{"pcall", "string", "rep", "x", float64(2 << 20)},
		abc(internal.OpGetTabUp, 0, 0, rk(0)),
		abc(internal.OpGetTabUp, 1, 0, rk(1)),
		abc(internal.OpGetTable, 1, 1, rk(2)),
		abx(internal.OpLoadK, 2, 3),
		abx(internal.OpLoadK, 3, 4),
		abc(internal.OpCall, 0, 4, 1),
		abc(internal.OpReturn, 0, 1, 0),
	)))
	var ae *AbortError
	if !errors.As(err, &ae) {
		t.Fatalf("expected an abort, got %v", err)
	}
	Expect(t, ae.Reason, AbortMemory)
}

func TestPrint(t *testing.T) {
	var out bytes.Buffer
	m := NewMachine()
	m.Stdout = &out

	run(t, m, chunk([]Val{"print", "a", 1.5, true},
		abc(internal.OpGetTabUp, 0, 0, rk(0)),
		abx(internal.OpLoadK, 1, 1),
		abx(internal.OpLoadK, 2, 2),
		abx(internal.OpLoadK, 3, 3),
		abc(internal.OpLoadNil, 4, 0, 0),
		abc(internal.OpCall, 0, 5, 1),
		abc(internal.OpReturn, 0, 1, 0),
	))
	Expect(t, out.String(), "a\t1.5\ttrue\tnil\n")
}

func lib(m *Machine, name, fn string) Val {
	return m.GetGlobal(name).(*Table).RawGet(fn)
}

func call(t *testing.T, m *Machine, f Val, args ...Val) []Val {
	t.Helper()
	r, err := m.Call(f, args...)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestStringLib(t *testing.T) {
	m := NewMachine()

	r := call(t, m, lib(m, "string", "format"), "%5.2f|%d|%s|%q", 3.14159, 42.0, "x", "a\nb")
	Expect(t, r[0], " 3.14|42|x|\"a\\\nb\"")

	r = call(t, m, lib(m, "string", "gsub"), "hello world", "(%w+)", "<%1>")
	Expect(t, r[0], "<hello> <world>")
	Expect(t, r[1], 2.0)

	r = call(t, m, lib(m, "string", "find"), "hello", "l+")
	Expect(t, r[0], 3.0)
	Expect(t, r[1], 4.0)

	r = call(t, m, lib(m, "string", "find"), "a.b", ".", 1.0, true)
	Expect(t, r[0], 2.0)

	r = call(t, m, lib(m, "string", "match"), "key=val", "(%w+)=(%w+)")
	Expect(t, r[0], "key")
	Expect(t, r[1], "val")

	r = call(t, m, lib(m, "string", "match"), "hello", "()ll()")
	Expect(t, r[0], 3.0)
	Expect(t, r[1], 5.0)

	r = call(t, m, lib(m, "string", "match"), "THE (quick) fox", "%((%a+)%)")
	Expect(t, r[0], "quick")

	it := call(t, m, lib(m, "string", "gmatch"), "a,b,c", "[^,]+")[0]
	var words []string
	for {
		r := call(t, m, it)
		if r[0] == nil {
			break
		}
		words = append(words, r[0].(string))
	}
	Expect(t, strings.Join(words, " "), "a b c")

	r = call(t, m, lib(m, "string", "rep"), "ab", 3.0, "-")
	Expect(t, r[0], "ab-ab-ab")

	r = call(t, m, lib(m, "string", "sub"), "hello", -3.0)
	Expect(t, r[0], "llo")

	_, err := m.Call(lib(m, "string", "rep"))
	if err == nil || err.Error() != "bad argument #1 to 'rep' (string expected, got no value)" {
		t.Errorf("unexpected error %v", err)
	}
}

func expectAbort(t *testing.T, err error, reason string) {
	t.Helper()
	var ae *AbortError
	if !errors.As(err, &ae) {
		t.Fatalf("expected an abort, got %v", err)
	}
	Expect(t, ae.Reason, reason)
}

func TestLibraryLimits(t *testing.T) {
	m := NewMachine(Limits{MaxInstructions: 100_000, MaxAllocBytes: 1 << 20})
	rep := lib(m, "string", "rep")

	// nothing to repeat, however many times
	Expect(t, first(call(t, m, rep, "", 1e15)), "")
	Expect(t, first(call(t, m, rep, "", 1e15, "")), "")
	for _, args := range [][]Val{{"x", 1e15}, {"", 1e15, "-"}, {"ab", 1e300, ","}} {
		if _, err := m.Call(rep, args...); err == nil || err.Error() != "resulting string too large" {
			t.Errorf("rep %v: unexpected error %v", args, err)
		}
	}

	_, err := m.Call(m.GetGlobal("unpack"), NewTable(0, 0), -1e300, 1.0)
	if err == nil || err.Error() != "too many results to unpack" {
		t.Errorf("unexpected error %v", err)
	}

	tbl := NewTable(0, 0)
	for i := 1; i <= 10; i++ {
		tbl.SetInt(i, "x")
	}
	_, err = m.Call(lib(m, "table", "concat"), tbl, strings.Repeat("-", 200_000))
	expectAbort(t, err, AbortMemory)

	// backtracking counts against the instruction budget
	_, err = m.Call(lib(m, "string", "find"), strings.Repeat("a", 40), strings.Repeat("a-", 12)+"b")
	expectAbort(t, err, AbortInstructions)
}

func TestAbortPattern(t *testing.T) {
	m := NewMachine(Limits{})
	time.AfterFunc(50*time.Millisecond, m.Abort)

	_, err := m.Call(lib(m, "string", "find"), strings.Repeat("a", 60), strings.Repeat("a-", 20)+"b")
	expectAbort(t, err, AbortHost)
}

func TestToNumber(t *testing.T) {
	m := NewMachine()
	tonumber := m.GetGlobal("tonumber")
	for _, c := range []struct {
		args []Val
		want Val
	}{
		{[]Val{"0x10"}, 16.0},
		{[]Val{"  12  "}, 12.0},
		{[]Val{"1e2"}, 100.0},
		{[]Val{"z", 36.0}, 35.0},
		{[]Val{"ff", 16.0}, 255.0},
		{[]Val{"abc"}, nil},
		{[]Val{""}, nil},
	} {
		Expect(t, first(call(t, m, tonumber, c.args...)), c.want)
	}

	tostring := m.GetGlobal("tostring")
	Expect(t, first(call(t, m, tostring, 1e15)), "1e+15")
	Expect(t, first(call(t, m, tostring, 10.0/2)), "5")
	Expect(t, first(call(t, m, tostring, 0.1)), "0.1")
	Expect(t, first(call(t, m, tostring, -0.5)), "-0.5")
}

func TestTableLib(t *testing.T) {
	m := NewMachine()
	tbl := NewTable(0, 0)
	for i, v := range []float64{5, 3, 1, 4, 2} {
		tbl.SetInt(i+1, v)
	}

	call(t, m, lib(m, "table", "sort"), tbl)
	for i := 1; i <= 5; i++ {
		Expect(t, tbl.GetInt(i), float64(i))
	}

	greater := MakeFn("greater", func(args Args) (r []Val, err error) {
		return []Val{args.GetNumber() > args.GetNumber()}, nil
	})
	call(t, m, lib(m, "table", "sort"), tbl, greater)
	for i := 1; i <= 5; i++ {
		Expect(t, tbl.GetInt(i), float64(6-i))
	}

	call(t, m, lib(m, "table", "insert"), tbl, 1.0, 9.0)
	call(t, m, lib(m, "table", "insert"), tbl, 0.0)
	Expect(t, tbl.Len(), 7)
	Expect(t, tbl.GetInt(1), 9.0)

	r := call(t, m, lib(m, "table", "remove"), tbl)
	Expect(t, r[0], 0.0)
	Expect(t, first(call(t, m, lib(m, "table", "concat"), tbl, ",")), "9,5,4,3,2,1")

	_, err := m.Call(lib(m, "table", "insert"), tbl, 20.0, 1.0)
	if err == nil || !strings.Contains(err.Error(), "position out of bounds") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestTableTraversal(t *testing.T) {
	tbl := NewTable(0, 0)
	tbl.SetInt(1, "a")
	tbl.SetInt(2, "b")
	tbl.SetString("x", 1.0)
	tbl.SetString("y", 2.0)
	tbl.SetString("z", 3.0)

	var keys []Val
	for k := range tbl.All() {
		keys = append(keys, k)
	}
	Expect(t, slices.Equal(keys, []Val{1.0, 2.0, "x", "y", "z"}), true)

	// clearing the current key mid-traversal still reaches the rest
	k, _, _ := tbl.Next("x")
	Expect(t, k, "y")
	tbl.SetString("y", nil)
	k, _, err := tbl.Next("y")
	if err != nil {
		t.Fatal(err)
	}
	Expect(t, k, "z")

	_, _, err = tbl.Next("missing")
	if err == nil {
		t.Error("expected an invalid key error")
	}

	// a hash entry migrates to the array once the gap closes
	tbl.SetInt(4, "d")
	Expect(t, tbl.Len(), 2)
	tbl.SetInt(3, "c")
	Expect(t, tbl.Len(), 4)
	Expect(t, tbl.GetInt(4), "d")

	if err := tbl.RawSet(nil, 1.0); err == nil {
		t.Error("expected a nil index error")
	}
}
