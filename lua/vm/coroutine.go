package vm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Heliodex/cocraft/internal"
)

// Status represents the state of a coroutine.
type Status uint8

// Coroutine states
const (
	Suspended Status = iota
	Running
	Normal
	Dead
)

func (s Status) String() string {
	switch s {
	case Suspended:
		return "suspended"
	case Running:
		return "running"
	case Normal:
		return "normal"
	}
	return "dead"
}

// maxNest bounds Go to guest to Go recursion, eg. metamethods calling each other.
const maxNest = 200

var (
	errYield          = errors.New("yield")
	errYieldAcross    = errors.New("attempt to yield across a C-call boundary")
	errYieldOutside   = errors.New("attempt to yield from outside a coroutine")
	errStackOverflow  = errors.New("stack overflow")
	errCStackOverflow = errors.New("C stack overflow")
)

// frame is an activation record of a guest function. Frames live on the heap,
// so a suspended coroutine is just its list of frames.
type frame struct {
	cl      *Closure
	pc      int
	regs    []Val
	top     int
	varargs []Val
	open    []*upval

	// where the caller wants the results
	retA, nret int

	// pcall and xpcall frames catch errors raised above them
	protected bool
	handler   Val
}

func (fr *frame) Proto() *internal.Proto {
	return fr.cl.p
}

// PC returns the index of the instruction being executed.
func (fr *frame) PC() int {
	return fr.pc - 1
}

func (fr *frame) Register(i int) Val {
	if i < 0 || i >= len(fr.regs) {
		return nil
	}
	return fr.regs[i]
}

func (fr *frame) Upvalue(i int) Val {
	if i < 0 || i >= len(fr.cl.upvals) {
		return nil
	}
	return fr.cl.upvals[i].get()
}

func (fr *frame) ensure(n int) {
	if n > len(fr.regs) {
		fr.regs = append(fr.regs, make([]Val, n-len(fr.regs))...)
	}
}

func (fr *frame) findUpval(idx int) *upval {
	for _, u := range fr.open {
		if u.idx == idx {
			return u
		}
	}
	u := &upval{fr: fr, idx: idx}
	fr.open = append(fr.open, u)
	return u
}

// closeUpvals closes the open upvalues of registers from and above.
func (fr *frame) closeUpvals(from int) {
	open := fr.open[:0]
	for _, u := range fr.open {
		if u.idx >= from {
			u.close()
		} else {
			open = append(open, u)
		}
	}
	clear(fr.open[len(open):])
	fr.open = open
}

// Coroutine is a thread of guest execution with its own stack of frames.
type Coroutine struct {
	m      *Machine
	fn     Val
	status Status
	frames []*frame

	started   bool
	yieldable bool
	nest      int

	// pending yield: where the resume values go in the top frame
	pendA, pendN int
	yielded      []Val
	cont         func(co *Coroutine, args ...Val) ([]Val, error)
}

// Status returns the current state of the coroutine.
func (co *Coroutine) Status() Status {
	return co.status
}

// Machine returns the interpreter the coroutine runs in.
func (co *Coroutine) Machine() *Machine {
	return co.m
}

// Resume starts or continues the coroutine with a fresh budget, returning the
// values it yields or returns. It fails without running if the machine was
// aborted.
func (co *Coroutine) Resume(args ...Val) ([]Val, error) {
	if err := co.m.reset(); err != nil {
		return nil, err
	}
	return co.resume(args)
}

func (co *Coroutine) resume(args []Val) (r []Val, err error) {
	switch co.status {
	case Dead:
		return nil, errors.New("cannot resume dead coroutine")
	case Running, Normal:
		return nil, errors.New("cannot resume non-suspended coroutine")
	}

	co.status = Running
	if !co.started {
		co.started = true
		if cl, ok := co.fn.(*Closure); ok {
			if err = co.pushFrame(cl, args, 0, -1); err == nil {
				r, err = co.run(0)
			}
		} else {
			r, err = co.Call(co.fn, args...)
		}
	} else if cont := co.cont; cont != nil {
		co.cont = nil
		co.nest++
		args, err = cont(co, args...)
		co.nest--
		if err == nil {
			co.place(co.top(), co.pendA, co.pendN, args)
			r, err = co.run(0)
		} else {
			r, err = co.raise(err)
		}
	} else {
		co.place(co.top(), co.pendA, co.pendN, args)
		r, err = co.run(0)
	}

	if err == errYield {
		co.status = Suspended
		r, co.yielded = co.yielded, nil
		return r, nil
	}
	co.status = Dead
	if err != nil {
		for _, fr := range co.frames {
			fr.closeUpvals(0)
		}
		co.frames = nil
	}
	return
}

// Call calls f with args from inside a Go function, running guest code to
// completion. Guest code called this way can't yield.
func (co *Coroutine) Call(f Val, args ...Val) ([]Val, error) {
	switch fn := f.(type) {
	case *GoFunction:
		return co.callGo(fn, args)
	case *Closure:
		if co.nest >= maxNest {
			return nil, co.wrapError(errCStackOverflow)
		}
		base := len(co.frames)
		if err := co.pushFrame(fn, args, 0, -1); err != nil {
			return nil, co.wrapError(err)
		}
		co.nest++
		defer func() { co.nest-- }()
		return co.run(base)
	}

	mm := co.metamethod(f, "__call")
	if mm == nil {
		return nil, co.wrapError(fmt.Errorf("attempt to call a %s value", TypeName(f)))
	}
	return co.Call(mm, append([]Val{f}, args...)...)
}

func (co *Coroutine) callGo(f *GoFunction, args []Val) ([]Val, error) {
	if co.nest >= maxNest {
		return nil, co.wrapError(errCStackOverflow)
	}
	co.nest++
	r, err := f.Run(co, args...)
	co.nest--
	if err != nil {
		return nil, co.wrapError(err)
	}
	return r, nil
}

// run executes until the frame at index base returns, catching errors in
// protected frames above it.
func (co *Coroutine) run(base int) ([]Val, error) {
	for {
		r, err := co.execute(base)
		if err == nil {
			return r, nil
		}

		var e *Error
		if !errors.As(err, &e) {
			return nil, err
		}
		caught, err := co.unwind(base, e)
		if err != nil {
			return nil, err
		}
		if !caught {
			return nil, e
		}
	}
}

// raise throws err from the suspended call at the top of the stack.
func (co *Coroutine) raise(err error) ([]Val, error) {
	var e *Error
	if !errors.As(co.wrapError(err), &e) {
		return nil, err
	}
	caught, err := co.unwind(0, e)
	if err != nil {
		return nil, err
	}
	if !caught {
		return nil, e
	}
	return co.run(0)
}

// unwind pops frames down to the nearest protected one above base and
// delivers the error to its caller, or pops everything down to base.
func (co *Coroutine) unwind(base int, e *Error) (bool, error) {
	for i := len(co.frames) - 1; i > base; i-- {
		fr := co.frames[i]
		if !fr.protected {
			continue
		}

		val, err := co.handle(e.Value, fr.handler)
		if err != nil {
			return false, err
		}
		co.popTo(i)
		co.place(co.frames[i-1], fr.retA, fr.nret, []Val{false, val})
		return true, nil
	}

	co.popTo(base)
	return false, nil
}

func (co *Coroutine) popTo(n int) {
	for _, fr := range co.frames[n:] {
		fr.closeUpvals(0)
	}
	clear(co.frames[n:])
	co.frames = co.frames[:n]
}

func (co *Coroutine) pushFrame(cl *Closure, args []Val, retA, nret int) error {
	m := co.m
	if d := m.Limits.MaxCallDepth; d > 0 && len(co.frames) >= d {
		return errStackOverflow
	}

	p := cl.p
	if err := m.charge(16 * int(p.MaxStackSize)); err != nil {
		return err
	}

	fr := &frame{
		cl:   cl,
		regs: make([]Val, max(int(p.MaxStackSize), int(p.NumParams))),
		retA: retA,
		nret: nret,
	}
	np := int(p.NumParams)
	copy(fr.regs, args[:min(np, len(args))])
	if p.IsVararg && len(args) > np {
		fr.varargs = append([]Val(nil), args[np:]...)
	}
	co.frames = append(co.frames, fr)
	return nil
}

// place stores call results in the registers from a. n < 0 means all of
// them, setting top.
func (co *Coroutine) place(fr *frame, a, n int, vals []Val) {
	if n < 0 {
		fr.ensure(a + len(vals))
		copy(fr.regs[a:], vals)
		fr.top = a + len(vals)
		return
	}

	fr.ensure(a + n)
	copied := copy(fr.regs[a:a+n], vals)
	clear(fr.regs[a+copied : a+n])
}

// where returns the position prefix of the guest function level frames down
// the stack, level 1 being the innermost.
func (co *Coroutine) where(level int) string {
	i := len(co.frames) - level
	if level <= 0 || i < 0 {
		return ""
	}
	fr := co.frames[i]
	if line := fr.cl.p.Line(fr.PC()); line > 0 {
		return fmt.Sprintf("%s:%d: ", fr.cl.p.ChunkID(), line)
	}
	return fmt.Sprintf("%s: ", fr.cl.p.ChunkID())
}

// Traceback lists the active guest frames, innermost first.
func (co *Coroutine) Traceback() string {
	var b strings.Builder
	b.WriteString("stack traceback:")
	for i := len(co.frames) - 1; i >= 0; i-- {
		fr := co.frames[i]
		p := fr.cl.p
		fmt.Fprintf(&b, "\n\t%s:%d: in ", p.ChunkID(), p.Line(fr.PC()))
		if p.LineDefined == 0 {
			b.WriteString("main chunk")
		} else {
			fmt.Fprintf(&b, "function <%s:%d>", p.ChunkID(), p.LineDefined)
		}
	}
	return b.String()
}

// wrapError turns an error from a Go function into a guest error, prefixed
// with the position of the calling guest function.
func (co *Coroutine) wrapError(err error) error {
	var e *Error
	var ae *AbortError
	switch {
	case err == errYield, errors.As(err, &ae):
		return err
	case errors.As(err, &e):
		if e.Traceback == "" {
			e.Traceback = co.Traceback()
		}
		return e
	}
	return &Error{Value: co.where(1) + err.Error(), Traceback: co.Traceback()}
}
