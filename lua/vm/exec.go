package vm

import (
	"errors"
	"fmt"

	"github.com/Heliodex/cocraft/internal"
)

func fb2int(x int) int {
	if e := x >> 3 & 31; e != 0 {
		return (x&7 + 8) << (e - 1)
	}
	return x
}

func (fr *frame) rk(x int) Val {
	if internal.IsK(x) {
		return fr.cl.p.K[internal.IndexK(x)]
	}
	return fr.regs[x]
}

// values copies the n-1 registers from a, or up to top when n is 0.
func (fr *frame) values(a, n int) []Val {
	end := a + n - 1
	if n == 0 {
		end = fr.top
	}
	if end <= a {
		return nil
	}
	fr.ensure(end)
	return append([]Val(nil), fr.regs[a:end]...)
}

func (co *Coroutine) resolveCall(f Val, args []Val) (Val, []Val, error) {
	for loop := range maxIndexChain {
		if isFunction(f) {
			return f, args, nil
		}
		mm := co.metamethod(f, "__call")
		if mm == nil {
			operand := -1
			if loop == 0 {
				operand = 0
			}
			return nil, nil, &opError{"call", f, operand}
		}
		args = append([]Val{f}, args...)
		f = mm
	}
	return nil, nil, errors.New("'__call' chain too long")
}

// precall starts a call from fr. Guest functions get a new frame and
// pushed is true; Go functions run to completion, their results stored
// from retA.
func (co *Coroutine) precall(fr *frame, f Val, args []Val, retA, nret int) (pushed bool, err error) {
	f, args, err = co.resolveCall(f, args)
	if err != nil {
		return
	}

	switch fn := f.(type) {
	case *Closure:
		return true, co.pushFrame(fn, args, retA, nret)
	case *GoFunction:
		switch fn.kind {
		case kindYield:
			if !co.yieldable {
				return false, errYieldOutside
			}
			if co.nest > 0 {
				return false, errYieldAcross
			}
			vals := args
			if fn.yield != nil {
				if vals, err = fn.yield(co, args...); err != nil {
					return false, co.wrapError(err)
				}
			}
			co.yielded, co.pendA, co.pendN, co.cont = vals, retA, nret, fn.cont
			return false, errYield
		case kindPcall, kindXpcall:
			return co.pcall(fr, fn.kind, args, retA, nret)
		}

		r, err := co.callGo(fn, args)
		if err != nil {
			return false, err
		}
		co.place(fr, retA, nret, r)
	}
	return
}

// handle runs the message handler of an xpcall on a caught error value.
func (co *Coroutine) handle(val, handler Val) (Val, error) {
	if handler == nil {
		return val, nil
	}
	r, err := co.Call(handler, val)
	if err != nil {
		var ae *AbortError
		if errors.As(err, &ae) {
			return nil, err
		}
		return "error in error handling", nil
	}
	return first(r), nil
}

// catch converts an error raised under pcall into its results.
func (co *Coroutine) catch(err error, handler Val) ([]Val, error) {
	var e *Error
	if !errors.As(co.wrapError(err), &e) {
		return nil, err
	}
	val, err := co.handle(e.Value, handler)
	if err != nil {
		return nil, err
	}
	return []Val{false, val}, nil
}

// pcall calls a function in protected mode. A guest callee gets a protected
// frame, so it may yield; errors raised above it are caught by unwind.
func (co *Coroutine) pcall(fr *frame, kind fnKind, args []Val, retA, nret int) (bool, error) {
	name := "pcall"
	var handler Val
	if kind == kindXpcall {
		name = "xpcall"
		if len(args) < 2 {
			return false, fmt.Errorf("bad argument #2 to 'xpcall' (value expected)")
		}
		handler = args[1]
		args = append([]Val{args[0]}, args[2:]...)
	}
	if len(args) == 0 {
		return false, fmt.Errorf("bad argument #1 to '%s' (value expected)", name)
	}

	f, fargs, err := co.resolveCall(args[0], args[1:])
	if err == nil {
		if cl, ok := f.(*Closure); ok {
			if err = co.pushFrame(cl, fargs, retA, nret); err == nil {
				top := co.frames[len(co.frames)-1]
				top.protected, top.handler = true, handler
				return true, nil
			}
		}
	}

	var r []Val
	if err == nil {
		r, err = co.callGo(f.(*GoFunction), fargs)
		r = append([]Val{true}, r...)
	}
	if err != nil {
		if r, err = co.catch(err, handler); err != nil {
			return false, err
		}
	}
	co.place(fr, retA, nret, r)
	return false, nil
}

// pcallGo is pcall when called from a Go function.
func pcallGo(co *Coroutine, args ...Val) ([]Val, error) {
	if len(args) == 0 {
		return nil, errors.New("bad argument #1 to 'pcall' (value expected)")
	}
	r, err := co.Call(args[0], args[1:]...)
	if err != nil {
		return co.catch(err, nil)
	}
	return append([]Val{true}, r...), nil
}

func xpcallGo(co *Coroutine, args ...Val) ([]Val, error) {
	if len(args) < 2 {
		return nil, errors.New("bad argument #2 to 'xpcall' (value expected)")
	}
	r, err := co.Call(args[0], args[2:]...)
	if err != nil {
		return co.catch(err, args[1])
	}
	return append([]Val{true}, r...), nil
}

func yieldGo(co *Coroutine, args ...Val) ([]Val, error) {
	return nil, errYieldAcross
}

func (co *Coroutine) top() *frame {
	return co.frames[len(co.frames)-1]
}

// execute runs instructions until the frame at index base returns.
func (co *Coroutine) execute(base int) ([]Val, error) {
	m := co.m
	fr := co.top()
	for {
		if err := m.step(); err != nil {
			return nil, err
		}

		p := fr.cl.p
		i := p.Code[fr.pc]
		fr.pc++

		switch i.Opcode {
		case internal.OpMove:
			fr.regs[i.A] = fr.regs[i.B]
		case internal.OpLoadK:
			fr.regs[i.A] = p.K[i.Bx]
		case internal.OpLoadKX:
			fr.regs[i.A] = p.K[p.Code[fr.pc].Ax]
			fr.pc++
		case internal.OpLoadBool:
			fr.regs[i.A] = i.B != 0
			if i.C != 0 {
				fr.pc++
			}
		case internal.OpLoadNil:
			clear(fr.regs[i.A : i.A+i.B+1])
		case internal.OpGetUpval:
			fr.regs[i.A] = fr.cl.upvals[i.B].get()
		case internal.OpGetTabUp:
			v, err := co.index(fr.cl.upvals[i.B].get(), fr.rk(i.C))
			if err != nil {
				return nil, co.fault(fr, err, -1-i.B)
			}
			fr.regs[i.A] = v
		case internal.OpGetTable:
			v, err := co.index(fr.regs[i.B], fr.rk(i.C))
			if err != nil {
				return nil, co.fault(fr, err, i.B)
			}
			fr.regs[i.A] = v
		case internal.OpSetTabUp:
			if err := co.setindex(fr.cl.upvals[i.A].get(), fr.rk(i.B), fr.rk(i.C)); err != nil {
				return nil, co.fault(fr, err, -1-i.A)
			}
		case internal.OpSetUpval:
			fr.cl.upvals[i.B].set(fr.regs[i.A])
		case internal.OpSetTable:
			if err := co.setindex(fr.regs[i.A], fr.rk(i.B), fr.rk(i.C)); err != nil {
				return nil, co.fault(fr, err, i.A)
			}
		case internal.OpNewTable:
			b, c := fb2int(i.B), fb2int(i.C)
			if err := m.charge(64 + 16*(b+c)); err != nil {
				return nil, err
			}
			fr.regs[i.A] = NewTable(b, c)
		case internal.OpSelf:
			t := fr.regs[i.B]
			v, err := co.index(t, fr.rk(i.C))
			if err != nil {
				return nil, co.fault(fr, err, i.B)
			}
			fr.regs[i.A+1] = t
			fr.regs[i.A] = v
		case internal.OpAdd, internal.OpSub, internal.OpMul, internal.OpDiv, internal.OpMod, internal.OpPow:
			b, c := fr.rk(i.B), fr.rk(i.C)
			if x, ok := b.(float64); ok {
				if y, ok := c.(float64); ok {
					fr.regs[i.A] = arithOp(i.Opcode, x, y)
					continue
				}
			}
			v, err := co.arith(i.Opcode, b, c)
			if err != nil {
				return nil, co.fault(fr, err, i.B, i.C)
			}
			fr.regs[i.A] = v
		case internal.OpUnm:
			b := fr.regs[i.B]
			v, err := co.arith(internal.OpUnm, b, b)
			if err != nil {
				return nil, co.fault(fr, err, i.B, i.B)
			}
			fr.regs[i.A] = v
		case internal.OpNot:
			fr.regs[i.A] = !truthy(fr.regs[i.B])
		case internal.OpLen:
			v, err := co.length(fr.regs[i.B])
			if err != nil {
				return nil, co.fault(fr, err, i.B)
			}
			fr.regs[i.A] = v
		case internal.OpConcat:
			v, err := co.concat(fr.regs[i.B : i.C+1])
			if err != nil {
				operands := make([]int, i.C-i.B+1)
				for j := range operands {
					operands[j] = i.B + j
				}
				return nil, co.fault(fr, err, operands...)
			}
			fr.regs[i.A] = v
		case internal.OpJmp:
			fr.pc += i.SBx
			if i.A > 0 {
				fr.closeUpvals(i.A - 1)
			}
		case internal.OpEq, internal.OpLt, internal.OpLe:
			var res bool
			var err error
			b, c := fr.rk(i.B), fr.rk(i.C)
			switch i.Opcode {
			case internal.OpEq:
				res, err = co.equal(b, c)
			case internal.OpLt:
				res, err = co.lessThan(b, c)
			default:
				res, err = co.lessEqual(b, c)
			}
			if err != nil {
				return nil, co.fault(fr, err)
			}
			if res != (i.A != 0) {
				fr.pc++
			}
		case internal.OpTest:
			if truthy(fr.regs[i.A]) != (i.C != 0) {
				fr.pc++
			}
		case internal.OpTestSet:
			if v := fr.regs[i.B]; truthy(v) == (i.C != 0) {
				fr.regs[i.A] = v
			} else {
				fr.pc++
			}
		case internal.OpCall:
			pushed, err := co.precall(fr, fr.regs[i.A], fr.values(i.A+1, i.B), i.A, i.C-1)
			if err != nil {
				return nil, co.fault(fr, err, i.A)
			}
			if pushed {
				fr = co.top()
			}
		case internal.OpTailCall:
			f, args, err := co.resolveCall(fr.regs[i.A], fr.values(i.A+1, i.B))
			if err != nil {
				return nil, co.fault(fr, err, i.A)
			}

			cl, ok := f.(*Closure)
			if !ok {
				// the RETURN that follows delivers the results
				if _, err := co.precall(fr, f, args, i.A, -1); err != nil {
					return nil, co.fault(fr, err, i.A)
				}
				continue
			}

			fr.closeUpvals(0)
			co.frames = co.frames[:len(co.frames)-1]
			if err := co.pushFrame(cl, args, fr.retA, fr.nret); err != nil {
				return nil, err
			}
			next := co.top()
			next.protected, next.handler = fr.protected, fr.handler
			fr = next
		case internal.OpReturn:
			vals := fr.values(i.A, i.B)
			fr.closeUpvals(0)
			co.frames[len(co.frames)-1] = nil
			co.frames = co.frames[:len(co.frames)-1]
			if fr.protected {
				vals = append([]Val{true}, vals...)
			}
			if len(co.frames) == base {
				return vals, nil
			}

			caller := co.top()
			co.place(caller, fr.retA, fr.nret, vals)
			fr = caller
		case internal.OpForLoop:
			step := fr.regs[i.A+2].(float64)
			idx := fr.regs[i.A].(float64) + step
			limit := fr.regs[i.A+1].(float64)
			if step > 0 && idx <= limit || step <= 0 && limit <= idx {
				fr.pc += i.SBx
				fr.regs[i.A] = idx
				fr.regs[i.A+3] = idx
			}
		case internal.OpForPrep:
			init, ok := toNumber(fr.regs[i.A])
			if !ok {
				return nil, co.fault(fr, errors.New("'for' initial value must be a number"))
			}
			limit, ok := toNumber(fr.regs[i.A+1])
			if !ok {
				return nil, co.fault(fr, errors.New("'for' limit must be a number"))
			}
			step, ok := toNumber(fr.regs[i.A+2])
			if !ok {
				return nil, co.fault(fr, errors.New("'for' step must be a number"))
			}
			fr.regs[i.A], fr.regs[i.A+1], fr.regs[i.A+2] = init-step, limit, step
			fr.pc += i.SBx
		case internal.OpTForCall:
			args := []Val{fr.regs[i.A+1], fr.regs[i.A+2]}
			pushed, err := co.precall(fr, fr.regs[i.A], args, i.A+3, i.C)
			if err != nil {
				return nil, co.fault(fr, err, i.A)
			}
			if pushed {
				fr = co.top()
			}
		case internal.OpTForLoop:
			if v := fr.regs[i.A+1]; v != nil {
				fr.regs[i.A] = v
				fr.pc += i.SBx
			}
		case internal.OpSetList:
			n := i.B
			if n == 0 {
				n = fr.top - i.A - 1
			}
			c := i.C
			if c == 0 {
				c = p.Code[fr.pc].Ax
				fr.pc++
			}
			if err := m.charge(16 * n); err != nil {
				return nil, err
			}

			t := fr.regs[i.A].(*Table)
			start := (c - 1) * internal.FieldsPerFlush
			for j := 1; j <= n; j++ {
				t.SetInt(start+j, fr.regs[i.A+j])
			}
		case internal.OpClosure:
			np := p.Protos[i.Bx]
			if err := m.charge(32 + 8*len(np.Upvalues)); err != nil {
				return nil, err
			}

			cl := &Closure{p: np, upvals: make([]*upval, len(np.Upvalues))}
			for j, d := range np.Upvalues {
				if d.InStack {
					cl.upvals[j] = fr.findUpval(d.Idx)
				} else {
					cl.upvals[j] = fr.cl.upvals[d.Idx]
				}
			}
			fr.regs[i.A] = cl
		case internal.OpVararg:
			n := i.B - 1
			if n < 0 {
				n = len(fr.varargs)
				fr.top = i.A + n
			}
			fr.ensure(i.A + n)
			for j := range n {
				if j < len(fr.varargs) {
					fr.regs[i.A+j] = fr.varargs[j]
				} else {
					fr.regs[i.A+j] = nil
				}
			}
		default:
			return nil, co.fault(fr, fmt.Errorf("unexpected %s", i.Name))
		}
	}
}
