// Package provenance reconstructs, from bytecode alone, the expression that
// produced a nil value at a failed call or index.
package provenance

import (
	"fmt"

	"github.com/Heliodex/cocraft/internal"
)

const (
	// maxDepth caps recursion in evaluate.
	maxDepth = 8
	// maxIndexChain caps the __index hops followed by safeIndex.
	maxIndexChain = 100
)

// Frame is the debug view of an active call.
type Frame interface {
	Proto() *internal.Proto
	PC() int
	Register(i int) internal.Val
	Upvalue(i int) internal.Val
}

// Indexable is a table that can be read without running guest code.
type Indexable interface {
	RawGet(k internal.Val) internal.Val
	// MetaIndex returns the raw __index field of the metatable, or nil.
	MetaIndex() internal.Val
}

// Keyed is an Indexable whose string keys can be listed.
type Keyed interface {
	Indexable
	StringKeys() []string
}

// Op labels
const (
	OpCall  = "call"
	OpIndex = "index"
)

// Diagnosis is the reconstructed origin of a nil value.
type Diagnosis struct {
	Op       string // OpCall or OpIndex
	IsGlobal bool
	Method   bool
	Table    internal.Val
	Key      string
}

// Kind names the expression the way Lua error messages do.
func (d *Diagnosis) Kind() string {
	switch {
	case d.IsGlobal:
		return "global"
	case d.Method:
		return "method"
	}
	return "field"
}

func (d *Diagnosis) String() string {
	return fmt.Sprintf("%s '%s'", d.Kind(), d.Key)
}

// writes reports whether i, at pc, writes register reg.
func writes(i internal.Inst, reg int) bool {
	switch i.Opcode {
	case internal.OpLoadNil:
		return i.A <= reg && reg <= i.A+i.B
	case internal.OpTForCall:
		return reg >= i.A+2
	case internal.OpCall, internal.OpTailCall:
		return reg >= i.A
	case internal.OpTest:
		// not a write, but the value in A is only known on one path
		return reg == i.A
	case internal.OpSelf:
		return reg == i.A || reg == i.A+1
	}
	return i.SetsA && reg == i.A
}

// FindLastWrite returns the pc of the last instruction before pc that wrote
// reg, or -1 when there is none or the write may have been jumped over.
//
// Forward jumps landing in [0, pc] raise a watermark, and writes below the
// watermark are discarded: they might sit in a skipped branch.
func FindLastWrite(p *internal.Proto, pc, reg int) int {
	if pc > len(p.Code) {
		pc = len(p.Code)
	}

	setreg := -1
	jmptarget := 0
	for at := range pc {
		i := p.Code[at]
		if i.Opcode == internal.OpJmp {
			dest := at + 1 + i.SBx
			if at < dest && dest <= pc && dest > jmptarget {
				jmptarget = dest
			}
			continue
		}
		if writes(i, reg) {
			setreg = filter(at, jmptarget)
		}
	}
	return setreg
}

func filter(pc, jmptarget int) int {
	if pc < jmptarget {
		return -1
	}
	return pc
}

// constString returns the string constant named by an RK operand.
func constString(p *internal.Proto, rk int) (string, bool) {
	if !internal.IsK(rk) {
		return "", false
	}
	k := internal.IndexK(rk)
	if k >= len(p.K) {
		return "", false
	}
	s, ok := p.K[k].(string)
	return s, ok
}

func isEnv(p *internal.Proto, upval int) bool {
	return p.UpvalName(upval) == "_ENV"
}

// Analyze explains the nil value at the faulting instruction of f, or returns
// nil when nothing useful can be said.
func Analyze(f Frame) *Diagnosis {
	p, pc := f.Proto(), f.PC()
	if p == nil || pc < 0 || pc >= len(p.Code) {
		return nil
	}

	var reg int
	var op string
	switch i := p.Code[pc]; i.Opcode {
	case internal.OpCall, internal.OpTailCall:
		reg, op = i.A, OpCall
	case internal.OpGetTable, internal.OpSelf:
		reg, op = i.B, OpIndex
	case internal.OpSetTable:
		reg, op = i.A, OpIndex
	default:
		return nil
	}

	w := FindLastWrite(p, pc, reg)
	if w < 0 {
		return nil
	}

	d := &Diagnosis{Op: op}
	var ok bool
	switch i := p.Code[w]; i.Opcode {
	case internal.OpGetTabUp:
		if d.Key, ok = constString(p, i.C); !ok {
			return nil
		}
		d.IsGlobal = isEnv(p, i.B)
		d.Table = f.Upvalue(i.B)
	case internal.OpGetTable, internal.OpSelf:
		if d.Key, ok = constString(p, i.C); !ok {
			return nil
		}
		if i.Opcode == internal.OpSelf {
			// SELF writes the method into A and the table into A+1
			if reg != i.A {
				return nil
			}
			d.Method = true
		}
		if d.Table, ok = evaluate(f, w, i.B, 0); !ok {
			return nil
		}
	default:
		return nil
	}

	if d.Table == nil {
		return nil
	}
	return d
}

// evaluate recovers the value held in reg at pc, without running any guest
// code. The second result is false when the value can't be determined.
func evaluate(f Frame, pc, reg, depth int) (internal.Val, bool) {
	if depth >= maxDepth {
		return nil, false
	}

	p := f.Proto()
	if _, ok := p.LocalName(reg, pc); ok {
		return f.Register(reg), true
	}

	w := FindLastWrite(p, pc, reg)
	if w < 0 {
		return nil, false
	}

	switch i := p.Code[w]; i.Opcode {
	case internal.OpMove:
		if i.B < i.A {
			return evaluate(f, w, i.B, depth+1)
		}
	case internal.OpLoadK:
		if i.Bx < len(p.K) {
			return p.K[i.Bx], true
		}
	case internal.OpLoadKX:
		if w+1 < len(p.Code) && p.Code[w+1].Opcode == internal.OpExtraArg && p.Code[w+1].Ax < len(p.K) {
			return p.K[p.Code[w+1].Ax], true
		}
	case internal.OpLoadBool:
		return i.B != 0, true
	case internal.OpLoadNil:
		return nil, true
	case internal.OpGetUpval:
		return f.Upvalue(i.B), true
	case internal.OpGetTable:
		t, ok := evaluate(f, w, i.B, depth+1)
		if !ok {
			return nil, false
		}
		k, ok := evaluateRK(f, w, i.C, depth+1)
		if !ok {
			return nil, false
		}
		return safeIndex(t, k)
	case internal.OpGetTabUp:
		k, ok := evaluateRK(f, w, i.C, depth+1)
		if !ok {
			return nil, false
		}
		return safeIndex(f.Upvalue(i.B), k)
	}
	return nil, false
}

func evaluateRK(f Frame, pc, rk, depth int) (internal.Val, bool) {
	if internal.IsK(rk) {
		p := f.Proto()
		if k := internal.IndexK(rk); k < len(p.K) {
			return p.K[k], true
		}
		return nil, false
	}
	return evaluate(f, pc, rk, depth)
}

// safeIndex performs t[k] following table __index chains. Function handlers
// and long chains leave the result unresolved.
func safeIndex(t, k internal.Val) (internal.Val, bool) {
	for range maxIndexChain {
		tbl, ok := t.(Indexable)
		if !ok {
			return nil, false
		}
		if v := tbl.RawGet(k); v != nil {
			return v, true
		}
		if t = tbl.MetaIndex(); t == nil {
			return nil, true
		}
	}
	return nil, false
}
