package vm

import (
	"errors"
	"fmt"

	"github.com/Heliodex/cocraft/internal"
	"github.com/Heliodex/cocraft/lua/provenance"
)

func constName(p *internal.Proto, c int) string {
	if internal.IsK(c) {
		if s, ok := p.K[internal.IndexK(c)].(string); ok {
			return s
		}
	}
	return "?"
}

// objName names the variable that register reg holds at pc, if it can tell.
func objName(p *internal.Proto, pc, reg int) (kind, name string) {
	if n, ok := p.LocalName(reg, pc); ok {
		return "local", n
	}

	setreg := provenance.FindLastWrite(p, pc, reg)
	if setreg == -1 {
		return
	}

	i := p.Code[setreg]
	switch i.Opcode {
	case internal.OpMove:
		if i.B < i.A {
			return objName(p, setreg, i.B)
		}
	case internal.OpGetTabUp:
		if p.UpvalName(i.B) == "_ENV" {
			return "global", constName(p, i.C)
		}
		return "field", constName(p, i.C)
	case internal.OpGetTable:
		if n, ok := p.LocalName(i.B, setreg); ok && n == "_ENV" {
			return "global", constName(p, i.C)
		}
		return "field", constName(p, i.C)
	case internal.OpGetUpval:
		return "upvalue", p.UpvalName(i.B)
	case internal.OpLoadK, internal.OpLoadKX:
		k := i.Bx
		if i.Opcode == internal.OpLoadKX && setreg+1 < len(p.Code) {
			k = p.Code[setreg+1].Ax
		}
		if s, ok := p.K[k].(string); ok {
			return "constant", s
		}
	case internal.OpSelf:
		return "method", constName(p, i.C)
	}
	return
}

// describe names an instruction operand: a register, or an upvalue encoded
// as -1-index. Constants have no name.
func (co *Coroutine) describe(fr *frame, operand int) string {
	p := fr.cl.p
	if operand < 0 {
		if n := p.UpvalName(-1 - operand); n != "" {
			return fmt.Sprintf("upvalue '%s'", n)
		}
		return ""
	}
	if internal.IsK(operand) {
		return ""
	}
	if kind, name := objName(p, fr.PC(), operand); kind != "" {
		return fmt.Sprintf("%s '%s'", kind, name)
	}
	return ""
}

// fault turns an error raised by the instruction being executed in fr into
// a guest error, naming the offending operand when it can.
func (co *Coroutine) fault(fr *frame, err error, operands ...int) error {
	var oe *opError
	if !errors.As(err, &oe) {
		return co.wrapError(err)
	}

	var name string
	var d *provenance.Diagnosis
	if oe.operand >= 0 && oe.operand < len(operands) {
		name = co.describe(fr, operands[oe.operand])
		if oe.v == nil && (oe.op == provenance.OpCall || oe.op == provenance.OpIndex) {
			if d = provenance.Analyze(fr); d != nil {
				name = d.String()
			}
		}
	}

	msg := oe.Error()
	if name != "" {
		msg = fmt.Sprintf("attempt to %s %s (a %s value)", oe.op, name, TypeName(oe.v))
	}
	return &Error{
		Value:     co.where(1) + msg,
		Traceback: co.Traceback(),
		Diagnosis: d,
	}
}
