package vm

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/Heliodex/cocraft/internal"
)

const maxIndexChain = 100

var arithEvents = map[uint8]string{
	internal.OpAdd: "__add",
	internal.OpSub: "__sub",
	internal.OpMul: "__mul",
	internal.OpDiv: "__div",
	internal.OpMod: "__mod",
	internal.OpPow: "__pow",
	internal.OpUnm: "__unm",
}

// opError is a failed operation on a value of the wrong type. operand says
// which operand of the faulting instruction held it, -1 if none did.
type opError struct {
	op      string
	v       Val
	operand int
}

func (e *opError) Error() string {
	return fmt.Sprintf("attempt to %s a %s value", e.op, TypeName(e.v))
}

func first(r []Val) Val {
	if len(r) == 0 {
		return nil
	}
	return r[0]
}

func (co *Coroutine) metatable(v Val) *Table {
	switch v := v.(type) {
	case *Table:
		return v.Meta
	case string:
		return co.m.stringMeta
	}
	return nil
}

func (co *Coroutine) metamethod(v Val, event string) Val {
	if mt := co.metatable(v); mt != nil {
		return mt.getHash(event)
	}
	return nil
}

func isFunction(v Val) bool {
	switch v.(type) {
	case *Closure, *GoFunction:
		return true
	}
	return false
}

// index returns t[k], following __index.
func (co *Coroutine) index(t, k Val) (Val, error) {
	for loop := range maxIndexChain {
		var h Val
		if tt, ok := t.(*Table); ok {
			if v := tt.RawGet(k); v != nil {
				return v, nil
			}
			if h = tt.metamethod("__index"); h == nil {
				return nil, nil
			}
		} else if h = co.metamethod(t, "__index"); h == nil {
			operand := -1
			if loop == 0 {
				operand = 0
			}
			return nil, &opError{"index", t, operand}
		}

		if isFunction(h) {
			r, err := co.Call(h, t, k)
			return first(r), err
		}
		t = h
	}
	return nil, errors.New("loop in gettable")
}

// setindex does t[k] = v, following __newindex.
func (co *Coroutine) setindex(t, k, v Val) error {
	for loop := range maxIndexChain {
		var h Val
		if tt, ok := t.(*Table); ok {
			if tt.Meta == nil || tt.RawGet(k) != nil {
				return co.rawset(tt, k, v)
			}
			if h = tt.metamethod("__newindex"); h == nil {
				return co.rawset(tt, k, v)
			}
		} else if h = co.metamethod(t, "__newindex"); h == nil {
			operand := -1
			if loop == 0 {
				operand = 0
			}
			return &opError{"index", t, operand}
		}

		if isFunction(h) {
			_, err := co.Call(h, t, k, v)
			return err
		}
		t = h
	}
	return errors.New("loop in settable")
}

func (co *Coroutine) rawset(t *Table, k, v Val) error {
	n := t.count()
	if err := t.RawSet(k, v); err != nil {
		return err
	}
	if t.count() > n {
		return co.m.charge(16)
	}
	return nil
}

func arithOp(op uint8, a, b float64) float64 {
	switch op {
	case internal.OpAdd:
		return a + b
	case internal.OpSub:
		return a - b
	case internal.OpMul:
		return a * b
	case internal.OpDiv:
		return a / b
	case internal.OpMod:
		return a - math.Floor(a/b)*b
	case internal.OpPow:
		return math.Pow(a, b)
	case internal.OpUnm:
		return -a
	}
	panic("unknown arithmetic op")
}

func (co *Coroutine) arith(op uint8, a, b Val) (Val, error) {
	x, okx := toNumber(a)
	y, oky := toNumber(b)
	if okx && oky {
		return arithOp(op, x, y), nil
	}

	ev := arithEvents[op]
	mm := co.metamethod(a, ev)
	if mm == nil {
		mm = co.metamethod(b, ev)
	}
	if mm == nil {
		if !okx {
			return nil, &opError{"perform arithmetic on", a, 0}
		}
		return nil, &opError{"perform arithmetic on", b, 1}
	}

	r, err := co.Call(mm, a, b)
	return first(r), err
}

func (co *Coroutine) equal(a, b Val) (bool, error) {
	if a == b {
		return true, nil
	}
	ta, ok := a.(*Table)
	if !ok {
		return false, nil
	}
	tb, ok := b.(*Table)
	if !ok {
		return false, nil
	}

	mm := ta.metamethod("__eq")
	if mm == nil {
		return false, nil
	}
	if ta.Meta != tb.Meta && tb.metamethod("__eq") != mm {
		return false, nil
	}

	r, err := co.Call(mm, a, b)
	return truthy(first(r)), err
}

func compareError(a, b Val) error {
	ta, tb := TypeName(a), TypeName(b)
	if ta == tb {
		return fmt.Errorf("attempt to compare two %s values", ta)
	}
	return fmt.Errorf("attempt to compare %s with %s", ta, tb)
}

func (co *Coroutine) orderMeta(a, b Val, event string) (res, ok bool, err error) {
	mm := co.metamethod(a, event)
	if mm == nil {
		if mm = co.metamethod(b, event); mm == nil {
			return
		}
	}
	r, err := co.Call(mm, a, b)
	return truthy(first(r)), true, err
}

func (co *Coroutine) lessThan(a, b Val) (bool, error) {
	switch x := a.(type) {
	case float64:
		if y, ok := b.(float64); ok {
			return x < y, nil
		}
	case string:
		if y, ok := b.(string); ok {
			return x < y, nil
		}
	}
	if res, ok, err := co.orderMeta(a, b, "__lt"); ok {
		return res, err
	}
	return false, compareError(a, b)
}

func (co *Coroutine) lessEqual(a, b Val) (bool, error) {
	switch x := a.(type) {
	case float64:
		if y, ok := b.(float64); ok {
			return x <= y, nil
		}
	case string:
		if y, ok := b.(string); ok {
			return x <= y, nil
		}
	}
	if res, ok, err := co.orderMeta(a, b, "__le"); ok {
		return res, err
	}
	if res, ok, err := co.orderMeta(b, a, "__lt"); ok {
		return !res, err
	}
	return false, compareError(a, b)
}

// concat joins vals right to left, calling __concat where needed.
func (co *Coroutine) concat(vals []Val) (Val, error) {
	i := len(vals) - 1
	acc, accOperand := vals[i], i
	for i > 0 {
		if _, ok := toStringCoerce(acc); ok {
			j := i
			for j > 0 {
				if _, ok := toStringCoerce(vals[j-1]); !ok {
					break
				}
				j--
			}

			if j < i {
				var b strings.Builder
				for _, v := range vals[j:i] {
					s, _ := toStringCoerce(v)
					b.WriteString(s)
				}
				s, _ := toStringCoerce(acc)
				b.WriteString(s)
				if err := co.m.charge(b.Len()); err != nil {
					return nil, err
				}
				acc, accOperand, i = b.String(), -1, j
				continue
			}
		}

		a := vals[i-1]
		mm := co.metamethod(a, "__concat")
		if mm == nil {
			mm = co.metamethod(acc, "__concat")
		}
		if mm == nil {
			if _, ok := toStringCoerce(a); ok {
				return nil, &opError{"concatenate", acc, accOperand}
			}
			return nil, &opError{"concatenate", a, i - 1}
		}

		r, err := co.Call(mm, a, acc)
		if err != nil {
			return nil, err
		}
		acc, accOperand, i = first(r), -1, i-1
	}
	return acc, nil
}

func (co *Coroutine) length(v Val) (Val, error) {
	switch v := v.(type) {
	case string:
		return float64(len(v)), nil
	case *Table:
		if mm := v.metamethod("__len"); mm != nil {
			r, err := co.Call(mm, v)
			return first(r), err
		}
		return float64(v.Len()), nil
	}
	return nil, &opError{"get length of", v, 0}
}

func (co *Coroutine) tostring(v Val) (string, error) {
	mm := co.metamethod(v, "__tostring")
	if mm == nil {
		return ToString(v), nil
	}

	r, err := co.Call(mm, v)
	if err != nil {
		return "", err
	}
	s, ok := toStringCoerce(first(r))
	if !ok {
		return "", errors.New("'__tostring' must return a string")
	}
	return s, nil
}
