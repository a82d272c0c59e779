// Package vm implements a stackless register VM for Lua 5.2 bytecode, along
// with the standard library subset computer programs use.
package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Heliodex/cocraft/internal"
	"github.com/Heliodex/cocraft/lua/provenance"
)

// Val represents any possible guest value: nil, bool, float64, string,
// *Table, *Closure, *GoFunction or *Coroutine.
type Val = internal.Val

type fnKind uint8

const (
	kindPlain fnKind = iota
	kindPcall
	kindXpcall
	kindYield
)

// GoFunction is a native function callable from guest code. Lua type `function`
// As functions are compared by reference, this type must always be used as a pointer.
type GoFunction struct {
	// Run is the native body of the function.
	Run  func(co *Coroutine, args ...Val) (r []Val, err error)
	Name string
	kind fnKind

	// for kindYield: the values yielded, and the results once resumed
	yield, cont func(co *Coroutine, args ...Val) ([]Val, error)
}

func fn(name string, f func(co *Coroutine, args ...Val) (r []Val, err error)) *GoFunction {
	return &GoFunction{Run: f, Name: name}
}

// Closure is a guest function instance: a prototype plus its captured upvalues.
type Closure struct {
	p      *internal.Proto
	upvals []*upval
}

// Proto returns the prototype the closure was created from.
func (c *Closure) Proto() *internal.Proto {
	return c.p
}

// upval is open while fr is set, pointing at a live register.
type upval struct {
	fr    *frame
	idx   int
	value Val
}

func (u *upval) get() Val {
	if u.fr != nil {
		return u.fr.regs[u.idx]
	}
	return u.value
}

func (u *upval) set(v Val) {
	if u.fr != nil {
		u.fr.regs[u.idx] = v
		return
	}
	u.value = v
}

func (u *upval) close() {
	u.value = u.fr.regs[u.idx]
	u.fr = nil
}

// Error is a guest-level error: the value raised by error() or by a failed
// operation. It can be caught by pcall.
type Error struct {
	Value     Val
	Traceback string
	// Diagnosis explains nil call and index faults when it can.
	Diagnosis *provenance.Diagnosis
}

func (e *Error) Error() string {
	if s, ok := e.Value.(string); ok {
		return s
	}
	if e.Value == nil {
		return "nil"
	}
	return fmt.Sprintf("(error object is a %s value)", TypeName(e.Value))
}

// Abort reasons
const (
	AbortInstructions = "too long without yielding"
	AbortMemory       = "out of memory"
	AbortHost         = "execution cancelled"
)

// AbortError ends a run when the resource budget is exceeded or the host
// cancels it. It can't be caught by the guest.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	return e.Reason
}

// TypeName returns the Lua type of a value, as type() does.
func TypeName(v Val) string {
	switch v.(type) {
	case nil:
		return "nil"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case *Table:
		return "table"
	case *Closure, *GoFunction:
		return "function"
	case *Coroutine:
		return "thread"
	}
	return "userdata"
}

func truthy(v Val) bool {
	return v != nil && v != false
}

func num2str(n float64) string {
	switch {
	case math.IsNaN(n):
		return "nan"
	case math.IsInf(n, 1):
		return "inf"
	case math.IsInf(n, -1):
		return "-inf"
	}
	return strconv.FormatFloat(n, 'g', 14, 64)
}

// ToString returns the string form of a value, ignoring __tostring.
func ToString(v Val) string {
	switch v := v.(type) {
	case nil:
		return "nil"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return num2str(v)
	case string:
		return v
	case *GoFunction:
		return fmt.Sprintf("builtin: %p", v)
	}
	return fmt.Sprintf("%s: %p", TypeName(v), v)
}

func parseHex(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	var n float64
	for i := range len(s) {
		c := s[i]
		var d byte
		switch {
		case isdigit(c):
			d = c - '0'
		case c|32 >= 'a' && c|32 <= 'f':
			d = c | 32 - 'a' + 10
		default:
			return 0, false
		}
		n = n*16 + float64(d)
	}
	return n, true
}

// str2num converts a numeric string the way the lexer reads number literals.
func str2num(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	neg := false
	body := s
	if strings.HasPrefix(body, "-") {
		neg, body = true, body[1:]
	} else if strings.HasPrefix(body, "+") {
		body = body[1:]
	}

	if len(body) > 1 && body[0] == '0' && body[1]|32 == 'x' {
		n, ok := parseHex(body[2:])
		if neg {
			n = -n
		}
		return n, ok
	}

	// reject what ParseFloat takes but the language doesn't
	for i := range len(body) {
		c := body[i]
		if !isdigit(c) && c != '.' && c|32 != 'e' && c != '-' && c != '+' {
			return 0, false
		}
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); !ok || ne.Err != strconv.ErrRange {
			return 0, false
		}
	}
	return n, true
}

// toNumber applies the string to number coercion of arithmetic.
func toNumber(v Val) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case string:
		return str2num(v)
	}
	return 0, false
}

// toStringCoerce applies the number to string coercion of concatenation.
func toStringCoerce(v Val) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case float64:
		return num2str(v), true
	}
	return "", false
}

// RawEqual compares without metamethods.
func RawEqual(a, b Val) bool {
	return a == b
}
