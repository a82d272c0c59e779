package vm

import (
	"fmt"
	"maps"
	"slices"
)

// argError is raised by the Args getters and recovered in MakeFn.
type argError struct {
	error
}

func badArg(i int, fn, msg string) error {
	return fmt.Errorf("bad argument #%d to '%s' (%s)", i, fn, msg)
}

// Args represents the arguments passed to a native function.
//
// A number of helper functions are provided to extract arguments from the
// list. If these fail to extract the argument, the function returns a bad
// argument error to the guest.
type Args struct {
	// Co is the coroutine that the function is running in.
	Co *Coroutine
	// List is the list of all arguments passed to the function.
	List []Val
	name string
	pos  int
}

func (a *Args) fail(msg string) {
	panic(argError{badArg(a.pos, a.name, msg)})
}

// Error returns a bad argument error for the argument last read.
func (a *Args) Error(msg string) error {
	return badArg(a.pos, a.name, msg)
}

func (a *Args) next(tx string, opt bool) (Val, bool) {
	a.pos++
	if a.pos > len(a.List) || a.List[a.pos-1] == nil {
		if opt {
			return nil, false
		}
		got := "no value"
		if a.pos <= len(a.List) {
			got = "nil"
		}
		a.fail(fmt.Sprintf("%s expected, got %s", tx, got))
	}
	return a.List[a.pos-1], true
}

func getArg[T Val](a *Args, optV []T, tx string) (g T) {
	v, ok := a.next(tx, len(optV) > 0)
	if !ok {
		return optV[0]
	}

	arg, ok := v.(T)
	if !ok {
		a.fail(fmt.Sprintf("%s expected, got %s", tx, TypeName(v)))
	}
	return arg
}

// CheckNextArg ensures that there is at least one more argument to be read.
func (a *Args) CheckNextArg() {
	if a.pos >= len(a.List) {
		panic(argError{badArg(a.pos+1, a.name, "no value")})
	}
}

// GetNumber returns the next argument as a number, converting numeric
// strings. An optional value can be passed if the argument is not required.
func (a *Args) GetNumber(optV ...float64) float64 {
	v, ok := a.next("number", len(optV) > 0)
	if !ok {
		return optV[0]
	}
	n, ok := toNumber(v)
	if !ok {
		a.fail("number expected, got " + TypeName(v))
	}
	return n
}

// GetInt returns the next argument as an integer, truncating towards zero.
func (a *Args) GetInt(optV ...int) int {
	var opt []float64
	if len(optV) > 0 {
		opt = []float64{float64(optV[0])}
	}
	return int(a.GetNumber(opt...))
}

// GetString returns the next argument as a string, converting numbers. An
// optional value can be passed if the argument is not required.
func (a *Args) GetString(optV ...string) string {
	v, ok := a.next("string", len(optV) > 0)
	if !ok {
		return optV[0]
	}
	s, ok := toStringCoerce(v)
	if !ok {
		a.fail("string expected, got " + TypeName(v))
	}
	return s
}

// GetBool returns the next argument as a boolean value. An optional value can be passed if the argument is not required.
func (a *Args) GetBool(optV ...bool) bool {
	return getArg(a, optV, "boolean")
}

// GetTable returns the next argument as a table value. An optional value can be passed if the argument is not required.
func (a *Args) GetTable(optV ...*Table) *Table {
	return getArg(a, optV, "table")
}

// GetFunction returns the next argument, which must be a function.
func (a *Args) GetFunction() Val {
	v, _ := a.next("function", false)
	if !isFunction(v) {
		a.fail("function expected, got " + TypeName(v))
	}
	return v
}

// GetCoroutine returns the next argument as a coroutine value.
func (a *Args) GetCoroutine() *Coroutine {
	return getArg[*Coroutine](a, nil, "thread")
}

// GetAny returns the next argument, which may be nil but must be present
// unless an optional value is given.
func (a *Args) GetAny(optV ...Val) (arg Val) {
	a.pos++
	if a.pos > len(a.List) {
		if len(optV) == 0 {
			a.fail("value expected")
		}
		return optV[0]
	}
	return a.List[a.pos-1]
}

// Rest returns the arguments not read yet.
func (a *Args) Rest() []Val {
	if a.pos >= len(a.List) {
		return nil
	}
	return a.List[a.pos:]
}

// NewLib creates a new library with a given list of functions and other
// values, such as constants. Functions can be created using MakeFn.
func NewLib(functions []*GoFunction, other ...map[string]Val) *Table {
	t := NewTable(0, len(functions))
	for _, f := range functions {
		t.SetString(f.Name, f)
	}
	for _, o := range other {
		for _, k := range slices.Sorted(maps.Keys(o)) {
			t.SetString(k, o[k])
		}
	}
	return t
}

// MakeFn creates a new function with a given name and body. Functions
// created by MakeFn can be added to a library using NewLib.
func MakeFn(name string, f func(args Args) (r []Val, err error)) *GoFunction {
	return fn(name, func(co *Coroutine, vargs ...Val) (r []Val, err error) {
		defer func() {
			if p := recover(); p != nil {
				ae, ok := p.(argError)
				if !ok {
					panic(p)
				}
				r, err = nil, ae.error
			}
		}()

		return f(Args{
			Co:   co,
			List: vargs,
			name: name,
		})
	})
}

// YieldFn makes a function that suspends the calling coroutine, like
// coroutine.yield. before turns the call's arguments into the values yielded.
// When resumed, after turns the resume values into the call's results, and an
// error it returns is raised at the call. Either may be nil to pass values
// through unchanged.
func YieldFn(name string, before, after func(args Args) ([]Val, error)) *GoFunction {
	f := &GoFunction{Name: name, Run: yieldGo, kind: kindYield}
	if before != nil {
		f.yield = MakeFn(name, before).Run
	}
	if after != nil {
		f.cont = MakeFn(name, after).Run
	}
	return f
}
