// Package peripheral connects computers to the devices attached to them and
// to the world they are placed in.
package peripheral

import "github.com/Heliodex/cocraft/lua/vm"

// ResultKind says whether a world operation happened.
type ResultKind uint8

// Result kinds
const (
	Success ResultKind = iota
	Failure
	NotApplicable
)

func (k ResultKind) String() string {
	switch k {
	case Success:
		return "success"
	case Failure:
		return "failure"
	}
	return "not applicable"
}

// Result is the outcome of a world operation, relayed to the guest as is.
type Result struct {
	Kind ResultKind
	// Message explains a failure. A successful inspection puts what it
	// found here.
	Message string
}

// Ok is a successful result.
func Ok() Result {
	return Result{Kind: Success}
}

// Fail is a failed result with a reason.
func Fail(msg string) Result {
	return Result{Kind: Failure, Message: msg}
}

// Values are the guest return values of a result: true (and any message),
// false and the reason, or nothing at all.
func (r Result) Values() []vm.Val {
	switch r.Kind {
	case Success:
		if r.Message != "" {
			return []vm.Val{true, r.Message}
		}
		return []vm.Val{true}
	case Failure:
		return []vm.Val{false, r.Message}
	}
	return nil
}
