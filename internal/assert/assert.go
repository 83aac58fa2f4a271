// Package assert provides precondition and invariant checks that abort the
// process with a stack trace when violated.
//
// These are for programmer errors only (negative resolution, out-of-range
// access, empty keys): conditions that mean the caller violated a documented
// contract, not conditions a client can trigger over the wire. Anything a
// remote client can trigger (malformed input, out-of-order writes) must be
// handled with a normal error return instead of an assertion.
package assert

import (
	"fmt"
	"runtime/debug"
)

// Violation is the panic value raised by a failed assertion. It carries the
// formatted message and the stack trace captured at the point of failure.
type Violation struct {
	Message string
	Stack   []byte
}

func (v *Violation) String() string {
	return fmt.Sprintf("%s\n%s", v.Message, v.Stack)
}

func fail(format string, args ...any) {
	panic(&Violation{
		Message: fmt.Sprintf(format, args...),
		Stack:   debug.Stack(),
	})
}

// Pre checks a precondition. Violation means the caller broke the contract.
func Pre(cond bool, format string, args ...any) {
	if !cond {
		fail("precondition violated: "+format, args...)
	}
}

// Invariant checks a structural invariant that must hold after a mutation.
func Invariant(cond bool, format string, args ...any) {
	if !cond {
		fail("invariant violated: "+format, args...)
	}
}

// Unreachable marks a code path that must never execute.
func Unreachable(format string, args ...any) {
	fail("unreachable: "+format, args...)
}
