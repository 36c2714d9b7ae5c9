package rtos

import (
	"context"

	"github.com/dshills/rtosview/internal/dap"
)

// Session is the host debugging session. *dap.Client satisfies it. The
// session is shared by every variant of a tracker and by the host, so
// implementations must be safe for concurrent use.
type Session interface {
	Evaluate(ctx context.Context, args dap.EvaluateArguments) (*dap.EvaluateResponseBody, error)
	Variables(ctx context.Context, args dap.VariablesArguments) ([]dap.Variable, error)
	ReadMemory(ctx context.Context, args dap.ReadMemoryArguments) (*dap.ReadMemoryResponseBody, error)
}

// Reference is an opaque handle to a composite value's children. Zero
// means no children, or not resolved.
type Reference int

// Valid reports whether the reference can be enumerated.
func (r Reference) Valid() bool {
	return r > 0
}

// lookupState distinguishes a lookup that has not happened yet from one
// that happened and found nothing.
type lookupState int

const (
	lookupPending lookupState = iota
	lookupResolved
	lookupAbsent
)

// RefLookup is the tagged outcome of ResolveReferenceIfEmpty. The zero
// value is pending, which is what callers pass the first time.
type RefLookup struct {
	Ref   Reference
	state lookupState
}

// Pending reports that no answer exists yet: either the lookup was never
// attempted or the target was busy. Pass it back on the next attempt.
func (l RefLookup) Pending() bool { return l.state == lookupPending }

// Absent reports an optional lookup that legitimately found nothing.
func (l RefLookup) Absent() bool { return l.state == lookupAbsent }

// Resolved reports a usable reference.
func (l RefLookup) Resolved() bool { return l.state == lookupResolved }

// VarLookup is the tagged outcome of ResolveValueIfEmpty. The zero value
// is pending.
type VarLookup struct {
	Var   *Var
	state lookupState
}

// Pending reports that no answer exists yet.
func (l VarLookup) Pending() bool { return l.state == lookupPending }

// Absent reports an optional lookup that legitimately found nothing.
func (l VarLookup) Absent() bool { return l.state == lookupAbsent }

// Resolved reports a usable value.
func (l VarLookup) Resolved() bool { return l.state == lookupResolved }
