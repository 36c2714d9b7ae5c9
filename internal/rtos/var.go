package rtos

import (
	"context"
	"fmt"
	"sync"

	"github.com/dshills/rtosview/internal/dap"
)

// Var caches the resolution of one expression. Vars are created by an
// Evaluator, one per distinct expression, and are never discarded; a later
// successful resolution overwrites the cached value.
//
// A cached value is only meaningful for the stop during which it was set.
// Var does not expire it on resume; callers that carried a Var across a
// continue must re-resolve it.
type Var struct {
	eval *Evaluator
	expr string

	mu       sync.Mutex
	value    string
	hasValue bool
	ref      Reference
	// lastErr is the session error behind an undefined value, if any.
	lastErr error
}

// Expression returns the expression this entry resolves.
func (v *Var) Expression() string {
	return v.expr
}

// Cached returns the last resolved value and whether one exists.
func (v *Var) Cached() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value, v.hasValue
}

// Reference returns the last resolved children reference.
func (v *Var) Reference() Reference {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ref
}

// Resolve evaluates the expression and overwrites the cache. It returns
// ErrBusy without issuing a request when the target is not halted, and
// ErrStale when the target resumed before the reply arrived; in both cases
// the cache is untouched.
//
// A failed evaluate request is not an error: the entry resolves to an
// undefined value and callers decide whether that is acceptable.
func (v *Var) Resolve(ctx context.Context, frameID int) error {
	epoch, ok := v.eval.gate()
	if !ok {
		return ErrBusy
	}

	body, err := v.eval.session.Evaluate(ctx, dap.EvaluateArguments{
		Expression: v.expr,
		FrameID:    frameID,
		Context:    dap.ContextHover,
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if !v.eval.current(epoch) {
		v.eval.log.Debug("discarding stale evaluate of %q", v.expr)
		return ErrStale
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err != nil || body == nil {
		v.value, v.hasValue, v.ref = "", false, 0
		v.lastErr = nil
		if err != nil {
			v.lastErr = &ProtocolError{Command: "evaluate", Err: err}
		}
		return nil
	}
	v.value, v.hasValue = body.Result, true
	v.ref = Reference(body.VariablesReference)
	v.lastErr = nil
	return nil
}

// Value resolves the expression afresh and returns its value. It fails
// with ErrBusy when the target is not halted and with a *ResolveError
// wrapping ErrNotFound when the expression has no value.
func (v *Var) Value(ctx context.Context, frameID int) (string, error) {
	if err := v.Resolve(ctx, frameID); err != nil {
		return "", err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.hasValue {
		return "", v.notFound()
	}
	return v.value, nil
}

// Children resolves the expression and enumerates its members in order.
func (v *Var) Children(ctx context.Context, frameID int) ([]Child, error) {
	if _, err := v.Value(ctx, frameID); err != nil {
		return nil, err
	}

	ref := v.Reference()
	if !ref.Valid() {
		v.mu.Lock()
		defer v.mu.Unlock()
		return nil, v.notFound()
	}
	return v.eval.EnumerateChildren(ctx, ref, v.expr)
}

// ChildrenAsObject is Children projected into a ChildMap.
func (v *Var) ChildrenAsObject(ctx context.Context, frameID int) (ChildMap, error) {
	children, err := v.Children(ctx, frameID)
	if err != nil {
		return nil, err
	}
	return NewChildMap(children), nil
}

// notFound must be called with v.mu held.
func (v *Var) notFound() error {
	if v.lastErr != nil {
		return &ResolveError{Expr: v.expr, Err: fmt.Errorf("%w: %w", ErrNotFound, v.lastErr)}
	}
	return &ResolveError{Expr: v.expr, Err: ErrNotFound}
}
