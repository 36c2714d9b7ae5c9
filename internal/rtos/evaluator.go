package rtos

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/dshills/rtosview/internal/dap"
	"github.com/dshills/rtosview/internal/logging"
)

// Evaluator mediates every request a variant makes against the session.
// No request is issued unless the program is halted.
//
// Each status transition advances an epoch. A reply that arrives after the
// epoch moved belongs to an earlier stop and is discarded as ErrStale.
//
// The expression cache is owned by the Evaluator and never shared with
// another instance.
type Evaluator struct {
	session Session
	log     *logging.Logger

	mu      sync.Mutex
	status  ProgramStatus
	epoch   uint64
	frameID int
	cache   map[string]*Var
}

// NewEvaluator creates an evaluator over session. A nil logger discards
// output.
func NewEvaluator(session Session, log *logging.Logger) *Evaluator {
	return &Evaluator{
		session: session,
		log:     logging.OrNull(log).WithComponent("evaluator"),
		status:  StatusStarted,
		cache:   make(map[string]*Var),
	}
}

// OnStopped records that the target halted in the given frame.
func (e *Evaluator) OnStopped(frameID int) {
	e.transition(StatusStopped, frameID)
}

// OnContinued records that the target resumed.
func (e *Evaluator) OnContinued() {
	e.transition(StatusRunning, 0)
}

// OnExited records that the target exited. No further requests are issued.
func (e *Evaluator) OnExited() {
	e.transition(StatusExited, 0)
}

func (e *Evaluator) transition(status ProgramStatus, frameID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusExited {
		return
	}
	e.status = status
	e.frameID = frameID
	e.epoch++
}

// ProgramStatus returns the current program status.
func (e *Evaluator) ProgramStatus() ProgramStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// FrameID returns the frame reported by the most recent stop.
func (e *Evaluator) FrameID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frameID
}

// Epoch returns the current status epoch.
func (e *Evaluator) Epoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// Halted reports whether requests may be issued.
func (e *Evaluator) Halted() bool {
	_, ok := e.gate()
	return ok
}

// gate returns the epoch to stamp a request with, and whether the target
// is halted.
func (e *Evaluator) gate() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch, e.status == StatusStopped
}

// current reports whether a reply stamped with epoch is still usable.
func (e *Evaluator) current(epoch uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch == epoch && e.status == StatusStopped
}

// Var returns the cache entry for expr, creating it on first use.
func (e *Evaluator) Var(expr string) *Var {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.cache[expr]
	if !ok {
		v = &Var{eval: e, expr: expr}
		e.cache[expr] = v
	}
	return v
}

// CacheSize returns the number of distinct expressions seen.
func (e *Evaluator) CacheSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

// ResolveReferenceIfEmpty resolves expr to a children reference unless
// prev already holds an answer, in which case prev is returned unchanged.
//
// While the target is not halted the result is pending and no request is
// issued; pass it back on a later stop. A halted evaluation that yields
// no reference is an error, or an absent result when optional is set.
func (e *Evaluator) ResolveReferenceIfEmpty(ctx context.Context, prev RefLookup, frameID int, expr string, optional bool) (RefLookup, error) {
	if !prev.Pending() {
		return prev, nil
	}

	v := e.Var(expr)
	if err := v.Resolve(ctx, frameID); err != nil {
		if IsBusy(err) {
			return RefLookup{}, nil
		}
		return RefLookup{}, err
	}

	if ref := v.Reference(); ref.Valid() {
		return RefLookup{Ref: ref, state: lookupResolved}, nil
	}
	if optional {
		return RefLookup{state: lookupAbsent}, nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return RefLookup{}, v.notFound()
}

// ResolveValueIfEmpty resolves expr to its cache entry unless prev already
// holds an answer. Busy and optional outcomes follow
// ResolveReferenceIfEmpty; an optional expression without a value is
// absent and never an error.
func (e *Evaluator) ResolveValueIfEmpty(ctx context.Context, prev VarLookup, frameID int, expr string, optional bool) (VarLookup, error) {
	if !prev.Pending() {
		return prev, nil
	}

	v := e.Var(expr)
	if err := v.Resolve(ctx, frameID); err != nil {
		if IsBusy(err) {
			return VarLookup{}, nil
		}
		return VarLookup{}, err
	}

	if _, ok := v.Cached(); ok {
		return VarLookup{Var: v, state: lookupResolved}, nil
	}
	if optional {
		return VarLookup{state: lookupAbsent}, nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return VarLookup{}, v.notFound()
}

// EnumerateChildren lists the members of ref in order. It fails with
// ErrBusy when the target is not halted; retry later with the same
// reference. An empty or missing list is a *ResolveError wrapping
// ErrNoChildren, even for a composite that genuinely has no members.
func (e *Evaluator) EnumerateChildren(ctx context.Context, ref Reference, label string) ([]Child, error) {
	epoch, ok := e.gate()
	if !ok {
		return nil, ErrBusy
	}
	if !ref.Valid() {
		return nil, &ResolveError{Label: label, Err: ErrNoChildren}
	}

	vars, err := e.session.Variables(ctx, dap.VariablesArguments{VariablesReference: int(ref)})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if !e.current(epoch) {
		e.log.Debug("discarding stale variables of %s", label)
		return nil, ErrStale
	}
	if err != nil {
		return nil, &ProtocolError{Command: "variables", Err: err}
	}
	if len(vars) == 0 {
		return nil, &ResolveError{Label: label, Err: ErrNoChildren}
	}

	children := make([]Child, len(vars))
	for i, v := range vars {
		children[i] = childFromDAP(v)
	}
	return children, nil
}

// EnumerateChildrenAsObject is EnumerateChildren projected into a
// ChildMap, except that an invalid ref yields an empty map without
// issuing a request.
func (e *Evaluator) EnumerateChildrenAsObject(ctx context.Context, ref Reference, label string) (ChildMap, error) {
	if !ref.Valid() {
		return ChildMap{}, nil
	}
	children, err := e.EnumerateChildren(ctx, ref, label)
	if err != nil {
		return nil, err
	}
	return NewChildMap(children), nil
}

// ExpressionValue resolves expr through its cache entry.
func (e *Evaluator) ExpressionValue(ctx context.Context, expr string, frameID int) (string, error) {
	return e.Var(expr).Value(ctx, frameID)
}

// ExpressionChildren enumerates expr through its cache entry.
func (e *Evaluator) ExpressionChildren(ctx context.Context, expr string, frameID int) ([]Child, error) {
	return e.Var(expr).Children(ctx, frameID)
}

// ExpressionChildrenAsObject enumerates expr into a ChildMap.
func (e *Evaluator) ExpressionChildrenAsObject(ctx context.Context, expr string, frameID int) (ChildMap, error) {
	return e.Var(expr).ChildrenAsObject(ctx, frameID)
}

// MaxReadMemory caps a single readMemory request.
const MaxReadMemory = 64 * 1024

// ReadMemory reads count bytes starting at address. It is gated like every
// other request. Unreadable bytes at the end of the range are omitted.
func (e *Evaluator) ReadMemory(ctx context.Context, address uint64, count int) ([]byte, error) {
	epoch, ok := e.gate()
	if !ok {
		return nil, ErrBusy
	}
	if count <= 0 {
		return nil, nil
	}
	if count > MaxReadMemory {
		count = MaxReadMemory
	}

	body, err := e.session.ReadMemory(ctx, dap.ReadMemoryArguments{
		MemoryReference: fmt.Sprintf("0x%x", address),
		Count:           count,
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if !e.current(epoch) {
		return nil, ErrStale
	}
	if err != nil {
		return nil, &ProtocolError{Command: "readMemory", Err: err}
	}
	if body == nil || body.Data == "" {
		return nil, nil
	}

	data, err := base64.StdEncoding.DecodeString(body.Data)
	if err != nil {
		return nil, &ProtocolError{Command: "readMemory", Err: fmt.Errorf("decode data: %w", err)}
	}
	return data, nil
}

// ReadStack captures the bytes of a stack whose size is known and returns
// a copy of s with Bytes set. The capture starts at s.Start.
func (e *Evaluator) ReadStack(ctx context.Context, s StackInfo) (StackInfo, error) {
	s = s.Complete()
	if s.Size == nil || *s.Size == 0 {
		return s, fmt.Errorf("read stack at 0x%x: size unknown", s.Start)
	}
	data, err := e.ReadMemory(ctx, s.Start, int(min(*s.Size, MaxReadMemory)))
	if err != nil {
		return s, fmt.Errorf("read stack at 0x%x: %w", s.Start, err)
	}
	s.Bytes = data
	return s, nil
}
