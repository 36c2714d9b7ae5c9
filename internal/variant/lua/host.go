package lua

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/rtosview/internal/rtos"
)

// ModuleName is the global through which scripts reach the session.
const ModuleName = "rtos"

const errorTypeName = "rtos.error"

// scope is the context of the script call in progress.
type scope struct {
	ctx   context.Context
	frame int
}

// host implements the rtos module on top of a variant's evaluator.
type host struct {
	v    *Variant
	busy *lua.LUserData

	// lookups is guarded by Variant.runMu.
	lookups lookupCache
}

type lookupKey struct {
	expr     string
	optional bool
}

// lookupCache holds the settled eval and ref answers of one stop, so a
// script asking for the same expression again is answered without a
// request. It is emptied whenever the evaluator's epoch moves.
type lookupCache struct {
	epoch uint64
	vars  map[lookupKey]rtos.VarLookup
	refs  map[lookupKey]rtos.RefLookup
}

// stop returns the cache for the current epoch.
func (h *host) stop() *lookupCache {
	c := &h.lookups
	if epoch := h.v.Epoch(); c.vars == nil || c.epoch != epoch {
		c.epoch = epoch
		c.vars = make(map[lookupKey]rtos.VarLookup)
		c.refs = make(map[lookupKey]rtos.RefLookup)
	}
	return c
}

func (h *host) install(s *State) {
	L := s.L
	mt := L.NewTypeMetatable(errorTypeName)
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		if err, ok := ud.Value.(error); ok {
			L.Push(lua.LString(err.Error()))
		} else {
			L.Push(lua.LString("rtos error"))
		}
		return 1
	}))

	h.busy = L.NewUserData()
	h.busy.Value = rtos.ErrBusy
	L.SetMetatable(h.busy, mt)

	s.RegisterModule(ModuleName, map[string]lua.LGFunction{
		"eval":        h.eval,
		"ref":         h.ref,
		"value":       h.value,
		"children":    h.children,
		"fields":      h.fields,
		"children_of": h.childrenOf,
		"memory":      h.memory,
		"is_busy":     h.isBusy,
		"log":         h.log,
	}, map[string]lua.LValue{
		"busy": h.busy,
	})
}

func (h *host) scope() scope {
	return h.v.call
}

// raise converts a Go error into a Lua error carrying the error itself,
// so it reaches Go again unchanged. Busy conditions raise the shared
// busy sentinel.
func (h *host) raise(L *lua.LState, err error) int {
	if rtos.IsBusy(err) {
		L.Error(h.busy, 0)
		return 0
	}
	ud := L.NewUserData()
	ud.Value = err
	L.SetMetatable(ud, L.GetTypeMetatable(errorTypeName))
	L.Error(ud, 0)
	return 0
}

// rtos.eval(expr [, optional]) -> value, ref
// Returns nil for an optional expression that is absent. Answers are
// reused until the target resumes.
func (h *host) eval(L *lua.LState) int {
	expr := L.CheckString(1)
	optional := L.OptBool(2, false)
	sc := h.scope()
	cache := h.stop()
	key := lookupKey{expr: expr, optional: optional}

	lookup, err := h.v.ResolveValueIfEmpty(sc.ctx, cache.vars[key], sc.frame, expr, optional)
	if err != nil {
		return h.raise(L, err)
	}
	if !lookup.Pending() {
		cache.vars[key] = lookup
	}
	switch {
	case lookup.Pending():
		return h.raise(L, rtos.ErrBusy)
	case lookup.Absent():
		L.Push(lua.LNil)
		return 1
	}
	value, _ := lookup.Var.Cached()
	L.Push(lua.LString(value))
	L.Push(lua.LNumber(lookup.Var.Reference()))
	return 2
}

// rtos.ref(expr [, optional]) -> ref
// Returns 0 for an optional expression without children. Cached like eval.
func (h *host) ref(L *lua.LState) int {
	expr := L.CheckString(1)
	optional := L.OptBool(2, false)
	sc := h.scope()
	cache := h.stop()
	key := lookupKey{expr: expr, optional: optional}

	lookup, err := h.v.ResolveReferenceIfEmpty(sc.ctx, cache.refs[key], sc.frame, expr, optional)
	if err != nil {
		return h.raise(L, err)
	}
	if lookup.Pending() {
		return h.raise(L, rtos.ErrBusy)
	}
	cache.refs[key] = lookup
	L.Push(lua.LNumber(lookup.Ref))
	return 1
}

// rtos.value(expr) -> value, re-evaluated on every call.
func (h *host) value(L *lua.LState) int {
	expr := L.CheckString(1)
	sc := h.scope()

	v, err := h.v.ExpressionValue(sc.ctx, expr, sc.frame)
	if err != nil {
		return h.raise(L, err)
	}
	L.Push(lua.LString(v))
	return 1
}

// rtos.children(ref [, label]) -> { {name=, value=, ref=, expr=}, ... }
func (h *host) children(L *lua.LState) int {
	ref := rtos.Reference(L.CheckInt(1))
	label := L.OptString(2, fmt.Sprintf("ref %d", ref))
	sc := h.scope()

	children, err := h.v.EnumerateChildren(sc.ctx, ref, label)
	if err != nil {
		return h.raise(L, err)
	}
	list := L.CreateTable(len(children), 0)
	for i, c := range children {
		t := L.CreateTable(0, 4)
		t.RawSetString("name", lua.LString(c.Name))
		t.RawSetString("value", lua.LString(c.Value))
		t.RawSetString("ref", lua.LNumber(c.Reference))
		t.RawSetString("expr", lua.LString(c.EvaluableExpression))
		list.RawSetInt(i+1, t)
	}
	L.Push(list)
	return 1
}

// rtos.fields(ref [, label]) -> { ["<name>-val"]=, ["<name>-ref"]=, ["<name>-exp"]= }
// A zero ref yields an empty table.
func (h *host) fields(L *lua.LState) int {
	ref := rtos.Reference(L.CheckInt(1))
	label := L.OptString(2, fmt.Sprintf("ref %d", ref))
	sc := h.scope()

	m, err := h.v.EnumerateChildrenAsObject(sc.ctx, ref, label)
	if err != nil {
		return h.raise(L, err)
	}
	L.Push(flatTable(L, m))
	return 1
}

// rtos.children_of(expr) -> the fields table of expr's members.
func (h *host) childrenOf(L *lua.LState) int {
	expr := L.CheckString(1)
	sc := h.scope()

	m, err := h.v.ExpressionChildrenAsObject(sc.ctx, expr, sc.frame)
	if err != nil {
		return h.raise(L, err)
	}
	L.Push(flatTable(L, m))
	return 1
}

// rtos.memory(address, count) -> bytes as a string
func (h *host) memory(L *lua.LState) int {
	addr, err := toAddress(L.CheckAny(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	count := L.CheckInt(2)
	sc := h.scope()

	data, err := h.v.ReadMemory(sc.ctx, addr, count)
	if err != nil {
		return h.raise(L, err)
	}
	L.Push(lua.LString(data))
	return 1
}

// rtos.is_busy(err) -> bool, for scripts that pcall host functions.
func (h *host) isBusy(L *lua.LState) int {
	L.Push(lua.LBool(L.Get(1) == h.busy))
	return 1
}

// rtos.log(...) writes its arguments as one debug line.
func (h *host) log(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.Get(i).String())
	}
	h.v.Logger().Debug("script: %s", strings.Join(parts, " "))
	return 0
}

func flatTable(L *lua.LState, m rtos.ChildMap) *lua.LTable {
	flat := m.Flatten()
	t := L.CreateTable(0, len(flat))
	for k, v := range flat {
		switch v := v.(type) {
		case string:
			t.RawSetString(k, lua.LString(v))
		case int:
			t.RawSetString(k, lua.LNumber(v))
		}
	}
	return t
}

// scriptError maps an error returned by a script call back to Go. Errors
// raised by host functions are returned unchanged.
func (h *host) scriptError(err error) error {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return err
	}
	if ud, ok := apiErr.Object.(*lua.LUserData); ok {
		if goErr, ok := ud.Value.(error); ok {
			return goErr
		}
	}
	if apiErr.Cause != nil {
		return apiErr.Cause
	}
	return err
}

// toAddress accepts a number or a numeric string such as "0x20001000".
func toAddress(lv lua.LValue) (uint64, error) {
	switch v := lv.(type) {
	case lua.LNumber:
		if v < 0 {
			return 0, fmt.Errorf("negative address %v", v)
		}
		return uint64(v), nil
	case lua.LString:
		return strconv.ParseUint(string(v), 0, 64)
	default:
		return 0, fmt.Errorf("address must be a number or string, got %s", lv.Type())
	}
}
