package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/rtosview/internal/logging"
	"github.com/dshills/rtosview/internal/renderer/table"
	"github.com/dshills/rtosview/internal/rtos"
)

// Script entry points.
const (
	FuncDetect  = "detect"
	FuncRefresh = "refresh"
)

// Options configures a scripted variant.
type Options struct {
	Logger *logging.Logger
	// Timestamp adds a "Last updated" caption to rendered tables.
	Timestamp bool
	// Now stamps published rows. Defaults to time.Now.
	Now func() time.Time
}

// Variant is an rtos.Variant whose detect and refresh steps are written
// in Lua. The script defines global functions detect(frame) and
// refresh(frame) and reaches the session through the rtos module.
type Variant struct {
	*rtos.Base

	manifest *Manifest
	state    *State
	host     *host
	now      func() time.Time

	// runMu serializes script calls; call is the scope of the one in
	// progress.
	runMu sync.Mutex
	call  scope
}

var _ rtos.Variant = (*Variant)(nil)

// New compiles the manifest's script against session.
func New(m *Manifest, session rtos.Session, opts Options) (*Variant, error) {
	source, err := m.LoadSource()
	if err != nil {
		return nil, err
	}

	v := &Variant{
		Base: rtos.NewBase(rtos.BaseConfig{
			Name:      m.Name,
			Session:   session,
			Fields:    m.Fields(),
			Schema:    m.Schema(),
			Logger:    opts.Logger,
			Timestamp: opts.Timestamp,
		}),
		manifest: m,
		state:    NewState(),
		now:      opts.Now,
		call:     scope{ctx: context.Background()},
	}
	if v.now == nil {
		v.now = time.Now
	}
	v.host = &host{v: v}
	v.host.install(v.state)

	if err := v.state.DoString(m.label(), source); err != nil {
		v.state.Close()
		return nil, fmt.Errorf("load %s: %w", m.label(), v.host.scriptError(err))
	}
	for _, fn := range []string{FuncDetect, FuncRefresh} {
		if !v.state.HasFunction(fn) {
			v.state.Close()
			return nil, fmt.Errorf("%w: %s: %s", ErrMissingFunction, m.label(), fn)
		}
	}
	return v, nil
}

// LoadAll builds a variant for every manifest. A manifest that fails to
// load is skipped and reported in the joined error.
func LoadAll(manifests []*Manifest, session rtos.Session, opts Options) ([]*Variant, error) {
	var (
		variants []*Variant
		errs     []error
	)
	for _, m := range manifests {
		v, err := New(m, session, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		variants = append(variants, v)
	}
	return variants, errors.Join(errs...)
}

// Manifest returns the manifest the variant was built from.
func (v *Variant) Manifest() *Manifest {
	return v.manifest
}

// TryDetect runs the script's detect function.
func (v *Variant) TryDetect(ctx context.Context, frameID int) (rtos.DetectionStatus, error) {
	return v.Detect(ctx, frameID, v.detect)
}

func (v *Variant) detect(ctx context.Context, frameID int) (rtos.DetectionStatus, error) {
	results, err := v.run(ctx, frameID, FuncDetect)
	if err != nil {
		return rtos.DetectNone, err
	}
	if len(results) == 0 {
		return rtos.DetectNone, nil
	}

	switch r := results[0].(type) {
	case lua.LString:
		return rtos.ParseDetectionStatus(string(r)), nil
	case lua.LBool:
		if r {
			return rtos.DetectInitialized, nil
		}
		return rtos.DetectFailed, nil
	case *lua.LUserData:
		if r == v.host.busy {
			return rtos.DetectNone, rtos.ErrBusy
		}
	}
	return rtos.DetectNone, nil
}

// Refresh runs the script's refresh function and publishes its rows.
// Nothing is published when the script fails.
func (v *Variant) Refresh(ctx context.Context, frameID int) error {
	if err := v.CheckRefresh(); err != nil {
		return err
	}

	results, err := v.run(ctx, frameID, FuncRefresh)
	if err != nil {
		return err
	}
	if len(results) > 0 {
		if ud, ok := results[0].(*lua.LUserData); ok && ud == v.host.busy {
			return rtos.ErrBusy
		}
	}

	var rows []rtos.Row
	if len(results) > 0 && results[0] != lua.LNil {
		rows, err = convertRows(results[0])
		if err != nil {
			return fmt.Errorf("%s: %w", v.Name(), err)
		}
	}

	if fill := v.manifest.FillByte; fill != nil && v.manifest.HasColumn(rtos.FieldStackPeak) {
		for i := range rows {
			if err := v.capturePeak(ctx, &rows[i], *fill); err != nil {
				return err
			}
		}
	}

	v.Publish(rows, v.now())
	return nil
}

// capturePeak reads the stack of a row with a known size and fills in
// its peak usage. Only busy and context errors are returned; an
// unreadable stack leaves the peak unknown.
func (v *Variant) capturePeak(ctx context.Context, row *rtos.Row, fill byte) error {
	s := row.Stack.Complete()
	if s.Peak != nil || s.Size == nil || s.Start == 0 {
		return nil
	}
	captured, err := v.ReadStack(ctx, s)
	switch {
	case rtos.IsBusy(err):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		v.Logger().Debug("peak unavailable: %v", err)
		return nil
	}
	captured.PeakFromFill(fill)
	captured.Bytes = nil
	row.Stack = captured
	return nil
}

// Close releases the interpreter.
func (v *Variant) Close() error {
	return v.state.Close()
}

func (v *Variant) run(ctx context.Context, frameID int, fn string) ([]lua.LValue, error) {
	v.runMu.Lock()
	defer v.runMu.Unlock()

	v.call = scope{ctx: ctx, frame: frameID}
	defer func() { v.call = scope{ctx: context.Background()} }()

	results, err := v.state.Call(ctx, fn, lua.LNumber(frameID))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s: %s: %w", v.Name(), fn, v.host.scriptError(err))
	}
	return results, nil
}

// convertRows turns the list returned by refresh into rows. Each entry
// maps field names to strings, numbers or booleans, plus an optional
// stack table.
func convertRows(lv lua.LValue) ([]rtos.Row, error) {
	list, ok := lv.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%w: refresh returned %s, want a table", ErrBadRow, lv.Type())
	}

	rows := make([]rtos.Row, 0, list.Len())
	for i := 1; i <= list.Len(); i++ {
		entry, ok := list.RawGetInt(i).(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("%w: row %d is %s", ErrBadRow, i, list.RawGetInt(i).Type())
		}
		row, err := convertRow(entry)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func convertRow(t *lua.LTable) (rtos.Row, error) {
	row := rtos.Row{Display: table.Record{}}
	var err error
	t.ForEach(func(k, val lua.LValue) {
		if err != nil {
			return
		}
		key, ok := k.(lua.LString)
		if !ok {
			err = fmt.Errorf("%w: non-string key %s", ErrBadRow, k.String())
			return
		}
		if key == "stack" {
			row.Stack, err = convertStack(val)
			return
		}
		switch val.(type) {
		case lua.LString, lua.LNumber, lua.LBool:
			row.Display[string(key)] = val.String()
		default:
			err = fmt.Errorf("%w: field %s is %s", ErrBadRow, key, val.Type())
		}
	})
	return row, err
}

func convertStack(lv lua.LValue) (rtos.StackInfo, error) {
	var s rtos.StackInfo
	t, ok := lv.(*lua.LTable)
	if !ok {
		return s, fmt.Errorf("%w: stack is %s", ErrBadRow, lv.Type())
	}

	get := func(names ...string) (*uint64, error) {
		for _, name := range names {
			val := t.RawGetString(name)
			if val == lua.LNil {
				continue
			}
			n, err := toAddress(val)
			if err != nil {
				return nil, fmt.Errorf("%w: stack.%s: %v", ErrBadRow, name, err)
			}
			return &n, nil
		}
		return nil, nil
	}

	var err error
	var start, top *uint64
	if start, err = get("start"); err != nil {
		return s, err
	}
	if top, err = get("top"); err != nil {
		return s, err
	}
	if start != nil {
		s.Start = *start
	}
	if top != nil {
		s.Top = *top
	}
	if s.End, err = get("end", "end_"); err != nil {
		return s, err
	}
	if s.Size, err = get("size"); err != nil {
		return s, err
	}
	if s.Used, err = get("used"); err != nil {
		return s, err
	}
	if s.Free, err = get("free"); err != nil {
		return s, err
	}
	if s.Peak, err = get("peak"); err != nil {
		return s, err
	}
	return s, nil
}
