package lua

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/rtosview/internal/dap"
	"github.com/dshills/rtosview/internal/dap/daptest"
	"github.com/dshills/rtosview/internal/rtos"
)

const frame = daptest.DefaultFrameID

const toyScript = `
function detect(frame)
  if rtos.eval("kernel", true) == nil then
    return "failed"
  end
  return "initialized"
end

function refresh(frame)
  if fail then
    error("broken list")
  end
  if busy then
    error(rtos.busy)
  end
  if missing then
    rtos.value("no_such_symbol")
  end
  local rows = {}
  for _, c in ipairs(rtos.children(rtos.ref("tasks"), "tasks")) do
    local f = rtos.fields(c.ref)
    table.insert(rows, {
      Name = string.match(f["name-val"], '"(.*)"'),
      Status = f["state-val"],
      Prio = tonumber(f["prio-val"]),
      stack = { start = f["stack-val"], size = 16, top = "0x2000000c" },
    })
  end
  return rows
end

function probe(frame)
  local ok, err = pcall(rtos.value, "kernel")
  return ok, rtos.is_busy(err)
end

function twice(frame)
  local a = rtos.eval("kernel")
  local b = rtos.eval("kernel")
  local r1 = rtos.ref("tasks")
  local r2 = rtos.ref("tasks")
  local none1 = rtos.eval("nothing", true)
  local none2 = rtos.eval("nothing", true)
  return a, b, r1, r2, none1 == nil and none2 == nil
end

function peek(frame)
  local data = rtos.memory("0x20000000", 2)
  return string.byte(data, 1), string.byte(data, 2), #data
end
`

func newSession(t *testing.T) (*daptest.Adapter, *dap.Client) {
	t.Helper()
	adapter, transport := daptest.New()
	client := dap.NewClient(transport)
	t.Cleanup(func() {
		client.Close()
		adapter.Close()
	})
	return adapter, client
}

func newToy(t *testing.T, session rtos.Session) *Variant {
	t.Helper()
	fill := uint8(0xa5)
	m := &Manifest{
		Name:   "Toy",
		Source: toyScript,
		Columns: []ManifestColumn{
			{Field: "Name", Width: 3},
			{Field: "Status", Width: 2},
			{Field: "Prio", Width: 1},
			{Field: "StackStart", Width: 2},
			{Field: "StackPeak", Width: 1},
		},
		FillByte: &fill,
	}
	require.NoError(t, m.Validate())

	at := time.Date(2026, 1, 2, 10, 11, 12, 0, time.UTC)
	v, err := New(m, session, Options{Timestamp: true, Now: func() time.Time { return at }})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func seedTasks(a *daptest.Adapter) {
	a.SetEvaluate("kernel", "1", 0)
	a.SetEvaluate("tasks", "{...}", 10)
	a.SetVariables(10,
		dap.Variable{Name: "[0]", VariablesReference: 11},
		dap.Variable{Name: "[1]", VariablesReference: 12},
	)
	a.SetVariables(11,
		dap.Variable{Name: "name", Value: `"main"`},
		dap.Variable{Name: "state", Value: "RUNNING"},
		dap.Variable{Name: "prio", Value: "3"},
		dap.Variable{Name: "stack", Value: "0x20000000"},
	)
	a.SetVariables(12,
		dap.Variable{Name: "name", Value: `"idle"`},
		dap.Variable{Name: "state", Value: "READY"},
		dap.Variable{Name: "prio", Value: "0"},
		dap.Variable{Name: "stack", Value: "0x20000100"},
	)

	stack := make([]byte, 16)
	for i := range stack {
		if i < 10 {
			stack[i] = 0xa5
		}
	}
	a.SetMemory("0x20000000", stack)
}

func TestVariant_DetectWhileRunningIssuesNothing(t *testing.T) {
	adapter, client := newSession(t)
	v := newToy(t, client)

	status, err := v.TryDetect(context.Background(), frame)
	require.NoError(t, err)
	assert.Equal(t, rtos.DetectNone, status)
	assert.Empty(t, adapter.Requests())
}

func TestVariant_DetectInitialized(t *testing.T) {
	adapter, client := newSession(t)
	seedTasks(adapter)
	v := newToy(t, client)
	v.OnStopped(frame)

	status, err := v.TryDetect(context.Background(), frame)
	require.NoError(t, err)
	assert.Equal(t, rtos.DetectInitialized, status)
	assert.Equal(t, rtos.DetectInitialized, v.Detection())
	assert.Equal(t, 1, adapter.Count("evaluate"))
}

func TestVariant_DetectFailedIsSticky(t *testing.T) {
	adapter, client := newSession(t)
	v := newToy(t, client)
	v.OnStopped(frame)

	status, err := v.TryDetect(context.Background(), frame)
	require.NoError(t, err)
	assert.Equal(t, rtos.DetectFailed, status)

	adapter.SetEvaluate("kernel", "1", 0)
	status, err = v.TryDetect(context.Background(), frame)
	require.NoError(t, err)
	assert.Equal(t, rtos.DetectFailed, status)
	assert.Equal(t, 1, adapter.Count("evaluate"))
}

func TestVariant_DetectScriptError(t *testing.T) {
	_, client := newSession(t)
	m := &Manifest{
		Name:    "Broken",
		Source:  `function detect(f) error("no kernel here") end function refresh(f) return {} end`,
		Columns: []ManifestColumn{{Field: "Name"}},
	}
	v, err := New(m, client, Options{})
	require.NoError(t, err)
	defer v.Close()
	v.OnStopped(frame)

	status, err := v.TryDetect(context.Background(), frame)
	assert.ErrorIs(t, err, rtos.ErrDetectionFailed)
	assert.Contains(t, err.Error(), "no kernel here")
	assert.Equal(t, rtos.DetectFailed, status)
	assert.Equal(t, rtos.DetectFailed, v.Detection())
}

func TestVariant_DetectBusyResult(t *testing.T) {
	_, client := newSession(t)
	m := &Manifest{
		Name:    "Later",
		Source:  `function detect(f) return rtos.busy end function refresh(f) return {} end`,
		Columns: []ManifestColumn{{Field: "Name"}},
	}
	v, err := New(m, client, Options{})
	require.NoError(t, err)
	defer v.Close()
	v.OnStopped(frame)

	status, err := v.TryDetect(context.Background(), frame)
	require.NoError(t, err)
	assert.Equal(t, rtos.DetectNone, status)
	assert.Equal(t, rtos.DetectNone, v.Detection())
}

func TestVariant_Refresh(t *testing.T) {
	adapter, client := newSession(t)
	seedTasks(adapter)
	v := newToy(t, client)
	v.OnStopped(frame)
	_, err := v.TryDetect(context.Background(), frame)
	require.NoError(t, err)

	require.NoError(t, v.Refresh(context.Background(), frame))

	tbl := v.Table()
	require.Len(t, tbl.Rows, 2)
	main := tbl.Rows[0]
	assert.True(t, main.Running)
	assert.Equal(t, "main", main.Cells[0].Text)
	assert.Equal(t, "3", main.Cells[2].Text)
	assert.Equal(t, "0x20000000", main.Cells[3].Text)
	assert.True(t, main.Cells[3].Link)
	assert.Equal(t, "6", main.Cells[4].Text)
	assert.Equal(t, "Last updated: 10:11:12", tbl.Caption)

	// The idle stack is unreadable, so its peak stays unknown.
	idle := tbl.Rows[1]
	assert.Equal(t, "idle", idle.Cells[0].Text)
	assert.Equal(t, "", idle.Cells[4].Text)

	snap := v.Snapshot()
	require.NotNil(t, snap)
	st := snap.Rows[0].Stack
	require.NotNil(t, st.Used)
	assert.Equal(t, uint64(4), *st.Used)
	assert.Nil(t, st.Bytes)
}

func TestVariant_RefreshNotInitialized(t *testing.T) {
	_, client := newSession(t)
	v := newToy(t, client)
	v.OnStopped(frame)

	assert.ErrorIs(t, v.Refresh(context.Background(), frame), rtos.ErrNotInitialized)
}

func initializedToy(t *testing.T) (*daptest.Adapter, *Variant) {
	t.Helper()
	adapter, client := newSession(t)
	seedTasks(adapter)
	v := newToy(t, client)
	v.OnStopped(frame)
	status, err := v.TryDetect(context.Background(), frame)
	require.NoError(t, err)
	require.Equal(t, rtos.DetectInitialized, status)
	require.NoError(t, v.Refresh(context.Background(), frame))
	return adapter, v
}

func TestVariant_RefreshFailureKeepsRows(t *testing.T) {
	_, v := initializedToy(t)
	before := v.Snapshot()

	require.NoError(t, v.state.DoString("toggle", "fail = true"))
	err := v.Refresh(context.Background(), frame)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken list")
	assert.Same(t, before, v.Snapshot())
}

func TestVariant_RefreshBusySentinel(t *testing.T) {
	_, v := initializedToy(t)
	before := v.Snapshot()

	require.NoError(t, v.state.DoString("toggle", "busy = true"))
	err := v.Refresh(context.Background(), frame)
	assert.True(t, rtos.IsBusy(err), "got %v", err)
	assert.Same(t, before, v.Snapshot())
}

func TestVariant_RefreshWhileRunning(t *testing.T) {
	adapter, v := initializedToy(t)
	requests := len(adapter.Requests())

	v.OnContinued()
	assert.ErrorIs(t, v.Refresh(context.Background(), frame), rtos.ErrBusy)
	assert.Len(t, adapter.Requests(), requests)
}

func TestVariant_HostErrorKeepsIdentity(t *testing.T) {
	_, v := initializedToy(t)

	require.NoError(t, v.state.DoString("toggle", "missing = true"))
	err := v.Refresh(context.Background(), frame)

	assert.ErrorIs(t, err, rtos.ErrNotFound)
	var resolveErr *rtos.ResolveError
	require.ErrorAs(t, err, &resolveErr)
	assert.Equal(t, "no_such_symbol", resolveErr.Expr)
}

func TestVariant_PcallSeesBusy(t *testing.T) {
	_, client := newSession(t)
	v := newToy(t, client)

	results, err := v.run(context.Background(), frame, "probe")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "false", results[0].String())
	assert.Equal(t, "true", results[1].String())
}

func TestVariant_Memory(t *testing.T) {
	adapter, client := newSession(t)
	seedTasks(adapter)
	v := newToy(t, client)
	v.OnStopped(frame)

	results, err := v.run(context.Background(), frame, "peek")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "165", results[0].String())
	assert.Equal(t, "165", results[1].String())
	assert.Equal(t, "2", results[2].String())
}

func TestFreeRTOS_Detect(t *testing.T) {
	m, err := LoadManifest(filepath.Join("..", "..", "..", "variants", "freertos.yaml"))
	require.NoError(t, err)

	adapter, client := newSession(t)
	adapter.SetEvaluate("uxCurrentNumberOfTasks", "2", 0)
	adapter.SetEvaluate("pxCurrentTCB", "0x20001000", 5)

	v, err := New(m, client, Options{})
	require.NoError(t, err)
	defer v.Close()
	v.OnStopped(frame)

	status, err := v.TryDetect(context.Background(), frame)
	require.NoError(t, err)
	assert.Equal(t, rtos.DetectInitialized, status)
	assert.Equal(t, "FreeRTOS", v.Name())
}

func TestFreeRTOS_DetectWithoutKernel(t *testing.T) {
	m, err := LoadManifest(filepath.Join("..", "..", "..", "variants", "freertos.yaml"))
	require.NoError(t, err)

	_, client := newSession(t)
	v, err := New(m, client, Options{})
	require.NoError(t, err)
	defer v.Close()
	v.OnStopped(frame)

	status, err := v.TryDetect(context.Background(), frame)
	require.NoError(t, err)
	assert.Equal(t, rtos.DetectFailed, status)
}

func TestVariant_LookupsReusedWithinStop(t *testing.T) {
	adapter, client := newSession(t)
	seedTasks(adapter)
	v := newToy(t, client)
	v.OnStopped(frame)

	results, err := v.run(context.Background(), frame, "twice")
	require.NoError(t, err)
	require.Len(t, results, 5)
	assert.Equal(t, "1", results[0].String())
	assert.Equal(t, "1", results[1].String())
	assert.Equal(t, "10", results[2].String())
	assert.Equal(t, "10", results[3].String())
	assert.Equal(t, "true", results[4].String())
	assert.Equal(t, 3, adapter.Count("evaluate"), "one request per expression")

	_, err = v.run(context.Background(), frame, "twice")
	require.NoError(t, err)
	assert.Equal(t, 3, adapter.Count("evaluate"), "second call in the same stop")

	v.OnContinued()
	v.OnStopped(frame)
	_, err = v.run(context.Background(), frame, "twice")
	require.NoError(t, err)
	assert.Equal(t, 6, adapter.Count("evaluate"), "a new stop resolves again")
}

func TestVariant_RefreshReusesLookupsWithinStop(t *testing.T) {
	adapter, v := initializedToy(t)
	evaluates := adapter.Count("evaluate")

	require.NoError(t, v.Refresh(context.Background(), frame))
	assert.Equal(t, evaluates, adapter.Count("evaluate"))

	v.OnContinued()
	v.OnStopped(frame)
	require.NoError(t, v.Refresh(context.Background(), frame))
	assert.Equal(t, evaluates+1, adapter.Count("evaluate"))
}

func loadFreeRTOS(t *testing.T, session rtos.Session) *Variant {
	t.Helper()
	m, err := LoadManifest(filepath.Join("..", "..", "..", "variants", "freertos.yaml"))
	require.NoError(t, err)
	v, err := New(m, session, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

// seedFreeRTOS describes a kernel with two ready tasks, one delayed task
// and no suspended or terminating lists.
func seedFreeRTOS(a *daptest.Adapter) {
	a.SetEvaluate("uxCurrentNumberOfTasks", "3", 0)
	a.SetEvaluate("pxCurrentTCB", "(TCB_t *) 0x20001000", 5)

	a.SetEvaluate("pxReadyTasksLists", "{...}", 20)
	a.SetVariables(20, dap.Variable{Name: "[0]", VariablesReference: 21, EvaluateName: "pxReadyTasksLists[0]"})
	a.SetEvaluate("pxReadyTasksLists[0]", "{...}", 21)
	a.SetVariables(21, dap.Variable{Name: "uxNumberOfItems", Value: "2"})
	a.SetEvaluate("*(pxReadyTasksLists[0]).xListEnd.pxNext", "{...}", 22)
	a.SetVariables(22,
		dap.Variable{Name: "pvOwner", Value: "(void *) 0x20001000"},
		dap.Variable{Name: "pxNext", Value: "0x20003040", EvaluateName: "ready_second"},
	)
	a.SetEvaluate("*(ready_second)", "{...}", 24)
	a.SetVariables(24,
		dap.Variable{Name: "pvOwner", Value: "0x20003000"},
		dap.Variable{Name: "pxNext", Value: "0x20000400", EvaluateName: "past_end"},
	)

	a.SetEvaluate("xDelayedTaskList1", "{...}", 30)
	a.SetVariables(30, dap.Variable{Name: "uxNumberOfItems", Value: "1"})
	a.SetEvaluate("*(xDelayedTaskList1).xListEnd.pxNext", "{...}", 33)
	a.SetVariables(33,
		dap.Variable{Name: "pvOwner", Value: "0x20002000"},
		dap.Variable{Name: "pxNext", Value: "0x20000500", EvaluateName: "past_end"},
	)
	for expr, ref := range map[string]int{"xDelayedTaskList2": 31, "xPendingReadyList": 32} {
		a.SetEvaluate(expr, "{...}", ref)
		a.SetVariables(ref, dap.Variable{Name: "uxNumberOfItems", Value: "0"})
	}

	tcb := func(addr string, ref int, id, name, prio, stack, top string) {
		a.SetEvaluate("*(TCB_t *)"+addr, "{...}", ref)
		a.SetVariables(ref,
			dap.Variable{Name: "uxTCBNumber", Value: id},
			dap.Variable{Name: "pcTaskName", Value: `0x20001034 "` + name + `"`},
			dap.Variable{Name: "uxPriority", Value: prio},
			dap.Variable{Name: "pxStack", Value: stack},
			dap.Variable{Name: "pxTopOfStack", Value: top},
		)
	}
	tcb("0x20001000", 23, "2", "main", "3", "0x20000000", "0x20000080")
	tcb("0x20003000", 25, "3", "worker", "2", "(StackType_t *) 0x20002800", "0x20002900")
	tcb("0x20002000", 34, "1", "IDLE", "0", "0x20001800", "0x20001900")
}

func TestFreeRTOS_Refresh(t *testing.T) {
	adapter, client := newSession(t)
	seedFreeRTOS(adapter)
	v := loadFreeRTOS(t, client)
	v.OnStopped(frame)

	status, err := v.TryDetect(context.Background(), frame)
	require.NoError(t, err)
	require.Equal(t, rtos.DetectInitialized, status)
	require.NoError(t, v.Refresh(context.Background(), frame))

	tbl := v.Table()
	require.Len(t, tbl.Rows, 3)
	texts := func(i int) []string {
		var out []string
		for _, c := range tbl.Rows[i].Cells {
			out = append(out, c.Text)
		}
		return out
	}

	// Rows are ordered by TCB number, not by list.
	assert.Equal(t, []string{"1", "0x20002000", "IDLE", "BLOCKED", "0", "0x20001800", "0x20001900"}, texts(0)[:7])
	assert.Equal(t, []string{"2", "0x20001000", "main", "RUNNING", "3", "0x20000000", "0x20000080"}, texts(1)[:7])
	assert.Equal(t, []string{"3", "0x20003000", "worker", "READY", "2", "0x20002800", "0x20002900"}, texts(2)[:7])
	assert.False(t, tbl.Rows[0].Running)
	assert.True(t, tbl.Rows[1].Running)
	assert.True(t, tbl.Rows[1].Cells[5].Link)

	for _, req := range adapter.Requests() {
		if req.Command != "evaluate" {
			continue
		}
		var args dap.EvaluateArguments
		require.NoError(t, json.Unmarshal(req.Arguments, &args))
		assert.NotEqual(t, "*(past_end)", args.Expression, "list walk went past the last owner")
	}
}
