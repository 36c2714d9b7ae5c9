package rtos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/rtosview/internal/dap"
	"github.com/dshills/rtosview/internal/logging"
	"github.com/dshills/rtosview/internal/sched"
)

// FrameSource locates the top frame of a stopped thread. *dap.Client
// satisfies it.
type FrameSource interface {
	Threads(ctx context.Context) ([]dap.Thread, error)
	StackTrace(ctx context.Context, args dap.StackTraceArguments) (*dap.StackTraceResponseBody, error)
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// Variants are the candidates, tried in order.
	Variants []Variant
	// Frames resolves the frame a stop refers to. Nil uses frame 0.
	Frames FrameSource
	// DetectRetries bounds how many stops a variant may defer detection
	// because the target was busy. Zero means no bound.
	DetectRetries int
	// Debounce coalesces stops that arrive in quick succession.
	Debounce time.Duration
	// CycleTimeout bounds one refresh cycle. Zero means no bound.
	CycleTimeout time.Duration
	Logger       *logging.Logger
}

// Tracker owns the candidate variants of one debug session. It forwards
// status transitions to every variant, selects one by trial detection,
// and refreshes it on each stop. The last good view survives a failed
// refresh.
type Tracker struct {
	frames        FrameSource
	detectRetries int
	cycleTimeout  time.Duration
	log           *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	debouncer *sched.Debouncer

	// cycleMu serializes refresh cycles.
	cycleMu sync.Mutex

	mu        sync.Mutex
	variants  []Variant
	thread    int
	halted    bool
	exited    bool
	active    Variant
	deferred  map[Variant]int
	view      View
	listeners []func(View)

	exitCh   chan struct{}
	exitOnce sync.Once
}

// NewTracker creates a tracker. Close releases it.
func NewTracker(cfg TrackerConfig) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		variants:      append([]Variant(nil), cfg.Variants...),
		frames:        cfg.Frames,
		detectRetries: cfg.DetectRetries,
		cycleTimeout:  cfg.CycleTimeout,
		log:           logging.OrNull(cfg.Logger).WithComponent("tracker"),
		ctx:           ctx,
		cancel:        cancel,
		deferred:      make(map[Variant]int),
		view:          Unavailable("waiting for the target to stop"),
		exitCh:        make(chan struct{}),
	}
	t.debouncer = sched.NewDebouncer(cfg.Debounce, t.scheduled)
	return t
}

// Attach subscribes the tracker to a client's events and uses the client
// to locate frames.
func (t *Tracker) Attach(client *dap.Client) {
	if t.frames == nil {
		t.frames = client
	}
	client.OnStopped(func(b dap.StoppedEventBody) { t.HandleStopped(b.ThreadID) })
	client.OnContinued(func(dap.ContinuedEventBody) { t.HandleContinued() })
	client.OnExited(func(dap.ExitedEventBody) { t.HandleExited() })
	client.OnTerminated(func(dap.TerminatedEventBody) { t.HandleExited() })
}

// OnUpdate registers fn to receive the view after every cycle. fn runs on
// the cycle's goroutine.
func (t *Tracker) OnUpdate(fn func(View)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// HandleStopped opens the gate on every variant and schedules a cycle.
// It issues no requests and is safe to call from an event handler.
func (t *Tracker) HandleStopped(threadID int) {
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()
		return
	}
	t.thread = threadID
	t.halted = true
	variants := t.variants
	t.mu.Unlock()

	for _, v := range variants {
		v.OnStopped(0)
	}
	t.debouncer.Call()
}

// HandleContinued closes the gate. Replies still in flight become stale.
func (t *Tracker) HandleContinued() {
	t.mu.Lock()
	t.halted = false
	variants := t.variants
	t.mu.Unlock()

	t.debouncer.Cancel()
	for _, v := range variants {
		v.OnContinued()
	}
}

// HandleExited closes the gate for good and stops scheduling cycles. The
// last view is kept.
func (t *Tracker) HandleExited() {
	t.mu.Lock()
	t.exited = true
	t.halted = false
	variants := t.variants
	t.mu.Unlock()

	t.debouncer.Cancel()
	for _, v := range variants {
		v.OnExited()
	}
	t.exitOnce.Do(func() { close(t.exitCh) })
}

// Exited is closed once the debugged program has exited or the session
// terminated.
func (t *Tracker) Exited() <-chan struct{} {
	return t.exitCh
}

// Replace swaps the candidate variants, for example after their scripts
// changed on disk. Detection starts over and the new candidates learn the
// current program status; a halted target gets a fresh cycle. The caller
// owns the replaced variants.
func (t *Tracker) Replace(variants []Variant) {
	t.cycleMu.Lock()
	t.mu.Lock()
	t.variants = append([]Variant(nil), variants...)
	t.active = nil
	t.deferred = make(map[Variant]int)
	halted, exited := t.halted, t.exited
	t.mu.Unlock()
	t.cycleMu.Unlock()

	t.log.Info("candidates replaced: %d variants", len(variants))
	for _, v := range variants {
		switch {
		case exited:
			v.OnExited()
		case halted:
			v.OnStopped(0)
		}
	}
	if halted {
		t.debouncer.Call()
	}
}

// Active returns the detected variant, or nil.
func (t *Tracker) Active() Variant {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// View returns the most recent view.
func (t *Tracker) View() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view
}

// Close cancels in-flight work and waits for a running cycle to finish.
func (t *Tracker) Close() {
	t.cancel()
	t.debouncer.Close()
}

func (t *Tracker) scheduled() {
	t.mu.Lock()
	thread := t.thread
	t.mu.Unlock()
	t.Cycle(t.ctx, thread)
}

// Cycle runs one detection and refresh pass for a stop of threadID and
// returns the resulting view. Cycles never overlap. While the target is
// not halted it issues nothing and returns the current view.
func (t *Tracker) Cycle(ctx context.Context, threadID int) View {
	t.cycleMu.Lock()
	defer t.cycleMu.Unlock()

	if t.cycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cycleTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	log := t.log.WithField("cycle", id[:8])

	t.mu.Lock()
	halted := t.halted
	t.mu.Unlock()
	if !halted {
		return t.View()
	}

	frameID, err := t.topFrame(ctx, threadID)
	if err != nil {
		log.Warn("locating frame of thread %d: %v", threadID, err)
	}

	active := t.Active()
	if active == nil {
		active = t.detect(ctx, log, frameID)
	}
	if active == nil {
		view := t.View()
		if !view.Available {
			view = t.unavailable()
		}
		view.CycleID = id
		return t.publish(view)
	}

	err = active.Refresh(ctx, frameID)
	view := t.View()
	view.CycleID = id
	switch {
	case err == nil:
		view = View{
			CycleID:   id,
			Variant:   active.Name(),
			Available: true,
			Table:     active.Table(),
			At:        time.Now(),
		}
		log.Debug("refreshed %s: %d rows", active.Name(), len(view.Table.Rows))
	case IsBusy(err):
		log.Debug("refresh deferred: %v", err)
	default:
		log.Warn("refresh %s: %v", active.Name(), err)
		view.Err = err
		if !view.Available {
			view.Reason = fmt.Sprintf("%s data unavailable: %v", active.Name(), err)
		}
	}
	return t.publish(view)
}

// detect tries each unsettled candidate in order and returns the first to
// initialize.
func (t *Tracker) detect(ctx context.Context, log *logging.Logger, frameID int) Variant {
	t.mu.Lock()
	variants := t.variants
	t.mu.Unlock()

	for _, v := range variants {
		if v.Detection() != DetectNone {
			continue
		}

		status, err := v.TryDetect(ctx, frameID)
		if err != nil && !errors.Is(err, ErrDetectionFailed) {
			log.Warn("detect %s: %v", v.Name(), err)
		}

		switch status {
		case DetectInitialized:
			log.Info("detected %s", v.Name())
			t.mu.Lock()
			t.active = v
			t.mu.Unlock()
			return v
		case DetectFailed:
			log.Debug("%s not present: %v", v.Name(), err)
		default:
			t.deferDetection(log, v)
		}
	}
	return nil
}

// deferDetection counts a busy detection attempt and settles the variant
// as failed once the retry budget is spent.
func (t *Tracker) deferDetection(log *logging.Logger, v Variant) {
	t.mu.Lock()
	t.deferred[v]++
	attempts := t.deferred[v]
	t.mu.Unlock()

	if t.detectRetries > 0 && attempts >= t.detectRetries {
		log.Info("giving up on %s after %d deferred attempts", v.Name(), attempts)
		v.Settle(DetectFailed)
	}
}

func (t *Tracker) unavailable() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, v := range t.variants {
		if v.Detection() == DetectNone {
			return Unavailable("detecting RTOS")
		}
	}
	return Unavailable("no RTOS detected")
}

func (t *Tracker) topFrame(ctx context.Context, threadID int) (int, error) {
	if t.frames == nil {
		return 0, nil
	}
	if threadID == 0 {
		threads, err := t.frames.Threads(ctx)
		if err != nil {
			return 0, err
		}
		if len(threads) == 0 {
			return 0, errors.New("no threads")
		}
		threadID = threads[0].ID
	}

	body, err := t.frames.StackTrace(ctx, dap.StackTraceArguments{ThreadID: threadID, Levels: 1})
	if err != nil {
		return 0, err
	}
	if body == nil || len(body.StackFrames) == 0 {
		return 0, fmt.Errorf("thread %d has no frames", threadID)
	}
	return body.StackFrames[0].ID, nil
}

func (t *Tracker) publish(view View) View {
	t.mu.Lock()
	t.view = view
	listeners := append([]func(View){}, t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(view)
	}
	return view
}
