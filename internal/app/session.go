package app

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/dshills/rtosview/internal/config"
	"github.com/dshills/rtosview/internal/dap"
	"github.com/dshills/rtosview/internal/sched"
)

// ClientID identifies rtosview to debug adapters.
const ClientID = "rtosview"

// connect opens the transport to the debug adapter and creates the client.
// A TCP adapter that is still starting up is retried with backoff.
func (app *Application) connect(ctx context.Context) error {
	a := app.config().Adapter
	transport := app.opts.Transport

	switch {
	case transport != nil:
	case a.Command != "":
		t, err := dap.NewStdioTransport(exec.Command(a.Command, a.Args...))
		if err != nil {
			return &InitError{Component: "adapter", Err: err}
		}
		transport = t
	default:
		retry := sched.DefaultRetryConfig()
		retry.OnRetry = func(attempt int, err error, delay time.Duration) {
			app.log.Warn("connect attempt %d failed: %v; retrying in %s", attempt, err, delay)
		}
		t, err := sched.Retry(ctx, retry, func(context.Context) (*dap.SocketTransport, error) {
			return dap.DialSocket(a.Address, a.Timeout.Std())
		})
		if err != nil {
			return &InitError{Component: "adapter", Err: err}
		}
		transport = t
	}

	client := dap.NewClient(transport, dap.WithLogger(app.log.WithComponent("dap")))
	app.mu.Lock()
	app.client = client
	app.mu.Unlock()
	return nil
}

// startSession runs the DAP handshake: initialize, attach or launch, and
// configurationDone once the adapter reports it is initialized.
func (app *Application) startSession(ctx context.Context) error {
	a := app.config().Adapter
	client := app.client

	initialized := make(chan struct{})
	var once sync.Once
	client.OnInitialized(func() { once.Do(func() { close(initialized) }) })

	reqCtx, cancel := withTimeout(ctx, a.Timeout.Std())
	defer cancel()

	caps, err := client.Initialize(reqCtx, dap.InitializeRequestArguments{
		ClientID:                 ClientID,
		ClientName:               ClientID,
		AdapterID:                ClientID,
		LinesStartAt1:            true,
		ColumnsStartAt1:          true,
		PathFormat:               "path",
		SupportsVariableType:     true,
		SupportsMemoryReferences: true,
	})
	if err != nil {
		return &InitError{Component: "debug session", Err: fmt.Errorf("initialize: %w", err)}
	}
	if !caps.SupportsReadMemoryRequest {
		app.log.Info("adapter cannot read memory; stack peaks are unavailable")
	}

	args := a.Arguments
	if args == nil {
		args = map[string]any{}
	}
	started := make(chan error, 1)
	go func() {
		if a.Request == config.RequestLaunch {
			started <- client.Launch(reqCtx, args)
		} else {
			started <- client.Attach(reqCtx, args)
		}
	}()

	// Adapters send initialized either before or after answering the
	// attach or launch request.
	var startErr error
	startDone := false
	select {
	case <-initialized:
	case startErr = <-started:
		startDone = true
		if startErr != nil {
			return &InitError{Component: "debug session", Err: fmt.Errorf("%s: %w", a.Request, startErr)}
		}
		select {
		case <-initialized:
		case <-reqCtx.Done():
			app.log.Warn("adapter never sent initialized; continuing")
		}
	case <-reqCtx.Done():
		return &InitError{Component: "debug session", Err: reqCtx.Err()}
	}

	if caps.SupportsConfigurationDoneRequest {
		doneCtx, cancelDone := withTimeout(ctx, a.Timeout.Std())
		err := client.ConfigurationDone(doneCtx)
		cancelDone()
		if err != nil {
			return &InitError{Component: "debug session", Err: fmt.Errorf("configurationDone: %w", err)}
		}
	}

	if !startDone {
		select {
		case startErr = <-started:
		case <-ctx.Done():
			return ctx.Err()
		}
		if startErr != nil {
			return &InitError{Component: "debug session", Err: fmt.Errorf("%s: %w", a.Request, startErr)}
		}
	}

	app.log.Info("debug session started (%s)", a.Request)
	return nil
}

// withTimeout bounds ctx by d; zero means no bound.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
