// Package app wires a debug adapter connection, the scripted RTOS
// variants, the tracker and a display surface into one running session.
package app

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/rtosview/internal/config"
	"github.com/dshills/rtosview/internal/dap"
	"github.com/dshills/rtosview/internal/logging"
	"github.com/dshills/rtosview/internal/renderer/backend"
	"github.com/dshills/rtosview/internal/rtos"
	luavariant "github.com/dshills/rtosview/internal/variant/lua"
)

// Options configures the application. Non-empty fields override the
// configuration file.
type Options struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string

	// Address is host:port of a debug adapter.
	Address string

	// VariantsDir holds the variant manifests.
	VariantsDir string

	// Output is terminal, html or text.
	Output string

	// HTMLPath receives html output.
	HTMLPath string

	// LogLevel sets the logging verbosity.
	LogLevel string

	// Stdout receives text output. Defaults to os.Stdout.
	Stdout io.Writer

	// Transport, when set, is used instead of connecting to the
	// configured adapter.
	Transport dap.Transport

	// Backend, when set, replaces the terminal for terminal output.
	Backend backend.Backend
}

// Application is the central coordinator of one rtosview session.
type Application struct {
	opts Options
	log  *logging.Logger
	// logFile is closed on shutdown when logs go to a file.
	logFile io.Closer

	mu       sync.Mutex
	cfg      *config.Config
	client   *dap.Client
	variants []*luavariant.Variant
	tracker  *rtos.Tracker
	watcher  *config.Watcher
	output   Output

	running      atomic.Bool
	done         chan struct{}
	shutdownOnce sync.Once
}

// New loads the configuration and prepares logging and the output
// surface. Nothing is connected until Run.
func New(opts Options) (*Application, error) {
	app := &Application{
		opts: opts,
		done: make(chan struct{}),
	}

	if err := app.bootstrap(); err != nil {
		app.closeLog()
		return nil, err
	}
	return app, nil
}

// bootstrap initializes components in dependency order.
func (app *Application) bootstrap() error {
	cfg, err := config.Load(app.opts.ConfigPath)
	if err != nil {
		return &InitError{Component: "config", Err: err}
	}
	app.applyOptions(cfg)
	if err := cfg.Validate(); err != nil {
		return &InitError{Component: "config", Err: err}
	}
	app.cfg = cfg

	if err := app.setupLogging(); err != nil {
		return &InitError{Component: "logging", Err: err}
	}

	out, err := app.newOutput()
	if err != nil {
		return &InitError{Component: "output", Err: err}
	}
	app.output = out
	return nil
}

// applyOptions overrides cfg with the non-empty command-line options.
func (app *Application) applyOptions(cfg *config.Config) {
	o := app.opts
	if o.Address != "" {
		cfg.Adapter.Address = o.Address
		cfg.Adapter.Command = ""
	}
	if o.VariantsDir != "" {
		cfg.RTOS.VariantsDir = o.VariantsDir
	}
	if o.Output != "" {
		cfg.View.Output = o.Output
	}
	if o.HTMLPath != "" {
		cfg.View.HTMLPath = o.HTMLPath
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
}

func (app *Application) setupLogging() error {
	cfg := app.config()
	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.Log.Level)

	switch {
	case cfg.Log.File != "":
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		app.logFile = f
		logCfg.Output = f
	case cfg.View.Output == config.OutputTerminal && app.opts.Backend == nil:
		// stderr shares the screen with the table.
		logCfg.Output = io.Discard
	}

	app.log = logging.New(logCfg)
	logging.SetLogger(app.log)
	return nil
}

func (app *Application) config() *config.Config {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.cfg
}

// Run connects to the debug adapter and shows the RTOS view until the
// program exits, the user quits, ctx is done or Shutdown is called. It
// returns nil when the program exited and ErrQuit when the user quit.
func (app *Application) Run(ctx context.Context) error {
	if !app.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-app.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := app.connect(ctx); err != nil {
		return err
	}
	if err := app.loadVariants(); err != nil {
		return err
	}
	app.startTracker()
	if err := app.startSession(ctx); err != nil {
		return err
	}
	app.startWatcher()

	outErr := make(chan error, 1)
	go func() { outErr <- app.output.Run(ctx) }()

	select {
	case <-app.tracker.Exited():
		app.log.Info("program exited")
		return nil
	case <-app.client.Done():
		select {
		case <-app.done:
			return nil
		default:
			return ErrSessionEnded
		}
	case err := <-outErr:
		return err
	case <-ctx.Done():
		return nil
	}
}

// startTracker creates the tracker and subscribes it to the session
// before the program is started, so the first stop is not missed.
func (app *Application) startTracker() {
	cfg := app.config()
	tracker := rtos.NewTracker(rtos.TrackerConfig{
		Variants:      asVariants(app.variants),
		DetectRetries: cfg.RTOS.DetectRetries,
		Debounce:      cfg.RTOS.RefreshDebounce.Std(),
		CycleTimeout:  cfg.Adapter.Timeout.Std(),
		Logger:        app.log,
	})
	tracker.Attach(app.client)
	tracker.OnUpdate(app.output.Show)
	app.output.Show(tracker.View())

	app.mu.Lock()
	app.tracker = tracker
	app.mu.Unlock()
}

// Shutdown stops the session and releases every resource. It is safe to
// call more than once and from any goroutine.
func (app *Application) Shutdown() {
	app.shutdownOnce.Do(func() {
		close(app.done)

		app.mu.Lock()
		watcher, tracker, client := app.watcher, app.tracker, app.client
		variants, output := app.variants, app.output
		app.mu.Unlock()

		if watcher != nil {
			watcher.Close()
		}
		if tracker != nil {
			tracker.Close()
		}
		if client != nil {
			app.disconnect(client)
		}
		for _, v := range variants {
			v.Close()
		}
		if output != nil {
			output.Close()
		}
		app.closeLog()
	})
}

func (app *Application) closeLog() {
	if app.logFile != nil {
		app.logFile.Close()
		app.logFile = nil
	}
}

// disconnect detaches from the adapter, leaving the target running, and
// closes the client.
func (app *Application) disconnect(client *dap.Client) {
	select {
	case <-client.Done():
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := client.Disconnect(ctx, dap.DisconnectArguments{}); err != nil {
			app.log.Debug("disconnect: %v", err)
		}
		cancel()
	}
	client.Close()
}

func asVariants(vs []*luavariant.Variant) []rtos.Variant {
	out := make([]rtos.Variant, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}
