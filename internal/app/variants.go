package app

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dshills/rtosview/internal/config"
	"github.com/dshills/rtosview/internal/logging"
	luavariant "github.com/dshills/rtosview/internal/variant/lua"
)

// watchDebounce coalesces editor save bursts.
const watchDebounce = 200 * time.Millisecond

// buildVariants loads the manifests of cfg and compiles their scripts.
// Individual failures are logged; only an empty result is an error.
func (app *Application) buildVariants(cfg *config.Config) ([]*luavariant.Variant, error) {
	manifests, loadErr := luavariant.LoadDir(cfg.RTOS.VariantsDir, cfg.RTOS.Enabled)
	variants, buildErr := luavariant.LoadAll(manifests, app.client, luavariant.Options{
		Logger:    app.log,
		Timestamp: cfg.View.Timestamp,
	})
	if err := errors.Join(loadErr, buildErr); err != nil {
		if len(variants) == 0 {
			return nil, fmt.Errorf("%w from %s: %w", ErrNoVariants, cfg.RTOS.VariantsDir, err)
		}
		app.log.Warn("some variants were skipped: %v", err)
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("%w from %s", ErrNoVariants, cfg.RTOS.VariantsDir)
	}

	names := make([]string, len(variants))
	for i, v := range variants {
		names[i] = v.Name()
	}
	app.log.Info("variants: %v", names)
	return variants, nil
}

func (app *Application) loadVariants() error {
	variants, err := app.buildVariants(app.config())
	if err != nil {
		return &InitError{Component: "variants", Err: err}
	}
	app.mu.Lock()
	app.variants = variants
	app.mu.Unlock()
	return nil
}

// reloadVariants swaps the tracker's candidates for freshly compiled ones.
// The running set is kept when the new one cannot be built.
func (app *Application) reloadVariants() error {
	variants, err := app.buildVariants(app.config())
	if err != nil {
		return err
	}

	app.mu.Lock()
	old := app.variants
	app.variants = variants
	tracker := app.tracker
	app.mu.Unlock()

	tracker.Replace(asVariants(variants))
	for _, v := range old {
		v.Close()
	}
	return nil
}

// startWatcher follows the config file and the variants directory. A
// watcher that cannot start only disables reloading.
func (app *Application) startWatcher() {
	cfg := app.config()
	if app.opts.ConfigPath == "" && cfg.RTOS.VariantsDir == "" {
		return
	}
	w, err := config.NewWatcher(app.opts.ConfigPath, cfg.RTOS.VariantsDir, watchDebounce, app.log)
	if err != nil {
		app.log.Warn("live reload disabled: %v", err)
		return
	}
	w.OnChange(app.handleChange)

	app.mu.Lock()
	app.watcher = w
	app.mu.Unlock()
}

// applyConfig installs a validated configuration and reports whether the
// variants depend on what changed.
func (app *Application) applyConfig(next *config.Config) bool {
	app.mu.Lock()
	prev := app.cfg
	app.cfg = next
	app.mu.Unlock()

	app.log.SetLevel(logging.ParseLevel(next.Log.Level))
	if prev.Adapter.Address != next.Adapter.Address || prev.Adapter.Command != next.Adapter.Command ||
		prev.View.Output != next.View.Output {
		app.log.Warn("adapter and output changes take effect on restart")
	}
	return prev.RTOS.VariantsDir != next.RTOS.VariantsDir ||
		!slices.Equal(prev.RTOS.Enabled, next.RTOS.Enabled) ||
		prev.View.Timestamp != next.View.Timestamp
}

// handleChange applies a reloaded configuration and rebuilds the variants
// when their manifests or the settings they depend on changed. Adapter
// and output settings take effect on the next start.
func (app *Application) handleChange(c config.Change) {
	reload := c.VariantsChanged
	if c.Err != nil {
		// The previous configuration stays; manifest edits in the same
		// batch still apply.
		app.log.Warn("config reload: %v", c.Err)
	} else if next := c.Config; next != nil {
		app.applyOptions(next)
		if err := next.Validate(); err != nil {
			app.log.Warn("config reload: %v", err)
		} else if app.applyConfig(next) {
			reload = true
		}
	}

	if reload {
		if err := app.reloadVariants(); err != nil {
			app.log.Warn("variants reload: %v", err)
			return
		}
		app.log.Info("variants reloaded")
	}
}
