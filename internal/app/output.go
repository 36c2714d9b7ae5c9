package app

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dshills/rtosview/internal/config"
	"github.com/dshills/rtosview/internal/logging"
	"github.com/dshills/rtosview/internal/renderer/backend"
	"github.com/dshills/rtosview/internal/rtos"
)

// Output is a display surface for tracker views.
type Output interface {
	// Show presents a view. It is called from the tracker's goroutine and
	// must not block on user input.
	Show(view rtos.View)
	// Run blocks until ctx is done, returning nil, or the user asks to
	// quit, returning ErrQuit.
	Run(ctx context.Context) error
	Close() error
}

func (app *Application) newOutput() (Output, error) {
	cfg := app.config()
	switch cfg.View.Output {
	case config.OutputHTML:
		return &htmlOutput{path: cfg.View.HTMLPath, log: app.log}, nil
	case config.OutputText:
		w := app.opts.Stdout
		if w == nil {
			w = os.Stdout
		}
		return &textOutput{w: w}, nil
	default:
		b := app.opts.Backend
		if b == nil {
			term, err := backend.NewTerminal()
			if err != nil {
				return nil, err
			}
			b = term
		}
		return newTerminalOutput(b), nil
	}
}

// title is the heading shown above a view.
func title(view rtos.View) string {
	t := "rtosview"
	if view.Variant != "" {
		t += ": " + view.Variant
	}
	if view.Err != nil {
		t += " (stale: " + view.Err.Error() + ")"
	}
	return t
}

// terminalOutput draws views full screen.
type terminalOutput struct {
	backend backend.Backend
	view    *backend.TableView

	mu      sync.Mutex
	started bool
}

func newTerminalOutput(b backend.Backend) *terminalOutput {
	return &terminalOutput{backend: b, view: backend.NewTableView(b)}
}

func (o *terminalOutput) Show(view rtos.View) {
	if view.Available {
		o.view.SetTable(title(view), view.Table)
	} else {
		o.view.SetMessage(title(view), view.Reason)
	}
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if started {
		o.view.Refresh()
	}
}

func (o *terminalOutput) Run(ctx context.Context) error {
	if err := o.backend.Init(); err != nil {
		return fmt.Errorf("terminal: %w", err)
	}
	o.mu.Lock()
	o.started = true
	o.mu.Unlock()

	o.view.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return ErrQuit
}

func (o *terminalOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		o.backend.Shutdown()
		o.started = false
	}
	return nil
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
table.rtos-table { border-collapse: collapse; width: 100%; font-family: monospace; }
table.rtos-table th, table.rtos-table td { text-align: left; padding: 0 0.5em; }
tr.running { font-weight: bold; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{.Body}}
</body>
</html>
`))

// htmlOutput rewrites a standalone page after every view.
type htmlOutput struct {
	path string
	log  *logging.Logger

	mu sync.Mutex
}

func (o *htmlOutput) Show(view rtos.View) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.write(view); err != nil {
		logging.OrNull(o.log).Warn("writing %s: %v", o.path, err)
	}
}

// write replaces the page in one rename so readers never see a partial
// file.
func (o *htmlOutput) write(view rtos.View) error {
	var buf bytes.Buffer
	err := pageTemplate.Execute(&buf, struct {
		Title string
		Body  template.HTML
	}{
		Title: title(view),
		Body:  template.HTML(view.HTML()), //nolint:gosec // view markup is escaped by the table renderer
	})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(o.path), ".rtosview-*.html")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), o.path)
}

func (o *htmlOutput) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (o *htmlOutput) Close() error { return nil }

// textOutput writes each view as a plain-text block followed by a blank
// line.
type textOutput struct {
	mu sync.Mutex
	w  io.Writer
}

func (o *textOutput) Show(view rtos.View) {
	o.mu.Lock()
	defer o.mu.Unlock()
	io.WriteString(o.w, view.Text())
	if view.Err != nil {
		fmt.Fprintf(o.w, "stale: %v\n", view.Err)
	}
	fmt.Fprintln(o.w)
}

func (o *textOutput) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (o *textOutput) Close() error { return nil }
