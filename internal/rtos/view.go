package rtos

import (
	"html/template"
	"time"

	"github.com/dshills/rtosview/internal/renderer/table"
)

// View is what a display surface shows after a refresh cycle.
type View struct {
	// CycleID identifies the refresh cycle that produced the view.
	CycleID string
	// Variant names the active kernel, empty when none is detected.
	Variant string
	// Available is false when there is no table to show.
	Available bool
	// Reason explains an unavailable view.
	Reason string
	Table  table.Table
	// Err is the most recent refresh failure. The table is then the last
	// one that refreshed successfully.
	Err error
	At  time.Time
}

// Unavailable returns a view with no table.
func Unavailable(reason string) View {
	return View{Reason: reason, At: time.Now()}
}

// HTML renders the view as markup.
func (v View) HTML() string {
	if !v.Available {
		return `<p class="rtos-unavailable">` + template.HTMLEscapeString(v.Reason) + `</p>`
	}
	return v.Table.HTML()
}

// Text renders the view as plain text.
func (v View) Text() string {
	if !v.Available {
		return v.Reason + "\n"
	}
	if v.Variant == "" {
		return v.Table.Text()
	}
	return v.Variant + "\n" + v.Table.Text()
}
