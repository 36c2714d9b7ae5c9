package backend

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/dshills/rtosview/internal/renderer/table"
)

func sampleTable(n int) table.Table {
	rows := make([]table.Record, n)
	for i := range rows {
		rows[i] = table.Record{"Name": fmt.Sprintf("task%d", i), "Status": "READY"}
	}
	if n > 0 {
		rows[0]["Status"] = table.StatusRunning
	}
	return table.Render([]string{"Name", "Status"}, table.Schema{
		"Name":   {Width: 3, Header1: "Name"},
		"Status": {Width: 1, Header1: "Status", Header2: "(now)"},
	}, rows, "Last updated: 10:00:00")
}

func TestTableViewDraw(t *testing.T) {
	b := NewNullBackend(40, 10)
	v := NewTableView(b)
	v.SetTable("FreeRTOS", sampleTable(2))
	v.Draw()

	if got := b.Line(0); got != "FreeRTOS" {
		t.Errorf("title = %q", got)
	}
	if !b.GetCell(0, 0).Style.Reverse || !b.GetCell(0, 0).Style.Bold {
		t.Error("title should be bold and reversed")
	}

	header := b.Line(1)
	if !strings.HasPrefix(header, "Name") || strings.Index(header, "Status") != 30 {
		t.Errorf("unexpected header %q", header)
	}
	if !b.GetCell(0, 1).Style.Bold {
		t.Error("header should be bold")
	}
	if got := strings.TrimSpace(b.Line(2)); got != "(now)" {
		t.Errorf("second header = %q", got)
	}

	if !strings.HasPrefix(b.Line(3), "task0") {
		t.Errorf("first row = %q", b.Line(3))
	}
	if !b.GetCell(0, 3).Style.Reverse || !b.GetCell(39, 3).Style.Reverse {
		t.Error("running row should be reversed across the full width")
	}
	if b.GetCell(0, 4).Style.Reverse {
		t.Error("ready row should not be reversed")
	}

	if got := b.Line(9); got != "Last updated: 10:00:00" {
		t.Errorf("caption = %q", got)
	}
	if !b.GetCell(0, 9).Style.Dim {
		t.Error("caption should be dim")
	}
}

func TestTableViewMessage(t *testing.T) {
	b := NewNullBackend(40, 5)
	v := NewTableView(b)
	v.SetTable("old", sampleTable(3))
	v.SetMessage("RTOS", "no RTOS detected")
	v.Draw()

	if got := b.Line(0); got != "RTOS" {
		t.Errorf("title = %q", got)
	}
	if got := b.Line(1); got != "no RTOS detected" {
		t.Errorf("message = %q", got)
	}
	if got := b.Line(2); got != "" {
		t.Errorf("expected nothing below the message, got %q", got)
	}
}

func TestTableViewScroll(t *testing.T) {
	b := NewNullBackend(40, 10)
	v := NewTableView(b)
	v.SetTable("FreeRTOS", sampleTable(20))

	// 10 lines minus title, two headers and caption leave 6 body rows.
	v.Scroll(100)
	if got := v.Offset(); got != 14 {
		t.Fatalf("offset = %d, want 14", got)
	}
	v.Draw()
	if !strings.HasPrefix(b.Line(3), "task14") || !strings.HasPrefix(b.Line(8), "task19") {
		t.Errorf("unexpected body %q .. %q", b.Line(3), b.Line(8))
	}

	v.Scroll(-100)
	if got := v.Offset(); got != 0 {
		t.Errorf("offset = %d, want 0", got)
	}
}

func TestTableViewHandleEvent(t *testing.T) {
	v := NewTableView(NewNullBackend(40, 10))
	v.SetTable("FreeRTOS", sampleTable(20))

	if v.HandleEvent(Event{Type: EventKey, Key: KeyDown}) {
		t.Error("down should not quit")
	}
	v.HandleEvent(Event{Type: EventKey, Key: KeyRune, Rune: 'j'})
	if got := v.Offset(); got != 2 {
		t.Errorf("offset = %d, want 2", got)
	}
	v.HandleEvent(Event{Type: EventKey, Key: KeyPageDown})
	if got := v.Offset(); got != 7 {
		t.Errorf("offset after page down = %d, want 7", got)
	}
	v.HandleEvent(Event{Type: EventKey, Key: KeyHome})
	if got := v.Offset(); got != 0 {
		t.Errorf("offset after home = %d, want 0", got)
	}

	for _, ev := range []Event{
		{Type: EventKey, Key: KeyRune, Rune: 'q'},
		{Type: EventKey, Key: KeyEscape},
		{Type: EventKey, Key: KeyCtrlC},
	} {
		if !v.HandleEvent(ev) {
			t.Errorf("expected %+v to quit", ev)
		}
	}
	if v.HandleEvent(Event{Type: EventResize, Width: 10, Height: 10}) {
		t.Error("resize should not quit")
	}
}

func TestTableViewRunQuits(t *testing.T) {
	b := NewNullBackend(40, 10)
	v := NewTableView(b)
	v.SetTable("FreeRTOS", sampleTable(1))

	done := make(chan struct{})
	go func() {
		v.Run(context.Background())
		close(done)
	}()
	b.PostEvent(Event{Type: EventKey, Key: KeyRune, Rune: 'q'})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return on quit key")
	}
}

func TestTableViewRunStopsOnContext(t *testing.T) {
	v := NewTableView(NewNullBackend(40, 10))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		v.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return on cancel")
	}
}

func TestDrawTextTruncates(t *testing.T) {
	b := NewNullBackend(10, 1)
	drawText(b, 0, 0, 5, "abcdefgh", Style{}, true)
	if got := b.Line(0); got != "abcd…" {
		t.Errorf("got %q", got)
	}

	b.Clear()
	drawText(b, 0, 0, 5, "ab", Style{Reverse: true}, true)
	if got := b.Line(0); got != "ab" {
		t.Errorf("got %q", got)
	}
	if !b.GetCell(4, 0).Style.Reverse {
		t.Error("padding should carry the style")
	}
}

func TestColumnWidths(t *testing.T) {
	widths := columnWidths(40, []table.Layout{{Percent: 75}, {Percent: 25}})
	if widths[0] != 29 || widths[1] != 10 {
		t.Errorf("widths = %v", widths)
	}

	narrow := columnWidths(2, []table.Layout{{Percent: 50}, {Percent: 50}, {Percent: 0}})
	for i, w := range narrow {
		if w < 1 {
			t.Errorf("column %d has width %d", i, w)
		}
	}
}
