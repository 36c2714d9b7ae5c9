package backend

import (
	"context"
	"sync"

	"github.com/rivo/uniseg"

	"github.com/dshills/rtosview/internal/renderer/table"
)

// columnGap is the number of blank cells between columns.
const columnGap = 1

// TableView draws a title line, the table headers, a scrollable body and
// the caption on the last line. Running rows are drawn reversed.
type TableView struct {
	backend Backend

	mu      sync.Mutex
	title   string
	table   table.Table
	message string
	scroll  int
}

// NewTableView creates a view drawing on b.
func NewTableView(b Backend) *TableView {
	return &TableView{backend: b}
}

// SetTable replaces the table shown under title.
func (v *TableView) SetTable(title string, t table.Table) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.title = title
	v.table = t
	v.message = ""
}

// SetMessage shows msg instead of a table body.
func (v *TableView) SetMessage(title, msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.title = title
	v.table = table.Table{}
	v.message = msg
}

// Scroll moves the body by delta rows.
func (v *TableView) Scroll(delta int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.scroll += delta
	v.clamp()
}

// Offset returns the index of the first visible row.
func (v *TableView) Offset() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.scroll
}

// HandleEvent applies navigation keys. It reports whether the user asked
// to quit.
func (v *TableView) HandleEvent(ev Event) bool {
	if ev.Type != EventKey {
		return false
	}
	page := max(v.bodyHeight()-1, 1)
	v.mu.Lock()
	rows := len(v.table.Rows)
	v.mu.Unlock()

	switch ev.Key {
	case KeyEscape, KeyCtrlC:
		return true
	case KeyRune:
		switch ev.Rune {
		case 'q':
			return true
		case 'j':
			v.Scroll(1)
		case 'k':
			v.Scroll(-1)
		}
	case KeyUp:
		v.Scroll(-1)
	case KeyDown:
		v.Scroll(1)
	case KeyPageUp:
		v.Scroll(-page)
	case KeyPageDown:
		v.Scroll(page)
	case KeyHome:
		v.Scroll(-rows)
	case KeyEnd:
		v.Scroll(rows)
	}
	return false
}

// Run draws and handles events until the user quits, ctx is done or the
// backend shuts down. Call Refresh after SetTable to redraw.
func (v *TableView) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, v.backend.Interrupt)
	defer stop()

	v.Draw()
	for {
		ev := v.backend.PollEvent()
		if ctx.Err() != nil || ev.Type == EventNone {
			return
		}
		if v.HandleEvent(ev) {
			return
		}
		v.Draw()
	}
}

// Refresh asks Run to redraw.
func (v *TableView) Refresh() {
	v.backend.Interrupt()
}

// Draw paints the whole screen.
func (v *TableView) Draw() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.clamp()

	b := v.backend
	width, height := b.Size()
	b.Clear()
	if width <= 0 || height <= 0 {
		b.Show()
		return
	}

	y := 0
	drawText(b, 0, y, width, v.title, Style{Bold: true, Reverse: true}, true)
	y++

	t := v.table
	if v.message != "" {
		if y < height {
			drawText(b, 0, y, width, v.message, Style{}, false)
		}
		b.Show()
		return
	}

	widths := columnWidths(width, t.Columns)
	if y < height {
		drawRow(b, y, widths, t.Header1, Style{Bold: true})
		y++
	}
	if t.HasHeader2() && y < height {
		drawRow(b, y, widths, t.Header2, Style{Bold: true})
		y++
	}

	end := height
	if t.Caption != "" {
		end = height - 1
		if end >= y {
			drawText(b, 0, end, width, t.Caption, Style{Dim: true}, false)
		}
	}

	for i := v.scroll; i < len(t.Rows) && y < end; i++ {
		row := t.Rows[i]
		texts := make([]string, len(row.Cells))
		for j, c := range row.Cells {
			texts[j] = c.Text
		}
		drawRow(b, y, widths, texts, Style{Reverse: row.Running})
		y++
	}
	b.Show()
}

// bodyHeight is the number of rows available for the table body.
func (v *TableView) bodyHeight() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bodyHeightLocked()
}

func (v *TableView) bodyHeightLocked() int {
	_, height := v.backend.Size()
	// title and first header line
	chrome := 2
	if v.table.HasHeader2() {
		chrome++
	}
	if v.table.Caption != "" {
		chrome++
	}
	return max(height-chrome, 0)
}

// clamp must be called with v.mu held.
func (v *TableView) clamp() {
	maxScroll := max(len(v.table.Rows)-v.bodyHeightLocked(), 0)
	v.scroll = min(max(v.scroll, 0), maxScroll)
}

// columnWidths splits width by the columns' percentages. Every column
// gets at least one cell; the last column takes the remainder.
func columnWidths(width int, cols []table.Layout) []int {
	if len(cols) == 0 {
		return nil
	}
	avail := max(width-columnGap*(len(cols)-1), len(cols))
	widths := make([]int, len(cols))
	used := 0
	for i, c := range cols {
		widths[i] = max(int(float64(avail)*c.Percent/100), 1)
		used += widths[i]
	}
	if rest := avail - used; rest > 0 {
		widths[len(widths)-1] += rest
	}
	return widths
}

func drawRow(b Backend, y int, widths []int, texts []string, style Style) {
	x := 0
	for i, w := range widths {
		text := ""
		if i < len(texts) {
			text = texts[i]
		}
		drawText(b, x, y, w, text, style, true)
		x += w
		if i < len(widths)-1 {
			for g := 0; g < columnGap; g++ {
				b.SetCell(x+g, y, Cell{Rune: ' ', Style: style})
			}
			x += columnGap
		}
	}
}

// drawText writes text into width cells starting at x. Text that does not
// fit ends with an ellipsis. When pad is set the remaining cells are
// filled with blanks in style.
func drawText(b Backend, x, y, width int, text string, style Style, pad bool) {
	if width <= 0 {
		return
	}
	truncate := uniseg.StringWidth(text) > width
	limit := width
	if truncate {
		limit = width - 1
	}

	used := 0
	gr := uniseg.NewGraphemes(text)
	for gr.Next() {
		w := gr.Width()
		if used+w > limit {
			break
		}
		runes := gr.Runes()
		b.SetCell(x+used, y, Cell{Rune: runes[0], Comb: runes[1:], Style: style})
		used += max(w, 1)
	}
	if truncate {
		b.SetCell(x+used, y, Cell{Rune: '…', Style: style})
		used++
	}
	if pad {
		for ; used < width; used++ {
			b.SetCell(x+used, y, Cell{Rune: ' ', Style: style})
		}
	}
}
