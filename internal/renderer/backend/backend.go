// Package backend draws RTOS tables on a character-cell display. The
// Backend interface abstracts the display so the table view can be drawn
// on a real terminal or on an in-memory grid.
package backend

// Style is the emphasis of one cell.
type Style struct {
	Bold    bool
	Reverse bool
	Dim     bool
}

// Cell is one character position.
type Cell struct {
	Rune rune
	// Comb holds combining runes that follow Rune in the same grapheme.
	Comb  []rune
	Style Style
}

// EventType identifies the type of display event.
type EventType int

const (
	EventNone EventType = iota
	EventKey
	EventResize
	// EventInterrupt wakes PollEvent so the caller can redraw.
	EventInterrupt
)

// Key represents a keyboard key.
type Key int

// Keys the table view reacts to.
const (
	KeyNone Key = iota
	KeyRune
	KeyEscape
	KeyEnter
	KeyUp
	KeyDown
	KeyPageUp
	KeyPageDown
	KeyHome
	KeyEnd
	KeyCtrlC
)

// Event represents a display event.
type Event struct {
	Type EventType
	Key  Key
	Rune rune
	// Width and Height are set for resize events.
	Width, Height int
}

// Backend defines the interface for display backends.
type Backend interface {
	Init() error
	Shutdown()
	Size() (width, height int)
	SetCell(x, y int, cell Cell)
	Clear()
	Show()
	// PollEvent blocks until an event arrives. It returns EventNone once
	// the backend has been shut down.
	PollEvent() Event
	// Interrupt posts an EventInterrupt.
	Interrupt()
}

// NullBackend is an in-memory Backend for tests and headless use.
type NullBackend struct {
	width, height int
	cells         [][]Cell
	events        chan Event
}

// NewNullBackend creates a null backend with the given dimensions.
func NewNullBackend(width, height int) *NullBackend {
	b := &NullBackend{events: make(chan Event, 16)}
	b.Resize(width, height)
	return b
}

func (b *NullBackend) Init() error { return nil }

func (b *NullBackend) Shutdown() {}

func (b *NullBackend) Size() (int, int) {
	return b.width, b.height
}

func (b *NullBackend) SetCell(x, y int, cell Cell) {
	if x < 0 || x >= b.width || y < 0 || y >= b.height {
		return
	}
	b.cells[y][x] = cell
}

// GetCell returns the cell at x, y; out of bounds yields a zero cell.
func (b *NullBackend) GetCell(x, y int) Cell {
	if x < 0 || x >= b.width || y < 0 || y >= b.height {
		return Cell{}
	}
	return b.cells[y][x]
}

func (b *NullBackend) Clear() {
	for y := range b.cells {
		for x := range b.cells[y] {
			b.cells[y][x] = Cell{Rune: ' '}
		}
	}
}

func (b *NullBackend) Show() {}

func (b *NullBackend) PollEvent() Event {
	return <-b.events
}

// PostEvent queues an event for PollEvent.
func (b *NullBackend) PostEvent(ev Event) {
	b.events <- ev
}

func (b *NullBackend) Interrupt() {
	b.PostEvent(Event{Type: EventInterrupt})
}

// Resize changes the grid dimensions and clears it.
func (b *NullBackend) Resize(width, height int) {
	b.width, b.height = width, height
	b.cells = make([][]Cell, height)
	for y := range b.cells {
		b.cells[y] = make([]Cell, width)
	}
	b.Clear()
}

// Line returns row y as text with trailing spaces removed.
func (b *NullBackend) Line(y int) string {
	if y < 0 || y >= b.height {
		return ""
	}
	runes := make([]rune, 0, b.width)
	for _, c := range b.cells[y] {
		if c.Rune == 0 {
			continue
		}
		runes = append(runes, c.Rune)
		runes = append(runes, c.Comb...)
	}
	end := len(runes)
	for end > 0 && runes[end-1] == ' ' {
		end--
	}
	return string(runes[:end])
}
