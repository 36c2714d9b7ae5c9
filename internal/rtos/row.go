package rtos

import (
	"maps"

	"github.com/dshills/rtosview/internal/renderer/table"
)

// Row is one thread snapshot produced by a refresh.
type Row struct {
	Display table.Record
	Stack   StackInfo
}

// Record returns the display record merged with derived stack fields.
// Fields the variant set itself take precedence.
func (r Row) Record() table.Record {
	out := make(table.Record, len(r.Display)+7)
	if r.Stack.Start != 0 || r.Stack.Top != 0 {
		maps.Copy(out, r.Stack.Complete().Record())
	}
	maps.Copy(out, r.Display)
	return out
}
