// Package table turns a declarative column schema plus row records into a
// structured table that display surfaces (HTML, plain text, terminal) can
// draw without knowing which kernel produced the rows.
package table

import (
	"strings"
)

// Field names with rendering behavior attached.
const (
	// FieldStatus marks a row as the running thread when its value is
	// StatusRunning.
	FieldStatus = "Status"
	// FieldStackStart cells render as a navigation trigger.
	FieldStackStart = "StackStart"
	// StatusRunning is the Status value that emphasizes a row.
	StatusRunning = "RUNNING"
)

// Column declares how one field is labeled and proportioned.
type Column struct {
	Width   float64 `yaml:"width" toml:"width"`
	Header1 string  `yaml:"header1" toml:"header1"`
	Header2 string  `yaml:"header2" toml:"header2"`
}

// Schema maps field names to their column declaration.
type Schema map[string]Column

// Record is one row of input: field name to display string.
type Record map[string]string

// Layout is the resolved position and share of one column.
type Layout struct {
	Field string
	// Percent is this column's share of the table width, 0-100.
	Percent float64
}

// Cell is one rendered body cell.
type Cell struct {
	Text string
	// Link is set for cells that navigate to the value they show, such as
	// a stack start address.
	Link bool
}

// Row is one rendered body row.
type Row struct {
	Cells []Cell
	// Running is set when the record's Status field is RUNNING.
	Running bool
}

// Table is the structural result of Render.
type Table struct {
	Columns []Layout
	Header1 []string
	// Header2 is nil unless at least one column declares a second header
	// line; when present it has one entry per column.
	Header2 []string
	Rows    []Row
	// Caption is empty when no timestamp label was supplied.
	Caption string
}

// HasHeader2 reports whether the table carries a second header row.
func (t Table) HasHeader2() bool {
	return t.Header2 != nil
}

// Render builds a Table. Columns appear in the order of fields; a field
// absent from schema gets a unit width and its own name as header. A record
// missing a field renders an empty cell.
func Render(fields []string, schema Schema, rows []Record, timestamp string) Table {
	t := Table{
		Columns: make([]Layout, len(fields)),
		Header1: make([]string, len(fields)),
		Rows:    make([]Row, 0, len(rows)),
		Caption: timestamp,
	}

	var total float64
	widths := make([]float64, len(fields))
	second := false
	for i, f := range fields {
		col, ok := schema[f]
		if !ok {
			col = Column{Width: 1, Header1: f}
		}
		if col.Width <= 0 {
			col.Width = 1
		}
		widths[i] = col.Width
		total += col.Width
		t.Header1[i] = col.Header1
		if strings.TrimSpace(col.Header2) != "" {
			second = true
		}
	}

	for i, f := range fields {
		t.Columns[i] = Layout{Field: f, Percent: widths[i] / total * 100}
	}

	if second {
		t.Header2 = make([]string, len(fields))
		for i, f := range fields {
			t.Header2[i] = schema[f].Header2
		}
	}

	for _, rec := range rows {
		row := Row{
			Cells:   make([]Cell, len(fields)),
			Running: rec[FieldStatus] == StatusRunning,
		}
		for i, f := range fields {
			row.Cells[i] = Cell{Text: rec[f], Link: f == FieldStackStart && rec[f] != ""}
		}
		t.Rows = append(t.Rows, row)
	}

	return t
}
