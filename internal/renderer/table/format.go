package table

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/rivo/uniseg"
)

var htmlTemplate = template.Must(template.New("table").Funcs(template.FuncMap{
	"pct": func(p float64) string { return fmt.Sprintf("%.2f%%", p) },
}).Parse(`<table class="rtos-table">
<colgroup>{{range .Columns}}<col data-field="{{.Field}}" style="width: {{pct .Percent}}">{{end}}</colgroup>
<thead>
<tr class="header1">{{range .Header1}}<th>{{.}}</th>{{end}}</tr>
{{- if .HasHeader2}}
<tr class="header2">{{range .Header2}}<th>{{.}}</th>{{end}}</tr>
{{- end}}
</thead>
<tbody>
{{- range .Rows}}
<tr{{if .Running}} class="running"{{end}}>{{range .Cells}}<td>{{if .Link}}<button class="stack-link" data-action="viewMemory" data-address="{{.Text}}">{{.Text}}</button>{{else}}{{.Text}}{{end}}</td>{{end}}</tr>
{{- end}}
</tbody>
</table>
{{- if .Caption}}
<p class="rtos-caption">{{.Caption}}</p>
{{- end}}
`))

// HTML renders the table as markup. Values are escaped.
func (t Table) HTML() string {
	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, t); err != nil {
		return fmt.Sprintf("<p class=\"rtos-error\">%s</p>", template.HTMLEscapeString(err.Error()))
	}
	return buf.String()
}

// RunningMarker prefixes running rows in Text output.
const RunningMarker = "*"

// Text renders the table as aligned plain text. Running rows are prefixed
// with RunningMarker; other rows with a space.
func (t Table) Text() string {
	widths := make([]int, len(t.Columns))
	measure := func(cells []string) {
		for i, c := range cells {
			if w := uniseg.StringWidth(c); w > widths[i] {
				widths[i] = w
			}
		}
	}
	measure(t.Header1)
	if t.HasHeader2() {
		measure(t.Header2)
	}
	for _, r := range t.Rows {
		measure(cellTexts(r.Cells))
	}

	var b strings.Builder
	line := func(marker string, cells []string) {
		b.WriteString(marker)
		for i, c := range cells {
			b.WriteString(" ")
			b.WriteString(c)
			b.WriteString(strings.Repeat(" ", widths[i]-uniseg.StringWidth(c)))
		}
		b.WriteString("\n")
	}

	line(" ", t.Header1)
	if t.HasHeader2() {
		line(" ", t.Header2)
	}
	for _, r := range t.Rows {
		marker := " "
		if r.Running {
			marker = RunningMarker
		}
		line(marker, cellTexts(r.Cells))
	}
	if t.Caption != "" {
		b.WriteString(t.Caption)
		b.WriteString("\n")
	}
	return b.String()
}

func cellTexts(cells []Cell) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = c.Text
	}
	return out
}
