package output

import (
	"github.com/jedib0t/go-pretty/v6/table"
)

// Table is the tabular view of a value.
type Table struct {
	Title  string
	Header []string
	Rows   [][]any
	Footer []any
	// Empty is printed instead of a table without rows.
	Empty string
}

func (t Table) writer() table.Writer {
	w := table.NewWriter()
	w.SetStyle(table.StyleRounded)
	if t.Title != "" {
		w.SetTitle(t.Title)
	}
	header := make(table.Row, 0, len(t.Header))
	for _, h := range t.Header {
		header = append(header, h)
	}
	w.AppendHeader(header)
	for _, row := range t.Rows {
		w.AppendRow(table.Row(row))
	}
	if len(t.Footer) > 0 {
		w.AppendFooter(table.Row(t.Footer))
	}
	return w
}

func (t Table) render() string {
	if len(t.Rows) == 0 && t.Empty != "" {
		return t.Empty
	}
	return t.writer().Render()
}

func (t Table) markdown() string {
	if len(t.Rows) == 0 && t.Empty != "" {
		return t.Empty
	}
	return t.writer().RenderMarkdown()
}
