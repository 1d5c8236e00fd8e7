package util

import (
	"fmt"
	"strings"
	"text/tabwriter"
)

// Table accumulates tab-aligned rows for terminal output. Writes go to a strings.Builder, which never errors, so
// none of the methods return one.
type Table struct {
	sb     *strings.Builder
	writer *tabwriter.Writer
}

func NewTable(headers ...string) *Table {
	sb := &strings.Builder{}
	t := &Table{
		sb:     sb,
		writer: tabwriter.NewWriter(sb, 1, 1, 2, ' ', 0),
	}
	if len(headers) > 0 {
		t.Row(toAny(headers)...)
	}
	return t
}

// Row writes one line, one cell per value.
func (t *Table) Row(cells ...any) {
	parts := make([]string, len(cells))
	for i, c := range cells {
		parts[i] = fmt.Sprint(c)
	}
	_, _ = fmt.Fprintln(t.writer, strings.Join(parts, "\t"))
}

// String flushes and returns the accumulated table.
func (t *Table) String() string {
	_ = t.writer.Flush()
	return t.sb.String()
}

func toAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
