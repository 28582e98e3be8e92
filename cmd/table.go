package cmd

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
)

// table renders aligned columns. Widths are display widths, so CJK agent
// names and wide glyphs in messages line up.
type table struct {
	header []string
	rows   [][]string
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) String() string {
	widths := make([]int, len(t.header))
	for i, h := range t.header {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && runewidth.StringWidth(cell) > widths[i] {
				widths[i] = runewidth.StringWidth(cell)
			}
		}
	}

	var b strings.Builder
	writeRow := func(cells []string) {
		for i, cell := range cells {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(cell)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-runewidth.StringWidth(cell)))
			}
		}
		b.WriteString("\n")
	}
	writeRow(t.header)
	for _, row := range t.rows {
		writeRow(row)
	}
	return b.String()
}

func printTable(header []string, fill func(t *table)) {
	t := &table{header: header}
	fill(t)
	fmt.Print(t.String())
}

// truncate shortens a cell to max display columns.
func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return runewidth.Truncate(s, max, "…")
}
