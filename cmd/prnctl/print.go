package main

import (
	"fmt"
	"io"
	"strings"
)

var (
	tableHeader = []string{"NAME", "PID", "STATE", "EXIT CODE"}
	// Rows are printed as they arrive, so widths are fixed up front.
	tableWidths = []int{16, 7, 10, 9}
)

// statusTable prints one row per exit as the group reports them.
type statusTable struct {
	w       io.Writer
	sep     string
	started bool
}

func newStatusTable(w io.Writer) *statusTable {
	parts := make([]string, len(tableWidths))
	for i, width := range tableWidths {
		parts[i] = strings.Repeat("-", width)
	}
	return &statusTable{w: w, sep: "+-" + strings.Join(parts, "-+-") + "-+"}
}

func (t *statusTable) line(cells []string) {
	padded := make([]string, len(cells))
	for i, cell := range cells {
		padded[i] = pad(cell, tableWidths[i])
	}
	fmt.Fprintf(t.w, "| %s |\n", strings.Join(padded, " | "))
}

func (t *statusTable) row(cells []string) {
	if !t.started {
		t.started = true
		fmt.Fprintln(t.w, t.sep)
		t.line(tableHeader)
		fmt.Fprintln(t.w, t.sep)
	}
	t.line(cells)
}

func (t *statusTable) close() {
	if t.started {
		fmt.Fprintln(t.w, t.sep)
	}
}

func pad(s string, w int) string {
	if len(s) >= w {
		return s
	}
	return s + strings.Repeat(" ", w-len(s))
}
