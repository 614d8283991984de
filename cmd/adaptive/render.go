package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/common-nighthawk/go-figure"

	"github.com/fxnlabs/adaptive-compute/internal/lifecycle"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).Background(lipgloss.Color("#7D56F4")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	okStyle     = cellStyle.Foreground(lipgloss.Color("#90EE90"))
	warnStyle   = cellStyle.Foreground(lipgloss.Color("#FFD580"))
	errorStyle  = cellStyle.Foreground(lipgloss.Color("#FF6B6B"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
)

func banner(w io.Writer) {
	fmt.Fprintln(w, figure.NewFigure("adaptive", "", true).String())
}

func statusStyle(s lifecycle.Status) lipgloss.Style {
	switch s {
	case lifecycle.StatusSuccess:
		return okStyle
	case lifecycle.StatusFallback, lifecycle.StatusSkipped:
		return warnStyle
	case lifecycle.StatusFailed:
		return errorStyle
	}
	return cellStyle
}

// renderTable draws rows under headers. style picks the style of a body
// cell; nil uses the plain cell style.
func renderTable(headers []string, rows [][]string, style func(row, col int) lipgloss.Style) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if style != nil {
				return style(row, col)
			}
			return cellStyle
		}).
		String()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatFloats(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = fmt.Sprintf("%g", f)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
