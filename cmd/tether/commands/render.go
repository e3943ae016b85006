package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#8E4EC6")).
			Padding(0, 1).
			MarginBottom(1)

	colHeaderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8E4EC6")).
			Bold(true).
			MarginRight(1)

	cellStyle = lipgloss.NewStyle().MarginRight(1)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	okColor   = lipgloss.Color("#2E8B57")
	warnColor = lipgloss.Color("#D7A000")
	badColor  = lipgloss.Color("#C0392B")
)

// column is one table column; width 0 means unpadded.
type column struct {
	title string
	width int
}

func printTable(title string, cols []column, rows [][]string) {
	if title != "" {
		fmt.Println(headerStyle.Render(title))
	}
	cells := make([]string, len(cols))
	for i, c := range cols {
		cells[i] = colHeaderStyle.Width(c.width).Render(c.title)
	}
	fmt.Println(lipgloss.JoinHorizontal(lipgloss.Top, cells...))

	for _, row := range rows {
		for i, c := range cols {
			value := ""
			if i < len(row) {
				value = truncate(row[i], c.width)
			}
			cells[i] = cellStyle.Width(c.width).Render(value)
		}
		fmt.Println(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
}

func truncate(s string, width int) string {
	if width <= 1 || len(s) <= width {
		return s
	}
	return s[:width-1] + "…"
}

func modeBadge(mode string) string {
	color := okColor
	switch mode {
	case "paused":
		color = warnColor
	case "stopped":
		color = badColor
	}
	return lipgloss.NewStyle().Bold(true).Foreground(color).Render(strings.ToUpper(mode))
}

func tierBadge(tier string) string {
	color := okColor
	switch tier {
	case "MEDIUM":
		color = warnColor
	case "HIGH", "CRITICAL":
		color = badColor
	}
	return lipgloss.NewStyle().Foreground(color).Render(tier)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
