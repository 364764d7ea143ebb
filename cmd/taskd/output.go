package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	typeStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	statusColors = map[string]lipgloss.Color{
		"active":    "10",
		"completed": "10",
		"approved":  "10",
		"healthy":   "10",
		"running":   "14",
		"pending":   "11",
		"paused":    "11",
		"cooldown":  "11",
		"failed":    "9",
		"rejected":  "9",
		"expired":   "9",
		"disabled":  "9",
		"timeout":   "9",
		"cancelled": "240",
	}
)

// printer renders command results as tables on a terminal and as JSON
// everywhere else.
type printer struct {
	w      io.Writer
	asJSON bool
}

func newPrinter(w io.Writer, forceJSON bool) *printer {
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &printer{w: w, asJSON: forceJSON || !tty}
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// line writes v as one compact JSON line.
func (p *printer) line(v any) error {
	return json.NewEncoder(p.w).Encode(v)
}

// table prints rows under headers. statusCol, when >= 0, is colourised.
func (p *printer) table(headers []string, rows [][]string, statusCol int) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(p.w, mutedStyle.Render("(none)"))
		return err
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == statusCol && row >= 0 && row < len(rows) {
				if c, ok := statusColors[rows[row][col]]; ok {
					return cellStyle.Foreground(c)
				}
			}
			return cellStyle
		})
	_, err := fmt.Fprintln(p.w, t.String())
	return err
}

// fields prints a two-column key/value block.
func (p *printer) fields(pairs [][2]string) error {
	width := 0
	for _, kv := range pairs {
		width = max(width, len(kv[0]))
	}
	key := lipgloss.NewStyle().Bold(true).Width(width + 2)
	for _, kv := range pairs {
		if kv[1] == "" {
			continue
		}
		if _, err := fmt.Fprintln(p.w, key.Render(kv[0])+kv[1]); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
