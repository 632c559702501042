package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ANSI color codes (constants)
const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
)

// printer writes the human-readable summaries. Logs go to stderr through
// zerolog; this is stdout.
type printer struct {
	w     io.Writer
	color bool
}

// newPrinter enables colors only for terminals and when NO_COLOR is unset.
func newPrinter(w io.Writer) *printer {
	color := false
	if f, ok := w.(*os.File); ok && os.Getenv("NO_COLOR") == "" {
		color = term.IsTerminal(int(f.Fd()))
	}
	return &printer{w: w, color: color}
}

func (p *printer) colorize(color, text string) string {
	if !p.color {
		return text
	}
	return color + text + ansiReset
}

func (p *printer) success(format string, args ...interface{}) {
	fmt.Fprintln(p.w, p.colorize(ansiGreen, "✓")+" "+fmt.Sprintf(format, args...))
}

func (p *printer) failure(format string, args ...interface{}) {
	fmt.Fprintln(p.w, p.colorize(ansiRed, "✗")+" "+fmt.Sprintf(format, args...))
}

func (p *printer) warning(format string, args ...interface{}) {
	fmt.Fprintln(p.w, p.colorize(ansiYellow, "⚠")+" "+fmt.Sprintf(format, args...))
}

func (p *printer) info(format string, args ...interface{}) {
	fmt.Fprintln(p.w, p.colorize(ansiBlue, "ℹ")+" "+fmt.Sprintf(format, args...))
}

func (p *printer) step(step, total int, message string) {
	fmt.Fprintf(p.w, "[%s/%d] %s\n", p.colorize(ansiCyan, fmt.Sprint(step)), total, message)
}

func (p *printer) header(title string) {
	fmt.Fprintln(p.w, "\n"+p.colorize(ansiBold+ansiCyan, title))
	fmt.Fprintln(p.w, p.colorize(ansiDim, strings.Repeat("─", 40)))
}

func (p *printer) table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	// Pad before colorizing so escape codes do not count toward the width.
	for i, h := range headers {
		fmt.Fprint(p.w, p.colorize(ansiBold, fmt.Sprintf("%-*s", widths[i], h)), "  ")
	}
	fmt.Fprintln(p.w)
	for _, w := range widths {
		fmt.Fprint(p.w, strings.Repeat("─", w), "  ")
	}
	fmt.Fprintln(p.w)
	for _, row := range rows {
		for i, cell := range row {
			fmt.Fprintf(p.w, "%-*s  ", widths[i], cell)
		}
		fmt.Fprintln(p.w)
	}
}
