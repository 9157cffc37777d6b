package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// progress draws a single status line on a terminal. On anything else it
// does nothing and the logs carry the progress.
type progress struct {
	out   *os.File
	fd    int
	shown bool
}

func newProgress(out *os.File) *progress {
	fd := int(out.Fd())
	if !term.IsTerminal(fd) {
		return &progress{}
	}

	return &progress{out: out, fd: fd}
}

// Update redraws the line for done of total reports.
func (p *progress) Update(done, total uint64) {
	if p.out == nil {
		return
	}

	width := 40
	if w, _, err := term.GetSize(p.fd); err == nil && w > 30 {
		width = min(w-30, 60)
	}

	filled := width
	if total > 0 && done < total {
		filled = int(uint64(width) * done / total)
	}

	fmt.Fprintf(p.out, "\r[%s%s] %d/%d reports",
		strings.Repeat("#", filled), strings.Repeat(".", width-filled), done, total)
	p.shown = true
}

// Clear erases the line if one is drawn.
func (p *progress) Clear() {
	if p.out == nil || !p.shown {
		return
	}

	fmt.Fprint(p.out, "\r\033[K")
	p.shown = false
}
