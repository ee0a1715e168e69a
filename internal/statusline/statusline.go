// Package statusline renders a one-line run status to the terminal. It is
// purely cosmetic: nothing reads it back, and it stays silent when stdout is
// not a terminal.
package statusline

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/trudger/trudger/internal/task"
)

var (
	solvingStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	reviewingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	errorStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	countsStyle    = lipgloss.NewStyle().Faint(true)
)

// Seam for tests.
var isTerminal = func(fd uintptr) bool { return term.IsTerminal(int(fd)) }

// Line implements the run loop's status sink. A disabled Line ignores every
// update.
type Line struct {
	out     io.Writer
	enabled bool
}

// ForWriter enables rendering only when w is a terminal.
func ForWriter(w io.Writer) *Line {
	if f, ok := w.(*os.File); ok && isTerminal(f.Fd()) {
		return &Line{out: w, enabled: true}
	}
	return &Line{out: w, enabled: false}
}

func Disabled() *Line {
	return &Line{enabled: false}
}

func (l *Line) Update(phase task.Phase, id task.ID, completed int, needsHuman int) {
	if !l.enabled {
		return
	}
	// Carriage return plus erase-to-end keeps the line in place between
	// subprocess invocations that share the terminal.
	fmt.Fprintf(l.out, "\r\x1b[K%s", render(phase, id, completed, needsHuman))
}

// Clear removes the status line before the process hands the terminal back.
func (l *Line) Clear() {
	if !l.enabled {
		return
	}
	fmt.Fprint(l.out, "\r\x1b[K")
}

func render(phase task.Phase, id task.ID, completed int, needsHuman int) string {
	var label string
	switch phase {
	case task.PhaseSolving:
		label = solvingStyle.Render("solving")
	case task.PhaseReviewing:
		label = reviewingStyle.Render("reviewing")
	case task.PhaseError:
		label = errorStyle.Render("halted on error")
	default:
		label = string(phase)
	}
	counts := countsStyle.Render(fmt.Sprintf("done:%d human:%d", completed, needsHuman))
	return fmt.Sprintf("%s %s %s", label, id, counts)
}
