package logger

import "github.com/mattn/go-isatty"

// isTerminal reports whether fd is attached to an interactive terminal.
// Cygwin and MSYS pipes on Windows count as terminals too.
func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
