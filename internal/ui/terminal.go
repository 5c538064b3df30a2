package ui

import (
	"os"

	"golang.org/x/term"
)

// ShouldUseColor reports whether stdout gets ANSI colors. NO_COLOR wins,
// then CLICOLOR_FORCE=1, then CLICOLOR=0, then whether stdout is a TTY.
func ShouldUseColor() bool {
	return colorFor(os.Getenv, IsTerminal(os.Stdout))
}

func colorFor(getenv func(string) string, tty bool) bool {
	switch {
	case getenv("NO_COLOR") != "":
		return false
	case getenv("CLICOLOR_FORCE") == "1":
		return true
	case getenv("CLICOLOR") == "0":
		return false
	}
	return tty
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
