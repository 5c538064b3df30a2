package main

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/turnqueue/internal/ui"
)

var (
	flagTypeRe = regexp.MustCompile(`^(\s+-\S.*?\s)(string|int|int64|duration)(\s)`)
	defaultRe  = regexp.MustCompile(`\(default [^)]*\)`)
)

func colorizedHelpFunc() func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		if !ui.ShouldUseColor() {
			_ = cmd.Usage()
			return
		}
		var buf bytes.Buffer
		cmd.SetOut(&buf)
		_ = cmd.Usage()
		cmd.SetOut(out)
		fmt.Fprint(out, colorizeHelpOutput(buf.String()))
	}
}

// colorizeHelpOutput styles cobra's usage text one line at a time:
// section headings, command names in listings, flag types and defaults.
func colorizeHelpOutput(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = colorizeHelpLine(line)
	}
	return strings.Join(lines, "\n")
}

func colorizeHelpLine(line string) string {
	trimmed := strings.TrimRight(line, " ")
	switch {
	case trimmed == "":
		return line
	case !strings.HasPrefix(line, " ") && strings.HasSuffix(trimmed, ":"):
		return ui.RenderAccent(trimmed)
	case strings.HasPrefix(line, "  ") && !strings.HasPrefix(strings.TrimLeft(line, " "), "-"):
		name, rest, ok := strings.Cut(line[2:], "  ")
		if !ok || strings.Contains(name, " ") {
			return line
		}
		return "  " + ui.RenderTurn(name) + "  " + rest
	}
	line = flagTypeRe.ReplaceAllStringFunc(line, func(m string) string {
		p := flagTypeRe.FindStringSubmatch(m)
		return p[1] + ui.RenderMuted(p[2]) + p[3]
	})
	return defaultRe.ReplaceAllStringFunc(line, ui.RenderMuted)
}
