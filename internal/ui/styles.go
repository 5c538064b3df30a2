package ui

import (
	"fmt"
	"time"
)

// ANSI256 color codes.
const (
	colorAccent = 74  // blue
	colorTurn   = 114 // green
	colorWarn   = 203 // red
	colorMuted  = 245 // medium gray
)

var noColor bool

func paint(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string { return paint(colorAccent, s) }

// RenderTurn returns s in the color used for the agent holding the turn.
func RenderTurn(s string) string { return paint(colorTurn, s) }

// RenderWarn returns s in the warning (red) color.
func RenderWarn(s string) string { return paint(colorWarn, s) }

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return paint(colorMuted, s) }

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}

// LowTime is the remaining time below which the countdown is drawn as a
// warning.
const LowTime = 30 * time.Second

// FormatRemaining renders a countdown as m:ss, rounding up to the second.
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int((d + time.Second - 1) / time.Second)
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

// RenderRemaining is FormatRemaining colored by urgency.
func RenderRemaining(d time.Duration) string {
	s := FormatRemaining(d)
	if d <= LowTime {
		return RenderWarn(s)
	}
	return RenderTurn(s)
}

// FormatCompletion renders an order's completion time in seconds, or "-".
func FormatCompletion(secs *int) string {
	if secs == nil {
		return "-"
	}
	if *secs < 60 {
		return fmt.Sprintf("%ds", *secs)
	}
	return fmt.Sprintf("%dm%02ds", *secs/60, *secs%60)
}
