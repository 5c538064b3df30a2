package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Sink delivery failures that disable the sink for the rest of the
// session instead of being retried on every alert.
var (
	ErrUnavailable      = errors.New("notification channel unavailable")
	ErrPermissionDenied = errors.New("notification permission denied")
)

// Sink delivers alerts through one channel. Sinks ignore alert kinds they
// have no use for.
type Sink interface {
	Name() string
	Notify(ctx context.Context, a Alert) error
}

// BellSink rings the terminal bell for attention-worthy alerts.
type BellSink struct {
	W io.Writer
}

func (s *BellSink) Name() string { return "bell" }

func (s *BellSink) Notify(_ context.Context, a Alert) error {
	if !a.Kind.Audible() {
		return nil
	}
	_, err := io.WriteString(s.W, "\a")
	return err
}

// DefaultTitle is the window title restored when the turn moves away.
const DefaultTitle = "turnq"

// TitleSink sets the terminal window title with an OSC escape.
type TitleSink struct {
	W    io.Writer
	Base string
}

func (s *TitleSink) Name() string { return "title" }

func (s *TitleSink) Notify(_ context.Context, a Alert) error {
	base := s.Base
	if base == "" {
		base = DefaultTitle
	}
	var title string
	switch a.Kind {
	case TurnStarted, TurnReminder:
		title = "(Your Turn) - " + base
	case TurnEnded:
		title = base
	default:
		return nil
	}
	_, err := fmt.Fprintf(s.W, "\x1b]0;%s\x07", title)
	return err
}

// Default and max timeout for notification commands.
const (
	DefaultCommandTimeout = 10 * time.Second
	MaxCommandTimeout     = 60 * time.Second
)

// CommandSink raises a desktop notification by running a shell command,
// e.g. `notify-send "$TURNQ_ALERT_TITLE" "$TURNQ_ALERT_BODY"`. The alert
// is passed in TURNQ_ALERT_* environment variables.
type CommandSink struct {
	Command string
	Timeout time.Duration
}

func (s *CommandSink) Name() string { return "desktop" }

func (s *CommandSink) Notify(ctx context.Context, a Alert) error {
	if a.Kind == TurnEnded {
		return nil
	}
	if strings.TrimSpace(s.Command) == "" {
		return ErrUnavailable
	}
	res := Execute(ctx, s.Command, s.Timeout, map[string]string{
		"TURNQ_ALERT_KIND":  string(a.Kind),
		"TURNQ_ALERT_TITLE": a.Title,
		"TURNQ_ALERT_BODY":  a.Body,
		"TURNQ_ALERT_TAG":   a.Tag,
	})
	if res.Err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(res.Err, &exitErr) {
		switch exitErr.ExitCode() {
		case 126:
			return fmt.Errorf("%w: %s", ErrPermissionDenied, res.Output)
		case 127:
			return fmt.Errorf("%w: %s", ErrUnavailable, res.Output)
		}
	}
	if res.Output != "" {
		return fmt.Errorf("%w: %s", res.Err, res.Output)
	}
	return res.Err
}

// Result holds the output of running a notification command.
type Result struct {
	Output string
	Err    error
}

// Execute runs command via "sh -c" with the given timeout, overlaying env
// on the process environment.
func Execute(ctx context.Context, command string, timeout time.Duration, env map[string]string) Result {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if timeout > MaxCommandTimeout {
		timeout = MaxCommandTimeout
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command) //nolint:gosec // command comes from local config
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	err := cmd.Run()
	output := strings.TrimSpace(stdout.String())
	if output == "" {
		output = strings.TrimSpace(stderr.String())
	}
	return Result{Output: output, Err: err}
}

// MemorySink records alerts in memory.
type MemorySink struct {
	SinkName string
	Err      error

	mu     sync.Mutex
	alerts []Alert
}

func (s *MemorySink) Name() string {
	if s.SinkName == "" {
		return "memory"
	}
	return s.SinkName
}

func (s *MemorySink) Notify(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.alerts = append(s.alerts, a)
	return nil
}

// Alerts returns a copy of everything received.
func (s *MemorySink) Alerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

// Count returns how many alerts of kind were received.
func (s *MemorySink) Count(kind Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.alerts {
		if a.Kind == kind {
			n++
		}
	}
	return n
}
