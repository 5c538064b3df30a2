package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/turnqueue/internal/logging"
	"github.com/alfredjeanlab/turnqueue/internal/metrics"
	"github.com/alfredjeanlab/turnqueue/internal/model"
	"github.com/alfredjeanlab/turnqueue/internal/notify"
	"github.com/alfredjeanlab/turnqueue/internal/orders"
	"github.com/alfredjeanlab/turnqueue/internal/presence"
	"github.com/alfredjeanlab/turnqueue/internal/session"
	"github.com/alfredjeanlab/turnqueue/internal/ui"
)

var joinCmd = &cobra.Command{
	Use:     "join",
	Short:   "Open an interactive session (a tab) for an agent",
	GroupID: "queue",
	Long: `Open an interactive session bound to one agent. The session counts down
the agent's turn, alerts when the turn arrives, and submits every order id
typed on stdin. Opening a second session for the same agent on this device
turns the older one read-only.

Commands at the prompt: an order id submits it, an empty line shows the
status, "q" quits.`,
	Args: cobra.NoArgs,
	// Sessions talk to the store directly; no API client is needed.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return loadConfig() },
	RunE:              runJoin,
}

func runJoin(cmd *cobra.Command, args []string) error {
	agentID, _ := cmd.Flags().GetInt64("agent")
	release, _ := cmd.Flags().GetBool("release")
	if agentID <= 0 {
		return orders.ErrNoIdentitySelected
	}

	// The terminal belongs to the prompt; logs go to a file.
	logger, logFile, err := logging.NewFile(cfg.StateDir, fmt.Sprintf("join-%d", agentID), cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logFile.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	b, err := openBackend(cfg, m, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	flags, err := presence.NewFileFlags(filepath.Join(cfg.StateDir, "tabs"))
	if err != nil {
		return err
	}
	var bc presence.Broadcaster = presence.NewHub()
	if b.conn != nil {
		bc = presence.NewNATSBroadcaster(b.conn, cfg.DeviceID)
	}

	out := os.Stdout
	sinks := []notify.Sink{&notify.BellSink{W: out}}
	if ui.IsTerminal(out) {
		sinks = append(sinks, &notify.TitleSink{W: out, Base: "turnq"})
	}
	if cfg.NotifyCommand != "" {
		sinks = append(sinks, &notify.CommandSink{Command: cfg.NotifyCommand})
	}

	p := &prompt{out: out}
	sess, err := session.New(ctx, session.Config{
		AgentID:          agentID,
		Engine:           b.engine,
		Pipeline:         b.pipeline,
		Flags:            flags,
		Broadcaster:      bc,
		Sinks:            sinks,
		Metrics:          m,
		TurnDuration:     cfg.TurnDuration,
		Heartbeat:        cfg.HeartbeatInterval,
		ReminderInterval: cfg.ReminderInterval,
		ReleaseOnClose:   release,
		OnTurn:           p.turnChanged,
		OnTick:           p.tick,
		OnTimeUp: func() {
			p.println(ui.RenderWarn("Time is up; your turn was skipped."))
		},
		OnDuplicate: func() {
			p.println(ui.RenderWarn("This agent was opened in another session; this one is now read-only."))
		},
		OnError: func(err error) {
			p.println(ui.RenderWarn("Error: ") + err.Error())
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			logger.Error("closing session", "err", err)
		}
	}()

	p.println(fmt.Sprintf("Joined as %s (tab %s)", ui.RenderAccent(sess.Agent().Name), sess.TabID()))
	if err := sess.Start(ctx); err != nil {
		return err
	}
	return runPrompt(ctx, os.Stdin, p, sess)
}

// promptSession is the part of a session the prompt drives.
type promptSession interface {
	Submit(ctx context.Context, orderRef string) (*orders.Receipt, error)
	IsMyTurn() bool
	IsDuplicate() bool
	Remaining() time.Duration
}

// prompt serializes writes from the input loop and session callbacks.
type prompt struct {
	out io.Writer
	mu  sync.Mutex
}

func (p *prompt) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, s)
}

func (p *prompt) turnChanged(mine bool, g *model.GlobalState) {
	switch {
	case mine:
		p.println(ui.RenderTurn("It's your turn. Enter an order id."))
	case model.CurrentOf(g) == nil:
		p.println(ui.RenderMuted("Nobody holds the turn."))
	default:
		p.println(ui.RenderMuted(fmt.Sprintf("Turn passed to agent %d.", *g.CurrentAgentID)))
	}
}

// tick announces the countdown at a few fixed marks.
func (p *prompt) tick(remaining time.Duration) {
	if announceAt(remaining) {
		p.println(ui.RenderRemaining(remaining) + " left")
	}
}

func announceAt(remaining time.Duration) bool {
	switch remaining.Round(time.Second) {
	case time.Minute, ui.LowTime, 10 * time.Second:
		return true
	}
	return false
}

// runPrompt reads commands from in until EOF, "q", or ctx is done.
func runPrompt(ctx context.Context, in io.Reader, p *prompt, s promptSession) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch line {
			case "q", "quit", "exit":
				return nil
			case "":
				p.println(status(s))
				continue
			}
			r, err := s.Submit(ctx, line)
			var serr *orders.SubmitError
			switch {
			case errors.As(err, &serr):
				p.println(ui.RenderWarn("Order saved, but passing the turn failed: ") + serr.Err.Error())
			case err != nil:
				p.println(ui.RenderWarn(submitMessage(err)))
			default:
				p.println(fmt.Sprintf("%s %s in %s", ui.RenderAccent("Submitted"), r.Order.Reference,
					ui.FormatCompletion(r.Order.CompletionTime)))
			}
		}
	}
}

func status(s promptSession) string {
	switch {
	case s.IsDuplicate():
		return ui.RenderMuted("read-only: this agent is open in another session")
	case s.IsMyTurn():
		return ui.RenderTurn("your turn") + ", " + ui.RenderRemaining(s.Remaining()) + " left"
	default:
		return ui.RenderMuted("waiting for your turn")
	}
}

// submitMessage is the transient message shown for a rejected submission.
func submitMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrDuplicateTab):
		return "This session is read-only; use the newest one."
	case errors.Is(err, orders.ErrNotYourTurn):
		return "It's not your turn yet."
	case errors.Is(err, orders.ErrInvalidOrderID):
		return "Please enter a valid order ID."
	}
	return "Submission failed: " + err.Error()
}

func init() {
	joinCmd.Flags().Int64("agent", 0, "ID of the agent this session acts for")
	_ = joinCmd.MarkFlagRequired("agent")
	joinCmd.Flags().Bool("release", false, "on exit while holding the turn, deactivate the agent and pass the turn on")
}
