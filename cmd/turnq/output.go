package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/alfredjeanlab/turnqueue/internal/client"
	"github.com/alfredjeanlab/turnqueue/internal/model"
	"github.com/alfredjeanlab/turnqueue/internal/orders"
	"github.com/alfredjeanlab/turnqueue/internal/ui"
)

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func printAgents(w io.Writer, list *client.AgentList) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  \tID\tNAME\tSTATUS\tORDERS\tAVG\tSKIPS\tJOINED")
	for _, a := range list.Agents {
		marker := "  "
		name := a.Name
		if a.Current {
			marker = ui.RenderTurn("▶ ")
			name = ui.RenderTurn(name)
		}
		status := string(a.Status)
		switch {
		case a.RecentlySkipped:
			status = ui.RenderWarn("skipped")
		case a.Status == model.StatusFrozen:
			status = ui.RenderMuted(status)
		}
		avg := "-"
		if a.OrderCount > 0 {
			avg = fmt.Sprintf("%.0fs", a.AverageCompletionTime)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\t%d\t%s\n",
			marker, a.ID, name, status, a.OrderCount, avg, a.TurnSkips, formatTime(a.JoinedAt))
	}
	tw.Flush()
	if len(list.Agents) == 0 {
		fmt.Fprintln(w, ui.RenderMuted("no agents yet; add one with: turnq agents add <name>"))
	}
}

func printAgent(w io.Writer, a *model.Agent) {
	fmt.Fprintf(w, "ID:       %d\n", a.ID)
	fmt.Fprintf(w, "Name:     %s\n", a.Name)
	fmt.Fprintf(w, "Status:   %s\n", a.Status)
	fmt.Fprintf(w, "Orders:   %d\n", a.OrderCount)
	fmt.Fprintf(w, "Skips:    %d\n", a.TurnSkips)
	fmt.Fprintf(w, "Joined:   %s\n", formatTime(a.JoinedAt))
}

// describeState names the holder of g using the agent names in list when
// available.
func describeState(g *model.GlobalState, names map[int64]string) string {
	cur := model.CurrentOf(g)
	if cur == nil {
		return ui.RenderMuted("nobody holds the turn")
	}
	who := names[*cur]
	if who == "" {
		who = fmt.Sprintf("agent %d", *cur)
	}
	s := "turn: " + ui.RenderTurn(who)
	if g.TurnStartTime != nil {
		s += ui.RenderMuted(" since " + formatTime(*g.TurnStartTime))
	}
	if g.LastCause != "" {
		s += ui.RenderMuted(" (" + g.LastCause.String() + ")")
	}
	return s
}

func printOrders(w io.Writer, list []*model.Order, names map[int64]string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tORDER\tAGENT\tCOMPLETION\tSUBMITTED")
	for _, o := range list {
		agent := names[o.AgentID]
		if agent == "" {
			agent = fmt.Sprintf("#%d", o.AgentID)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			o.ID, o.Reference, agent, ui.FormatCompletion(o.CompletionTime), formatTime(o.Timestamp))
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d orders\n", len(list))
}

func printStats(w io.Writer, st *orders.Stats) {
	fmt.Fprintf(w, "Completed orders: %d\n", st.CompletedOrders)
	fmt.Fprintf(w, "Active agents:    %d\n", st.ActiveAgents)
	fmt.Fprintf(w, "Avg completion:   %.1fs\n\n", st.AverageCompletion)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tORDERS\tAVG\tSKIPS")
	for _, a := range st.Agents {
		name := a.Name
		if !a.Active {
			name = ui.RenderMuted(name)
		}
		fmt.Fprintf(tw, "%s\t%d\t%.1fs\t%d\n", name, a.Orders, a.AverageCompletion, a.TurnSkips)
	}
	tw.Flush()
}
