// Package presenter renders the Coordinator's status-snapshot stream to a
// terminal and dispatches interactive slash commands, generalized from the
// teacher's sci-fi inter-role pipeline visualization (internal/ui/display.go)
// from rendering an eight-role bus message flow into rendering the
// Coordinator's monotonic StatusSnapshot stream.
package presenter

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"

	"github.com/apc-project/apc/internal/bus"
	"github.com/apc-project/apc/internal/config"
	"github.com/apc-project/apc/internal/coordinator"
	ctxstore "github.com/apc-project/apc/internal/context"
	"github.com/apc-project/apc/internal/plan"
)

// ANSI codes the teacher used directly, kept for the pipeline flow lines
// alongside fatih/color for status-line coloring.
const (
	ansiReset = "\033[0m"
	ansiDim   = "\033[2m"
	ansiCyan  = "\033[36m"
)

var (
	colorOK    = color.New(color.FgGreen)
	colorWarn  = color.New(color.FgYellow)
	colorErr   = color.New(color.FgRed)
	colorState = color.New(color.FgCyan, color.Bold)
)

var spinRunes = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// Display renders StatusSnapshot events read from a bus tap, and owns a
// bounded in-memory transcript consumed by the /history command.
type Display struct {
	tap <-chan bus.Event

	mu         sync.Mutex
	latest     coordinator.StatusSnapshot
	inPlan     bool
	started    time.Time
	spinIdx    int
	history    []HistoryEntry
	maxHistory int

	coord *coordinator.Coordinator
	cfg   *config.Config
}

// HistoryEntry is one recorded status transition, consumed by /history.
type HistoryEntry struct {
	At      time.Time
	Summary string
}

// New creates a Display reading from tap and dispatching commands against
// coord. cfg is mutated in place by slash commands that change persisted
// preferences (e.g. /model, /provider).
func New(tap <-chan bus.Event, coord *coordinator.Coordinator, cfg *config.Config) *Display {
	return &Display{tap: tap, coord: coord, cfg: cfg, maxHistory: 200}
}

// Run consumes the tap until it is closed, rendering snapshots and audit
// events. Intended to run in its own goroutine for the lifetime of the
// process; terminal writes all happen on this one goroutine.
func (d *Display) Run() {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-d.tap:
			if !ok {
				return
			}
			d.handleEvent(evt)

		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *Display) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindStatusSnapshot:
		snap, ok := evt.Payload.(coordinator.StatusSnapshot)
		if !ok {
			return
		}
		d.renderSnapshot(snap)
	case bus.KindSecurityEvent:
		colorErr.Printf("\r\033[K⚠ security event: %v\n", evt.Payload)
	case bus.KindAuditReport:
		d.renderAuditReport(evt.Payload)
	}
}

func (d *Display) renderSnapshot(snap coordinator.StatusSnapshot) {
	d.mu.Lock()
	prevActive := d.latest.ActivePlan != nil
	d.latest = snap
	nowActive := snap.ActivePlan != nil
	if nowActive && !prevActive {
		d.inPlan = true
		d.started = snap.At
	}
	if !nowActive && prevActive {
		d.inPlan = false
	}
	d.recordHistory(snap)
	d.mu.Unlock()

	fmt.Print("\r\033[K")
	if !nowActive {
		colorState.Printf("[%s]\n", snap.LogicalState)
		return
	}
	p := snap.ActivePlan
	line := fmt.Sprintf("%s┌─ plan %s %s(%s)%s — %d/%d tasks",
		ansiDim, clip(p.Description, 48), ansiCyan, p.Status, ansiReset,
		completedCount(p), len(p.Tasks))
	fmt.Println(line)
	for _, t := range p.Tasks {
		fmt.Println(renderTask(t))
	}
}

func renderTask(t coordinator.TaskSnapshot) string {
	label := fmt.Sprintf("  %s %s [%s]", string(t.Kind), t.ID, t.State)
	switch t.State {
	case plan.TaskCompleted:
		return colorOK.Sprint(label)
	case plan.TaskFailed:
		if t.FailureCat != "" {
			label += fmt.Sprintf(" (%s)", t.FailureCat)
		}
		return colorErr.Sprint(label)
	case plan.TaskSkipped:
		return colorWarn.Sprint(label)
	default:
		return label
	}
}

func completedCount(p *coordinator.PlanSnapshot) int {
	n := 0
	for _, t := range p.Tasks {
		if t.State == plan.TaskCompleted {
			n++
		}
	}
	return n
}

func (d *Display) tick() {
	d.mu.Lock()
	inPlan := d.inPlan
	state := d.latest.LogicalState
	d.spinIdx++
	frame := spinRunes[d.spinIdx%len(spinRunes)]
	d.mu.Unlock()

	if !inPlan {
		return
	}
	fmt.Printf("\r\033[K%s%s%s %s", ansiCyan, string(frame), ansiReset, state)
}

func (d *Display) recordHistory(snap coordinator.StatusSnapshot) {
	summary := fmt.Sprintf("#%d %s", snap.Seq, snap.LogicalState)
	if snap.ActivePlan != nil {
		summary += fmt.Sprintf(" plan=%s (%s)", snap.ActivePlan.ID, snap.ActivePlan.Status)
	}
	d.history = append(d.history, HistoryEntry{At: snap.At, Summary: summary})
	if len(d.history) > d.maxHistory {
		d.history = d.history[len(d.history)-d.maxHistory:]
	}
}

// History returns a copy of the recorded transcript.
func (d *Display) History() []HistoryEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]HistoryEntry, len(d.history))
	copy(out, d.history)
	return out
}

func (d *Display) renderAuditReport(payload any) {
	report, ok := payload.(ctxstore.HealthReport)
	if !ok || len(report.Warnings) == 0 {
		return
	}
	for _, w := range report.Warnings {
		switch w.Severity {
		case ctxstore.SeverityCritical:
			colorErr.Printf("\r\033[K⚠ %s: %s\n", w.Severity, w.Message)
		default:
			colorWarn.Printf("\r\033[K⚠ %s: %s\n", w.Severity, w.Message)
		}
	}
}

// clip truncates s to at most n characters, appending "…" if trimmed,
// accounting for double-width runes via go-runewidth so status lines don't
// overflow a terminal column budget.
func clip(s string, n int) string {
	if runewidth.StringWidth(s) <= n {
		return s
	}
	var b strings.Builder
	w := 0
	for _, r := range s {
		rw := runewidth.RuneWidth(r)
		if w+rw > n-1 {
			break
		}
		b.WriteRune(r)
		w += rw
	}
	return b.String() + "…"
}

// Command is the result of parsing a slash command line.
type Command struct {
	Name string
	Args []string
}

// ParseCommand parses a "/name arg1 arg2" line. ok is false if line does
// not start with "/".
func ParseCommand(line string) (cmd Command, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return Command{}, false
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return Command{}, false
	}
	return Command{Name: fields[0], Args: fields[1:]}, true
}

// Dispatch handles a parsed slash command against d's coordinator and
// config, returning a human-readable response line. Unknown commands
// return an error describing the valid set.
func (d *Display) Dispatch(cmd Command) (string, error) {
	switch cmd.Name {
	case "model":
		if len(cmd.Args) != 1 {
			return "", fmt.Errorf("usage: /model <name>")
		}
		d.cfg.ActiveModel = cmd.Args[0]
		return fmt.Sprintf("active model set to %s", cmd.Args[0]), nil

	case "provider":
		if len(cmd.Args) != 1 {
			return "", fmt.Errorf("usage: /provider <name>")
		}
		d.cfg.ActiveProvider = cmd.Args[0]
		return fmt.Sprintf("active provider set to %s", cmd.Args[0]), nil

	case "workdir":
		if len(cmd.Args) != 1 {
			return "", fmt.Errorf("usage: /workdir <path>")
		}
		d.cfg.Workdir = cmd.Args[0]
		return fmt.Sprintf("sandbox workdir set to %s", cmd.Args[0]), nil

	case "reset-context":
		if err := d.coord.ResetContext(); err != nil {
			return "", err
		}
		return "project context reset; it will be resummarized from scratch", nil

	case "status":
		snap := d.coord.StatusSnapshot()
		return formatStatus(snap), nil

	case "history":
		n := 20
		if len(cmd.Args) == 1 {
			if parsed, err := strconv.Atoi(cmd.Args[0]); err == nil && parsed > 0 {
				n = parsed
			}
		}
		return formatHistory(d.History(), n), nil

	default:
		return "", fmt.Errorf("unknown command /%s — try /model, /provider, /workdir, /reset-context, /status, /history", cmd.Name)
	}
}

func formatStatus(snap coordinator.StatusSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "state: %s | queue depth: %d | tasks completed: %d | tasks failed: %d | plans completed: %d",
		snap.LogicalState, snap.QueueDepth, snap.TasksCompleted, snap.TasksFailed, snap.PlansCompleted)
	if snap.ActivePlan != nil {
		fmt.Fprintf(&b, "\nactive plan: %s (%s) — %d/%d tasks complete",
			snap.ActivePlan.ID, snap.ActivePlan.Status, completedCount(snap.ActivePlan), len(snap.ActivePlan.Tasks))
	}
	return b.String()
}

func formatHistory(entries []HistoryEntry, n int) string {
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s  %s\n", e.At.Format(time.RFC3339), e.Summary)
	}
	return strings.TrimRight(b.String(), "\n")
}
