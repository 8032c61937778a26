// Package tui provides the live terminal monitor for a running
// experiment.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vuphan314/slurmqueen/internal/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(lipgloss.Color("#F9FAFB")).
			Padding(0, 1)

	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))

	stateStyles = map[models.TaskState]lipgloss.Style{
		models.TaskStatePending:   lipgloss.NewStyle().Foreground(lipgloss.Color("3")), // Yellow
		models.TaskStateSubmitted: lipgloss.NewStyle().Foreground(lipgloss.Color("4")), // Blue
		models.TaskStateQueued:    lipgloss.NewStyle().Foreground(lipgloss.Color("4")), // Blue
		models.TaskStateRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("6")), // Cyan
		models.TaskStateSucceeded: lipgloss.NewStyle().Foreground(lipgloss.Color("2")), // Green
		models.TaskStateCollected: lipgloss.NewStyle().Foreground(lipgloss.Color("2")), // Green
		models.TaskStateFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("1")), // Red
		models.TaskStateAbandoned: lipgloss.NewStyle().Foreground(lipgloss.Color("1")), // Red
	}
)

// stateOrder fixes the display order of the counts panel.
var stateOrder = []models.TaskState{
	models.TaskStatePending,
	models.TaskStateSubmitted,
	models.TaskStateQueued,
	models.TaskStateRunning,
	models.TaskStateSucceeded,
	models.TaskStateFailed,
	models.TaskStateCollected,
	models.TaskStateAbandoned,
}

// CountSource supplies the monitor's data. The SQLite result store
// satisfies it, which lets the monitor run in a separate process from
// the scheduler.
type CountSource interface {
	StateCounts(experiment string) (map[models.TaskState]int, error)
}

// Watch is the live monitor model.
type Watch struct {
	source     CountSource
	experiment string
	interval   time.Duration

	counts  map[models.TaskState]int
	total   int
	spinner spinner.Model
	width   int
	loading bool
	lastErr error
}

// NewWatch creates a monitor over the given experiment.
func NewWatch(source CountSource, experiment string, interval time.Duration) *Watch {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return &Watch{
		source:     source,
		experiment: experiment,
		interval:   interval,
		spinner:    sp,
		loading:    true,
		width:      80,
	}
}

// Run starts the monitor and blocks until the user quits.
func (w *Watch) Run() error {
	p := tea.NewProgram(w, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type countsMsg struct {
	counts map[models.TaskState]int
	err    error
}

type tickMsg time.Time

// Init implements tea.Model
func (w *Watch) Init() tea.Cmd {
	return tea.Batch(w.spinner.Tick, w.fetchCounts())
}

// Update implements tea.Model
func (w *Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return w, tea.Quit
		case "r":
			return w, w.fetchCounts()
		}

	case tea.WindowSizeMsg:
		w.width = msg.Width

	case countsMsg:
		w.loading = false
		w.lastErr = msg.err
		if msg.err == nil {
			w.counts = msg.counts
			w.total = 0
			for _, n := range msg.counts {
				w.total += n
			}
		}
		// Schedule the next poll only after the current one resolved.
		return w, w.tickCmd()

	case tickMsg:
		return w, w.fetchCounts()
	}

	var cmd tea.Cmd
	w.spinner, cmd = w.spinner.Update(msg)
	return w, cmd
}

// View implements tea.Model
func (w *Watch) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("slurmqueen watch: %s", w.experiment)) + "\n")
	b.WriteString(strings.Repeat("─", w.width) + "\n\n")

	if w.loading {
		b.WriteString(fmt.Sprintf("  %s Loading...\n", w.spinner.View()))
		return b.String()
	}
	if w.lastErr != nil {
		b.WriteString("  " + errorStyle.Render("Error: "+w.lastErr.Error()) + "\n")
	}

	for _, state := range stateOrder {
		n := w.counts[state]
		if n == 0 {
			continue
		}
		style, ok := stateStyles[state]
		if !ok {
			style = mutedStyle
		}
		label := style.Render(fmt.Sprintf("● %-10s", state.String()))
		b.WriteString(fmt.Sprintf("  %s %4d  %s\n", label, n, w.renderBar(n)))
	}

	done := w.counts[models.TaskStateCollected] + w.counts[models.TaskStateAbandoned]
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render(fmt.Sprintf("  %d/%d tasks finished", done, w.total)) + "\n\n")

	b.WriteString(statusBarStyle.Width(w.width).Render(" r:refresh | q:quit"))
	return b.String()
}

func (w *Watch) renderBar(n int) string {
	if w.total == 0 {
		return ""
	}
	barWidth := w.width - 30
	if barWidth < 10 {
		barWidth = 10
	}
	filled := n * barWidth / w.total
	return strings.Repeat("█", filled)
}

func (w *Watch) fetchCounts() tea.Cmd {
	return func() tea.Msg {
		counts, err := w.source.StateCounts(w.experiment)
		return countsMsg{counts: counts, err: err}
	}
}

func (w *Watch) tickCmd() tea.Cmd {
	return tea.Tick(w.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
