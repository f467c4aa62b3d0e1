package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/airframesio/tripdata-sync/cmd/partitions"
	"github.com/airframesio/tripdata-sync/cmd/reconcile"
)

const maxRecentResults = 10

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFAA00")).
				Bold(true).
				Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Margin(0, 2)
)

// recentResults keeps the last few outcomes for display
type recentResults struct {
	mu    sync.Mutex
	items []reconcile.Outcome
}

func newRecentResults() *recentResults {
	return &recentResults{items: make([]reconcile.Outcome, 0, maxRecentResults)}
}

func (r *recentResults) append(o reconcile.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, o)
	if len(r.items) > maxRecentResults {
		r.items = r.items[len(r.items)-maxRecentResults:]
	}
}

func (r *recentResults) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *recentResults) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = r.items[:0]
}

func (r *recentResults) getRecent(n int) []reconcile.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := 0
	if len(r.items) > n {
		start = len(r.items) - n
	}
	out := make([]reconcile.Outcome, len(r.items)-start)
	copy(out, r.items[start:])
	return out
}

type stageBeginMsg struct {
	stage string
	total int
}

type taskStartedMsg struct {
	key partitions.Key
}

type taskFinishedMsg struct {
	outcome reconcile.Outcome
}

type allCompleteMsg struct{}

type progressModel struct {
	title     string
	stage     string
	total     int
	completed int
	failed    int
	inFlight  map[partitions.Key]time.Time
	results   *recentResults
	overall   progress.Model
	spinner   spinner.Model
	width     int
	done      bool
	startTime time.Time
	cancel    context.CancelFunc
}

func newProgressModel(title string, cancel context.CancelFunc) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return progressModel{
		title:     title,
		inFlight:  make(map[partitions.Key]time.Time),
		results:   newRecentResults(),
		overall:   progress.New(progress.WithScaledGradient("#FF7CCB", "#FDFF8C"), progress.WithWidth(60)),
		spinner:   s,
		startTime: time.Now(),
		cancel:    cancel,
	}
}

func (m progressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			// Stop scheduling new keys; in-flight transfers still finish
			if m.cancel != nil {
				m.cancel()
			}
			m.stage = "Cancelling, waiting for in-flight transfers..."
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.overall.Width = msg.Width - 10
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case progress.FrameMsg:
		pm, cmd := m.overall.Update(msg)
		if p, ok := pm.(progress.Model); ok {
			m.overall = p
		}
		return m, cmd
	case stageBeginMsg:
		m.stage = msg.stage
		m.total = msg.total
		m.completed = 0
		m.failed = 0
		m.inFlight = make(map[partitions.Key]time.Time)
		m.results.clear()
		return m, nil
	case taskStartedMsg:
		m.inFlight[msg.key] = time.Now()
		return m, nil
	case taskFinishedMsg:
		delete(m.inFlight, msg.outcome.Key)
		if msg.outcome.Status != reconcile.StatusNotAttempted {
			m.completed++
		}
		if msg.outcome.Status == reconcile.StatusFailed {
			m.failed++
		}
		m.results.append(msg.outcome)
		return m, nil
	case allCompleteMsg:
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m progressModel) View() string {
	if m.done {
		return ""
	}

	var sections []string
	sections = append(sections, "", tableHeaderStyle.Render("   "+m.title), "")

	if m.total > 0 {
		overallInfo := fmt.Sprintf("   %s: %d/%d partitions (%d failed)", m.stage, m.completed, m.total, m.failed)
		sections = append(sections, progressInfoStyle.Render(overallInfo))
		sections = append(sections, "   "+m.overall.ViewAs(float64(m.completed)/float64(m.total)))
	} else if m.stage != "" {
		sections = append(sections, progressInfoStyle.Render("   "+m.stage))
	}

	if len(m.inFlight) > 0 {
		keys := make([]partitions.Key, 0, len(m.inFlight))
		for k := range m.inFlight {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
		sections = append(sections, "")
		for _, k := range keys {
			elapsed := time.Since(m.inFlight[k]).Round(time.Second)
			sections = append(sections, stageStyle.Render(fmt.Sprintf("   %s %s (%s)", m.spinner.View(), k, elapsed)))
		}
	}

	if m.results.len() > 0 {
		sections = append(sections, "", tableHeaderStyle.Render("   Recent Results"), "")
		for _, o := range m.results.getRecent(maxRecentResults) {
			sections = append(sections, renderOutcome(o))
		}
	}

	sections = append(sections, "", helpStyle.Render("   Press Ctrl+C or 'q' to stop after in-flight transfers"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderOutcome(o reconcile.Outcome) string {
	switch o.Status {
	case reconcile.StatusTransferred:
		return fmt.Sprintf("   ✅ %s - %s in %s", o.Key, reconcile.FormatBytes(o.Bytes), o.Duration.Round(time.Millisecond))
	case reconcile.StatusAlreadyPresent:
		return fmt.Sprintf("   ⏭  %s - already present", o.Key)
	case reconcile.StatusFailed:
		return fmt.Sprintf("   ❌ %s - %s", o.Key, o.Reason())
	default:
		return fmt.Sprintf("   ⏸  %s - not attempted", o.Key)
	}
}

// ProgressDisplay renders run progress in the terminal. It implements
// reconcile.Observer; the run does not depend on it.
type ProgressDisplay struct {
	program *tea.Program
	done    chan struct{}
}

// NewProgressDisplay creates a display writing to out. cancel is invoked
// when the user presses Ctrl+C, since the terminal is in raw mode.
func NewProgressDisplay(out io.Writer, title string, cancel context.CancelFunc) *ProgressDisplay {
	program := tea.NewProgram(newProgressModel(title, cancel), tea.WithOutput(out), tea.WithoutSignalHandler())
	return &ProgressDisplay{program: program, done: make(chan struct{})}
}

// Start runs the display in the background
func (d *ProgressDisplay) Start() {
	go func() {
		defer close(d.done)
		_, _ = d.program.Run()
	}()
}

// BeginStage resets the display for a new stage
func (d *ProgressDisplay) BeginStage(stage string, total int) {
	d.program.Send(stageBeginMsg{stage: stage, total: total})
}

func (d *ProgressDisplay) TaskStarted(_ string, key partitions.Key) {
	d.program.Send(taskStartedMsg{key: key})
}

func (d *ProgressDisplay) TaskFinished(_ string, outcome reconcile.Outcome) {
	d.program.Send(taskFinishedMsg{outcome: outcome})
}

// Stop closes the display and waits for the terminal to be restored
func (d *ProgressDisplay) Stop() {
	d.program.Send(allCompleteMsg{})
	<-d.done
}

// useProgressDisplay reports whether the interactive display should be shown
func useProgressDisplay(debug bool, logFormat string) bool {
	if debug || logFormat != "text" {
		return false
	}
	return isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
}

// stageLabel turns a stage name into a display label
func stageLabel(stage string) string {
	if stage == "" {
		return ""
	}
	return strings.ToUpper(stage[:1]) + stage[1:]
}
