// internal/ui/progress.go
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"

	"github.com/aceteam-ai/narrator-cli/internal/scheduler"
)

const (
	titleWidth   = 32
	barWidth     = 24
	refreshEvery = 500 * time.Millisecond
)

type eventMsg scheduler.Event

type refreshMsg time.Time

// ProgressModel renders one row per job: title, stage, a progress bar and
// the job's latest log line. Job state is refreshed from source on every
// tick; events only carry log lines, so a dropped event never stalls the view.
type ProgressModel struct {
	events   <-chan scheduler.Event
	source   func() []scheduler.Job
	onCancel func()

	jobs  []scheduler.Job
	last  map[string]string
	bar   progress.Model
	width int
	start time.Time

	cancelling bool
	done       bool
}

// NewProgressModel creates the view. source returns job snapshots, onCancel
// is called once when the user presses ctrl+c.
func NewProgressModel(events <-chan scheduler.Event, source func() []scheduler.Job, onCancel func()) ProgressModel {
	return ProgressModel{
		events:   events,
		source:   source,
		onCancel: onCancel,
		jobs:     source(),
		last:     make(map[string]string),
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(barWidth), progress.WithoutPercentage()),
		width:    TerminalWidth(100),
		start:    time.Now(),
	}
}

func waitForEvent(ch <-chan scheduler.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func refreshCmd() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

func (m ProgressModel) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), refreshCmd())
}

func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" && !m.cancelling {
			m.cancelling = true
			if m.onCancel != nil {
				m.onCancel()
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case eventMsg:
		if msg.Log != "" {
			m.last[msg.JobID] = msg.Log
		}
		return m, waitForEvent(m.events)

	case refreshMsg:
		m.jobs = m.source()
		if allFinished(m.jobs) {
			m.done = true
			return m, tea.Quit
		}
		return m, refreshCmd()
	}
	return m, nil
}

// Done reports whether every job reached a terminal stage.
func (m ProgressModel) Done() bool {
	return m.done
}

func allFinished(jobs []scheduler.Job) bool {
	for _, j := range jobs {
		if !j.Stage.Terminal() {
			return false
		}
	}
	return true
}

func (m ProgressModel) View() string {
	var sb strings.Builder

	finished := 0
	for _, j := range m.jobs {
		if j.Stage.Terminal() {
			finished++
		}
	}
	sb.WriteString(titleStyle.Render(fmt.Sprintf("Generating %d script(s)", len(m.jobs))))
	sb.WriteString(mutedStyle.Render(fmt.Sprintf("  %d done · %s", finished, FormatDuration(time.Since(m.start)))))
	sb.WriteString("\n\n")

	for _, j := range m.jobs {
		sb.WriteString(m.row(j))
	}

	if m.cancelling {
		sb.WriteString("\n" + warningStyle.Render("Cancelling, waiting for running calls to stop..."))
	} else {
		sb.WriteString("\n" + mutedStyle.Render("ctrl+c to cancel"))
	}
	sb.WriteString("\n")
	return sb.String()
}

func (m ProgressModel) row(j scheduler.Job) string {
	title := runewidth.FillRight(Truncate(j.Title, titleWidth), titleWidth)

	var icon, detail string
	switch j.Stage {
	case scheduler.StageCompleted:
		icon = successStyle.Render("✓")
		detail = successStyle.Render("done")
	case scheduler.StageError:
		icon = errorStyle.Render("✗")
		detail = errorStyle.Render("failed")
	case scheduler.StagePending:
		icon = mutedStyle.Render("○")
		detail = mutedStyle.Render("queued")
		if j.RetryCount > 0 {
			detail = warningStyle.Render(fmt.Sprintf("retry %d/%d", j.RetryCount, scheduler.MaxJobRetries))
		}
	case scheduler.StagePremise:
		icon = warningStyle.Render("◆")
		detail = "premise"
	default:
		icon = warningStyle.Render("◆")
		detail = fmt.Sprintf("part %d/%d", min(j.ChunkIndex+1, j.TotalChunks), j.TotalChunks)
	}

	line := fmt.Sprintf("%s %s %s %3d%%  %s\n", icon, title, m.bar.ViewAs(float64(j.Percent)/100), j.Percent, detail)

	sub := m.last[j.ID]
	if j.Stage == scheduler.StageError {
		sub = j.Error
	}
	if sub != "" {
		line += "  " + mutedStyle.Render(Truncate(sub, m.width-4)) + "\n"
	}
	return line
}

// Truncate shortens s to at most width display cells.
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	return runewidth.Truncate(strings.ReplaceAll(s, "\n", " "), width, "…")
}

// RunProgress shows the live view until every job has finished.
func RunProgress(events <-chan scheduler.Event, source func() []scheduler.Job, onCancel func()) error {
	_, err := tea.NewProgram(NewProgressModel(events, source, onCancel)).Run()
	return err
}

// PrintEvents writes log events as plain status lines until stop is closed.
// It is the non-terminal counterpart of RunProgress.
func PrintEvents(events <-chan scheduler.Event, sl *StatusLine, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev := <-events:
			if ev.Log == "" {
				continue
			}
			sl.Log(ev.Level, fmt.Sprintf("[%s] %s", Truncate(ev.Title, titleWidth), ev.Log))
		}
	}
}
