// Package dashboard renders a live terminal view of the manager's
// runners and tasks.
package dashboard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/taskrelay/taskrelay/internal/client"
	"github.com/taskrelay/taskrelay/internal/task"
)

var spinnerChars = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	runStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("14")) // cyan
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))  // gray
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

const pollInterval = time.Second

type tickMsg time.Time

// snapshotMsg carries one completed poll of the manager.
type snapshotMsg struct {
	runners []client.RunnerInfo
	tasks   map[string]*task.Task
	err     error
}

// Model is the Bubbletea model for the watch display.
type Model struct {
	api *client.Client

	runners []client.RunnerInfo
	tasks   map[string]*task.Task
	lastErr error
	fetched bool

	scrollOffset int
	frame        int
	width        int
	height       int
	start        time.Time
}

// NewModel creates a watch model polling the given manager client.
func NewModel(api *client.Client) Model {
	return Model{
		api:   api,
		tasks: make(map[string]*task.Task),
		start: time.Now(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) fetchCmd() tea.Cmd {
	api := m.api
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), pollInterval*3)
		defer cancel()

		runners, err := api.Runners(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		tasks, err := api.Tasks(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		return snapshotMsg{runners: runners, tasks: tasks}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "j", "down":
			m.scrollDown(1)
		case "k", "up":
			m.scrollUp(1)
		case "g", "home":
			m.scrollOffset = 0
		case "G", "end":
			m.scrollOffset = m.maxScroll()
		}

	case tickMsg:
		m.frame++
		return m, tea.Batch(m.fetchCmd(), tickCmd())

	case snapshotMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.lastErr = nil
		m.fetched = true
		m.runners = msg.runners
		m.tasks = msg.tasks

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	}

	return m, nil
}

func (m *Model) scrollDown(n int) {
	m.scrollOffset += n
	if max := m.maxScroll(); m.scrollOffset > max {
		m.scrollOffset = max
	}
}

func (m *Model) scrollUp(n int) {
	m.scrollOffset -= n
	if m.scrollOffset < 0 {
		m.scrollOffset = 0
	}
}

func (m Model) visibleRows() int {
	// header(1) + runners(1) + counts(1) + blank(1) + help(1) reserved
	avail := m.height - 5
	if avail < 3 {
		return 3
	}
	return avail
}

func (m Model) maxScroll() int {
	total := len(m.tasks)
	vis := m.visibleRows()
	if total <= vis {
		return 0
	}
	return total - vis
}

// View implements tea.Model.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	elapsed := time.Since(m.start).Truncate(time.Second)
	b.WriteString(headerStyle.Render(fmt.Sprintf("taskrelay watch — %d tasks (%s)", len(m.tasks), elapsed)))
	b.WriteString("\n")

	b.WriteString(m.runnerLine())
	b.WriteString("\n")
	b.WriteString(m.countsLine())
	b.WriteString("\n")

	lines := m.taskLines()
	vis := m.visibleRows()
	start := m.scrollOffset
	if start > len(lines) {
		start = len(lines)
	}
	end := start + vis
	if end > len(lines) {
		end = len(lines)
	}

	if start > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  ↑ %d more above", start)))
		b.WriteString("\n")
	}
	for i := start; i < end; i++ {
		b.WriteString(lines[i])
		b.WriteString("\n")
	}
	if end < len(lines) {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  ↓ %d more below", len(lines)-end)))
		b.WriteString("\n")
	}

	if m.lastErr != nil {
		b.WriteString(failedStyle.Render(fmt.Sprintf("  poll failed: %v", m.lastErr)))
		b.WriteString("\n")
	} else if !m.fetched {
		b.WriteString(dimStyle.Render("  connecting..."))
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("  ↑↓/jk: scroll  g/G: top/bottom  q: quit"))
	return b.String()
}

func (m Model) runnerLine() string {
	var online, offline int
	for _, r := range m.runners {
		if r.Status == "online" {
			online++
		} else {
			offline++
		}
	}
	line := fmt.Sprintf("  runners: %s", doneStyle.Render(fmt.Sprintf("%d online", online)))
	if offline > 0 {
		line += "  " + offlineStyle.Render(fmt.Sprintf("%d offline", offline))
	}
	return line
}

func (m Model) countsLine() string {
	var running, completed, failed, warning, pending int
	for _, t := range m.tasks {
		switch t.Status {
		case task.StatusRunning:
			running++
		case task.StatusCompleted:
			completed++
		case task.StatusFailed, task.StatusTimeout:
			failed++
		case task.StatusWarning:
			warning++
		default:
			pending++
		}
	}

	var parts []string
	if running > 0 {
		parts = append(parts, runStyle.Render(fmt.Sprintf("%d running", running)))
	}
	if completed > 0 {
		parts = append(parts, doneStyle.Render(fmt.Sprintf("%d completed", completed)))
	}
	if failed > 0 {
		parts = append(parts, failedStyle.Render(fmt.Sprintf("%d failed", failed)))
	}
	if warning > 0 {
		parts = append(parts, warnStyle.Render(fmt.Sprintf("%d warning", warning)))
	}
	if pending > 0 {
		parts = append(parts, dimStyle.Render(fmt.Sprintf("%d pending", pending)))
	}
	if len(parts) == 0 {
		return dimStyle.Render("  no tasks yet")
	}
	return "  " + strings.Join(parts, "  ")
}

// taskLines orders tasks failed first, then running, warning,
// completed, pending, each group sorted by id.
func (m Model) taskLines() []string {
	var failed, running, warning, completed, pending []*task.Task
	for _, t := range m.tasks {
		switch {
		case t.Status.Failure():
			failed = append(failed, t)
		case t.Status == task.StatusRunning:
			running = append(running, t)
		case t.Status == task.StatusWarning:
			warning = append(warning, t)
		case t.Status == task.StatusCompleted:
			completed = append(completed, t)
		default:
			pending = append(pending, t)
		}
	}
	for _, group := range [][]*task.Task{failed, running, warning, completed, pending} {
		sortByID(group)
	}

	spinner := spinnerChars[m.frame%len(spinnerChars)]
	var lines []string
	for _, t := range failed {
		lines = append(lines, m.fmtFailed(t))
	}
	for _, t := range running {
		lines = append(lines, m.fmtRunning(t, spinner))
	}
	for _, t := range warning {
		lines = append(lines, m.fmtWarning(t))
	}
	for _, t := range completed {
		lines = append(lines, m.fmtCompleted(t))
	}
	for _, t := range pending {
		lines = append(lines, m.fmtPending(t))
	}
	return lines
}

func (m Model) fmtFailed(t *task.Task) string {
	errMsg := t.Error
	if len(errMsg) > 40 {
		errMsg = errMsg[:40] + "..."
	}
	return failedStyle.Render(fmt.Sprintf("  ✗ %-10s %-36s %-12s %s", t.Status, t.TaskID, t.TaskType, errMsg))
}

func (m Model) fmtRunning(t *task.Task, spinner string) string {
	return runStyle.Render(fmt.Sprintf("  %s %-10s %-36s %-12s %s", spinner, "running", t.TaskID, t.TaskType, sinceUpdate(t)))
}

func (m Model) fmtWarning(t *task.Task) string {
	return warnStyle.Render(fmt.Sprintf("  ⚠ %-10s %-36s %-12s notify pending", "warning", t.TaskID, t.TaskType))
}

func (m Model) fmtCompleted(t *task.Task) string {
	return doneStyle.Render(fmt.Sprintf("  ✓ %-10s %-36s %-12s %s", "completed", t.TaskID, t.TaskType, sinceUpdate(t)))
}

func (m Model) fmtPending(t *task.Task) string {
	return dimStyle.Render(fmt.Sprintf("  ─ %-10s %-36s %-12s", t.Status, t.TaskID, t.TaskType))
}

func sinceUpdate(t *task.Task) string {
	ts, err := task.ParseISO(t.UpdatedAt)
	if err != nil {
		return "-"
	}
	return time.Since(ts).Truncate(time.Second).String()
}

func sortByID(tasks []*task.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].TaskID < tasks[j].TaskID
	})
}
