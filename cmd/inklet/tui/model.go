package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/inklet/inklet/pkg/receipt"
	"github.com/inklet/inklet/pkg/record"
)

const (
	tabPipeline = 0
	tabReceipts = 1
	tabHealth   = 2
)

// tabEntry maps a visible tab position to its logical ID and display name.
type tabEntry struct {
	name string
	id   int
}

// Messages.
type snapshotMsg struct {
	snapshot Snapshot
	err      error
}
type tickMsg time.Time

const refreshEvery = 5 * time.Second

// Model is the root dashboard model.
type Model struct {
	sources   Sources
	tabs      []tabEntry
	activeTab int
	width     int
	height    int

	snapshot    *Snapshot
	snapshotErr error
	loading     bool
	lastRefresh time.Time

	spinner spinner.Model
}

func NewModel(src Sources) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(colorAccent)

	return Model{
		sources: src,
		tabs: []tabEntry{
			{"Pipeline", tabPipeline},
			{"Receipts", tabReceipts},
			{"Health", tabHealth},
		},
		loading: true,
		spinner: s,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		fetchSnapshotCmd(m.sources),
		tickCmd(),
	)
}

func (m Model) tabIndex() int {
	if m.activeTab < len(m.tabs) {
		return m.tabs[m.activeTab].id
	}
	return tabPipeline
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "tab":
			m.activeTab = (m.activeTab + 1) % len(m.tabs)
			return m, nil
		case "shift+tab":
			m.activeTab = (m.activeTab - 1 + len(m.tabs)) % len(m.tabs)
			return m, nil
		case "1", "2", "3":
			m.activeTab = int(msg.String()[0] - '1')
			return m, nil
		case "r":
			m.loading = true
			return m, tea.Batch(m.spinner.Tick, fetchSnapshotCmd(m.sources))
		}
		return m, nil

	case snapshotMsg:
		m.loading = false
		m.lastRefresh = time.Now()
		if msg.err == nil {
			m.snapshot = &msg.snapshot
			m.snapshotErr = nil
		} else {
			m.snapshotErr = msg.err
		}
		return m, nil

	case tickMsg:
		if !m.loading && time.Since(m.lastRefresh) > refreshEvery {
			m.loading = true
			return m, tea.Batch(m.spinner.Tick, fetchSnapshotCmd(m.sources), tickCmd())
		}
		return m, tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	header := lipgloss.NewStyle().Bold(true).Foreground(colorAccent).Render("✒️ Inklet Dashboard")
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(m.renderTabBar())
	b.WriteString("\n")

	contentWidth := m.width - 2
	if contentWidth < 40 {
		contentWidth = 40
	}

	switch {
	case m.snapshotErr != nil:
		b.WriteString(styleErr.Render("  " + m.snapshotErr.Error()))
		b.WriteString("\n")
	case m.snapshot == nil:
		b.WriteString(fmt.Sprintf("\n  %s Reading pipeline state...\n", m.spinner.View()))
	default:
		var content string
		switch m.tabIndex() {
		case tabReceipts:
			content = m.renderReceipts(contentWidth)
		case tabHealth:
			content = m.renderHealth(contentWidth)
		default:
			content = m.renderPipeline(contentWidth)
		}
		b.WriteString(content)
	}

	b.WriteString("\n")
	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) renderTabBar() string {
	var parts []string
	for i, t := range m.tabs {
		label := fmt.Sprintf("%d %s", i+1, t.name)
		if i == m.activeTab {
			parts = append(parts, styleTabActive.Render(label))
		} else {
			parts = append(parts, styleTabInactive.Render(label))
		}
	}
	return styleTabBar.Width(m.width).Render(lipgloss.JoinHorizontal(lipgloss.Top, parts...))
}

var statusOrder = []record.Status{
	record.StatusReceived,
	record.StatusPlanned,
	record.StatusExecuting,
	record.StatusPartialFailure,
	record.StatusSucceeded,
	record.StatusFailedPermanent,
}

func statusStyle(st record.Status) lipgloss.Style {
	switch st {
	case record.StatusSucceeded:
		return styleOK
	case record.StatusPartialFailure:
		return styleWarn
	case record.StatusFailedPermanent:
		return styleErr
	default:
		return styleDim
	}
}

func (m Model) renderPipeline(width int) string {
	rep := m.snapshot.Report

	var rows []string
	total := 0
	for _, st := range statusOrder {
		n := rep.Records[st]
		total += n
		if n == 0 {
			continue
		}
		rows = append(rows, fmt.Sprintf("  %s %d", statusStyle(st).Render(fmt.Sprintf("%-17s", st)), n))
	}
	if total == 0 {
		rows = append(rows, styleDim.Render("  no events captured yet"))
	}
	rows = append(rows, fmt.Sprintf("  %s %d", styleDim.Render(fmt.Sprintf("%-17s", "receipts")), rep.ReceiptCount))

	body := stylePanelTitle.Render("Events") + "\n" + strings.Join(rows, "\n")
	out := stylePanel.Width(width).Render(body)

	if len(m.snapshot.Stuck) > 0 {
		var stuck []string
		for _, r := range m.snapshot.Stuck {
			stuck = append(stuck, fmt.Sprintf("  %s  idle since %s", r.EventID, r.UpdatedAt.Format("15:04:05")))
		}
		body := stylePanelTitle.Render(styleWarn.Render("Stuck executing")) + "\n" + strings.Join(stuck, "\n")
		out += "\n" + stylePanel.Width(width).Render(body)
	}

	return out
}

func (m Model) renderReceipts(width int) string {
	if len(m.snapshot.Receipts) == 0 {
		return stylePanel.Width(width).Render(styleDim.Render("  no receipts yet"))
	}

	var rows []string
	// Newest first.
	for i := len(m.snapshot.Receipts) - 1; i >= 0; i-- {
		r := m.snapshot.Receipts[i]
		rows = append(rows, fmt.Sprintf("  %s  %-10s  %.2f  %s",
			styleDim.Render(r.Timestamp.Format("01-02 15:04")),
			r.Classification, r.Confidence, receiptGlyphs(r)))
		if r.Summary != "" {
			rows = append(rows, styleDim.Render("      "+truncate(r.Summary, width-8)))
		}
	}

	body := stylePanelTitle.Render("Recent receipts") + "\n" + strings.Join(rows, "\n")
	return stylePanel.Width(width).Render(body)
}

func receiptGlyphs(r receipt.Receipt) string {
	var parts []string
	for _, a := range r.Actions {
		switch a.Status {
		case receipt.ActionSuccess:
			parts = append(parts, styleOK.Render(a.Type+"✓"))
		case receipt.ActionSkipped:
			parts = append(parts, styleDim.Render(a.Type+"-"))
		default:
			parts = append(parts, styleErr.Render(a.Type+"✗"))
		}
	}
	return strings.Join(parts, " ")
}

func (m Model) renderHealth(width int) string {
	rep := m.snapshot.Report

	var rows []string
	if rep.Healthy() {
		rows = append(rows, "  "+styleOK.Render("✓ pipeline healthy"))
	} else {
		for _, p := range rep.Problems {
			rows = append(rows, "  "+styleErr.Render("✗ ")+p)
		}
	}
	rows = append(rows, "")
	rows = append(rows, styleDim.Render(fmt.Sprintf("  partial failures:  %d", rep.PartialFailures)))
	rows = append(rows, styleDim.Render(fmt.Sprintf("  stuck executing:   %d", len(rep.StuckExecuting))))
	rows = append(rows, styleDim.Render(fmt.Sprintf("  checked at:        %s", rep.Timestamp.Format(time.RFC3339))))

	body := stylePanelTitle.Render("Health") + "\n" + strings.Join(rows, "\n")
	return stylePanel.Width(width).Render(body)
}

func (m Model) renderStatusBar() string {
	left := "q quit · tab switch · r refresh"
	right := ""
	if m.loading {
		right = m.spinner.View() + " refreshing"
	} else if !m.lastRefresh.IsZero() {
		right = "updated " + m.lastRefresh.Format("15:04:05")
	}

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if gap < 1 {
		gap = 1
	}
	return styleStatusBar.Width(m.width).Render(left + strings.Repeat(" ", gap) + right)
}

func truncate(s string, n int) string {
	if n < 4 {
		n = 4
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

func fetchSnapshotCmd(src Sources) tea.Cmd {
	return func() tea.Msg {
		snap, err := collectSnapshot(src)
		return snapshotMsg{snapshot: snap, err: err}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
