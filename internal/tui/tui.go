// Package tui provides a terminal browser for one state's enrollment:
// a pane of available years and a table of district totals for the
// selected year.
package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"schooldata/source"
)

// Source is the subset of source.Provider the browser needs.
type Source interface {
	State() string
	AvailableYears() []int
	FetchEnrWide(ctx context.Context, endYear int, opts ...source.FetchOption) ([]source.Enrollment, error)
}

// Focus indicates which pane has focus
type Focus int

const (
	FocusYears Focus = iota
	FocusDistricts
)

// Mode indicates the current input mode
type Mode int

const (
	ModeNormal Mode = iota
	ModeFilter
	ModeHelp
)

// Model represents the browser state
type Model struct {
	src  Source
	ctx  context.Context
	opts []source.FetchOption

	// Data
	years       []int
	loadedYear  int
	pendingYear int // year of the latest load request
	stateRow    *source.Enrollment
	districts   []source.Enrollment
	filteredIdx []int // indices into districts for the filtered view
	loading     bool
	err         error

	// Selection
	yearCursor     int
	districtCursor int
	focus          Focus

	// Mode and input
	mode      Mode
	textInput textinput.Model
	filter    string

	// UI dimensions
	width  int
	height int

	// Styles
	yearPaneStyle     lipgloss.Style
	districtPaneStyle lipgloss.Style
	selectedStyle     lipgloss.Style
	headerStyle       lipgloss.Style
	helpStyle         lipgloss.Style
	errorStyle        lipgloss.Style
	dialogStyle       lipgloss.Style
	statusBarStyle    lipgloss.Style
}

// Message types
type yearLoadedMsg struct {
	year int
	rows []source.Enrollment
}

type errMsg struct {
	year int
	err  error
}

// New creates a browser for src. The most recent year is selected and
// loaded on start. opts apply to every fetch.
func New(ctx context.Context, src Source, opts ...source.FetchOption) *Model {
	if ctx == nil {
		ctx = context.Background()
	}

	ti := textinput.New()
	ti.Placeholder = "District name or ID..."
	ti.CharLimit = 64

	years := src.AvailableYears()
	cursor := 0
	if len(years) > 0 {
		cursor = len(years) - 1
	}

	return &Model{
		src:        src,
		ctx:        ctx,
		opts:       opts,
		years:      years,
		yearCursor: cursor,
		textInput:  ti,
		focus:      FocusYears,
		mode:       ModeNormal,
		yearPaneStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		districtPaneStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		selectedStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")),
		headerStyle: lipgloss.NewStyle().
			Bold(true),
		helpStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),
		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),
		dialogStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2),
		statusBarStyle: lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1),
	}
}

// Run starts the browser full-screen and blocks until the user quits.
func Run(ctx context.Context, src Source, opts ...source.FetchOption) error {
	p := tea.NewProgram(New(ctx, src, opts...), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

// Init loads the selected year
func (m *Model) Init() tea.Cmd {
	return m.loadYear()
}

func (m *Model) loadYear() tea.Cmd {
	if len(m.years) == 0 || m.yearCursor >= len(m.years) {
		return nil
	}
	year := m.years[m.yearCursor]
	m.pendingYear = year
	m.loading = true
	m.err = nil
	return func() tea.Msg {
		rows, err := m.src.FetchEnrWide(m.ctx, year, m.opts...)
		if err != nil {
			return errMsg{year: year, err: err}
		}
		return yearLoadedMsg{year: year, rows: rows}
	}
}

// Update handles messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case yearLoadedMsg:
		if msg.year != m.pendingYear {
			return m, nil
		}
		m.loading = false
		m.loadedYear = msg.year
		m.stateRow = nil
		m.districts = nil
		for i := range msg.rows {
			switch msg.rows[i].Type {
			case source.TypeState:
				row := msg.rows[i]
				m.stateRow = &row
			case source.TypeDistrict:
				m.districts = append(m.districts, msg.rows[i])
			}
		}
		m.districtCursor = 0
		m.applyFilter()
		return m, nil

	case errMsg:
		if msg.year != m.pendingYear {
			return m, nil
		}
		m.loading = false
		m.err = msg.err
		return m, nil

	case tea.KeyMsg:
		switch m.mode {
		case ModeFilter:
			return m.handleFilterMode(msg)
		case ModeHelp:
			return m.handleHelpMode(msg)
		}

		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit

		case "tab":
			if m.focus == FocusYears {
				m.focus = FocusDistricts
			} else {
				m.focus = FocusYears
			}
			return m, nil

		case "up", "k":
			if m.focus == FocusYears {
				if m.yearCursor > 0 {
					m.yearCursor--
				}
			} else if m.districtCursor > 0 {
				m.districtCursor--
			}
			return m, nil

		case "down", "j":
			if m.focus == FocusYears {
				if m.yearCursor < len(m.years)-1 {
					m.yearCursor++
				}
			} else if m.districtCursor < len(m.filteredIdx)-1 {
				m.districtCursor++
			}
			return m, nil

		case "enter":
			if m.focus == FocusYears {
				m.focus = FocusDistricts
				return m, m.loadYear()
			}
			return m, nil

		case "/":
			m.mode = ModeFilter
			m.textInput.Reset()
			m.textInput.SetValue(m.filter)
			m.textInput.Focus()
			return m, textinput.Blink

		case "esc":
			m.filter = ""
			m.applyFilter()
			return m, nil

		case "?":
			m.mode = ModeHelp
			return m, nil
		}
	}

	return m, nil
}

func (m *Model) handleFilterMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg.Type {
	case tea.KeyEnter:
		m.filter = strings.TrimSpace(m.textInput.Value())
		m.applyFilter()
		m.textInput.Blur()
		m.mode = ModeNormal
		m.focus = FocusDistricts
		return m, nil

	case tea.KeyEsc:
		m.filter = ""
		m.applyFilter()
		m.textInput.Blur()
		m.mode = ModeNormal
		return m, nil
	}

	m.textInput, cmd = m.textInput.Update(msg)
	m.filter = strings.TrimSpace(m.textInput.Value())
	m.applyFilter()
	return m, cmd
}

func (m *Model) handleHelpMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return m, tea.Quit
	}
	m.mode = ModeNormal
	return m, nil
}

func (m *Model) applyFilter() {
	m.filteredIdx = nil
	needle := strings.ToLower(m.filter)
	for i, d := range m.districts {
		if needle == "" ||
			strings.Contains(strings.ToLower(d.DistrictName), needle) ||
			strings.Contains(strings.ToLower(d.DistrictID), needle) {
			m.filteredIdx = append(m.filteredIdx, i)
		}
	}
	if m.districtCursor >= len(m.filteredIdx) {
		m.districtCursor = 0
	}
}

// Filter returns the active district filter.
func (m *Model) Filter() string {
	return m.filter
}

// LoadedYear returns the year whose districts are shown, or 0.
func (m *Model) LoadedYear() int {
	return m.loadedYear
}

// VisibleDistricts returns the districts that pass the filter, in display order.
func (m *Model) VisibleDistricts() []source.Enrollment {
	out := make([]source.Enrollment, 0, len(m.filteredIdx))
	for _, i := range m.filteredIdx {
		out = append(out, m.districts[i])
	}
	return out
}

// View renders the browser
func (m *Model) View() string {
	if m.width == 0 || m.height == 0 {
		m.width = 80
		m.height = 24
	}

	yearWidth := 14
	districtWidth := m.width - yearWidth - 4
	paneHeight := m.height - 4

	yearPane := m.yearPaneStyle.Width(yearWidth).Height(paneHeight).Render(m.renderYearPane(yearWidth - 2))
	districtPane := m.districtPaneStyle.Width(districtWidth).Height(paneHeight).Render(m.renderDistrictPane(districtWidth-4, paneHeight))

	var b strings.Builder
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, yearPane, districtPane))
	b.WriteString("\n")
	b.WriteString(m.renderStatusBar())

	switch m.mode {
	case ModeFilter:
		return m.renderFilterDialog()
	case ModeHelp:
		return m.renderHelpDialog()
	}

	return b.String()
}

func (m *Model) renderYearPane(width int) string {
	var b strings.Builder
	b.WriteString("Years\n")
	b.WriteString(strings.Repeat("─", width))
	b.WriteString("\n")

	for i, y := range m.years {
		cursor := " "
		label := fmt.Sprintf("%d-%02d", y-1, y%100)
		if i == m.yearCursor {
			cursor = ">"
			if m.focus == FocusYears {
				label = m.selectedStyle.Render(label)
			}
		}
		b.WriteString(cursor + " " + label + "\n")
	}
	return b.String()
}

func (m *Model) renderDistrictPane(width, height int) string {
	var b strings.Builder

	title := m.src.State() + " districts"
	if m.loadedYear > 0 {
		title = fmt.Sprintf("%s districts, %d-%02d", m.src.State(), m.loadedYear-1, m.loadedYear%100)
	}
	b.WriteString(title + "\n")
	b.WriteString(strings.Repeat("─", width))
	b.WriteString("\n")

	switch {
	case m.loading:
		b.WriteString("Loading...\n")
		return b.String()
	case m.err != nil:
		b.WriteString(m.errorStyle.Render("Error: "+m.err.Error()) + "\n")
		return b.String()
	case m.loadedYear == 0:
		b.WriteString("Press enter to load a year\n")
		return b.String()
	}

	if m.stateRow != nil {
		b.WriteString(fmt.Sprintf("Statewide: %s students in %d districts\n\n", thousands(m.stateRow.Total), len(m.districts)))
	}

	if len(m.filteredIdx) == 0 {
		b.WriteString("No districts\n")
		return b.String()
	}

	nameWidth := width - 24
	if nameWidth < 10 {
		nameWidth = 10
	}
	b.WriteString(m.headerStyle.Render(fmt.Sprintf("  %-10s %-*s %9s", "ID", nameWidth, "Name", "Students")) + "\n")

	// Scroll so the cursor stays visible.
	visible := height - 6
	if visible < 1 {
		visible = 1
	}
	start := 0
	if m.districtCursor >= visible {
		start = m.districtCursor - visible + 1
	}
	end := start + visible
	if end > len(m.filteredIdx) {
		end = len(m.filteredIdx)
	}

	for i := start; i < end; i++ {
		d := m.districts[m.filteredIdx[i]]
		cursor := " "
		line := fmt.Sprintf("%-10s %-*s %9s", d.DistrictID, nameWidth, truncate(d.DistrictName, nameWidth), thousands(d.Total))
		if i == m.districtCursor && m.focus == FocusDistricts {
			cursor = ">"
			line = m.selectedStyle.Render(line)
		}
		b.WriteString(cursor + " " + line + "\n")
	}
	return b.String()
}

func (m *Model) renderStatusBar() string {
	left := m.src.State()
	if m.loadedYear > 0 {
		left += fmt.Sprintf("  %d  %d/%d districts", m.loadedYear, len(m.filteredIdx), len(m.districts))
	}

	right := "/:filter  q:quit  ?:help"
	if m.filter != "" {
		right = "Filter: " + m.filter + "  " + right
	}

	padding := m.width - len(left) - len(right) - 2
	if padding < 1 {
		padding = 1
	}

	return m.statusBarStyle.Width(m.width).Render(left + strings.Repeat(" ", padding) + right)
}

func (m *Model) renderFilterDialog() string {
	dialog := m.dialogStyle.Render(
		"Filter Districts\n\n" +
			m.textInput.View() + "\n\n" +
			m.helpStyle.Render("Enter: apply  Esc: clear"),
	)
	return m.centerDialog(dialog)
}

func (m *Model) renderHelpDialog() string {
	help := "Keyboard Shortcuts\n\n" +
		"  up/k, down/j  Move\n" +
		"  tab           Switch pane\n" +
		"  enter         Load selected year\n" +
		"  /             Filter districts\n" +
		"  esc           Clear filter\n" +
		"  ?             Toggle help\n" +
		"  q             Quit\n\n" +
		m.helpStyle.Render("Press any key to close")
	return m.centerDialog(m.dialogStyle.Render(help))
}

func (m *Model) centerDialog(dialog string) string {
	lines := strings.Split(dialog, "\n")
	dialogWidth := 0
	for _, line := range lines {
		if w := lipgloss.Width(line); w > dialogWidth {
			dialogWidth = w
		}
	}

	topPad := (m.height - len(lines)) / 2
	leftPad := (m.width - dialogWidth) / 2
	if topPad < 0 {
		topPad = 0
	}
	if leftPad < 0 {
		leftPad = 0
	}

	var b strings.Builder
	b.WriteString(strings.Repeat("\n", topPad))
	for _, line := range lines {
		b.WriteString(strings.Repeat(" ", leftPad))
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	if width <= 1 {
		return string(r[:width])
	}
	return string(r[:width-1]) + "…"
}

// thousands formats n with comma separators.
func thousands(n int) string {
	s := strconv.Itoa(n)
	if n < 0 {
		return "-" + thousands(-n)
	}
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return s
}
