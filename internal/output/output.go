// Package output renders enrollment data, year lists and cache listings as
// text tables, JSON or CSV.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"

	"schooldata/internal/cache"
	"schooldata/source"
)

// Format is an output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat validates a format name. Empty means text.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (use text, json or csv)", s)
	}
}

// Renderer writes results in one format.
type Renderer struct {
	w      io.Writer
	format Format
	styled bool
	width  int
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithWidth caps text tables at width columns. 0 means no cap.
func WithWidth(width int) Option {
	return func(r *Renderer) {
		r.width = width
	}
}

// WithStyle forces colours on or off.
func WithStyle(styled bool) Option {
	return func(r *Renderer) {
		r.styled = styled
	}
}

// NewRenderer creates a renderer. When w is a terminal, text tables are
// styled and fitted to its width.
func NewRenderer(w io.Writer, format Format, opts ...Option) *Renderer {
	r := &Renderer{w: w, format: format}
	if r.format == "" {
		r.format = FormatText
	}
	r.styled, r.width = detectTerminal(w)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Format returns the renderer's format.
func (r *Renderer) Format() Format {
	return r.format
}

func detectTerminal(w io.Writer) (bool, int) {
	f, ok := w.(*os.File)
	if !ok {
		return false, 0
	}
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return false, 0
	}
	width, _, err := term.GetSize(fd)
	if err != nil {
		return true, 0
	}
	return true, width
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	numberStyle = cellStyle.Align(lipgloss.Right)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// renderTable draws headers and rows. Columns listed in numeric are right-aligned.
func (r *Renderer) renderTable(headers []string, rows [][]string, numeric ...int) error {
	right := make(map[int]bool, len(numeric))
	for _, c := range numeric {
		right[c] = true
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				if r.styled {
					return headerStyle
				}
				return cellStyle
			}
			if right[col] {
				return numberStyle
			}
			return cellStyle
		})
	if r.styled {
		t = t.BorderStyle(borderStyle)
	}
	if r.width > 0 {
		t = t.Width(r.width)
	}

	_, err := fmt.Fprintln(r.w, t.String())
	return err
}

func (r *Renderer) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(r.w, string(data))
	return err
}

func (r *Renderer) writeCSV(header []string, rows [][]string) error {
	cw := csv.NewWriter(r.w)
	if err := cw.Write(header); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

type recordsResponse struct {
	Count   int             `json:"count"`
	Records []source.Record `json:"records"`
}

var recordHeader = []string{
	"end_year", "type", "district_id", "district_name", "campus_id", "campus_name",
	"grade_level", "subgroup", "n_students", "pct", "is_state", "is_district", "is_campus",
}

// Records writes tidy records.
func (r *Renderer) Records(records []source.Record) error {
	if records == nil {
		records = []source.Record{}
	}

	switch r.format {
	case FormatJSON:
		return r.writeJSON(recordsResponse{Count: len(records), Records: records})
	case FormatCSV:
		rows := make([][]string, 0, len(records))
		for _, rec := range records {
			rows = append(rows, []string{
				strconv.Itoa(rec.EndYear), string(rec.Type), rec.DistrictID, rec.DistrictName,
				rec.CampusID, rec.CampusName, rec.GradeLevel, rec.Subgroup,
				strconv.Itoa(rec.NStudents), strconv.FormatFloat(rec.Pct, 'f', -1, 64),
				strconv.FormatBool(rec.IsState), strconv.FormatBool(rec.IsDistrict), strconv.FormatBool(rec.IsCampus),
			})
		}
		return r.writeCSV(recordHeader, rows)
	}

	if len(records) == 0 {
		_, err := fmt.Fprintln(r.w, "No records")
		return err
	}
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			strconv.Itoa(rec.EndYear), string(rec.Type), rec.DistrictID, entityName(rec.DistrictName, rec.CampusName),
			rec.GradeLevel, rec.Subgroup, strconv.Itoa(rec.NStudents), FormatPct(rec.Pct),
		})
	}
	return r.renderTable([]string{"Year", "Type", "District", "Name", "Grade", "Subgroup", "Students", "Pct"}, rows, 6, 7)
}

func entityName(district, campus string) string {
	if campus != "" {
		return campus
	}
	return district
}

// FormatPct renders a 0..1 share as a percentage with one decimal.
func FormatPct(p float64) string {
	return strconv.FormatFloat(p*100, 'f', 1, 64) + "%"
}

type wideResponse struct {
	Count int                 `json:"count"`
	Rows  []source.Enrollment `json:"rows"`
}

// Wide writes wide rows, one column per grade and subgroup.
func (r *Renderer) Wide(rows []source.Enrollment) error {
	if rows == nil {
		rows = []source.Enrollment{}
	}
	if r.format == FormatJSON {
		return r.writeJSON(wideResponse{Count: len(rows), Rows: rows})
	}

	header := []string{"end_year", "type", "district_id", "district_name", "campus_id", "campus_name", "county", "total"}
	header = append(header, source.GradeOrder...)
	header = append(header, source.SubgroupOrder...)

	cells := make([][]string, 0, len(rows))
	for _, e := range rows {
		row := []string{
			strconv.Itoa(e.EndYear), string(e.Type), e.DistrictID, e.DistrictName,
			e.CampusID, e.CampusName, e.County, strconv.Itoa(e.Total),
		}
		for _, g := range source.GradeOrder {
			row = append(row, countCell(e.Grades, g))
		}
		for _, s := range source.SubgroupOrder {
			row = append(row, countCell(e.Subgroups, s))
		}
		cells = append(cells, row)
	}

	if r.format == FormatCSV {
		return r.writeCSV(header, cells)
	}
	if len(rows) == 0 {
		_, err := fmt.Fprintln(r.w, "No records")
		return err
	}

	// Text tables show the entity and grade columns only.
	textHeader := append([]string{"Type", "District", "Campus", "Name", "Total"}, source.GradeOrder...)
	text := make([][]string, 0, len(rows))
	numeric := []int{4}
	for i := range source.GradeOrder {
		numeric = append(numeric, 5+i)
	}
	for i, e := range rows {
		row := []string{string(e.Type), e.DistrictID, e.CampusID, entityName(e.DistrictName, e.CampusName), cells[i][7]}
		row = append(row, cells[i][8:8+len(source.GradeOrder)]...)
		text = append(text, row)
	}
	return r.renderTable(textHeader, text, numeric...)
}

func countCell(m map[string]int, key string) string {
	n, ok := m[key]
	if !ok {
		return ""
	}
	return strconv.Itoa(n)
}

type yearsResponse struct {
	State string `json:"state"`
	Years []int  `json:"years"`
}

// Years writes a state's available end years.
func (r *Renderer) Years(state string, years []int) error {
	if years == nil {
		years = []int{}
	}
	switch r.format {
	case FormatJSON:
		return r.writeJSON(yearsResponse{State: state, Years: years})
	case FormatCSV:
		rows := make([][]string, 0, len(years))
		for _, y := range years {
			rows = append(rows, []string{state, strconv.Itoa(y)})
		}
		return r.writeCSV([]string{"state", "end_year"}, rows)
	}

	for _, y := range years {
		if _, err := fmt.Fprintln(r.w, y); err != nil {
			return err
		}
	}
	return nil
}

type stateJSON struct {
	State   string `json:"state"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Years   []int  `json:"years,omitempty"`
}

// States writes the registered state packages. years maps a state code to
// its available years and may be nil.
func (r *Renderer) States(regs []source.Registration, years map[string][]int) error {
	switch r.format {
	case FormatJSON:
		out := make([]stateJSON, 0, len(regs))
		for _, reg := range regs {
			out = append(out, stateJSON{State: reg.State, Name: reg.Name, Version: reg.Version, Years: years[reg.State]})
		}
		return r.writeJSON(out)
	case FormatCSV:
		rows := make([][]string, 0, len(regs))
		for _, reg := range regs {
			rows = append(rows, []string{reg.State, reg.Name, reg.Version, yearSpan(years[reg.State])})
		}
		return r.writeCSV([]string{"state", "name", "version", "years"}, rows)
	}

	rows := make([][]string, 0, len(regs))
	for _, reg := range regs {
		rows = append(rows, []string{reg.State, reg.Name, reg.Version, yearSpan(years[reg.State])})
	}
	return r.renderTable([]string{"State", "Name", "Version", "Years"}, rows)
}

func yearSpan(years []int) string {
	if len(years) == 0 {
		return ""
	}
	return fmt.Sprintf("%d-%d", years[0], years[len(years)-1])
}

type entryJSON struct {
	State     string    `json:"state"`
	EndYear   int       `json:"end_year"`
	RowCount  int       `json:"row_count"`
	FetchedAt time.Time `json:"fetched_at"`
}

// CacheEntries writes the cache listing. now dates each entry's age.
func (r *Renderer) CacheEntries(path string, entries []cache.Entry, now time.Time) error {
	switch r.format {
	case FormatJSON:
		out := make([]entryJSON, 0, len(entries))
		for _, e := range entries {
			out = append(out, entryJSON{State: e.State, EndYear: e.EndYear, RowCount: e.RowCount, FetchedAt: e.FetchedAt})
		}
		return r.writeJSON(struct {
			Path    string      `json:"path"`
			Entries []entryJSON `json:"entries"`
		}{Path: path, Entries: out})
	case FormatCSV:
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{e.State, strconv.Itoa(e.EndYear), strconv.Itoa(e.RowCount), e.FetchedAt.UTC().Format(time.RFC3339)})
		}
		return r.writeCSV([]string{"state", "end_year", "row_count", "fetched_at"}, rows)
	}

	if len(entries) == 0 {
		_, err := fmt.Fprintf(r.w, "Cache is empty (%s)\n", path)
		return err
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.State, strconv.Itoa(e.EndYear), strconv.Itoa(e.RowCount),
			e.FetchedAt.Local().Format("2006-01-02 15:04"), FormatAge(e.Age(now)),
		})
	}
	if _, err := fmt.Fprintf(r.w, "Cache: %s\n", path); err != nil {
		return err
	}
	return r.renderTable([]string{"State", "Year", "Rows", "Fetched", "Age"}, rows, 1, 2)
}

// FormatAge renders a duration coarsely: minutes, hours or days.
func FormatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
