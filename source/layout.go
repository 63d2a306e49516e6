package source

import (
	"strconv"
	"strings"
)

// ColumnKind says what a data file column holds.
type ColumnKind int

const (
	ColumnDistrictID ColumnKind = iota + 1
	ColumnDistrictName
	ColumnCampusID
	ColumnCampusName
	ColumnCounty
	ColumnTotal
	ColumnGrade
	ColumnSubgroup
)

// Column maps a header to its meaning. Key is the canonical grade or
// subgroup for ColumnGrade and ColumnSubgroup.
type Column struct {
	Kind ColumnKind
	Key  string
}

// Layout describes one state's published file format.
type Layout struct {
	State string
	Name  string

	// FirstYear and LastYear bound the published end years.
	FirstYear int
	LastYear  int

	// URLTemplate locates a year's file. {year} is the end year and {start}
	// the start year of the school year.
	URLTemplate string

	// Columns maps normalised header names to their meaning.
	Columns map[string]Column

	// DistrictID and CampusID normalise raw codes. Nil means trim only.
	DistrictID func(raw string) (string, error)
	CampusID   func(districtID, raw string) (string, error)
}

// Years returns the published end years, ascending. A maxYear above
// LastYear extends the range.
func (l Layout) Years(maxYear int) []int {
	last := l.LastYear
	if maxYear > last {
		last = maxYear
	}
	if last < l.FirstYear {
		return []int{}
	}
	years := make([]int, 0, last-l.FirstYear+1)
	for y := l.FirstYear; y <= last; y++ {
		years = append(years, y)
	}
	return years
}

// URL expands template (or the layout default when empty) for endYear.
func (l Layout) URL(template string, endYear int) string {
	if template == "" {
		template = l.URLTemplate
	}
	return strings.NewReplacer(
		"{year}", strconv.Itoa(endYear),
		"{start}", strconv.Itoa(endYear-1),
	).Replace(template)
}

// NormalizeHeader lower-cases a header and collapses its whitespace.
func NormalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	return strings.ToLower(strings.Join(strings.Fields(h), " "))
}

// GradeColumns builds grade mappings from header names listed in GradeOrder order.
func GradeColumns(headers ...string) map[string]Column {
	cols := make(map[string]Column, len(headers))
	for i, h := range headers {
		if i >= len(GradeOrder) {
			break
		}
		cols[NormalizeHeader(h)] = Column{Kind: ColumnGrade, Key: GradeOrder[i]}
	}
	return cols
}

// DigitsID validates a numeric code and left-pads it with zeros to width.
// Excel exports often drop leading zeros or add a trailing ".0".
func DigitsID(raw string, width int) (string, error) {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), ".0")
	if raw == "" {
		return "", ErrInvalidID
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return "", ErrInvalidID
		}
	}
	for len(raw) < width {
		raw = "0" + raw
	}
	return raw, nil
}
