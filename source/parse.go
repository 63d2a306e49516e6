package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// suppressed cell markers; these count as missing, not zero.
var suppressedValues = map[string]bool{
	"*":   true,
	"n/a": true,
	"na":  true,
	"-":   true,
	"--":  true,
}

// ParseCSV reads a state file laid out per layout and returns one campus row
// per school. Rows without a school code are subtotals and are skipped.
func ParseCSV(r io.Reader, layout Layout, endYear int) ([]Enrollment, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, &ParseError{State: layout.State, Line: 1, Err: errors.New("empty file")}
	}
	if err != nil {
		return nil, &ParseError{State: layout.State, Line: csvErrorLine(err), Err: err}
	}

	cols := make([]Column, len(header))
	found := make(map[ColumnKind]bool)
	for i, h := range header {
		col, ok := layout.Columns[NormalizeHeader(h)]
		if !ok {
			continue
		}
		cols[i] = col
		found[col.Kind] = true
	}

	for _, req := range []struct {
		kind ColumnKind
		name string
	}{
		{ColumnDistrictID, "district id"},
		{ColumnCampusID, "school id"},
	} {
		if !found[req.kind] {
			return nil, &ParseError{State: layout.State, Line: 1, Column: req.name, Err: ErrMissingColumn}
		}
	}

	rows := []Enrollment{}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ParseError{State: layout.State, Line: csvErrorLine(err), Err: err}
		}
		line, _ := reader.FieldPos(0)
		if isBlank(record) {
			continue
		}

		row, ok, err := parseRow(record, header, cols, layout, endYear, line)
		if err != nil {
			return nil, err
		}
		if ok {
			rows = append(rows, row)
		}
	}

	return rows, nil
}

// csvErrorLine reports the line a reader error points at. Errors without a
// position are attributed to the header.
func csvErrorLine(err error) int {
	var pe *csv.ParseError
	if errors.As(err, &pe) && pe.Line > 0 {
		return pe.Line
	}
	return 1
}

func parseRow(record, header []string, cols []Column, layout Layout, endYear, line int) (Enrollment, bool, error) {
	row := Enrollment{
		EndYear:   endYear,
		Type:      TypeCampus,
		Grades:    map[string]int{},
		Subgroups: map[string]int{},
	}

	var rawDistrict, rawCampus string
	hasTotal := false

	for i, cell := range record {
		if i >= len(cols) || cols[i].Kind == 0 {
			continue
		}
		cell = strings.TrimSpace(cell)
		col := cols[i]

		switch col.Kind {
		case ColumnDistrictID:
			rawDistrict = cell
		case ColumnCampusID:
			rawCampus = cell
		case ColumnDistrictName:
			row.DistrictName = cell
		case ColumnCampusName:
			row.CampusName = cell
		case ColumnCounty:
			row.County = cell
		case ColumnTotal, ColumnGrade, ColumnSubgroup:
			n, ok, err := ParseCount(cell)
			if err != nil {
				return row, false, &ParseError{State: layout.State, Line: line, Column: header[i], Value: cell, Err: err}
			}
			if !ok {
				continue
			}
			switch col.Kind {
			case ColumnTotal:
				row.Total = n
				hasTotal = true
			case ColumnGrade:
				row.Grades[col.Key] += n
			case ColumnSubgroup:
				row.Subgroups[col.Key] += n
			}
		}
	}

	if rawCampus == "" {
		return row, false, nil
	}

	districtID := rawDistrict
	if layout.DistrictID != nil {
		id, err := layout.DistrictID(rawDistrict)
		if err != nil {
			return row, false, &ParseError{State: layout.State, Line: line, Column: "district id", Value: rawDistrict, Err: err}
		}
		districtID = id
	}
	campusID := rawCampus
	if layout.CampusID != nil {
		id, err := layout.CampusID(districtID, rawCampus)
		if err != nil {
			return row, false, &ParseError{State: layout.State, Line: line, Column: "school id", Value: rawCampus, Err: err}
		}
		campusID = id
	}
	row.DistrictID = districtID
	row.CampusID = campusID

	if !hasTotal {
		for _, n := range row.Grades {
			row.Total += n
		}
	}

	return row, true, nil
}

// ParseCount parses a headcount cell. ok is false for blank or suppressed
// cells. Thousands separators are accepted.
func ParseCount(cell string) (n int, ok bool, err error) {
	cell = strings.TrimSpace(cell)
	if cell == "" || suppressedValues[strings.ToLower(cell)] || strings.HasPrefix(cell, "<") {
		return 0, false, nil
	}

	cell = strings.ReplaceAll(cell, ",", "")
	// Some exports write whole numbers as "123.0".
	cell = strings.TrimSuffix(cell, ".0")

	n, err = strconv.Atoi(cell)
	if err != nil {
		return 0, false, ErrInvalidCount
	}
	if n < 0 {
		return 0, false, fmt.Errorf("%w: negative", ErrInvalidCount)
	}
	return n, true, nil
}

func isBlank(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
