// Package source defines the enrollment record schema shared by every state
// package, and the machinery that downloads, parses, aggregates and tidies a
// state's yearly enrollment file.
package source

import (
	"context"
)

// EntityType is the aggregation level of a row.
type EntityType string

const (
	TypeState    EntityType = "State"
	TypeDistrict EntityType = "District"
	TypeCampus   EntityType = "Campus"
)

// Grade levels in canonical order.
var GradeOrder = []string{"PK", "K", "01", "02", "03", "04", "05", "06", "07", "08", "09", "10", "11", "12"}

// Demographic subgroups in canonical order.
var SubgroupOrder = []string{
	"male", "female",
	"native_american", "asian", "black", "hispanic", "pacific_islander", "white", "multiracial",
}

const (
	// GradeTotal is the grade level of whole-entity rows.
	GradeTotal = "TOTAL"
	// SubgroupTotal is the subgroup of per-grade headcount rows.
	SubgroupTotal = "total_enrollment"
)

// Enrollment is one wide row: a school, district or the whole state in one year.
type Enrollment struct {
	EndYear      int            `json:"end_year"`
	Type         EntityType     `json:"type"`
	DistrictID   string         `json:"district_id"`
	DistrictName string         `json:"district_name"`
	CampusID     string         `json:"campus_id,omitempty"`
	CampusName   string         `json:"campus_name,omitempty"`
	County       string         `json:"county,omitempty"`
	Total        int            `json:"total"`
	Grades       map[string]int `json:"grades,omitempty"`
	Subgroups    map[string]int `json:"subgroups,omitempty"`
}

// Record is one tidy row: a single count for an entity, grade and subgroup.
type Record struct {
	EndYear      int        `json:"end_year"`
	Type         EntityType `json:"type"`
	DistrictID   string     `json:"district_id"`
	DistrictName string     `json:"district_name"`
	CampusID     string     `json:"campus_id,omitempty"`
	CampusName   string     `json:"campus_name,omitempty"`
	GradeLevel   string     `json:"grade_level"`
	Subgroup     string     `json:"subgroup"`
	NStudents    int        `json:"n_students"`
	Pct          float64    `json:"pct"`
	IsState      bool       `json:"is_state"`
	IsDistrict   bool       `json:"is_district"`
	IsCampus     bool       `json:"is_campus"`
}

// FetchFunc is the signature of a state package's FetchEnr.
type FetchFunc func(ctx context.Context, endYear int, opts ...FetchOption) ([]Record, error)

// YearsFunc is the signature of a state package's GetAvailableYears.
type YearsFunc func() []int

// Provider retrieves enrollment data for one state.
type Provider interface {
	// State returns the two-letter state code.
	State() string

	// AvailableYears returns the end years on record, ascending.
	AvailableYears() []int

	// FetchEnr returns tidy enrollment records for endYear.
	FetchEnr(ctx context.Context, endYear int, opts ...FetchOption) ([]Record, error)

	// FetchEnrWide returns wide rows: the state, then each district followed by its schools.
	FetchEnrWide(ctx context.Context, endYear int, opts ...FetchOption) ([]Enrollment, error)

	// FetchEnrMulti returns tidy records for several years, in year order.
	FetchEnrMulti(ctx context.Context, years []int, opts ...FetchOption) ([]Record, error)
}

// Fetcher downloads a data file. *fetch.Client implements it.
type Fetcher interface {
	Get(ctx context.Context, state, url string) ([]byte, error)
}
