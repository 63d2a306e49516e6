// Package oklahoma retrieves public school enrollment published by the
// Oklahoma State Department of Education (OSDE).
package oklahoma

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"schooldata/source"
)

const (
	// State is the two-letter state code.
	State = "OK"

	// Version is the package version.
	Version = "0.4.0"

	// DefaultURLTemplate locates OSDE's state public enrollment export.
	DefaultURLTemplate = "https://sde.ok.gov/sites/default/files/documents/files/Public_Enrollment_by_Site_FY{year}.csv"

	// FirstYear and LastYear bound the published end years.
	FirstYear = 2015
	LastYear  = 2025
)

// districtCode matches county number, district type letter and district number,
// e.g. "55I001" once separators are removed.
var districtCode = regexp.MustCompile(`^(\d{1,2})([A-Za-z])(\d{1,3})$`)

var layout = source.Layout{
	State:       State,
	Name:        "Oklahoma",
	FirstYear:   FirstYear,
	LastYear:    LastYear,
	URLTemplate: DefaultURLTemplate,
	Columns:     columns(),
	DistrictID:  NormalizeDistrictCode,
	CampusID:    NormalizeSiteCode,
}

func columns() map[string]source.Column {
	cols := source.GradeColumns("Pre-K", "Kindergarten",
		"Grade 1", "Grade 2", "Grade 3", "Grade 4", "Grade 5", "Grade 6",
		"Grade 7", "Grade 8", "Grade 9", "Grade 10", "Grade 11", "Grade 12")
	cols["pk"] = source.Column{Kind: source.ColumnGrade, Key: "PK"}
	cols["kg"] = source.Column{Kind: source.ColumnGrade, Key: "K"}

	for h, c := range map[string]source.Column{
		"county":            {Kind: source.ColumnCounty},
		"district code":     {Kind: source.ColumnDistrictID},
		"district":          {Kind: source.ColumnDistrictName},
		"district name":     {Kind: source.ColumnDistrictName},
		"site code":         {Kind: source.ColumnCampusID},
		"site":              {Kind: source.ColumnCampusName},
		"site name":         {Kind: source.ColumnCampusName},
		"total":             {Kind: source.ColumnTotal},
		"grand total":       {Kind: source.ColumnTotal},
		"male":              {Kind: source.ColumnSubgroup, Key: "male"},
		"female":            {Kind: source.ColumnSubgroup, Key: "female"},
		"american indian":   {Kind: source.ColumnSubgroup, Key: "native_american"},
		"asian":             {Kind: source.ColumnSubgroup, Key: "asian"},
		"black":             {Kind: source.ColumnSubgroup, Key: "black"},
		"hispanic":          {Kind: source.ColumnSubgroup, Key: "hispanic"},
		"pacific islander":  {Kind: source.ColumnSubgroup, Key: "pacific_islander"},
		"white":             {Kind: source.ColumnSubgroup, Key: "white"},
		"two or more races": {Kind: source.ColumnSubgroup, Key: "multiracial"},
		"multiracial":       {Kind: source.ColumnSubgroup, Key: "multiracial"},
	} {
		cols[h] = c
	}
	return cols
}

// NormalizeDistrictCode formats an OSDE district code as CC-XNNN,
// e.g. "55i1" and "55-I001" both become "55-I001".
func NormalizeDistrictCode(raw string) (string, error) {
	compact := strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' || r == '_' {
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	m := districtCode.FindStringSubmatch(compact)
	if m == nil {
		return "", fmt.Errorf("%w: district code %q", source.ErrInvalidID, raw)
	}
	county, _ := strconv.Atoi(m[1])
	number, _ := strconv.Atoi(m[3])
	return fmt.Sprintf("%02d-%s%03d", county, strings.ToUpper(m[2]), number), nil
}

// NormalizeSiteCode joins a site number to its district as CC-XNNN-SSS.
// A fully qualified code such as "55-I001-105" keeps only its last part.
func NormalizeSiteCode(districtID, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if i := strings.LastIndex(raw, "-"); i >= 0 {
		raw = raw[i+1:]
	}
	site, err := source.DigitsID(raw, 3)
	if err != nil {
		return "", fmt.Errorf("%w: site code %q", source.ErrInvalidID, raw)
	}
	return districtID + "-" + site, nil
}

// Layout returns the OSDE file layout.
func Layout() source.Layout {
	return layout
}

// Provider retrieves Oklahoma enrollment.
type Provider struct {
	*source.StateProvider
}

var _ source.Provider = (*Provider)(nil)

// New creates an Oklahoma provider.
func New(cfg source.ProviderConfig) *Provider {
	return &Provider{StateProvider: source.NewStateProvider(layout, cfg)}
}

var (
	mu      sync.Mutex
	current *Provider
)

func provider() *Provider {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		current = New(source.DefaultProviderConfig())
	}
	return current
}

// Configure replaces the provider behind the package-level functions.
func Configure(cfg source.ProviderConfig) {
	mu.Lock()
	defer mu.Unlock()
	current = New(cfg)
}

// FetchEnr returns tidy enrollment records for the school year ending in endYear.
func FetchEnr(ctx context.Context, endYear int, opts ...source.FetchOption) ([]source.Record, error) {
	return provider().FetchEnr(ctx, endYear, opts...)
}

// FetchEnrWide returns one row per site plus derived district and state rows.
func FetchEnrWide(ctx context.Context, endYear int, opts ...source.FetchOption) ([]source.Enrollment, error) {
	return provider().FetchEnrWide(ctx, endYear, opts...)
}

// FetchEnrMulti returns tidy records for several years, in year order.
func FetchEnrMulti(ctx context.Context, years []int, opts ...source.FetchOption) ([]source.Record, error) {
	return provider().FetchEnrMulti(ctx, years, opts...)
}

// GetAvailableYears returns the end years on record, ascending.
func GetAvailableYears() []int {
	mu.Lock()
	p := current
	mu.Unlock()
	if p == nil {
		return layout.Years(0)
	}
	return p.AvailableYears()
}

func init() {
	source.Register(source.Registration{
		State:   State,
		Name:    layout.Name,
		Version: Version,
		Factory: func(cfg source.ProviderConfig) source.Provider { return New(cfg) },
	})
}
