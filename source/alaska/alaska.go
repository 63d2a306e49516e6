// Package alaska retrieves public school enrollment published by the Alaska
// Department of Education and Early Development (DEED).
//
// The package-level functions use a shared provider that downloads through
// the default client and caches under the XDG cache directory. Call
// Configure to point them at a mirror or a different cache.
package alaska

import (
	"context"
	"sync"

	"schooldata/source"
)

const (
	// State is the two-letter state code.
	State = "AK"

	// Version is the package version.
	Version = "0.4.0"

	// DefaultURLTemplate locates DEED's enrollment-by-school-by-grade export.
	DefaultURLTemplate = "https://education.alaska.gov/Stats/enrollment/{start}-{year}/Enrollment_by_School_by_Grade.csv"

	// FirstYear and LastYear bound the published end years.
	FirstYear = 2012
	LastYear  = 2025
)

var layout = source.Layout{
	State:       State,
	Name:        "Alaska",
	FirstYear:   FirstYear,
	LastYear:    LastYear,
	URLTemplate: DefaultURLTemplate,
	Columns:     columns(),
	DistrictID: func(raw string) (string, error) {
		return source.DigitsID(raw, 2)
	},
	CampusID: func(_, raw string) (string, error) {
		return source.DigitsID(raw, 6)
	},
}

func columns() map[string]source.Column {
	cols := source.GradeColumns("PK", "KG", "01", "02", "03", "04", "05", "06", "07", "08", "09", "10", "11", "12")
	// DEED files from before 2016 spell out single-digit grades.
	for i, h := range []string{"1", "2", "3", "4", "5", "6", "7", "8", "9"} {
		cols[h] = source.Column{Kind: source.ColumnGrade, Key: source.GradeOrder[i+2]}
	}

	for h, c := range map[string]source.Column{
		"district id":                      {Kind: source.ColumnDistrictID},
		"district name":                    {Kind: source.ColumnDistrictName},
		"district":                         {Kind: source.ColumnDistrictName},
		"school id":                        {Kind: source.ColumnCampusID},
		"school name":                      {Kind: source.ColumnCampusName},
		"school":                           {Kind: source.ColumnCampusName},
		"total":                            {Kind: source.ColumnTotal},
		"male":                             {Kind: source.ColumnSubgroup, Key: "male"},
		"female":                           {Kind: source.ColumnSubgroup, Key: "female"},
		"alaska native/american indian":    {Kind: source.ColumnSubgroup, Key: "native_american"},
		"asian":                            {Kind: source.ColumnSubgroup, Key: "asian"},
		"black":                            {Kind: source.ColumnSubgroup, Key: "black"},
		"hispanic":                         {Kind: source.ColumnSubgroup, Key: "hispanic"},
		"native hawaiian/pacific islander": {Kind: source.ColumnSubgroup, Key: "pacific_islander"},
		"white":                            {Kind: source.ColumnSubgroup, Key: "white"},
		"two or more races":                {Kind: source.ColumnSubgroup, Key: "multiracial"},
	} {
		cols[h] = c
	}
	return cols
}

// Layout returns the DEED file layout.
func Layout() source.Layout {
	return layout
}

// Provider retrieves Alaska enrollment.
type Provider struct {
	*source.StateProvider
}

var _ source.Provider = (*Provider)(nil)

// New creates an Alaska provider.
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

// FetchEnrWide returns one row per school plus derived district and state rows.
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
