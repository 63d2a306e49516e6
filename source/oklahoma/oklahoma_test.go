package oklahoma_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"schooldata/internal/cache"
	"schooldata/internal/fetch"
	"schooldata/source"
	"schooldata/source/oklahoma"
)

const osdeCSV = "County,District Code,District,Site Code,Site,Pre-K,Kindergarten,Grade 1,Grade 2,Total,Male,Female,American Indian,White,Two or More Races\n" +
	"Tulsa,72I001,Tulsa,105,Eisenhower International,40,55,60,58,213,100,113,30,120,63\n" +
	"Tulsa,72-I001,Tulsa,72-I001-110,Emerson Elementary,*,41,39,44,124,60,64,N/A,70,20\n" +
	"Cleveland,14i29,Norman,705,Adams Elementary,20,70,72,68,230,115,115,25,150,55\n" +
	"Cleveland,14I029,Norman,,District Total,20,70,72,68,230,115,115,25,150,55\n"

func TestPackageUsable(t *testing.T) {
	if oklahoma.State != "OK" {
		t.Errorf("State = %q", oklahoma.State)
	}
	if oklahoma.Layout().Name != "Oklahoma" {
		t.Errorf("Layout().Name = %q", oklahoma.Layout().Name)
	}
}

func TestFetchEnrIsCallable(t *testing.T) {
	var fn source.FetchFunc = oklahoma.FetchEnr
	if fn == nil {
		t.Fatal("FetchEnr is nil")
	}
}

func TestGetAvailableYearsIsCallable(t *testing.T) {
	var fn source.YearsFunc = oklahoma.GetAvailableYears
	if fn == nil {
		t.Fatal("GetAvailableYears is nil")
	}
	years := fn()
	if len(years) != oklahoma.LastYear-oklahoma.FirstYear+1 {
		t.Fatalf("got %d years", len(years))
	}
	for i := 1; i < len(years); i++ {
		if years[i] != years[i-1]+1 {
			t.Fatalf("years not ascending and contiguous: %v", years)
		}
	}
}

func TestVersionIsString(t *testing.T) {
	var v interface{} = oklahoma.Version
	s, ok := v.(string)
	if !ok || s == "" {
		t.Errorf("Version = %#v, want non-empty string", v)
	}
}

func TestRegistered(t *testing.T) {
	reg, err := source.Lookup("OK")
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if reg.Version != oklahoma.Version || reg.Name != "Oklahoma" {
		t.Errorf("registration = %+v", reg)
	}
}

func TestNormalizeDistrictCode(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"72I001", "72-I001", false},
		{"72-I001", "72-I001", false},
		{"14i29", "14-I029", false},
		{"1 C 5", "01-C005", false},
		{"55-D_012", "55-D012", false},
		{"", "", true},
		{"123456", "", true},
		{"72II001", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := oklahoma.NormalizeDistrictCode(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, source.ErrInvalidID) {
				t.Errorf("err = %v, want ErrInvalidID", err)
			}
			if got != tt.want {
				t.Errorf("NormalizeDistrictCode(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeSiteCode(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"105", "72-I001-105", false},
		{"5", "72-I001-005", false},
		{"72-I001-110", "72-I001-110", false},
		{"A5", "", true},
	}
	for _, tt := range tests {
		got, err := oklahoma.NormalizeSiteCode("72-I001", tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeSiteCode(%q) err = %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeSiteCode(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func newMirror(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path != "/FY2024.csv" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(osdeCSV))
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func newProvider(server *httptest.Server, c *cache.Cache) *oklahoma.Provider {
	return oklahoma.New(source.ProviderConfig{
		URLTemplate: server.URL + "/FY{year}.csv",
		Fetcher:     fetch.NewClient(fetch.Config{MaxRetries: 0}),
		Cache:       c,
	})
}

func TestFetchEnrWide(t *testing.T) {
	server, _ := newMirror(t)
	rows, err := newProvider(server, nil).FetchEnrWide(context.Background(), 2024)
	if err != nil {
		t.Fatalf("FetchEnrWide error: %v", err)
	}

	want := []struct {
		typ source.EntityType
		id  string
	}{
		{source.TypeState, ""},
		{source.TypeDistrict, "14-I029"},
		{source.TypeCampus, "14-I029-705"},
		{source.TypeDistrict, "72-I001"},
		{source.TypeCampus, "72-I001-105"},
		{source.TypeCampus, "72-I001-110"},
	}
	if len(rows) != len(want) {
		t.Fatalf("got %d rows, want %d", len(rows), len(want))
	}
	for i, w := range want {
		id := rows[i].CampusID
		if rows[i].Type == source.TypeDistrict {
			id = rows[i].DistrictID
		}
		if rows[i].Type != w.typ || id != w.id {
			t.Errorf("row %d = %s %q, want %s %q", i, rows[i].Type, id, w.typ, w.id)
		}
	}

	if rows[0].Total != 567 {
		t.Errorf("state total = %d, want 567", rows[0].Total)
	}
	tulsa := rows[3]
	if tulsa.County != "Tulsa" || tulsa.DistrictName != "Tulsa" || tulsa.Total != 337 {
		t.Errorf("tulsa = %+v", tulsa)
	}
	if tulsa.Grades["PK"] != 40 || tulsa.Subgroups["native_american"] != 30 || tulsa.Subgroups["multiracial"] != 83 {
		t.Errorf("tulsa counts = %v %v", tulsa.Grades, tulsa.Subgroups)
	}
}

func TestFetchEnrPackageLevel(t *testing.T) {
	server, hits := newMirror(t)
	c, err := cache.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	oklahoma.Configure(source.ProviderConfig{
		URLTemplate: server.URL + "/FY{year}.csv",
		Fetcher:     fetch.NewClient(fetch.Config{MaxRetries: 0}),
		Cache:       c,
	})

	ctx := context.Background()
	records, err := oklahoma.FetchEnr(ctx, 2024)
	if err != nil {
		t.Fatalf("FetchEnr error: %v", err)
	}
	district := source.Filter(records, "14-I029")
	if len(district) == 0 || !district[0].IsDistrict || district[0].NStudents != 230 {
		t.Errorf("Norman records = %+v", district)
	}

	if _, err := oklahoma.FetchEnr(ctx, 2024); err != nil {
		t.Fatalf("cached FetchEnr error: %v", err)
	}
	if got := atomic.LoadInt32(hits); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}

	multi, err := oklahoma.FetchEnrMulti(ctx, []int{2024, 2024})
	if err != nil {
		t.Fatalf("FetchEnrMulti error: %v", err)
	}
	if len(multi) != len(records) {
		t.Errorf("FetchEnrMulti = %d records, want %d", len(multi), len(records))
	}
}

func TestFetchEnrOutOfRange(t *testing.T) {
	server, hits := newMirror(t)
	p := newProvider(server, nil)

	for _, year := range []int{2014, 2026} {
		if _, err := p.FetchEnr(context.Background(), year); !errors.Is(err, source.ErrYearUnavailable) {
			t.Errorf("FetchEnr(%d) err = %v, want ErrYearUnavailable", year, err)
		}
	}
	if got := atomic.LoadInt32(hits); got != 0 {
		t.Errorf("out-of-range years made %d requests", got)
	}
}
