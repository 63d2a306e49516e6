package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"schooldata/internal/cache"
	"schooldata/internal/fetch"
	"schooldata/internal/utils"
)

// multiFetchWorkers bounds concurrent downloads in FetchEnrMulti.
const multiFetchWorkers = 4

// ProviderConfig holds what a state provider needs from its environment.
// The zero value downloads without caching through a default client.
type ProviderConfig struct {
	// URLTemplate overrides the layout's default file location.
	URLTemplate string

	// MaxYear extends the published year range.
	MaxYear int

	// Fetcher downloads files. Nil uses a default *fetch.Client.
	Fetcher Fetcher

	// Cache stores wide rows between runs. Nil disables caching.
	Cache *cache.Cache

	// CacheTTL expires cached entries; 0 never expires.
	CacheTTL time.Duration

	// Metrics records cache hits and misses. Nil disables.
	Metrics *fetch.Metrics
}

// StateProvider implements Provider for any state described by a Layout.
type StateProvider struct {
	layout Layout
	cfg    ProviderConfig
}

// NewStateProvider builds a provider for layout.
func NewStateProvider(layout Layout, cfg ProviderConfig) *StateProvider {
	if cfg.Fetcher == nil {
		client := DefaultClient()
		cfg.Fetcher = client
		if cfg.Metrics == nil {
			cfg.Metrics = client.Metrics()
		}
	}
	return &StateProvider{layout: layout, cfg: cfg}
}

// State returns the two-letter state code.
func (p *StateProvider) State() string {
	return p.layout.State
}

// Layout returns the file layout the provider parses.
func (p *StateProvider) Layout() Layout {
	return p.layout
}

// AvailableYears returns the end years on record, ascending.
func (p *StateProvider) AvailableYears() []int {
	return p.layout.Years(p.cfg.MaxYear)
}

// HasYear reports whether endYear is on record.
func (p *StateProvider) HasYear(endYear int) bool {
	last := p.layout.LastYear
	if p.cfg.MaxYear > last {
		last = p.cfg.MaxYear
	}
	return endYear >= p.layout.FirstYear && endYear <= last
}

// URL returns the download location for endYear.
func (p *StateProvider) URL(endYear int) string {
	return p.layout.URL(p.cfg.URLTemplate, endYear)
}

// FetchEnr returns tidy enrollment records for endYear.
func (p *StateProvider) FetchEnr(ctx context.Context, endYear int, opts ...FetchOption) ([]Record, error) {
	rows, err := p.FetchEnrWide(ctx, endYear, opts...)
	if err != nil {
		return nil, err
	}
	return Tidy(rows), nil
}

// FetchEnrWide returns the wide table for endYear, from the cache when possible.
func (p *StateProvider) FetchEnrWide(ctx context.Context, endYear int, opts ...FetchOption) ([]Enrollment, error) {
	state := p.layout.State
	if !p.HasYear(endYear) {
		return nil, yearUnavailable(state, endYear)
	}

	o := applyOptions(opts)
	useCache := o.useCache && p.cfg.Cache != nil

	if useCache && !o.refresh {
		rows, ok := p.readCache(ctx, endYear)
		if ok {
			p.cfg.Metrics.CacheHit(state)
			return rows, nil
		}
		p.cfg.Metrics.CacheMiss(state)
	}

	fetcher := p.cfg.Fetcher
	if o.fetcher != nil {
		fetcher = o.fetcher
	}

	body, err := fetcher.Get(ctx, state, p.URL(endYear))
	if err != nil {
		if errors.Is(err, fetch.ErrNotFound) {
			return nil, yearUnavailable(state, endYear)
		}
		return nil, fmt.Errorf("fetch %s %d: %w", state, endYear, err)
	}

	campuses, err := ParseCSV(bytes.NewReader(body), p.layout, endYear)
	if err != nil {
		return nil, err
	}
	rows := Aggregate(campuses)
	utils.Debugf("%s %d: parsed %d schools", state, endYear, len(campuses))

	if useCache {
		p.writeCache(ctx, endYear, rows)
	}
	return rows, nil
}

// readCache returns cached rows. Read or decode failures count as misses.
func (p *StateProvider) readCache(ctx context.Context, endYear int) ([]Enrollment, bool) {
	entry, err := p.cfg.Cache.Get(ctx, p.layout.State, endYear, p.cfg.CacheTTL)
	if err != nil {
		utils.Warnf("cache read failed for %s %d: %v", p.layout.State, endYear, err)
		return nil, false
	}
	if entry == nil {
		return nil, false
	}

	var rows []Enrollment
	if err := json.Unmarshal(entry.Payload, &rows); err != nil {
		utils.Warnf("discarding unreadable cache entry for %s %d: %v", p.layout.State, endYear, err)
		return nil, false
	}
	utils.Debugf("%s %d: cache hit (%d rows)", p.layout.State, endYear, len(rows))
	return rows, true
}

// writeCache stores rows. Failures are logged, not returned.
func (p *StateProvider) writeCache(ctx context.Context, endYear int, rows []Enrollment) {
	payload, err := json.Marshal(rows)
	if err != nil {
		utils.Warnf("cannot encode %s %d for cache: %v", p.layout.State, endYear, err)
		return
	}
	if err := p.cfg.Cache.Put(ctx, p.layout.State, endYear, payload, len(rows)); err != nil {
		utils.Warnf("cache write failed for %s %d: %v", p.layout.State, endYear, err)
	}
}

// FetchEnrMulti fetches several years concurrently and returns their tidy
// records concatenated in ascending year order. Duplicate years are fetched once.
func (p *StateProvider) FetchEnrMulti(ctx context.Context, years []int, opts ...FetchOption) ([]Record, error) {
	uniq := dedupeYears(years)
	for _, y := range uniq {
		if !p.HasYear(y) {
			return nil, yearUnavailable(p.layout.State, y)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([][]Record, len(uniq))
	errs := make([]error, len(uniq))
	sem := make(chan struct{}, multiFetchWorkers)

	var wg sync.WaitGroup
	for i, y := range uniq {
		wg.Add(1)
		go func(i, y int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			records, err := p.FetchEnr(ctx, y, opts...)
			if err != nil {
				errs[i] = err
				cancel()
				return
			}
			results[i] = records
		}(i, y)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return nil, err
		}
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	var out []Record
	for _, r := range results {
		out = append(out, r...)
	}
	if out == nil {
		out = []Record{}
	}
	return out, nil
}

func dedupeYears(years []int) []int {
	seen := make(map[int]bool, len(years))
	out := make([]int, 0, len(years))
	for _, y := range years {
		if !seen[y] {
			seen[y] = true
			out = append(out, y)
		}
	}
	sort.Ints(out)
	return out
}
