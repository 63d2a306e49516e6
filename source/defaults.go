package source

import (
	"path/filepath"
	"sync"
	"time"

	"schooldata/internal/cache"
	"schooldata/internal/config"
	"schooldata/internal/fetch"
	"schooldata/internal/utils"
)

// DefaultCacheTTL is used by package-level fetches when nothing is configured.
const DefaultCacheTTL = 30 * 24 * time.Hour

var (
	defaultClientOnce sync.Once
	defaultClient     *fetch.Client

	defaultCacheOnce sync.Once
	defaultCache     *cache.Cache
)

// DefaultClient returns the shared download client used when no Fetcher is configured.
func DefaultClient() *fetch.Client {
	defaultClientOnce.Do(func() {
		cfg := fetch.DefaultConfig()
		cfg.UserAgent = "schooldata/" + Version
		cfg.Metrics = fetch.DefaultMetrics()
		defaultClient = fetch.NewClient(cfg)
	})
	return defaultClient
}

// DefaultCache opens the shared on-disk cache under the XDG cache directory.
// It returns nil, after logging a warning, when the cache cannot be opened.
func DefaultCache() *cache.Cache {
	defaultCacheOnce.Do(func() {
		path := filepath.Join(config.GetCacheDir(), "enrollment.db")
		c, err := cache.Open(path)
		if err != nil {
			utils.Warnf("enrollment cache disabled: %v", err)
			return
		}
		defaultCache = c
	})
	return defaultCache
}

// DefaultProviderConfig is what a state package's package-level functions
// use until Configure is called: the shared client and the on-disk cache.
func DefaultProviderConfig() ProviderConfig {
	client := DefaultClient()
	return ProviderConfig{
		Fetcher:  client,
		Cache:    DefaultCache(),
		CacheTTL: DefaultCacheTTL,
		Metrics:  client.Metrics(),
	}
}
