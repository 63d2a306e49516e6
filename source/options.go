package source

// FetchOption adjusts a single fetch.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	useCache bool
	refresh  bool
	fetcher  Fetcher
}

func applyOptions(opts []FetchOption) fetchOptions {
	o := fetchOptions{useCache: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithCache enables or disables the local cache for this fetch. Default: enabled.
func WithCache(enabled bool) FetchOption {
	return func(o *fetchOptions) {
		o.useCache = enabled
	}
}

// WithRefresh ignores any cached copy but stores the freshly downloaded one.
func WithRefresh() FetchOption {
	return func(o *fetchOptions) {
		o.refresh = true
	}
}

// WithFetcher downloads through f instead of the provider's client.
func WithFetcher(f Fetcher) FetchOption {
	return func(o *fetchOptions) {
		o.fetcher = f
	}
}
