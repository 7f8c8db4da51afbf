// Package fetchcache memoizes expensive per-URL detail fetches within a
// single run. The fetch function is invoked at most once per normalized
// URL per process lifetime; failures are cached like successes, so
// within-run retries belong inside the fetch function itself.
package fetchcache

import (
	"net/url"
	"strings"
)

type entry[T any] struct {
	value T
	err   error
}

// Cache is a single-threaded per-URL memo table. It is not safe for
// concurrent use; the pipeline drives one page at a time.
type Cache[T any] struct {
	entries map[string]entry[T]
	hits    int
	misses  int
}

// New builds an empty Cache.
func New[T any]() *Cache[T] {
	return &Cache[T]{entries: make(map[string]entry[T])}
}

// GetOrFetch returns the cached result for rawURL, invoking fetch on the
// first call only. A returned error is cached as the terminal result for
// the URL and is returned verbatim on later calls.
func (c *Cache[T]) GetOrFetch(rawURL string, fetch func() (T, error)) (T, error) {
	key := NormalizeURL(rawURL)
	if e, ok := c.entries[key]; ok {
		c.hits++
		return e.value, e.err
	}
	c.misses++
	v, err := fetch()
	c.entries[key] = entry[T]{value: v, err: err}
	return v, err
}

// Len returns the number of cached URLs (successes and failures).
func (c *Cache[T]) Len() int {
	return len(c.entries)
}

// Stats returns hit and miss counts for run metrics.
func (c *Cache[T]) Stats() (hits, misses int) {
	return c.hits, c.misses
}

// NormalizeURL canonicalizes the cache key: scheme and host are
// lowercased and the fragment is dropped. Query parameters are kept —
// tracking-parameter stripping is a dedupe concern, not a fetch-identity
// concern.
func NormalizeURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return strings.TrimSpace(rawURL)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return u.String()
}
