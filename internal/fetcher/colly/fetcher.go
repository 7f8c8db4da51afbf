// Package collyfetcher fetches detail pages over plain HTTP once a
// clearance has been minted. Riding the clearance cookies and user
// agent on a Colly collector keeps optional detail fetches off the
// browser session entirely.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/jobsweep/jobsweep/internal/collector"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Result is one fetched page.
type Result struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Fetcher executes single HTTP GETs through a shared base collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	cookies       []collector.Cookie
	userAgent     string
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	c.IgnoreRobotsTxt = true
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		userAgent:     cfg.UserAgent,
	}
}

// ApplyClearance installs clearance cookies and the matching user agent
// for all subsequent fetches. The pair must come from the same solve;
// mixing them invalidates the clearance.
func (f *Fetcher) ApplyClearance(cookies []collector.Cookie, userAgent string) {
	f.cookies = append([]collector.Cookie(nil), cookies...)
	if userAgent != "" {
		f.userAgent = userAgent
	}
}

// HasClearance reports whether clearance cookies are loaded.
func (f *Fetcher) HasClearance() bool {
	return len(f.cookies) > 0
}

// Fetch executes a single GET with the loaded clearance.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Result, error) {
	var (
		result   Result
		fetchErr error
	)
	start := time.Now()

	c := f.baseCollector.Clone()
	if f.userAgent != "" {
		c.UserAgent = f.userAgent
	}
	c.IgnoreRobotsTxt = true
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	c.SetRequestTimeout(timeout)

	if err := f.setClearanceCookies(c, rawURL); err != nil {
		return Result{}, err
	}

	c.OnResponse(func(r *colly.Response) {
		result = Result{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	c.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("clearance fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return Result{}, fmt.Errorf("clearance fetch visit failed: %w", err)
		}
		if fetchErr != nil {
			return Result{}, fmt.Errorf("clearance fetch response failed: %w", fetchErr)
		}
		return result, nil
	}
}

func (f *Fetcher) setClearanceCookies(c *colly.Collector, rawURL string) error {
	if len(f.cookies) == 0 {
		return nil
	}
	target, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse fetch url: %w", err)
	}
	httpCookies := make([]*http.Cookie, 0, len(f.cookies))
	for _, ck := range f.cookies {
		cookie := &http.Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			HttpOnly: ck.HTTPOnly,
			Secure:   ck.Secure,
		}
		if ck.Expires > 0 {
			cookie.Expires = time.Unix(ck.Expires, 0)
		}
		httpCookies = append(httpCookies, cookie)
	}
	if err := c.SetCookies(target.Scheme+"://"+target.Host, httpCookies); err != nil {
		return fmt.Errorf("set clearance cookies: %w", err)
	}
	return nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
