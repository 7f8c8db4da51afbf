// Package detect classifies rendered pages as blocked or clear using
// ordered marker tables. Classification is a pure function over a
// sampled page signal so it stays trivially testable; sampling the live
// page is a separate concern.
package detect

import (
	"context"
	"strings"

	"github.com/jobsweep/jobsweep/internal/collector"
)

// SelectorMarker is a DOM probe. When RequireVisible is set the element
// must both exist and be visible to count, which keeps dormant
// challenge widgets on otherwise clear pages from tripping detection.
type SelectorMarker struct {
	Selector       string
	Reason         string
	RequireVisible bool
}

// Config holds the marker tables. Order within each table is the match
// order, and tables are consulted title, URL, allowlist, selectors,
// body text.
type Config struct {
	// TitleMarkers are lowercase substrings matched against the page title.
	TitleMarkers []string
	// URLMarkers are substrings matched against the current URL.
	URLMarkers []string
	// ContentMarkers short-circuit to clear: if any of these selectors
	// is present the page is real content, whatever else it contains.
	ContentMarkers []string
	// SelectorMarkers probe for challenge DOM.
	SelectorMarkers []SelectorMarker
	// BodyMarkers are lowercase substrings matched against body text.
	BodyMarkers []string
}

// Default returns the marker tables for Cloudflare-style interstitials
// plus the allowlist for job boards whose content pages embed dormant
// challenge widgets.
func Default() Config {
	return Config{
		TitleMarkers: []string{
			"just a moment...",
			"attention required! | cloudflare",
			"checking your browser",
			"please verify you are a human",
		},
		URLMarkers: []string{
			"__cf_chl",
			"/cdn-cgi/",
			"challenges.cloudflare.com",
			"cf-challenge",
		},
		ContentMarkers: []string{
			"div[data-test='jobDescription']",
			"[data-test='job-details']",
			"#JobDescriptionContainer",
		},
		SelectorMarkers: []SelectorMarker{
			{Selector: "#cf-challenge-running", Reason: "selector:#cf-challenge-running"},
			{Selector: "form#challenge-form", Reason: "selector:form#challenge-form"},
			{Selector: "iframe[src*='challenges.cloudflare.com']", Reason: "selector:cloudflare-iframe"},
			{Selector: ".cf-turnstile", Reason: "selector:.cf-turnstile", RequireVisible: true},
			{Selector: "[data-sitekey]", Reason: "selector:[data-sitekey]", RequireVisible: true},
			{Selector: "iframe[src*='hcaptcha.com']", Reason: "selector:hcaptcha-iframe", RequireVisible: true},
			{Selector: "iframe[src*='google.com/recaptcha']", Reason: "selector:recaptcha-iframe", RequireVisible: true},
		},
		BodyMarkers: []string{
			"verify you are human",
			"verify you're human",
			"enable javascript and cookies to continue",
			"checking if the site connection is secure",
		},
	}
}

// Selectors returns every selector the config probes, allowlist first,
// in the order Snapshot must sample them.
func (c Config) Selectors() []string {
	out := make([]string, 0, len(c.ContentMarkers)+len(c.SelectorMarkers))
	out = append(out, c.ContentMarkers...)
	for _, m := range c.SelectorMarkers {
		out = append(out, m.Selector)
	}
	return out
}

// Classify evaluates a sampled signal against the marker tables.
// First match wins, and an allowlisted content selector beats every
// challenge selector and body marker.
func Classify(signal collector.PageSignal, cfg Config) collector.Verdict {
	title := strings.ToLower(signal.Title)
	for _, marker := range cfg.TitleMarkers {
		if strings.Contains(title, marker) {
			return collector.Blocked("title:" + marker)
		}
	}

	for _, marker := range cfg.URLMarkers {
		if strings.Contains(signal.URL, marker) {
			return collector.Blocked("url:" + marker)
		}
	}

	for _, selector := range cfg.ContentMarkers {
		if signal.MarkerPresent[selector] {
			return collector.Clear()
		}
	}

	for _, m := range cfg.SelectorMarkers {
		if !signal.MarkerPresent[m.Selector] {
			continue
		}
		if m.RequireVisible && !signal.MarkerVisible[m.Selector] {
			continue
		}
		return collector.Blocked(m.Reason)
	}

	body := strings.ToLower(signal.BodyText)
	for _, marker := range cfg.BodyMarkers {
		if strings.Contains(body, marker) {
			return collector.Blocked("body:" + marker)
		}
	}

	return collector.Clear()
}

// Snapshot samples the live page into a signal. Every probe fails open:
// a selector or title read that errors is recorded as absent/empty, so
// a flaky page leans toward clear rather than wedging the run. Callers
// that need hard failures check page navigation errors instead.
func Snapshot(ctx context.Context, page collector.BrowserPage, cfg Config) collector.PageSignal {
	signal := collector.PageSignal{
		MarkerPresent: make(map[string]bool),
		MarkerVisible: make(map[string]bool),
	}

	if title, err := page.Title(ctx); err == nil {
		signal.Title = title
	}
	if url, err := page.URL(ctx); err == nil {
		signal.URL = url
	}

	for _, selector := range cfg.ContentMarkers {
		present, err := page.QuerySelector(ctx, selector)
		signal.MarkerPresent[selector] = err == nil && present
	}
	for _, m := range cfg.SelectorMarkers {
		present, err := page.QuerySelector(ctx, m.Selector)
		if err != nil || !present {
			signal.MarkerPresent[m.Selector] = false
			continue
		}
		signal.MarkerPresent[m.Selector] = true
		if m.RequireVisible {
			visible, err := page.IsVisible(ctx, m.Selector)
			signal.MarkerVisible[m.Selector] = err == nil && visible
		}
	}

	if len(cfg.BodyMarkers) > 0 {
		if body, err := page.InnerText(ctx, "body"); err == nil {
			signal.BodyText = body
		}
	}
	return signal
}

// Check samples and classifies in one step.
func Check(ctx context.Context, page collector.BrowserPage, cfg Config) collector.Verdict {
	return Classify(Snapshot(ctx, page, cfg), cfg)
}
