package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/jobsweep/jobsweep/internal/collector"
)

// Page adapts the chromedp tab to the collector's page and context
// capabilities.
type Page struct {
	browser *Browser
	ctx     context.Context
}

// run executes actions against the tab, bounded by the navigation
// timeout and the caller's context.
func (p *Page) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	tctx, cancel := context.WithTimeout(p.ctx, p.browser.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(tctx, actions...); err != nil {
		return mapPageError(op, err)
	}
	return nil
}

// Title returns the current document title.
func (p *Page) Title(ctx context.Context) (string, error) {
	var title string
	if err := p.run(ctx, "title", chromedp.Title(&title)); err != nil {
		return "", err
	}
	return title, nil
}

// URL returns the tab's current location.
func (p *Page) URL(ctx context.Context) (string, error) {
	var location string
	if err := p.run(ctx, "url", chromedp.Location(&location)); err != nil {
		return "", err
	}
	return location, nil
}

// QuerySelector reports whether at least one node matches selector.
func (p *Page) QuerySelector(ctx context.Context, selector string) (bool, error) {
	var present bool
	script := fmt.Sprintf("!!document.querySelector(%q)", selector)
	if err := p.run(ctx, "query_selector", chromedp.Evaluate(script, &present)); err != nil {
		return false, err
	}
	return present, nil
}

// IsVisible reports whether the first match for selector takes up
// layout space and is not hidden.
func (p *Page) IsVisible(ctx context.Context, selector string) (bool, error) {
	var visible bool
	script := fmt.Sprintf(`(() => {
  const el = document.querySelector(%q);
  if (!el) return false;
  const style = window.getComputedStyle(el);
  if (style.display === 'none' || style.visibility === 'hidden' || style.opacity === '0') return false;
  const rect = el.getBoundingClientRect();
  return rect.width > 0 && rect.height > 0;
})()`, selector)
	if err := p.run(ctx, "is_visible", chromedp.Evaluate(script, &visible)); err != nil {
		return false, err
	}
	return visible, nil
}

// InnerText returns the rendered text of the first match for selector.
func (p *Page) InnerText(ctx context.Context, selector string) (string, error) {
	var text string
	script := fmt.Sprintf(`((document.querySelector(%q) || {}).innerText) || ''`, selector)
	if err := p.run(ctx, "inner_text", chromedp.Evaluate(script, &text)); err != nil {
		return "", err
	}
	return text, nil
}

// Evaluate runs script in the page, unmarshalling the result into out.
func (p *Page) Evaluate(ctx context.Context, script string, out any) error {
	return p.run(ctx, "evaluate", chromedp.Evaluate(script, out))
}

// AddInitScript registers script to run before page scripts on every
// subsequent navigation of this tab.
func (p *Page) AddInitScript(ctx context.Context, script string) error {
	return p.run(ctx, "add_init_script", chromedp.ActionFunc(func(cctx context.Context) error {
		_, err := cdppage.AddScriptToEvaluateOnNewDocument(script).Do(cctx)
		return err
	}))
}

// Navigate drives the tab to url, paced per domain, and waits for the
// document body.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.browser.waitTurn(ctx, url); err != nil {
		return mapPageError("navigate", err)
	}
	return p.run(ctx, "navigate",
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Reload reloads the current page and waits for the document body.
func (p *Page) Reload(ctx context.Context) error {
	return p.run(ctx, "reload",
		chromedp.Reload(),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

// Screenshot captures the viewport to path.
func (p *Page) Screenshot(ctx context.Context, path string) error {
	var buf []byte
	if err := p.run(ctx, "screenshot", chromedp.CaptureScreenshot(&buf)); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("write screenshot: %w", err)
	}
	return nil
}

// Content returns the serialized HTML of the current document.
func (p *Page) Content(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, "content", chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// SetCookies installs cookies into the browser context.
func (p *Page) SetCookies(ctx context.Context, cookies []collector.Cookie) error {
	return p.run(ctx, "set_cookies", chromedp.ActionFunc(func(cctx context.Context) error {
		for _, c := range cookies {
			action := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithHTTPOnly(c.HTTPOnly).
				WithSecure(c.Secure)
			if c.Expires > 0 {
				expires := cdp.TimeSinceEpoch(time.Unix(c.Expires, 0))
				action = action.WithExpires(&expires)
			}
			if err := action.Do(cctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	}))
}

// SetUserAgent overrides the context's user agent for all subsequent
// requests.
func (p *Page) SetUserAgent(ctx context.Context, userAgent string) error {
	return p.run(ctx, "set_user_agent", chromedp.ActionFunc(func(cctx context.Context) error {
		return emulation.SetUserAgentOverride(userAgent).Do(cctx)
	}))
}

// mapPageError folds driver failures into the collector error taxonomy
// so detection can fail open on the benign kinds.
func mapPageError(op string, err error) error {
	kind := collector.KindEvaluate
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "deadline exceeded"):
		kind = collector.KindTimeout
	case strings.Contains(msg, "detached") || strings.Contains(msg, "no such frame") ||
		strings.Contains(msg, "target closed") || strings.Contains(msg, "session closed"):
		kind = collector.KindDetached
	case strings.Contains(msg, "net::") || strings.Contains(msg, "page load") ||
		op == "navigate" || op == "reload":
		kind = collector.KindNavigation
	}
	return collector.NewPageError(kind, op, err)
}
