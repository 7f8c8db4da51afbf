// Package browser implements the page capability on headless Chrome via
// chromedp. One Browser owns one Chrome process; proxy settings are
// fixed at launch, so a proxy rotation means closing the Browser and
// launching a new one with the fresh descriptor.
package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jobsweep/jobsweep/internal/proxy"
)

// Config controls the browser launch.
type Config struct {
	Headless  bool
	UserAgent string
	// NavigationTimeout bounds each navigation and reload.
	NavigationTimeout time.Duration
	// NavRatePerDomain throttles navigations per domain (requests per
	// second). Zero disables pacing.
	NavRatePerDomain float64
}

// Browser wraps a launched Chrome with one active tab context.
type Browser struct {
	cfg         Config
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	limiters    map[string]*rate.Limiter
	logger      *zap.Logger
}

// Launch starts Chrome with the stealth flag set and, when desc is
// non-nil, the proxy fixed for the browser's lifetime. Credentialed
// proxies are answered through the fetch domain because Chrome has no
// flag for proxy auth.
func Launch(ctx context.Context, cfg Config, desc *proxy.Descriptor, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:], stealthFlags()...)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if desc != nil && desc.Server != "" {
		opts = append(opts, chromedp.ProxyServer(desc.Server))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	// Start the process now so launch failures surface here, not on
	// the first navigation.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	b := &Browser{
		cfg:         cfg,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		limiters:    make(map[string]*rate.Limiter),
		logger:      logger,
	}

	if desc != nil && desc.Username != "" {
		if err := b.enableProxyAuth(desc.Username, desc.Password); err != nil {
			b.Close()
			return nil, err
		}
	}

	logger.Info("browser launched",
		zap.Bool("headless", cfg.Headless),
		zap.Bool("proxied", desc != nil && desc.Server != ""),
	)
	return b, nil
}

// Close tears down the tab and the Chrome process.
func (b *Browser) Close() {
	b.tabCancel()
	b.allocCancel()
}

// NewPage prepares the tab as a Page, installing the stealth init
// script so it runs before any site script on every navigation.
func (b *Browser) NewPage(ctx context.Context) (*Page, error) {
	p := &Page{browser: b, ctx: b.tabCtx}
	if err := p.AddInitScript(ctx, stealthScript); err != nil {
		return nil, fmt.Errorf("install stealth script: %w", err)
	}
	return p, nil
}

// enableProxyAuth answers the proxy's 407 challenges with the session
// credentials via the fetch domain.
func (b *Browser) enableProxyAuth(username, password string) error {
	if err := chromedp.Run(b.tabCtx,
		fetch.Enable().WithHandleAuthRequests(true),
	); err != nil {
		return fmt.Errorf("enable fetch domain: %w", err)
	}

	chromedp.ListenTarget(b.tabCtx, func(ev any) {
		switch event := ev.(type) {
		case *fetch.EventAuthRequired:
			go func() {
				execCtx := cdp.WithExecutor(b.tabCtx, chromedp.FromContext(b.tabCtx).Target)
				resp := &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: username,
					Password: password,
				}
				if err := fetch.ContinueWithAuth(event.RequestID, resp).Do(execCtx); err != nil {
					b.logger.Debug("proxy auth continue failed", zap.Error(err))
				}
			}()
		case *fetch.EventRequestPaused:
			go func() {
				execCtx := cdp.WithExecutor(b.tabCtx, chromedp.FromContext(b.tabCtx).Target)
				if err := fetch.ContinueRequest(event.RequestID).Do(execCtx); err != nil {
					b.logger.Debug("request continue failed", zap.Error(err))
				}
			}()
		}
	})
	return nil
}

// waitTurn paces navigations per domain.
func (b *Browser) waitTurn(ctx context.Context, rawURL string) error {
	if b.cfg.NavRatePerDomain <= 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	domain := strings.ToLower(u.Hostname())
	limiter, ok := b.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(b.cfg.NavRatePerDomain), 1)
		b.limiters[domain] = limiter
	}
	return limiter.Wait(ctx)
}
