package solver

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jobsweep/jobsweep/internal/collector"
	"github.com/jobsweep/jobsweep/internal/extract"
)

// Widget kinds understood by the token backend.
const (
	KindTurnstile   = "turnstile"
	KindHCaptcha    = "hcaptcha"
	KindRecaptchaV2 = "recaptcha_v2"
)

// Widget describes a CAPTCHA widget found on a blocked page.
type Widget struct {
	Kind    string `json:"kind"`
	SiteKey string `json:"sitekey"`
	Action  string `json:"action"`
	CData   string `json:"cdata"`
}

// Found reports whether a usable sitekey was captured.
func (w Widget) Found() bool {
	return w.SiteKey != ""
}

// renderHookScript intercepts the widget libraries' own render calls and
// records their parameters. This is the only reliable source for widgets
// whose sitekey never appears in the DOM (Cloudflare managed challenges
// render into a closed iframe).
const renderHookScript = `(() => {
  const hook = (name, kind) => {
    let real;
    Object.defineProperty(window, name, {
      configurable: true,
      get() { return real; },
      set(value) {
        if (value && typeof value.render === 'function') {
          const original = value.render.bind(value);
          value.render = (container, params) => {
            try {
              window.__widgetRenderParams = {
                kind: kind,
                sitekey: (params && params.sitekey) || '',
                action: (params && params.action) || '',
                cdata: (params && (params.cData || params.cdata)) || ''
              };
            } catch (e) {}
            return original(container, params);
          };
        }
        real = value;
      }
    });
  };
  hook('turnstile', 'turnstile');
  hook('hcaptcha', 'hcaptcha');
  hook('grecaptcha', 'recaptcha_v2');
})();`

// InstallRenderHook registers the render interception script on the
// page. Must run before the challenge page loads; register it right
// after page creation.
func InstallRenderHook(ctx context.Context, page collector.BrowserPage) error {
	if err := page.AddInitScript(ctx, renderHookScript); err != nil {
		return fmt.Errorf("install render hook: %w", err)
	}
	return nil
}

const domScanScript = `(() => {
  const pick = (sel, kind) => {
    const el = document.querySelector(sel);
    if (!el) return null;
    const key = el.getAttribute('data-sitekey');
    if (!key) return null;
    return {
      kind: kind,
      sitekey: key,
      action: el.getAttribute('data-action') || '',
      cdata: el.getAttribute('data-cdata') || ''
    };
  };
  return pick('.cf-turnstile', 'turnstile')
    || pick('.h-captcha', 'hcaptcha')
    || pick('.g-recaptcha', 'recaptcha_v2')
    || pick('[data-sitekey]', 'turnstile')
    || null;
})()`

var sitekeyPattern = regexp.MustCompile(`(?i)sitekey["']?\s*[:=]\s*["']([0-9A-Za-z_-]{10,})["']`)

// DetectWidget locates a solvable widget on the page. The strategies
// run as an ordered chain: render-hook capture, then a DOM attribute
// scan, then a scan of the serialized page source. Each step is
// best-effort; a probe error just moves the chain along.
func DetectWidget(ctx context.Context, page collector.BrowserPage) Widget {
	widget, _ := extract.Chain(
		func() (Widget, bool) {
			var w Widget
			if err := page.Evaluate(ctx, "window.__widgetRenderParams || null", &w); err != nil {
				return Widget{}, false
			}
			return w, w.Found()
		},
		func() (Widget, bool) {
			var w Widget
			if err := page.Evaluate(ctx, domScanScript, &w); err != nil {
				return Widget{}, false
			}
			return w, w.Found()
		},
		func() (Widget, bool) {
			html, err := page.Content(ctx)
			if err != nil {
				return Widget{}, false
			}
			return widgetFromSource(html)
		},
	)
	return widget
}

// widgetFromSource scans serialized HTML for a sitekey, first via the
// DOM attributes goquery can see, then via a raw regex for sitekeys
// assigned in inline script.
func widgetFromSource(html string) (Widget, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err == nil {
		var found Widget
		doc.Find("[data-sitekey]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			key, ok := sel.Attr("data-sitekey")
			if !ok || key == "" {
				return true
			}
			found = Widget{
				Kind:    widgetKindForNode(sel),
				SiteKey: key,
				Action:  sel.AttrOr("data-action", ""),
				CData:   sel.AttrOr("data-cdata", ""),
			}
			return false
		})
		if found.Found() {
			return found, true
		}
	}

	if m := sitekeyPattern.FindStringSubmatch(html); m != nil {
		kind := KindTurnstile
		lower := strings.ToLower(html)
		switch {
		case strings.Contains(lower, "hcaptcha"):
			kind = KindHCaptcha
		case strings.Contains(lower, "recaptcha"):
			kind = KindRecaptchaV2
		}
		return Widget{Kind: kind, SiteKey: m[1]}, true
	}
	return Widget{}, false
}

func widgetKindForNode(sel *goquery.Selection) string {
	switch {
	case sel.HasClass("h-captcha"):
		return KindHCaptcha
	case sel.HasClass("g-recaptcha"):
		return KindRecaptchaV2
	default:
		return KindTurnstile
	}
}
