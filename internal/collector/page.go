package collector

import "context"

// BrowserPage is the capability the core consumes from the browser
// driver. Implementations wrap a single live tab; the core never holds a
// second concurrent handle to it. Methods that query the page return a
// *PageError so callers can distinguish fail-open kinds (detached frame,
// navigation race) from real faults.
type BrowserPage interface {
	Title(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	// QuerySelector reports whether at least one node matches.
	QuerySelector(ctx context.Context, selector string) (bool, error)
	IsVisible(ctx context.Context, selector string) (bool, error)
	InnerText(ctx context.Context, selector string) (string, error)
	// Evaluate runs script in the page and unmarshals the result into out.
	// A nil out discards the result.
	Evaluate(ctx context.Context, script string, out any) error
	// AddInitScript registers script to run before any page script on
	// every subsequent navigation of this tab.
	AddInitScript(ctx context.Context, script string) error
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	Screenshot(ctx context.Context, path string) error
	// Content returns the serialized HTML of the current document.
	Content(ctx context.Context) (string, error)
}

// BrowserContext is the context-level capability needed by the
// full-challenge solve flow: clearance cookies and a user agent are
// applied to the browser context, not to an individual page.
type BrowserContext interface {
	SetCookies(ctx context.Context, cookies []Cookie) error
	SetUserAgent(ctx context.Context, userAgent string) error
}

// Cookie is a browser cookie in the shape clearance backends return.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	Expires  int64  `json:"expires"`
	HTTPOnly bool   `json:"httpOnly"`
	Secure   bool   `json:"secure"`
	SameSite string `json:"sameSite"`
}

// SnapshotStore archives raw page artifacts (blocked-page HTML,
// screenshots) and returns a URI for the stored object.
type SnapshotStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}
