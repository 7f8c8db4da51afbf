package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jobsweep/jobsweep/internal/collector"
)

// ClearanceConfig configures the full-challenge backend (a FlareSolverr
// compatible service).
type ClearanceConfig struct {
	BaseURL string
	// MaxTimeout is forwarded to the service as the page solve budget.
	MaxTimeout time.Duration
}

// Clearance is the result of a full-challenge solve: cookies and the
// user agent of the browser that passed the challenge. Both must be
// applied together or the cookies are useless.
type Clearance struct {
	Cookies   []collector.Cookie
	UserAgent string
}

// ClearanceClient drives a whole-page challenge solving service.
type ClearanceClient struct {
	cfg    ClearanceConfig
	client *http.Client
}

// NewClearanceClient builds a clearance client. A nil httpClient gets a
// timeout slightly above the service's own solve budget.
func NewClearanceClient(cfg ClearanceConfig, httpClient *http.Client) *ClearanceClient {
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.MaxTimeout + 15*time.Second}
	}
	return &ClearanceClient{cfg: cfg, client: httpClient}
}

// Configured reports whether a service endpoint is set.
func (c *ClearanceClient) Configured() bool {
	return c != nil && c.cfg.BaseURL != ""
}

// Healthy probes the service's health endpoint.
func (c *ClearanceClient) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(c.cfg.BaseURL, "/")+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false
	}
	return health.Status == "ok"
}

type clearanceRequest struct {
	Cmd        string          `json:"cmd"`
	URL        string          `json:"url"`
	MaxTimeout int64           `json:"maxTimeout"`
	Proxy      *clearanceProxy `json:"proxy,omitempty"`
}

type clearanceProxy struct {
	URL string `json:"url"`
}

type clearanceResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Solution struct {
		URL       string             `json:"url"`
		Status    int                `json:"status"`
		Cookies   []collector.Cookie `json:"cookies"`
		UserAgent string             `json:"userAgent"`
	} `json:"solution"`
}

// Solve submits the blocked URL, routing the service's browser through
// proxyURL when set so the clearance is minted for our egress IP.
func (c *ClearanceClient) Solve(ctx context.Context, pageURL, proxyURL string) (*Clearance, error) {
	payload := clearanceRequest{
		Cmd:        "request.get",
		URL:        pageURL,
		MaxTimeout: c.cfg.MaxTimeout.Milliseconds(),
	}
	if proxyURL != "" {
		payload.Proxy = &clearanceProxy{URL: proxyURL}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &collector.SolveError{Backend: "clearance", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.cfg.BaseURL, "/")+"/v1", bytes.NewReader(body))
	if err != nil {
		return nil, &collector.SolveError{Backend: "clearance", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &collector.SolveError{Backend: "clearance", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &collector.SolveError{Backend: "clearance", Err: err}
	}
	var parsed clearanceResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &collector.SolveError{Backend: "clearance", Err: fmt.Errorf("decode response: %w", err)}
	}
	if parsed.Status != "ok" {
		return nil, &collector.SolveError{Backend: "clearance", Err: fmt.Errorf("service status %q: %s", parsed.Status, parsed.Message)}
	}
	if len(parsed.Solution.Cookies) == 0 {
		return nil, &collector.SolveError{Backend: "clearance", Err: fmt.Errorf("solution carried no cookies")}
	}
	return &Clearance{
		Cookies:   parsed.Solution.Cookies,
		UserAgent: parsed.Solution.UserAgent,
	}, nil
}

// Apply installs the clearance into the browser context and reloads the
// page so the next classification sees the cleared state.
func (c *ClearanceClient) Apply(ctx context.Context, bctx collector.BrowserContext, page collector.BrowserPage, clearance *Clearance) error {
	if clearance.UserAgent != "" {
		if err := bctx.SetUserAgent(ctx, clearance.UserAgent); err != nil {
			return fmt.Errorf("apply clearance user agent: %w", err)
		}
	}
	if err := bctx.SetCookies(ctx, clearance.Cookies); err != nil {
		return fmt.Errorf("apply clearance cookies: %w", err)
	}
	if err := page.Reload(ctx); err != nil {
		return fmt.Errorf("reload after clearance: %w", err)
	}
	return nil
}
