package solver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jobsweep/jobsweep/internal/collector"
)

// TokenConfig configures the token-solving backend.
type TokenConfig struct {
	APIKey string
	// BaseURL of the solving service. Defaults to the 2captcha endpoint.
	BaseURL      string
	PollInterval time.Duration
	Timeout      time.Duration
	// UserAgent forwarded with turnstile tasks so the solver's browser
	// fingerprint matches ours.
	UserAgent string
}

const (
	defaultTokenBaseURL      = "https://2captcha.com"
	defaultTokenPollInterval = 5 * time.Second
	defaultTokenTimeout      = 180 * time.Second
)

// TokenClient submits widget solve tasks to a 2captcha-compatible HTTP
// API and polls until a token is ready.
type TokenClient struct {
	cfg    TokenConfig
	client *http.Client
}

// NewTokenClient builds a token client. A nil httpClient uses a default
// with a per-request timeout; the overall solve deadline comes from cfg.
func NewTokenClient(cfg TokenConfig, httpClient *http.Client) *TokenClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTokenBaseURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultTokenPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTokenTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenClient{cfg: cfg, client: httpClient}
}

// Configured reports whether the backend has an API key to work with.
func (c *TokenClient) Configured() bool {
	return c != nil && c.cfg.APIKey != ""
}

type apiResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// Solve submits the widget and polls for its token.
func (c *TokenClient) Solve(ctx context.Context, widget Widget, pageURL string) (string, error) {
	taskID, err := c.createTask(ctx, widget, pageURL)
	if err != nil {
		return "", &collector.SolveError{Backend: "token", Err: err}
	}
	token, err := c.pollResult(ctx, taskID)
	if err != nil {
		return "", &collector.SolveError{Backend: "token", Err: err}
	}
	return token, nil
}

func (c *TokenClient) createTask(ctx context.Context, widget Widget, pageURL string) (string, error) {
	form := url.Values{}
	form.Set("key", c.cfg.APIKey)
	form.Set("pageurl", pageURL)
	form.Set("json", "1")

	switch widget.Kind {
	case KindTurnstile:
		form.Set("method", "turnstile")
		form.Set("sitekey", widget.SiteKey)
		if widget.Action != "" {
			form.Set("action", widget.Action)
		}
		if widget.CData != "" {
			form.Set("data", widget.CData)
		}
		if c.cfg.UserAgent != "" {
			form.Set("userAgent", c.cfg.UserAgent)
		}
	case KindHCaptcha:
		form.Set("method", "hcaptcha")
		form.Set("sitekey", widget.SiteKey)
	case KindRecaptchaV2:
		form.Set("method", "userrecaptcha")
		form.Set("googlekey", widget.SiteKey)
	default:
		return "", fmt.Errorf("unsupported widget kind %q", widget.Kind)
	}

	resp, err := c.postForm(ctx, c.cfg.BaseURL+"/in.php", form)
	if err != nil {
		return "", fmt.Errorf("create solve task: %w", err)
	}
	if resp.Status != 1 {
		return "", fmt.Errorf("create solve task rejected: %s", resp.Request)
	}
	return resp.Request, nil
}

func (c *TokenClient) pollResult(ctx context.Context, taskID string) (string, error) {
	deadline := time.NewTimer(c.cfg.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	query := url.Values{}
	query.Set("key", c.cfg.APIKey)
	query.Set("action", "get")
	query.Set("id", taskID)
	query.Set("json", "1")
	pollURL := c.cfg.BaseURL + "/res.php?" + query.Encode()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("solve task %s timed out after %s", taskID, c.cfg.Timeout)
		case <-ticker.C:
		}

		resp, err := c.get(ctx, pollURL)
		if err != nil {
			return "", fmt.Errorf("poll solve task: %w", err)
		}
		if resp.Status == 1 {
			return resp.Request, nil
		}
		if resp.Request == "CAPCHA_NOT_READY" {
			continue
		}
		return "", fmt.Errorf("solve task %s failed: %s", taskID, resp.Request)
	}
}

func (c *TokenClient) postForm(ctx context.Context, endpoint string, form url.Values) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *TokenClient) get(ctx context.Context, endpoint string) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *TokenClient) do(req *http.Request) (*apiResponse, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("solver API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode solver response: %w", err)
	}
	return &parsed, nil
}
