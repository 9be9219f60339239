package retention

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Loop-driver defaults, overridable by CLI flags.
const (
	DefaultTriggerURL = "http://localhost:8080/jobs/retention"
	DefaultInterval   = 15 * time.Minute
)

var (
	errMissingSecret = errors.New("retention: trigger secret is required")
	errMissingURL    = errors.New("retention: trigger url is required")
)

// RunnerConfig describes one retention loop driver.
type RunnerConfig struct {
	URL        string
	Secret     string
	Limit      int
	Interval   time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Runner drives the authenticated retention trigger endpoint, either once or
// on a fixed interval. In loop mode an iteration failure is logged and the
// loop continues; termination is the outer supervisor's job via context
// cancellation.
type Runner struct {
	url      string
	secret   string
	limit    int
	interval time.Duration
	client   *http.Client
	logger   *zap.Logger
}

// NewRunner constructs a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Secret == "" {
		return nil, errMissingSecret
	}
	triggerURL := cfg.URL
	if triggerURL == "" {
		triggerURL = DefaultTriggerURL
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		url:      triggerURL,
		secret:   cfg.Secret,
		limit:    limit,
		interval: interval,
		client:   client,
		logger:   logger,
	}, nil
}

type triggerResponse struct {
	OK      bool   `json:"ok"`
	Deleted int    `json:"deleted"`
	Error   string `json:"error"`
}

// RunOnce fires one trigger request and returns the reported deletion count.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	endpoint, err := url.Parse(r.url)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errMissingURL, err)
	}
	query := endpoint.Query()
	if query.Get("limit") == "" {
		query.Set("limit", strconv.Itoa(r.limit))
		endpoint.RawQuery = query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), http.NoBody)
	if err != nil {
		return 0, err
	}
	request.Header.Set("Authorization", "Bearer "+r.secret)
	request.Header.Set("Content-Type", "application/json")

	response, err := r.client.Do(request)
	if err != nil {
		return 0, fmt.Errorf("retention: trigger request failed: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("retention: trigger response read failed: %w", err)
	}

	var parsed triggerResponse
	if err := json.Unmarshal(body, &parsed); err != nil && response.StatusCode == http.StatusOK {
		return 0, fmt.Errorf("retention: trigger response malformed: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("retention: trigger failed with status %d (%s)", response.StatusCode, parsed.Error)
	}

	r.logger.Info("retention trigger succeeded", zap.Int("deleted", parsed.Deleted))
	return parsed.Deleted, nil
}

// Loop invokes RunOnce every interval until ctx is cancelled. Iteration
// failures are logged and never terminate the loop.
func (r *Runner) Loop(ctx context.Context) {
	r.logger.Info("starting retention loop",
		zap.String("url", r.url),
		zap.Duration("interval", r.interval))
	for {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("retention loop iteration failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.interval):
		}
	}
}
