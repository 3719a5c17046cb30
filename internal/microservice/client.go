package microservice

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"axpep-backend/internal/config"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
)

const healthTimeout = 15 * time.Second

type Options struct {
	BaseURL          string
	Timeout          time.Duration
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	ChunkConcurrency int
}

func OptionsFromConfig(cfg config.MicroserviceConfig, baseURL string) Options {
	return Options{
		BaseURL:          baseURL,
		Timeout:          cfg.Timeout,
		MaxAttempts:      cfg.MaxAttempts,
		InitialBackoff:   cfg.InitialBackoff,
		MaxBackoff:       cfg.MaxBackoff,
		ChunkConcurrency: cfg.ChunkConcurrency,
	}
}

// Client is the transport shared by every family adapter. It owns the retry
// policy: transport errors are retried with exponential backoff, anything the
// server actually answered is final.
type Client struct {
	service string
	baseURL string
	http    *resty.Client
	opts    Options
}

func NewClient(service string, opts Options) *Client {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.ChunkConcurrency < 1 {
		opts.ChunkConcurrency = 1
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "axpep-backend")
	if opts.Timeout > 0 {
		httpClient.SetTimeout(opts.Timeout)
	}

	return &Client{service: service, baseURL: baseURL, http: httpClient, opts: opts}
}

func (c *Client) Service() string {
	return c.service
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.opts.InitialBackoff > 0 {
		b.InitialInterval = c.opts.InitialBackoff
	}
	if c.opts.MaxBackoff > 0 {
		b.MaxInterval = c.opts.MaxBackoff
	}
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxAttempts-1)), ctx)
}

// do sends the request built by prepare and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, method, path string, prepare func(*resty.Request)) ([]byte, error) {
	attempts := 0

	operation := func() ([]byte, error) {
		attempts++

		req := c.http.R().SetContext(ctx)
		if prepare != nil {
			prepare(req)
		}

		res, err := req.Execute(method, path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}

		if !res.IsSuccess() {
			return nil, backoff.Permanent(&PredictionFailure{
				Service:    c.service,
				StatusCode: res.StatusCode(),
				Reason:     truncate(res.Body()),
			})
		}

		return res.Body(), nil
	}

	notify := func(err error, wait time.Duration) {
		slog.Warn("microservice request failed, retrying", "service", c.service, "path", path, "attempt", attempts, "wait", wait, "error", err)
	}

	body, err := backoff.RetryNotifyWithData(operation, c.backoff(ctx), notify)
	if err == nil {
		return body, nil
	}

	var predictionErr *PredictionFailure
	if errors.As(err, &predictionErr) {
		slog.Error("microservice returned an error response", "service", c.service, "path", path, "status_code", predictionErr.StatusCode)
		return nil, err
	}

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return nil, err
	}

	slog.Error("microservice unreachable", "service", c.service, "path", path, "attempts", attempts, "error", err)
	return nil, &ConnectionError{Service: c.service, Attempts: attempts, Err: err}
}

func (c *Client) PostJSON(ctx context.Context, path string, body any) ([]byte, error) {
	return c.do(ctx, resty.MethodPost, path, func(req *resty.Request) {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	})
}

func (c *Client) PostForm(ctx context.Context, path string, form map[string]string) ([]byte, error) {
	return c.do(ctx, resty.MethodPost, path, func(req *resty.Request) {
		req.SetFormData(form)
	})
}

func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, resty.MethodGet, path, nil)
}

type HealthStatus struct {
	Service     string
	URL         string
	Healthy     bool
	Status      string
	Version     string
	ModelLoaded bool
	Error       string
	CheckedAt   time.Time
}

type healthResponse struct {
	Status      string `mapstructure:"status"`
	Version     string `mapstructure:"version"`
	ModelLoaded bool   `mapstructure:"model_loaded"`
	Error       string `mapstructure:"error"`
}

// Health probes GET /health once, without retries.
func (c *Client) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{Service: c.service, URL: c.baseURL, CheckedAt: time.Now().UTC()}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	res, err := c.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		status.Status = "unreachable"
		status.Error = err.Error()
		return status
	}
	if !res.IsSuccess() {
		status.Status = "error"
		status.Error = truncate(res.Body())
		return status
	}

	root, err := parseJSON(c.service, res.Body())
	if err != nil {
		status.Status = "error"
		status.Error = err.Error()
		return status
	}

	var parsed healthResponse
	if err := decodeItem(unwrapScalars(objectOf(root)), &parsed); err != nil {
		status.Status = "error"
		status.Error = err.Error()
		return status
	}

	status.Status = parsed.Status
	status.Version = parsed.Version
	status.ModelLoaded = parsed.ModelLoaded
	status.Error = parsed.Error
	switch strings.ToLower(parsed.Status) {
	case "healthy", "ok", "success", "up":
		status.Healthy = true
	}

	return status
}
