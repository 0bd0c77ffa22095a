// Package fetch implements the network tier over HTTP.
package fetch

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/objectfs/tiercache/internal/circuit"
	"github.com/objectfs/tiercache/internal/metrics"
	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/types"
)

// Config represents HTTP fetcher configuration
type Config struct {
	Timeout     time.Duration `yaml:"timeout"`
	UserAgent   string        `yaml:"user_agent"`
	MaxBodySize int64         `yaml:"max_body_size"`

	// Breaker is applied per host; nil disables circuit breaking
	Breaker *circuit.Config `yaml:"circuit_breaker"`

	Client  *http.Client       `yaml:"-"`
	Metrics *metrics.Collector `yaml:"-"`
	Logger  *slog.Logger       `yaml:"-"`
}

// HTTPFetcher fetches requests with net/http. Server errors, 429 and
// transport failures are retryable NETWORK_ERROR; other 4xx responses are
// permanent.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	maxBody   int64
	breakers  *circuit.Set
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// New creates an HTTP fetcher
func New(config *Config) *HTTPFetcher {
	if config == nil {
		config = &Config{}
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := config.Client
	if client == nil {
		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: 20 * time.Second}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = "tiercache"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	f := &HTTPFetcher{
		client:    client,
		userAgent: userAgent,
		maxBody:   config.MaxBodySize,
		metrics:   config.Metrics,
		logger:    logger.With("component", "fetch"),
	}
	if config.Breaker != nil {
		breaker := *config.Breaker
		breaker.IsFailure = func(err error) bool {
			return errors.HasCode(err, errors.ErrCodeNetworkError) && errors.IsRetryable(err)
		}
		breaker.OnStateChange = func(name string, from, to circuit.State) {
			f.logger.Warn("circuit breaker changed state", "host", name, "from", from.String(), "to", to.String())
		}
		f.breakers = circuit.NewSet(breaker)
	}
	return f
}

// Fetch performs req. The body is fully read, up to MaxBodySize.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	if req == nil {
		return nil, invalid("request is required")
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, invalid("malformed URL").WithContext("url", req.URL)
	}

	if f.breakers == nil {
		return f.do(ctx, req)
	}

	var resp *types.Response
	err = f.breakers.Get(u.Host).Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, err = f.do(ctx, req)
		return err
	})
	return resp, err
}

// Breakers returns the per-host breaker states; nil without circuit breaking.
func (f *HTTPFetcher) Breakers() map[string]circuit.BreakerStats {
	if f.breakers == nil {
		return nil
	}
	return f.breakers.Stats()
}

// Helper methods

func (f *HTTPFetcher) do(ctx context.Context, req *types.Request) (*types.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, invalid("cannot build request").WithCause(err).WithContext("url", req.URL)
	}
	for name, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	httpReq.Header.Set("User-Agent", f.userAgent)

	start := time.Now()
	httpResp, err := f.client.Do(httpReq)
	if err != nil {
		f.metrics.RecordFetch(0, time.Since(start))
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "fetch canceled").
				WithComponent("fetch").
				WithContext("url", req.URL)
		}
		return nil, networkError(err, "request failed", req.URL)
	}
	defer func() { _ = httpResp.Body.Close() }()

	var reader io.Reader = httpResp.Body
	if f.maxBody > 0 {
		reader = io.LimitReader(httpResp.Body, f.maxBody+1)
	}
	data, err := io.ReadAll(reader)
	f.metrics.RecordFetch(httpResp.StatusCode, time.Since(start))
	if err != nil {
		return nil, networkError(err, "reading body failed", req.URL)
	}
	if f.maxBody > 0 && int64(len(data)) > f.maxBody {
		return nil, errors.Newf(errors.ErrCodeNetworkError, "body exceeds %d bytes", f.maxBody).
			WithComponent("fetch").
			WithContext("url", req.URL).
			WithRetryable(false)
	}

	if err := statusError(httpResp.StatusCode, req.URL); err != nil {
		return nil, err
	}

	f.logger.Debug("fetched", "url", req.URL, "status", httpResp.StatusCode, "size", len(data), "duration", time.Since(start))
	if data == nil {
		data = []byte{}
	}
	return &types.Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

func statusError(status int, rawURL string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return errors.Newf(errors.ErrCodeNetworkError, "server returned %d", status).
			WithComponent("fetch").
			WithContext("url", rawURL).
			WithDetail("status", status)
	default:
		return errors.Newf(errors.ErrCodeNetworkError, "server returned %d", status).
			WithComponent("fetch").
			WithContext("url", rawURL).
			WithDetail("status", status).
			WithRetryable(false)
	}
}

func networkError(err error, message, rawURL string) *errors.Error {
	e := errors.Wrap(err, errors.ErrCodeNetworkError, message).
		WithComponent("fetch").
		WithContext("url", rawURL)
	var urlErr *url.Error
	if stderrors.As(err, &urlErr) && urlErr.Timeout() {
		e = e.WithDetail("timeout", true)
	}
	return e
}

func invalid(message string) *errors.Error {
	return errors.NewError(errors.ErrCodeInvalidArgument, message).
		WithComponent("fetch")
}
