package stac

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrUpstreamUnavailable is returned while the circuit breaker is open.
var ErrUpstreamUnavailable = errors.New("upstream STAC API unavailable")

// BreakerConfig configures the circuit breaker around the upstream API.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// UpstreamRequest describes a request forwarded to the upstream API.
type UpstreamRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
	// BaseURL is the public root of the incoming request, forwarded so the
	// upstream builds self links pointing at this service.
	BaseURL string
}

// UpstreamResponse is a fully read upstream response. Body is shared
// between coalesced callers and must not be modified.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type upstreamStatusError struct {
	resp *UpstreamResponse
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.resp.StatusCode)
}

// Upstream forwards requests to a STAC API, coalescing identical
// concurrent GETs and tripping a circuit breaker on repeated failures.
type Upstream struct {
	baseURL string
	client  HTTPClient
	breaker *gobreaker.CircuitBreaker[*UpstreamResponse]
	group   singleflight.Group
	logger  *zap.Logger
	metrics *metrics
}

func NewUpstream(baseURL string, client HTTPClient, cfg BreakerConfig, logger *zap.Logger, m *metrics) *Upstream {
	u := &Upstream{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		logger:  logger,
		metrics: m,
	}
	u.breaker = gobreaker.NewCircuitBreaker[*UpstreamResponse](gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("upstream circuit breaker state changed", zap.String("from", from.String()), zap.String("to", to.String()))
			m.setBreakerState(float64(to))
		},
		IsSuccessful: func(err error) bool {
			// client cancellations say nothing about upstream health
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return u
}

// Do sends req upstream. A non-nil response is returned for every status
// code the upstream answered with; err is only set for transport failures,
// an open breaker and a done ctx.
//
// Identical GETs share one upstream call, which runs to completion even if
// the caller that started it goes away.
func (u *Upstream) Do(ctx context.Context, handler string, req UpstreamRequest) (*UpstreamResponse, error) {
	if req.Method != http.MethodGet {
		return u.execute(ctx, handler, req)
	}
	ch := u.group.DoChan(coalesceKey(req), func() (interface{}, error) {
		return u.execute(context.WithoutCancel(ctx), handler, req)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			u.logger.Debug("coalesced upstream request", zap.String("path", req.Path))
		}
		resp, _ := res.Val.(*UpstreamResponse)
		return resp, res.Err
	}
}

// coalesceKey identifies a GET by everything that is sent upstream, so
// callers with different credentials never share a response.
func coalesceKey(req UpstreamRequest) string {
	var sb strings.Builder
	sb.WriteString(req.BaseURL)
	sb.WriteString(" ")
	sb.WriteString(req.Path)
	sb.WriteString("?")
	sb.WriteString(req.RawQuery)
	for _, h := range forwardedRequestHeaders {
		sb.WriteString("\n")
		sb.WriteString(h)
		sb.WriteString(": ")
		sb.WriteString(strings.Join(req.Header.Values(h), ", "))
	}
	return sb.String()
}

func (u *Upstream) execute(ctx context.Context, handler string, req UpstreamRequest) (*UpstreamResponse, error) {
	resp, err := u.breaker.Execute(func() (*UpstreamResponse, error) {
		resp, err := u.roundTrip(ctx, handler, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, &upstreamStatusError{resp}
		}
		return resp, nil
	})

	var statusErr *upstreamStatusError
	if errors.As(err, &statusErr) {
		return statusErr.resp, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return resp, err
}

var forwardedRequestHeaders = []string{"Accept", "Accept-Language", "Authorization", "Content-Type"}

var droppedResponseHeaders = map[string]bool{
	"Connection":        true,
	"Content-Encoding":  true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

func (u *Upstream) roundTrip(ctx context.Context, handler string, req UpstreamRequest) (*UpstreamResponse, error) {
	tracker := u.metrics.startUpstreamRequest(handler)
	reqURL := u.baseURL + req.Path
	if req.RawQuery != "" {
		reqURL += "?" + req.RawQuery
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, reqURL, body)
	if err != nil {
		tracker.finish(ctx, "error")
		return nil, err
	}
	for _, h := range forwardedRequestHeaders {
		if v := req.Header.Values(h); len(v) > 0 {
			httpReq.Header[h] = v
		}
	}
	if req.BaseURL != "" {
		setForwardedHeaders(httpReq.Header, req.BaseURL)
	}

	httpResp, err := u.client.Do(httpReq)
	if err != nil {
		tracker.finish(ctx, "error")
		return nil, fmt.Errorf("upstream %s %s: %w", req.Method, req.Path, err)
	}
	defer httpResp.Body.Close()

	b, err := io.ReadAll(httpResp.Body)
	if err != nil {
		tracker.finish(ctx, "error")
		return nil, fmt.Errorf("reading upstream %s %s: %w", req.Method, req.Path, err)
	}
	tracker.finish(ctx, fmt.Sprint(httpResp.StatusCode))

	header := make(http.Header, len(httpResp.Header))
	for k, v := range httpResp.Header {
		if !droppedResponseHeaders[k] {
			header[k] = v
		}
	}
	return &UpstreamResponse{StatusCode: httpResp.StatusCode, Header: header, Body: b}, nil
}

func setForwardedHeaders(h http.Header, baseURL string) {
	scheme, rest, ok := strings.Cut(baseURL, "://")
	if !ok {
		return
	}
	host, prefix, _ := strings.Cut(rest, "/")
	h.Set("X-Forwarded-Proto", scheme)
	h.Set("X-Forwarded-Host", host)
	if prefix != "" {
		h.Set("X-Forwarded-Prefix", "/"+prefix)
	}
}
