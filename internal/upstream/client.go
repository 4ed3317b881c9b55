package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"

	"github.com/pagerelay/backend/internal/logging"
	"github.com/pagerelay/backend/internal/resilience"
	"github.com/pagerelay/backend/internal/types"
)

// TurnRequest carries everything the agent service needs to run a
// turn. SessionID and SandboxID are empty on the first turn of a
// conversation and set when resuming one.
type TurnRequest struct {
	Message        string `json:"message"`
	Document       string `json:"document,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	SandboxID      string `json:"sandbox_id,omitempty"`
	RelaySessionID string `json:"relay_session_id,omitempty"`
	RelayToken     string `json:"relay_token,omitempty"`
	RelayURL       string `json:"relay_url,omitempty"`
}

// Stream is an open NDJSON turn stream. Closing it releases the
// underlying response body.
type Stream struct {
	body io.ReadCloser
	rd   io.Reader
}

func (s *Stream) Read(p []byte) (int, error) { return s.rd.Read(p) }

func (s *Stream) Close() error { return s.body.Close() }

// Client wraps resty with retry support and a circuit breaker for
// calls to the agent service.
type Client struct {
	resty   *resty.Client
	breaker *resilience.Breaker
	baseURL string
	logger  *logging.Logger
}

// Config holds upstream connection settings.
type Config struct {
	BaseURL        string
	ConnectTimeout time.Duration
	RetryMax       int
}

// New creates a production-ready upstream client.
func New(cfg Config, logger *logging.Logger) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 15 * time.Second
	retryClient.Logger = nil

	restyClient := resty.New()
	restyClient.
		SetBaseURL(cfg.BaseURL).
		SetHeader("User-Agent", "PageRelay/1.0").
		SetHeader("Accept", "application/x-ndjson").
		SetHeader("Accept-Encoding", "gzip").
		SetTransport(retryClient.HTTPClient.Transport)

	named := logger.Named("upstream")
	breaker := resilience.New(resilience.Settings{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		OnStateChange: func(from, to resilience.State) {
			named.Warn(fmt.Sprintf("upstream circuit breaker: %s -> %s", from, to))
		},
	})

	return &Client{
		resty:   restyClient,
		breaker: breaker,
		baseURL: cfg.BaseURL,
		logger:  named,
	}
}

// OpenTurn starts a turn on the agent service and returns the event
// stream. The stream stays open past the request timeout; only the
// connection and response headers are bounded.
func (c *Client) OpenTurn(ctx context.Context, req TurnRequest) (io.ReadCloser, error) {
	var stream *Stream
	err := c.breaker.Do(func() error {
		resp, err := c.resty.R().
			SetContext(ctx).
			SetBody(req).
			SetDoNotParseResponse(true).
			Post("/v1/turn")
		if err != nil {
			return types.WrapError(types.CodeInternal, err, "upstream unreachable")
		}

		body := resp.RawBody()
		if resp.StatusCode() != http.StatusOK {
			defer body.Close()
			payload, _ := io.ReadAll(io.LimitReader(body, 4096))
			return types.NewError(types.CodeInternal,
				fmt.Sprintf("upstream returned %d: %s", resp.StatusCode(), payload))
		}

		rd := io.Reader(body)
		if resp.Header().Get("Content-Encoding") == "gzip" {
			gz, err := gzip.NewReader(body)
			if err != nil {
				body.Close()
				return types.WrapError(types.CodeInternal, err, "corrupt upstream encoding")
			}
			rd = gz
		}

		stream = &Stream{body: body, rd: rd}
		return nil
	})
	if err == resilience.ErrOpen {
		return nil, types.WrapError(types.CodeInternal, err, "upstream circuit open")
	}
	if err != nil {
		return nil, err
	}
	return stream, nil
}
