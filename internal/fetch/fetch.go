// Package fetch retrieves single URLs over HTTP without following redirects.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrBodyTooLarge is wrapped by the TransportError returned when a body
// exceeds Options.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("body too large")

const defaultUserAgent = "Mozilla/5.0 (compatible; go-mirror/1.0; +https://github.com/go-mirror)"

type Response struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) IsRedirect() bool { return r.Status >= 300 && r.Status < 400 }

// TransportError covers network failures and any status outside 2xx/3xx.
// Status is zero when no response was received.
type TransportError struct {
	URL     string
	Status  int
	Header  http.Header
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d: %s", e.URL, e.Status, e.Message)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Message)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Code is the short form stored in cache metadata.
func (e *TransportError) Code() string {
	if errors.Is(e.Err, ErrBodyTooLarge) {
		return "body_too_large"
	}
	if e.Status != 0 {
		return fmt.Sprintf("http_%d", e.Status)
	}
	return "network"
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}

type FetcherFunc func(ctx context.Context, url string) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string) (*Response, error) {
	return f(ctx, url)
}

type Options struct {
	Timeout        time.Duration
	UserAgent      string
	Retries        int
	InitialBackoff time.Duration
	MaxBodyBytes   int64
}

func DefaultOptions() Options {
	return Options{
		Timeout:        30 * time.Second,
		UserAgent:      defaultUserAgent,
		Retries:        2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBodyBytes:   64 << 20,
	}
}

type HTTPFetcher struct {
	client *http.Client
	opts   Options
	logger *slog.Logger
}

func NewHTTPFetcher(opts Options, logger *slog.Logger) *HTTPFetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		opts:   opts,
		logger: logger,
	}
}

// Fetch performs a GET. 2xx and 3xx responses are returned as is; network
// errors, 5xx and 429 are retried with exponential backoff.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Response, error) {
	policy := backoff.NewExponentialBackOff(backoff.WithInitialInterval(f.opts.InitialBackoff))
	var b backoff.BackOff = policy
	if f.opts.Retries >= 0 {
		b = backoff.WithMaxRetries(policy, uint64(f.opts.Retries))
	}

	attempt := 0
	return backoff.RetryWithData(func() (*Response, error) {
		attempt++
		resp, err := f.once(ctx, url)
		if err == nil {
			return resp, nil
		}
		var te *TransportError
		if errors.As(err, &te) && !retryable(te) {
			return nil, backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		f.logger.Debug("fetch attempt failed", "url", url, "attempt", attempt, "error", err)
		return nil, err
	}, backoff.WithContext(b, ctx))
}

func (f *HTTPFetcher) once(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &TransportError{URL: url, Message: err.Error(), Err: err}
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &TransportError{URL: url, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if f.opts.MaxBodyBytes > 0 {
		body = io.LimitReader(resp.Body, f.opts.MaxBodyBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &TransportError{URL: url, Status: resp.StatusCode, Header: resp.Header, Message: err.Error(), Err: err}
	}
	if f.opts.MaxBodyBytes > 0 && int64(len(data)) > f.opts.MaxBodyBytes {
		return nil, &TransportError{
			URL:     url,
			Status:  resp.StatusCode,
			Header:  resp.Header,
			Message: fmt.Sprintf("body exceeds %d bytes", f.opts.MaxBodyBytes),
			Err:     ErrBodyTooLarge,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil, &TransportError{
			URL:     url,
			Status:  resp.StatusCode,
			Header:  resp.Header,
			Message: http.StatusText(resp.StatusCode),
		}
	}

	return &Response{
		URL:    url,
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   data,
	}, nil
}

func retryable(e *TransportError) bool {
	if errors.Is(e.Err, ErrBodyTooLarge) {
		return false
	}
	if e.Status == 0 {
		return true
	}
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}
