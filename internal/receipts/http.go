package receipts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
)

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("receipt download returned status %d", e.code)
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return false
}

// HTTPFetcher downloads receipts over HTTP. Relative references are joined to baseURL.
type HTTPFetcher struct {
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
	attempts uint
	delay    time.Duration
}

// NewHTTP returns an HTTPFetcher.
func NewHTTP(baseURL string, client *http.Client, logger *slog.Logger) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFetcher{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		logger:   logger.With("component", "receipts_http"),
		attempts: 2,
		delay:    500 * time.Millisecond,
	}
}

// Fetch implements Fetcher. Rate limiting and 5xx answers are retried once.
func (f *HTTPFetcher) Fetch(ctx context.Context, ref string) (*Receipt, error) {
	target := ref
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		if f.baseURL == "" {
			return nil, fmt.Errorf("relative receipt reference %q without a base URL", ref)
		}
		target = f.baseURL + "/" + strings.TrimLeft(ref, "/")
	}

	var receipt *Receipt
	err := retry.Do(
		func() error {
			r, err := f.get(ctx, target)
			if err != nil {
				return err
			}
			receipt = r
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(f.attempts),
		retry.Delay(f.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if retryable(err) {
				f.logger.Warn("receipt download failed, will retry", "url", target, "error", err)
				return true
			}
			return false
		}),
	)
	if err != nil {
		return nil, err
	}
	receipt.Filename = filename(ref)
	return receipt, nil
}

func (f *HTTPFetcher) get(ctx context.Context, target string) (*Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating receipt request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading receipt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &statusError{code: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading receipt: %w", err)
	}
	if len(data) > MaxSize {
		return nil, ErrTooLarge
	}
	return &Receipt{Data: data, ContentType: contentType(resp.Header.Get("Content-Type"), data)}, nil
}
