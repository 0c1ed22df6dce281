package encore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/encore/config"
	"goflare.io/encore/models"
)

// Fetcher retrieves an asset's bytes when they are not cached. A failed
// fetch is surfaced as an error and never retried here; retrying is the
// caller's call.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*models.FetchResult, error)
}

// ProxyFetcher routes every request through the same-origin proxy endpoint
// so CORS and credential concerns stay centralized, with a circuit breaker
// so a dead proxy fails fast instead of tying up preload passes.
type ProxyFetcher struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewProxyFetcher builds the adapter from the engine configuration.
func NewProxyFetcher(cfg *config.Config) *ProxyFetcher {
	return &ProxyFetcher{
		baseURL: cfg.ProxyBaseURL,
		client:  &http.Client{Timeout: cfg.FetchTimeout},
		breaker: gobreaker.NewCircuitBreaker(cfg.BreakerConfig),
		logger:  cfg.Logger,
	}
}

func (f *ProxyFetcher) Fetch(ctx context.Context, url string) (*models.FetchResult, error) {
	res, err := f.breaker.Execute(func() (any, error) {
		return f.fetch(ctx, url)
	})
	if err != nil {
		return nil, err
	}
	return res.(*models.FetchResult), nil
}

func (f *ProxyFetcher) fetch(ctx context.Context, url string) (*models.FetchResult, error) {
	endpoint := f.baseURL + "?url=" + neturl.QueryEscape(url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%w: proxy returned status %d", ErrFetchFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrFetchFailed, err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return &models.FetchResult{Data: data, MIMEType: mimeType}, nil
}
