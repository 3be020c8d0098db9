package chain

import (
	"net/http"

	"github.com/flockoff/validator/pkg/logger"
	"golang.org/x/time/rate"
)

// Option applies a configuration option to the HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) {
		if c != nil {
			h.http = c
		}
	}
}

// WithRateLimit throttles gateway calls to rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(h *HTTPClient) {
		if rps > 0 && burst > 0 {
			h.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l logger.Logger) Option {
	return func(h *HTTPClient) {
		if l != nil {
			h.logger = l
		}
	}
}
