package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/flockoff/validator/internal/domain/model"
	"github.com/flockoff/validator/pkg/logger"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

// HTTPClient is a Client backed by a JSON ledger gateway.
type HTTPClient struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	logger  logger.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a gateway client rooted at baseURL.
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type blockResponse struct {
	Block uint64 `json:"block"`
}

type participantJSON struct {
	UID     int    `json:"uid"`
	Hotkey  string `json:"hotkey"`
	Coldkey string `json:"coldkey"`
}

type metagraphResponse struct {
	Participants []participantJSON `json:"participants"`
}

type commitmentJSON struct {
	Data      string `json:"data"`
	Block     uint64 `json:"block"`
	Timestamp int64  `json:"timestamp"`
}

type weightsRequest struct {
	UIDs    []int     `json:"uids"`
	Weights []float64 `json:"weights"`
	Salt    []int     `json:"salt"`
}

// CurrentBlock implements Client.
func (c *HTTPClient) CurrentBlock(ctx context.Context) (uint64, error) {
	var out blockResponse
	if _, err := c.do(ctx, http.MethodGet, "/block", nil, &out); err != nil {
		return 0, err
	}
	return out.Block, nil
}

// NextEpochStartBlock implements Client.
func (c *HTTPClient) NextEpochStartBlock(ctx context.Context, netuid int) (uint64, error) {
	var out blockResponse
	if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/subnets/%d/next_epoch", netuid), nil, &out); err != nil {
		return 0, err
	}
	return out.Block, nil
}

// Metagraph implements Client.
func (c *HTTPClient) Metagraph(ctx context.Context, netuid int) ([]model.Participant, error) {
	var out metagraphResponse
	if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/subnets/%d/metagraph", netuid), nil, &out); err != nil {
		return nil, err
	}
	ps := make([]model.Participant, len(out.Participants))
	for i, p := range out.Participants {
		ps[i] = model.Participant{UID: p.UID, Hotkey: p.Hotkey, Coldkey: p.Coldkey}
	}
	return ps, nil
}

// SubmissionMetadata implements Client.
func (c *HTTPClient) SubmissionMetadata(ctx context.Context, netuid int, hotkey string) (model.Optional[model.Metadata], error) {
	var out commitmentJSON
	path := fmt.Sprintf("/subnets/%d/commitments/%s", netuid, url.PathEscape(hotkey))
	status, err := c.do(ctx, http.MethodGet, path, nil, &out)
	if status == http.StatusNotFound {
		return model.None[model.Metadata](), nil
	}
	if err != nil {
		return model.None[model.Metadata](), err
	}
	md, err := DecodeCommitment(out.Data, out.Block, out.Timestamp)
	if err != nil {
		return model.None[model.Metadata](), err
	}
	return model.Some(md), nil
}

// CommitWeights implements Client.
func (c *HTTPClient) CommitWeights(ctx context.Context, netuid int, uids []int, weights []float64, salt []byte) (Result, error) {
	return c.weights(ctx, fmt.Sprintf("/subnets/%d/weights/commit", netuid), uids, weights, salt)
}

// RevealWeights implements Client.
func (c *HTTPClient) RevealWeights(ctx context.Context, netuid int, uids []int, weights []float64, salt []byte) (Result, error) {
	return c.weights(ctx, fmt.Sprintf("/subnets/%d/weights/reveal", netuid), uids, weights, salt)
}

func (c *HTTPClient) weights(ctx context.Context, path string, uids []int, weights []float64, salt []byte) (Result, error) {
	req := weightsRequest{UIDs: uids, Weights: weights, Salt: make([]int, len(salt))}
	for i, b := range salt {
		req.Salt[i] = int(b)
	}
	var out Result
	if _, err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return Result{}, err
	}
	return out, nil
}

// StoreSubmissionMetadata implements Client.
func (c *HTTPClient) StoreSubmissionMetadata(ctx context.Context, netuid int, commitment string) error {
	var out Result
	if _, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/subnets/%d/commitments", netuid),
		map[string]string{"data": commitment}, &out); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("%w: %s", ErrRejected, out.Message)
	}
	return nil
}

// do sends one throttled JSON request and decodes a 2xx body into out.
// The HTTP status is returned even on error so callers can branch on 404.
func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limit: %w", err)
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %s: %w", ErrGateway, method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug(ctx, "gateway call",
		logger.String("method", method),
		logger.String("path", path),
		logger.Int("status", resp.StatusCode),
		logger.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, fmt.Errorf("%w: %s %s: status %d: %s",
			ErrGateway, method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: decode %s: %w", ErrGateway, path, err)
		}
	}
	return resp.StatusCode, nil
}
