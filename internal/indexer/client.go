// Package indexer is the client of the external system of record that
// independently derives balances from the on-chain inscription log and
// cross-verifies the sequencer's computations.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"swapSequencer/internal/model"
)

// HealthStatus is the indexer's self-reported state.
type HealthStatus string

const (
	HealthOK      HealthStatus = "ok"
	HealthSyncing HealthStatus = "syncing"
	HealthError   HealthStatus = "error"
)

// VerifyRequest carries the serialized commits and their aggregated
// results for cross-checking.
type VerifyRequest struct {
	Commits []model.CommitOp          `json:"commits"`
	Results [][]model.OperationResult `json:"results"`
}

// VerifyResponse is the indexer's verdict.
type VerifyResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

type indexedResponse struct {
	InscriptionID string `json:"inscriptionId"`
	Height        uint64 `json:"height"`
}

// Client talks to the indexer over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	maxRetries int
	backoff    time.Duration
}

func NewClient(baseURL string, timeout time.Duration, maxRetries int, backoff time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// Verify submits commits and results for verification. A transport
// failure is retried with backoff; a negative verdict is returned as
// (false, nil) and left to the caller's policy.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (bool, error) {
	var resp VerifyResponse
	err := withRetry(ctx, c.maxRetries, c.backoff, func(ctx context.Context) error {
		err := c.postJSON(ctx, "/v1/verify", req, &resp)
		if err != nil {
			c.logger.Warn("verify request failed", zap.Error(err))
		}
		return err
	})
	if err != nil {
		return false, err
	}
	if !resp.Valid {
		c.logger.Warn("verification rejected", zap.String("reason", resp.Reason))
	}
	return resp.Valid, nil
}

// Health fetches the indexer's health status.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var resp struct {
		Status HealthStatus `json:"status"`
	}
	if err := c.getJSON(ctx, "/v1/health", &resp); err != nil {
		return HealthError, err
	}
	return resp.Status, nil
}

// LastIndexed returns the newest commit inscription the indexer has
// observed, with its height.
func (c *Client) LastIndexed(ctx context.Context) (string, uint64, error) {
	var resp indexedResponse
	if err := c.getJSON(ctx, "/v1/commits/latest", &resp); err != nil {
		return "", 0, err
	}
	return resp.InscriptionID, resp.Height, nil
}

// Deposits lists confirmed transfers into the module with heights in
// [from, to].
func (c *Client) Deposits(ctx context.Context, from, to uint64) ([]model.DepositEvent, error) {
	var resp struct {
		Deposits []model.DepositEvent `json:"deposits"`
	}
	path := fmt.Sprintf("/v1/deposits?from=%d&to=%d", from, to)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Deposits, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("indexer returned %s for %s", resp.Status, req.URL.Path)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return permanent(err)
		}
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
