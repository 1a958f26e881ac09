// Package inscribe submits sealed commits to the wallet service that
// constructs and broadcasts the inscription transaction.
package inscribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"swapSequencer/internal/model"
)

// Sender is the publication contract: Push submits a sealed commit and
// returns the assigned inscription id; IsCommitting reports whether a
// publication is in flight.
type Sender interface {
	Push(ctx context.Context, commit *model.Commit) (string, error)
	IsCommitting() bool
}

// Client publishes commits through an HTTP wallet service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	inflight   atomic.Bool
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Push submits the commit payload for inscription. Exactly one push
// runs at a time; IsCommitting is true for its duration.
func (c *Client) Push(ctx context.Context, commit *model.Commit) (string, error) {
	if !c.inflight.CompareAndSwap(false, true) {
		return "", fmt.Errorf("publication already in flight")
	}
	defer c.inflight.Store(false)

	payload, err := json.Marshal(commit.Op)
	if err != nil {
		return "", fmt.Errorf("marshal commit: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/inscribe", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("inscriber returned %s", resp.Status)
	}

	var out struct {
		InscriptionID string `json:"inscriptionId"`
		TxID          string `json:"txid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode inscribe response: %w", err)
	}
	if out.InscriptionID == "" {
		return "", fmt.Errorf("inscriber returned empty inscription id")
	}

	c.logger.Info("commit inscribed",
		zap.String("parent", commit.Op.Parent),
		zap.String("inscription_id", out.InscriptionID),
		zap.String("txid", out.TxID))
	commit.TxID = out.TxID
	return out.InscriptionID, nil
}

// IsCommitting reports whether a publication is in flight.
func (c *Client) IsCommitting() bool { return c.inflight.Load() }
