// Package pricing consumes the external price-feed and fee-estimation
// service: spot prices by tick, network fee-rate estimates, and the
// free-quota voucher accounting.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// QuotaSummary reports an address's remaining free operations.
type QuotaSummary struct {
	Address   string `json:"address"`
	Remaining int    `json:"remaining"`
}

// Service is the pricing contract the sequencer consumes.
type Service interface {
	TickPrice(ctx context.Context, tick string) (float64, error)
	FeeRate(ctx context.Context) (float64, error)
	SatsPrice(ctx context.Context) (string, error)
	Quota(ctx context.Context, address string) (QuotaSummary, error)
	ConsumeQuota(ctx context.Context, address, opID string) error
}

// Client talks to the pricing service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (c *Client) TickPrice(ctx context.Context, tick string) (float64, error) {
	var resp struct {
		Price float64 `json:"price"`
	}
	path := "/v1/price?tick=" + url.QueryEscape(tick)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return 0, err
	}
	return resp.Price, nil
}

func (c *Client) FeeRate(ctx context.Context) (float64, error) {
	var resp struct {
		FeeRate float64 `json:"feeRate"`
	}
	if err := c.getJSON(ctx, "/v1/fee-rate", &resp); err != nil {
		return 0, err
	}
	return resp.FeeRate, nil
}

func (c *Client) SatsPrice(ctx context.Context) (string, error) {
	var resp struct {
		SatsPrice string `json:"satsPrice"`
	}
	if err := c.getJSON(ctx, "/v1/sats-price", &resp); err != nil {
		return "", err
	}
	return resp.SatsPrice, nil
}

func (c *Client) Quota(ctx context.Context, address string) (QuotaSummary, error) {
	var resp QuotaSummary
	path := "/v1/quota?address=" + url.QueryEscape(address)
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return QuotaSummary{}, err
	}
	return resp, nil
}

func (c *Client) ConsumeQuota(ctx context.Context, address, opID string) error {
	body := fmt.Sprintf(`{"address":%q,"opId":%q}`, address, opID)
	return c.postJSON(ctx, "/v1/quota/consume", body)
}

func (c *Client) postJSON(ctx context.Context, path, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pricing returned %s for %s", resp.Status, path)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pricing returned %s for %s", resp.Status, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Static serves fixed values; used in tests and offline runs.
type Static struct {
	Prices     map[string]float64
	Rate       float64
	Sats       string
	FreeQuota  map[string]int
	ConsumedBy map[string]string
}

func NewStatic(rate float64) *Static {
	return &Static{
		Prices:     make(map[string]float64),
		Rate:       rate,
		Sats:       "0",
		FreeQuota:  make(map[string]int),
		ConsumedBy: make(map[string]string),
	}
}

func (s *Static) TickPrice(_ context.Context, tick string) (float64, error) {
	if p, ok := s.Prices[tick]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("no price for tick %s", tick)
}

func (s *Static) FeeRate(context.Context) (float64, error) { return s.Rate, nil }

func (s *Static) SatsPrice(context.Context) (string, error) { return s.Sats, nil }

func (s *Static) Quota(_ context.Context, address string) (QuotaSummary, error) {
	return QuotaSummary{Address: address, Remaining: s.FreeQuota[address]}, nil
}

func (s *Static) ConsumeQuota(_ context.Context, address, opID string) error {
	if s.FreeQuota[address] <= 0 {
		return fmt.Errorf("no free quota for %s", address)
	}
	s.FreeQuota[address]--
	s.ConsumedBy[address] = opID
	return nil
}
