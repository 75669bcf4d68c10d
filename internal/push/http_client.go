package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/sumire/notifications/internal/domain"
)

// HTTPConfig configures HTTPClient.
type HTTPConfig struct {
	URL         string
	AccessToken string
	// RateLimit caps batch requests per second. Zero disables throttling.
	RateLimit float64
	Timeout   time.Duration
}

// HTTPClient talks to the gateway's JSON batch endpoint.
type HTTPClient struct {
	url     string
	http    *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient creates a gateway client. When cfg.AccessToken is set every
// request carries it as a bearer token.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	base := &http.Client{Timeout: cfg.Timeout}
	client := base
	if cfg.AccessToken != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.AccessToken,
			TokenType:   "Bearer",
		}))
		client.Timeout = cfg.Timeout
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}

	return &HTTPClient{url: cfg.URL, http: client, limiter: limiter}
}

type sendResponse struct {
	Data   []Ticket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// SendBatch posts messages as one JSON array.
func (c *HTTPClient) SendBatch(ctx context.Context, messages []Message) ([]Ticket, error) {
	if len(messages) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds gateway limit %d", len(messages), MaxBatchSize)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit wait: %v", domain.ErrGatewayTransport, err)
		}
	}

	payload, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrGatewayTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrGatewayTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: gateway returned status %d", domain.ErrGatewayTransport, resp.StatusCode)
	}

	var out sendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domain.ErrGatewayTransport, err)
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s: %s", domain.ErrGatewayTransport, out.Errors[0].Code, out.Errors[0].Message)
	}

	return out.Data, nil
}
