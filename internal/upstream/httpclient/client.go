// Package httpclient reads subscriptions from a remote upstream service over JSON/HTTP.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	obstracing "github.com/smallbiznis/poolsync/internal/observability/tracing"
	"github.com/smallbiznis/poolsync/internal/upstream"
	"go.uber.org/zap"
)

const maxErrorBody = 512

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
	log        *zap.Logger
}

func New(cfg Config, log *zap.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL:    base,
		token:      strings.TrimSpace(cfg.Token),
		timeout:    timeout,
		httpClient: obstracing.WrapHTTPClient(&http.Client{}),
		log:        log.Named("upstream.http"),
	}, nil
}

// ListSubscriptions fetches GET {base}/owners/{key}/subscriptions. Any
// transport failure, timeout, non-2xx status or undecodable body is reported
// as upstream.ErrUnavailable so the caller never applies a partial set.
func (c *Client) ListSubscriptions(ctx context.Context, ownerKey string) ([]*upstream.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + "/owners/" + url.PathEscape(ownerKey) + "/subscriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", upstream.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: status %d: %s", upstream.ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var subs []*upstream.Subscription
	if err := json.NewDecoder(resp.Body).Decode(&subs); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", upstream.ErrUnavailable, err)
	}

	c.log.Debug("subscriptions fetched",
		zap.String("owner_key", ownerKey),
		zap.Int("count", len(subs)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return subs, nil
}

var _ upstream.Connector = (*Client)(nil)
