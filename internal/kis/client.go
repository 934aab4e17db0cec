// Package kis talks to the KIS (Korea Investment & Securities) Open API:
// authentication, daily price history per asset class, and watchlist
// queries. All requests pass through one shared rate limiter.
package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jongtix/caa-collector-sub001/internal/config"
	"github.com/jongtix/caa-collector-sub001/internal/util"
)

const custType = "P" // personal account

const successCode = "0"

// Client issues authenticated GET requests against the KIS gateway. Every
// call first waits for a token from the shared rate limiter, so concurrent
// fetchers collectively stay under the upstream request ceiling.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *util.RateLimiter
	log        *slog.Logger
}

// NewClient creates a Client for the given gateway URL sharing the given
// limiter.
func NewClient(baseURL string, limiter *util.RateLimiter) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    limiter,
		log:        slog.Default().With("component", "kis-client"),
	}
}

// get performs a rate-limited GET against endpoint with the KIS auth headers
// and decodes the JSON body into out. A non-success embedded result code, an
// empty body, or an undecodable body all surface as *APIError.
func (c *Client) get(ctx context.Context, endpoint Endpoint, query url.Values, accessToken string, account config.Account, out response) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	u := c.baseURL + endpoint.Path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("content-type", "application/json; charset=utf-8")
	req.Header.Set("authorization", "Bearer "+accessToken)
	req.Header.Set("appkey", account.AppKey)
	req.Header.Set("appsecret", account.AppSecret)
	req.Header.Set("tr_id", endpoint.TrID)
	req.Header.Set("custtype", custType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", endpoint.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint.Path, err)
	}
	if len(body) == 0 {
		return &APIError{Message: "empty response body"}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &APIError{Message: fmt.Sprintf("undecodable response: %v", err)}
	}

	if out.resultCode() != successCode {
		return &APIError{Code: out.resultCode(), Message: out.message()}
	}

	return nil
}
