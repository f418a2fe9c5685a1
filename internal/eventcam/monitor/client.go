package monitor

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/eventcam.bridge/internal/httputil"
)

// Client reads a converter's status endpoints.
type Client struct {
	HTTP    httputil.HTTPClient
	BaseURL string
}

// NewClient creates a status client. A nil httpClient gets a 10s timeout.
func NewClient(httpClient httputil.HTTPClient, baseURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{HTTP: httpClient, BaseURL: strings.TrimRight(baseURL, "/")}
}

// Status fetches GET /api/stats.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := httputil.GetJSON(ctx, c.HTTP, c.BaseURL+"/api/stats", &out)
	return out, err
}

// History fetches GET /api/stats/history.
func (c *Client) History(ctx context.Context) ([]StatsSnapshot, error) {
	var out []StatsSnapshot
	err := httputil.GetJSON(ctx, c.HTTP, c.BaseURL+"/api/stats/history", &out)
	return out, err
}
