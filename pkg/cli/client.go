package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/berth/pkg/httputil"
	"github.com/platinummonkey/berth/pkg/lifecycle"
	"github.com/platinummonkey/berth/pkg/plugins"
)

// Client talks to the HTTP API of a running berth server
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
	}
}

// Client returns a client for --server, or for server.addr when unset
func (a *App) Client() (*Client, error) {
	cfg, err := a.Config()
	if err != nil {
		return nil, err
	}
	base := a.serverURL
	if base == "" {
		base = "http://" + cfg.Server.Addr
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", base, err)
	}
	return NewClient(base, cfg.Lifecycle.OperationTimeout), nil
}

// PluginAction posts a runtime action (load, unload, reload, enable,
// disable) for a plugin and returns its resulting status
func (c *Client) PluginAction(ctx context.Context, pluginID, action string) (*lifecycle.Status, error) {
	path := fmt.Sprintf("/api/v1/plugins/%s/%s", url.PathEscape(pluginID), action)
	var st lifecycle.Status
	if err := c.do(ctx, http.MethodPost, path, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Plugins lists the plugins managed by the server
func (c *Client) Plugins(ctx context.Context) ([]lifecycle.Status, error) {
	var out []lifecycle.Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/plugins", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return plugins.Wrap(plugins.TransportFailure, method+" "+path, err, "is berth serve running at %s?", c.baseURL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return plugins.Wrap(plugins.TransportFailure, method+" "+path, err, "failed to read response")
	}

	if resp.StatusCode >= 400 {
		var e httputil.ErrorResponse
		if json.Unmarshal(body, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(body))
		}
		return plugins.Errorf(plugins.Kind(e.Kind), method+" "+path, "server returned %d: %s", resp.StatusCode, e.Error)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
