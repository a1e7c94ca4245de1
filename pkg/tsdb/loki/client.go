package loki

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/grafana/queryrunner/pkg/infra/log"
	"github.com/grafana/queryrunner/pkg/plugins"
)

const (
	queryPath      = "/loki/api/v1/query"
	queryRangePath = "/loki/api/v1/query_range"
	tailPath       = "/loki/api/v1/tail"
)

type lokiClient struct {
	httpClient *http.Client
	dialer     *websocket.Dialer
	url        *url.URL

	basicAuthUser     string
	basicAuthPassword string
	tenantID          string
	log               log.Logger
}

func newLokiClient(settings plugins.InstanceSettings, httpClient *http.Client, logger log.Logger) (*lokiClient, error) {
	if settings.URL == "" {
		return nil, errInvalidSettings.Errorf("loki data source %q has no url", settings.Name)
	}
	u, err := url.Parse(settings.URL)
	if err != nil {
		return nil, errInvalidSettings.Errorf("failed to parse loki url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &lokiClient{
		httpClient:        httpClient,
		dialer:            websocket.DefaultDialer,
		url:               u,
		basicAuthUser:     settings.BasicAuthUser,
		basicAuthPassword: settings.BasicAuthPassword,
		tenantID:          settings.TenantID,
		log:               logger,
	}, nil
}

func (c *lokiClient) setAuthAndTenantHeaders(h http.Header) {
	if c.basicAuthUser != "" || c.basicAuthPassword != "" {
		req := http.Request{Header: h}
		req.SetBasicAuth(c.basicAuthUser, c.basicAuthPassword)
	}
	if c.tenantID != "" {
		h.Set("X-Scope-OrgID", c.tenantID)
	}
}

func (c *lokiClient) rangeQuery(ctx context.Context, expr string, start, end time.Time, limit int64, step time.Duration, direction string) (*queryResponse, error) {
	params := url.Values{}
	params.Set("query", expr)
	params.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	params.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	if limit > 0 {
		params.Set("limit", strconv.FormatInt(limit, 10))
	}
	if step > 0 {
		params.Set("step", strconv.FormatFloat(step.Seconds(), 'f', -1, 64))
	}
	if direction != "" {
		params.Set("direction", direction)
	}
	return c.doQuery(ctx, queryRangePath, params)
}

func (c *lokiClient) instantQuery(ctx context.Context, expr string, at time.Time, limit int64) (*queryResponse, error) {
	params := url.Values{}
	params.Set("query", expr)
	params.Set("time", strconv.FormatInt(at.UnixNano(), 10))
	if limit > 0 {
		params.Set("limit", strconv.FormatInt(limit, 10))
	}
	return c.doQuery(ctx, queryPath, params)
}

func (c *lokiClient) doQuery(ctx context.Context, path string, params url.Values) (*queryResponse, error) {
	u := c.url.JoinPath(path)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create loki request: %w", err)
	}
	c.setAuthAndTenantHeaders(req.Header)

	c.log.Debug("Sending query to loki", "path", path, "query", params.Get("query"))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errLokiRequest.Errorf("failed to send request to loki: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.log.Warn("Failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errLokiRequest.Errorf("loki returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var res queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, errLokiResponse.Errorf("failed to decode loki response: %w", err)
	}
	if res.Status != "" && res.Status != "success" {
		return nil, errLokiResponse.Errorf("loki query failed: %s", res.Error)
	}
	return &res, nil
}

// tail opens a live tail websocket for expr starting at start.
func (c *lokiClient) tail(ctx context.Context, expr string, start time.Time, limit int64) (*websocket.Conn, error) {
	u := c.url.JoinPath(tailPath)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	params := url.Values{}
	params.Set("query", expr)
	params.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	if limit > 0 {
		params.Set("limit", strconv.FormatInt(limit, 10))
	}
	u.RawQuery = params.Encode()

	h := http.Header{}
	c.setAuthAndTenantHeaders(h)

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), h)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, errLokiRequest.Errorf("loki tail failed with status %d: %s (%w)", resp.StatusCode, strings.TrimSpace(string(body)), err)
		}
		return nil, errLokiRequest.Errorf("failed to open loki tail: %w", err)
	}
	return conn, nil
}

func (c *lokiClient) close() {
	c.httpClient.CloseIdleConnections()
}
