// Package room resolves the liveness and real room ID of a Douyin live
// room through the web enter endpoint, the same call the site's own
// frontend makes before opening a push connection.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://live.douyin.com"
	enterPath      = "/webcast/room/web/enter/"

	// Body marker the endpoint serves instead of JSON when it refuses
	// the request.
	busyMarker = "系统繁忙"
)

// Resolver answers whether a room is live and under which real ID.
type Resolver interface {
	Resolve(ctx context.Context, webRID string) (*Status, error)
}

// Status is the distilled answer of the enter endpoint.
type Status struct {
	WebRID     string
	RealRoomID string
	Live       bool
	Title      string
	AnchorName string
}

// HTTPClient is the production Resolver.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	cookies    CookieProvider
	limiter    *rate.Limiter
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewClient builds a Resolver against the public endpoint. cookies may
// be nil when no account cookie is available.
func NewClient(cookies CookieProvider, timeout, retryDelay time.Duration, retryCount int, logger *zap.Logger) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:    10,
		MaxConnsPerHost: 2,
		IdleConnTimeout: 90 * time.Second,
	}

	return &HTTPClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL:    defaultBaseURL,
		cookies:    cookies,
		limiter:    rate.NewLimiter(rate.Limit(1), 2),
		retryCount: retryCount,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// SetBaseURL points the client at a different host. Tests use this to
// run against a local server.
func (c *HTTPClient) SetBaseURL(base string) { c.baseURL = base }

// enterResponse mirrors the slice of the payload the client reads. The
// endpoint returns far more; everything else is ignored.
type enterResponse struct {
	Data struct {
		Data []struct {
			IDStr  string `json:"id_str"`
			Status int    `json:"status"`
			Title  string `json:"title"`
			Owner  struct {
				Nickname string `json:"nickname"`
			} `json:"owner"`
		} `json:"data"`
	} `json:"data"`
}

// Resolve queries the enter endpoint for webRID. A room that exists but
// is not streaming resolves with Live=false; an unusable answer is
// ErrUnavailable. Network-level failures and 5xx are retried with
// exponential backoff before giving up.
func (c *HTTPClient) Resolve(ctx context.Context, webRID string) (*Status, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	reqURL := c.enterURL(webRID)
	c.logger.Debug("resolving room", zap.String("web_rid", webRID))

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1))
			c.logger.Debug("retrying room resolve",
				zap.Int("attempt", attempt), zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		status, retryable, err := c.resolveOnce(ctx, reqURL, webRID)
		if err == nil {
			return status, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *HTTPClient) resolveOnce(ctx context.Context, reqURL, webRID string) (*Status, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("creating request: %w", err)
	}
	cookie := ""
	if c.cookies != nil {
		cookie = c.cookies.Cookie()
	}
	BrowserHeaders(req.Header, RandomUA(), cookie)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, true, readErr
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, ErrNotFound
	}
	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("server error: %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}
	if strings.Contains(string(body), busyMarker) {
		return nil, false, fmt.Errorf("%w: endpoint busy", ErrUnavailable)
	}

	var enter enterResponse
	if err := json.Unmarshal(body, &enter); err != nil {
		return nil, false, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	if len(enter.Data.Data) == 0 {
		return nil, false, fmt.Errorf("%w: empty room payload", ErrUnavailable)
	}

	info := enter.Data.Data[0]
	realID := info.IDStr
	if realID == "" {
		realID = webRID
	}
	status := &Status{
		WebRID:     webRID,
		RealRoomID: realID,
		Live:       info.Status == 2,
		Title:      info.Title,
		AnchorName: info.Owner.Nickname,
	}
	c.logger.Debug("room resolved",
		zap.String("real_room_id", status.RealRoomID),
		zap.Bool("live", status.Live))
	return status, false, nil
}

func (c *HTTPClient) enterURL(webRID string) string {
	q := url.Values{}
	q.Set("aid", "6383")
	q.Set("live_id", "1")
	q.Set("device_platform", "web")
	q.Set("language", "zh-CN")
	q.Set("enter_from", "web_live")
	q.Set("cookie_enabled", "true")
	q.Set("screen_width", "1920")
	q.Set("screen_height", "1080")
	q.Set("browser_language", "zh-CN")
	q.Set("browser_platform", "Win32")
	q.Set("browser_name", "Chrome")
	q.Set("browser_version", "109.0.0.0")
	q.Set("web_rid", webRID)
	q.Set("enter_source", "")
	q.Set("Room-Enter-User-Login-Ab", "1")
	q.Set("is_need_double_stream", "false")
	q.Set("a_bogus", "0")
	return c.baseURL + enterPath + "?" + q.Encode()
}
