package follow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/boardsync/internal/boardsync"
	"github.com/google/uuid"
)

type HTTPError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// RemoteClient reads boards from a boardsync server.
type RemoteClient interface {
	GetBoard(ctx context.Context, boardID string, backlog bool) (boardsync.BoardSnapshot, error)
	GetChanges(ctx context.Context, boardID string, since uint64, backlog bool) (boardsync.DeltaResult, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) GetBoard(ctx context.Context, boardID string, backlog bool) (boardsync.BoardSnapshot, error) {
	q := url.Values{}
	q.Set("backlog", strconv.FormatBool(backlog))
	var out boardsync.BoardSnapshot
	err := c.getJSON(ctx, fmt.Sprintf("/v1/boards/%s?%s", url.PathEscape(boardID), q.Encode()), &out)
	return out, err
}

func (c *HTTPClient) GetChanges(ctx context.Context, boardID string, since uint64, backlog bool) (boardsync.DeltaResult, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatUint(since, 10))
	q.Set("backlog", strconv.FormatBool(backlog))
	var out boardsync.DeltaResult
	err := c.getJSON(ctx, fmt.Sprintf("/v1/boards/%s/changes?%s", url.PathEscape(boardID), q.Encode()), &out)
	return out, err
}

// getJSON retries transport errors, 429 and 5xx up to maxRetries times.
func (c *HTTPClient) getJSON(ctx context.Context, requestPath string, out any) error {
	for attempt := 1; ; attempt++ {
		status, body, retryAfter, err := c.fetch(ctx, requestPath)
		retry := err != nil || status == http.StatusTooManyRequests || status >= 500
		if retry && attempt <= c.maxRetries && ctx.Err() == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff(attempt, retryAfter)):
			}
			continue
		}
		if err != nil {
			return err
		}
		if status/100 != 2 {
			httpErr := &HTTPError{StatusCode: status}
			_ = json.Unmarshal(body, httpErr)
			return httpErr
		}
		if out == nil || len(body) == 0 {
			return nil
		}
		return json.Unmarshal(body, out)
	}
}

func (c *HTTPClient) fetch(ctx context.Context, requestPath string) (int, []byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+requestPath, nil)
	if err != nil {
		return 0, nil, "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Correlation-Id", "follow_"+uuid.NewString())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, "", err
	}
	return resp.StatusCode, body, resp.Header.Get("Retry-After"), nil
}

// backoff doubles baseDelay per attempt. A Retry-After given in seconds by
// the server wins. Both are capped at maxDelay.
func (c *HTTPClient) backoff(attempt int, retryAfter string) time.Duration {
	if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && seconds > 0 {
		return min(time.Duration(seconds)*time.Second, c.maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt && delay < c.maxDelay; i++ {
		delay *= 2
	}
	return min(delay, c.maxDelay)
}
