package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/Cheese-PvP-Relay/internal/domain"
)

// HeaderProvider allows injecting per-request headers (auth tokens etc).
type HeaderProvider func() map[string]string

// HTTPStore forwards score deltas to an external profile service.
//
//	POST {base}/scores/apply       body: scoreDeltaJSON, 409 = already settled
//	GET  {base}/scores/{identity}  404 = unknown identity
type HTTPStore struct {
	baseURL string
	http    *fasthttp.Client
	headers HeaderProvider

	defaultTimeout time.Duration
	retryMax       int
}

type HTTPOption func(*HTTPStore)

func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPStore) { c.defaultTimeout = d }
}

func WithHeaderProvider(h HeaderProvider) HTTPOption {
	return func(c *HTTPStore) { c.headers = h }
}

func WithRetry(max int) HTTPOption {
	return func(c *HTTPStore) { c.retryMax = max }
}

// WithDial overrides the dialer; tests use an in-memory listener.
func WithDial(dial fasthttp.DialFunc) HTTPOption {
	return func(c *HTTPStore) { c.http.Dial = dial }
}

func NewHTTPStore(baseURL string, opts ...HTTPOption) *HTTPStore {
	c := &HTTPStore{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second, MaxConnsPerHost: 32},
		defaultTimeout: 5 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type scoreDeltaJSON struct {
	SessionID string    `json:"sessionId"`
	Identity  string    `json:"identity"`
	Result    string    `json:"result"`
	Points    int       `json:"points"`
	At        time.Time `json:"at"`
}

type playerScoreJSON struct {
	Identity    string    `json:"identity"`
	Points      int       `json:"points"`
	Wins        int       `json:"wins"`
	Losses      int       `json:"losses"`
	Draws       int       `json:"draws"`
	Resigns     int       `json:"resigns"`
	GamesPlayed int       `json:"gamesPlayed"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("profile api error: status=%d body=%s", e.status, e.body)
}

func (c *HTTPStore) Apply(ctx context.Context, d domain.ScoreDelta) error {
	if strings.TrimSpace(d.Identity) == "" {
		return ErrInvalidIdentity
	}
	if d.At.IsZero() {
		d.At = time.Now()
	}
	body := scoreDeltaJSON{SessionID: d.SessionID, Identity: strings.TrimSpace(d.Identity), Result: d.Result, Points: d.Points, At: d.At}
	headers := map[string]string{"Idempotency-Key": d.SessionID + ":" + body.Identity}
	err := c.doJSON(ctx, fasthttp.MethodPost, "/scores/apply", headers, body, nil, true)
	var se *statusError
	if errors.As(err, &se) && se.status == fasthttp.StatusConflict {
		return ErrDuplicate
	}
	return err
}

func (c *HTTPStore) Get(ctx context.Context, identity string) (*domain.PlayerScore, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, ErrInvalidIdentity
	}
	var out playerScoreJSON
	err := c.doJSON(ctx, fasthttp.MethodGet, "/scores/"+url.PathEscape(identity), nil, nil, &out, true)
	var se *statusError
	if errors.As(err, &se) && se.status == fasthttp.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.PlayerScore{
		Identity:    out.Identity,
		Points:      out.Points,
		Wins:        out.Wins,
		Losses:      out.Losses,
		Draws:       out.Draws,
		Resigns:     out.Resigns,
		GamesPlayed: out.GamesPlayed,
		CreatedAt:   out.CreatedAt,
		UpdatedAt:   out.UpdatedAt,
	}, nil
}

func (c *HTTPStore) doJSON(ctx context.Context, method, path string, extra map[string]string, in any, out any, retry bool) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.SetContentType("application/json")
	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := 1
	if retry && c.retryMax > 0 {
		attempts = c.retryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx)); err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			if attempt == attempts {
				return lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			err := &statusError{status: status, body: truncate(string(resp.Body()), 512)}
			if attempt == attempts || !shouldRetryStatus(status) {
				return err
			}
			lastErr = err
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func (c *HTTPStore) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 50 * time.Millisecond // 50ms, 100ms ...
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
