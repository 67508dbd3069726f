// Package tracker talks to the external task tracker: it lists tasks due for
// a user and writes task status back after an EOD report.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CheckinPipe/internal/models"
)

const (
	DefaultTimeout       = 15 * time.Second
	DefaultMaxRetryAfter = 30 * time.Second
	defaultRetryAfter    = time.Second
)

// ErrRateLimited is returned when the tracker still refuses after one retry,
// or asks for a wait longer than the configured limit.
var ErrRateLimited = errors.New("tracker rate limited")

// Opts holds configuration options for the tracker client.
type Opts struct {
	Token         string
	Timeout       time.Duration
	MaxRetryAfter time.Duration
	HTTPClient    *http.Client
}

// Option defines a configuration option for the tracker client.
type Option func(*Opts)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithMaxRetryAfter caps how long the client waits on a 429 before retrying.
func WithMaxRetryAfter(d time.Duration) Option {
	return func(o *Opts) { o.MaxRetryAfter = d }
}

// WithHTTPClient injects the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client is a small REST client for the task tracker.
type Client struct {
	baseURL       string
	token         string
	http          *http.Client
	maxRetryAfter time.Duration
	now           func() time.Time
}

// NewClient creates a tracker client rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	cfg := Opts{Timeout: DefaultTimeout, MaxRetryAfter: DefaultMaxRetryAfter}
	for _, opt := range opts {
		opt(&cfg)
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid tracker base url %q", baseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		token:         cfg.Token,
		http:          hc,
		maxRetryAfter: cfg.MaxRetryAfter,
		now:           time.Now,
	}, nil
}

type taskDTO struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	DueDate string `json:"due_date"`
	Status  string `json:"status"`
	URL     string `json:"url"`
}

type tasksResponse struct {
	Tasks []taskDTO `json:"tasks"`
}

// closedStatuses never count as overdue.
var closedStatuses = map[string]bool{"complete": true, "completed": true, "done": true, "closed": true}

// DueTasks lists the tasks due for userID between from and to, normalized and
// with overdue days counted from from's calendar day.
func (c *Client) DueTasks(ctx context.Context, userID string, from, to time.Time) ([]models.TrackerTask, error) {
	q := url.Values{}
	q.Set("due_from", models.DayKey(from))
	q.Set("due_to", models.DayKey(to))
	endpoint := fmt.Sprintf("%s/users/%s/tasks?%s", c.baseURL, url.PathEscape(userID), q.Encode())

	var body tasksResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &body); err != nil {
		return nil, err
	}

	today, _ := time.ParseInLocation(models.DayLayout, models.DayKey(from), time.UTC)
	out := make([]models.TrackerTask, 0, len(body.Tasks))
	for _, t := range body.Tasks {
		task := models.TrackerTask{
			ID:      t.ID,
			Name:    t.Name,
			DueDate: t.DueDate,
			Status:  t.Status,
			URL:     t.URL,
		}
		if due, err := time.ParseInLocation(models.DayLayout, t.DueDate, time.UTC); err == nil &&
			due.Before(today) && !closedStatuses[strings.ToLower(t.Status)] {
			task.IsOverdue = true
			task.DaysOverdue = int(today.Sub(due).Hours() / 24)
		}
		out = append(out, task)
	}
	slog.Debug("Client.DueTasks: fetched", "userID", userID, "count", len(out))
	return out, nil
}

type updateRequest struct {
	Status models.TrackerStatus `json:"status"`
	Reason string               `json:"reason,omitempty"`
}

// UpdateTask sets a task's status, with an optional reason code.
func (c *Client) UpdateTask(ctx context.Context, taskID string, status models.TrackerStatus, reason string) error {
	payload, err := json.Marshal(updateRequest{Status: status, Reason: reason})
	if err != nil {
		return fmt.Errorf("encode task update: %w", err)
	}
	endpoint := fmt.Sprintf("%s/tasks/%s/status", c.baseURL, url.PathEscape(taskID))
	if err := c.do(ctx, http.MethodPost, endpoint, payload, nil); err != nil {
		return err
	}
	slog.Info("Client.UpdateTask: status written", "taskID", taskID, "status", status)
	return nil
}

// do sends one request, retrying once when the tracker answers 429.
func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte, out any) error {
	for attempt := 0; ; attempt++ {
		resp, err := c.send(ctx, method, endpoint, payload)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			wait := retryAfter(resp.Header.Get("Retry-After"), c.now())
			drain(resp)
			if attempt > 0 || wait > c.maxRetryAfter {
				return fmt.Errorf("%w: %s %s", ErrRateLimited, method, endpoint)
			}
			slog.Warn("Client.do: rate limited, retrying", "endpoint", endpoint, "wait", wait)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}
		return decode(resp, method, endpoint, out)
	}
}

func decode(resp *http.Response, method, endpoint string, out any) error {
	defer drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("tracker %s %s: status %d: %s", method, endpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode tracker response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build tracker request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker %s %s: %w", method, endpoint, err)
	}
	return resp, nil
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryAfter
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
