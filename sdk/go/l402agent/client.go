// Package l402agent is a small Go client for the l402d REST API.
package l402agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Paid requests wait for a Lightning payment, so it is
// longer than a typical REST timeout.
const DefaultHTTPTimeout = 2 * time.Minute

// Task statuses reported by the server.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Client wraps the HTTP interactions with the l402d REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Step is one tool call made by the agent while answering.
type Step struct {
	Thought     string          `json:"thought,omitempty"`
	Action      string          `json:"action"`
	ActionInput json.RawMessage `json:"action_input,omitempty"`
	Observation string          `json:"observation"`
}

// Failure describes why an answer could not be produced.
type Failure struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Retryable   bool   `json:"retryable"`
	PaymentHash string `json:"payment_hash,omitempty"`
	PaymentKind string `json:"payment_kind,omitempty"`
}

// Answer is the response of a synchronous question.
type Answer struct {
	ExecutionID string   `json:"execution_id"`
	Answer      string   `json:"answer"`
	Intent      string   `json:"intent,omitempty"`
	Steps       []Step   `json:"steps,omitempty"`
	Failure     *Failure `json:"failure,omitempty"`
}

// TaskSubmission represents the payload required to create a new task.
type TaskSubmission struct {
	ID       string         `json:"id,omitempty"`
	Question string         `json:"question"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskResult is the stored outcome of a succeeded task.
type TaskResult struct {
	ExecutionID string `json:"execution_id"`
	Answer      string `json:"answer"`
	Intent      string `json:"intent,omitempty"`
	Steps       []Step `json:"steps,omitempty"`
}

// Task contains the server side view of an asynchronous question.
type Task struct {
	ID         string         `json:"id"`
	Question   string         `json:"question"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	Terminal   bool           `json:"terminal,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     *TaskResult    `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Done reports whether the task will not change any more.
func (t Task) Done() bool {
	switch t.Status {
	case StatusSucceeded:
		return true
	case StatusFailed:
		return t.Terminal || t.Attempts >= t.MaxRetries
	}
	return false
}

// TaskFilter narrows ListTasks results. Zero values are ignored.
type TaskFilter struct {
	Limit    int
	Offset   int
	Statuses []string
	// ErrorCodes selects failed tasks by their last error code, e.g. PAYMENT_FAILED.
	ErrorCodes []string
	// Intent selects tasks whose answer took the given path, e.g. PAID_API.
	Intent string
	Query  string
}

// TaskStats aggregates task counts by status.
type TaskStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Exhausted counts failed tasks that will not be retried.
	Exhausted int `json:"exhausted"`
	// PaymentFailures counts tasks whose last error came from paying an invoice.
	PaymentFailures int `json:"payment_failures"`
}

// Payment is one entry in the payment ledger.
type Payment struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Host        string    `json:"host"`
	Path        string    `json:"path"`
	PaymentHash string    `json:"payment_hash,omitempty"`
	AmountSat   int64     `json:"amount_sat"`
	FeeSat      int64     `json:"fee_sat"`
	Status      string    `json:"status"`
	FailureKind string    `json:"failure_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("l402d api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("l402d api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the l402d API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Ask answers a question synchronously. A failed answer is not an error:
// inspect Answer.Failure.
func (c *Client) Ask(ctx context.Context, question string) (Answer, error) {
	var answer Answer
	payload := map[string]string{"question": question}
	if err := c.post(ctx, "/api/v1/ask", payload, &answer); err != nil {
		return Answer{}, err
	}
	return answer, nil
}

// SubmitTask queues a question for asynchronous processing. Submitting the
// same ID twice returns the existing task.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var created Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &created); err != nil {
		return Task{}, err
	}
	return created, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	if strings.TrimSpace(taskID) == "" {
		return Task{}, errors.New("l402agent: task id is empty")
	}
	var found Task
	if err := c.get(ctx, "/api/v1/tasks/"+taskID, nil, &found); err != nil {
		return Task{}, err
	}
	return found, nil
}

// ListTasks lists tasks, newest first.
func (c *Client) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	query := url.Values{}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		query.Set("offset", strconv.Itoa(filter.Offset))
	}
	if len(filter.Statuses) > 0 {
		query.Set("status", strings.Join(filter.Statuses, ","))
	}
	if len(filter.ErrorCodes) > 0 {
		query.Set("error_code", strings.Join(filter.ErrorCodes, ","))
	}
	if filter.Intent != "" {
		query.Set("intent", filter.Intent)
	}
	if filter.Query != "" {
		query.Set("q", filter.Query)
	}
	var tasks []Task
	if err := c.get(ctx, "/api/v1/tasks", query, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// TaskStats returns task counts by status.
func (c *Client) TaskStats(ctx context.Context) (TaskStats, error) {
	var stats TaskStats
	if err := c.get(ctx, "/api/v1/tasks/stats", nil, &stats); err != nil {
		return TaskStats{}, err
	}
	return stats, nil
}

// WaitForTask polls the task until it is done or ctx ends.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		found, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if found.Done() {
			return found, nil
		}
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListPayments returns the most recent payment attempts.
func (c *Client) ListPayments(ctx context.Context, limit int) ([]Payment, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var payments []Payment
	if err := c.get(ctx, "/api/v1/payments", query, &payments); err != nil {
		return nil, err
	}
	return payments, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
