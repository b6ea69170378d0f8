package caplinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal capline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Runs can take a while, so the
// timeout is wider than a typical API client's.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  5 * time.Minute,
	}
}

type Capability struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	Category        string `json:"category"`
	ExecutionMode   string `json:"execution_mode"`
	RiskClass       string `json:"risk_class"`
	DryRunSupported bool   `json:"dry_run_supported,omitempty"`
}

type PreflightResult struct {
	Passed      bool            `json:"passed"`
	Failures    []string        `json:"failures,omitempty"`
	Remediation string          `json:"remediation,omitempty"`
	Permissions map[string]bool `json:"permissions,omitempty"`
}

type RunRecord struct {
	ID                 string            `json:"id"`
	Timestamp          string            `json:"timestamp"`
	CapabilityID       string            `json:"capability_id"`
	CapabilityTitle    string            `json:"capability_title"`
	Privilege          string            `json:"privilege"`
	Arguments          map[string]string `json:"arguments,omitempty"`
	DryRun             bool              `json:"dry_run,omitempty"`
	Status             string            `json:"status"`
	ExitCode           int               `json:"exit_code"`
	DurationMS         int64             `json:"duration_ms"`
	StdoutPreview      string            `json:"stdout_preview,omitempty"`
	StderrPreview      string            `json:"stderr_preview,omitempty"`
	StdoutPath         string            `json:"stdout_path,omitempty"`
	StderrPath         string            `json:"stderr_path,omitempty"`
	OutputSize         int64             `json:"output_size"`
	ParsedSummary      string            `json:"parsed_summary,omitempty"`
	PreviousRecordHash *string           `json:"previous_record_hash,omitempty"`
	RecordHash         string            `json:"record_hash"`
}

type RunResult struct {
	CapabilityID string          `json:"capability_id"`
	ExitCode     int             `json:"exit_code"`
	Stdout       string          `json:"stdout"`
	Stderr       string          `json:"stderr"`
	Parsed       json.RawMessage `json:"parsed,omitempty"`
	Record       RunRecord       `json:"record"`
}

type RunOptions struct {
	Arguments      map[string]string `json:"arguments,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	DryRun         bool              `json:"dry_run,omitempty"`
}

type RecordPage struct {
	Items      []RunRecord `json:"items"`
	NextOffset int         `json:"next_offset"`
}

type RecordQuery struct {
	CapabilityID string
	Statuses     []string
	Limit        int
	Offset       int
}

type ChainBreak struct {
	Index    int    `json:"index"`
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}

type VerifyResult struct {
	OK      bool         `json:"ok"`
	Checked int          `json:"checked"`
	Breaks  []ChainBreak `json:"breaks"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListCapabilities returns the allowlist. Empty filters match everything.
func (c *Client) ListCapabilities(ctx context.Context, category, risk, mode string) ([]Capability, error) {
	q := url.Values{}
	setIf(q, "category", category)
	setIf(q, "risk", risk)
	setIf(q, "mode", mode)
	var resp []Capability
	err := c.do(ctx, http.MethodGet, withQuery("capabilities", q), nil, &resp)
	return resp, err
}

func (c *Client) Capability(ctx context.Context, id string) (Capability, error) {
	var resp Capability
	err := c.do(ctx, http.MethodGet, "capabilities/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) Check(ctx context.Context, id string) (PreflightResult, error) {
	var resp PreflightResult
	err := c.do(ctx, http.MethodPost, "capabilities/"+url.PathEscape(id)+"/check", nil, &resp)
	return resp, err
}

func (c *Client) Run(ctx context.Context, id string, opts RunOptions) (RunResult, error) {
	var resp RunResult
	err := c.do(ctx, http.MethodPost, "capabilities/"+url.PathEscape(id)+"/run", opts, &resp)
	return resp, err
}

func (c *Client) Records(ctx context.Context, query RecordQuery) (RecordPage, error) {
	q := url.Values{}
	setIf(q, "capability_id", query.CapabilityID)
	setIf(q, "status", strings.Join(query.Statuses, ","))
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Offset > 0 {
		q.Set("offset", strconv.Itoa(query.Offset))
	}
	var resp RecordPage
	err := c.do(ctx, http.MethodGet, withQuery("records", q), nil, &resp)
	return resp, err
}

// LastError returns the most recent failed run, or nil when there is none.
func (c *Client) LastError(ctx context.Context) (*RunRecord, error) {
	var resp RunRecord
	err := c.do(ctx, http.MethodGet, "records/last-error", nil, &resp)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Verify(ctx context.Context) (VerifyResult, error) {
	var resp VerifyResult
	err := c.do(ctx, http.MethodGet, "records/verify", nil, &resp)
	return resp, err
}

// Export writes records in [from, to] to a file on the server and returns its path.
// Zero times leave that bound open.
func (c *Client) Export(ctx context.Context, from, to time.Time) (string, error) {
	body := map[string]string{}
	if !from.IsZero() {
		body["from"] = from.UTC().Format(time.RFC3339)
	}
	if !to.IsZero() {
		body["to"] = to.UTC().Format(time.RFC3339)
	}
	var resp struct {
		Path string `json:"path"`
	}
	err := c.do(ctx, http.MethodPost, "records/export", body, &resp)
	return resp.Path, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
