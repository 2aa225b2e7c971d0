package relayapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

var ErrTaskNotFound = errors.New("task not found")

// APIError is a request dispatch answered with success:false, either as a
// soft failure (HTTP 200) or as an HTTP error.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	return fmt.Sprintf("dispatch: %d %s", e.Status, msg)
}

func (e *APIError) Is(target error) bool {
	return target == ErrTaskNotFound && e.Code == "task_not_found"
}

type Config struct {
	BaseURL       string
	Timeout       time.Duration
	RetryCount    int
	RetryWaitTime time.Duration
	Debug         bool
}

func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:       baseURL,
		Timeout:       30 * time.Second,
		RetryCount:    2,
		RetryWaitTime: time.Second,
	}
}

// Client talks to the dispatch HTTP API.
type Client struct {
	client *resty.Client
	// stream has no timeout and no retries: event streams and multipart
	// uploads are neither bounded nor replayable.
	stream *resty.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")

	client := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWaitTime).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	stream := resty.New().SetBaseURL(base)

	if cfg.Debug {
		client.SetDebug(true)
	}

	return &Client{client: client, stream: stream}
}

type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *envelope) result() *envelope { return e }

type response interface {
	result() *envelope
}

func (c *Client) send(ctx context.Context, req *resty.Request, method, path string, out response) error {
	var fail envelope
	resp, err := req.
		SetContext(ctx).
		SetResult(out).
		SetError(&fail).
		Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.IsError() {
		if fail.Message == "" {
			fail.Message = strings.TrimSpace(resp.String())
		}
		return &APIError{Status: resp.StatusCode(), Code: fail.Error, Message: fail.Message}
	}
	if env := out.result(); !env.Success {
		return &APIError{Status: resp.StatusCode(), Code: env.Error, Message: env.Message}
	}
	return nil
}

// FetchPending leases every task claimable by clientID.
func (c *Client) FetchPending(ctx context.Context, clientID string) ([]Task, error) {
	var out struct {
		envelope
		Tasks []Task `json:"tasks"`
	}
	req := c.client.R().SetQueryParam("clientId", clientID)
	if err := c.send(ctx, req, http.MethodGet, "/api/tasks/pending", &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) Ack(ctx context.Context, codes []string) ([]string, error) {
	var out struct {
		envelope
		Acknowledged []string `json:"acknowledged"`
	}
	req := c.client.R().SetBody(map[string][]string{"taskCodes": codes})
	if err := c.send(ctx, req, http.MethodPost, "/api/tasks/ack", &out); err != nil {
		return nil, err
	}
	return out.Acknowledged, nil
}

func (c *Client) ReportStatus(ctx context.Context, u StatusUpdate) error {
	var out envelope
	req := c.client.R().SetBody(u)
	return c.send(ctx, req, http.MethodPost, "/api/tasks/status", &out)
}

// Release reports whether dispatch still held a lease for the task.
func (c *Client) Release(ctx context.Context, taskCode string) (bool, error) {
	var out struct {
		envelope
		Released bool `json:"released"`
	}
	req := c.client.R().SetQueryParam("taskCode", taskCode)
	if err := c.send(ctx, req, http.MethodGet, "/api/tasks/release", &out); err != nil {
		return false, err
	}
	return out.Released, nil
}

// Push enqueues tasks and returns their codes and the number of agents
// that were told about them.
func (c *Client) Push(ctx context.Context, specs []TaskSpec) ([]string, int, error) {
	var out struct {
		envelope
		TaskCodes []string `json:"taskCodes"`
		Notified  int      `json:"notified"`
	}
	req := c.client.R().SetBody(map[string][]TaskSpec{"tasks": specs})
	if err := c.send(ctx, req, http.MethodPost, "/api/tasks/push", &out); err != nil {
		return nil, 0, err
	}
	return out.TaskCodes, out.Notified, nil
}

func (c *Client) Purge(ctx context.Context, codes []string) ([]string, error) {
	var out struct {
		envelope
		Purged []string `json:"purged"`
	}
	req := c.client.R().SetBody(map[string][]string{"taskCodes": codes})
	if err := c.send(ctx, req, http.MethodPost, "/api/tasks/purge", &out); err != nil {
		return nil, err
	}
	return out.Purged, nil
}

func (c *Client) ListTasks(ctx context.Context) ([]TaskSummary, error) {
	var out struct {
		envelope
		Tasks []TaskSummary `json:"tasks"`
	}
	if err := c.send(ctx, c.client.R(), http.MethodGet, "/api/tasks", &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) ListFiles(ctx context.Context, taskCode string, tags []string) (Listing, error) {
	var out struct {
		envelope
		Listing
	}
	req := c.client.R()
	if taskCode != "" {
		req.SetQueryParam("taskCode", taskCode)
	}
	if len(tags) > 0 {
		req.SetQueryParam("tags", strings.Join(tags, ","))
	}
	if err := c.send(ctx, req, http.MethodGet, "/api/files", &out); err != nil {
		return Listing{}, err
	}
	return out.Listing, nil
}

// UploadArtifact streams r to dispatch as a multipart upload.
func (c *Client) UploadArtifact(ctx context.Context, u Upload, r io.Reader) (UploadResult, error) {
	var out struct {
		envelope
		UploadResult
	}

	form := map[string]string{
		"taskCode": u.TaskCode,
		"quality":  string(u.Quality),
	}
	if u.MimeType != "" {
		form["mimeType"] = u.MimeType
	}
	if u.OriginalURL != "" {
		form["originalUrl"] = u.OriginalURL
	}
	filename := u.Filename
	if filename == "" {
		filename = u.TaskCode + ".mp4"
	}

	req := c.stream.R().
		SetHeader("Accept", "application/json").
		SetFormData(form).
		SetFileReader("file", filename, r)
	if err := c.send(ctx, req, http.MethodPost, "/api/files/upload", &out); err != nil {
		return UploadResult{}, err
	}
	return out.UploadResult, nil
}

func (c *Client) Config(ctx context.Context) (ClientConfig, error) {
	var out struct {
		envelope
		Config ClientConfig `json:"config"`
	}
	if err := c.send(ctx, c.client.R(), http.MethodGet, "/api/config", &out); err != nil {
		return ClientConfig{}, err
	}
	return out.Config, nil
}

// OpenEvents connects to the event stream. The caller reads it with
// ReadEvents and closes it; cancelling ctx also ends the stream.
func (c *Client) OpenEvents(ctx context.Context, clientID string) (io.ReadCloser, error) {
	resp, err := c.stream.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "text/event-stream").
		SetQueryParam("clientId", clientID).
		Get("/api/events")
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}

	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		if body != nil {
			_ = body.Close()
		}
		return nil, &APIError{Status: resp.StatusCode(), Message: "event stream refused"}
	}
	return body, nil
}
