// Package apiclient provides a thin client for the manifestation backend.
// It issues authenticated JSON and multipart requests and classifies every
// failure as an HTTP, transport or decode error. It never retries; retry
// policy belongs to the caller.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxResponseSize limits the response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// DefaultTimeout bounds a single request round trip.
const DefaultTimeout = 30 * time.Second

// Client talks to the manifestation backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the per-request timeout. A client supplied through
// WithHTTPClient is copied, not modified.
func WithTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		if d <= 0 {
			return
		}
		hc := *client.httpClient
		hc.Timeout = d
		client.httpClient = &hc
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) ClientOption {
	return func(client *Client) {
		client.userAgent = ua
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a client for the backend rooted at baseURL
// (for example "https://api.example.com/api").
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		userAgent:  "manifestme-client",
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BaseURL returns the backend root the client was created with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RegisterRequest creates an account using an invite code.
type RegisterRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	InviteCode string `json:"invite_code"`
}

// LoginRequest exchanges credentials for an access token.
// The backend expects the email in the username field.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Access string `json:"access"`
}

// ManifestRequest is the job payload for a new manifestation.
type ManifestRequest struct {
	Prompt   string `json:"prompt"`
	Template string `json:"template,omitempty"`
}

// ManifestResult is the backend's answer to a submission.
// Accepted is true for the asynchronous contract (202 + job id);
// otherwise VideoURL carries the finished result.
type ManifestResult struct {
	Accepted bool
	JobID    string
	VideoURL string
}

type manifestResponse struct {
	VideoID  json.RawMessage `json:"video_id"`
	VideoURL string          `json:"video_url"`
}

// Job status values reported by the backend.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// JobStatus is one status report for a job.
type JobStatus struct {
	Status   string `json:"status"`
	VideoURL string `json:"video_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Normalized returns the status lowercased and trimmed.
func (s JobStatus) Normalized() string {
	return strings.ToLower(strings.TrimSpace(s.Status))
}

// Video is one completed artifact in the user's list.
type Video struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// Profile describes the user's profile picture.
type Profile struct {
	HasImage bool   `json:"has_image"`
	ImageURL string `json:"image_url,omitempty"`
}

// Register creates an account and returns its access token.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (string, error) {
	var out tokenResponse
	if _, err := c.doJSON(ctx, http.MethodPost, "/register/", "", req, &out); err != nil {
		return "", err
	}
	if out.Access == "" {
		return "", NewDecodeError(fmt.Errorf("register response missing access token"))
	}
	return out.Access, nil
}

// Login returns an access token for the given credentials.
func (c *Client) Login(ctx context.Context, req LoginRequest) (string, error) {
	var out tokenResponse
	if _, err := c.doJSON(ctx, http.MethodPost, "/login/", "", req, &out); err != nil {
		return "", err
	}
	if out.Access == "" {
		return "", NewDecodeError(fmt.Errorf("login response missing access token"))
	}
	return out.Access, nil
}

// Manifest submits a prompt. The backend answers either 200 with the video
// URL or 202 with a job id to poll; the status code decides which.
func (c *Client) Manifest(ctx context.Context, token string, req ManifestRequest) (*ManifestResult, error) {
	var out manifestResponse
	status, err := c.doJSON(ctx, http.MethodPost, "/manifest/", token, req, &out)
	if err != nil {
		return nil, err
	}

	if status == http.StatusAccepted {
		id := decodeID(out.VideoID)
		if id == "" {
			return nil, NewDecodeError(fmt.Errorf("accepted response missing video_id"))
		}
		return &ManifestResult{Accepted: true, JobID: id}, nil
	}

	if out.VideoURL == "" {
		return nil, NewDecodeError(fmt.Errorf("response (status %d) missing video_url", status))
	}
	return &ManifestResult{VideoURL: out.VideoURL}, nil
}

// decodeID accepts a job id sent either as a JSON string or a number.
func decodeID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// JobStatus fetches the current status of a job.
func (c *Client) JobStatus(ctx context.Context, token, jobID string) (*JobStatus, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, NewValidationError("job_id", "is required")
	}
	var out JobStatus
	path := "/videos/status/" + url.PathEscape(jobID) + "/"
	if _, err := c.doJSON(ctx, http.MethodGet, path, token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListVideos returns the user's full list of completed videos.
func (c *Client) ListVideos(ctx context.Context, token string) ([]Video, error) {
	var out []Video
	if _, err := c.doJSON(ctx, http.MethodGet, "/videos/", token, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Video{}
	}
	return out, nil
}

// ProfileStatus reports whether the user has uploaded a profile picture.
func (c *Client) ProfileStatus(ctx context.Context, token string) (*Profile, error) {
	var out Profile
	if _, err := c.doJSON(ctx, http.MethodGet, "/profile/status/", token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadProfileImage uploads a profile picture as multipart field "file".
func (c *Client) UploadProfileImage(ctx context.Context, token, filename string, r io.Reader) error {
	if filename == "" {
		return NewValidationError("file", "filename is required")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return fmt.Errorf("copy upload body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/profile/upload/", token, &buf)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	_, _, err = c.do(httpReq)
	return err
}

// doJSON sends body as JSON (if non-nil) and decodes a 2xx reply into out.
func (c *Client) doJSON(ctx context.Context, method, path, token string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := c.newRequest(ctx, method, path, token, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	status, respBody, err := c.do(httpReq)
	if err != nil {
		return status, err
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return status, NewDecodeError(fmt.Errorf("decode %s %s: %w", method, path, err))
		}
	}
	return status, nil
}

func (c *Client) newRequest(ctx context.Context, method, path, token string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", uuid.New().String())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// do executes the request and returns the status and body of a 2xx reply.
func (c *Client) do(req *http.Request) (int, []byte, error) {
	c.logger.Debug("Sending backend request",
		"method", req.Method,
		"url", req.URL.String(),
		"request_id", req.Header.Get("X-Request-ID"))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, NewTransportError(fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return resp.StatusCode, nil, NewTransportError(fmt.Errorf("read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("Backend returned error",
			"method", req.Method,
			"path", req.URL.Path,
			"status", resp.StatusCode)
		return resp.StatusCode, nil, &HTTPError{StatusCode: resp.StatusCode, Body: respBody}
	}

	return resp.StatusCode, respBody, nil
}
