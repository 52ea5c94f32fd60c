// Package studioclient calls the image gateway the way the browser front end
// does: it checks required fields, picks the endpoint for the action and
// returns the PNG the gateway streams back.
package studioclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrPromptRequired = errors.New("prompt is required")
	ErrImageRequired  = errors.New("image is required")
)

// APIError is a non-2xx gateway answer.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
}

// Image is a finished job as returned by the edit endpoints.
type Image struct {
	JobID       string
	Cached      bool
	ArtifactURL string
	Data        []byte
}

// Job mirrors the gateway's job record.
type Job struct {
	ID             string    `json:"id"`
	Operation      string    `json:"operation"`
	Prompt         string    `json:"prompt,omitempty"`
	Status         string    `json:"status"`
	Cached         bool      `json:"cached"`
	MaskProvided   bool      `json:"mask_provided"`
	ImageBytes     int       `json:"image_bytes"`
	ArtifactKey    string    `json:"artifact_key,omitempty"`
	ArtifactURL    string    `json:"artifact_url,omitempty"`
	UpstreamStatus int       `json:"upstream_status,omitempty"`
	Error          string    `json:"error,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*Client)

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate renders an image from prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (*Image, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrPromptRequired
	}

	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, "/generate", "application/json", bytes.NewReader(body))
}

// Inpaint repaints the masked area of image following prompt. A nil mask
// lets the gateway repaint the whole image.
func (c *Client) Inpaint(ctx context.Context, prompt string, image, mask []byte) (*Image, error) {
	if len(image) == 0 {
		return nil, ErrImageRequired
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrPromptRequired
	}
	return c.submitForm(ctx, "/inpaint", prompt, image, mask)
}

// Erase removes the masked area of image.
func (c *Client) Erase(ctx context.Context, image, mask []byte) (*Image, error) {
	if len(image) == 0 {
		return nil, ErrImageRequired
	}
	return c.submitForm(ctx, "/erase", "", image, mask)
}

func (c *Client) submitForm(ctx context.Context, path, prompt string, image, mask []byte) (*Image, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if prompt != "" {
		if err := writer.WriteField("prompt", prompt); err != nil {
			return nil, err
		}
	}
	if err := writeFile(writer, "image", "image.png", image); err != nil {
		return nil, err
	}
	if len(mask) > 0 {
		if err := writeFile(writer, "mask", "mask.png", mask); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	return c.submit(ctx, path, writer.FormDataContentType(), &body)
}

func writeFile(writer *multipart.Writer, field, filename string, data []byte) error {
	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

func (c *Client) submit(ctx context.Context, path, contentType string, body io.Reader) (*Image, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "image/png")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeError(resp.StatusCode, data)
	}

	return &Image{
		JobID:       resp.Header.Get("X-Job-Id"),
		Cached:      resp.Header.Get("X-Cache") == "HIT",
		ArtifactURL: resp.Header.Get("X-Artifact-Url"),
		Data:        data,
	}, nil
}

// Jobs lists recent jobs. A zero limit uses the gateway default.
func (c *Client) Jobs(ctx context.Context, limit int) ([]Job, error) {
	path := "/api/v1/jobs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var out struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *Client) Job(ctx context.Context, id string) (*Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("job id is required")
	}

	var job Job
	if err := c.getJSON(ctx, "/api/v1/jobs/"+url.PathEscape(id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) getJSON(ctx context.Context, path string, dest interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp.StatusCode, data)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// decodeError prefers the {"error": "..."} body the gateway writes.
func decodeError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		message = payload.Error
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: message}
}
