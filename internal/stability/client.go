package stability

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// ErrMissingAPIKey is returned before any request is made when no key is configured.
var ErrMissingAPIKey = errors.New("missing API key")

// APIError carries a non-200 upstream answer so callers can relay it as is.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stability api returned %d: %s", e.StatusCode, e.Body)
}

// GenerationParams are the text-to-image knobs sent with every generate call.
type GenerationParams struct {
	CFGScale float64
	Steps    int
	Width    int
	Height   int
}

type Config struct {
	APIKey   string
	Host     string
	EngineID string
	Timeout  time.Duration
	Params   GenerationParams
}

// Client talks to the Stability AI REST API.
type Client struct {
	apiKey     string
	host       string
	engineID   string
	params     GenerationParams
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
	}

	return &Client{
		apiKey:     cfg.APIKey,
		host:       strings.TrimRight(cfg.Host, "/"),
		engineID:   cfg.EngineID,
		params:     cfg.Params,
		httpClient: &http.Client{Transport: transport, Timeout: timeout},
	}
}

func (c *Client) EngineID() string {
	return c.engineID
}

func (c *Client) Params() GenerationParams {
	return c.params
}

type textPrompt struct {
	Text string `json:"text"`
}

type textToImageRequest struct {
	TextPrompts []textPrompt `json:"text_prompts"`
	CFGScale    float64      `json:"cfg_scale"`
	Height      int          `json:"height"`
	Width       int          `json:"width"`
	Samples     int          `json:"samples"`
	Steps       int          `json:"steps"`
}

type textToImageResponse struct {
	Artifacts []struct {
		Base64       string `json:"base64"`
		Seed         int64  `json:"seed"`
		FinishReason string `json:"finishReason"`
	} `json:"artifacts"`
}

// TextToImage renders a single PNG for prompt with the configured engine.
func (c *Client) TextToImage(ctx context.Context, prompt string) ([]byte, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	payload, err := json.Marshal(textToImageRequest{
		TextPrompts: []textPrompt{{Text: prompt}},
		CFGScale:    c.params.CFGScale,
		Height:      c.params.Height,
		Width:       c.params.Width,
		Samples:     1,
		Steps:       c.params.Steps,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal text-to-image request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/generation/%s/text-to-image", c.host, c.engineID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var decoded textToImageResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode text-to-image response: %w", err)
	}
	if len(decoded.Artifacts) == 0 {
		return nil, fmt.Errorf("text-to-image response has no artifacts")
	}

	image, err := base64.StdEncoding.DecodeString(decoded.Artifacts[0].Base64)
	if err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return image, nil
}

// Erase removes the masked region of image.
func (c *Client) Erase(ctx context.Context, image, mask []byte) ([]byte, error) {
	return c.edit(ctx, "erase", image, mask, nil)
}

// Inpaint repaints the masked region of image following prompt.
func (c *Client) Inpaint(ctx context.Context, image, mask []byte, prompt string) ([]byte, error) {
	return c.edit(ctx, "inpaint", image, mask, map[string]string{"prompt": prompt})
}

func (c *Client) edit(ctx context.Context, operation string, image, mask []byte, fields map[string]string) ([]byte, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writeFilePart(writer, "image", "image.png", image); err != nil {
		return nil, err
	}
	if err := writeFilePart(writer, "mask", "mask.png", mask); err != nil {
		return nil, err
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("write field %s: %w", name, err)
		}
	}
	if err := writer.WriteField("output_format", "png"); err != nil {
		return nil, fmt.Errorf("write field output_format: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v2beta/stable-image/edit/%s", c.host, operation)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "image/*")

	return c.do(req)
}

type engine struct {
	ID string `json:"id"`
}

// ListEngines returns the engine ids available to the configured key.
func (c *Client) ListEngines(ctx context.Context) ([]string, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/v1/engines/list", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var engines []engine
	if err := json.Unmarshal(body, &engines); err != nil {
		return nil, fmt.Errorf("decode engines: %w", err)
	}

	ids := make([]string, 0, len(engines))
	for _, e := range engines {
		ids = append(ids, e.ID)
	}
	return ids, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stability request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read stability response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func writeFilePart(writer *multipart.Writer, field, filename string, data []byte) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, filename))
	header.Set("Content-Type", "image/png")

	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create %s part: %w", field, err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write %s part: %w", field, err)
	}
	return nil
}
