// Package openai is a minimal client for the OpenAI Images API, covering the
// generation and edit endpoints used for book illustration.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-image-1"
)

// Client defines the OpenAI image operations used by the generation layer.
type Client interface {
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResponse, error)
	EditImage(ctx context.Context, req ImageEditRequest) (*ImageResponse, error)
}

// ImageRequest is the request body for POST /images/generations.
type ImageRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	N       int    `json:"n,omitempty"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
}

// ReferenceImage is one input image for the edit endpoint.
type ReferenceImage struct {
	Name string
	MIME string
	Data []byte
}

// ImageEditRequest is the multipart request for POST /images/edits.
type ImageEditRequest struct {
	Model   string
	Prompt  string
	Size    string
	Quality string
	Images  []ReferenceImage
}

// ImageResponse is the response from both image endpoints.
type ImageResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
	Usage   Usage       `json:"usage"`
}

// ImageData is one generated image, returned inline or by URL depending on
// the model.
type ImageData struct {
	B64JSON string `json:"b64_json,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Usage reports token consumption for models that bill by token.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// APIError is returned when OpenAI responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openai: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *httpClient) {
		c.model = model
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit overrides the default request rate limit (5 req/s).
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates an OpenAI Images API client. Image generation is slow, so
// the default HTTP timeout is generous.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		limiter: rate.NewLimiter(5, 5),
		http: &http.Client{
			Timeout: 180 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.N == 0 {
		req.N = 1
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "openai: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "openai: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var result ImageResponse
	if err := c.do(ctx, httpReq, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *httpClient) EditImage(ctx context.Context, req ImageEditRequest) (*ImageResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"model":   req.Model,
		"prompt":  req.Prompt,
		"n":       strconv.Itoa(1),
		"size":    req.Size,
		"quality": req.Quality,
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := w.WriteField(name, value); err != nil {
			return nil, eris.Wrapf(err, "openai: write field %s", name)
		}
	}

	for i, img := range req.Images {
		name := img.Name
		if name == "" {
			name = fmt.Sprintf("image-%d", i)
		}
		part, err := w.CreateFormFile("image[]", name)
		if err != nil {
			return nil, eris.Wrap(err, "openai: create image part")
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, eris.Wrap(err, "openai: write image part")
		}
	}

	if err := w.Close(); err != nil {
		return nil, eris.Wrap(err, "openai: close multipart")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/edits", &buf)
	if err != nil {
		return nil, eris.Wrap(err, "openai: create request")
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	var result ImageResponse
	if err := c.do(ctx, httpReq, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// do sends a prepared request through the rate limiter and decodes the
// response into out. Non-2xx responses become *APIError.
func (c *httpClient) do(ctx context.Context, req *http.Request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "openai: rate limit")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "openai: send request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "openai: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "openai: decode response")
	}
	return nil
}
