// Package replicate is a minimal client for the Replicate predictions API.
// Predictions are asynchronous: creation returns immediately and the caller
// polls until the prediction reaches a terminal status.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://api.replicate.com/v1"

// Prediction statuses reported by the API.
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// Client defines the Replicate operations used by the generation layer.
type Client interface {
	CreatePrediction(ctx context.Context, req PredictionRequest) (*Prediction, error)
	GetPrediction(ctx context.Context, id string) (*Prediction, error)
}

// PredictionRequest is the request body for POST /models/{model}/predictions.
type PredictionRequest struct {
	Model string          `json:"-"`
	Input PredictionInput `json:"input"`
}

// PredictionInput holds the model inputs for image generation.
type PredictionInput struct {
	Prompt      string   `json:"prompt"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
	ImageInputs []string `json:"image_inputs,omitempty"` // data URLs or https URLs
}

// Prediction is the API representation of a prediction in any state.
type Prediction struct {
	ID     string          `json:"id"`
	Model  string          `json:"model"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// OutputURL extracts the first output URL from a succeeded prediction. Image
// models return either a single URL string or a list of them.
func (p *Prediction) OutputURL() (string, error) {
	if len(p.Output) == 0 {
		return "", eris.Errorf("replicate: prediction %s has no output", p.ID)
	}
	var single string
	if err := json.Unmarshal(p.Output, &single); err == nil {
		return single, nil
	}
	var list []string
	if err := json.Unmarshal(p.Output, &list); err == nil && len(list) > 0 {
		return list[0], nil
	}
	return "", eris.Errorf("replicate: prediction %s has unrecognized output shape", p.ID)
}

// APIError is returned when Replicate responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("replicate: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiToken string
	baseURL  string
	http     *http.Client
}

// NewClient creates a Replicate API client.
func NewClient(apiToken string, opts ...Option) Client {
	c := &httpClient{
		apiToken: apiToken,
		baseURL:  defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
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

func (c *httpClient) CreatePrediction(ctx context.Context, req PredictionRequest) (*Prediction, error) {
	if req.Model == "" {
		return nil, eris.New("replicate: model is required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "replicate: marshal request")
	}

	url := fmt.Sprintf("%s/models/%s/predictions", c.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "replicate: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var result Prediction
	if err := c.do(httpReq, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *httpClient) GetPrediction(ctx context.Context, id string) (*Prediction, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/predictions/"+id, nil)
	if err != nil {
		return nil, eris.Wrap(err, "replicate: create request")
	}

	var result Prediction
	if err := c.do(httpReq, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *httpClient) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "replicate: send request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "replicate: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "replicate: decode response")
	}
	return nil
}
