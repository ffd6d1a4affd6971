package replicate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePrediction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/black-forest-labs/flux-1.1-pro/predictions", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req PredictionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a fox under a paper moon", req.Input.Prompt)

		json.NewEncoder(w).Encode(Prediction{ID: "pred-1", Status: StatusStarting}) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient("test-token", WithBaseURL(srv.URL))
	pred, err := c.CreatePrediction(context.Background(), PredictionRequest{
		Model: "black-forest-labs/flux-1.1-pro",
		Input: PredictionInput{Prompt: "a fox under a paper moon"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pred-1", pred.ID)
	assert.Equal(t, StatusStarting, pred.Status)
}

func TestCreatePrediction_RequiresModel(t *testing.T) {
	c := NewClient("test-token")
	_, err := c.CreatePrediction(context.Background(), PredictionRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")
}

func TestGetPrediction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predictions/pred-1", r.URL.Path)
		json.NewEncoder(w).Encode(Prediction{ //nolint:errcheck
			ID:     "pred-1",
			Status: StatusSucceeded,
			Output: json.RawMessage(`["https://replicate.delivery/out.png"]`),
		})
	}))
	defer srv.Close()

	c := NewClient("test-token", WithBaseURL(srv.URL))
	pred, err := c.GetPrediction(context.Background(), "pred-1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, pred.Status)

	url, err := pred.OutputURL()
	require.NoError(t, err)
	assert.Equal(t, "https://replicate.delivery/out.png", url)
}

func TestPrediction_OutputURL_SingleString(t *testing.T) {
	p := &Prediction{ID: "pred-2", Output: json.RawMessage(`"https://replicate.delivery/single.png"`)}
	url, err := p.OutputURL()
	require.NoError(t, err)
	assert.Equal(t, "https://replicate.delivery/single.png", url)
}

func TestPrediction_OutputURL_Empty(t *testing.T) {
	p := &Prediction{ID: "pred-3"}
	_, err := p.OutputURL()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no output")
}

func TestGetPrediction_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"detail":"overloaded"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient("test-token", WithBaseURL(srv.URL))
	_, err := c.GetPrediction(context.Background(), "pred-1")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
}
