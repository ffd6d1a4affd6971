package inflight

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablepress/storyforge/internal/model"
)

type fakeStore struct {
	started  []model.InFlightRecord
	ended    []string
	startErr error
	endErr   error
	listErr  error
}

func (f *fakeStore) StartInflight(_ context.Context, rec model.InFlightRecord) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, rec)
	return nil
}

func (f *fakeStore) EndInflight(_ context.Context, userID string, activity model.Activity) error {
	if f.endErr != nil {
		return f.endErr
	}
	f.ended = append(f.ended, userID+"/"+string(activity))
	return nil
}

func (f *fakeStore) ListInflight(_ context.Context) ([]model.InFlightRecord, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.started, nil
}

func userRequest() model.GenerationRequest {
	return model.GenerationRequest{
		Activity: model.ActivityCover,
		Stage:    model.StageDesign,
		UserID:   "user-1",
		Prompt:   "a fox under a paper moon",
		Provider: model.ProviderConfig{Kind: model.ProviderSync, Model: "gpt-image-1"},
	}
}

func TestRegistry_StartAndEnd(t *testing.T) {
	fs := &fakeStore{}
	r := NewRegistry(fs)
	ctx := context.Background()

	req := userRequest()
	r.Start(ctx, req)
	require.Len(t, fs.started, 1)
	assert.Equal(t, "user-1", fs.started[0].UserID)
	assert.Equal(t, model.ActivityCover, fs.started[0].Activity)

	r.End(ctx, req)
	require.Len(t, fs.ended, 1)
	assert.Equal(t, "user-1/cover", fs.ended[0])
}

func TestRegistry_SummaryOmitsPrompt(t *testing.T) {
	fs := &fakeStore{}
	r := NewRegistry(fs)

	r.Start(context.Background(), userRequest())
	require.Len(t, fs.started, 1)
	assert.NotContains(t, fs.started[0].InputSummary, "fox")
}

func TestRegistry_SystemCallsNotTracked(t *testing.T) {
	fs := &fakeStore{}
	r := NewRegistry(fs)
	ctx := context.Background()

	req := userRequest()
	req.UserID = ""
	r.Start(ctx, req)
	r.End(ctx, req)
	assert.Empty(t, fs.started)
	assert.Empty(t, fs.ended)
}

func TestRegistry_StoreFailuresAreSwallowed(t *testing.T) {
	fs := &fakeStore{
		startErr: eris.New("connection refused"),
		endErr:   eris.New("connection refused"),
	}
	r := NewRegistry(fs)
	ctx := context.Background()

	// Neither call panics or surfaces the error.
	req := userRequest()
	r.Start(ctx, req)
	r.End(ctx, req)
}

func TestRegistry_ListWrapsError(t *testing.T) {
	fs := &fakeStore{listErr: eris.New("boom")}
	r := NewRegistry(fs)

	_, err := r.List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inflight: list")
}
