package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fablepress/storyforge/internal/generr"
	"github.com/fablepress/storyforge/internal/model"
	"github.com/fablepress/storyforge/pkg/openai"
)

// syncMaxReferenceImages is the documented input-image ceiling of the edit
// endpoint.
const syncMaxReferenceImages = 16

// SyncGenerator fronts the synchronous backend: one request, the response
// carries the asset.
type SyncGenerator struct {
	client openai.Client
}

func NewSyncGenerator(client openai.Client) *SyncGenerator {
	return &SyncGenerator{client: client}
}

func (g *SyncGenerator) Name() model.ProviderKind {
	return model.ProviderSync
}

func (g *SyncGenerator) MaxReferenceImages() int {
	return syncMaxReferenceImages
}

// Generate issues a plain generation call, or an edit call when reference
// images are attached. Prompts are never logged here.
func (g *SyncGenerator) Generate(ctx context.Context, req model.GenerationRequest) (*model.GenerationResult, error) {
	start := time.Now()

	var resp *openai.ImageResponse
	var err error
	if len(req.ReferenceImages) > 0 {
		images := make([]openai.ReferenceImage, len(req.ReferenceImages))
		for i, ref := range req.ReferenceImages {
			images[i] = openai.ReferenceImage{Name: ref.EntityName, MIME: ref.MIME, Data: ref.Data}
		}
		resp, err = g.client.EditImage(ctx, openai.ImageEditRequest{
			Model:   req.Provider.Model,
			Prompt:  req.Prompt,
			Size:    req.Provider.Size,
			Quality: req.Provider.Quality,
			Images:  images,
		})
	} else {
		resp, err = g.client.GenerateImage(ctx, openai.ImageRequest{
			Model:   req.Provider.Model,
			Prompt:  req.Prompt,
			Size:    req.Provider.Size,
			Quality: req.Provider.Quality,
		})
	}
	latency := time.Since(start)

	if err != nil {
		return nil, classifySyncError(err)
	}
	if len(resp.Data) == 0 {
		return nil, generr.New(generr.KindUnknown, "provider: sync generate", "response carried no image data")
	}

	result := &model.GenerationResult{
		Latency:   latency,
		TokensIn:  resp.Usage.InputTokens,
		TokensOut: resp.Usage.OutputTokens,
	}

	data := resp.Data[0]
	switch {
	case data.URL != "":
		result.AssetURL = data.URL
	case data.B64JSON != "":
		raw, decErr := base64.StdEncoding.DecodeString(data.B64JSON)
		if decErr != nil {
			return nil, generr.Wrap(generr.KindUnknown, "provider: sync generate", decErr)
		}
		result.Inline = raw
	default:
		return nil, generr.New(generr.KindUnknown, "provider: sync generate", "image data carried neither url nor inline payload")
	}

	zap.L().Debug("provider: sync generate done",
		zap.String("activity", string(req.Activity)),
		zap.String("model", req.Provider.Model),
		zap.Duration("latency", latency))
	return result, nil
}

// classifySyncError maps client failures onto the generation taxonomy.
// HTTP statuses classify by code; transport-level failures count as the
// service being unavailable.
func classifySyncError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return generr.Wrap(generr.FromHTTPStatus(apiErr.StatusCode), "provider: sync generate", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return generr.Wrap(generr.KindTimeout, "provider: sync generate", err)
	}
	return generr.Wrap(generr.KindServiceUnavailable, "provider: sync generate", err)
}
