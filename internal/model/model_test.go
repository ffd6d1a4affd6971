package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActivityValid(t *testing.T) {
	for _, a := range []Activity{ActivityCharacterThumbnail, ActivityCover,
		ActivityCoverVariant, ActivityPageIllustration, ActivityPDFExport} {
		assert.True(t, a.Valid(), string(a))
	}
	assert.False(t, Activity("woodcuts").Valid())
	assert.False(t, Activity("").Valid())
}

func TestStageFor(t *testing.T) {
	assert.Equal(t, StageCharacters, StageFor(ActivityCharacterThumbnail))
	assert.Equal(t, StageDesign, StageFor(ActivityCover))
	assert.Equal(t, StageDesign, StageFor(ActivityCoverVariant))
	assert.Equal(t, StageDesign, StageFor(ActivityPageIllustration))
	assert.Equal(t, StageExport, StageFor(ActivityPDFExport))
}

func TestInputSummaryOmitsPrompt(t *testing.T) {
	req := GenerationRequest{
		Activity: ActivityCover,
		Prompt:   "a secret fox",
		Provider: ProviderConfig{Model: "gpt-image-1"},
	}

	summary := req.InputSummary()
	assert.Equal(t, "cover/gpt-image-1", summary)
	assert.NotContains(t, summary, "fox")
}
