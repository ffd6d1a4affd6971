package prompt

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablepress/storyforge/pkg/anthropic"
)

type fakeClaude struct {
	lastReq anthropic.MessageRequest
	text    string
	err     error
}

func (f *fakeClaude) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: f.text}},
	}, nil
}

func testInput() Input {
	return Input{
		StoryTitle: "Luna and the Paper Moon",
		PageText:   "Luna folded the moon out of silver paper and hung it above her bed.",
		Characters: []CharacterRef{{Name: "Luna", Description: "a small girl with wild curls"}},
		StyleNotes: "soft watercolor",
	}
}

func TestBuild(t *testing.T) {
	fake := &fakeClaude{text: "  A small girl with wild curls folding a glowing silver paper moon...  "}
	b := NewBuilder(fake)

	got, err := b.Build(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, "A small girl with wild curls folding a glowing silver paper moon...", got)

	// Scene context reaches the model.
	require.Len(t, fake.lastReq.Messages, 1)
	assert.Contains(t, fake.lastReq.Messages[0].Content, "Luna folded the moon")
	assert.Contains(t, fake.lastReq.Messages[0].Content, "soft watercolor")
	assert.Equal(t, defaultModel, fake.lastReq.Model)
}

func TestBuild_EmptyPageText(t *testing.T) {
	b := NewBuilder(&fakeClaude{})
	_, err := b.Build(context.Background(), Input{StoryTitle: "x", PageText: "   "})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page text is empty")
}

func TestBuild_ClientError(t *testing.T) {
	b := NewBuilder(&fakeClaude{err: eris.New("overloaded")})
	_, err := b.Build(context.Background(), testInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompt: build")
}

func TestBuild_EmptyModelOutput(t *testing.T) {
	b := NewBuilder(&fakeClaude{text: "   "})
	_, err := b.Build(context.Background(), testInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty prompt")
}

func TestWithModel(t *testing.T) {
	fake := &fakeClaude{text: "a prompt"}
	b := NewBuilder(fake, WithModel("claude-sonnet-4-5-20250929"))

	_, err := b.Build(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5-20250929", fake.lastReq.Model)
}
