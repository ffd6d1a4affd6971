// Package prompt turns story context into illustration prompts. It runs
// before orchestration: the returned prompt text is what callers put into a
// GenerationRequest.
package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/fablepress/storyforge/pkg/anthropic"
)

const (
	defaultModel     = "claude-haiku-4-5-20251001"
	defaultMaxTokens = 1024
)

const systemPrompt = `You write prompts for a children's book illustration model.
Given story context, respond with a single richly detailed visual prompt:
subjects, setting, mood, lighting, and a consistent storybook art style.
Respond with the prompt text only, no preamble and no quotes.
Never include character dialogue or text to render inside the image.`

// Input is the story context a prompt is built from.
type Input struct {
	StoryTitle string
	PageText   string
	Characters []CharacterRef
	StyleNotes string
}

// CharacterRef names one character appearing in the scene.
type CharacterRef struct {
	Name        string
	Description string
}

// Builder produces illustration prompts with a text model.
type Builder struct {
	client anthropic.Client
	model  string
}

// Option configures a Builder.
type Option func(*Builder)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(b *Builder) {
		b.model = model
	}
}

func NewBuilder(client anthropic.Client, opts ...Option) *Builder {
	b := &Builder{client: client, model: defaultModel}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build produces one illustration prompt for a scene.
func (b *Builder) Build(ctx context.Context, in Input) (string, error) {
	if strings.TrimSpace(in.PageText) == "" {
		return "", eris.New("prompt: page text is empty")
	}

	resp, err := b.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     b.model,
		MaxTokens: defaultMaxTokens,
		System: []anthropic.SystemBlock{
			{Text: systemPrompt, CacheControl: &anthropic.CacheControl{TTL: "5m"}},
		},
		Messages: []anthropic.Message{
			{Role: "user", Content: renderContext(in)},
		},
	})
	if err != nil {
		return "", eris.Wrap(err, "prompt: build")
	}

	resp.Usage.LogCost(b.model, "prompt_builder")

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", eris.New("prompt: model returned empty prompt")
	}
	return text, nil
}

func renderContext(in Input) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Story: %s\n", in.StoryTitle)
	if len(in.Characters) > 0 {
		sb.WriteString("Characters in this scene:\n")
		for _, ch := range in.Characters {
			fmt.Fprintf(&sb, "- %s: %s\n", ch.Name, ch.Description)
		}
	}
	if in.StyleNotes != "" {
		fmt.Fprintf(&sb, "Art style: %s\n", in.StyleNotes)
	}
	fmt.Fprintf(&sb, "Scene text:\n%s", in.PageText)
	return sb.String()
}
