// Package model holds the domain types shared across the asset-generation
// subsystem: stages, activities, stories, orders, and the request/result
// shapes that flow through the orchestrator.
package model

import (
	"time"
)

// Stage is a coarse phase of the story-creation pipeline under which
// activities are grouped for feature flagging.
type Stage string

const (
	StageCharacters Stage = "characters"
	StageStory      Stage = "story"
	StageDesign     Stage = "design"
	StagePreview    Stage = "preview"
	StageExport     Stage = "export"
)

// Activity is a named unit of generatable work.
type Activity string

const (
	ActivityCharacterThumbnail Activity = "character_thumbnail"
	ActivityCover              Activity = "cover"
	ActivityCoverVariant       Activity = "cover_variant"
	ActivityPageIllustration   Activity = "page_illustration"
	ActivityPDFExport          Activity = "pdf_export"
)

// Valid reports whether a is a known activity.
func (a Activity) Valid() bool {
	switch a {
	case ActivityCharacterThumbnail, ActivityCover, ActivityCoverVariant,
		ActivityPageIllustration, ActivityPDFExport:
		return true
	}
	return false
}

// StageFor returns the pipeline stage an activity belongs to.
func StageFor(a Activity) Stage {
	switch a {
	case ActivityCharacterThumbnail:
		return StageCharacters
	case ActivityCover, ActivityCoverVariant, ActivityPageIllustration:
		return StageDesign
	case ActivityPDFExport:
		return StageExport
	default:
		return StageStory
	}
}

// ProviderKind selects which adapter handles a generation call.
type ProviderKind string

const (
	ProviderSync    ProviderKind = "openai"
	ProviderPolling ProviderKind = "replicate"
)

// ProviderConfig is the target provider configuration for one call.
type ProviderConfig struct {
	Kind    ProviderKind `json:"kind" yaml:"kind" mapstructure:"kind"`
	Model   string       `json:"model" yaml:"model" mapstructure:"model"`
	Size    string       `json:"size,omitempty" yaml:"size" mapstructure:"size"`
	Quality string       `json:"quality,omitempty" yaml:"quality" mapstructure:"quality"`
}

// ReferenceImage is a binary attachment sent along with a prompt. EntityName
// identifies the owning entity (usually a character) and drives the stable
// ordering used when a provider accepts fewer images than were supplied.
type ReferenceImage struct {
	EntityName string
	MIME       string
	Data       []byte
}

// GenerationRequest is created per orchestrated call and never persisted
// beyond the call's lifetime except via the metric record.
type GenerationRequest struct {
	Activity        Activity
	Stage           Stage
	UserID          string // empty for system-triggered calls
	Prompt          string
	ReferenceImages []ReferenceImage
	Provider        ProviderConfig
}

// InputSummary returns a short description of the request inputs for the
// in-flight registry. It must not contain the raw prompt.
func (r GenerationRequest) InputSummary() string {
	return string(r.Activity) + "/" + r.Provider.Model
}

// GenerationResult is produced by a provider adapter and consumed by the
// orchestrator.
type GenerationResult struct {
	AssetURL  string
	Inline    []byte // set instead of AssetURL when the provider returns the asset inline
	Latency   time.Duration
	TokensIn  int64
	TokensOut int64
}

// InFlightRecord is the advisory record of a call currently executing. It is
// observability, not a lock: at most one record per (user, activity) is
// expected under normal operation but exclusivity is never enforced.
type InFlightRecord struct {
	UserID       string    `json:"user_id"`
	Stage        Stage     `json:"stage"`
	Activity     Activity  `json:"activity"`
	Model        string    `json:"model"`
	InputSummary string    `json:"input_summary"`
	CreatedAt    time.Time `json:"created_at"`
}

// MetricRecord is the append-only log entry written once per orchestrated
// call, covering the whole retry sequence with its final outcome.
type MetricRecord struct {
	ID           string    `json:"id"`
	Activity     Activity  `json:"activity"`
	Model        string    `json:"model"`
	UserID       string    `json:"user_id,omitempty"`
	Outcome      string    `json:"outcome"` // "success" or "error"
	ErrorKind    string    `json:"error_kind,omitempty"`
	LatencyMS    int64     `json:"latency_ms"`
	TokensIn     int64     `json:"tokens_in"`
	TokensOut    int64     `json:"tokens_out"`
	CachedIn     int64     `json:"cached_in"`
	CachedOut    int64     `json:"cached_out"`
	EstimatedUSD float64   `json:"estimated_usd"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// MetricsSummaryRow aggregates metric records per activity over a window.
type MetricsSummaryRow struct {
	Activity     Activity `json:"activity"`
	Calls        int      `json:"calls"`
	Errors       int      `json:"errors"`
	ErrorRate    float64  `json:"error_rate"`
	AvgLatencyMS int64    `json:"avg_latency_ms"`
	TokensIn     int64    `json:"tokens_in"`
	TokensOut    int64    `json:"tokens_out"`
	EstimatedUSD float64  `json:"estimated_usd"`
}

// OrderStatus tracks an order through payment and fulfillment.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusFulfilled OrderStatus = "fulfilled"
)

// Order is owned by the storefront CRUD layer; the fulfillment processor
// reads its item list and writes back the terminal status.
type Order struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	Status      OrderStatus `json:"status"`
	Items       []OrderItem `json:"items"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	FulfilledAt *time.Time  `json:"fulfilled_at,omitempty"`
}

// OrderItem references one story purchased in an order.
type OrderItem struct {
	StoryID string `json:"story_id"`
}

// Story is the owning entity for generated assets. PDFURL is written by
// fulfillment; CoverURL and page illustrations by the design-stage callers.
type Story struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CoverURL  string    `json:"cover_url,omitempty"`
	PDFURL    string    `json:"pdf_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Character is a story character with a generated thumbnail.
type Character struct {
	ID          string `json:"id"`
	StoryID     string `json:"story_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ThumbURL    string `json:"thumb_url,omitempty"`
}

// Page is a single story page with a generated illustration.
type Page struct {
	ID              string `json:"id"`
	StoryID         string `json:"story_id"`
	Index           int    `json:"index"`
	Text            string `json:"text,omitempty"`
	IllustrationURL string `json:"illustration_url,omitempty"`
}
