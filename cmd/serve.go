package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fablepress/storyforge/internal/fulfillment"
	"github.com/fablepress/storyforge/internal/generr"
	"github.com/fablepress/storyforge/internal/model"
	"github.com/fablepress/storyforge/internal/store"
	"github.com/fablepress/storyforge/internal/wizard"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the generation API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env.Store, env.Orchestrator, env.Processor, env.Sink),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// generationRunner is the orchestrator surface the HTTP layer needs.
type generationRunner interface {
	Generate(ctx context.Context, req model.GenerationRequest) (*model.GenerationResult, error)
}

// orderFulfiller is the fulfillment surface the HTTP layer needs.
type orderFulfiller interface {
	Fulfill(ctx context.Context, orderID string) (*fulfillment.Result, error)
}

// metricsSummarizer is the metrics surface the HTTP layer needs.
type metricsSummarizer interface {
	Summary(ctx context.Context, window time.Duration) ([]model.MetricsSummaryRow, error)
}

func newRouter(st store.Store, gen generationRunner, ful orderFulfiller, sink metricsSummarizer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/generate", handleGenerate(st, gen))

		r.Route("/stories", func(r chi.Router) {
			r.Post("/", handleCreateStory(st))
			r.Get("/{storyID}", handleGetStory(st))
			r.Post("/{storyID}/characters", handleAddCharacter(st))
			r.Get("/{storyID}/wizard", handleWizardState(st))
			r.Post("/{storyID}/wizard/advance", handleWizardAdvance(st))
		})

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", handleListOrders(st))
			r.Get("/{orderID}", handleGetOrder(st))
			r.Post("/{orderID}/fulfill", handleFulfill(ful))
		})

		r.Get("/flags", handleGetFlags(st))
		r.Put("/flags", handleSetFlag(st))
		r.Get("/inflight", handleListInflight(st))
		r.Get("/metrics/summary", handleMetricsSummary(sink))
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForKind maps a generation error kind to an HTTP status.
func statusForKind(kind generr.Kind) int {
	switch kind {
	case generr.KindDisabled:
		return http.StatusForbidden
	case generr.KindInvalidInput:
		return http.StatusUnprocessableEntity
	case generr.KindRateLimited:
		return http.StatusTooManyRequests
	case generr.KindTimeout:
		return http.StatusGatewayTimeout
	case generr.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func handleGenerate(st store.Store, gen generationRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Activity    string `json:"activity"`
			UserID      string `json:"user_id"`
			Prompt      string `json:"prompt"`
			StoryID     string `json:"story_id"`
			CharacterID string `json:"character_id"`
			PageID      string `json:"page_id"`
			References  []struct {
				EntityName string `json:"entity_name"`
				MIME       string `json:"mime"`
				Data       []byte `json:"data"`
			} `json:"references"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		activity := model.Activity(req.Activity)
		if !activity.Valid() {
			writeError(w, http.StatusBadRequest, "unknown activity")
			return
		}
		if req.Prompt == "" {
			writeError(w, http.StatusBadRequest, "prompt is required")
			return
		}
		if err := checkWizardReady(r.Context(), st, activity, req.StoryID); err != nil {
			switch {
			case eris.Is(err, errStoryRequired):
				writeError(w, http.StatusBadRequest, "story_id is required for this activity")
			case eris.Is(err, wizard.ErrPriorIncomplete):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, "load wizard state failed")
			}
			return
		}

		genReq := model.GenerationRequest{
			Activity: activity,
			Stage:    model.StageFor(activity),
			UserID:   req.UserID,
			Prompt:   req.Prompt,
			Provider: activityProvider(activity),
		}
		for _, ref := range req.References {
			genReq.ReferenceImages = append(genReq.ReferenceImages, model.ReferenceImage{
				EntityName: ref.EntityName,
				MIME:       ref.MIME,
				Data:       ref.Data,
			})
		}

		result, err := gen.Generate(r.Context(), genReq)
		if err != nil {
			kind := generr.KindOf(err)
			zap.L().Warn("generate request failed",
				zap.String("activity", req.Activity),
				zap.String("kind", string(kind)),
				zap.Error(err))
			writeError(w, statusForKind(kind), string(kind))
			return
		}

		if result.AssetURL != "" {
			if err := persistAsset(r.Context(), st, activity, req.StoryID, req.CharacterID, req.PageID, result.AssetURL); err != nil {
				writeError(w, http.StatusInternalServerError, "persist asset failed")
				return
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"asset_url":  result.AssetURL,
			"inline":     result.Inline,
			"latency_ms": result.Latency.Milliseconds(),
			"tokens_in":  result.TokensIn,
			"tokens_out": result.TokensOut,
		})
	}
}

var errStoryRequired = eris.New("story id required")

// checkWizardReady rejects generation work whose prerequisite wizard stages
// are not completed for the owning story. Activities without prerequisite
// stages pass without a state read.
func checkWizardReady(ctx context.Context, st store.Store, activity model.Activity, storyID string) error {
	stage := model.StageFor(activity)
	if len(wizard.Prerequisites(stage)) == 0 {
		return nil
	}
	if storyID == "" {
		return eris.Wrapf(errStoryRequired, "generate %s", activity)
	}
	state, err := st.GetWizardState(ctx, storyID)
	if err != nil {
		return eris.Wrapf(err, "generate %s: load wizard state", activity)
	}
	if pre, blocked := state.Blocking(stage); blocked {
		return eris.Wrapf(wizard.ErrPriorIncomplete, "generate %s: wizard stage %s", activity, pre)
	}
	return nil
}

// persistAsset writes a hosted asset URL onto the owning entity when its ID
// was supplied with the request.
func persistAsset(ctx context.Context, st store.Store, activity model.Activity, storyID, characterID, pageID, url string) error {
	switch {
	case activity == model.ActivityCharacterThumbnail && characterID != "":
		return st.SetCharacterThumbURL(ctx, characterID, url)
	case (activity == model.ActivityCover || activity == model.ActivityCoverVariant) && storyID != "":
		return st.SetStoryCoverURL(ctx, storyID, url)
	case activity == model.ActivityPageIllustration && pageID != "":
		return st.SetPageIllustrationURL(ctx, pageID, url)
	case activity == model.ActivityPDFExport && storyID != "":
		return st.SetStoryPDFURL(ctx, storyID, url)
	}
	return nil
}

func handleCreateStory(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID string `json:"user_id"`
			Title  string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.UserID == "" || req.Title == "" {
			writeError(w, http.StatusBadRequest, "user_id and title are required")
			return
		}

		story, err := st.CreateStory(r.Context(), model.Story{UserID: req.UserID, Title: req.Title})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "create story failed")
			return
		}
		if err := st.SaveWizardState(r.Context(), story.ID, wizard.NewState()); err != nil {
			writeError(w, http.StatusInternalServerError, "init wizard state failed")
			return
		}
		writeJSON(w, http.StatusCreated, story)
	}
}

func handleGetStory(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		story, err := st.GetStory(r.Context(), chi.URLParam(r, "storyID"))
		if err != nil {
			writeError(w, http.StatusNotFound, "story not found")
			return
		}
		writeJSON(w, http.StatusOK, story)
	}
}

func handleAddCharacter(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storyID := chi.URLParam(r, "storyID")
		var req struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}

		state, err := st.GetWizardState(r.Context(), storyID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "load wizard state failed")
			return
		}
		if err := state.AssignCharacter(); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}

		ch, err := st.CreateCharacter(r.Context(), model.Character{
			StoryID:     storyID,
			Name:        req.Name,
			Description: req.Description,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "create character failed")
			return
		}
		if err := st.SaveWizardState(r.Context(), storyID, state); err != nil {
			writeError(w, http.StatusInternalServerError, "save wizard state failed")
			return
		}
		writeJSON(w, http.StatusCreated, ch)
	}
}

func handleWizardState(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := st.GetWizardState(r.Context(), chi.URLParam(r, "storyID"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "load wizard state failed")
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

func handleWizardAdvance(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storyID := chi.URLParam(r, "storyID")
		var req struct {
			Stage string `json:"stage"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		state, err := st.GetWizardState(r.Context(), storyID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "load wizard state failed")
			return
		}
		if err := state.Advance(model.Stage(req.Stage)); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		if err := st.SaveWizardState(r.Context(), storyID, state); err != nil {
			writeError(w, http.StatusInternalServerError, "save wizard state failed")
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

func handleListOrders(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.OrderFilter{
			Status: model.OrderStatus(r.URL.Query().Get("status")),
			UserID: r.URL.Query().Get("user_id"),
		}
		orders, err := st.ListOrders(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list orders failed")
			return
		}
		writeJSON(w, http.StatusOK, orders)
	}
}

func handleGetOrder(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		order, err := st.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
		if err != nil {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		writeJSON(w, http.StatusOK, order)
	}
}

func handleFulfill(ful orderFulfiller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID := chi.URLParam(r, "orderID")

		res, err := ful.Fulfill(r.Context(), orderID)
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "order not found")
				return
			}
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleGetFlags(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		matrix, err := st.GetFlagMatrix(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "load flags failed")
			return
		}
		writeJSON(w, http.StatusOK, matrix)
	}
}

func handleSetFlag(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stage    string `json:"stage"`
			Activity string `json:"activity"`
			Enabled  bool   `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if !model.Activity(req.Activity).Valid() {
			writeError(w, http.StatusBadRequest, "unknown activity")
			return
		}

		if err := st.SetFlag(r.Context(), model.Stage(req.Stage), model.Activity(req.Activity), req.Enabled); err != nil {
			writeError(w, http.StatusInternalServerError, "set flag failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
	}
}

func handleListInflight(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := st.ListInflight(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list inflight failed")
			return
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func handleMetricsSummary(sink metricsSummarizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		window := 24 * time.Hour
		if raw := r.URL.Query().Get("window"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				writeError(w, http.StatusBadRequest, "invalid window")
				return
			}
			window = d
		}

		rows, err := sink.Summary(r.Context(), window)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "metrics summary failed")
			return
		}
		writeJSON(w, http.StatusOK, rows)
	}
}
