// Package handlers implements the decide endpoint and the small operator
// surface (canary config, manifest introspection). The decide handler is the
// request adapter: it validates the wire shape, freezes the snapshot, runs
// the pipeline, and maps the verdict onto HTTP status codes.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/atiendo/atiendo/orchestrator/internal/api/middleware"
	"github.com/atiendo/atiendo/orchestrator/internal/config"
	"github.com/atiendo/atiendo/orchestrator/internal/manifest"
	"github.com/atiendo/atiendo/orchestrator/internal/pipeline"
	"github.com/atiendo/atiendo/orchestrator/internal/telemetry"
	"github.com/atiendo/atiendo/orchestrator/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// maxUserMessageChars bounds the inbound text.
const maxUserMessageChars = 4096

// Handlers carries the shared dependencies for all routes.
type Handlers struct {
	Orchestrator *pipeline.Orchestrator
	Manifests    *manifest.Store
	Metrics      *telemetry.Metrics
	Cfg          *config.Config

	// workers is the bounded pool: a full channel means the service is
	// saturated and new decide requests bounce with 429.
	workers chan struct{}
}

// New wires the handler set.
func New(cfg *config.Config, orch *pipeline.Orchestrator, manifests *manifest.Store, metrics *telemetry.Metrics) *Handlers {
	size := cfg.Limits.WorkerPool
	if size <= 0 {
		size = 32
	}
	return &Handlers{
		Orchestrator: orch,
		Manifests:    manifests,
		Metrics:      metrics,
		Cfg:          cfg,
		workers:      make(chan struct{}, size),
	}
}

// Decide handles POST /orchestrator/decide.
func (h *Handlers) Decide(w http.ResponseWriter, r *http.Request) {
	select {
	case h.workers <- struct{}{}:
		defer func() { <-h.workers }()
	default:
		h.Metrics.ObserveRejected("saturated")
		respondError(w, http.StatusTooManyRequests, "saturated")
		return
	}

	ctx := r.Context()
	tenantID := middleware.GetWorkspaceID(ctx)
	conversationID := middleware.GetConversationID(ctx)
	requestID := middleware.GetRequestID(ctx)
	channel := strings.TrimSpace(r.Header.Get("X-Channel"))

	if tenantID == "" || conversationID == "" || requestID == "" {
		h.rejectInvalid(w, "missing identifying headers")
		return
	}

	var req models.DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.rejectInvalid(w, "malformed JSON body")
		return
	}
	if utf8.RuneCountInString(req.UserMessage.Text) > maxUserMessageChars {
		h.rejectInvalid(w, "user message too long")
		return
	}
	if !req.Context.Vertical.Valid() {
		h.rejectInvalid(w, "unknown vertical")
		return
	}

	snap, err := h.buildSnapshot(tenantID, conversationID, requestID, channel, req)
	if err != nil {
		h.rejectInvalid(w, err.Error())
		return
	}

	resp, denied := h.Orchestrator.Decide(ctx, snap)

	status := http.StatusOK
	if denied {
		// The assistant text is still included; the engine relays it.
		status = http.StatusConflict
	}
	respondJSON(w, status, resp)
}

// buildSnapshot freezes the request into the immutable pipeline input,
// splitting reserved `_`-prefixed slots into the internal map and bounding
// the observation window.
func (h *Handlers) buildSnapshot(tenantID, conversationID, requestID, channel string, req models.DecideRequest) (models.Snapshot, error) {
	slots, err := models.SlotMapFromAny(req.State.Slots)
	if err != nil {
		return models.Snapshot{}, err
	}
	user := models.SlotMap{}
	internal := models.SlotMap{}
	for name, value := range slots {
		if strings.HasPrefix(name, "_") {
			internal[name] = value
		} else {
			user[name] = value
		}
	}

	observations := req.State.LastKObservations
	if window := h.Cfg.Pipeline.ObservationWindow; window > 0 && len(observations) > window {
		observations = observations[len(observations)-window:]
	}

	fsmState := ""
	if req.State.FSMState != nil {
		fsmState = *req.State.FSMState
	}

	return models.Snapshot{
		TenantID:       tenantID,
		ChannelID:      channel,
		ConversationID: conversationID,
		RequestID:      requestID,
		Vertical:       req.Context.Vertical,
		BusinessName:   req.Context.BusinessName,
		Locale:         req.UserMessage.Locale,
		UserMessage:    req.UserMessage.Text,
		FSMState:       fsmState,
		Slots:          user,
		Internal:       internal,
		Observations:   observations,
	}, nil
}

// GetCanary handles GET /orchestrator/canary.
func (h *Handlers) GetCanary(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Orchestrator.CanaryConfig())
}

// PutCanary handles PUT /orchestrator/canary (operator action).
func (h *Handlers) PutCanary(w http.ResponseWriter, r *http.Request) {
	var cfg config.CanaryConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.rejectInvalid(w, "malformed JSON body")
		return
	}
	if cfg.CanaryPercent < 0 || cfg.CanaryPercent > 100 {
		h.rejectInvalid(w, "canary_percent must be 0-100")
		return
	}
	h.Orchestrator.SetCanaryConfig(cfg)
	respondJSON(w, http.StatusOK, cfg)
}

// GetManifest handles GET /orchestrator/manifest/{vertical}.
func (h *Handlers) GetManifest(w http.ResponseWriter, r *http.Request) {
	vertical := models.Vertical(chi.URLParam(r, "vertical"))
	if !vertical.Valid() {
		h.rejectInvalid(w, "unknown vertical")
		return
	}
	respondJSON(w, http.StatusOK, h.Manifests.Get(vertical).VerticalManifest)
}

func (h *Handlers) rejectInvalid(w http.ResponseWriter, detail string) {
	h.Metrics.ObserveRejected("invalid_request")
	log.Debug().Str("detail", detail).Msg("invalid_request")
	respondError(w, http.StatusBadRequest, "invalid_request")
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, code string) {
	respondJSON(w, status, map[string]string{"error": code})
}
