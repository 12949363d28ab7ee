package enrichment

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/claimsflow/internal/auth"
	"github.com/rpattn/claimsflow/internal/domain"
	"github.com/rpattn/claimsflow/internal/httpx"
)

// Handler exposes enrichment over HTTP.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

func NewHTTPHandler(service *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}
}

// Register adds the enrichment routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /files/{fileID}/enrichment", h.handleStart)
	mux.HandleFunc("GET /files/{fileID}/enrichment/status", h.handleStatus)
	mux.HandleFunc("GET /files/{fileID}/enrichment/validate", h.handleValidate)
	mux.HandleFunc("GET /files/{fileID}/enrichment/failures", h.handleFailures)
}

type startResponse struct {
	RunID  uuid.UUID                  `json:"runId"`
	Status domain.EnrichmentRunStatus `json:"status"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	fileID, err := httpx.PathUUID(r, "fileID")
	if err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	runID, err := h.service.Start(r.Context(), fileID, auth.ActorFromContext(r.Context()))
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, startResponse{RunID: runID, Status: domain.EnrichmentRunPending})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	fileID, err := httpx.PathUUID(r, "fileID")
	if err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	status, err := h.service.Status(r.Context(), fileID)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, status)
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	fileID, err := httpx.PathUUID(r, "fileID")
	if err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	rules, err := h.service.Validate(r.Context(), fileID)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	canRun := false
	for _, rule := range rules {
		canRun = canRun || rule.CanRun
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"canEnrich": canRun,
		"rules":     rules,
	})
}

func (h *Handler) handleFailures(w http.ResponseWriter, r *http.Request) {
	fileID, err := httpx.PathUUID(r, "fileID")
	if err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	limit, err := httpx.QueryInt(r, "limit", 100)
	if err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	offset, err := httpx.QueryInt(r, "offset", 0)
	if err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	failures, err := h.service.Failures(r.Context(), fileID, limit, offset)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, failures)
}
