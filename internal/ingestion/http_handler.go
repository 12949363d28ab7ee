package ingestion

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpattn/claimsflow/internal/auth"
	"github.com/rpattn/claimsflow/internal/domain"
	"github.com/rpattn/claimsflow/internal/httpx"
)

// Handler exposes ingestion over HTTP.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHTTPHandler wraps the service.
func NewHTTPHandler(service *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}
}

// Register adds the ingestion routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /files/{fileID}/process", h.handleStart)
	mux.HandleFunc("GET /files/{fileID}/process/status", h.handleStatus)
	mux.HandleFunc("GET /files/{fileID}/claims", h.handleListClaims)
}

type startResponse struct {
	ProcessingID uuid.UUID `json:"processingId"`
	Status       string    `json:"status"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	fileID, err := httpx.PathUUID(r, "fileID")
	if err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	processingID, err := h.service.Start(r.Context(), fileID, auth.ActorFromContext(r.Context()))
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, startResponse{
		ProcessingID: processingID,
		Status:       string(domain.ProcessingStatusPending),
	})
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

func (h *Handler) handleListClaims(w http.ResponseWriter, r *http.Request) {
	fileID, err := httpx.PathUUID(r, "fileID")
	if err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	limit, err := httpx.QueryInt(r, "limit", 50)
	if err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	offset, err := httpx.QueryInt(r, "offset", 0)
	if err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	filter := domain.ClaimFilter{
		ValidationStatus: strings.TrimSpace(r.URL.Query().Get("validationStatus")),
		Limit:            limit,
		Offset:           offset,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("enriched")); raw != "" {
		enriched, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.BadRequest(w, "invalid enriched flag")
			return
		}
		filter.Enriched = &enriched
	}

	page, err := h.service.ListClaims(r.Context(), fileID, filter)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, page)
}
