package mapping

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/rpattn/claimsflow/internal/auth"
	"github.com/rpattn/claimsflow/internal/httpx"
)

// Handler exposes the mapping service over HTTP.
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

// Register adds the mapping routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /mapping/catalog", h.handleCatalog)
	mux.HandleFunc("GET /files/{fileID}/mapping", h.handleGet)
	mux.HandleFunc("POST /files/{fileID}/mapping", h.handleSave)
	mux.HandleFunc("GET /files/{fileID}/mapping/suggest", h.handleSuggest)
}

type savePayload struct {
	Columns []ColumnInput `json:"columns"`
}

func (h *Handler) handleCatalog(w http.ResponseWriter, r *http.Request) {
	catalog, err := h.service.Catalog(r.Context())
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, catalog)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	fileID, err := httpx.PathUUID(r, "fileID")
	if err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	mapping, err := h.service.Get(r.Context(), fileID)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, mapping)
}

func (h *Handler) handleSuggest(w http.ResponseWriter, r *http.Request) {
	fileID, err := httpx.PathUUID(r, "fileID")
	if err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	result, err := h.service.Suggest(r.Context(), fileID)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) {
	fileID, err := httpx.PathUUID(r, "fileID")
	if err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	var payload savePayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	mapping, err := h.service.Save(r.Context(), fileID, payload.Columns, auth.ActorFromContext(r.Context()))
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, mapping)
}
