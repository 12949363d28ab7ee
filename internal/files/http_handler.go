package files

import (
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/rpattn/claimsflow/internal/auth"
	"github.com/rpattn/claimsflow/internal/domain"
	"github.com/rpattn/claimsflow/internal/httpx"
)

// Handler exposes file upload and status routes.
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

// Register adds the file routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /files", h.handleUpload)
	mux.HandleFunc("GET /files/{fileID}", h.handleGet)
	mux.HandleFunc("PUT /files/{fileID}/status", h.handleUpdateStatus)
	mux.HandleFunc("GET /files/{fileID}/history", h.handleHistory)
}

type statusPayload struct {
	Status          domain.FileStatus      `json:"status"`
	ProcessingStage domain.ProcessingStage `json:"processingStage"`
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize+(1<<20))
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		httpx.BadRequest(w, fmt.Sprintf("invalid form data: %v", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.BadRequest(w, fmt.Sprintf("file required: %v", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		httpx.BadRequest(w, fmt.Sprintf("failed to read file: %v", err))
		return
	}

	created, err := h.service.Upload(r.Context(), UploadRequest{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
		Actor:       auth.ActorFromContext(r.Context()),
	})
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	fileID, err := httpx.PathUUID(r, "fileID")
	if err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	file, err := h.service.Get(r.Context(), fileID)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, file)
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	fileID, err := httpx.PathUUID(r, "fileID")
	if err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	var payload statusPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	file, err := h.service.UpdateStatus(r.Context(), fileID, payload.Status, payload.ProcessingStage, auth.ActorFromContext(r.Context()))
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, file)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	fileID, err := httpx.PathUUID(r, "fileID")
	if err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	history, err := h.service.History(r.Context(), fileID)
	if err != nil {
		httpx.WriteError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, history)
}
