package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/narvanalabs/botrunner/internal/sandbox"
)

// FileService is the subset of the deploy service used by FileHandler.
type FileService interface {
	ListFiles(ctx context.Context, serverID, deploymentID, rel string) ([]sandbox.FileInfo, error)
	ReadFile(ctx context.Context, serverID, deploymentID, rel string) ([]byte, error)
	WriteFile(ctx context.Context, serverID, deploymentID, rel string, content []byte) error
	CreateFile(ctx context.Context, serverID, deploymentID, rel string) error
	DeleteFile(ctx context.Context, serverID, deploymentID, rel string) error
}

// FileHandler exposes the deployment sandbox.
type FileHandler struct {
	svc         FileService
	maxFileSize int64
	logger      *slog.Logger
}

// NewFileHandler creates a new file handler. maxFileSize caps uploaded content.
func NewFileHandler(svc FileService, maxFileSize int64, logger *slog.Logger) *FileHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileHandler{
		svc:         svc,
		maxFileSize: maxFileSize,
		logger:      logger,
	}
}

// List handles GET .../files?path=.
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	serverID, deploymentID := deploymentParams(r)
	rel := r.URL.Query().Get("path")

	files, err := h.svc.ListFiles(r.Context(), serverID, deploymentID, rel)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if files == nil {
		files = []sandbox.FileInfo{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"path":  rel,
		"files": files,
	})
}

// Read handles GET .../files/content?path=.
func (h *FileHandler) Read(w http.ResponseWriter, r *http.Request) {
	serverID, deploymentID := deploymentParams(r)
	rel, ok := requirePath(w, r)
	if !ok {
		return
	}

	content, err := h.svc.ReadFile(r.Context(), serverID, deploymentID, rel)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

// Write handles PUT .../files/content?path= with the raw content as body.
func (h *FileHandler) Write(w http.ResponseWriter, r *http.Request) {
	serverID, deploymentID := deploymentParams(r)
	rel, ok := requirePath(w, r)
	if !ok {
		return
	}

	content, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxFileSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteBadRequest(w, r, "file exceeds the size limit")
			return
		}
		WriteBadRequest(w, r, "failed to read request body")
		return
	}

	if err := h.svc.WriteFile(r.Context(), serverID, deploymentID, rel, content); err != nil {
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Create handles POST .../files?path=. A path ending in "/" creates a directory.
func (h *FileHandler) Create(w http.ResponseWriter, r *http.Request) {
	serverID, deploymentID := deploymentParams(r)
	rel, ok := requirePath(w, r)
	if !ok {
		return
	}

	if err := h.svc.CreateFile(r.Context(), serverID, deploymentID, rel); err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{
		"path":   rel,
		"is_dir": strings.HasSuffix(rel, "/"),
	})
}

// Delete handles DELETE .../files?path=.
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	serverID, deploymentID := deploymentParams(r)
	rel, ok := requirePath(w, r)
	if !ok {
		return
	}

	if err := h.svc.DeleteFile(r.Context(), serverID, deploymentID, rel); err != nil {
		WriteError(w, r, err)
		return
	}
	h.logger.Info("file deleted", "server_id", serverID, "deployment_id", deploymentID, "path", rel)
	w.WriteHeader(http.StatusNoContent)
}

func requirePath(w http.ResponseWriter, r *http.Request) (string, bool) {
	rel := r.URL.Query().Get("path")
	if rel == "" {
		WriteBadRequest(w, r, "path query parameter is required")
		return "", false
	}
	return rel, true
}
