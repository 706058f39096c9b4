package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	apierrors "github.com/narvanalabs/botrunner/internal/api/errors"
	"github.com/narvanalabs/botrunner/internal/models"
)

// multipartMemory is how much of an upload is buffered in memory before
// spilling to a temporary file.
const multipartMemory = 32 << 20

// DeploymentService is the subset of the deploy service used by
// DeploymentHandler.
type DeploymentService interface {
	Deploy(ctx context.Context, data []byte, fileName, serverName, serverID string) (string, error)
	GetState(ctx context.Context, serverID, deploymentID string) (*models.DeploymentSnapshot, error)
	List(ctx context.Context, serverID string) ([]*models.DeploymentSnapshot, error)
	Stop(ctx context.Context, serverID, deploymentID string) error
	CompleteStop(ctx context.Context, serverID, deploymentID string) error
	Reset(ctx context.Context, serverID, deploymentID string) error
	Restart(ctx context.Context, serverID, deploymentID string) error
	WriteInput(ctx context.Context, serverID, deploymentID, data string) error
}

// DeploymentHandler handles deployment-related HTTP requests.
type DeploymentHandler struct {
	svc       DeploymentService
	maxUpload int64
	logger    *slog.Logger
}

// NewDeploymentHandler creates a new deployment handler. maxUpload caps the
// archive size accepted from clients.
func NewDeploymentHandler(svc DeploymentService, maxUpload int64, logger *slog.Logger) *DeploymentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeploymentHandler{
		svc:       svc,
		maxUpload: maxUpload,
		logger:    logger,
	}
}

// CreateDeploymentResponse is returned when an archive is accepted.
type CreateDeploymentResponse struct {
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
}

// InputRequest is the body of a console input request.
type InputRequest struct {
	Data string `json:"data"`
}

// Create handles POST /v1/servers/{serverID}/deployments. The body is a
// multipart form with an "archive" file and an optional "server_name".
func (h *DeploymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteBadRequest(w, r, "archive exceeds the upload limit")
			return
		}
		WriteBadRequest(w, r, "expected a multipart form with an archive file")
		return
	}
	defer r.MultipartForm.RemoveAll()

	var fields apierrors.ValidationErrors
	file, header, err := r.FormFile("archive")
	if err != nil {
		fields.Add("archive", "archive file is required")
	}
	serverName := r.FormValue("server_name")
	if len(serverName) > 100 {
		fields.Add("server_name", "server_name must be at most 100 characters")
	}
	if fields.HasErrors() {
		if file != nil {
			file.Close()
		}
		apierrors.WriteError(w, fields.ToAPIError())
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUpload+1))
	if err != nil {
		h.logger.Error("failed to read upload", "error", err, "server_id", serverID)
		WriteBadRequest(w, r, "failed to read archive")
		return
	}

	id, err := h.svc.Deploy(r.Context(), data, header.Filename, serverName, serverID)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, CreateDeploymentResponse{DeploymentID: id, Status: "accepted"})
}

// List handles GET /v1/servers/{serverID}/deployments.
func (h *DeploymentHandler) List(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.svc.List(r.Context(), chi.URLParam(r, "serverID"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"deployments": snaps})
}

// Get handles GET /v1/servers/{serverID}/deployments/{deploymentID}.
func (h *DeploymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	serverID, deploymentID := deploymentParams(r)
	snap, err := h.svc.GetState(r.Context(), serverID, deploymentID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

// Stop handles POST .../stop.
func (h *DeploymentHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "stop", h.svc.Stop, http.StatusOK)
}

// Restart handles POST .../restart. The restart runs in the background.
func (h *DeploymentHandler) Restart(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "restart", h.svc.Restart, http.StatusAccepted)
}

// CompleteStop handles POST .../complete-stop.
func (h *DeploymentHandler) CompleteStop(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "complete-stop", h.svc.CompleteStop, http.StatusOK)
}

// Reset handles POST .../reset.
func (h *DeploymentHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "reset", h.svc.Reset, http.StatusOK)
}

func (h *DeploymentHandler) lifecycle(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, string, string) error, status int) {
	serverID, deploymentID := deploymentParams(r)
	if err := fn(r.Context(), serverID, deploymentID); err != nil {
		h.logger.Warn("lifecycle action failed",
			"action", action,
			"server_id", serverID,
			"deployment_id", deploymentID,
			"error", err,
		)
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, status, map[string]string{
		"deployment_id": deploymentID,
		"action":        action,
	})
}

// Input handles POST .../input with an InputRequest body.
func (h *DeploymentHandler) Input(w http.ResponseWriter, r *http.Request) {
	serverID, deploymentID := deploymentParams(r)

	var req InputRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteBadRequest(w, r, "invalid request body")
		return
	}
	if err := h.svc.WriteInput(r.Context(), serverID, deploymentID, req.Data); err != nil {
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
