package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/narvanalabs/botrunner/internal/logs"
	"github.com/narvanalabs/botrunner/internal/models"
)

// LogService is the subset of the deploy service used by LogHandler.
type LogService interface {
	GetState(ctx context.Context, serverID, deploymentID string) (*models.DeploymentSnapshot, error)
	GetLogPage(ctx context.Context, serverID, deploymentID string, beforeID int64, limit int) ([]models.LogLine, error)
	ClearLogs(ctx context.Context, serverID, deploymentID string) error
	WriteInput(ctx context.Context, serverID, deploymentID, data string) error
}

// LogHandler handles log-related HTTP requests.
type LogHandler struct {
	svc    LogService
	broker Broker
	stream StreamConfig
	logger *slog.Logger
}

// NewLogHandler creates a new log handler. broker may be nil, in which case
// the websocket endpoint only replays the backlog.
func NewLogHandler(svc LogService, broker Broker, stream StreamConfig, logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{
		svc:    svc,
		broker: broker,
		stream: stream.withDefaults(),
		logger: logger,
	}
}

// maxLogPageSize caps the limit query parameter.
const maxLogPageSize = 500

// LogPageResponse is one page of a deployment journal.
type LogPageResponse struct {
	DeploymentID string           `json:"deployment_id"`
	Logs         []models.LogLine `json:"logs"`
	QR           *models.LogLine  `json:"qr,omitempty"`
	// NextBefore is the cursor for the preceding page, or 0 when no older
	// line exists.
	NextBefore int64 `json:"next_before,omitempty"`
}

// Get handles GET .../logs?before=&limit=.
func (h *LogHandler) Get(w http.ResponseWriter, r *http.Request) {
	serverID, deploymentID := deploymentParams(r)

	before, _, err := queryInt(r, "before")
	if err != nil || before < 0 {
		WriteBadRequest(w, r, "before must be a non-negative integer")
		return
	}
	limit, _, err := queryInt(r, "limit")
	if err != nil || limit < 0 {
		WriteBadRequest(w, r, "limit must be a non-negative integer")
		return
	}

	if limit == 0 {
		limit = logs.DefaultPageSize
	}
	if limit > maxLogPageSize {
		limit = maxLogPageSize
	}

	// One extra line tells whether an older page exists; IDs do not start
	// at 1 after a clear.
	lines, err := h.svc.GetLogPage(r.Context(), serverID, deploymentID, before, int(limit)+1)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	resp := LogPageResponse{DeploymentID: deploymentID, Logs: []models.LogLine{}}
	if len(lines) > int(limit) {
		lines = lines[len(lines)-int(limit):]
		resp.NextBefore = lines[0].ID
	}
	if len(lines) > 0 {
		resp.Logs = lines
	}
	if before == 0 {
		if snap, err := h.svc.GetState(r.Context(), serverID, deploymentID); err == nil {
			resp.QR = snap.QR
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Clear handles DELETE .../logs.
func (h *LogHandler) Clear(w http.ResponseWriter, r *http.Request) {
	serverID, deploymentID := deploymentParams(r)
	if err := h.svc.ClearLogs(r.Context(), serverID, deploymentID); err != nil {
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
