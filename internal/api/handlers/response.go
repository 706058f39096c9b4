// Package handlers implements the HTTP handlers of the deployment API.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	apierrors "github.com/narvanalabs/botrunner/internal/api/errors"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	apierrors.WriteJSON(w, status, data)
}

// WriteError writes err as a structured API error. Errors outside the
// deployment taxonomy are reported as internal errors.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	apierrors.WriteErrorWithRequestID(w, apierrors.FromError(err), middleware.GetReqID(r.Context()))
}

// WriteBadRequest writes a 400 validation error.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	apierrors.WriteErrorWithRequestID(w, apierrors.NewValidationError(message), middleware.GetReqID(r.Context()))
}

// deploymentParams returns the tenant and deployment IDs from the route.
func deploymentParams(r *http.Request) (serverID, deploymentID string) {
	return chi.URLParam(r, "serverID"), chi.URLParam(r, "deploymentID")
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (int64, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, true, err
	}
	return v, true, nil
}

// maxJSONBody caps small JSON request bodies.
const maxJSONBody = 64 << 10

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v)
}
