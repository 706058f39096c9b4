package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	deployerrors "github.com/narvanalabs/botrunner/internal/errors"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   string
		status int
	}{
		{"validation", deployerrors.NewValidationError("archive is empty"), CodeValidationError, http.StatusBadRequest},
		{"not found", deployerrors.NewNotFoundError("deployment x not found"), CodeNotFound, http.StatusNotFound},
		{"conflict", deployerrors.NewConflictError("still deploying"), CodeConflict, http.StatusConflict},
		{"path traversal", deployerrors.NewPathTraversalError("../x"), CodePathTraversal, http.StatusBadRequest},
		{"ports", deployerrors.NewPortExhaustionError(fmt.Errorf("no ports")), CodePortExhausted, http.StatusServiceUnavailable},
		{"install", deployerrors.NewDependencyInstallError("install", fmt.Errorf("exit 1")), CodeDependencyInstallFailed, http.StatusUnprocessableEntity},
		{"wrapped", fmt.Errorf("reading file: %w", deployerrors.NewNotFoundError("gone")), CodeNotFound, http.StatusNotFound},
		{"plain", fmt.Errorf("disk on fire"), CodeInternalError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(tt.err)
			if got.Code != tt.code {
				t.Errorf("Code = %q, want %q", got.Code, tt.code)
			}
			if got.HTTPStatusCode() != tt.status {
				t.Errorf("HTTPStatusCode() = %d, want %d", got.HTTPStatusCode(), tt.status)
			}
		})
	}
}

func TestFromErrorHidesInternalMessages(t *testing.T) {
	got := FromError(fmt.Errorf("pq: password authentication failed for user bot"))
	if got.Message != "An unexpected error occurred" {
		t.Errorf("Message = %q", got.Message)
	}
}

func TestFromErrorKeepsSuggestions(t *testing.T) {
	err := deployerrors.NewStartCommandExhaustedError("Error: Invalid token")
	got := FromError(err)
	if len(got.Suggestions) != len(err.Suggestions) {
		t.Errorf("Suggestions = %v, want %v", got.Suggestions, err.Suggestions)
	}
}

func TestPropertyStructuredErrorResponseFormat(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	genErrorCode := gen.OneConstOf(
		CodeValidationError,
		CodeNotFound,
		CodeConflict,
		CodePortExhausted,
		CodeDependencyInstallFailed,
		CodeStartCommandsExhausted,
		CodePathTraversal,
		CodeProcessSpawnFailed,
		CodeInternalError,
	)
	genMessage := gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 })
	genRequestID := gen.RegexMatch("[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}")

	properties.Property("written body carries code, message and request id", prop.ForAll(
		func(code, message, requestID string) bool {
			rr := httptest.NewRecorder()
			WriteErrorWithRequestID(rr, New(code, message), requestID)

			if rr.Code != New(code, message).HTTPStatusCode() {
				return false
			}
			if rr.Header().Get("Content-Type") != "application/json" {
				return false
			}

			var body APIError
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				return false
			}
			return body.Code == code && body.Message == message && body.RequestID == requestID
		},
		genErrorCode,
		genMessage,
		genRequestID,
	))

	properties.Property("only internal failures map to 5xx", prop.ForAll(
		func(code string) bool {
			status := New(code, "x").HTTPStatusCode()
			internal := code == CodeInternalError || code == CodeProcessSpawnFailed || code == CodePortExhausted
			return (status >= 500) == internal
		},
		genErrorCode,
	))

	properties.TestingRun(t)
}

func TestValidationErrorsToAPIError(t *testing.T) {
	var v ValidationErrors
	v.Add("archive", "archive is required")
	v.Add("server_name", "server_name is too long")

	got := v.ToAPIError()
	if got.Code != CodeValidationError {
		t.Errorf("Code = %q", got.Code)
	}
	if got.Message != "archive is required (and 1 more errors)" {
		t.Errorf("Message = %q", got.Message)
	}
}
