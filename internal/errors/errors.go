// Package errors provides the error taxonomy for deployments.
package errors

import (
	"errors"
	"fmt"
)

// Error categories group codes by the component that raised them.
const (
	CategoryRequest = "request"
	CategoryInstall = "install"
	CategoryStart   = "start"
	CategoryPorts   = "ports"
	CategorySandbox = "sandbox"
)

// Error codes.
const (
	CodeValidation              = "VALIDATION_ERROR"
	CodeNotFound                = "NOT_FOUND"
	CodeConflict                = "CONFLICT"
	CodePortExhausted           = "PORT_EXHAUSTED"
	CodeDependencyInstallFailed = "DEPENDENCY_INSTALL_FAILED"
	CodeStartCommandsExhausted  = "START_COMMANDS_EXHAUSTED"
	CodePathTraversal           = "PATH_TRAVERSAL"
	CodeProcessSpawnFailed      = "PROCESS_SPAWN_FAILED"
)

// Sentinels for errors.Is comparisons. A *DeployError matches the sentinel
// carrying the same code.
var (
	ErrValidation              = &DeployError{Code: CodeValidation, Category: CategoryRequest}
	ErrNotFound                = &DeployError{Code: CodeNotFound, Category: CategoryRequest}
	ErrConflict                = &DeployError{Code: CodeConflict, Category: CategoryRequest}
	ErrPortExhausted           = &DeployError{Code: CodePortExhausted, Category: CategoryPorts}
	ErrDependencyInstallFailed = &DeployError{Code: CodeDependencyInstallFailed, Category: CategoryInstall}
	ErrStartCommandsExhausted  = &DeployError{Code: CodeStartCommandsExhausted, Category: CategoryStart}
	ErrPathTraversal           = &DeployError{Code: CodePathTraversal, Category: CategorySandbox}
	ErrProcessSpawnFailed      = &DeployError{Code: CodeProcessSpawnFailed, Category: CategoryStart}
)

// DeployError is a classified deployment failure.
type DeployError struct {
	Err         error
	Code        string
	Category    string
	Suggestions []string
}

// Error implements the error interface.
func (e *DeployError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Code)
}

// Unwrap returns the underlying error.
func (e *DeployError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a DeployError with the same code.
func (e *DeployError) Is(target error) bool {
	t, ok := target.(*DeployError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithSuggestions sets the suggestions on the error.
func (e *DeployError) WithSuggestions(suggestions ...string) *DeployError {
	e.Suggestions = suggestions
	return e
}

// New creates a DeployError wrapping err.
func New(err error, code, category string) *DeployError {
	return &DeployError{
		Err:      err,
		Code:     code,
		Category: category,
	}
}

// NewValidationError reports a malformed or oversized request.
func NewValidationError(format string, args ...any) *DeployError {
	return New(fmt.Errorf(format, args...), CodeValidation, CategoryRequest)
}

// NewNotFoundError reports an unknown deployment or file.
func NewNotFoundError(format string, args ...any) *DeployError {
	return New(fmt.Errorf(format, args...), CodeNotFound, CategoryRequest)
}

// NewConflictError reports an operation that is invalid in the current stage.
func NewConflictError(format string, args ...any) *DeployError {
	return New(fmt.Errorf(format, args...), CodeConflict, CategoryRequest)
}

// NewPortExhaustionError reports that no port in the scanned range was free.
func NewPortExhaustionError(err error) *DeployError {
	return New(err, CodePortExhausted, CategoryPorts).WithSuggestions(
		"Stop unused deployments to release their ports",
	)
}

// NewDependencyInstallError reports a failed required install step.
func NewDependencyInstallError(step string, err error) *DeployError {
	return New(fmt.Errorf("install step %q failed: %w", step, err), CodeDependencyInstallFailed, CategoryInstall).WithSuggestions(
		"Check package.json for invalid or private dependencies",
		"Commit a lock file so installs are reproducible",
	)
}

// NewStartCommandExhaustedError reports that every start candidate failed.
func NewStartCommandExhaustedError(lastMessage string) *DeployError {
	if lastMessage == "" {
		lastMessage = "no start command stayed alive"
	}
	return New(errors.New(lastMessage), CodeStartCommandsExhausted, CategoryStart).WithSuggestions(
		"Add a \"start\" script to package.json",
		"Make sure the entry file does not exit immediately",
	)
}

// NewPathTraversalError reports a path that escapes the sandbox root.
func NewPathTraversalError(path string) *DeployError {
	return New(fmt.Errorf("path %q escapes the deployment directory", path), CodePathTraversal, CategorySandbox)
}

// NewProcessSpawnError reports an OS-level failure to launch a command.
func NewProcessSpawnError(command string, err error) *DeployError {
	return New(fmt.Errorf("spawning %s: %w", command, err), CodeProcessSpawnFailed, CategoryStart)
}

// CodeOf returns the code of the first DeployError in err's chain, or "".
func CodeOf(err error) string {
	var de *DeployError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
