package domain

import "errors"

// Domain errors. Wrap these with fmt.Errorf("%w: ...") so handlers can
// classify failures with errors.Is.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the resource exists or is owned by someone else.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput indicates the request failed validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrForbidden indicates the actor may not perform the operation.
	ErrForbidden = errors.New("forbidden")

	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRemoteUnavailable indicates a node agent could not be reached or
	// answered with a failure.
	ErrRemoteUnavailable = errors.New("remote unavailable")
)

// APIError is the JSON error body returned by the HTTP layer.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}
