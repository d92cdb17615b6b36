package engine

import "errors"

// Sentinel errors returned by Engine operations. Callers match them with
// errors.Is; EngineHTTPStatus maps them to status codes.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrSaveFailed    = errors.New("failed to save config")
	ErrUnavailable   = errors.New("unavailable") // no transport able to serve the request
)
