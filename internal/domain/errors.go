package domain

import "errors"

// Error kinds shared across packages. Wrap them with fmt.Errorf("...: %w")
// and match with errors.Is.
var (
	// ErrConfig marks missing or unknown configuration: API key, base URL,
	// model id. Never retried.
	ErrConfig = errors.New("configuration error")
	// ErrRemote marks a failed call to the embedding API.
	ErrRemote = errors.New("remote error")
	// ErrNotFound marks a missing knowledge base or document.
	ErrNotFound = errors.New("not found")
	// ErrInvalid marks input that violates a record invariant.
	ErrInvalid = errors.New("invalid argument")
)
