package meta

import "errors"

// Error kinds of the biasing engine. Callers test with errors.Is; the
// replica cycle retries file errors, input errors abort configuration.
var (
	// ErrInput indicates an invalid or conflicting configuration.
	ErrInput = errors.New("meta: input error")

	// ErrFile indicates a failed open/read/write/rename.
	ErrFile = errors.New("meta: file error")

	// ErrBug indicates a violated internal invariant.
	ErrBug = errors.New("meta: bug error")
)
