package jobstore

import "errors"

var (
	ErrNotFound          = errors.New("job not found")
	ErrNarrationApproved = errors.New("narration already approved")
	ErrNoDraft           = errors.New("no narration draft to act on")
	// ErrTerminal is returned by Cache.Patch when the patch would move a job
	// out of ready or error.
	ErrTerminal = errors.New("job status is terminal")
)
