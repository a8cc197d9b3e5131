package store

import "errors"

// ErrJobNotFound is returned by RetryFailed when the target row does not
// exist or is not currently in the failed state.
var ErrJobNotFound = errors.New("job_not_found")
