package portal

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrNotActive       = errors.New("challenge is not active")
	ErrAlreadySolved   = errors.New("challenge already solved")
	ErrRateLimited     = errors.New("too many attempts")
	ErrEmptySubmission = errors.New("submission value is empty")
	ErrForbidden       = errors.New("administrator credential required")
)
