package errs

import "errors"

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrStaleUpdate     = errors.New("stale location update")
	ErrUnsupported     = errors.New("unsupported replay target")
)
