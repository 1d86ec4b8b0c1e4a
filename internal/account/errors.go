package account

import "errors"

// Common errors
var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrVersionConflict   = errors.New("account version conflict")
	ErrDuplicateUsername = errors.New("username already in use")
	ErrDuplicateEmail    = errors.New("email already in use")
	ErrInvalidArgument   = errors.New("invalid argument")
)
