package app

import "errors"

// Domain errors surfaced to the HTTP boundary, which maps each to a status
// code. Infrastructure failures are wrapped and fall through as 500s.
var (
	ErrEmailAndPasswordRequired = errors.New("email and password are required")
	ErrEmailAlreadyExists       = errors.New("email already registered")
	ErrInvalidCredentials       = errors.New("invalid email or password")

	ErrBookNotFound    = errors.New("book not found")
	ErrForbidden       = errors.New("you do not have permission to perform this action")
	ErrInvalidBook     = errors.New("invalid book payload")
	ErrInvalidRating   = errors.New("rating out of range")
	ErrDuplicateRating = errors.New("user has already rated this book")
)
