package store

import (
	"errors"

	"grimoire/internal/domain"
)

// ErrNotFound signals that a record does not exist in the store.
var ErrNotFound = errors.New("record not found")

// Store defines persistence operations for users and books.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)

	// books
	SaveBook(domain.Book) error
	GetBook(id string) (domain.Book, bool, error)
	ListBooks() ([]domain.Book, error)
	ListTopRated(n int) ([]domain.Book, error)
	// SetBookRatings persists the ratings list together with the recomputed
	// average in a single write. Returns ErrNotFound when the book is gone.
	SetBookRatings(id string, ratings []domain.Rating, average float64) error
	// DeleteBook removes the record. Returns ErrNotFound when the id does
	// not resolve; deletion is not idempotent at the store level.
	DeleteBook(id string) error
}

// SessionStore issues and validates session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}
