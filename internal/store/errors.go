package store

import "errors"

// Sentinel errors. Callers classify by kind with errors.Is; raw Badger
// errors never cross the package boundary.
var (
	// ErrBookNotFound is returned when no book record exists for a well-formed ID.
	ErrBookNotFound = errors.New("book not found")
	// ErrInvalidBookID is returned when an ID is not a reference this store
	// could ever have issued. Distinct from ErrBookNotFound so callers can
	// tell a malformed reference from an absent record, even though both
	// surface as a 404.
	ErrInvalidBookID = errors.New("invalid book id")
	// ErrUserNotFound is returned when a user cannot be found by ID or email.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned when attempting to create a user with an existing ID.
	ErrUserExists = errors.New("user already exists")
	// ErrEmailExists is returned when attempting to create a user with an email that's already in use.
	ErrEmailExists = errors.New("email already in use")
	// ErrBookExists is returned when attempting to create a book with an existing ID.
	ErrBookExists = errors.New("book already exists")
)
