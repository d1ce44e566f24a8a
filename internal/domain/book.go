// Package domain contains the core business entities and domain logic for the Grimoire book catalog.
package domain

import (
	"time"

	"github.com/grimoireapp/grimoire-server/internal/errors"
)

// Rating bounds accepted from users.
const (
	MinGrade = 0
	MaxGrade = 5
)

// Rating is a single user's grade for a book.
type Rating struct {
	UserID string  `json:"user_id"`
	Grade  float64 `json:"grade"`
}

// Book represents a catalog entry.
//
// Ratings is ordered by insertion (chronological rating order) and holds at
// most one entry per user. AverageRating is derived from Ratings and is only
// recomputed through AddRating, which is the sole mutation path for Ratings.
type Book struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Author        string    `json:"author"`
	Genre         string    `json:"genre"`
	Year          int       `json:"year"`
	ImageRef      string    `json:"image_ref"`
	BlurHash      string    `json:"blur_hash,omitempty"`
	OwnerID       string    `json:"owner_id"`
	Ratings       []Rating  `json:"ratings"`
	AverageRating float64   `json:"average_rating"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OwnedBy reports whether the given user created this book.
// Strict equality on the ID, no normalization.
func (b *Book) OwnedBy(userID string) bool {
	return b.OwnerID == userID
}

// RatedBy reports whether the given user has already rated this book.
func (b *Book) RatedBy(userID string) bool {
	for _, r := range b.Ratings {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// AddRating appends a rating for userID and recomputes the average.
//
// Fails with a validation error when the grade is outside [MinGrade, MaxGrade]
// and with an already-rated conflict when the user has rated before; in both
// cases Ratings is left untouched.
func (b *Book) AddRating(userID string, grade float64) error {
	if grade < MinGrade || grade > MaxGrade {
		return errors.Validationf("grade must be between %d and %d", MinGrade, MaxGrade)
	}

	if b.RatedBy(userID) {
		return errors.AlreadyRated("you have already rated this book")
	}

	b.Ratings = append(b.Ratings, Rating{UserID: userID, Grade: grade})

	// Post-append count is always >= 1, so the division is safe.
	var sum float64
	for _, r := range b.Ratings {
		sum += r.Grade
	}
	b.AverageRating = sum / float64(len(b.Ratings))

	return nil
}

// ValidYear reports whether year is a positive 4-digit value no later than
// the current calendar year.
func ValidYear(year int) bool {
	return year >= 1000 && year <= 9999 && year <= time.Now().Year()
}
