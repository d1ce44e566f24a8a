package domain

import "time"

// User is an account that can authenticate and own book entries.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash,omitempty"` // Stored hashed, never included in API responses
	CreatedAt    time.Time `json:"created_at"`
}
