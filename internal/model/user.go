// Package model defines the data structures shared by the repository,
// service and handler layers.
package model

import "time"

// User is an account that may run code. Local accounts sign in with a
// username and password; GitHub accounts are keyed by GitHubID and have no
// password hash. A GitHubID of zero means the account is local.
type User struct {
	ID           string    `json:"id"        db:"id"`
	Username     string    `json:"username"  db:"username"`
	PasswordHash string    `json:"-"         db:"password_hash"`
	GitHubID     int64     `json:"githubId,omitempty" db:"github_id"`
	Email        string    `json:"email"     db:"email"`      // may be empty
	AvatarURL    string    `json:"avatarUrl" db:"avatar_url"` // GitHub profile picture
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

// IsLocal reports whether the account signs in with a password.
func (u *User) IsLocal() bool {
	return u.GitHubID == 0
}
