// Package domain contains core domain types for the orchestrator.
package domain

// Role controls what administrative surface a user may touch.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User represents a platform user. The ID is immutable; the role is only
// mutated through admin operations, which live outside the core.
type User struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"external_id"`
	Email      string `json:"email"`
	Role       Role   `json:"role"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
