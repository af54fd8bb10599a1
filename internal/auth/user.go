package auth

// User represents an administrator account of the REST API.
// Players of the game itself are identified by their Classic username only.
type User struct {
	Username     string // Unique username (case-insensitive)
	PasswordHash string // bcrypt hashed password (60 chars)
	IsAdmin      bool   // May call /api/admin endpoints
}
