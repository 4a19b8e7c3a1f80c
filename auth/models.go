package auth

import "time"

type Role string

const (
	RoleScout          Role = "scout"
	RoleBeaconOperator Role = "beacon_operator"
	RoleAdmin          Role = "admin"
)

// User is the domain representation of an authenticated account.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	// BeaconID links beacon operators to the beacon they act for; nil for
	// scouts and admins.
	BeaconID  *string
	Role      Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
	BeaconID string `json:"beacon_id,omitempty"`
}

// LoginRequest contains account login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
