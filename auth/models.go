package auth

import "time"

// Account is the domain representation of an authenticated API actor. Every
// account owns a deterministic base58 ledger address derived from its id;
// pool operator, sender, and recipient roles are all expressed as addresses,
// so there is no separate role column.
type Account struct {
	ID           string
	Address      string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// LoginRequest contains account login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
