package auth

import "time"

type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
	RoleReviewer   Role = "reviewer"
	RoleAdmin      Role = "admin"
)

// User is the domain representation of a marketplace participant.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
//
// WalletAddress is the token-ledger identity of the user. Several profiles
// may share one wallet (a reviewer who also posts jobs as a client), which is
// why self-dealing checks compare wallets rather than user ids.
type User struct {
	ID            string
	Email         string
	FullName      string
	PasswordHash  string
	WalletAddress string
	Rating        float64
	Role          Role
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RegisterRequest contains user registration data supplied by callers.
// WalletAddress is optional; a fresh address is generated when empty.
type RegisterRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	FullName      string `json:"full_name"`
	Role          Role   `json:"role"`
	WalletAddress string `json:"wallet_address"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
