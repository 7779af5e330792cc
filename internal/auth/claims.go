package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for API access.
// UserID is the call identity; Role selects client or developer routes.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}

// RoomClaims authorize one transport session to publish into one room.
type RoomClaims struct {
	jwt.RegisteredClaims

	AppID       string `json:"app_id"`
	RoomID      string `json:"room_id"`
	TransportID string `json:"uid"`
	Privilege   string `json:"privilege"`
}

const PrivilegePublisher = "publisher"
