package auth

import (
	"errors"
	"time"

	"devcall/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrRoomTokenUnavailable = errors.New("auth: room credentials not configured")

// RoomTokens issues publisher credentials for media rooms, signed with the
// transport app certificate.
type RoomTokens struct {
	appID string
	cert  []byte
	ttl   time.Duration
}

func NewRoomTokens(cfg config.TransportConfig) *RoomTokens {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RoomTokens{appID: cfg.AppID, cert: []byte(cfg.AppCertificate), ttl: ttl}
}

func (r *RoomTokens) AppID() string { return r.appID }

// Issue returns a credential letting transportID publish into roomID until
// now plus the configured TTL.
func (r *RoomTokens) Issue(now time.Time, roomID, transportID string) (string, time.Time, error) {
	if len(r.cert) == 0 {
		return "", time.Time{}, ErrRoomTokenUnavailable
	}
	if roomID == "" || transportID == "" {
		return "", time.Time{}, errors.New("room_id and transport id required")
	}
	exp := now.Add(r.ttl)
	claims := RoomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    r.appID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		AppID:       r.appID,
		RoomID:      roomID,
		TransportID: transportID,
		Privilege:   PrivilegePublisher,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.cert)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, exp, nil
}

// Verify parses a room credential. The media side uses it to admit a join.
func (r *RoomTokens) Verify(token string, now time.Time) (RoomClaims, error) {
	if len(r.cert) == 0 {
		return RoomClaims{}, ErrRoomTokenUnavailable
	}
	var claims RoomClaims
	if err := parseHS256(token, r.cert, now, &claims, jwt.WithIssuer(r.appID)); err != nil {
		return RoomClaims{}, err
	}
	if claims.RoomID == "" || claims.TransportID == "" {
		return RoomClaims{}, ErrClaimsIncomplete
	}
	return claims, nil
}
