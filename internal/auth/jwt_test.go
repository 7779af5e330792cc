package auth

import (
	"errors"
	"testing"
	"time"

	"devcall/internal/config"
)

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m, err := NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		JWTIssuer:       "issuer",
		JWTAudience:     "aud",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	pair, err := m.IssuePair(now, "user-1", "client")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected token strings")
	}

	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(1*time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.Role != "client" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	p, err := m.IssuePair(time.Now(), "u", "developer")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.RefreshToken, TokenTypeAccess, time.Now()); !errors.Is(err, ErrTokenType) {
		t.Fatalf("expected ErrTokenType, got %v", err)
	}
}

func TestRefreshIssuesNewPairWithSameRole(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	now := time.Unix(1700000000, 0).UTC()
	p, err := m.IssuePair(now, "bob", "developer")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// The access token has expired; the refresh token has not.
	later := now.Add(30 * time.Minute)
	next, err := m.Refresh(later, p.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	claims, err := m.Verify(next.AccessToken, TokenTypeAccess, later)
	if err != nil {
		t.Fatalf("verify refreshed: %v", err)
	}
	if claims.UserID != "bob" || claims.Role != "developer" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := m.Refresh(now, p.AccessToken); !errors.Is(err, ErrTokenType) {
		t.Fatalf("expected access token to be refused, got %v", err)
	}
}

func TestIssuePairRequiresIdentity(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	if _, err := m.IssuePair(time.Now(), "", "client"); !errors.Is(err, ErrClaimsIncomplete) {
		t.Fatalf("expected ErrClaimsIncomplete, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	now := time.Unix(1700000000, 0).UTC()
	p, _ := m.IssuePair(now, "u", "client")
	if _, err := m.Verify(p.AccessToken, TokenTypeAccess, now.Add(10*time.Minute)); err == nil {
		t.Fatalf("expected expiry error")
	}
}

func TestRoomTokens_IssueAndVerify(t *testing.T) {
	r := NewRoomTokens(config.TransportConfig{AppID: "app-1", AppCertificate: "cert", TokenTTL: time.Hour})
	now := time.Unix(1700000000, 0).UTC()

	tok, exp, err := r.Issue(now, "call-1", "t-alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !exp.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", exp)
	}
	claims, err := r.Verify(tok, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.AppID != "app-1" || claims.RoomID != "call-1" || claims.TransportID != "t-alice" || claims.Privilege != PrivilegePublisher {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if _, err := r.Verify(tok, now.Add(2*time.Hour)); err == nil {
		t.Fatalf("expected expired room token to fail")
	}

	other := NewRoomTokens(config.TransportConfig{AppID: "app-1", AppCertificate: "other"})
	if _, err := other.Verify(tok, now); err == nil {
		t.Fatalf("expected signature mismatch")
	}
}

func TestRoomTokens_RequireCertificate(t *testing.T) {
	r := NewRoomTokens(config.TransportConfig{AppID: "app-1"})
	if _, _, err := r.Issue(time.Now(), "call-1", "t-1"); !errors.Is(err, ErrRoomTokenUnavailable) {
		t.Fatalf("expected ErrRoomTokenUnavailable, got %v", err)
	}
}
