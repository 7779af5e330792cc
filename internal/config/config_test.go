package config

import (
	"strings"
	"testing"
	"time"
)

func validProduction() Config {
	return Config{
		App:       AppConfig{Env: "production", Port: 8080},
		DB:        DBConfig{Host: "db", Port: 5432, User: "postgres", Password: "x", Name: "devcall", SSLMode: "require"},
		Redis:     RedisConfig{Host: "redis", Port: 6379},
		Auth:      AuthConfig{JWTSecret: "secret", JWTIssuer: "devcall", JWTAudience: "devcall-api"},
		Transport: TransportConfig{AppID: "app", AppCertificate: "cert"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	// Ensure a clean env by not setting anything and calling validation directly.
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validProduction()
	c.DB.SSLMode = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_ProductionRequiresStores(t *testing.T) {
	c := validProduction()
	c.DB.Host = ""
	c.Redis.Host = ""
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error for production without stores")
	}
	if !strings.Contains(err.Error(), "DB_HOST") || !strings.Contains(err.Error(), "REDIS_HOST") {
		t.Fatalf("expected both errors aggregated, got %v", err)
	}
}

func TestValidate_LocalRunsWithoutStores(t *testing.T) {
	c := Config{
		App:  AppConfig{Env: "local", Port: 8080},
		Auth: AuthConfig{JWTSecret: "secret"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.UsePostgres() || c.UseRedis() {
		t.Fatalf("expected in-memory backends")
	}
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", User: "postgres", Password: "x", Name: "devcall"},
		Redis: RedisConfig{Host: "localhost"},
		Auth:  AuthConfig{JWTSecret: "secret"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.DB.Port != 5432 || c.Redis.Port != 6379 {
		t.Fatalf("expected default ports, got %d/%d", c.DB.Port, c.Redis.Port)
	}
}

func TestValidate_CallAndMediaDefaults(t *testing.T) {
	c := validProduction()
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.Call.RetryAttempts != 3 || c.Call.RetryBaseInterval != time.Second {
		t.Fatalf("unexpected retry defaults: %+v", c.Call)
	}
	if c.Call.SubscribeRetryDelay != 2*time.Second || c.Call.HangUpTimeout != 5*time.Second || c.Call.PendingTTL != 2*time.Minute {
		t.Fatalf("unexpected call defaults: %+v", c.Call)
	}
	if c.Media != (MediaConfig{MaxWidth: 640, MaxHeight: 360, MaxFrameRate: 15, MaxBitrateKbps: 500, MinBitrateKbps: 150}) {
		t.Fatalf("unexpected media defaults: %+v", c.Media)
	}
	if c.Transport.TokenTTL != time.Hour {
		t.Fatalf("unexpected token ttl %s", c.Transport.TokenTTL)
	}
}

func TestValidate_RejectsInvertedBitrate(t *testing.T) {
	c := validProduction()
	c.Media = MediaConfig{MaxBitrateKbps: 100, MinBitrateKbps: 300}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected bitrate error")
	}
}

func TestLoad_ParsesEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CALL_RETRY_ATTEMPTS", "5")
	t.Setenv("CALL_HANGUP_TIMEOUT", "3s")
	t.Setenv("MEDIA_MAX_FRAMERATE", "30")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.App.Port != 9090 || c.Call.RetryAttempts != 5 || c.Call.HangUpTimeout != 3*time.Second || c.Media.MaxFrameRate != 30 {
		t.Fatalf("unexpected config: %+v", c)
	}
}

func TestLoad_RejectsNonNumeric(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("CALL_RETRY_ATTEMPTS", "many")
	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}
