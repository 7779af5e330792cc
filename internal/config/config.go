package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Transport TransportConfig
	Call      CallConfig
	Media     MediaConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// DBConfig is optional in local: an empty Host selects the in-memory store.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// AutoMigrate creates missing tables and indexes at startup.
	AutoMigrate bool
}

// RedisConfig is optional in local, like DBConfig.
type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// TransportConfig signs room credentials for the media provider.
type TransportConfig struct {
	AppID          string
	AppCertificate string
	TokenTTL       time.Duration
}

// CallConfig tunes retries and timeouts of call orchestration.
type CallConfig struct {
	RetryAttempts       int
	RetryBaseInterval   time.Duration
	SubscribeRetryDelay time.Duration
	HangUpTimeout       time.Duration
	PendingTTL          time.Duration
}

// MediaConfig bounds local capture.
type MediaConfig struct {
	MaxWidth       int
	MaxHeight      int
	MaxFrameRate   int
	MaxBitrateKbps int
	MinBitrateKbps int
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := optionalInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	c.DB.AutoMigrate = envBool("DB_AUTO_MIGRATE")

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := optionalInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Transport.AppID = strings.TrimSpace(os.Getenv("TRANSPORT_APP_ID"))
	c.Transport.AppCertificate = os.Getenv("TRANSPORT_APP_CERTIFICATE")
	c.Transport.TokenTTL = mustDuration("TRANSPORT_TOKEN_TTL")

	parseErrs = loadCall(&c.Call, parseErrs)
	parseErrs = loadMedia(&c.Media, parseErrs)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks c and fills in defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		if !c.IsLocal() {
			errs = append(errs, errors.New("DB_HOST is required"))
		}
	} else {
		if c.DB.Port == 0 {
			c.DB.Port = 5432
		}
		if c.DB.Port < 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required"))
		}
		if strings.TrimSpace(c.DB.SSLMode) == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				// Local-friendly default; production must be explicit.
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.Redis.Host == "" {
		if !c.IsLocal() {
			errs = append(errs, errors.New("REDIS_HOST is required"))
		}
	} else {
		if c.Redis.Port == 0 {
			c.Redis.Port = 6379
		}
		if c.Redis.Port < 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		// Default: longer-lived refresh tokens.
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Transport.AppID == "" && !c.IsLocal() {
		errs = append(errs, errors.New("TRANSPORT_APP_ID is required"))
	}
	if c.Transport.AppCertificate == "" && c.IsProduction() {
		errs = append(errs, errors.New("TRANSPORT_APP_CERTIFICATE is required in production"))
	}
	if c.Transport.TokenTTL <= 0 {
		c.Transport.TokenTTL = time.Hour
	}

	errs = c.Call.validate(errs)
	errs = c.Media.validate(errs)

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) IsLocal() bool {
	return c.App.Env == "local"
}

// UsePostgres reports whether call records and audit events go to Postgres.
func (c Config) UsePostgres() bool { return c.DB.Host != "" }

// UseRedis reports whether presence, notification and the pending-call cap go
// through Redis.
func (c Config) UseRedis() bool { return c.Redis.Host != "" }

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ClientConfig is what a calling party needs: where the API is, who it is,
// and how its orchestrator behaves.
type ClientConfig struct {
	APIURL      string
	AccessToken string
	AppID       string
	Call        CallConfig
	Media       MediaConfig
}

// LoadClient reads DEVCALL_API_URL, DEVCALL_ACCESS_TOKEN and the CALL_ and
// MEDIA_ variables, plus TRANSPORT_APP_ID. The token may be empty for
// commands that log in.
func LoadClient() (ClientConfig, error) {
	c := ClientConfig{
		APIURL:      strings.TrimSpace(os.Getenv("DEVCALL_API_URL")),
		AccessToken: strings.TrimSpace(os.Getenv("DEVCALL_ACCESS_TOKEN")),
		AppID:       strings.TrimSpace(os.Getenv("TRANSPORT_APP_ID")),
	}
	var parseErrs []error
	parseErrs = loadCall(&c.Call, parseErrs)
	parseErrs = loadMedia(&c.Media, parseErrs)
	if err := joinErrors(parseErrs); err != nil {
		return ClientConfig{}, err
	}
	if c.APIURL == "" {
		c.APIURL = "http://localhost:8080"
	}
	var errs []error
	errs = c.Call.validate(errs)
	errs = c.Media.validate(errs)
	if err := joinErrors(errs); err != nil {
		return ClientConfig{}, err
	}
	return c, nil
}

func loadCall(c *CallConfig, parseErrs []error) []error {
	n, err := optionalInt("CALL_RETRY_ATTEMPTS")
	c.RetryAttempts, parseErrs = appendParseErr(parseErrs, n, err)
	c.RetryBaseInterval = mustDuration("CALL_RETRY_BASE_INTERVAL")
	c.SubscribeRetryDelay = mustDuration("CALL_SUBSCRIBE_RETRY_DELAY")
	c.HangUpTimeout = mustDuration("CALL_HANGUP_TIMEOUT")
	c.PendingTTL = mustDuration("CALL_PENDING_TTL")
	return parseErrs
}

func loadMedia(m *MediaConfig, parseErrs []error) []error {
	for _, f := range []struct {
		key string
		dst *int
	}{
		{"MEDIA_MAX_WIDTH", &m.MaxWidth},
		{"MEDIA_MAX_HEIGHT", &m.MaxHeight},
		{"MEDIA_MAX_FRAMERATE", &m.MaxFrameRate},
		{"MEDIA_MAX_BITRATE_KBPS", &m.MaxBitrateKbps},
		{"MEDIA_MIN_BITRATE_KBPS", &m.MinBitrateKbps},
	} {
		n, err := optionalInt(f.key)
		*f.dst, parseErrs = appendParseErr(parseErrs, n, err)
	}
	return parseErrs
}

func (c *CallConfig) validate(errs []error) []error {
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("CALL_RETRY_ATTEMPTS must be at least 1, got %d", c.RetryAttempts))
	}
	if c.RetryBaseInterval <= 0 {
		c.RetryBaseInterval = time.Second
	}
	if c.SubscribeRetryDelay <= 0 {
		c.SubscribeRetryDelay = 2 * time.Second
	}
	if c.HangUpTimeout <= 0 {
		c.HangUpTimeout = 5 * time.Second
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = 2 * time.Minute
	}
	return errs
}

func (m *MediaConfig) validate(errs []error) []error {
	if m.MaxWidth == 0 {
		m.MaxWidth = 640
	}
	if m.MaxHeight == 0 {
		m.MaxHeight = 360
	}
	if m.MaxFrameRate == 0 {
		m.MaxFrameRate = 15
	}
	if m.MaxBitrateKbps == 0 {
		m.MaxBitrateKbps = 500
	}
	if m.MinBitrateKbps == 0 {
		m.MinBitrateKbps = 150
	}
	if m.MaxWidth < 0 || m.MaxHeight < 0 || m.MaxFrameRate < 0 {
		errs = append(errs, errors.New("MEDIA_MAX_WIDTH, MEDIA_MAX_HEIGHT and MEDIA_MAX_FRAMERATE must be positive"))
	}
	if m.MinBitrateKbps < 0 || m.MinBitrateKbps > m.MaxBitrateKbps {
		errs = append(errs, fmt.Errorf("MEDIA_MIN_BITRATE_KBPS must be between 0 and MEDIA_MAX_BITRATE_KBPS, got %d", m.MinBitrateKbps))
	}
	return errs
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// optionalInt returns 0 for an unset key; Validate fills the default.
func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

// envBool treats 1, true, yes and on (any case) as true.
func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
