package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMissing is returned when required configuration values are absent
var ErrMissing = errors.New("missing required configuration")

// Config holds all application configuration
type Config struct {
	OAuth        OAuthConfig        `yaml:"oauth"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Crypto       CryptoConfig       `yaml:"crypto"`
	Tokens       TokensConfig       `yaml:"tokens"`
	Notify       NotifyConfig       `yaml:"notify"`
	Graph        GraphConfig        `yaml:"graph"`
	Server       ServerConfig       `yaml:"server"`
	Session      SessionConfig      `yaml:"session"`
	Registry     RegistryConfig     `yaml:"registry"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Log          LogConfig          `yaml:"log"`
}

// OAuthConfig holds identity provider settings
type OAuthConfig struct {
	ClientID     string   `yaml:"clientId"`
	ClientSecret string   `yaml:"clientSecret"`
	TenantID     string   `yaml:"tenantId"`
	Authority    string   `yaml:"authority"`
	RedirectURI  string   `yaml:"redirectUri"`
	Scopes       []string `yaml:"scopes"`
}

// SubscriptionConfig holds settings for subscriptions created by this relay
type SubscriptionConfig struct {
	ClientState     string        `yaml:"clientState"`
	PublicBaseURL   string        `yaml:"publicBaseUrl"`
	AppOnlyResource string        `yaml:"appOnlyResource"`
	TTL             time.Duration `yaml:"ttl"`
}

// CryptoConfig locates the encryption certificate and private key
type CryptoConfig struct {
	CertificatePath    string `yaml:"certificatePath"`
	PrivateKeyPath     string `yaml:"privateKeyPath"`
	PrivateKeyPassword string `yaml:"privateKeyPassword"`
	CertificateID      string `yaml:"certificateId"`
	OAEPHash           string `yaml:"oaepHash"`
}

// TokensConfig holds validation token settings
type TokensConfig struct {
	JWKSURL string        `yaml:"jwksUrl"`
	Leeway  time.Duration `yaml:"leeway"`
}

// NotifyConfig holds notification pipeline settings
type NotifyConfig struct {
	EnrichEncrypted bool          `yaml:"enrichEncrypted"`
	FetchTimeout    time.Duration `yaml:"fetchTimeout"`
	ResponseBudget  time.Duration `yaml:"responseBudget"`
	RelayMode       string        `yaml:"relayMode"`
}

// GraphConfig holds the resource API location
type GraphConfig struct {
	BaseURL string `yaml:"baseUrl"`
}

// ServerConfig holds listener settings
type ServerConfig struct {
	Port        string `yaml:"port"`
	WSPort      string `yaml:"wsPort"`
	FrontendDir string `yaml:"frontendDir"`
}

// SessionConfig holds cookie session settings
type SessionConfig struct {
	Secret string        `yaml:"secret"`
	MaxAge time.Duration `yaml:"maxAge"`
}

// RegistryConfig selects the subscription registry backend
type RegistryConfig struct {
	Backend string `yaml:"backend"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Quiet    bool   `yaml:"quiet"`
}

// RedisConfig holds redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Registry backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Relay modes
const (
	RelayModeRoom = "room"
	RelayModeAll  = "all"
)

// Defaults returns a configuration with every optional value filled in
func Defaults() *Config {
	return &Config{
		OAuth: OAuthConfig{
			Authority:   "https://login.microsoftonline.com",
			RedirectURI: "http://localhost:3000/delegated/callback",
			Scopes:      []string{"user.read", "mail.read"},
		},
		Subscription: SubscriptionConfig{
			AppOnlyResource: "/teams/getAllMessages",
			TTL:             time.Hour,
		},
		Crypto: CryptoConfig{
			OAEPHash: "sha1",
		},
		Notify: NotifyConfig{
			FetchTimeout:   10 * time.Second,
			ResponseBudget: 3 * time.Second,
			RelayMode:      RelayModeRoom,
		},
		Graph: GraphConfig{
			BaseURL: "https://graph.microsoft.com/v1.0",
		},
		Server: ServerConfig{
			Port: "3000",
		},
		Session: SessionConfig{
			MaxAge: 24 * time.Hour,
		},
		Registry: RegistryConfig{
			Backend: BackendMemory,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     "5432",
			Username: "postgres",
			Database: "graphnotify",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the optional YAML file at path, then .env, then the environment.
// Later sources override earlier ones.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// Load .env file if it exists
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.Tokens.JWKSURL == "" {
		cfg.Tokens.JWKSURL = strings.TrimRight(cfg.OAuth.Authority, "/") + "/common/discovery/v2.0/keys"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.OAuth.ClientID, "OAUTH_CLIENT_ID")
	setString(&c.OAuth.ClientSecret, "OAUTH_CLIENT_SECRET")
	setString(&c.OAuth.TenantID, "OAUTH_TENANT_ID")
	setString(&c.OAuth.Authority, "OAUTH_AUTHORITY")
	setString(&c.OAuth.RedirectURI, "OAUTH_REDIRECT_URI")
	if v := os.Getenv("OAUTH_SCOPES"); v != "" {
		c.OAuth.Scopes = splitList(v)
	}

	setString(&c.Subscription.ClientState, "SUBSCRIPTION_CLIENT_STATE")
	setString(&c.Subscription.PublicBaseURL, "PUBLIC_BASE_URL")
	setString(&c.Subscription.AppOnlyResource, "APP_ONLY_RESOURCE")

	setString(&c.Crypto.CertificatePath, "CERTIFICATE_PATH")
	setString(&c.Crypto.PrivateKeyPath, "PRIVATE_KEY_PATH")
	setString(&c.Crypto.PrivateKeyPassword, "PRIVATE_KEY_PASSWORD")
	setString(&c.Crypto.CertificateID, "CERTIFICATE_ID")
	setString(&c.Crypto.OAEPHash, "OAEP_HASH")

	setString(&c.Tokens.JWKSURL, "JWKS_URL")
	setString(&c.Graph.BaseURL, "GRAPH_BASE_URL")
	setString(&c.Notify.RelayMode, "RELAY_MODE")

	setString(&c.Server.Port, "PORT")
	setString(&c.Server.WSPort, "WS_PORT")
	setString(&c.Server.FrontendDir, "FRONTEND_DIR")

	setString(&c.Session.Secret, "SESSION_SECRET")
	setString(&c.Registry.Backend, "REGISTRY_BACKEND")

	setString(&c.Database.Host, "PG_HOST")
	setString(&c.Database.Port, "PG_PORT")
	setString(&c.Database.Username, "PG_USERNAME")
	setString(&c.Database.Password, "PG_PASSWORD")
	setString(&c.Database.Database, "PG_DATABASE")

	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")

	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SUBSCRIPTION_TTL", &c.Subscription.TTL},
		{"TOKEN_CLOCK_SKEW", &c.Tokens.Leeway},
		{"FETCH_TIMEOUT", &c.Notify.FetchTimeout},
		{"RESPONSE_BUDGET", &c.Notify.ResponseBudget},
		{"SESSION_MAX_AGE", &c.Session.MaxAge},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("ENRICH_ENCRYPTED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid ENRICH_ENCRYPTED: %w", err)
		}
		c.Notify.EnrichEncrypted = b
	}
	if v := os.Getenv("DB_QUIET"); v != "" {
		c.Database.Quiet = v == "true"
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		c.Redis.DB = n
	}
	return nil
}

// Validate checks required values and enumerations
func (c *Config) Validate() error {
	var missing []string
	if c.OAuth.ClientID == "" {
		missing = append(missing, "OAUTH_CLIENT_ID")
	}
	if c.OAuth.TenantID == "" {
		missing = append(missing, "OAUTH_TENANT_ID")
	}
	if c.Subscription.ClientState == "" {
		missing = append(missing, "SUBSCRIPTION_CLIENT_STATE")
	}
	if c.Session.Secret == "" {
		missing = append(missing, "SESSION_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
	}

	switch c.Registry.Backend {
	case BackendMemory, BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("unknown registry backend %q", c.Registry.Backend)
	}
	switch c.Notify.RelayMode {
	case RelayModeRoom, RelayModeAll:
	default:
		return fmt.Errorf("unknown relay mode %q", c.Notify.RelayMode)
	}
	switch strings.ToLower(c.Crypto.OAEPHash) {
	case "sha1", "sha256":
	default:
		return fmt.Errorf("unsupported OAEP hash %q", c.Crypto.OAEPHash)
	}
	return nil
}

// NotificationURL returns the public URL the publisher posts notifications to
func (c *Config) NotificationURL() string {
	return strings.TrimRight(c.Subscription.PublicBaseURL, "/") + "/listen"
}

// LifecycleURL returns the public URL the publisher posts lifecycle events to
func (c *Config) LifecycleURL() string {
	return strings.TrimRight(c.Subscription.PublicBaseURL, "/") + "/lifecycle"
}

// AllowedOrigins returns the browser origins of this deployment, taken from the
// public base URL and the OAuth redirect URI
func (c *Config) AllowedOrigins() []string {
	var origins []string
	seen := make(map[string]bool)
	for _, raw := range []string{c.Subscription.PublicBaseURL, c.OAuth.RedirectURI} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			continue
		}
		origin := strings.ToLower(u.Scheme + "://" + u.Host)
		if !seen[origin] {
			seen[origin] = true
			origins = append(origins, origin)
		}
	}
	return origins
}

// setString overrides dst when the environment variable is set
func setString(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
