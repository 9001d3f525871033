package shared

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Backend   BackendConfig   `toml:"backend"`
	Auth      AuthConfig      `toml:"auth"`
	Bookmarks BookmarksConfig `toml:"bookmarks"`
	Database  DatabaseConfig  `toml:"database"`
	Server    ServerConfig    `toml:"server"`
	Log       LogConfig       `toml:"log"`
}

// BackendConfig contains the hosted backend connection settings.
type BackendConfig struct {
	Driver         string         `toml:"driver" validate:"oneof=supabase postgres"`
	URL            string         `toml:"url" validate:"required,url"`
	AnonKey        string         `toml:"anon_key" validate:"required"`
	JWTSecret      string         `toml:"jwt_secret"`
	TimeoutSeconds int            `toml:"timeout_seconds" validate:"min=0"`
	RateLimit      float64        `toml:"rate_limit" validate:"gte=0"`
	Postgres       PostgresConfig `toml:"postgres"`
}

// PostgresConfig contains settings for the direct Postgres driver.
type PostgresConfig struct {
	DSN     string `toml:"dsn"`
	Role    string `toml:"role"`
	Channel string `toml:"channel"`
}

// AuthConfig selects the identity provider used for sign-in.
type AuthConfig struct {
	Provider string `toml:"provider" validate:"required"`
}

// BookmarksConfig names the table holding bookmark rows.
type BookmarksConfig struct {
	Schema string `toml:"schema" validate:"required"`
	Table  string `toml:"table" validate:"required"`
}

// DatabaseConfig contains local SQLite settings. The database only holds the persisted session.
type DatabaseConfig struct {
	Path         string `toml:"path" validate:"required"`
	MaxOpenConns int    `toml:"max_open_conns" validate:"min=0"`
	MaxIdleConns int    `toml:"max_idle_conns" validate:"min=0"`
}

// ServerConfig contains HTTP server settings shared by the OAuth callback server and the web UI.
type ServerConfig struct {
	Host           string   `toml:"host" validate:"required"`
	Port           int      `toml:"port" validate:"min=1,max=65535"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// LogConfig controls logger verbosity.
type LogConfig struct {
	Level string `toml:"level" validate:"oneof=debug info warn error"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// BaseURL returns the http URL the server is reachable at.
func (s ServerConfig) BaseURL() string {
	return "http://" + s.Addr()
}

// Timeout returns the HTTP client timeout, zero meaning none.
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	validate := validator.New()
	err := validate.Struct(c)
	if err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, validationErrors)
		}
		return err
	}

	if c.Backend.Driver == "postgres" {
		if c.Backend.Postgres.DSN == "" {
			return fmt.Errorf("%w: backend.postgres.dsn is required for the postgres driver", ErrInvalidConfig)
		}
		if c.Backend.Postgres.Channel == "" {
			return fmt.Errorf("%w: backend.postgres.channel is required for the postgres driver", ErrInvalidConfig)
		}
	}
	return nil
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
//
// Keys missing from the file keep the embedded defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return config, nil
}

// SaveConfig writes config to path as TOML.
func SaveConfig(path string, config *Config) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
