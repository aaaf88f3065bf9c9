package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultPort            = "2525"
	defaultRequestTimeout  = 5 * time.Minute
	defaultShutdownTimeout = 30 * time.Second
	defaultSSLMode         = "disable"
	defaultMaxOpenConns    = 25
	defaultIDMin           = 10000
	defaultIDMax           = 99999
	defaultBulkChunkSize   = 10
	defaultMaxUploadBytes  = 64 << 20
)

// Config is read from a dotenv file. Keys are flat and named like the
// environment variables that override them.
type Config struct {
	Server   ServerConfig   `mapstructure:",squash"`
	Database DatabaseConfig `mapstructure:",squash"`
	Balise   BaliseConfig   `mapstructure:",squash"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"HTTP_PORT"`
	RequestTimeout  time.Duration `mapstructure:"HTTP_REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"HTTP_SHUTDOWN_TIMEOUT"`
	Debug           bool          `mapstructure:"DEBUG"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"DATABASE_HOST"`
	Port         string `mapstructure:"DATABASE_PORT"`
	User         string `mapstructure:"DATABASE_USER"`
	Password     string `mapstructure:"DATABASE_PASSWORD"`
	Name         string `mapstructure:"DATABASE_NAME"`
	SSLMode      string `mapstructure:"DATABASE_SSLMODE"`
	MaxOpenConns int    `mapstructure:"DATABASE_MAX_OPEN_CONNS"`
}

// BaliseConfig holds the domain limits
type BaliseConfig struct {
	IDMin          int   `mapstructure:"BALISE_ID_MIN"`
	IDMax          int   `mapstructure:"BALISE_ID_MAX"`
	BulkChunkSize  int   `mapstructure:"BALISE_BULK_CHUNK_SIZE"`
	MaxUploadBytes int64 `mapstructure:"BALISE_MAX_UPLOAD_BYTES"`
}

var envKeys = []string{
	"HTTP_PORT",
	"HTTP_REQUEST_TIMEOUT",
	"HTTP_SHUTDOWN_TIMEOUT",
	"DEBUG",
	"DATABASE_HOST",
	"DATABASE_PORT",
	"DATABASE_USER",
	"DATABASE_PASSWORD",
	"DATABASE_NAME",
	"DATABASE_SSLMODE",
	"DATABASE_MAX_OPEN_CONNS",
	"BALISE_ID_MIN",
	"BALISE_ID_MAX",
	"BALISE_BULK_CHUNK_SIZE",
	"BALISE_MAX_UPLOAD_BYTES",
}

// NewConfig reads path and lets environment variables override it. A missing
// file is tolerated when the environment carries the whole configuration.
func NewConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	for _, key := range envKeys {
		v.BindEnv(key)
	}

	fileErr := v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		if fileErr != nil {
			return nil, fmt.Errorf("%w (config file: %v)", err, fileErr)
		}
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = defaultPort
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = defaultRequestTimeout
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = defaultSSLMode
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = defaultMaxOpenConns
	}
	if c.Balise.IDMin == 0 && c.Balise.IDMax == 0 {
		c.Balise.IDMin = defaultIDMin
		c.Balise.IDMax = defaultIDMax
	}
	if c.Balise.BulkChunkSize <= 0 {
		c.Balise.BulkChunkSize = defaultBulkChunkSize
	}
	if c.Balise.MaxUploadBytes <= 0 {
		c.Balise.MaxUploadBytes = defaultMaxUploadBytes
	}
}

// Validate checks that the database is addressable and the id range is sane
func (c *Config) Validate() error {
	if c.Database.Host == "" ||
		c.Database.Port == "" ||
		c.Database.User == "" ||
		c.Database.Password == "" ||
		c.Database.Name == "" {
		return fmt.Errorf("database configuration is incomplete: host=%s, port=%s, user=%s, name=%s",
			c.Database.Host, c.Database.Port, c.Database.User, c.Database.Name)
	}
	if c.Balise.IDMin < 0 || c.Balise.IDMin > c.Balise.IDMax {
		return fmt.Errorf("invalid balise id range [%d, %d]", c.Balise.IDMin, c.Balise.IDMax)
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}

// MigrationURL is the postgres:// form golang-migrate expects
func (c *DatabaseConfig) MigrationURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}
