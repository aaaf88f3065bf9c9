package auth

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultReadRole  = "balise_read"
	defaultWriteRole = "balise_write"
	defaultAdminRole = "balise_admin"
	defaultTimeout   = 5 * time.Second
)

type Config struct {
	AuthAddr  string        `mapstructure:"AUTH"`
	ReadRole  string        `mapstructure:"READ_ROLE"`
	WriteRole string        `mapstructure:"WRITE_ROLE"`
	AdminRole string        `mapstructure:"ADMIN_ROLE"`
	Timeout   time.Duration `mapstructure:"TIMEOUT"`
}

func NewConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.BindEnv("AUTH", "AUTH_ADDR")
	v.BindEnv("READ_ROLE", "AUTH_READ_ROLE")
	v.BindEnv("WRITE_ROLE", "AUTH_WRITE_ROLE")
	v.BindEnv("ADMIN_ROLE", "AUTH_ADMIN_ROLE")
	v.BindEnv("TIMEOUT", "AUTH_TIMEOUT")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("cannot read config from %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if cfg.AuthAddr == "" {
		return nil, fmt.Errorf("AUTH address is required")
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ReadRole == "" {
		c.ReadRole = defaultReadRole
	}
	if c.WriteRole == "" {
		c.WriteRole = defaultWriteRole
	}
	if c.AdminRole == "" {
		c.AdminRole = defaultAdminRole
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
}
