package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "SCHEMELIVE"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("server.auth.issuer", "")
	v.SetDefault("server.connectionLimit.maxPerUser", 0)
	v.SetDefault("server.connectionLimit.mode", "reject")
	v.SetDefault("server.allowedOrigins", []string{})

	v.SetDefault("transport.readTimeout", "0s")
	v.SetDefault("transport.pingInterval", "30s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.sendBuffer", 256)

	v.SetDefault("reconciler.interval", "5m")
	v.SetDefault("reconciler.maxIdle", "30m")

	v.SetDefault("presence.shards", 32)

	v.SetDefault("dispatcher.rateLimits", map[string]string{
		"typing_start":  "20/s",
		"typing_stop":   "20/s",
		"user_activity": "60/m",
	})

	v.SetDefault("userstore.driver", "memory")
	v.SetDefault("userstore.redisURL", "redis://localhost:6379/0")
	v.SetDefault("userstore.postgresDSN", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subjectPrefix", "schemelive")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from a file and environment variables. The file is
// looked up in paths, or the working directory when none are given.
func Load(logger *slog.Logger, fileName string, paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.Perms = NewPermissionRegistry()
	for _, name := range cfg.Permissions {
		if err := cfg.Perms.Register(name); err != nil {
			return nil, err
		}
	}
	for _, a := range cfg.UserStore.Accounts {
		if _, err := cfg.Perms.Compile(a.Permissions); err != nil {
			return nil, fmt.Errorf("userstore account %q: %w", a.ID, err)
		}
	}
	logger.Info("Permission registry loaded", slog.Int("total_permissions", len(cfg.Perms.All())))

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Server.ConnectionLimit.Mode {
	case "reject", "cycle":
	default:
		return fmt.Errorf("invalid server.connectionLimit.mode %q: want reject or cycle", c.Server.ConnectionLimit.Mode)
	}
	switch c.UserStore.Driver {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("invalid userstore.driver %q", c.UserStore.Driver)
	}
	if c.UserStore.Driver == "postgres" && c.UserStore.PostgresDSN == "" {
		return errors.New("userstore.postgresDSN is required for the postgres driver")
	}
	if c.Reconciler.Interval <= 0 || c.Reconciler.MaxIdle <= 0 {
		return errors.New("reconciler.interval and reconciler.maxIdle must be positive")
	}
	if c.Presence.Shards <= 0 {
		return errors.New("presence.shards must be positive")
	}
	if c.Server.Auth.JWTSecret == "" {
		return errors.New("server.auth.jwtSecret must not be empty")
	}
	return nil
}
