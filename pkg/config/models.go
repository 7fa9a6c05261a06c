package config

import "time"

type Config struct {
	Server      ServerConfig
	Transport   TransportConfig
	Reconciler  ReconcilerConfig
	Dispatcher  DispatcherConfig
	Presence    PresenceConfig
	UserStore   UserStoreConfig `mapstructure:"userstore"`
	NATS        NATSConfig      `mapstructure:"nats"`
	Log         LogConfig
	Permissions []string `mapstructure:"permissions"`

	// Perms is built from the built-ins plus Permissions during Load.
	Perms *PermissionRegistry `mapstructure:"-"`
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	AllowedOrigins  []string              `mapstructure:"allowedOrigins"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
	Issuer    string `mapstructure:"issuer"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	PingInterval time.Duration `mapstructure:"pingInterval"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	SendBuffer   int           `mapstructure:"sendBuffer"`
}

type ReconcilerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	MaxIdle  time.Duration `mapstructure:"maxIdle"`
}

type PresenceConfig struct {
	// Shards spreads users over this many independently locked buckets.
	Shards int `mapstructure:"shards"`
}

// RateLimits maps a client event to a "count/unit" budget per user, unit
// being s, m or h.
type DispatcherConfig struct {
	RateLimits map[string]string `mapstructure:"rateLimits"`
}

type UserStoreConfig struct {
	Driver      string          `mapstructure:"driver"` // memory, redis or postgres
	RedisURL    string          `mapstructure:"redisURL"`
	PostgresDSN string          `mapstructure:"postgresDSN"`
	Accounts    []AccountConfig `mapstructure:"accounts"`
}

// AccountConfig seeds the memory user store.
type AccountConfig struct {
	ID          string   `mapstructure:"id"`
	Username    string   `mapstructure:"username"`
	Role        string   `mapstructure:"role"`
	Permissions []string `mapstructure:"permissions"`
	Disabled    bool     `mapstructure:"disabled"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
