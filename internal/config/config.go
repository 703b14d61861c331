package config

import "time"

type Config struct {
	Service  *ServiceConfig
	Backend  *BackendConfig
	Postgres *PostgresConfig
	Redis    *RedisConfig
	Blob     *BlobConfig
	Auth     *AuthConfig
	Logger   *LoggerConfig
	Tracer   *TracerConfig
}

type ServiceConfig struct {
	Name string
	Env  string
}

// BackendConfig selects the remote data service implementation:
// "memory" for the in-process store, "postgres" for the
// Postgres+Redis pair.
type BackendConfig struct {
	Kind string
}

type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

type RedisConfig struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
	PingTimeout  time.Duration
}

// BlobConfig carries the public base URL that uploaded blob keys are
// resolved against.
type BlobConfig struct {
	PublicBaseURL string
}

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type LoggerConfig struct {
	Level  string
	Format string
}

type TracerConfig struct {
	Address string
}
