package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	Queue    QueueConfig
	Dispatch DispatchConfig
	Metrics  MetricsConfig
	Auth     AuthConfig
	LogLevel string
}

type ServerConfig struct {
	Host         string
	Port         int
	AdminPort    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// PostgresConfig configures the Store's pgx connection pool, following the
// same shape dmitrymomot-foundation's pg package exposes for its pool.
type PostgresConfig struct {
	ConnectionString string
	MaxOpenConns      int32
	MaxIdleConns      int32
	HealthCheckPeriod time.Duration
	MaxConnIdleTime   time.Duration
	MaxConnLifetime   time.Duration
}

type QueueConfig struct {
	StreamPrefix     string
	ConsumerGroup    string
	MaxQueueSize     int64
	BlockTimeout     time.Duration
	ClaimMinIdle     time.Duration
	RecoveryInterval time.Duration
	RateLimitRPS     int
}

// DispatchConfig tunes the Dispatch Loop and its trace-window rollover
// protocol.
type DispatchConfig struct {
	MaxItemsPerTrace    int
	TraceTimeoutSeconds int
	DefaultMaxAttempts  int
	ConsumerIDPrefix    string
	ClaimInterval       time.Duration
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

// AuthConfig configures the API's authentication middleware. APIKeys maps a
// raw key to the environment identity it resolves to; config stays free of
// any dependency on internal/runs, so internal/api (authConfigFromConfig)
// converts each EnvironmentCredential into a runs.AuthenticatedEnvironment
// when the routes are built.
type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	APIKeys   map[string]EnvironmentCredential
}

// EnvironmentCredential is the identity an API key resolves to: the same
// fields runs.AuthenticatedEnvironment denormalizes, duplicated here so
// config stays a leaf package with no internal/runs dependency.
type EnvironmentCredential struct {
	EnvironmentID    string
	EnvironmentSlug  string
	EnvironmentType  string
	OrganizationID   string
	OrganizationSlug string
	OrganizationName string
	ProjectID        string
	ProjectRef       string
	ProjectSlug      string
	ProjectName      string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/taskrun-dispatcher")

	setDefaults()

	viper.SetEnvPrefix("TASKRUN")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.adminport", 8081)
	viper.SetDefault("server.readtimeout", 30*time.Second)
	viper.SetDefault("server.writetimeout", 30*time.Second)
	viper.SetDefault("server.idletimeout", 120*time.Second)

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.poolsize", 100)
	viper.SetDefault("redis.minidleconns", 10)
	viper.SetDefault("redis.maxretries", 3)
	viper.SetDefault("redis.dialtimeout", 5*time.Second)
	viper.SetDefault("redis.readtimeout", 3*time.Second)
	viper.SetDefault("redis.writetimeout", 3*time.Second)

	viper.SetDefault("postgres.connectionstring", "")
	viper.SetDefault("postgres.maxopenconns", 10)
	viper.SetDefault("postgres.maxidleconns", 5)
	viper.SetDefault("postgres.healthcheckperiod", 1*time.Minute)
	viper.SetDefault("postgres.maxconnidletime", 10*time.Minute)
	viper.SetDefault("postgres.maxconnlifetime", 30*time.Minute)

	viper.SetDefault("queue.streamprefix", "dispatch")
	viper.SetDefault("queue.consumergroup", "dispatchers")
	viper.SetDefault("queue.maxqueuesize", 1000000)
	viper.SetDefault("queue.blocktimeout", 5*time.Second)
	viper.SetDefault("queue.claimminidle", 30*time.Second)
	viper.SetDefault("queue.recoveryinterval", 10*time.Second)
	viper.SetDefault("queue.ratelimitrps", 1000)

	viper.SetDefault("dispatch.maxitemspertrace", 1000)
	viper.SetDefault("dispatch.tracetimeoutseconds", 60)
	viper.SetDefault("dispatch.defaultmaxattempts", 3)
	viper.SetDefault("dispatch.consumeridprefix", "dispatcher")
	viper.SetDefault("dispatch.claiminterval", 10*time.Second)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	viper.SetDefault("auth.enabled", true)
	viper.SetDefault("auth.jwtsecret", "")

	viper.SetDefault("loglevel", "info")
}
