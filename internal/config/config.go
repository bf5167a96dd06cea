package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

const defaultCursorSecret = "dev-cursor-secret-change-me"

// 存储后端可选值。
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

type Config struct {
	Port            string
	Env             string
	LogLevel        string
	DatabaseDSN     string
	RegistryBackend string
	LogBackend      string
	RedisURL        string
	MongoURL        string
	MongoDatabase   string
	CursorSecret    string

	RequestTimeout       time.Duration
	PushTimeout          time.Duration
	BroadcastParallelism int
	ShutdownTimeout      time.Duration
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getint 解析正整数，非法值回落到默认值。
func getint(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func Load() Config {
	return Config{
		Port:            getenv("APP_PORT", "8080"),
		Env:             getenv("APP_ENV", "dev"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		DatabaseDSN:     getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=chat port=5432 sslmode=disable TimeZone=UTC"),
		RegistryBackend: getenv("REGISTRY_BACKEND", BackendPostgres),
		LogBackend:      getenv("LOG_BACKEND", BackendPostgres),
		RedisURL:        getenv("REDIS_URL", "redis://localhost:6379/0"),
		MongoURL:        getenv("MONGO_URL", "mongodb://localhost:27017"),
		MongoDatabase:   getenv("MONGO_DATABASE", "chat"),
		CursorSecret:    getenv("CURSOR_SECRET", defaultCursorSecret),

		RequestTimeout:       time.Duration(getint("REQUEST_TIMEOUT_MS", 5000)) * time.Millisecond,
		PushTimeout:          time.Duration(getint("PUSH_TIMEOUT_MS", 2000)) * time.Millisecond,
		BroadcastParallelism: getint("BROADCAST_PARALLELISM", 32),
		ShutdownTimeout:      time.Duration(getint("SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,
	}
}

// BindFlags 注册命令行参数，默认值取自环境变量，显式传入的参数优先。
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Port, "port", c.Port, "HTTP listen port")
	fs.StringVar(&c.Env, "env", c.Env, "Runtime environment (dev, test, prod)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&c.RegistryBackend, "registry-backend", c.RegistryBackend, "Connection registry backend (memory, postgres, redis)")
	fs.StringVar(&c.LogBackend, "log-backend", c.LogBackend, "Conversation log backend (memory, postgres, mongo)")
	fs.StringVar(&c.DatabaseDSN, "database-dsn", c.DatabaseDSN, "Postgres DSN")
	fs.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "Redis URL for the registry")
	fs.StringVar(&c.MongoURL, "mongo-url", c.MongoURL, "MongoDB URL for the conversation log")
	fs.StringVar(&c.MongoDatabase, "mongo-database", c.MongoDatabase, "MongoDB database name")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "Time budget for handling a single event")
	fs.DurationVar(&c.PushTimeout, "push-timeout", c.PushTimeout, "Timeout for a single push to a connection")
	fs.IntVar(&c.BroadcastParallelism, "broadcast-parallelism", c.BroadcastParallelism, "Maximum concurrent pushes per broadcast")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Grace period for draining connections on shutdown")
}

// UsesPostgres 表示是否有任一组件需要数据库连接。
func (c Config) UsesPostgres() bool {
	return c.RegistryBackend == BackendPostgres || c.LogBackend == BackendPostgres
}

// Validate 检查必填项与后端取值；非 dev 环境禁止使用默认游标密钥。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: APP_PORT is required")
	}
	switch cfg.RegistryBackend {
	case BackendMemory, BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("config: unknown REGISTRY_BACKEND %q", cfg.RegistryBackend)
	}
	switch cfg.LogBackend {
	case BackendMemory, BackendPostgres, BackendMongo:
	default:
		return fmt.Errorf("config: unknown LOG_BACKEND %q", cfg.LogBackend)
	}
	if cfg.UsesPostgres() && cfg.DatabaseDSN == "" {
		return errors.New("config: DATABASE_DSN is required for the postgres backend")
	}
	if cfg.RegistryBackend == BackendRedis && cfg.RedisURL == "" {
		return errors.New("config: REDIS_URL is required for the redis backend")
	}
	if cfg.LogBackend == BackendMongo && (cfg.MongoURL == "" || cfg.MongoDatabase == "") {
		return errors.New("config: MONGO_URL and MONGO_DATABASE are required for the mongo backend")
	}
	if cfg.CursorSecret == "" {
		return errors.New("config: CURSOR_SECRET is required")
	}
	if cfg.Env != "dev" && cfg.CursorSecret == defaultCursorSecret {
		return errors.New("config: CURSOR_SECRET must be changed outside dev")
	}
	return nil
}
