package configs

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port            string
		Env             string
		LogLevel        string
		Dashboard       bool
		ShutdownTimeout time.Duration
	}
	Database struct {
		Driver          string // postgres or memory
		Host            string
		Port            string
		User            string
		Password        string
		Name            string
		SSLMode         string
		MaxOpenConns    int
		AutoMigrate     bool
		MaxRetryElapsed time.Duration
	}
	Redis struct {
		URL      string
		PoolSize int
	}
	Fanout struct {
		Transport        string // redis, postgres or memory
		SubscriberBuffer int
		PublishRetry     time.Duration
	}
	Engine struct {
		BidLimit      int
		BidWindow     time.Duration
		ChatLimit     int
		ChatWindow    time.Duration
		EvictionGrace time.Duration
		SweepInterval time.Duration
		MailboxSize   int
		StoreTimeout  time.Duration
		RetryDelay    time.Duration
		MaxChatLength int
	}
	WebSocket struct {
		PingInterval      time.Duration
		MaxMessageSize    int64
		MessagesPerSecond float64
		Burst             int
	}
	Auth struct {
		SecretKey string
	}
	Features struct {
		EnableLogging    bool
		AllowCrossOrigin bool
		DevAuth          bool
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.logLevel", "info")
	v.SetDefault("server.dashboard", false)
	v.SetDefault("server.shutdownTimeout", "10s")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "auction")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxOpenConns", 25)
	v.SetDefault("database.autoMigrate", true)
	v.SetDefault("database.maxRetryElapsed", "3s")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.poolSize", 20)

	v.SetDefault("fanout.transport", "redis")
	v.SetDefault("fanout.subscriberBuffer", 64)
	v.SetDefault("fanout.publishRetry", "2s")

	v.SetDefault("engine.bidLimit", 5)
	v.SetDefault("engine.bidWindow", "1s")
	v.SetDefault("engine.chatLimit", 3)
	v.SetDefault("engine.chatWindow", "1s")
	v.SetDefault("engine.evictionGrace", "5m")
	v.SetDefault("engine.sweepInterval", "1m")
	v.SetDefault("engine.mailboxSize", 256)
	v.SetDefault("engine.storeTimeout", "5s")
	v.SetDefault("engine.retryDelay", "2s")
	v.SetDefault("engine.maxChatLength", 500)

	v.SetDefault("websocket.pingInterval", "30s")
	v.SetDefault("websocket.maxMessageSize", 4096)
	v.SetDefault("websocket.messagesPerSecond", 5)
	v.SetDefault("websocket.burst", 10)

	v.SetDefault("auth.secretKey", "")

	v.SetDefault("features.enableLogging", true)
	v.SetDefault("features.allowCrossOrigin", true)
	v.SetDefault("features.devAuth", false)
}

// LoadConfig reads ./configs/.env and ./configs/config.yaml.
func LoadConfig() (*Config, error) {
	return Load("./configs")
}

// Load reads dir/.env and dir/config.yaml; both are optional. Environment variables override
// file values (server.port is SERVER_PORT) and ${VAR} references in values are expanded.
func Load(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil {
		log.Debug("No .env file found", "dir", dir)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.AutomaticEnv()

	// Allow dots in environment variables to map to nested keys
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		log.Debug("No config.yaml found, using defaults and environment", "dir", dir)
	}

	substituteEnvVarsInConfig(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Helper function to manually replace environment variables in config file values.
// ${VAR:-fallback} uses fallback when VAR is unset or empty.
func substituteEnvVarsInConfig(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value, ok := v.Get(key).(string)
		if !ok || !strings.Contains(value, "${") {
			continue
		}
		v.Set(key, expand(value))
	}
}

func expand(value string) string {
	return os.Expand(value, func(name string) string {
		key, fallback, _ := strings.Cut(name, ":-")
		if env := os.Getenv(key); env != "" {
			return env
		}
		return fallback
	})
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver)
	}
	switch c.Fanout.Transport {
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("fanout.transport redis requires redis.url")
		}
	case "postgres":
		if c.Database.Driver != "postgres" {
			return fmt.Errorf("fanout.transport postgres requires database.driver postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("fanout.transport must be redis, postgres or memory, got %q", c.Fanout.Transport)
	}
	if !c.Features.DevAuth && c.Auth.SecretKey == "" {
		return fmt.Errorf("auth.secretKey is required unless features.devAuth is enabled")
	}
	return nil
}

// DSN is the Postgres connection string built from the database section.
func (c *Config) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Database.User, c.Database.Password),
		Host:     c.Database.Host + ":" + c.Database.Port,
		Path:     c.Database.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.Database.SSLMode),
	}
	return u.String()
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
