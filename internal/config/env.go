// Package config provides centralized configuration management.
// Every SCHOLAR_* variable is read here and nowhere else.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Defaults applied when a variable is unset or unparsable.
const (
	DefaultEndpoint         = "ws://localhost:8000/ws/query"
	DefaultReconnectDelay   = 3 * time.Second
	DefaultQueryTimeout     = 5 * time.Minute
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultLogLevel         = "info"
)

// ScholarEnv holds all scholar environment variables.
type ScholarEnv struct {
	// Endpoint is the agent websocket address (SCHOLAR_ENDPOINT)
	Endpoint string `yaml:"endpoint" validate:"required,url,startswith=ws"`

	// ReconnectDelay is the wait before an automatic reconnect (SCHOLAR_RECONNECT_DELAY)
	ReconnectDelay time.Duration `yaml:"reconnect_delay" validate:"gt=0"`

	// QueryTimeout bounds the silence allowed while a query is in flight,
	// zero disables it (SCHOLAR_QUERY_TIMEOUT)
	QueryTimeout time.Duration `yaml:"query_timeout" validate:"gte=0"`

	// HandshakeTimeout bounds a single dial (SCHOLAR_HANDSHAKE_TIMEOUT)
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" validate:"gt=0"`

	// PingInterval is the keepalive period, zero disables pings (SCHOLAR_PING_INTERVAL)
	PingInterval time.Duration `yaml:"ping_interval" validate:"gte=0"`

	// ReconnectOnClose also reconnects after a normal close from the
	// agent (SCHOLAR_RECONNECT_ON_CLOSE)
	ReconnectOnClose bool `yaml:"reconnect_on_close"`

	// LogFile is the log destination, "-" for stderr (SCHOLAR_LOG_FILE)
	LogFile string `yaml:"log_file"`

	// LogLevel is the minimum log level (SCHOLAR_LOG_LEVEL)
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// MetricsAddr serves /metrics when set (SCHOLAR_METRICS_ADDR)
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

var (
	env     *ScholarEnv
	envOnce sync.Once

	validate = validator.New()
)

// Env returns the singleton environment configuration.
// Thread-safe, loads once on first call.
func Env() *ScholarEnv {
	envOnce.Do(func() {
		env = &ScholarEnv{
			Endpoint:         getEnvDefault("SCHOLAR_ENDPOINT", DefaultEndpoint),
			ReconnectDelay:   getEnvDuration("SCHOLAR_RECONNECT_DELAY", DefaultReconnectDelay),
			QueryTimeout:     getEnvDuration("SCHOLAR_QUERY_TIMEOUT", DefaultQueryTimeout),
			HandshakeTimeout: getEnvDuration("SCHOLAR_HANDSHAKE_TIMEOUT", DefaultHandshakeTimeout),
			PingInterval:     getEnvDuration("SCHOLAR_PING_INTERVAL", DefaultPingInterval),
			ReconnectOnClose: os.Getenv("SCHOLAR_RECONNECT_ON_CLOSE") == "1",
			LogFile:          getEnvDefault("SCHOLAR_LOG_FILE", filepath.Join(GetPaths().Logs, "scholar.log")),
			LogLevel:         strings.ToLower(getEnvDefault("SCHOLAR_LOG_LEVEL", DefaultLogLevel)),
			MetricsAddr:      os.Getenv("SCHOLAR_METRICS_ADDR"),
		}
	})
	return env
}

// ResetEnv resets the cached environment (for testing).
func ResetEnv() {
	envOnce = sync.Once{}
	env = nil
}

// Validate checks the configuration and reports every failing field.
func (e *ScholarEnv) Validate() error {
	err := validate.Struct(e)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, fmt.Sprintf("%s failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
}

// LoadDotEnv loads ~/.scholar/.env into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv() error {
	path := GetPaths().EnvFile
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// Paths holds standard scholar directory paths.
type Paths struct {
	// Home is the scholar home directory (~/.scholar)
	Home string

	// EnvFile is the .env file path (~/.scholar/.env)
	EnvFile string

	// Logs is the log directory (~/.scholar/logs)
	Logs string
}

var (
	paths     *Paths
	pathsOnce sync.Once
)

// GetPaths returns the singleton paths configuration.
func GetPaths() *Paths {
	pathsOnce.Do(func() {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		scholarHome := filepath.Join(home, ".scholar")

		paths = &Paths{
			Home:    scholarHome,
			EnvFile: filepath.Join(scholarHome, ".env"),
			Logs:    filepath.Join(scholarHome, "logs"),
		}
	})
	return paths
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
