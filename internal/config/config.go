// /internal/config/config.go
package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every tunable the core consumes. Components receive it (or a
// sub-struct of it) through constructors; nothing reads the environment
// directly.
type Config struct {
	DiscordToken string `env:"DISCORD_TOKEN,required"`
	StoragePath  string `env:"STORAGE_PATH" envDefault:"datastore.json"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogOutput string `env:"LOG_OUTPUT" envDefault:"stdout"`
	LogFile   string `env:"LOG_FILE" envDefault:"nekobeat.log"`

	// Voice session behaviour.
	IdleDisconnect   time.Duration `env:"IDLE_DISCONNECT" envDefault:"5m"`
	RecoveryWindow   time.Duration `env:"RECOVERY_WINDOW" envDefault:"5s"`
	PlayerErrorGrace time.Duration `env:"PLAYER_ERROR_GRACE" envDefault:"1s"`

	Relay RelayConfig `envPrefix:"RELAY_"`

	// Operator alerting. Empty URL disables alerts.
	AlertWebhookURL string `env:"ALERT_WEBHOOK_URL"`
}

// RelayConfig groups the remote-browser relay settings.
type RelayConfig struct {
	PoolSize             int           `env:"POOL_SIZE" envDefault:"3"`
	BaseURL              string        `env:"BASE_URL" envDefault:"ws://localhost:8080/ws"`
	Password             string        `env:"PASSWORD"`
	CaptureBaseURL       string        `env:"CAPTURE_BASE_URL" envDefault:"http://localhost:8081"`
	HealthCheckInterval  time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"60s"`
	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"2s"`
	ReconnectMaxDelay    time.Duration `env:"RECONNECT_MAX_DELAY" envDefault:"30s"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"5"`
	ConnectTimeout       time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	ControlTimeout       time.Duration `env:"CONTROL_TIMEOUT" envDefault:"5s"`
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	PingInterval         time.Duration `env:"PING_INTERVAL" envDefault:"30s"`
	HealthCheckTimeout   time.Duration `env:"HEALTH_CHECK_TIMEOUT" envDefault:"3s"`
	AcquireWait          time.Duration `env:"ACQUIRE_WAIT" envDefault:"30s"`
	AcquirePollEvery     time.Duration `env:"ACQUIRE_POLL_EVERY" envDefault:"1s"`
	SessionTTL           time.Duration `env:"SESSION_TTL" envDefault:"168h"`
}

// New loads .env (when present) and parses the environment into a Config.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, falling back to system environment variables")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}
