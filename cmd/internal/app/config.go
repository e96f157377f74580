package app

import (
	"errors"
	"io/fs"
	"time"

	"chatd/cmd/identity"
	"chatd/cmd/internal/realtime"

	"github.com/joho/godotenv"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Store selection: DatabaseURL wins over SQLitePath; neither means in-memory.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string
	SQLitePath  string
	AutoMigrate bool

	// If true:
	// - /readyz returns 503 unless a persistent store is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, CHATD_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) and session tokens are keyed by HMAC.
	RequireTokenHMAC bool

	WS realtime.GatewayConfig
}

// LoadEnvFile pre-loads variables from CHATD_ENV_FILE (default .env).
// Variables already present in the environment are not overridden; a missing file is ignored.
func LoadEnvFile() error {
	path := EnvString("CHATD_ENV_FILE", ".env")
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	ws := realtime.DefaultGatewayConfig()

	return Config{
		HTTPAddr:  EnvString("CHATD_HTTP_ADDR", "0.0.0.0:3000"),
		LogLevel:  EnvString("CHATD_LOG_LEVEL", "info"),
		LogFormat: EnvString("CHATD_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("CHATD_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CHATD_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CHATD_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CHATD_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("CHATD_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("CHATD_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("CHATD_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("CHATD_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("CHATD_DB_SCHEMA", identity.DefaultSchema),
		SQLitePath:  EnvString("CHATD_SQLITE_PATH", ""),
		AutoMigrate: EnvBool("CHATD_DB_AUTO_MIGRATE", true),

		ReadinessRequireDB: EnvBool("CHATD_READINESS_REQUIRE_DB", false),

		RequireTokenHMAC: EnvBool("CHATD_REQUIRE_TOKEN_HMAC", false),

		WS: realtime.GatewayConfig{
			DevInsecure:       EnvBool("CHATD_WS_DEV_INSECURE", false),
			OriginRequired:    EnvBool("CHATD_WS_ORIGIN_REQUIRED", ws.OriginRequired),
			AllowedOrigins:    EnvCSV("CHATD_WS_ALLOWED_ORIGINS", ws.AllowedOrigins),
			WriteTimeout:      EnvDuration("CHATD_WS_WRITE_TIMEOUT", ws.WriteTimeout),
			ReadIdleTimeout:   EnvDuration("CHATD_WS_READ_IDLE_TIMEOUT", ws.ReadIdleTimeout),
			SendQueueSize:     EnvInt("CHATD_WS_SEND_QUEUE", ws.SendQueueSize),
			HeartbeatInterval: EnvDuration("CHATD_WS_HEARTBEAT_INTERVAL", ws.HeartbeatInterval),
			HeartbeatTimeout:  EnvDuration("CHATD_WS_HEARTBEAT_TIMEOUT", ws.HeartbeatTimeout),
			RateEvents:        EnvInt("CHATD_WS_RATE_EVENTS", ws.RateEvents),
			RateWindow:        EnvDuration("CHATD_WS_RATE_WINDOW", ws.RateWindow),
		},
	}
}

// storeKind names the backend selected by cfg.
func (c Config) storeKind() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}
