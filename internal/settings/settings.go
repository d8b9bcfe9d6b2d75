// Package settings resolves runtime configuration from the environment and
// keeps it available to the rest of the bridge.
package settings

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Settings is the full runtime configuration of the bridge.
type Settings struct {
	App     AppSettings
	Fiscal  FiscalSettings
	Backend BackendSettings
	Poll    PollSettings
	HTTP    HTTPSettings
	Storage StorageSettings
}

type AppSettings struct {
	Name        string
	Version     string
	Environment string
}

// FiscalSettings selects and addresses the cash register device.
type FiscalSettings struct {
	Kind     string `validate:"required,oneof=umka qkkm mock"`
	Host     string
	Port     int    `validate:"gte=0,lte=65535"`
	Encoding string `validate:"oneof=utf-8 windows-1251"`
}

type BackendSettings struct {
	RootURL string `validate:"required,url"`
	Timeout time.Duration
}

// PollSettings drives the command polling loop.
type PollSettings struct {
	Interval time.Duration
	CcmIDs   []string `validate:"required,min=1,dive,required"`
}

type HTTPSettings struct {
	Port            int `validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type StorageSettings struct {
	DataDir        string
	StoreMaxSizeGB int `validate:"gte=1"`
	AuditMaxSizeMB int64
}

// Load resolves settings from environment variables. A .env file is read
// first when present; real environment variables win over it.
func Load() (Settings, error) {
	_ = godotenv.Load()

	cfg := Settings{
		App: AppSettings{
			Name:        getEnv("APP_NAME", "ecomkassa-frws"),
			Version:     getEnv("APP_VERSION", "0.1.0"),
			Environment: getEnv("APP_ENV", "local"),
		},
		Fiscal: FiscalSettings{
			Kind:     getEnv("FISCAL_TYPE", "mock"),
			Host:     strings.TrimSpace(os.Getenv("FISCAL_HOST")),
			Port:     getEnvAsInt("FISCAL_PORT", 8088),
			Encoding: getEnv("FISCAL_ENCODING", "utf-8"),
		},
		Backend: BackendSettings{
			RootURL: getEnv("BACKEND_URL", "http://localhost:8080"),
			Timeout: getEnvAsDuration("BACKEND_TIMEOUT", 30*time.Second),
		},
		Poll: PollSettings{
			Interval: getEnvAsDuration("POLL_INTERVAL", 5*time.Second),
			CcmIDs:   getEnvAsCSV("CCM_IDS", nil),
		},
		HTTP: HTTPSettings{
			Port:            getEnvAsInt("HTTP_PORT", 8081),
			ReadTimeout:     getEnvAsDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvAsDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("HTTP_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Storage: StorageSettings{
			DataDir:        strings.TrimSpace(os.Getenv("DATA_DIR")),
			StoreMaxSizeGB: getEnvAsInt("STORE_MAX_SIZE_GB", 1),
			AuditMaxSizeMB: int64(getEnvAsInt("AUDIT_MAX_SIZE_MB", 100)),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Fiscal.Kind != "mock" && cfg.Fiscal.Host == "" {
		return cfg, errors.New("invalid config: FISCAL_HOST is required unless FISCAL_TYPE=mock")
	}
	if cfg.Poll.Interval < time.Second {
		return cfg, errors.New("invalid config: POLL_INTERVAL must be at least 1s")
	}

	return cfg, nil
}

// Address returns the HTTP listen address in host:port form.
func (h HTTPSettings) Address() string {
	return fmt.Sprintf(":%d", h.Port)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsCSV(key string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	if len(values) == 0 {
		return fallback
	}
	return values
}
