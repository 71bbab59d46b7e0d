package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Logging struct {
	Environment string
	Level       string
}

// Client configures chatctl and pkg/chatclient.
type Client struct {
	Logging
	KeystoreDSN        string
	KeystorePassphrase string
	RelayURL           string
	Token              string
	UserID             int64
	// TokenSecret is only needed by the dev token command.
	TokenSecret string
	TokenIssuer string
	TokenTTL    time.Duration
}

// Relay configures cmd/relay.
type Relay struct {
	Logging
	Addr           string
	DatabaseURL    string
	TokenSecret    string
	TokenIssuer    string
	HistoryLimit   int
	RateLimit      int
	CORSOrigins    []string
	WSWriteTimeout time.Duration
	LogSQL         bool
}

var ErrMissingSecret = errors.New("config: RELAY_TOKEN_SECRET is required")

var dotenvOnce sync.Once

// loadDotenv merges an optional .env file into the environment. Variables
// already set in the process win.
func loadDotenv() {
	dotenvOnce.Do(func() {
		path := envOr("CHAT_DOTENV", ".env")
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("config: could not load dotenv file", "path", path, "error", err)
		}
	})
}

func loadLogging() Logging {
	return Logging{
		Environment: envOr("CHAT_ENV", "dev"),
		Level:       envOr("CHAT_LOG_LEVEL", "info"),
	}
}

func LoadClient() Client {
	loadDotenv()
	userID := envInt64("CHAT_USER_ID", 0)
	if userID < 0 {
		slog.Warn("config: invalid user id, ignoring", "user_id", userID)
		userID = 0
	}
	return Client{
		Logging:            loadLogging(),
		KeystoreDSN:        envOr("CHAT_KEYSTORE_DSN", "file:securechat-keys.db"),
		KeystorePassphrase: os.Getenv("CHAT_KEYSTORE_PASSPHRASE"),
		RelayURL:           envOr("CHAT_RELAY_URL", "ws://localhost:8090/ws"),
		Token:              os.Getenv("CHAT_TOKEN"),
		UserID:             userID,
		TokenSecret:        os.Getenv("RELAY_TOKEN_SECRET"),
		TokenIssuer:        envOr("RELAY_TOKEN_ISSUER", "securechat"),
		TokenTTL:           getdur("RELAY_TOKEN_TTL", 24*time.Hour),
	}
}

func LoadRelay() (Relay, error) {
	loadDotenv()
	limit := envInt("RELAY_HISTORY_LIMIT", 200)
	if limit <= 0 {
		slog.Warn("config: invalid history limit, defaulting", "limit", limit)
		limit = 200
	}
	rate := envInt("RELAY_RATE_LIMIT", 120)
	if rate <= 0 {
		slog.Warn("config: invalid rate limit, defaulting", "rate", rate)
		rate = 120
	}
	cfg := Relay{
		Logging:        loadLogging(),
		Addr:           envOr("RELAY_ADDR", ":8090"),
		DatabaseURL:    envOr("RELAY_DATABASE_URL", "file:securechat-relay.db"),
		TokenSecret:    os.Getenv("RELAY_TOKEN_SECRET"),
		TokenIssuer:    envOr("RELAY_TOKEN_ISSUER", "securechat"),
		HistoryLimit:   limit,
		RateLimit:      rate,
		CORSOrigins:    splitList(os.Getenv("RELAY_CORS_ORIGINS")),
		WSWriteTimeout: envDuration("RELAY_WS_WRITE_TIMEOUT_MS", 5000),
		LogSQL:         getbool("RELAY_LOG_SQL", false),
	}
	if cfg.TokenSecret == "" {
		return cfg, ErrMissingSecret
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, defaultMillis int) time.Duration {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
		slog.Warn("config: invalid duration, using default", "key", key, "value", v, "default_ms", defaultMillis)
	}
	return time.Duration(defaultMillis) * time.Millisecond
}

func getdur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		slog.Warn("config: invalid duration, using default", "key", key, "value", v, "default", def)
	}
	return def
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
		slog.Warn("config: invalid int, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return n
		}
		slog.Warn("config: invalid int, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}

func getbool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		slog.Warn("config: invalid bool, using default", "key", key, "value", v, "default", def)
	}
	return def
}

func splitList(in string) []string {
	var out []string
	for _, part := range strings.Split(in, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
