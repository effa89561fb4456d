package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/flexpress-matching/internal/models"
)

// ClientConfig captures all tunable parameters for the match session agent.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ClientConfig struct {
	APIBaseURL     string
	WSURL          string
	Token          string
	Role           models.Role
	RequestTimeout time.Duration

	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	PollMatchInterval          time.Duration
	PollCharterMatchesInterval time.Duration
	PollUserMatchesInterval    time.Duration
	ExpiryWatchdogInterval     time.Duration
	ConversationReadyTimeout   time.Duration

	WSMaxReconnects  int
	WSReconnectBase  time.Duration
	WSReconnectMax   time.Duration
	WSHandshakeLimit time.Duration

	RedisAddr     string
	RedisPassword string
	SnapshotTTL   time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN         string
	RunMigrations bool

	LogLevel string
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		APIBaseURL:                 "http://localhost:3001",
		Role:                       models.RoleClient,
		RequestTimeout:             10 * time.Second,
		HTTPAddr:                   ":8080",
		ReadTimeout:                5 * time.Second,
		WriteTimeout:               10 * time.Second,
		IdleTimeout:                120 * time.Second,
		ShutdownTimeout:            15 * time.Second,
		AllowedOrigins:             []string{"http://localhost:3000"},
		PollMatchInterval:          3 * time.Second,
		PollCharterMatchesInterval: 5 * time.Second,
		PollUserMatchesInterval:    5 * time.Second,
		ExpiryWatchdogInterval:     time.Second,
		ConversationReadyTimeout:   5 * time.Second,
		WSMaxReconnects:            5,
		WSReconnectBase:            time.Second,
		WSReconnectMax:             30 * time.Second,
		WSHandshakeLimit:           10 * time.Second,
		SnapshotTTL:                24 * time.Hour,
		KafkaTopic:                 "match-transitions",
		LogLevel:                   "info",
	}
}

// LoadClientConfig reads an optional .env file and the process environment.
func LoadClientConfig() (ClientConfig, error) {
	loadDotEnv()

	cfg := defaultClientConfig()
	var errs []error

	setStringFromEnv(&cfg.APIBaseURL, "API_BASE_URL")
	setStringFromEnv(&cfg.WSURL, "WS_URL")
	cfg.Token = strings.TrimSpace(os.Getenv("AUTH_TOKEN"))
	if v := os.Getenv("SESSION_ROLE"); v != "" {
		cfg.Role = models.Role(strings.ToLower(strings.TrimSpace(v)))
	}
	setDurationFromEnv(&cfg.RequestTimeout, "API_REQUEST_TIMEOUT", &errs)

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitAndTrim(v)
	}

	setDurationFromEnv(&cfg.PollMatchInterval, "POLL_MATCH_INTERVAL", &errs)
	setDurationFromEnv(&cfg.PollCharterMatchesInterval, "POLL_CHARTER_MATCHES_INTERVAL", &errs)
	setDurationFromEnv(&cfg.PollUserMatchesInterval, "POLL_USER_MATCHES_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ExpiryWatchdogInterval, "EXPIRY_WATCHDOG_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ConversationReadyTimeout, "CONVERSATION_READY_TIMEOUT", &errs)

	setIntFromEnv(&cfg.WSMaxReconnects, "WS_MAX_RECONNECTS", &errs)
	setDurationFromEnv(&cfg.WSReconnectBase, "WS_RECONNECT_BASE", &errs)
	setDurationFromEnv(&cfg.WSReconnectMax, "WS_RECONNECT_MAX", &errs)
	setDurationFromEnv(&cfg.WSHandshakeLimit, "WS_HANDSHAKE_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setDurationFromEnv(&cfg.SnapshotTTL, "REDIS_SNAPSHOT_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	return cfg, errors.Join(append(errs, cfg.Validate())...)
}

// Validate checks cross-field constraints. It is also called after CLI
// flags have been applied on top of the environment.
func (c ClientConfig) Validate() error {
	var errs []error
	if _, err := url.ParseRequestURI(c.APIBaseURL); err != nil {
		errs = append(errs, fmt.Errorf("API_BASE_URL: %w", err))
	}
	if c.Role != models.RoleClient && c.Role != models.RoleCharter {
		errs = append(errs, fmt.Errorf("SESSION_ROLE must be %q or %q", models.RoleClient, models.RoleCharter))
	}
	for name, d := range map[string]time.Duration{
		"POLL_MATCH_INTERVAL":           c.PollMatchInterval,
		"POLL_CHARTER_MATCHES_INTERVAL": c.PollCharterMatchesInterval,
		"POLL_USER_MATCHES_INTERVAL":    c.PollUserMatchesInterval,
		"EXPIRY_WATCHDOG_INTERVAL":      c.ExpiryWatchdogInterval,
		"CONVERSATION_READY_TIMEOUT":    c.ConversationReadyTimeout,
		"WS_RECONNECT_BASE":             c.WSReconnectBase,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", name))
		}
	}
	if c.WSReconnectMax < c.WSReconnectBase {
		errs = append(errs, fmt.Errorf("WS_RECONNECT_MAX must be >= WS_RECONNECT_BASE"))
	}
	if c.WSMaxReconnects < 0 {
		errs = append(errs, fmt.Errorf("WS_MAX_RECONNECTS must be >= 0"))
	}
	return errors.Join(errs...)
}

// RealtimeURL returns the websocket endpoint for the conversations
// namespace, derived from the API base URL when WS_URL is unset.
func (c ClientConfig) RealtimeURL() string {
	base := c.WSURL
	if base == "" {
		base = c.APIBaseURL
		switch {
		case strings.HasPrefix(base, "https://"):
			base = "wss://" + strings.TrimPrefix(base, "https://")
		case strings.HasPrefix(base, "http://"):
			base = "ws://" + strings.TrimPrefix(base, "http://")
		}
	}
	return strings.TrimRight(base, "/") + "/conversations"
}

// ConsumerConfig configures the transition journal consumer.
type ConsumerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
	RedisAddr    string
	PGDSN        string
	LogLevel     string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	loadDotEnv()
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "match-transitions",
		KafkaGroup:   "match-journal-consumer",
		RedisAddr:    "localhost:6379",
		LogLevel:     "info",
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.PGDSN = os.Getenv("PG_DSN")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	return cfg, nil
}

// loadDotEnv is best effort; a missing file is the normal case in
// containers.
func loadDotEnv() {
	if path := os.Getenv("ENV_FILE"); path != "" {
		_ = godotenv.Load(path)
		return
	}
	_ = godotenv.Load(".env")
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
