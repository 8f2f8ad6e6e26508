package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr string

	RedisURL      string
	DatabaseURL   string
	ProfileAPIURL string

	ChatMaxLen   int
	SendBuffer   int
	PingInterval time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	RulesTimeout time.Duration

	MessagesDir    string
	AllowedOrigins []string
	DebugEndpoints bool
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:   ":3001",
		ChatMaxLen:   500,
		SendBuffer:   32,
		PingInterval: 25 * time.Second,
		PingTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Second,
		RulesTimeout: 2 * time.Second,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	} else if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		cfg.ListenAddr = ":" + v
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.ProfileAPIURL = strings.TrimSpace(os.Getenv("PROFILE_API_URL"))
	cfg.MessagesDir = strings.TrimSpace(os.Getenv("MESSAGES_DIR"))

	if n, ok := positiveInt("CHAT_MAX_LEN"); ok {
		cfg.ChatMaxLen = n
	}
	if n, ok := positiveInt("SEND_BUFFER"); ok {
		cfg.SendBuffer = n
	}
	if n, ok := positiveInt("PING_INTERVAL_SEC"); ok {
		cfg.PingInterval = time.Duration(n) * time.Second
	}
	if n, ok := positiveInt("PING_TIMEOUT_SEC"); ok {
		cfg.PingTimeout = time.Duration(n) * time.Second
	}
	if n, ok := positiveInt("WRITE_TIMEOUT_SEC"); ok {
		cfg.WriteTimeout = time.Duration(n) * time.Second
	}
	if n, ok := positiveInt("RULES_TIMEOUT_MS"); ok {
		cfg.RulesTimeout = time.Duration(n) * time.Millisecond
	}

	if v := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); v != "" {
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, s)
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv("DEBUG_ENDPOINTS")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DebugEndpoints = b
		}
	}

	if cfg.PingTimeout < cfg.PingInterval {
		return nil, errors.New("PING_TIMEOUT_SEC must not be shorter than PING_INTERVAL_SEC")
	}
	if cfg.RedisURL != "" && !strings.HasPrefix(cfg.RedisURL, "redis://") && !strings.HasPrefix(cfg.RedisURL, "rediss://") {
		return nil, errors.New("REDIS_URL must use redis:// or rediss://")
	}

	return cfg, nil
}

// PingFailureBudget is how many consecutive failed pings the transport
// tolerates before it treats the connection as dead.
func (c *AppConfig) PingFailureBudget() int {
	if c == nil || c.PingInterval <= 0 {
		return 2
	}
	n := int(c.PingTimeout / c.PingInterval)
	if n < 1 {
		n = 1
	}
	return n
}

func positiveInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
