package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every gateway setting, resolved once at startup from the
// environment (after loading .env from the data root).
type Config struct {
	AgentURL     string
	AgentName    string
	DashboardURL string
	DataRoot     string

	RunTimeout          time.Duration
	ContextBudgetTokens int
	ContextOptimizer    bool

	STMMaxExchanges int
	STMMaxMsgLength int

	QueueDebounceMs int
	MaxQueueSize    int
	QueueMode       string // "collect" | "followup"

	MaxTurns         int
	DailyResetHour   int
	IdleResetMinutes int
	BusyWatchdog     time.Duration

	HeartbeatInterval     time.Duration
	ActiveHoursStart      string
	ActiveHoursEnd        string
	ExplorationEnabled    bool
	ExplorationFrequency  int
	ExplorationMaxFetches int
	ExplorationWords      int
	MaxHeartbeatFailures  int

	SocketIdleTimeout time.Duration
	SchedulerTick     time.Duration

	TelegramBotToken     string
	TelegramAllowedUsers []string

	Port int
	TZ   string
}

// Load reads .env from the data root (without overriding already-set
// process env vars) and builds a Config from the environment, applying the
// defaults documented in the gateway's external-interfaces section.
func Load() (*Config, error) {
	root := DataRoot()
	if err := godotenv.Load(DotenvPath()); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	cfg := &Config{
		AgentURL:     getenv("AGENT_URL", "http://127.0.0.1:8787"),
		AgentName:    getenv("AGENT_NAME", "agent"),
		DashboardURL: getenv("DASHBOARD_URL", ""),
		DataRoot:     root,

		RunTimeout:          getenvMillis("RUN_TIMEOUT_MS", 10*time.Minute),
		ContextBudgetTokens: getenvInt("CONTEXT_BUDGET_TOKENS", 2000),
		ContextOptimizer:    getenvBool("CONTEXT_OPTIMIZER", true),

		STMMaxExchanges: getenvInt("STM_MAX_EXCHANGES", 20),
		STMMaxMsgLength: getenvInt("STM_MAX_MSG_LENGTH", 1500),

		QueueDebounceMs: getenvInt("QUEUE_DEBOUNCE_MS", 1000),
		MaxQueueSize:    getenvInt("MAX_QUEUE_SIZE", 20),
		QueueMode:       getenv("QUEUE_MODE", "collect"),

		MaxTurns:         getenvInt("MAX_TURNS", 80),
		DailyResetHour:   getenvInt("DAILY_RESET_HOUR", 4),
		IdleResetMinutes: getenvInt("IDLE_RESET_MINUTES", 0),
		BusyWatchdog:     getenvDuration("BUSY_WATCHDOG", 10*time.Minute),

		HeartbeatInterval:     getenvDuration("HEARTBEAT_INTERVAL", 15*time.Minute),
		ActiveHoursStart:      "07:00",
		ActiveHoursEnd:        "23:00",
		ExplorationEnabled:    getenvBool("EXPLORATION_ENABLED", true),
		ExplorationFrequency:  getenvInt("EXPLORATION_FREQUENCY", 4),
		ExplorationMaxFetches: getenvInt("EXPLORATION_MAX_FETCHES", 1),
		ExplorationWords:      getenvInt("EXPLORATION_SUMMARY_WORDS", 300),
		MaxHeartbeatFailures:  getenvInt("MAX_HEARTBEAT_FAILURES", 2),

		SocketIdleTimeout: getenvDuration("SOCKET_IDLE_TIMEOUT", 5*time.Minute),
		SchedulerTick:     getenvDuration("SCHEDULER_TICK", 30*time.Second),

		TelegramBotToken:     getenv("TELEGRAM_BOT_TOKEN", ""),
		TelegramAllowedUsers: splitCSV(getenv("TELEGRAM_ALLOWED_USERS", "")),

		Port: getenvInt("PORT", 3000),
		TZ:   getenv("TZ", "UTC"),
	}

	if v := os.Getenv("ACTIVE_HOURS"); v != "" {
		if start, end, ok := strings.Cut(v, "-"); ok {
			cfg.ActiveHoursStart = start
			cfg.ActiveHoursEnd = end
		}
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v != "false" && v != "0"
}

// getenvDuration parses a Go duration string (e.g. "15m").
func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// getenvMillis parses a plain millisecond integer, per the documented
// RUN_TIMEOUT_MS environment variable.
func getenvMillis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
