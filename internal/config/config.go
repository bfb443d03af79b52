package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Transport kinds.
const (
	TransportBluez = "bluez"
	TransportTCP   = "tcp"
)

type Config struct {
	HTTPPort   int
	DBPath     string
	AdminToken string
	LogLevel   slog.Level

	AccountsFile      string
	AccountsPollEvery time.Duration

	Transport         string
	TCPHost           string
	TCPBasePort       int
	MNSAddr           string
	RFCOMMBaseChannel int
	ListLimit         int

	SMSCapable      bool
	CDMA            bool
	AuthTimeout     time.Duration
	WakeLockDelay   time.Duration
	WakeLockEnabled bool
	AutoAcceptPeers []string

	SMTPPort        int
	SMTPAuthEnabled bool
	SMTPUsername    string
	SMTPPassword    string

	RelayAddr        string
	RelayAuthEnabled bool
	RelayUsername    string
	RelayPassword    string
}

func Load() Config {
	return Config{
		HTTPPort:   getEnvInt("HTTP_PORT", 3025),
		DBPath:     getEnvString("DB_PATH", "btmap.db"),
		AdminToken: getEnvString("ADMIN_TOKEN", ""),
		LogLevel:   getEnvLevel("LOG_LEVEL", slog.LevelInfo),

		AccountsFile:      getEnvString("ACCOUNTS_FILE", "accounts.toml"),
		AccountsPollEvery: getEnvDuration("ACCOUNTS_POLL_INTERVAL", 5*time.Second),

		Transport:         strings.ToLower(getEnvString("TRANSPORT", TransportBluez)),
		TCPHost:           getEnvString("TCP_HOST", "127.0.0.1"),
		TCPBasePort:       getEnvInt("TCP_BASE_PORT", 6100),
		MNSAddr:           getEnvString("MNS_ADDR", ""),
		RFCOMMBaseChannel: getEnvInt("RFCOMM_BASE_CHANNEL", 0),
		ListLimit:         getEnvInt("LIST_DEFAULT_LIMIT", 1024),

		SMSCapable:      getEnvBool("SMS_CAPABLE", true),
		CDMA:            getEnvBool("CDMA", false),
		AuthTimeout:     getEnvDuration("AUTH_TIMEOUT", 25*time.Second),
		WakeLockDelay:   getEnvDuration("WAKE_LOCK_DELAY", 10*time.Second),
		WakeLockEnabled: getEnvBool("WAKE_LOCK_ENABLED", true),
		AutoAcceptPeers: getEnvList("AUTO_ACCEPT_PEERS"),

		SMTPPort:        getEnvInt("SMTP_PORT", 2025),
		SMTPAuthEnabled: getEnvBool("SMTP_AUTH_ENABLED", true),
		SMTPUsername:    getEnvString("SMTP_USERNAME", "btmap"),
		SMTPPassword:    getEnvString("SMTP_PASSWORD", "btmap"),

		RelayAddr:        getEnvString("SMTP_RELAY_ADDR", ""),
		RelayAuthEnabled: getEnvBool("SMTP_RELAY_AUTH_ENABLED", false),
		RelayUsername:    getEnvString("SMTP_RELAY_USERNAME", ""),
		RelayPassword:    getEnvString("SMTP_RELAY_PASSWORD", ""),
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	if value, ok := os.LookupEnv(key); ok {
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err == nil {
			return level
		}
	}
	return fallback
}

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
