package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvOverrides reads configuration values from environment variables and
// overrides fields in the provided Config. Returns an error if parsing fails.
//
// Environment variables supported:
// - FAREWELL_LISTEN_ADDR (string, e.g. ":8080")
// - FAREWELL_SWEEP_INTERVAL, FAREWELL_RELEASE_GRACE (duration, e.g. "60s")
// - FAREWELL_TIMEZONE (IANA name, e.g. "America/Sao_Paulo")
// - FAREWELL_CHAT_* (timings and texts of the chat engine)
// - FAREWELL_STORE_DRIVER ("memory" or "sqlite"), FAREWELL_SQLITE_PATH
// - FAREWELL_SLACK_WEBHOOK, FAREWELL_DISCORD_WEBHOOK, FAREWELL_GENERIC_WEBHOOK_URL
// - FAREWELL_EMAIL_* and FAREWELL_AMQP_URL / FAREWELL_AMQP_EXCHANGE
// - FAREWELL_FORWARD_ROLES (comma separated roles)
// - FAREWELL_METRICS_ENABLED (bool), FAREWELL_INFLUX_* (push)
// - FAREWELL_LOG_LEVEL, FAREWELL_LOG_FILE, FAREWELL_LOG_FORMAT
func ApplyEnvOverrides(cfg *Config) error {
	// Listener, scheduler and storage
	if err := applyBasicEnv(cfg); err != nil {
		return err
	}

	// Chat engine
	if err := applyChatEnv(cfg); err != nil {
		return err
	}

	// Notifications
	if err := applyNotificationEnv(cfg); err != nil {
		return err
	}

	// Email
	if err := applyEmailEnv(cfg); err != nil {
		return err
	}

	// Metrics
	if err := applyMetricsEnv(cfg); err != nil {
		return err
	}

	// Influx
	if err := applyInfluxEnv(cfg); err != nil {
		return err
	}

	// Logging
	applyLoggingEnv(cfg)

	return nil
}

// applyBasicEnv consolidates listener, scheduler and storage env parsing
func applyBasicEnv(cfg *Config) error {
	setStringEnv("FAREWELL_LISTEN_ADDR", &cfg.ListenAddr)
	setStringEnv("FAREWELL_PUBLIC_URL", &cfg.PublicURL)
	if err := setDurationEnv("FAREWELL_SWEEP_INTERVAL", &cfg.SweepInterval); err != nil {
		return err
	}
	if err := setDurationEnv("FAREWELL_RELEASE_GRACE", &cfg.ReleaseGrace); err != nil {
		return err
	}
	setStringEnv("FAREWELL_TIMEZONE", &cfg.Timezone)
	setStringEnv("FAREWELL_STORE_DRIVER", &cfg.StoreDriver)
	setStringEnv("FAREWELL_SQLITE_PATH", &cfg.SQLitePath)
	setStringEnv("FAREWELL_SEED_FILE", &cfg.SeedFile)
	setStringEnv("FAREWELL_STATE_DIR", &cfg.StateDir)
	setStringEnv("FAREWELL_ATTACHMENT_DIR", &cfg.AttachmentDir)
	if v := os.Getenv("FAREWELL_ATTACHMENT_MAX_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid FAREWELL_ATTACHMENT_MAX_BYTES: %w", err)
		}
		cfg.AttachmentMaxBytes = n
	}
	return nil
}

// applyChatEnv consolidates chat-related env parsing
func applyChatEnv(cfg *Config) error {
	if err := setDurationEnv("FAREWELL_CHAT_INACTIVITY_TIMEOUT", &cfg.ChatInactivityTimeout); err != nil {
		return err
	}
	if err := setDurationEnv("FAREWELL_CHAT_CLOSING_DELAY", &cfg.ChatClosingDelay); err != nil {
		return err
	}
	if err := setDurationEnv("FAREWELL_CHAT_AUTO_REPLY_DELAY", &cfg.ChatAutoReplyDelay); err != nil {
		return err
	}
	setStringEnv("FAREWELL_CHAT_AUTO_REPLY_TEXT", &cfg.ChatAutoReplyText)
	setStringEnv("FAREWELL_CHAT_BOT_NAME", &cfg.ChatBotName)
	return nil
}

// setStringEnv copies a non-empty environment variable into dst
func setStringEnv(env string, dst *string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// setDurationEnv parses a duration environment variable into dst
func setDurationEnv(env string, dst *time.Duration) error {
	if v := os.Getenv(env); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		*dst = d
	}
	return nil
}

// setBoolEnv is a small helper to parse boolean environment variables
func setBoolEnv(env string, setter func(bool)) error {
	if v := os.Getenv(env); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		setter(b)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// applyNotificationEnv consolidates notification-related env parsing
func applyNotificationEnv(cfg *Config) error {
	setStringEnv("FAREWELL_DISCORD_WEBHOOK", &cfg.DiscordWebhook)
	setStringEnv("FAREWELL_SLACK_WEBHOOK", &cfg.SlackWebhook)
	setStringEnv("FAREWELL_GENERIC_WEBHOOK_URL", &cfg.GenericWebhookURL)
	setStringEnv("FAREWELL_AMQP_URL", &cfg.AMQPURL)
	setStringEnv("FAREWELL_AMQP_EXCHANGE", &cfg.AMQPExchange)
	if v := os.Getenv("FAREWELL_FORWARD_ROLES"); v != "" {
		cfg.ForwardRoles = splitList(v)
	}
	if v := os.Getenv("FAREWELL_NOTIFICATION_RETENTION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FAREWELL_NOTIFICATION_RETENTION: %w", err)
		}
		cfg.NotificationRetention = n
	}
	return setDurationEnv("FAREWELL_NOTIFIER_COOLDOWN", &cfg.NotifierCooldown)
}

// applyEmailEnv consolidates email-related env parsing
func applyEmailEnv(cfg *Config) error {
	setStringEnv("FAREWELL_EMAIL_HOST", &cfg.EmailHost)
	setStringEnv("FAREWELL_EMAIL_USER", &cfg.EmailUser)
	setStringEnv("FAREWELL_EMAIL_PASS", &cfg.EmailPass)
	if v := os.Getenv("FAREWELL_EMAIL_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FAREWELL_EMAIL_PORT: %w", err)
		}
		cfg.EmailPort = p
	}
	if v := os.Getenv("FAREWELL_EMAIL_TO"); v != "" {
		cfg.EmailTo = splitList(v)
	}
	return nil
}

// applyMetricsEnv consolidates metrics-related env parsing
func applyMetricsEnv(cfg *Config) error {
	return setBoolEnv("FAREWELL_METRICS_ENABLED", func(b bool) { cfg.MetricsEnabled = b })
}

// applyInfluxEnv consolidates Influx-related env parsing
func applyInfluxEnv(cfg *Config) error {
	setStringEnv("FAREWELL_INFLUX_URL", &cfg.InfluxURL)
	setStringEnv("FAREWELL_INFLUX_TOKEN", &cfg.InfluxToken)
	setStringEnv("FAREWELL_INFLUX_ORG", &cfg.InfluxOrg)
	setStringEnv("FAREWELL_INFLUX_BUCKET", &cfg.InfluxBucket)
	return setDurationEnv("FAREWELL_INFLUX_INTERVAL", &cfg.InfluxInterval)
}

func applyLoggingEnv(cfg *Config) {
	setStringEnv("FAREWELL_LOG_LEVEL", &cfg.LogLevel)
	setStringEnv("FAREWELL_LOG_FILE", &cfg.LogFile)
	setStringEnv("FAREWELL_LOG_FORMAT", &cfg.LogFormat)
}
