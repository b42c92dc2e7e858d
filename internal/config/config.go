// Package config loads the farewelld configuration from defaults, an optional
// YAML file and FAREWELL_* environment variables.
package config

import (
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/farewell/farewelld/internal/identity"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config holds runtime configuration for farewelld
type Config struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	// PublicURL prefixes attachment links handed to browsers
	PublicURL string `json:"public_url" yaml:"public_url"`

	// Scheduler
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	ReleaseGrace  time.Duration `json:"release_grace" yaml:"release_grace"`
	Timezone      string        `json:"timezone" yaml:"timezone"`

	// Chat
	ChatInactivityTimeout time.Duration `json:"chat_inactivity_timeout" yaml:"chat_inactivity_timeout"`
	ChatClosingDelay      time.Duration `json:"chat_closing_delay" yaml:"chat_closing_delay"`
	ChatAutoReplyDelay    time.Duration `json:"chat_auto_reply_delay" yaml:"chat_auto_reply_delay"`
	ChatAutoReplyText     string        `json:"chat_auto_reply_text" yaml:"chat_auto_reply_text"`
	ChatBotName           string        `json:"chat_bot_name" yaml:"chat_bot_name"`

	// Attachments
	AttachmentDir      string `json:"attachment_dir" yaml:"attachment_dir"`
	AttachmentMaxBytes int64  `json:"attachment_max_bytes" yaml:"attachment_max_bytes"`

	// Workflow store
	StoreDriver string `json:"store_driver" yaml:"store_driver"` // "memory" or "sqlite"
	SQLitePath  string `json:"sqlite_path" yaml:"sqlite_path"`
	SeedFile    string `json:"seed_file" yaml:"seed_file"`
	// StateDir holds the committed schedule snapshot
	StateDir string `json:"state_dir" yaml:"state_dir"`

	// Notifications
	NotificationRetention int           `json:"notification_retention" yaml:"notification_retention"`
	NotifierCooldown      time.Duration `json:"notifier_cooldown" yaml:"notifier_cooldown"`
	// ForwardRoles limits which role-targeted notifications leave the process; empty forwards all
	ForwardRoles      []string `json:"forward_roles" yaml:"forward_roles"`
	DiscordWebhook    string   `json:"discord_webhook" yaml:"discord_webhook"`
	SlackWebhook      string   `json:"slack_webhook" yaml:"slack_webhook"`
	GenericWebhookURL string   `json:"generic_webhook_url" yaml:"generic_webhook_url"`

	EmailHost string   `json:"email_host" yaml:"email_host"`
	EmailPort int      `json:"email_port" yaml:"email_port"`
	EmailUser string   `json:"email_user" yaml:"email_user"`
	EmailPass string   `json:"email_pass" yaml:"email_pass"`
	EmailTo   []string `json:"email_to" yaml:"email_to"`
	// EmailRoleTo routes role-targeted notifications to dedicated mailboxes
	EmailRoleTo map[string][]string `json:"email_role_to" yaml:"email_role_to"`

	AMQPURL      string `json:"amqp_url" yaml:"amqp_url"`
	AMQPExchange string `json:"amqp_exchange" yaml:"amqp_exchange"`

	// Metrics
	MetricsEnabled bool `json:"metrics_enabled" yaml:"metrics_enabled"`

	// InfluxDB (push)
	InfluxURL      string        `json:"influx_url" yaml:"influx_url"`
	InfluxToken    string        `json:"influx_token" yaml:"influx_token"`
	InfluxOrg      string        `json:"influx_org" yaml:"influx_org"`
	InfluxBucket   string        `json:"influx_bucket" yaml:"influx_bucket"`
	InfluxInterval time.Duration `json:"influx_interval" yaml:"influx_interval"`

	// Logging
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFile   string `json:"log_file" yaml:"log_file"`
	LogFormat string `json:"log_format" yaml:"log_format"`

	// Users is the directory consulted to resolve the acting user of a request.
	Users []identity.Actor `json:"users" yaml:"users"`
}

// DefaultConfig returns a sane default configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":8080",

		SweepInterval: 60 * time.Second,
		ReleaseGrace:  30 * time.Minute,
		Timezone:      "UTC",

		ChatInactivityTimeout: 20 * time.Minute,
		ChatClosingDelay:      3 * time.Second,
		ChatAutoReplyDelay:    2 * time.Second,

		AttachmentDir:      "data/attachments",
		AttachmentMaxBytes: 10 << 20,

		StoreDriver: StoreMemory,
		SQLitePath:  "data/farewell.db",

		NotificationRetention: 500,
		NotifierCooldown:      2 * time.Second,
		EmailPort:             587,
		AMQPExchange:          "farewell.events",

		// Metrics defaults (opt-in)
		MetricsEnabled: false,

		// Influx defaults
		InfluxInterval: 1 * time.Minute,

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// ForwardRoleList parses ForwardRoles.
func (c *Config) ForwardRoleList() ([]identity.Role, error) {
	out := make([]identity.Role, 0, len(c.ForwardRoles))
	for _, s := range c.ForwardRoles {
		r, err := identity.ParseRole(s)
		if err != nil {
			return nil, fmt.Errorf("forward_roles: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// EmailRoleRecipients parses EmailRoleTo, skipping unknown roles.
func (c *Config) EmailRoleRecipients() map[identity.Role][]string {
	out := make(map[identity.Role][]string, len(c.EmailRoleTo))
	for k, v := range c.EmailRoleTo {
		if r, err := identity.ParseRole(k); err == nil && len(v) > 0 {
			out[r] = v
		}
	}
	return out
}

// Validate returns a list of non-fatal configuration warnings, such as
// incomplete notifier credential combinations.
func (c *Config) Validate() []string {
	var warnings []string
	checks := []struct {
		cond bool
		msg  string
	}{
		{c.EmailHost != "" && len(c.EmailTo) == 0 && len(c.EmailRoleTo) == 0, "email host provided but no recipients configured (EmailTo)"},
		{c.EmailHost == "" && (len(c.EmailTo) > 0 || len(c.EmailRoleTo) > 0), "email recipients configured but email host is empty"},
		{c.AMQPURL != "" && c.AMQPExchange == "", "amqp url provided but exchange is empty"},
		{c.InfluxURL != "" && c.InfluxBucket == "", "influx url provided but bucket is missing"},
		{c.SweepInterval <= 0, "sweep_interval must be positive; the default of 60s will be used"},
		{c.ReleaseGrace < 0, "release_grace is negative; slots would be released before they start"},
		{c.StoreDriver != StoreMemory && c.StoreDriver != StoreSQLite, fmt.Sprintf("unknown store_driver %q (expected memory or sqlite)", c.StoreDriver)},
		{c.StoreDriver == StoreSQLite && c.SQLitePath == "", "sqlite store selected but sqlite_path is empty"},
		{c.NotificationRetention < 0, "notification_retention is negative; notifications will not be pruned"},
		{len(c.Users) == 0, "no users configured; every request will be anonymous"},
	}
	for _, ch := range checks {
		if ch.cond {
			warnings = append(warnings, ch.msg)
		}
	}
	if _, err := c.Location(); err != nil {
		warnings = append(warnings, fmt.Sprintf("invalid timezone %q: %v", c.Timezone, err))
	}
	if _, err := c.ForwardRoleList(); err != nil {
		warnings = append(warnings, err.Error())
	}
	for k := range c.EmailRoleTo {
		if _, err := identity.ParseRole(k); err != nil {
			warnings = append(warnings, fmt.Sprintf("email_role_to: %v", err))
		}
	}
	warnings = append(warnings, validateUsers(c.Users)...)
	return warnings
}

func validateUsers(users []identity.Actor) []string {
	var warnings []string
	seen := make(map[string]bool, len(users))
	for i, u := range users {
		if !u.Valid() {
			warnings = append(warnings, fmt.Sprintf("users[%d]: id %q with role %q is not usable", i, u.ID, u.Role))
			continue
		}
		if seen[u.ID] {
			warnings = append(warnings, fmt.Sprintf("users[%d]: duplicate id %q", i, u.ID))
		}
		seen[u.ID] = true
	}
	return warnings
}

// LoadConfigFromFile loads config from a YAML/JSON file
func LoadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
