// Package config loads service configuration from a TOML file with
// environment-variable overrides. Secrets (tokens, proof material) are
// normally supplied through the environment so the file can be checked
// into deployment tooling without them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// envPrefix namespaces all environment overrides.
const envPrefix = "VANITYLOCK_"

// Config is the complete service configuration.
type Config struct {
	// Credentials. Environment: VANITYLOCK_USER_TOKEN, _BOT_TOKEN, _PROOF.
	UserToken string `toml:"user_token"`
	BotToken  string `toml:"bot_token"`
	// Proof is the TOTP shared secret when the account has MFA
	// enabled, the account password otherwise.
	Proof string `toml:"proof"`

	// Target.
	GuildID    string `toml:"guild_id"`
	VanityCode string `toml:"vanity_code"`
	APIBaseURL string `toml:"api_base_url"`
	ProxyURL   string `toml:"proxy_url"`

	// Challenge completion layout; see the discord package for the
	// known variants.
	ChallengeSchema string `toml:"challenge_schema"`

	// Lock loop tuning.
	MaxAttempts       int `toml:"max_attempts"`
	AttemptTimeoutSec int `toml:"attempt_timeout_seconds"`
	SuccessDelaySec   int `toml:"success_delay_seconds"`
	FailureDelaySec   int `toml:"failure_delay_seconds"`

	// Permission guard.
	RolePaceMillis int      `toml:"role_pace_millis"`
	ElevatedPerms  []string `toml:"elevated_permissions"`

	// Notifications.
	WebhookURL     string `toml:"webhook_url"`
	NotifyUsername string `toml:"notify_username"`
	NotifyAvatar   string `toml:"notify_avatar_url"`
	NotifyFooter   string `toml:"notify_footer"`

	// Process.
	ListenPort int    `toml:"listen_port"`
	DataDir    string `toml:"data_dir"`
}

// Default returns the configuration defaults applied under any file or
// environment values.
func Default() Config {
	return Config{
		APIBaseURL:        "https://discord.com/api/v9",
		ChallengeSchema:   "legacy",
		MaxAttempts:       50,
		AttemptTimeoutSec: 30,
		SuccessDelaySec:   15,
		FailureDelaySec:   30,
		RolePaceMillis:    500,
		ElevatedPerms:     []string{"administrator", "manage_channels", "manage_guild"},
		NotifyUsername:    "vanitylock",
		NotifyFooter:      "vanitylock service",
		ListenPort:        3000,
		DataDir:           "./data",
	}
}

// Load reads path (when non-empty and present), applies environment
// overrides, and validates. A missing file is not an error; a present
// but unparseable one is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(&c.UserToken, "USER_TOKEN")
	envString(&c.BotToken, "BOT_TOKEN")
	envString(&c.Proof, "PROOF")
	envString(&c.GuildID, "GUILD_ID")
	envString(&c.VanityCode, "VANITY_CODE")
	envString(&c.APIBaseURL, "API_BASE_URL")
	envString(&c.ProxyURL, "PROXY_URL")
	envString(&c.ChallengeSchema, "CHALLENGE_SCHEMA")
	envString(&c.WebhookURL, "WEBHOOK_URL")
	envString(&c.DataDir, "DATA_DIR")
	envInt(&c.MaxAttempts, "MAX_ATTEMPTS")
	envInt(&c.ListenPort, "LISTEN_PORT")
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks required fields and tuning bounds.
func (c *Config) Validate() error {
	switch {
	case c.UserToken == "":
		return errors.New("user token is required")
	case c.BotToken == "":
		return errors.New("bot token is required")
	case c.GuildID == "":
		return errors.New("guild id is required")
	case c.VanityCode == "":
		return errors.New("vanity code is required")
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > 100 {
		return fmt.Errorf("max_attempts %d out of range [1,100]", c.MaxAttempts)
	}
	if c.AttemptTimeoutSec < 5 || c.AttemptTimeoutSec > 60 {
		return fmt.Errorf("attempt_timeout_seconds %d out of range [5,60]", c.AttemptTimeoutSec)
	}
	if c.RolePaceMillis < 250 || c.RolePaceMillis > 1000 {
		return fmt.Errorf("role_pace_millis %d out of range [250,1000]", c.RolePaceMillis)
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", c.ListenPort)
	}
	return nil
}

// AttemptTimeout returns the per-attempt timeout as a duration.
func (c *Config) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSec) * time.Second
}

// SuccessDelay returns the post-success cycle delay.
func (c *Config) SuccessDelay() time.Duration {
	return time.Duration(c.SuccessDelaySec) * time.Second
}

// FailureDelay returns the post-failure cycle delay.
func (c *Config) FailureDelay() time.Duration {
	return time.Duration(c.FailureDelaySec) * time.Second
}

// RolePace returns the inter-role-mutation delay.
func (c *Config) RolePace() time.Duration {
	return time.Duration(c.RolePaceMillis) * time.Millisecond
}
