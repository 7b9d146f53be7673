package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setRequired puts the minimum viable configuration in the environment.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("VANITYLOCK_USER_TOKEN", "user-tok")
	t.Setenv("VANITYLOCK_BOT_TOKEN", "bot-tok")
	t.Setenv("VANITYLOCK_GUILD_ID", "g1")
	t.Setenv("VANITYLOCK_VANITY_CODE", "held")
}

func TestLoad_DefaultsWithEnvCredentials(t *testing.T) {
	setRequired(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "user-tok", cfg.UserToken)
	assert.Equal(t, "https://discord.com/api/v9", cfg.APIBaseURL)
	assert.Equal(t, "legacy", cfg.ChallengeSchema)
	assert.Equal(t, 50, cfg.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.AttemptTimeout())
	assert.Equal(t, 15*time.Second, cfg.SuccessDelay())
	assert.Equal(t, 500*time.Millisecond, cfg.RolePace())
	assert.Equal(t, []string{"administrator", "manage_channels", "manage_guild"}, cfg.ElevatedPerms)
	assert.Equal(t, 3000, cfg.ListenPort)
}

func TestLoad_FileThenEnvOverride(t *testing.T) {
	setRequired(t)
	t.Setenv("VANITYLOCK_MAX_ATTEMPTS", "75")

	path := filepath.Join(t.TempDir(), "vanitylock.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_attempts = 40
vanity_code = "fromfile"
role_pace_millis = 750
elevated_permissions = ["administrator"]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	// Environment wins over the file, the file wins over defaults.
	assert.Equal(t, 75, cfg.MaxAttempts)
	assert.Equal(t, "held", cfg.VanityCode)
	assert.Equal(t, 750, cfg.RolePaceMillis)
	assert.Equal(t, []string{"administrator"}, cfg.ElevatedPerms)
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	setRequired(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.NoError(t, err)
}

func TestLoad_UnparseableFile(t *testing.T) {
	setRequired(t)

	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte(`max_attempts = [`), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := Default()
	base.UserToken = "u"
	base.BotToken = "b"
	base.GuildID = "g"
	base.VanityCode = "v"

	t.Run("Valid", func(t *testing.T) {
		cfg := base
		assert.NoError(t, cfg.Validate())
	})

	t.Run("MissingCredential", func(t *testing.T) {
		cfg := base
		cfg.UserToken = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("MissingTarget", func(t *testing.T) {
		cfg := base
		cfg.GuildID = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("AttemptsOutOfRange", func(t *testing.T) {
		cfg := base
		cfg.MaxAttempts = 0
		assert.Error(t, cfg.Validate())
		cfg.MaxAttempts = 101
		assert.Error(t, cfg.Validate())
	})

	t.Run("TimeoutOutOfRange", func(t *testing.T) {
		cfg := base
		cfg.AttemptTimeoutSec = 3
		assert.Error(t, cfg.Validate())
	})

	t.Run("PaceOutOfRange", func(t *testing.T) {
		cfg := base
		cfg.RolePaceMillis = 100
		assert.Error(t, cfg.Validate())
		cfg.RolePaceMillis = 2000
		assert.Error(t, cfg.Validate())
	})
}
