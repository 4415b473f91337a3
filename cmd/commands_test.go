package cmd

import (
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yngpiu/confession-discord-bot/confessbot"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"os"
	"path/filepath"
	"testing"
)

func TestInitCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("CB_DATABASE_TYPE", "sqlite")
	t.Setenv("CB_DATABASE", dbPath)

	output, err := executeRoot(t, "init")
	require.NoError(t, err)
	assert.Contains(t, output, "Initialization complete")

	_, err = os.Stat(dbPath)
	require.NoError(t, err, "database file should exist")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&confessbot.GuildSettings{}))
	assert.True(t, mg.HasTable(&confessbot.Confession{}))
	assert.True(t, mg.HasTable(&confessbot.CharacterSystem{}))
	assert.True(t, mg.HasTable(&confessbot.PersonaChannel{}))
	assert.True(t, mg.HasTable(&confessbot.LegacyChannelConfig{}))
	assert.True(t, mg.HasTable(&confessbot.ModerationAction{}))
}

func TestInitCommandUnsupportedDatabase(t *testing.T) {
	t.Setenv("CB_DATABASE_TYPE", "mysql")
	t.Setenv("CB_DATABASE", filepath.Join(t.TempDir(), "test.db"))

	_, err := executeRoot(t, "init")
	assert.ErrorContains(t, err, "unsupported database type")
}

func TestConfigCommandRedactsSecrets(t *testing.T) {
	t.Setenv("CB_DISCORD_TOKEN", "super-secret-token")
	t.Setenv("CB_DISCORD_APPLICATION_ID", "app-123")
	t.Setenv("CB_CACHE_REDIS_PASSWORD", "hunter2")

	output, err := executeRoot(t, "config")
	require.NoError(t, err)

	assert.NotContains(t, output, "super-secret-token")
	assert.NotContains(t, output, "hunter2")
	assert.Contains(t, output, "[redacted]")
	assert.Contains(t, output, "application_id: app-123")
	assert.Contains(t, output, "log_level: INFO")

	// the live config keeps its secrets
	assert.Equal(t, "super-secret-token", cfg.Discord.Token)
}

func TestVersionCommand(t *testing.T) {
	originalVersion := confessbot.Version
	originalCommitSHA := confessbot.CommitSHA
	originalBuildTime := confessbot.BuildTime

	t.Cleanup(
		func() {
			confessbot.Version = originalVersion
			confessbot.CommitSHA = originalCommitSHA
			confessbot.BuildTime = originalBuildTime
		},
	)

	confessbot.Version = "1.0.0"
	confessbot.CommitSHA = "abc123"
	confessbot.BuildTime = "2023-10-01T12:00:00Z"

	output, err := executeRoot(t, "version")
	require.NoError(t, err)

	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s\n",
		confessbot.Version,
		confessbot.CommitSHA,
		confessbot.BuildTime,
	)
	assert.Equal(t, expected, output)
}
