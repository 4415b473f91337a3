package confessbot

import (
	"context"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

func TestNewInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Discord.Token = ""

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Token")
}

func TestNewFillsDefaults(t *testing.T) {
	cfg := &Config{
		Database:     testConfig(t).Database,
		DatabaseType: dbTypeSQLite,
		Discord:      &DiscordConfig{Token: "token", ApplicationID: "app"},
	}
	cfg.API = DefaultConfig().API
	cfg.API.Enabled = false

	bot, err := New(cfg)
	require.NoError(t, err)
	assert.Nil(t, bot.api)
	assert.NotNil(t, bot.config.Relay)
	assert.NotNil(t, bot.config.LogLevel)
	assert.NotNil(t, bot.config.HTTPClient)
	assert.Len(t, bot.commands, 15)
}

func TestRegisterCommands(t *testing.T) {
	bot, session, _ := newTestBot(t)

	created, err := bot.RegisterCommands()
	require.NoError(t, err)
	assert.Len(t, created, 15)
	require.Len(t, session.commands, 15)
	for _, c := range session.commands {
		assert.NotEmpty(t, c.ID)
	}
}

func TestHandleRecover(t *testing.T) {
	bot, _, _ := newTestBot(t)
	ctx := context.Background()

	assert.NotPanics(
		t, func() {
			bot.handleRecover(ctx, errors.New("boom"))
			bot.handleRecover(ctx, "boom")
			bot.handleRecover(ctx, 42)
		},
	)
}

func TestBotMigrateLegacyPersonas(t *testing.T) {
	bot, _, _ := newTestBot(t)
	ctx := context.Background()

	createLegacyConfig(
		t, bot.writeDB, LegacyChannelConfig{
			ChannelID:  testRelayChannelID,
			WebhookURL: "https://discord.com/api/webhooks/777/legacy-token",
			IdolName:   "Idol",
			IdolAvatar: testAvatar,
		},
	)

	// a stale cache entry is cleared by the migration
	bot.cache.Set(ctx, testGuildID, &CharacterSystem{GuildID: testGuildID})

	result, err := bot.MigrateLegacyPersonas(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Migrated)

	system, err := cachedCharacterSystem(ctx, bot.cache, bot.db, testGuildID)
	require.NoError(t, err)
	require.Len(t, system.Characters, 1)
	assert.Equal(t, "Idol", system.Characters[0].Name)
}

func TestRunAndShutdown(t *testing.T) {
	bot, session, _ := newTestBot(
		t, func(cfg *Config) {
			cfg.ShutdownTimeout = 5 * time.Second
			cfg.Discord.CustomStatus = "💌 testing"
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- bot.Run(ctx)
	}()

	select {
	case <-bot.signalReady:
	case err := <-runErr:
		t.Fatalf("run returned before ready: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the bot to be ready")
	}

	session.mu.Lock()
	assert.Len(t, session.commands, 15)
	assert.Equal(t, []string{"💌 testing"}, session.statuses)
	session.mu.Unlock()
	require.NotNil(t, bot.scheduler)
	assert.Len(t, bot.scheduler.Entries(), 2)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
}

func TestEventTrackerRefusesAfterStop(t *testing.T) {
	t.Parallel()
	events := &eventTracker{}

	require.True(t, events.Add())
	done := events.Stop()
	assert.False(t, events.Add(), "no new events once stopping")

	select {
	case <-done:
		t.Fatal("stopped before the running event finished")
	case <-time.After(50 * time.Millisecond):
	}

	events.Done()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for events to finish")
	}
}

func TestEventTrackerConcurrentAddDuringStop(t *testing.T) {
	t.Parallel()
	events := &eventTracker{}

	var started sync.WaitGroup
	for i := 0; i < 50; i++ {
		started.Add(1)
		go func() {
			defer started.Done()
			if events.Add() {
				events.Done()
			}
		}()
	}
	done := events.Stop()
	started.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for events to finish")
	}
}
