package cmd

import (
	"bytes"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yngpiu/confession-discord-bot/confessbot"
	"log/slog"
	"testing"
)

// executeRoot runs the root command with args against a fresh viper
// instance and default config, returning everything written to stdout
// and stderr
func executeRoot(t testing.TB, args ...string) (string, error) {
	t.Helper()

	viper.Reset()
	cfg = confessbot.DefaultConfig()
	configFile = ""

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
			rootCmd.SetArgs(nil)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()
	return out.String(), err
}

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}
