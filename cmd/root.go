package cmd

import (
	"context"
	"fmt"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/yngpiu/confession-discord-bot/confessbot"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = confessbot.DefaultConfig()
	configFile string
)

// levelKeys are the config keys holding a *slog.LevelVar
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

// sliceKeys are the config keys holding a []string, which arrive from
// the environment as space-separated strings
var sliceKeys = []string{
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "confessbot [flags]",
	Short: "Discord confession moderation and persona relay bot",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return unmarshalConfig(cfg)
	},
}

func unmarshalConfig(target *confessbot.Config) error {
	err := viper.Unmarshal(
		target,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	if err != nil {
		return fmt.Errorf("error reading config: %w", err)
	}
	return nil
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names ("DEBUG", "warn", ...) into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfigFile reads --config: YAML files through viper, anything
// else as a dotenv file. With no --config, a .env in the working
// directory is loaded if present.
func loadConfigFile() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
		return
	}
	switch strings.ToLower(filepath.Ext(configFile)) {
	case ".yaml", ".yml":
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			log.Fatalf("error reading config file %s: %v", configFile, err)
		}
	default:
		if err := godotenv.Load(configFile); err != nil {
			log.Fatalf("error loading env file %s: %v", configFile, err)
		}
	}
}

func setDefaults() {
	viper.SetDefault("database", confessbot.DefaultDatabase)
	viper.SetDefault("database_type", confessbot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", confessbot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", confessbot.DefaultDatabaseLogLevel.String())

	viper.SetDefault("log_level", confessbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", confessbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", confessbot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", confessbot.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		confessbot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", int(confessbot.DefaultDiscordGatewayIntent))
	viper.SetDefault("discord.custom_status", confessbot.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.invite_permissions", confessbot.DefaultDiscordInvitePerms)

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", confessbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", confessbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.read_timeout", confessbot.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", confessbot.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", confessbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", confessbot.DefaultIdleTimeout)
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", confessbot.DefaultUITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.allow_methods", confessbot.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_headers", confessbot.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.expose_headers", confessbot.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.max_age", confessbot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		confessbot.DefaultAPICORSAllowCredentials,
	)

	// Character cache
	viper.SetDefault("cache.backend", confessbot.DefaultCacheBackend)
	viper.SetDefault("cache.character_ttl", confessbot.DefaultCharacterTTL)
	viper.SetDefault("cache.redis_addr", confessbot.DefaultCacheRedisAddr)
	viper.SetDefault("cache.redis_password", "")
	viper.SetDefault("cache.redis_db", 0)

	// Persona relay
	viper.SetDefault("relay.max_files", confessbot.DefaultRelayMaxFiles)
	viper.SetDefault("relay.max_file_size", confessbot.DefaultRelayMaxFileSize)
	viper.SetDefault("relay.max_total_size", confessbot.DefaultRelayMaxTotalSize)
	viper.SetDefault("relay.download_timeout", confessbot.DefaultRelayDownloadTimeout)
	viper.SetDefault("relay.text_timeout", confessbot.DefaultRelayTextTimeout)
	viper.SetDefault("relay.base_timeout", confessbot.DefaultRelayBaseTimeout)
	viper.SetDefault("relay.per_file_timeout", confessbot.DefaultRelayPerFileTimeout)
	viper.SetDefault("relay.per_mb_timeout", confessbot.DefaultRelayPerMBTimeout)
	viper.SetDefault("relay.max_timeout", confessbot.DefaultRelayMaxTimeout)

	viper.SetDefault("persona.migrate_on_startup", true)

	viper.SetDefault("schedule.pending_digest", confessbot.DefaultPendingDigestSchedule)
	viper.SetDefault("schedule.cache_sweep", confessbot.DefaultCacheSweepSchedule)
}

func initConfig() {
	loadConfigFile()
	setDefaults()

	envPrefix := os.Getenv(confessbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = confessbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range sliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range levelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use (.yaml/.yml, otherwise read as a dotenv file)",
	)
}
