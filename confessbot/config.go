//nolint:lll // struct tags can't be split
package confessbot

import (
	"crypto/tls"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "CONFESSBOT_ENV_PREFIX"
	DefaultEnvPrefix      = "CB"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "confessbot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	// DefaultShutdownTimeout bounds how long Run waits for in-flight
	// event handlers before returning.
	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent
	DefaultDiscordLogLevel     = slog.LevelInfo
	DefaultDiscordgoLogLevel   = slog.LevelWarn
	DefaultDiscordCustomStatus = "💌 /create-guide"
	DefaultDiscordInvitePerms  = 326417787968

	DefaultAPIListen               = "127.0.0.1:3000"
	DefaultUITLSMinVersion         = tls.VersionTLS12
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPICORSAllowCredentials = false
	defaultListenNetwork           = "tcp"

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn

	DefaultCacheBackend   = cacheBackendMemory
	DefaultCharacterTTL   = 5 * time.Minute
	DefaultCacheRedisAddr = "127.0.0.1:6379"

	DefaultRelayMaxFiles        = 10
	DefaultRelayMaxFileSize     = 8 * 1024 * 1024
	DefaultRelayMaxTotalSize    = 25 * 1024 * 1024
	DefaultRelayDownloadTimeout = 30 * time.Second
	DefaultRelayTextTimeout     = 10 * time.Second
	DefaultRelayBaseTimeout     = 15 * time.Second
	DefaultRelayPerFileTimeout  = 5 * time.Second
	DefaultRelayPerMBTimeout    = 3 * time.Second
	DefaultRelayMaxTimeout      = 120 * time.Second

	DefaultPendingDigestSchedule = "0 9 * * *"
	DefaultCacheSweepSchedule    = "@every 1m"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// API configures the status API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Cache configures where guild character lists are cached
	Cache *CacheConfig `yaml:"cache" mapstructure:"cache" json:"cache"`

	// Relay configures persona relay limits and timeouts
	Relay *RelayConfig `yaml:"relay" mapstructure:"relay" json:"relay"`

	// Persona configures the character system
	Persona *PersonaConfig `yaml:"persona" mapstructure:"persona" json:"persona"`

	// Schedule configures recurring background jobs
	Schedule *ScheduleConfig `yaml:"schedule" mapstructure:"schedule" json:"schedule"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// connect to the database and the discord gateway.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// HTTPClient is used to download message attachments during relay
	HTTPClient *http.Client `yaml:"-" mapstructure:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Custom status shown once connected. Empty disables it.
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Discord gateway intents. Message content is required for persona relay.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Permission integer used when building the invite URL
	InvitePermissions int64 `yaml:"invite_permissions" mapstructure:"invite_permissions" json:"invite_permissions"`
}

// APIConfig configures the status API server
type APIConfig struct {
	// Enabled toggles the status API
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:3000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// Development registers pprof handlers under /debug
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	cfg := cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
	}
	return cfg
}

// CacheConfig selects the character cache backend
type CacheConfig struct {
	// Backend is either 'memory' or 'redis'
	Backend string `yaml:"backend" mapstructure:"backend" json:"backend" binding:"oneof=memory redis"`

	// CharacterTTL is how long a guild's character list stays cached
	CharacterTTL time.Duration `yaml:"character_ttl" mapstructure:"character_ttl" json:"character_ttl" binding:"min=0"`

	// RedisAddr is the host:port of the redis server
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr" json:"redis_addr" binding:"required_if=Backend redis"`

	// RedisPassword is the optional redis password
	RedisPassword string `yaml:"redis_password" mapstructure:"redis_password" json:"redis_password" log:"[redacted]"`

	// RedisDB selects the redis logical database
	RedisDB int `yaml:"redis_db" mapstructure:"redis_db" json:"redis_db"`
}

// RelayConfig sets the attachment caps and timeouts used when relaying
// a message through a character webhook.
type RelayConfig struct {
	MaxFiles        int           `yaml:"max_files" mapstructure:"max_files" json:"max_files" binding:"min=1,max=10"`
	MaxFileSize     int           `yaml:"max_file_size" mapstructure:"max_file_size" json:"max_file_size" binding:"min=1"`
	MaxTotalSize    int           `yaml:"max_total_size" mapstructure:"max_total_size" json:"max_total_size" binding:"min=1"`
	DownloadTimeout time.Duration `yaml:"download_timeout" mapstructure:"download_timeout" json:"download_timeout"`
	TextTimeout     time.Duration `yaml:"text_timeout" mapstructure:"text_timeout" json:"text_timeout"`
	BaseTimeout     time.Duration `yaml:"base_timeout" mapstructure:"base_timeout" json:"base_timeout"`
	PerFileTimeout  time.Duration `yaml:"per_file_timeout" mapstructure:"per_file_timeout" json:"per_file_timeout"`
	PerMBTimeout    time.Duration `yaml:"per_mb_timeout" mapstructure:"per_mb_timeout" json:"per_mb_timeout"`
	MaxTimeout      time.Duration `yaml:"max_timeout" mapstructure:"max_timeout" json:"max_timeout"`
}

// validate checks constraints between fields that struct tags can't express
func (r RelayConfig) validate() error {
	var errs []error
	if r.MaxFileSize > r.MaxTotalSize {
		errs = append(errs, errors.New("relay.max_file_size must be <= relay.max_total_size"))
	}
	if r.MaxTimeout < r.BaseTimeout {
		errs = append(errs, errors.New("relay.max_timeout must be >= relay.base_timeout"))
	}
	return errors.Join(errs...)
}

// PersonaConfig configures the character system
type PersonaConfig struct {
	// MigrateOnStartup converts legacy idol/fan channel configs into
	// guild character systems when the bot starts.
	MigrateOnStartup bool `yaml:"migrate_on_startup" mapstructure:"migrate_on_startup" json:"migrate_on_startup"`
}

// ScheduleConfig holds cron specs for background jobs. An empty spec
// disables the job.
type ScheduleConfig struct {
	PendingDigest string `yaml:"pending_digest" mapstructure:"pending_digest" json:"pending_digest"`
	CacheSweep    string `yaml:"cache_sweep" mapstructure:"cache_sweep" json:"cache_sweep"`
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		MaxFiles:        DefaultRelayMaxFiles,
		MaxFileSize:     DefaultRelayMaxFileSize,
		MaxTotalSize:    DefaultRelayMaxTotalSize,
		DownloadTimeout: DefaultRelayDownloadTimeout,
		TextTimeout:     DefaultRelayTextTimeout,
		BaseTimeout:     DefaultRelayBaseTimeout,
		PerFileTimeout:  DefaultRelayPerFileTimeout,
		PerMBTimeout:    DefaultRelayPerMBTimeout,
		MaxTimeout:      DefaultRelayMaxTimeout,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	relay := DefaultRelayConfig()

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			CustomStatus:      DefaultDiscordCustomStatus,
			InvitePermissions: DefaultDiscordInvitePerms,
		},
		API: &APIConfig{
			Enabled:       true,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultUITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
		Cache: &CacheConfig{
			Backend:      DefaultCacheBackend,
			CharacterTTL: DefaultCharacterTTL,
			RedisAddr:    DefaultCacheRedisAddr,
		},
		Relay: &relay,
		Persona: &PersonaConfig{
			MigrateOnStartup: true,
		},
		Schedule: &ScheduleConfig{
			PendingDigest: DefaultPendingDigestSchedule,
			CacheSweep:    DefaultCacheSweepSchedule,
		},
	}
}

// applyDefaults fills nil sections and level vars from DefaultConfig, so
// a partially populated Config is safe to use
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.LogLevel == nil {
		c.LogLevel = d.LogLevel
	}
	if c.DatabaseLogLevel == nil {
		c.DatabaseLogLevel = d.DatabaseLogLevel
	}
	if c.Discord == nil {
		c.Discord = d.Discord
	}
	if c.Discord.LogLevel == nil {
		c.Discord.LogLevel = d.Discord.LogLevel
	}
	if c.Discord.DiscordGoLogLevel == nil {
		c.Discord.DiscordGoLogLevel = d.Discord.DiscordGoLogLevel
	}
	if c.API == nil {
		c.API = d.API
	}
	if c.API.LogLevel == nil {
		c.API.LogLevel = d.API.LogLevel
	}
	if c.Cache == nil {
		c.Cache = d.Cache
	}
	if c.Relay == nil {
		c.Relay = d.Relay
	}
	if c.Persona == nil {
		c.Persona = d.Persona
	}
	if c.Schedule == nil {
		c.Schedule = d.Schedule
	}
}

const redactedValue = "[redacted]"

// Redacted returns a copy of c with secrets replaced, for display
func (c *Config) Redacted() *Config {
	rv := *c
	if rv.Database != "" && rv.DatabaseType != dbTypeSQLite {
		rv.Database = redactedValue
	}
	if c.Discord != nil {
		d := *c.Discord
		if d.Token != "" {
			d.Token = redactedValue
		}
		rv.Discord = &d
	}
	if c.Cache != nil {
		cc := *c.Cache
		if cc.RedisPassword != "" {
			cc.RedisPassword = redactedValue
		}
		rv.Cache = &cc
	}
	rv.HTTPClient = nil
	return &rv
}
