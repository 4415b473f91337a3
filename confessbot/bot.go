package confessbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/yngpiu/confession-discord-bot/confessbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// eventTimeout bounds the work done for a single gateway event.
// Interaction tokens are valid for 15 minutes, relays cap themselves
// well under this.
const eventTimeout = 10 * time.Minute

var defaultLogWriter io.Writer = os.Stdout

var structValidator = validator.New()

func init() {
	structValidator.SetTagName("binding")
}

// Bot is the confession moderation and persona relay bot. Create one
// with New, then call Run.
type Bot struct {
	config     *Config
	db         *gorm.DB
	writeDB    DBI
	logger     *slog.Logger
	logHandler slog.Handler

	discord   *Discord
	api       *API
	cache     characterCache
	relay     *relayer
	scheduler *cron.Cron

	commands        map[string]slashCommand
	componentRoutes []customIDRoute
	modalRoutes     []customIDRoute

	// signalReady receives once Run has connected and registered commands
	signalReady chan struct{}

	runMu     sync.Mutex
	startedAt time.Time
	now       func() time.Time
}

// New validates config and builds a Bot. Nil config sections are
// filled with their defaults.
func New(config *Config) (*Bot, error) {
	var errs []error

	config.applyDefaults()
	if err := ValidateConfig(config); err != nil {
		errs = append(errs, err)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:      config,
		signalReady: make(chan struct{}, 1),
		now:         time.Now,
	}

	b.logHandler = newLogHandler(defaultLogWriter, config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, config.Discord.DiscordGoLogLevel),
	)

	b.discord = newDiscord(
		config.Discord,
		slog.New(newLogHandler(defaultLogWriter, config.Discord.LogLevel)).With(
			loggerNameKey, "discord",
		),
	)

	b.commands = b.newCommandRegistry()
	b.componentRoutes = b.newComponentRoutes()
	b.modalRoutes = b.newModalRoutes()

	if config.API.Enabled {
		api, err := newAPI(b, config.API)
		errs = append(errs, err)
		b.api = api
	}

	return b, errors.Join(errs...)
}

// ValidateConfig checks config against its struct tags, along with
// the constraints the tags can't express
func ValidateConfig(config *Config) error {
	var errs []error
	if err := structValidator.Struct(config); err != nil {
		errs = append(errs, err)
	}
	if config.Relay != nil {
		errs = append(errs, config.Relay.validate())
	}
	return errors.Join(errs...)
}

func (b *Bot) session() DiscordSessionHandler {
	return b.discord.session
}

// Init opens the database, the character cache and the discord session
// (without connecting to the gateway). Run calls it, and it's exported
// for commands that only need REST access, like legacy migration.
// Anything already set is kept.
func (b *Bot) Init(ctx context.Context) error {
	if b.db == nil {
		b.logger.DebugContext(ctx, "initializing database")
		db, err := openDB(
			ctx,
			b.config.DatabaseType,
			b.config.Database,
			newGORMLogger(
				newLogHandler(defaultLogWriter, b.config.DatabaseLogLevel),
				b.config.DatabaseSlowThreshold,
			),
		)
		if err != nil {
			return fmt.Errorf("error initializing database: %w", err)
		}
		b.db = db
	}
	if b.writeDB == nil {
		b.writeDB = NewDatabase(
			b.db,
			b.logger.With(loggerNameKey, "database"),
			b.config.DatabaseType != dbTypeSQLite,
		)
	}

	if b.cache == nil {
		cache, err := newCharacterCache(ctx, b.config.Cache, b.logger)
		if err != nil {
			return fmt.Errorf("error initializing character cache: %w", err)
		}
		b.cache = cache
	}

	if b.discord.session == nil {
		session, err := b.discord.newSession(b.config.HTTPClient)
		if err != nil {
			return err
		}
		b.discord.session = session
	}

	if b.relay == nil {
		b.relay = newRelayer(
			b.discord.session,
			b.writeDB,
			b.cache,
			b.config.HTTPClient,
			*b.config.Relay,
			b.logger.With(loggerNameKey, "relay"),
		)
	}
	return nil
}

// Close releases whatever Init opened
func (b *Bot) Close() error {
	var errs []error
	if b.cache != nil {
		errs = append(errs, b.cache.Close())
	}
	if b.db != nil {
		sqlDB, err := b.db.DB()
		if err != nil {
			errs = append(errs, err)
		} else {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

// RegisterCommands overwrites the bot's application commands, globally
// or in [DiscordConfig.GuildID] when set.
func (b *Bot) RegisterCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return b.discord.registerCommands(b.applicationCommands(), options...)
}

// MigrateLegacyPersonas runs the legacy persona migration against the
// bot's database, resolving channels through the discord API. The
// character cache is cleared when anything was migrated.
func (b *Bot) MigrateLegacyPersonas(ctx context.Context) (MigrationResult, error) {
	result, err := MigrateLegacyPersonas(
		ctx,
		b.writeDB,
		sessionGuildResolver{session: b.discord.session},
		b.logger,
	)
	if result.Migrated > 0 {
		b.cache.Clear(ctx)
	}
	return result, err
}

// Run connects to discord and serves events until ctx is canceled,
// then shuts down gracefully.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = b.now()
	logger := b.logger

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := &eventTracker{}

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.Init(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return errors.Join(err, b.Close())
	}

	if b.config.Persona.MigrateOnStartup {
		if _, err := b.MigrateLegacyPersonas(startCtx); err != nil {
			logger.ErrorContext(ctx, "error migrating legacy personas", tint.Err(err))
		}
	}

	b.initDiscordSession(ctx, events)

	logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		b.discord.removeHandlers()
		return errors.Join(fmt.Errorf("error connecting to discord: %w", err), b.Close())
	}

	if _, err := b.RegisterCommands(discordgo.WithContext(startCtx)); err != nil {
		logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
		return errors.Join(err, b.shutdown(ctx, events))
	}

	if status := b.config.Discord.CustomStatus; status != "" {
		if err := b.discord.session.UpdateCustomStatus(status); err != nil {
			logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
		}
	}

	scheduler, err := b.newScheduler(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "error scheduling jobs", tint.Err(err))
		return errors.Join(err, b.shutdown(ctx, events))
	}
	b.scheduler = scheduler
	b.scheduler.Start()

	if b.api != nil {
		events.Add()
		go func() {
			defer events.Done()
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready")

	// block until something cancels the main runtime context, generally
	// an interrupt
	<-ctx.Done()

	return b.shutdown(ctx, events)
}

// initDiscordSession attaches the gateway event handlers. Each
// interaction and relayed message is handled in its own goroutine,
// tracked by events. Events arriving after shutdown has begun are dropped.
func (b *Bot) initDiscordSession(ctx context.Context, events *eventTracker) {
	b.discord.removeHandlers()

	// handlers outlive the runtime context so in-flight work can finish
	// during a graceful shutdown
	eventCtx := context.WithoutCancel(ctx)

	b.discord.addHandler(b.discord.handlerConnect())
	b.discord.addHandler(b.discord.handlerDisconnect())
	b.discord.addHandler(b.discord.handlerReady())
	b.discord.addHandler(b.discord.handlerGuildCreate())
	b.discord.addHandler(b.discord.handlerGuildDelete())

	b.discord.addHandler(
		func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
			h := newInteractionHandler(
				b,
				b.discord.session,
				i,
				b.logger.With(loggerNameKey, "interaction"),
			)
			if !events.Add() {
				h.logger.WarnContext(eventCtx, "shutting down, dropping interaction")
				return
			}
			go func() {
				defer events.Done()
				ictx, icancel := context.WithTimeout(WithLogger(eventCtx, h.logger), eventTimeout)
				defer icancel()
				defer func() {
					if rc := recover(); rc != nil {
						b.handleRecover(ictx, rc)
					}
				}()
				b.handleInteraction(ictx, h)
			}()
		},
	)

	b.discord.addHandler(
		func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			if !shouldRelay(m.Message) {
				return
			}
			if !events.Add() {
				b.logger.WarnContext(eventCtx, "shutting down, dropping message", "message_id", m.ID)
				return
			}
			go func() {
				defer events.Done()
				mctx, mcancel := context.WithTimeout(eventCtx, eventTimeout)
				defer mcancel()
				defer func() {
					if rc := recover(); rc != nil {
						b.handleRecover(mctx, rc)
					}
				}()
				b.relay.handleMessage(mctx, m.Message)
			}()
		},
	)
}

// shutdown detaches event handlers, stops background jobs and the API,
// waits up to [Config.ShutdownTimeout] for in-flight handlers, then
// closes the session, cache and database.
func (b *Bot) shutdown(ctx context.Context, events *eventTracker) error {
	shutdownStart := time.Now()
	b.logger.WarnContext(
		ctx,
		"shutting down",
		"shutdown_timeout", b.config.ShutdownTimeout,
	)

	closeCtx, closeCancel := context.WithTimeout(
		context.WithoutCancel(ctx),
		b.config.ShutdownTimeout,
	)
	defer closeCancel()

	var errs []error

	b.discord.removeHandlers()

	if b.scheduler != nil {
		select {
		case <-b.scheduler.Stop().Done():
		case <-closeCtx.Done():
			b.logger.WarnContext(ctx, "scheduled jobs did not stop in time")
		}
	}

	if b.api != nil && b.api.httpServer != nil {
		if err := b.api.httpServer.Shutdown(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("error stopping api: %w", err))
		}
	}

	handlersDone := events.Stop()
	select {
	case <-handlersDone:
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight events",
			"duration", time.Since(shutdownStart),
		)
	case <-closeCtx.Done():
		errs = append(errs, errors.New("in-flight events did not finish in time"))
	}

	if err := b.discord.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
	}
	errs = append(errs, b.Close())

	err := errors.Join(errs...)
	if err != nil {
		b.logger.ErrorContext(ctx, "shutdown finished with errors", tint.Err(err))
	} else {
		b.logger.InfoContext(ctx, "shutdown complete")
	}
	return err
}

// eventTracker counts in-flight event handlers. Once Stop is called,
// Add refuses new work, so the WaitGroup is never added to while it is
// being waited on.
type eventTracker struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	stopped bool
}

// Add registers a handler about to start. It returns false after Stop.
func (t *eventTracker) Add() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.wg.Add(1)
	return true
}

func (t *eventTracker) Done() {
	t.wg.Done()
}

// Stop refuses further Adds and returns a channel that is closed once
// every registered handler has called Done
func (t *eventTracker) Stop() <-chan struct{} {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	return done
}

// handleRecover logs a panic recovered from an event handler goroutine
func (*Bot) handleRecover(ctx context.Context, rc any) {
	logger := loggerFrom(ctx)
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(v)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
