package confessbot

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
)

const (
	// discordMaxAutocompleteChoices is the most choices Discord accepts
	// in an autocomplete response
	discordMaxAutocompleteChoices = 25

	discordInviteURLFormat = "https://discord.com/oauth2/authorize?client_id=%s&permissions=%d&scope=bot%%20applications.commands"
)

// Discord manages the gateway session, and tracks connection state and
// the guilds the bot is in, for the status API.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	user                        atomic.Pointer[discordgo.User]
	guilds                      sync.Map
	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	return &Discord{
		config:                      config,
		logger:                      logger,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession creates the discordgo session, wrapped as a
// DiscordSessionHandler
func (d *Discord) newSession(httpClient *http.Client) (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	if httpClient != nil {
		disc.Client = httpClient
	}
	session.session = disc

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// addHandler registers a gateway event handler, keeping the remove func
// so handlers can be detached on shutdown
func (d *Discord) addHandler(handler any) {
	d.discordgoRemoveHandlerFuncs = append(
		d.discordgoRemoveHandlerFuncs,
		d.session.AddHandler(handler),
	)
}

func (d *Discord) removeHandlers() {
	for _, f := range d.discordgoRemoveHandlerFuncs {
		f()
	}
	d.discordgoRemoveHandlerFuncs = nil
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.user.Store(r.User)
		}
		attrs := []any{"session_id", r.SessionID, "guilds", len(r.Guilds)}
		d.logger.Info("Ready", append(attrs, userLogAttrs(r.User)...)...)
		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Warn("error setting custom status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, c *discordgo.Connect) {
	return func(_ *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected", "connects", d.metricConnects.Load())
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, c *discordgo.Disconnect) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

func (d *Discord) handlerGuildCreate() func(s *discordgo.Session, g *discordgo.GuildCreate) {
	return func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		if g.Guild == nil {
			return
		}
		d.guilds.Store(g.ID, g.MemberCount)
		d.logger.Debug("guild available", "guild_id", g.ID, "members", g.MemberCount)
	}
}

func (d *Discord) handlerGuildDelete() func(s *discordgo.Session, g *discordgo.GuildDelete) {
	return func(_ *discordgo.Session, g *discordgo.GuildDelete) {
		if g.Guild == nil {
			return
		}
		d.guilds.Delete(g.ID)
		d.logger.Info("removed from guild", "guild_id", g.ID)
	}
}

// guildStats returns the number of guilds the bot is in and the sum of
// their member counts
func (d *Discord) guildStats() (guilds int, users int) {
	d.guilds.Range(
		func(_, value any) bool {
			guilds++
			if n, ok := value.(int); ok {
				users += n
			}
			return true
		},
	)
	return guilds, users
}

// botUsername returns the connected bot's username, if known
func (d *Discord) botUsername() string {
	if u := d.user.Load(); u != nil {
		return u.Username
	}
	return ""
}

func (d *Discord) inviteURL() string {
	return fmt.Sprintf(discordInviteURLFormat, d.config.ApplicationID, d.config.InvitePermissions)
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		return created, fmt.Errorf("error overwriting discord commands: %w", err)
	}
	if len(created) != len(commands) {
		d.logger.Warn(
			"registered command count mismatch",
			"expected", len(commands),
			"created", len(created),
		)
	}
	return created, nil
}

// DiscordSessionHandler defines the methods from `discordgo.Session`
// used by the bot, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends the initial response to an interaction
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the initial (or deferred) response
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// FollowupMessageCreate sends an additional message for an interaction
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Channel fetches a channel (or thread) by ID
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	// ChannelDelete deletes a channel or thread
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// ForumThreadStartComplex creates a forum post with its first message
	ForumThreadStartComplex(
		channelID string,
		threadData *discordgo.ThreadStart,
		messageData *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// MessageThreadStartComplex starts a thread from an existing message
	MessageThreadStartComplex(
		channelID string,
		messageID string,
		data *discordgo.ThreadStart,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// User fetches a user by ID
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)

	// UserChannelCreate opens (or returns) the DM channel with a user
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	ChannelWebhooks(channelID string, options ...discordgo.RequestOption) ([]*discordgo.Webhook, error)

	WebhookCreate(
		channelID string,
		name string,
		avatar string,
		options ...discordgo.RequestOption,
	) (*discordgo.Webhook, error)

	WebhookExecute(
		webhookID string,
		token string,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

func (d DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, options...)
}

func (d DiscordSession) ChannelDelete(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.ChannelDelete(channelID, options...)
	if err != nil {
		d.logger.Error("error deleting channel", tint.Err(err), "channel_id", channelID)
	} else {
		d.logger.Info("deleted channel", "channel_id", channelID)
	}
	return ch, err
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error("error sending message", tint.Err(err), "channel_id", channelID)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d DiscordSession) ForumThreadStartComplex(
	channelID string,
	threadData *discordgo.ThreadStart,
	messageData *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	th, err := d.session.ForumThreadStartComplex(channelID, threadData, messageData, options...)
	if err != nil {
		d.logger.Error("error creating forum thread", tint.Err(err), "channel_id", channelID)
	} else {
		d.logger.Info("created forum thread", "channel_id", channelID, "thread_id", th.ID)
	}
	return th, err
}

func (d DiscordSession) MessageThreadStartComplex(
	channelID string,
	messageID string,
	data *discordgo.ThreadStart,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	th, err := d.session.MessageThreadStartComplex(channelID, messageID, data, options...)
	if err != nil {
		d.logger.Error(
			"error starting message thread",
			tint.Err(err),
			"channel_id", channelID,
			"message_id", messageID,
		)
	} else {
		d.logger.Info("started message thread", "channel_id", channelID, "thread_id", th.ID)
	}
	return th, err
}

func (d DiscordSession) User(
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.User, error) {
	return d.session.User(userID, options...)
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) ChannelWebhooks(
	channelID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Webhook, error) {
	return d.session.ChannelWebhooks(channelID, options...)
}

func (d DiscordSession) WebhookCreate(
	channelID string,
	name string,
	avatar string,
	options ...discordgo.RequestOption,
) (*discordgo.Webhook, error) {
	wh, err := d.session.WebhookCreate(channelID, name, avatar, options...)
	if err != nil {
		d.logger.Error("error creating webhook", tint.Err(err), "channel_id", channelID)
	} else {
		d.logger.Info("created webhook", "channel_id", channelID, "webhook_id", wh.ID)
	}
	return wh, err
}

func (d DiscordSession) WebhookExecute(
	webhookID string,
	token string,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.WebhookExecute(webhookID, token, wait, data, options...)
}

// discordModalResponse returns a discordgo.InteractionResponse containing
// a modal with a single paragraph text input
func discordModalResponse(
	modalID string,
	title string,
	inputID string,
	label string,
	placeholder string,
	minLength int,
	maxLength int,
) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: modalID,
			Title:    title,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:    inputID,
							Label:       label,
							Style:       discordgo.TextInputParagraph,
							Placeholder: placeholder,
							Required:    true,
							MinLength:   minLength,
							MaxLength:   maxLength,
						},
					},
				},
			},
		},
	}
}
