package confessbot

import (
	"cmp"
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"slices"
)

const (
	slashSetup           = "setup"
	slashConfig          = "config"
	slashCreateGuide     = "create-guide"
	slashPending         = "pending"
	slashApproved        = "approved"
	slashAll             = "all"
	slashApprove         = "approve"
	slashDelete          = "delete"
	slashDetail          = "detail"
	slashIdolSetup       = "idol-setup"
	slashIdolConfig      = "idol-config"
	slashIdolRemove      = "idol-remove"
	slashCharacterConfig = "character-config"
	slashCharacterManage = "character-manage"
	slashSend            = "send"

	optionForumChannel = "forum_channel"
	optionAdminChannel = "admin_channel"
	optionAdminRole    = "admin_role"
	optionConfessionID = "confession_id"
	optionAction       = "action"
	optionName         = "name"
	optionAvatar       = "avatar"
	optionID           = "id"
	optionPrefix       = "prefix"
	optionCharacter    = "character"
	optionMessage      = "message"
	optionAttachment   = "attachment"
	optionIdolName     = "idol_name"
	optionIdolAvatar   = "idol_avatar"
	optionFanName      = "fan_name"
	optionFanAvatar    = "fan_avatar"

	characterActionAdd     = "add"
	characterActionList    = "list"
	characterActionRemove  = "remove"
	characterActionDefault = "default"
)

// accessLevel is checked before a command or component handler runs
type accessLevel int

const (
	accessAnyone accessLevel = iota

	// accessAdminRole requires the guild's configured admin role, and
	// loads the guild's settings for the handler
	accessAdminRole

	accessManageChannels
	accessAdministrator
)

type interactionHandlerFunc func(ctx context.Context, h *interactionHandler) error

// slashCommand pairs a registered application command with its handler
type slashCommand struct {
	definition   *discordgo.ApplicationCommand
	access       accessLevel
	handler      interactionHandlerFunc
	autocomplete interactionHandlerFunc
}

func guildOnlyContexts() *[]discordgo.InteractionContextType {
	return &[]discordgo.InteractionContextType{discordgo.InteractionContextGuild}
}

func confessionIDOption(description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionInteger,
		Name:        optionConfessionID,
		Description: description,
		Required:    true,
		MinValue:    ptr(1.0),
	}
}

func adminCommand(
	name string,
	description string,
	options ...*discordgo.ApplicationCommandOption,
) *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        name,
		Description: description,
		Type:        discordgo.ChatApplicationCommand,
		Contexts:    guildOnlyContexts(),
		Options:     options,
	}
}

func manageChannelsCommand(
	name string,
	description string,
	options ...*discordgo.ApplicationCommandOption,
) *discordgo.ApplicationCommand {
	cmd := adminCommand(name, description, options...)
	cmd.DefaultMemberPermissions = ptr(int64(discordgo.PermissionManageChannels))
	return cmd
}

// newCommandRegistry builds the bot's slash commands, keyed by name
func (b *Bot) newCommandRegistry() map[string]slashCommand {
	threadChannelTypes := []discordgo.ChannelType{
		discordgo.ChannelTypeGuildForum,
		discordgo.ChannelTypeGuildText,
		discordgo.ChannelTypeGuildNews,
	}

	setup := adminCommand(
		slashSetup,
		"Set up the confession channels and admin role",
		&discordgo.ApplicationCommandOption{
			Type:         discordgo.ApplicationCommandOptionChannel,
			Name:         optionForumChannel,
			Description:  "Channel where approved confessions are posted",
			Required:     true,
			ChannelTypes: threadChannelTypes,
		},
		&discordgo.ApplicationCommandOption{
			Type:         discordgo.ApplicationCommandOptionChannel,
			Name:         optionAdminChannel,
			Description:  "Channel where new confessions are sent for review",
			Required:     true,
			ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
		},
		&discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionRole,
			Name:        optionAdminRole,
			Description: "Role allowed to review confessions",
			Required:    true,
		},
	)
	setup.DefaultMemberPermissions = ptr(int64(discordgo.PermissionAdministrator))

	characterOptions := []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionAction,
			Description: "What to do",
			Required:    true,
			Choices: []*discordgo.ApplicationCommandOptionChoice{
				{Name: "Add a character", Value: characterActionAdd},
				{Name: "List characters", Value: characterActionList},
				{Name: "Remove a character", Value: characterActionRemove},
				{Name: "Set the default character", Value: characterActionDefault},
			},
		},
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionName,
			Description: "Character name (add)",
			MaxLength:   maxCharacterNameLength,
		},
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionAvatar,
			Description: "Character avatar URL (add)",
		},
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionID,
			Description: "Character ID (remove, default)",
		},
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionPrefix,
			Description: "Message prefix that selects this character, like '!fan ' (add)",
			MaxLength:   20,
		},
	}

	idolOptions := []*discordgo.ApplicationCommandOption{
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionIdolName,
			Description: "Name of the idol (default character)",
			Required:    true,
			MaxLength:   maxCharacterNameLength,
		},
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionIdolAvatar,
			Description: "Avatar URL of the idol",
			Required:    true,
		},
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionFanName,
			Description: "Name of the fan (messages starting with '!fan ')",
			Required:    true,
			MaxLength:   maxCharacterNameLength,
		},
		{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        optionFanAvatar,
			Description: "Avatar URL of the fan",
			Required:    true,
		},
	}

	send := &discordgo.ApplicationCommand{
		Name:        slashSend,
		Description: "Send a message as a character",
		Type:        discordgo.ChatApplicationCommand,
		Contexts:    guildOnlyContexts(),
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:         discordgo.ApplicationCommandOptionString,
				Name:         optionCharacter,
				Description:  "Character to send as",
				Required:     true,
				Autocomplete: true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        optionMessage,
				Description: "Message to send",
				MaxLength:   discordMaxMessageLength,
			},
			{
				Type:        discordgo.ApplicationCommandOptionAttachment,
				Name:        optionAttachment,
				Description: "File to attach",
			},
		},
	}

	return map[string]slashCommand{
		slashSetup: {
			definition: setup,
			access:     accessAdministrator,
			handler:    b.handleSetup,
		},
		slashConfig: {
			definition: adminCommand(slashConfig, "Show the confession configuration"),
			access:     accessAdminRole,
			handler:    b.handleConfig,
		},
		slashCreateGuide: {
			definition: adminCommand(slashCreateGuide, "Post the guide thread with the confession buttons"),
			access:     accessAdminRole,
			handler:    b.handleCreateGuide,
		},
		slashPending: {
			definition: adminCommand(slashPending, "List confessions waiting for review"),
			access:     accessAdminRole,
			handler:    b.listHandler(filterPending),
		},
		slashApproved: {
			definition: adminCommand(slashApproved, "List approved confessions"),
			access:     accessAdminRole,
			handler:    b.listHandler(filterApproved),
		},
		slashAll: {
			definition: adminCommand(slashAll, "List all confessions"),
			access:     accessAdminRole,
			handler:    b.listHandler(filterAll),
		},
		slashApprove: {
			definition: adminCommand(slashApprove, "Approve a confession", confessionIDOption("Confession number")),
			access:     accessAdminRole,
			handler:    b.handleApprove,
		},
		slashDelete: {
			definition: adminCommand(slashDelete, "Delete a confession and its thread", confessionIDOption("Confession number")),
			access:     accessAdminRole,
			handler:    b.handleDelete,
		},
		slashDetail: {
			definition: adminCommand(slashDetail, "Show a confession in full", confessionIDOption("Confession number")),
			access:     accessAdminRole,
			handler:    b.handleDetail,
		},
		slashIdolSetup: {
			definition: manageChannelsCommand(slashIdolSetup, "Set up idol and fan characters in this channel", idolOptions...),
			access:     accessManageChannels,
			handler:    b.handleIdolSetup,
		},
		slashIdolConfig: {
			definition: manageChannelsCommand(slashIdolConfig, "Show this channel's characters"),
			access:     accessManageChannels,
			handler:    b.handleIdolConfig,
		},
		slashIdolRemove: {
			definition: manageChannelsCommand(slashIdolRemove, "Turn off character relay in this channel"),
			access:     accessManageChannels,
			handler:    b.handleIdolRemove,
		},
		slashCharacterConfig: {
			definition: manageChannelsCommand(slashCharacterConfig, "Turn on character relay in this channel"),
			access:     accessManageChannels,
			handler:    b.handleCharacterConfig,
		},
		slashCharacterManage: {
			definition: manageChannelsCommand(slashCharacterManage, "Manage this server's characters", characterOptions...),
			access:     accessManageChannels,
			handler:    b.handleCharacterManage,
		},
		slashSend: {
			definition:   send,
			access:       accessAnyone,
			handler:      b.handleSend,
			autocomplete: b.autocompleteCharacter,
		},
	}
}

// applicationCommands returns the command definitions, sorted by name
func (b *Bot) applicationCommands() []*discordgo.ApplicationCommand {
	commands := make([]*discordgo.ApplicationCommand, 0, len(b.commands))
	for _, c := range b.commands {
		commands = append(commands, c.definition)
	}
	slices.SortFunc(
		commands, func(a, b *discordgo.ApplicationCommand) int {
			return cmp.Compare(a.Name, b.Name)
		},
	)
	return commands
}

// authorize checks the invoking member against the access level
func (b *Bot) authorize(ctx context.Context, h *interactionHandler, access accessLevel) error {
	member := h.interaction.Member
	switch access {
	case accessAnyone:
		return nil
	case accessAdminRole:
		settings, err := requireAdmin(ctx, b.db, h.guildID(), member)
		if err != nil {
			return err
		}
		h.settings = settings
		return nil
	case accessManageChannels:
		if !memberHasPermission(member, discordgo.PermissionManageChannels) {
			return ErrForbidden
		}
		return nil
	case accessAdministrator:
		if !memberHasPermission(member, discordgo.PermissionAdministrator) {
			return ErrForbidden
		}
		return nil
	default:
		return fmt.Errorf("unknown access level %d", access)
	}
}

// handleInteraction routes an interaction to its handler. Handler
// errors are reported back to the user, so no interaction is left
// unanswered.
func (b *Bot) handleInteraction(ctx context.Context, h *interactionHandler) {
	i := h.interaction
	user := h.user()
	if user == nil {
		h.logger.ErrorContext(ctx, "no user found in interaction")
		return
	}
	if user.Bot {
		h.logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}
	ctx = WithLogger(ctx, h.logger)
	h.logger.InfoContext(ctx, "received interaction")

	var err error
	switch i.Type {
	case discordgo.InteractionPing:
		err = h.Respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
	case discordgo.InteractionApplicationCommand:
		err = b.handleSlashCommand(ctx, h)
	case discordgo.InteractionApplicationCommandAutocomplete:
		if err = b.handleAutocomplete(ctx, h); err != nil {
			h.logger.WarnContext(ctx, "autocomplete failed", tint.Err(err))
		}
		return
	case discordgo.InteractionMessageComponent:
		err = b.handleComponent(ctx, h)
	case discordgo.InteractionModalSubmit:
		err = b.handleModal(ctx, h)
	default:
		h.logger.WarnContext(ctx, "unhandled interaction type")
		return
	}
	if err != nil {
		h.notifyError(ctx, err)
	}
}

func (b *Bot) handleSlashCommand(ctx context.Context, h *interactionHandler) error {
	name := h.interaction.ApplicationCommandData().Name
	cmd, ok := b.commands[name]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", ErrInvalidInput, name)
	}
	if err := b.authorize(ctx, h, cmd.access); err != nil {
		return err
	}
	return cmd.handler(ctx, h)
}

func (b *Bot) handleAutocomplete(ctx context.Context, h *interactionHandler) error {
	name := h.interaction.ApplicationCommandData().Name
	cmd, ok := b.commands[name]
	if !ok || cmd.autocomplete == nil {
		return fmt.Errorf("%w: no autocomplete for %q", ErrInvalidInput, name)
	}
	return cmd.autocomplete(ctx, h)
}
