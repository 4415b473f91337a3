package confessbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"strings"
)

const colorCharacters = 0x9b59b6

func requireGuild(h *interactionHandler) error {
	if h.guildID() == "" {
		return withNotice(
			fmt.Errorf("%w: guild only", ErrInvalidInput),
			"❌ This can only be used in a server.",
		)
	}
	return nil
}

// characterListEmbed shows a character system, marking the default and
// any prefixes
func characterListEmbed(title string, s *CharacterSystem) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{Title: title, Color: colorCharacters}
	if len(s.Characters) == 0 {
		embed.Description = "No characters yet. Add one with `/character-manage action:add`."
		return embed
	}
	defaultID := stringPointerValue(s.DefaultCharacterID)
	for _, c := range s.Characters {
		var lines []string
		lines = append(lines, fmt.Sprintf("**ID:** `%s`", c.ID))
		if c.ID == defaultID {
			lines = append(lines, "⭐ Default character")
		}
		if c.Prefix != "" {
			lines = append(lines, fmt.Sprintf("**Prefix:** `%s`", c.Prefix))
		}
		lines = append(lines, fmt.Sprintf("**Avatar:** %s", c.Avatar))
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: c.Name, Value: strings.Join(lines, "\n")},
		)
	}
	return embed
}

// handleCharacterConfig turns on relay in the current channel and makes
// sure the guild has a character system to add characters to
func (b *Bot) handleCharacterConfig(ctx context.Context, h *interactionHandler) error {
	if err := requireGuild(h); err != nil {
		return err
	}
	if err := h.deferEphemeral(ctx); err != nil {
		return err
	}
	if _, err := ensureCharacterSystem(ctx, b.writeDB, h.guildID()); err != nil {
		return err
	}
	if _, err := b.relay.enableChannel(ctx, h.guildID(), h.interaction.ChannelID); err != nil {
		return err
	}
	b.cache.Invalidate(ctx, h.guildID())
	return h.replyEphemeral(
		ctx,
		fmt.Sprintf(
			"✅ Character relay is on in <#%s>.\nAdd characters with `/character-manage action:add`.",
			h.interaction.ChannelID,
		),
	)
}

func (b *Bot) handleCharacterManage(ctx context.Context, h *interactionHandler) error {
	if err := requireGuild(h); err != nil {
		return err
	}
	opts := discordInteractionOptions(h.interaction)
	guildID := h.guildID()

	action := optionString(opts, optionAction)
	if action == characterActionList {
		system, err := getGuildCharacterSystem(ctx, b.db, guildID)
		if errors.Is(err, ErrNotConfigured) {
			system, err = &CharacterSystem{GuildID: guildID}, nil
		}
		if err != nil {
			return err
		}
		return h.replyEphemeral(ctx, "", characterListEmbed("🎭 Characters", system))
	}

	system, err := ensureCharacterSystem(ctx, b.writeDB, guildID)
	if err != nil {
		return err
	}

	var msg string
	switch action {
	case characterActionAdd:
		prefix := ""
		if opt, ok := opts[optionPrefix]; ok {
			// the prefix is taken as typed, trailing space included
			prefix, _ = opt.Value.(string)
		}
		c, addErr := system.AddCharacter(optionString(opts, optionName), optionString(opts, optionAvatar), prefix)
		if addErr != nil {
			return withNotice(addErr, "❌ "+addErr.Error())
		}
		msg = fmt.Sprintf("✅ Added **%s** (`%s`).", c.Name, c.ID)
		if _, hasDefault := system.Default(); !hasDefault && c.Prefix == "" {
			system.DefaultCharacterID = ptr(c.ID)
			msg += " It's now the default character."
		}
	case characterActionRemove:
		c, removeErr := system.RemoveCharacter(optionString(opts, optionID))
		if removeErr != nil {
			return withNotice(removeErr, "❌ No character with that ID.")
		}
		msg = fmt.Sprintf("🗑️ Removed **%s**.", c.Name)
	case characterActionDefault:
		c, defaultErr := system.SetDefault(optionString(opts, optionID))
		if defaultErr != nil {
			return withNotice(defaultErr, "❌ No character with that ID.")
		}
		msg = fmt.Sprintf("⭐ **%s** is now the default character.", c.Name)
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidInput, action)
	}

	if err = saveCharacterSystem(ctx, b.writeDB, system); err != nil {
		return err
	}
	b.cache.Invalidate(ctx, guildID)
	h.logger.InfoContext(ctx, "characters updated", "action", action, "characters", len(system.Characters))
	return h.replyEphemeral(ctx, msg)
}

// handleSend posts a message as the chosen character in the current
// channel, turning relay on there if it isn't already
func (b *Bot) handleSend(ctx context.Context, h *interactionHandler) error {
	if err := requireGuild(h); err != nil {
		return err
	}
	data := h.interaction.ApplicationCommandData()
	opts := discordInteractionOptions(h.interaction)
	guildID := h.guildID()
	channelID := h.interaction.ChannelID

	system, err := cachedCharacterSystem(ctx, b.cache, b.db, guildID)
	if err != nil {
		return err
	}
	character, ok := system.Character(optionString(opts, optionCharacter))
	if !ok {
		return withNotice(
			fmt.Errorf("character %q: %w", optionString(opts, optionCharacter), ErrNotFound),
			"❌ Character not found.",
		)
	}

	var attachments []*discordgo.MessageAttachment
	if attachmentID := optionString(opts, optionAttachment); attachmentID != "" && data.Resolved != nil {
		if a, found := data.Resolved.Attachments[attachmentID]; found {
			attachments = append(attachments, a)
		}
	}
	content := optionString(opts, optionMessage)
	if content == "" && len(attachments) == 0 {
		return withNotice(
			fmt.Errorf("%w: nothing to send", ErrInvalidInput),
			"❌ Give a message or an attachment to send.",
		)
	}

	if err = h.deferEphemeral(ctx); err != nil {
		return err
	}
	pc, err := b.relay.enableChannel(ctx, guildID, channelID)
	if err != nil {
		return err
	}
	err = b.relay.send(
		ctx,
		&relayTarget{System: system, WebhookID: pc.WebhookID, WebhookToken: pc.WebhookToken},
		character,
		relayMessage{ChannelID: channelID, Content: content, Attachments: attachments},
	)
	if err != nil {
		return err
	}
	return h.replyEphemeral(ctx, fmt.Sprintf("✅ Sent as **%s**.", character.Name))
}

// characterChoices returns up to discordMaxAutocompleteChoices characters
// whose name or ID contains query
func characterChoices(s *CharacterSystem, query string) []*discordgo.ApplicationCommandOptionChoice {
	query = strings.ToLower(strings.TrimSpace(query))
	choices := []*discordgo.ApplicationCommandOptionChoice{}
	for _, c := range s.Characters {
		if len(choices) == discordMaxAutocompleteChoices {
			break
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(c.Name), query) &&
			!strings.Contains(c.ID, query) {
			continue
		}
		choices = append(
			choices,
			&discordgo.ApplicationCommandOptionChoice{Name: c.Name, Value: c.ID},
		)
	}
	return choices
}

func (b *Bot) autocompleteCharacter(ctx context.Context, h *interactionHandler) error {
	var query string
	for _, opt := range h.interaction.ApplicationCommandData().Options {
		if opt.Focused {
			query, _ = opt.Value.(string)
		}
	}

	choices := []*discordgo.ApplicationCommandOptionChoice{}
	system, err := cachedCharacterSystem(ctx, b.cache, b.db, h.guildID())
	switch {
	case err == nil:
		choices = characterChoices(system, query)
	case !errors.Is(err, ErrNotConfigured):
		h.logger.WarnContext(ctx, "unable to load characters for autocomplete", tint.Err(err))
	}
	return h.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionApplicationCommandAutocompleteResult,
			Data: &discordgo.InteractionResponseData{Choices: choices},
		},
	)
}

// handleIdolSetup stores an idol/fan pair in the guild's character
// system and turns on relay in the channel. The idol becomes the
// default, the fan is chosen with the "!fan " prefix.
func (b *Bot) handleIdolSetup(ctx context.Context, h *interactionHandler) error {
	if err := requireGuild(h); err != nil {
		return err
	}
	opts := discordInteractionOptions(h.interaction)
	cfg := LegacyChannelConfig{
		ChannelID:  h.interaction.ChannelID,
		IdolName:   optionString(opts, optionIdolName),
		IdolAvatar: optionString(opts, optionIdolAvatar),
		FanName:    optionString(opts, optionFanName),
		FanAvatar:  optionString(opts, optionFanAvatar),
	}
	for _, avatar := range []string{cfg.IdolAvatar, cfg.FanAvatar} {
		if err := validateAvatarURL(avatar); err != nil {
			return withNotice(err, "❌ Avatars must be http(s) image URLs.")
		}
	}
	if cfg.IdolName == "" || cfg.FanName == "" {
		return withNotice(fmt.Errorf("%w: names are required", ErrInvalidInput), "❌ Both names are required.")
	}

	if err := h.deferEphemeral(ctx); err != nil {
		return err
	}
	system, err := ensureCharacterSystem(ctx, b.writeDB, h.guildID())
	if err != nil {
		return err
	}
	if err = applyIdolSetup(system, cfg); err != nil {
		return withNotice(err, "❌ The idol and the fan must be different characters.")
	}
	if err = saveCharacterSystem(ctx, b.writeDB, system); err != nil {
		return err
	}
	if _, err = b.relay.enableChannel(ctx, h.guildID(), cfg.ChannelID); err != nil {
		return err
	}
	b.cache.Invalidate(ctx, h.guildID())

	return h.replyEphemeral(
		ctx,
		fmt.Sprintf(
			"✅ Characters set up in <#%s>.\nMessages are posted as **%s**. Start a message with `%s` to post as **%s**.",
			cfg.ChannelID,
			cfg.IdolName,
			strings.TrimSpace(legacyFanPrefix),
			cfg.FanName,
		),
	)
}

func (b *Bot) handleIdolConfig(ctx context.Context, h *interactionHandler) error {
	if err := requireGuild(h); err != nil {
		return err
	}
	channelID := h.interaction.ChannelID
	system, legacy, err := getCharacterSystem(ctx, b.db, h.guildID(), channelID)
	if errors.Is(err, ErrNotConfigured) {
		return withNotice(err, "⚠️ No characters are set up here. Use `/idol-setup` or `/character-config`.")
	}
	if err != nil {
		return err
	}

	relayOn := legacy
	if !legacy {
		_, pcErr := getPersonaChannel(ctx, b.db, channelID)
		switch {
		case pcErr == nil:
			relayOn = true
		case !errors.Is(pcErr, ErrNotConfigured):
			return pcErr
		}
	}

	embed := characterListEmbed("🎭 Characters in this channel", system)
	status := "❌ Off"
	if relayOn {
		status = "✅ On"
	}
	embed.Fields = append(
		[]*discordgo.MessageEmbedField{{Name: "Relay in this channel", Value: status}},
		embed.Fields...,
	)
	if legacy {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: "Old-style channel config, converted on next migration"}
	}
	return h.replyEphemeral(ctx, "", embed)
}

func (b *Bot) handleIdolRemove(ctx context.Context, h *interactionHandler) error {
	if err := requireGuild(h); err != nil {
		return err
	}
	err := deletePersonaChannel(ctx, b.writeDB, h.interaction.ChannelID)
	if errors.Is(err, ErrNotConfigured) {
		return withNotice(err, "⚠️ Character relay isn't on in this channel.")
	}
	if err != nil {
		return err
	}
	return h.replyEphemeral(ctx, "✅ Character relay is off in this channel.")
}
