package confessbot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"time"
)

const (
	guideThreadName = "💌 SUBMIT CONFESSIONS HERE! 💌"

	// dmClosedNotice is appended to the submit reply when the receipt DM
	// can't be delivered
	dmClosedNotice = "⚠️ Couldn't DM you. Enable DMs from server members to receive review updates."

	colorGuide    = 0xff69b4
	colorRejected = 0xff0000
	colorSettings = 0x5865f2
)

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func confessionIDFromOptions(h *interactionHandler) (int, error) {
	id, ok := optionInt(discordInteractionOptions(h.interaction), optionConfessionID)
	if !ok || id < 1 {
		return 0, withNotice(
			fmt.Errorf("%w: missing %s", ErrInvalidInput, optionConfessionID),
			"❌ Please give a valid confession number.",
		)
	}
	return id, nil
}

func (b *Bot) handleSetup(ctx context.Context, h *interactionHandler) error {
	opts := discordInteractionOptions(h.interaction)
	settings := &GuildSettings{
		GuildID:        h.guildID(),
		ForumChannelID: optionString(opts, optionForumChannel),
		AdminChannelID: optionString(opts, optionAdminChannel),
		AdminRoleID:    optionString(opts, optionAdminRole),
	}
	if err := saveGuildSettings(ctx, b.writeDB, settings); err != nil {
		return err
	}
	h.logger.InfoContext(
		ctx,
		"guild configured",
		"forum_channel_id", settings.ForumChannelID,
		"admin_channel_id", settings.AdminChannelID,
		"admin_role_id", settings.AdminRoleID,
	)
	return h.replyEphemeral(
		ctx,
		fmt.Sprintf(
			"✅ Setup complete!\n**Confession channel:** <#%s>\n**Review channel:** <#%s>\n**Admin role:** <@&%s>",
			settings.ForumChannelID,
			settings.AdminChannelID,
			settings.AdminRoleID,
		),
	)
}

func settingsEmbed(s *GuildSettings) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "⚙️ Confession configuration",
		Color: colorSettings,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Confession channel", Value: fmt.Sprintf("<#%s>", s.ForumChannelID), Inline: true},
			{Name: "Review channel", Value: fmt.Sprintf("<#%s>", s.AdminChannelID), Inline: true},
			{Name: "Admin role", Value: fmt.Sprintf("<@&%s>", s.AdminRoleID), Inline: true},
		},
	}
}

func (b *Bot) handleConfig(ctx context.Context, h *interactionHandler) error {
	return h.replyEphemeral(ctx, "", settingsEmbed(h.settings))
}

func guideMessage() *discordgo.MessageSend {
	return &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{
			{
				Title: "💌 Send a confession",
				Description: "Press a button below to write your confession.\n\n" +
					"**✍️ Send with your name**: your name is shown when it's published.\n" +
					"**🕶️ Send anonymously**: nobody but the moderators can tell it was you.\n\n" +
					"Every confession is reviewed before it's posted.",
				Color: colorGuide,
			},
		},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{
						Label:    "✍️ Send with your name",
						Style:    discordgo.PrimaryButton,
						CustomID: sendNamedCustomID,
					},
					discordgo.Button{
						Label:    "🕶️ Send anonymously",
						Style:    discordgo.SecondaryButton,
						CustomID: sendAnonymousCustomID,
					},
				},
			},
		},
	}
}

func (b *Bot) handleCreateGuide(ctx context.Context, h *interactionHandler) error {
	if err := h.deferEphemeral(ctx); err != nil {
		return err
	}
	thread, err := startThread(ctx, b.session(), h.settings.ForumChannelID, guideThreadName, guideMessage())
	if err != nil {
		return err
	}
	return h.replyEphemeral(ctx, fmt.Sprintf("✅ Guide posted: <#%s>", thread.ID))
}

func (b *Bot) listHandler(filter confessionFilter) interactionHandlerFunc {
	return func(ctx context.Context, h *interactionHandler) error {
		page, err := loadConfessionPage(ctx, b.db, h.guildID(), filter, 0)
		if err != nil {
			return err
		}
		return h.reply(
			ctx,
			"",
			[]*discordgo.MessageEmbed{page.embed()},
			page.components(b.now()),
		)
	}
}

func (b *Bot) handlePageButton(ctx context.Context, h *interactionHandler) error {
	direction, filter, target, err := parsePageCustomID(h.interaction.MessageComponentData().CustomID)
	if err != nil {
		return err
	}
	page, err := loadConfessionPage(ctx, b.db, h.guildID(), filter, target)
	if err != nil {
		return err
	}
	h.logger.DebugContext(
		ctx,
		"turning page",
		"direction", direction,
		"filter", filter,
		"page", page.Window.Page,
	)
	return h.updateMessage(
		ctx,
		[]*discordgo.MessageEmbed{page.embed()},
		page.components(b.now()),
	)
}

// authorName is how a named confession's author is credited
func (b *Bot) authorName(ctx context.Context, userID string) string {
	u, err := b.session().User(userID, discordgo.WithContext(ctx))
	if err != nil || u == nil {
		loggerFrom(ctx).WarnContext(ctx, "unable to look up confession author", "user_id", userID)
		return "unknown"
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// approveFlow publishes a pending confession and marks it approved.
// If another moderator approved it while the thread was being
// published, the thread is deleted again and ErrAlreadyProcessed
// returned.
func (b *Bot) approveFlow(
	ctx context.Context,
	h *interactionHandler,
	confessionID int,
) (*Confession, *discordgo.Channel, error) {
	guildID := h.guildID()
	c, err := claimForApproval(ctx, b.db, guildID, confessionID)
	if err != nil {
		return nil, nil, err
	}

	var author string
	if !c.Anonymous {
		author = b.authorName(ctx, c.UserID)
	}
	thread, err := publishConfession(ctx, b.session(), h.settings.ForumChannelID, c, author)
	if err != nil {
		return nil, nil, err
	}

	if err = approveConfession(ctx, b.writeDB, guildID, confessionID, thread.ID); err != nil {
		deleteThread(ctx, b.session(), thread.ID)
		return nil, nil, err
	}
	c.Status = ConfessionApproved
	c.ThreadID = &thread.ID

	recordModeration(ctx, b.writeDB, guildID, confessionID, moderationApprove, h.userID())
	loggerFrom(ctx).InfoContext(ctx, "confession approved", "confession", c, "thread_id", thread.ID)
	notifyUser(
		ctx,
		b.session(),
		c.UserID,
		fmt.Sprintf("✅ Your confession #%d has been approved and published: <#%s>", c.ConfessionID, thread.ID),
	)
	return c, thread, nil
}

func (b *Bot) rejectFlow(
	ctx context.Context,
	h *interactionHandler,
	confessionID int,
) (*Confession, error) {
	c, err := rejectConfession(ctx, b.writeDB, h.guildID(), confessionID)
	if err != nil {
		return nil, err
	}
	recordModeration(ctx, b.writeDB, h.guildID(), confessionID, moderationReject, h.userID())
	loggerFrom(ctx).InfoContext(ctx, "confession rejected", "confession", c)
	notifyUser(
		ctx,
		b.session(),
		c.UserID,
		fmt.Sprintf("❌ Your confession #%d was not approved.", c.ConfessionID),
	)
	return c, nil
}

func (b *Bot) handleApprove(ctx context.Context, h *interactionHandler) error {
	id, err := confessionIDFromOptions(h)
	if err != nil {
		return err
	}
	if err = h.deferEphemeral(ctx); err != nil {
		return err
	}
	c, thread, err := b.approveFlow(ctx, h, id)
	if err != nil {
		return err
	}
	return h.replyEphemeral(ctx, fmt.Sprintf("✅ Confession #%d approved: <#%s>", c.ConfessionID, thread.ID))
}

// reviewedEmbeds copies a review message's embeds, recoloured and with
// the moderation outcome added
func reviewedEmbeds(msg *discordgo.Message, status string, color int) []*discordgo.MessageEmbed {
	var embed discordgo.MessageEmbed
	if msg != nil && len(msg.Embeds) > 0 && msg.Embeds[0] != nil {
		embed = *msg.Embeds[0]
	}
	embed.Color = color
	embed.Fields = append(
		append([]*discordgo.MessageEmbedField{}, embed.Fields...),
		&discordgo.MessageEmbedField{Name: "Status", Value: status},
	)
	return []*discordgo.MessageEmbed{&embed}
}

func (b *Bot) handleApproveButton(ctx context.Context, h *interactionHandler) error {
	id, err := customIDNumber(h.interaction.MessageComponentData().CustomID, approvePrefix)
	if err != nil {
		return err
	}
	err = h.Respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate})
	if err != nil {
		return err
	}
	_, thread, err := b.approveFlow(ctx, h, id)
	if err != nil {
		return err
	}
	return h.updateMessage(
		ctx,
		reviewedEmbeds(
			h.interaction.Message,
			fmt.Sprintf("✅ Approved by <@%s> • <#%s>", h.userID(), thread.ID),
			colorApproved,
		),
		[]discordgo.MessageComponent{},
	)
}

func (b *Bot) handleRejectButton(ctx context.Context, h *interactionHandler) error {
	id, err := customIDNumber(h.interaction.MessageComponentData().CustomID, rejectPrefix)
	if err != nil {
		return err
	}
	err = h.Respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate})
	if err != nil {
		return err
	}
	if _, err = b.rejectFlow(ctx, h, id); err != nil {
		return err
	}
	return h.updateMessage(
		ctx,
		reviewedEmbeds(
			h.interaction.Message,
			fmt.Sprintf("❌ Rejected by <@%s>", h.userID()),
			colorRejected,
		),
		[]discordgo.MessageComponent{},
	)
}

func (b *Bot) handleDelete(ctx context.Context, h *interactionHandler) error {
	id, err := confessionIDFromOptions(h)
	if err != nil {
		return err
	}
	if err = h.deferEphemeral(ctx); err != nil {
		return err
	}
	c, err := deleteConfession(ctx, b.writeDB, h.guildID(), id)
	if err != nil {
		return err
	}
	recordModeration(ctx, b.writeDB, h.guildID(), id, moderationDelete, h.userID())
	loggerFrom(ctx).InfoContext(ctx, "confession deleted", "confession", c)

	msg := fmt.Sprintf("🗑️ Confession #%d deleted.", c.ConfessionID)
	if c.ThreadID != nil && !deleteThread(ctx, b.session(), *c.ThreadID) {
		msg += fmt.Sprintf("\n⚠️ Its thread <#%s> could not be deleted, please remove it manually.", *c.ThreadID)
	}
	notifyUser(
		ctx,
		b.session(),
		c.UserID,
		fmt.Sprintf("🗑️ Your confession #%d has been removed by the moderators.", c.ConfessionID),
	)
	return h.replyEphemeral(ctx, msg)
}

func confessionDetailEmbed(c *Confession) *discordgo.MessageEmbed {
	color, status := colorPending, "⏳ Pending"
	if c.Status == ConfessionApproved {
		color, status = colorApproved, "✅ Approved"
	}
	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Confession #%d", c.ConfessionID),
		Description: c.Content,
		Color:       color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Status", Value: status, Inline: true},
			{Name: "Anonymous", Value: yesNo(c.Anonymous), Inline: true},
			{Name: "From", Value: submitterDisplay(*c), Inline: true},
			{Name: "Time", Value: discordTimestamp(c.Timestamp), Inline: true},
		},
		Timestamp: c.Timestamp.Format(time.RFC3339),
	}
	if c.ThreadID != nil {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{Name: "Thread", Value: fmt.Sprintf("<#%s>", *c.ThreadID), Inline: true},
		)
	}
	return embed
}

func (b *Bot) handleDetail(ctx context.Context, h *interactionHandler) error {
	id, err := confessionIDFromOptions(h)
	if err != nil {
		return err
	}
	c, err := getConfession(ctx, b.db, h.guildID(), id)
	if err != nil {
		return err
	}
	return h.replyEphemeral(ctx, "", confessionDetailEmbed(c))
}

// confessionModalButton opens the confession form from the guide
// thread's buttons
func (b *Bot) confessionModalButton(anonymous bool) interactionHandlerFunc {
	modalID, title := confessionModalNamed, "✍️ Send a confession"
	if anonymous {
		modalID, title = confessionModalAnonymous, "🕶️ Send an anonymous confession"
	}
	return func(ctx context.Context, h *interactionHandler) error {
		if _, err := getGuildSettings(ctx, b.db, h.guildID()); err != nil {
			return err
		}
		return h.Respond(
			ctx,
			discordModalResponse(
				modalID,
				title,
				confessionContentInputID,
				"Your confession",
				"Write your confession here...",
				1,
				maxConfessionLength,
			),
		)
	}
}

func reviewMessage(c *Confession) *discordgo.MessageSend {
	return &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{
			{
				Title:       fmt.Sprintf("📝 New confession #%d", c.ConfessionID),
				Description: c.Content,
				Color:       colorPending,
				Fields: []*discordgo.MessageEmbedField{
					{Name: "Anonymous", Value: yesNo(c.Anonymous), Inline: true},
					{Name: "From", Value: submitterDisplay(*c), Inline: true},
				},
				Timestamp: c.Timestamp.Format(time.RFC3339),
			},
		},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{
						Label:    "✅ Approve",
						Style:    discordgo.SuccessButton,
						CustomID: fmt.Sprintf("%s%d", approvePrefix, c.ConfessionID),
					},
					discordgo.Button{
						Label:    "❌ Reject",
						Style:    discordgo.DangerButton,
						CustomID: fmt.Sprintf("%s%d", rejectPrefix, c.ConfessionID),
					},
				},
			},
		},
		AllowedMentions: noMentions(),
	}
}

func (b *Bot) handleConfessionModal(ctx context.Context, h *interactionHandler) error {
	data := h.interaction.ModalSubmitData()
	var anonymous bool
	switch data.CustomID {
	case confessionModalAnonymous:
		anonymous = true
	case confessionModalNamed:
	default:
		return fmt.Errorf("%w: unknown confession form %q", ErrInvalidInput, data.CustomID)
	}

	if err := h.deferEphemeral(ctx); err != nil {
		return err
	}
	settings, err := getGuildSettings(ctx, b.db, h.guildID())
	if err != nil {
		return err
	}
	c, err := submitConfession(
		ctx,
		b.writeDB,
		h.guildID(),
		h.userID(),
		modalTextValue(data, confessionContentInputID),
		anonymous,
	)
	if err != nil {
		return err
	}
	loggerFrom(ctx).InfoContext(ctx, "confession submitted", "confession", c)

	msg := fmt.Sprintf("✅ Your confession #%d has been sent and is waiting for review.", c.ConfessionID)
	_, err = b.session().ChannelMessageSendComplex(
		settings.AdminChannelID,
		reviewMessage(c),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		// the confession is saved, moderators can still find it with /pending
		loggerFrom(ctx).WarnContext(ctx, "unable to post confession for review", tint.Err(err))
	}
	receipt := fmt.Sprintf(
		"📨 We received your confession #%d. You'll get a message here once it has been reviewed.",
		c.ConfessionID,
	)
	if !notifyUser(ctx, b.session(), c.UserID, receipt) {
		msg += "\n" + dmClosedNotice
	}
	return h.replyEphemeral(ctx, msg)
}

func (b *Bot) handleAnonymousReplyButton(ctx context.Context, h *interactionHandler) error {
	id, err := customIDNumber(h.interaction.MessageComponentData().CustomID, anonymousReplyPrefix)
	if err != nil {
		return err
	}
	return h.Respond(
		ctx,
		discordModalResponse(
			fmt.Sprintf("%s%d", replyModalPrefix, id),
			fmt.Sprintf("💬 Anonymous reply to #%d", id),
			replyContentInputID,
			"Your reply",
			"Your reply is posted without your name",
			1,
			maxReplyLength,
		),
	)
}

func (b *Bot) handleAnonymousReplyModal(ctx context.Context, h *interactionHandler) error {
	data := h.interaction.ModalSubmitData()
	id, err := customIDNumber(data.CustomID, replyModalPrefix)
	if err != nil {
		return err
	}
	if err = h.deferEphemeral(ctx); err != nil {
		return err
	}
	err = relayAnonymousReply(
		ctx,
		b.db,
		b.session(),
		h.guildID(),
		id,
		modalTextValue(data, replyContentInputID),
	)
	if err != nil {
		return err
	}
	return h.replyEphemeral(ctx, "✅ Your anonymous reply has been posted.")
}
