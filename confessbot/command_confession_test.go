package confessbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

func ownerMember() *discordgo.Member {
	return testMember(testAdminUserID, discordgo.PermissionAdministrator, testAdminRoleID)
}

// submitViaModal submits a confession the way a member does, through
// the confession form
func submitViaModal(t *testing.T, bot *Bot, anonymous bool, content string) {
	t.Helper()
	modalID := confessionModalNamed
	if anonymous {
		modalID = confessionModalAnonymous
	}
	dispatch(t, bot, modalInteraction(plainMember(), modalID, confessionContentInputID, content))
}

func reviewEmbedStatus(t *testing.T, embeds []*discordgo.MessageEmbed) string {
	t.Helper()
	require.Len(t, embeds, 1)
	fields := embeds[0].Fields
	require.NotEmpty(t, fields)
	last := fields[len(fields)-1]
	require.Equal(t, "Status", last.Name)
	return last.Value
}

func TestSetupCommand(t *testing.T) {
	bot, session, _ := newTestBot(t)

	dispatch(
		t, bot, commandInteraction(
			ownerMember(),
			slashSetup,
			stringOption(optionForumChannel, testForumChannelID),
			stringOption(optionAdminChannel, testAdminChannelID),
			stringOption(optionAdminRole, testAdminRoleID),
		),
	)
	reply := session.lastReply(t)
	assert.True(t, strings.HasPrefix(reply, "✅ Setup complete!"), reply)
	assert.Contains(t, reply, "<#"+testForumChannelID+">")

	settings, err := getGuildSettings(context.Background(), bot.db, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, testAdminRoleID, settings.AdminRoleID)

	// running it again replaces the settings
	dispatch(
		t, bot, commandInteraction(
			ownerMember(),
			slashSetup,
			stringOption(optionForumChannel, testRelayChannelID),
			stringOption(optionAdminChannel, testAdminChannelID),
			stringOption(optionAdminRole, testAdminRoleID),
		),
	)
	settings, err = getGuildSettings(context.Background(), bot.db, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, testRelayChannelID, settings.ForumChannelID)

	dispatch(t, bot, commandInteraction(adminMember(), slashSetup))
	assert.Equal(t, userNotice(ErrForbidden), session.lastReply(t))

	dispatch(
		t, bot, commandInteraction(
			ownerMember(),
			slashSetup,
			stringOption(optionForumChannel, testForumChannelID),
		),
	)
	assert.Equal(t, userNotice(ErrInvalidInput), session.lastReply(t))
}

func TestConfigCommand(t *testing.T) {
	bot, session, _ := newTestBot(t)

	dispatch(t, bot, commandInteraction(adminMember(), slashConfig))
	assert.Equal(t, userNotice(ErrNotConfigured), session.lastReply(t))

	configureGuild(t, bot)
	dispatch(t, bot, commandInteraction(plainMember(), slashConfig))
	assert.Equal(t, userNotice(ErrForbidden), session.lastReply(t))

	dispatch(t, bot, commandInteraction(adminMember(), slashConfig))
	resp := session.lastResponse(t)
	require.Len(t, resp.Data.Embeds, 1)
	assert.Equal(t, "<@&"+testAdminRoleID+">", resp.Data.Embeds[0].Fields[2].Value)
}

func TestCreateGuideCommand(t *testing.T) {
	bot, session, _ := newTestBot(t)
	configureGuild(t, bot)

	dispatch(t, bot, commandInteraction(adminMember(), slashCreateGuide))

	require.Len(t, session.forumPosts, 1)
	post := session.forumPosts[0]
	assert.Equal(t, fmt.Sprintf("✅ Guide posted: <#%s>", post.ChannelID), session.lastReply(t))

	row := post.Data.Components[0].(discordgo.ActionsRow)
	require.Len(t, row.Components, 2)
	assert.Equal(t, sendNamedCustomID, row.Components[0].(discordgo.Button).CustomID)
	assert.Equal(t, sendAnonymousCustomID, row.Components[1].(discordgo.Button).CustomID)
}

func TestConfessionButtonOpensModal(t *testing.T) {
	bot, session, _ := newTestBot(t)

	dispatch(t, bot, componentInteraction(plainMember(), sendAnonymousCustomID))
	assert.Equal(t, userNotice(ErrNotConfigured), session.lastReply(t))

	configureGuild(t, bot)
	dispatch(t, bot, componentInteraction(plainMember(), sendAnonymousCustomID))
	resp := session.lastResponse(t)
	assert.Equal(t, discordgo.InteractionResponseModal, resp.Type)
	assert.Equal(t, confessionModalAnonymous, resp.Data.CustomID)

	dispatch(t, bot, componentInteraction(plainMember(), sendNamedCustomID))
	assert.Equal(t, confessionModalNamed, session.lastResponse(t).Data.CustomID)
}

func TestConfessionModalSubmits(t *testing.T) {
	bot, session, _ := newTestBot(t)
	configureGuild(t, bot)

	submitViaModal(t, bot, true, "  I secretly like pineapple pizza  ")
	assert.Equal(
		t,
		"✅ Your confession #1 has been sent and is waiting for review.",
		session.lastReply(t),
	)

	c, err := getConfession(context.Background(), bot.db, testGuildID, 1)
	require.NoError(t, err)
	assert.Equal(t, "I secretly like pineapple pizza", c.Content)
	assert.True(t, c.Anonymous)
	assert.Equal(t, testMemberUserID, c.UserID)

	reviews := session.sentTo(testAdminChannelID)
	require.Len(t, reviews, 1)
	review := reviews[0]
	assert.Equal(t, "📝 New confession #1", review.Embeds[0].Title)
	assert.Equal(t, "🔒 Anonymous", review.Embeds[0].Fields[1].Value)
	buttons := review.Components[0].(discordgo.ActionsRow).Components
	assert.Equal(t, "approve_1", buttons[0].(discordgo.Button).CustomID)
	assert.Equal(t, "reject_1", buttons[1].(discordgo.Button).CustomID)

	submitViaModal(t, bot, false, "named one")
	assert.Contains(t, session.lastReply(t), "#2")
	reviews = session.sentTo(testAdminChannelID)
	require.Len(t, reviews, 2)
	assert.Equal(t, "<@"+testMemberUserID+">", reviews[1].Embeds[0].Fields[1].Value)
}

func TestConfessionModalReceipt(t *testing.T) {
	bot, session, _ := newTestBot(t)
	configureGuild(t, bot)

	submitViaModal(t, bot, true, "first")
	assert.Equal(
		t,
		"✅ Your confession #1 has been sent and is waiting for review.",
		session.lastReply(t),
	)
	dms := session.sentTo("dm-" + testMemberUserID)
	require.Len(t, dms, 1)
	assert.Contains(t, dms[0].Content, "received your confession #1")

	session.mu.Lock()
	session.failUserChannel = errors.New("cannot send messages to this user")
	session.mu.Unlock()

	submitViaModal(t, bot, true, "second")
	assert.Equal(
		t,
		"✅ Your confession #2 has been sent and is waiting for review.\n"+dmClosedNotice,
		session.lastReply(t),
	)
	assert.Len(t, session.sentTo("dm-"+testMemberUserID), 1)

	c, err := getConfession(context.Background(), bot.db, testGuildID, 2)
	require.NoError(t, err, "closed DMs don't block submission")
	assert.Equal(t, ConfessionPending, c.Status)
}

func TestConfessionModalReviewChannelMissing(t *testing.T) {
	bot, session, _ := newTestBot(t)
	configureGuild(t, bot)
	session.failSend[testAdminChannelID] = errors.New("missing access")

	submitViaModal(t, bot, true, "still saved")
	assert.Contains(t, session.lastReply(t), "#1")

	total, err := countConfessions(context.Background(), bot.db, testGuildID, filterPending)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestConfessionModalValidation(t *testing.T) {
	bot, session, _ := newTestBot(t)

	submitViaModal(t, bot, true, "not configured yet")
	assert.Equal(t, userNotice(ErrNotConfigured), session.lastReply(t))

	configureGuild(t, bot)
	submitViaModal(t, bot, true, "   ")
	assert.Equal(t, userNotice(ErrInvalidInput), session.lastReply(t))

	dispatch(t, bot, modalInteraction(plainMember(), confessionModalPrefix+"other", confessionContentInputID, "x"))
	assert.Equal(t, userNotice(ErrInvalidInput), session.lastReply(t))
}

func TestApproveButton(t *testing.T) {
	bot, session, _ := newTestBot(t)
	configureGuild(t, bot)
	submitViaModal(t, bot, false, "hello world")

	approve := componentInteraction(adminMember(), "approve_1")
	approve.Message = &discordgo.Message{
		Embeds: []*discordgo.MessageEmbed{{Title: "📝 New confession #1"}},
	}
	dispatch(t, bot, approve)

	require.Len(t, session.forumPosts, 1)
	post := session.forumPosts[0]
	threadID := post.ChannelID
	assert.Equal(t, "hello world", post.Data.Content)
	assert.Equal(t, "Confession #1 • From @Member One", post.Data.Embeds[0].Footer.Text)

	edit := session.lastEdit(t)
	require.NotNil(t, edit.Embeds)
	assert.Equal(
		t,
		fmt.Sprintf("✅ Approved by <@%s> • <#%s>", testAdminUserID, threadID),
		reviewEmbedStatus(t, *edit.Embeds),
	)
	assert.Equal(t, "📝 New confession #1", (*edit.Embeds)[0].Title)
	require.NotNil(t, edit.Components)
	assert.Empty(t, *edit.Components, "buttons are removed once reviewed")

	c, err := getConfession(context.Background(), bot.db, testGuildID, 1)
	require.NoError(t, err)
	assert.Equal(t, ConfessionApproved, c.Status)
	assert.Equal(t, threadID, *c.ThreadID)

	dms := session.sentTo("dm-" + testMemberUserID)
	require.Len(t, dms, 2, "receipt and approval")
	assert.Contains(t, dms[1].Content, "#1 has been approved")

	var actions []ModerationAction
	require.NoError(t, bot.db.Find(&actions).Error)
	require.Len(t, actions, 1)
	assert.Equal(t, moderationApprove, actions[0].Action)
	assert.Equal(t, testAdminUserID, actions[0].ModeratorID)

	// a second click loses
	dispatch(t, bot, componentInteraction(adminMember(), "approve_1"))
	assert.Equal(t, userNotice(ErrAlreadyProcessed), session.lastReply(t))
	assert.Len(t, session.forumPosts, 1)
}

func TestApproveButtonForbidden(t *testing.T) {
	bot, session, _ := newTestBot(t)
	configureGuild(t, bot)
	submitViaModal(t, bot, true, "hello")

	dispatch(t, bot, componentInteraction(plainMember(), "approve_1"))
	assert.Equal(t, userNotice(ErrForbidden), session.lastReply(t))
	assert.Empty(t, session.forumPosts)
}

func TestApproveCommand(t *testing.T) {
	bot, session, _ := newTestBot(t)
	configureGuild(t, bot)
	submitViaModal(t, bot, true, strings.Repeat("long confession ", 200))

	dispatch(t, bot, commandInteraction(adminMember(), slashApprove, intOption(optionConfessionID, 1)))

	require.Len(t, session.forumPosts, 1)
	threadID := session.forumPosts[0].ChannelID
	assert.Equal(t, fmt.Sprintf("✅ Confession #1 approved: <#%s>", threadID), session.lastReply(t))

	thread := session.sentTo(threadID)
	require.Len(t, thread, 3, "follow-up chunk, credit, reply button")
	assert.Equal(t, "Confession #1 • Anonymous", thread[1].Embeds[0].Footer.Text)

	dispatch(t, bot, commandInteraction(adminMember(), slashApprove, intOption(optionConfessionID, 1)))
	assert.Equal(t, userNotice(ErrAlreadyProcessed), session.lastReply(t))

	dispatch(t, bot, commandInteraction(adminMember(), slashApprove, intOption(optionConfessionID, 99)))
	assert.Equal(t, userNotice(ErrNotFound), session.lastReply(t))

	dispatch(t, bot, commandInteraction(adminMember(), slashApprove))
	assert.Equal(t, "❌ Please give a valid confession number.", session.lastReply(t))
}

func TestApproveDestinationMissing(t *testing.T) {
	bot, session, _ := newTestBot(t)
	configureGuild(t, bot)
	submitViaModal(t, bot, true, "hello")
	delete(session.channels, testForumChannelID)

	dispatch(t, bot, commandInteraction(adminMember(), slashApprove, intOption(optionConfessionID, 1)))
	assert.Equal(t, userNotice(ErrDestinationMissing), session.lastReply(t))

	c, err := getConfession(context.Background(), bot.db, testGuildID, 1)
	require.NoError(t, err)
	assert.Equal(t, ConfessionPending, c.Status, "a failed publish leaves the confession pending")
}

func TestRejectButton(t *testing.T) {
	bot, session, _ := newTestBot(t)
	configureGuild(t, bot)
	submitViaModal(t, bot, true, "reject me")

	dispatch(t, bot, componentInteraction(adminMember(), "reject_1"))

	assert.Equal(t, discordgo.InteractionResponseDeferredMessageUpdate, session.lastResponse(t).Type)
	edit := session.lastEdit(t)
	require.NotNil(t, edit.Embeds)
	assert.Equal(t, fmt.Sprintf("❌ Rejected by <@%s>", testAdminUserID), reviewEmbedStatus(t, *edit.Embeds))
	assert.Equal(t, colorRejected, (*edit.Embeds)[0].Color)
	require.NotNil(t, edit.Components)
	assert.Empty(t, *edit.Components)

	_, err := getConfession(context.Background(), bot.db, testGuildID, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	dms := session.sentTo("dm-" + testMemberUserID)
	require.Len(t, dms, 2, "receipt and rejection")
	assert.Equal(t, "❌ Your confession #1 was not approved.", dms[1].Content)

	dispatch(t, bot, componentInteraction(adminMember(), "reject_1"))
	assert.Equal(t, userNotice(ErrNotFound), session.lastReply(t))
}

func TestRejectButtonDMFailure(t *testing.T) {
	bot, session, _ := newTestBot(t)
	configureGuild(t, bot)
	submitViaModal(t, bot, true, "reject me")
	session.failUserChannel = errors.New("cannot send messages to this user")

	dispatch(t, bot, componentInteraction(adminMember(), "reject_1"))
	assert.Equal(t, discordgo.InteractionResponseDeferredMessageUpdate, session.lastResponse(t).Type)
	edit := session.lastEdit(t)
	require.NotNil(t, edit.Embeds)
	assert.Equal(t, fmt.Sprintf("❌ Rejected by <@%s>", testAdminUserID), reviewEmbedStatus(t, *edit.Embeds))

	_, err := getConfession(context.Background(), bot.db, testGuildID, 1)
	assert.ErrorIs(t, err, ErrNotFound, "closed DMs don't block moderation")
}

func TestDeleteCommand(t *testing.T) {
	bot, session, _ := newTestBot(t)
	configureGuild(t, bot)
	submitViaModal(t, bot, true, "first")
	submitViaModal(t, bot, true, "second")
	dispatch(t, bot, commandInteraction(adminMember(), slashApprove, intOption(optionConfessionID, 1)))
	threadID := session.forumPosts[0].ChannelID

	dispatch(t, bot, commandInteraction(adminMember(), slashDelete, intOption(optionConfessionID, 1)))
	assert.Equal(t, "🗑️ Confession #1 deleted.", session.lastReply(t))
	assert.Equal(t, []string{threadID}, session.deletedChannels)

	dispatch(t, bot, commandInteraction(adminMember(), slashDelete, intOption(optionConfessionID, 1)))
	assert.Equal(t, userNotice(ErrNotFound), session.lastReply(t))

	dispatch(t, bot, commandInteraction(adminMember(), slashDelete, intOption(optionConfessionID, 2)))
	assert.Equal(t, "🗑️ Confession #2 deleted.", session.lastReply(t))
	assert.Len(t, session.deletedChannels, 1, "pending confessions have no thread")
}

func TestDeleteCommandThreadFailure(t *testing.T) {
	bot, session, _ := newTestBot(t)
	configureGuild(t, bot)
	submitViaModal(t, bot, true, "first")
	dispatch(t, bot, commandInteraction(adminMember(), slashApprove, intOption(optionConfessionID, 1)))
	session.failChannelDelete = errors.New("missing permissions")

	dispatch(t, bot, commandInteraction(adminMember(), slashDelete, intOption(optionConfessionID, 1)))
	reply := session.lastReply(t)
	assert.True(t, strings.HasPrefix(reply, "🗑️ Confession #1 deleted."), reply)
	assert.Contains(t, reply, "could not be deleted")

	_, err := getConfession(context.Background(), bot.db, testGuildID, 1)
	assert.ErrorIs(t, err, ErrNotFound, "the record is removed regardless")
}

func TestDetailCommand(t *testing.T) {
	bot, session, _ := newTestBot(t)
	configureGuild(t, bot)
	submitViaModal(t, bot, true, "full text here")

	dispatch(t, bot, commandInteraction(adminMember(), slashDetail, intOption(optionConfessionID, 1)))
	resp := session.lastResponse(t)
	require.Len(t, resp.Data.Embeds, 1)
	embed := resp.Data.Embeds[0]
	assert.Equal(t, "Confession #1", embed.Title)
	assert.Equal(t, "full text here", embed.Description)
	assert.Equal(t, "⏳ Pending", embed.Fields[0].Value)
	assert.Equal(t, "🔒 Anonymous", embed.Fields[2].Value)

	dispatch(t, bot, commandInteraction(adminMember(), slashDetail, intOption(optionConfessionID, 5)))
	assert.Equal(t, userNotice(ErrNotFound), session.lastReply(t))
}

func TestListCommandsAndPaging(t *testing.T) {
	bot, session, _ := newTestBot(t)
	configureGuild(t, bot)
	for i := 0; i < 7; i++ {
		submitViaModal(t, bot, i%2 == 0, fmt.Sprintf("confession %d", i+1))
	}

	dispatch(t, bot, commandInteraction(adminMember(), slashPending))
	resp := session.lastResponse(t)
	require.Len(t, resp.Data.Embeds, 1)
	assert.Equal(t, "Page 1/2 • Total: 7 confession(s)", resp.Data.Embeds[0].Footer.Text)
	assert.Len(t, resp.Data.Embeds[0].Fields, 5)
	btns := buttons(t, resp.Data.Components)
	assert.True(t, btns[0].Disabled)
	assert.False(t, btns[1].Disabled)

	dispatch(t, bot, componentInteraction(adminMember(), btns[1].CustomID))
	resp = session.lastResponse(t)
	assert.Equal(t, discordgo.InteractionResponseUpdateMessage, resp.Type)
	assert.Equal(t, "Page 2/2 • Total: 7 confession(s)", resp.Data.Embeds[0].Footer.Text)
	assert.Len(t, resp.Data.Embeds[0].Fields, 2)
	assert.True(t, buttons(t, resp.Data.Components)[1].Disabled)

	dispatch(t, bot, commandInteraction(adminMember(), slashApproved))
	resp = session.lastResponse(t)
	assert.Equal(t, filterApproved.emptyText(), resp.Data.Embeds[0].Description)

	dispatch(t, bot, componentInteraction(plainMember(), btns[1].CustomID))
	assert.Equal(t, userNotice(ErrForbidden), session.lastReply(t))
}

func TestAnonymousReplyFlow(t *testing.T) {
	bot, session, _ := newTestBot(t)
	configureGuild(t, bot)
	submitViaModal(t, bot, true, "reply to me")
	dispatch(t, bot, commandInteraction(adminMember(), slashApprove, intOption(optionConfessionID, 1)))
	threadID := session.forumPosts[0].ChannelID

	dispatch(t, bot, componentInteraction(plainMember(), "anonymous_reply_1"))
	resp := session.lastResponse(t)
	assert.Equal(t, discordgo.InteractionResponseModal, resp.Type)
	assert.Equal(t, "reply_modal_1", resp.Data.CustomID)

	dispatch(t, bot, modalInteraction(plainMember(), "reply_modal_1", replyContentInputID, "you're not alone"))
	assert.Equal(t, "✅ Your anonymous reply has been posted.", session.lastReply(t))

	msgs := session.sentTo(threadID)
	last := msgs[len(msgs)-1]
	assert.Equal(t, "**Anonymous reply to the author:**\nyou're not alone", last.Embeds[0].Description)
	assert.NotContains(t, last.Embeds[0].Description, testMemberUserID)

	dispatch(t, bot, modalInteraction(plainMember(), "reply_modal_7", replyContentInputID, "hi"))
	assert.Equal(t, userNotice(ErrNotFound), session.lastReply(t))
}

func TestInteractionFromBotIgnored(t *testing.T) {
	bot, session, _ := newTestBot(t)
	member := plainMember()
	member.User.Bot = true

	dispatch(t, bot, commandInteraction(member, slashPending))
	assert.Empty(t, session.responses)
}

func TestUnknownCommand(t *testing.T) {
	bot, session, _ := newTestBot(t)

	dispatch(t, bot, commandInteraction(plainMember(), "nope"))
	assert.Equal(t, userNotice(ErrInvalidInput), session.lastReply(t))

	dispatch(t, bot, componentInteraction(plainMember(), "mystery_button"))
	assert.Equal(t, userNotice(ErrInvalidInput), session.lastReply(t))
}
