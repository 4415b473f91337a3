package confessbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"slices"
	"testing"
)

func TestCommandRegistry(t *testing.T) {
	t.Parallel()
	b := &Bot{}
	b.commands = b.newCommandRegistry()

	commands := b.applicationCommands()
	names := make([]string, 0, len(commands))
	for _, c := range commands {
		names = append(names, c.Name)
		assert.NotEmpty(t, c.Description, c.Name)
		assert.LessOrEqual(t, len(c.Name), 32, c.Name)
		assert.LessOrEqual(t, len(c.Description), 100, c.Name)
		require.NotNil(t, c.Contexts, c.Name)
		assert.Equal(t, []discordgo.InteractionContextType{discordgo.InteractionContextGuild}, *c.Contexts)
	}
	assert.True(t, slices.IsSorted(names))
	assert.Equal(
		t,
		[]string{
			"all",
			"approve",
			"approved",
			"character-config",
			"character-manage",
			"config",
			"create-guide",
			"delete",
			"detail",
			"idol-config",
			"idol-remove",
			"idol-setup",
			"pending",
			"send",
			"setup",
		},
		names,
	)

	for name, cmd := range b.commands {
		assert.Equal(t, name, cmd.definition.Name)
		assert.NotNil(t, cmd.handler, name)
	}
	assert.NotNil(t, b.commands[slashSend].autocomplete)
	assert.Equal(t, accessAdministrator, b.commands[slashSetup].access)
	assert.Equal(t, accessAdminRole, b.commands[slashApprove].access)
	assert.Equal(t, accessManageChannels, b.commands[slashCharacterManage].access)
	assert.Equal(t, accessAnyone, b.commands[slashSend].access)
}

func TestMatchRoute(t *testing.T) {
	t.Parallel()
	b := &Bot{}
	routes := b.newComponentRoutes()

	tests := map[string]string{
		"approve_12":                  approvePrefix,
		"reject_3":                    rejectPrefix,
		"anonymous_reply_9":           anonymousReplyPrefix,
		"send_named":                  sendNamedCustomID,
		"send_anonymous":              sendAnonymousCustomID,
		"page_next_pending_1_1700000": pageCustomIDPrefix,
	}
	for customID, prefix := range tests {
		r, ok := matchRoute(routes, customID)
		require.True(t, ok, customID)
		assert.Equal(t, prefix, r.prefix)
	}

	_, ok := matchRoute(routes, "something_else")
	assert.False(t, ok)

	modal, ok := matchRoute(b.newModalRoutes(), confessionModalAnonymous)
	require.True(t, ok)
	assert.Equal(t, confessionModalPrefix, modal.prefix)
}

func TestCustomIDNumber(t *testing.T) {
	t.Parallel()

	n, err := customIDNumber("approve_42", approvePrefix)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	for _, id := range []string{"approve_", "approve_0", "approve_-1", "approve_x", "reject_1"} {
		_, err = customIDNumber(id, approvePrefix)
		assert.ErrorIs(t, err, ErrInvalidInput, id)
	}
}

func TestMemberHasPermission(t *testing.T) {
	t.Parallel()

	assert.False(t, memberHasPermission(nil, discordgo.PermissionManageChannels))
	assert.False(t, memberHasPermission(plainMember(), discordgo.PermissionManageChannels))
	assert.True(t, memberHasPermission(adminMember(), discordgo.PermissionManageChannels))
	assert.False(t, memberHasPermission(adminMember(), discordgo.PermissionAdministrator))

	owner := testMember(testAdminUserID, discordgo.PermissionAdministrator)
	assert.True(t, memberHasPermission(owner, discordgo.PermissionManageChannels))
	assert.True(t, memberHasPermission(owner, discordgo.PermissionAdministrator))
}

func TestAuthorize(t *testing.T) {
	t.Parallel()
	db := newTestWriteDB(t)
	ctx := context.Background()
	b := &Bot{db: db.DB()}

	handler := func(member *discordgo.Member) *interactionHandler {
		return newInteractionHandler(
			b,
			newMockDiscordSession(),
			commandInteraction(member, slashPending),
			discardLogger(),
		)
	}

	assert.NoError(t, b.authorize(ctx, handler(plainMember()), accessAnyone))

	assert.ErrorIs(t, b.authorize(ctx, handler(adminMember()), accessAdminRole), ErrNotConfigured)

	require.NoError(
		t,
		saveGuildSettings(
			ctx, db, &GuildSettings{
				GuildID:        testGuildID,
				ForumChannelID: testForumChannelID,
				AdminChannelID: testAdminChannelID,
				AdminRoleID:    testAdminRoleID,
			},
		),
	)

	h := handler(adminMember())
	require.NoError(t, b.authorize(ctx, h, accessAdminRole))
	require.NotNil(t, h.settings)
	assert.Equal(t, testForumChannelID, h.settings.ForumChannelID)

	// the administrator permission doesn't stand in for the admin role
	owner := testMember(testAdminUserID, discordgo.PermissionAdministrator)
	assert.ErrorIs(t, b.authorize(ctx, handler(owner), accessAdminRole), ErrForbidden)
	assert.ErrorIs(t, b.authorize(ctx, handler(plainMember()), accessAdminRole), ErrForbidden)

	assert.NoError(t, b.authorize(ctx, handler(adminMember()), accessManageChannels))
	assert.ErrorIs(t, b.authorize(ctx, handler(plainMember()), accessManageChannels), ErrForbidden)

	assert.NoError(t, b.authorize(ctx, handler(owner), accessAdministrator))
	assert.ErrorIs(t, b.authorize(ctx, handler(adminMember()), accessAdministrator), ErrForbidden)

	assert.Error(t, b.authorize(ctx, handler(owner), accessLevel(99)))
}

func TestInteractionReplyStates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run(
		"immediate", func(t *testing.T) {
			t.Parallel()
			session := newMockDiscordSession()
			h := newInteractionHandler(nil, session, commandInteraction(plainMember(), slashSend), discardLogger())

			require.NoError(t, h.replyEphemeral(ctx, "first"))
			require.NoError(t, h.replyEphemeral(ctx, "second"))

			require.Len(t, session.responses, 1)
			resp := session.responses[0]
			assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
			assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
			require.Len(t, session.followups, 1)
			assert.Equal(t, "second", session.followups[0].Content)
			assert.Equal(t, []string{"first", "second"}, session.replies)
		},
	)

	t.Run(
		"deferred", func(t *testing.T) {
			t.Parallel()
			session := newMockDiscordSession()
			h := newInteractionHandler(nil, session, commandInteraction(plainMember(), slashSend), discardLogger())

			require.NoError(t, h.deferEphemeral(ctx))
			assert.Error(t, h.deferEphemeral(ctx), "an interaction can only be acknowledged once")

			require.NoError(t, h.replyEphemeral(ctx, "done"))
			require.NoError(t, h.replyEphemeral(ctx, "one more thing"))

			require.Len(t, session.responses, 1)
			assert.Equal(t, discordgo.InteractionResponseDeferredChannelMessageWithSource, session.responses[0].Type)
			require.Len(t, session.edits, 1)
			assert.Equal(t, "done", *session.edits[0].Content)
			require.Len(t, session.followups, 1)
			assert.Equal(t, "one more thing", session.followups[0].Content)
		},
	)

	t.Run(
		"update", func(t *testing.T) {
			t.Parallel()
			session := newMockDiscordSession()
			h := newInteractionHandler(nil, session, componentInteraction(adminMember(), "approve_1"), discardLogger())

			embeds := []*discordgo.MessageEmbed{{Title: "updated"}}
			require.NoError(t, h.updateMessage(ctx, embeds, nil))
			require.Len(t, session.responses, 1)
			assert.Equal(t, discordgo.InteractionResponseUpdateMessage, session.responses[0].Type)

			require.NoError(t, h.updateMessage(ctx, embeds, nil))
			require.Len(t, session.edits, 1)
			assert.Equal(t, "updated", (*session.edits[0].Embeds)[0].Title)
		},
	)

	t.Run(
		"deferred update", func(t *testing.T) {
			t.Parallel()
			session := newMockDiscordSession()
			h := newInteractionHandler(nil, session, componentInteraction(adminMember(), "approve_1"), discardLogger())

			require.NoError(
				t,
				h.Respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate}),
			)
			h.notifyError(ctx, ErrAlreadyProcessed)
			require.Len(t, session.followups, 1)
			assert.Equal(t, "❌ This confession has already been processed!", session.followups[0].Content)
		},
	)
}

func TestNoticeFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: fmt.Errorf("guild x: %w", ErrNotConfigured), want: "⚠️ This server hasn't been set up yet. An admin needs to run `/setup`."},
		{err: ErrForbidden, want: "⛔ You don't have permission to use this command."},
		{err: ErrNotFound, want: "❌ Not found."},
		{err: ErrAlreadyProcessed, want: "❌ This confession has already been processed!"},
		{err: ErrDestinationMissing, want: "❌ The configured channel could not be found. An admin should re-run `/setup`."},
		{err: ErrDeliveryFailure, want: "⚠️ The message could not be delivered."},
		{err: ErrInvalidInput, want: "❌ Invalid input."},
		{err: errors.New("boom"), want: genericErrorNotice},
		{
			err:  fmt.Errorf("outer: %w", withNotice(ErrNotFound, "❌ Character not found.")),
			want: "❌ Character not found.",
		},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, noticeFor(tc.err), "%v", tc.err)
	}

	wrapped := withNotice(ErrNotFound, "custom")
	assert.ErrorIs(t, wrapped, ErrNotFound)
	assert.Equal(t, ErrNotFound.Error(), wrapped.Error())
	assert.Equal(t, "custom", withNotice(nil, "custom").Error())
}

func TestIsAnonymousReply(t *testing.T) {
	t.Parallel()

	assert.True(t, isAnonymousReply(componentInteraction(plainMember(), "anonymous_reply_1")))
	assert.True(t, isAnonymousReply(modalInteraction(plainMember(), "reply_modal_1", replyContentInputID, "hi")))
	assert.False(t, isAnonymousReply(componentInteraction(plainMember(), "approve_1")))
	assert.False(t, isAnonymousReply(commandInteraction(plainMember(), slashSend)))
}

func TestIsDiscordNotFound(t *testing.T) {
	t.Parallel()
	assert.True(t, isDiscordNotFound(discordNotFound()))
	assert.True(t, isDiscordNotFound(fmt.Errorf("wrapped: %w", discordNotFound())))
	assert.False(t, isDiscordNotFound(errors.New("nope")))
	assert.False(t, isDiscordNotFound(nil))
}

func TestSendDirectMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	session := newMockDiscordSession()

	require.NoError(t, sendDirectMessage(ctx, session, testMemberUserID, "hello"))
	msgs := session.sentTo("dm-" + testMemberUserID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)

	session.failUserChannel = errors.New("dms closed")
	assert.ErrorIs(t, sendDirectMessage(ctx, session, testMemberUserID, "hello"), ErrDeliveryFailure)
	assert.False(t, notifyUser(ctx, session, testMemberUserID, "hello"))
}
