package confessbot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"strings"
)

const (
	confessionThreadNameFormat = "Confession #%d"

	// threadAutoArchiveMinutes is one week, the longest Discord allows
	threadAutoArchiveMinutes = 10080

	anonymousReplyPrefix = "anonymous_reply_"
	replyModalPrefix     = "reply_modal_"
	replyContentInputID  = "reply_content"
	maxReplyLength       = 2000

	colorCredit = 0x2b2d31
	colorReply  = 0x36393f
)

// noMentions keeps user-supplied text from pinging anyone
func noMentions() *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}
}

// creditEmbed is the footer identifying a published confession. The
// author is only named for non-anonymous confessions.
func creditEmbed(c *Confession, authorName string) *discordgo.MessageEmbed {
	text := fmt.Sprintf("Confession #%d • Anonymous", c.ConfessionID)
	if !c.Anonymous {
		text = fmt.Sprintf("Confession #%d • From @%s", c.ConfessionID, authorName)
	}
	return &discordgo.MessageEmbed{
		Color:  colorCredit,
		Footer: &discordgo.MessageEmbedFooter{Text: text},
	}
}

// confessionThreadMessages lays out a confession as the messages of its
// thread: the starter message, then any follow-ups in order. Short
// confessions get the credit on the starter message, long ones get it
// as a final separate message.
func confessionThreadMessages(
	c *Confession,
	authorName string,
) (*discordgo.MessageSend, []*discordgo.MessageSend) {
	parts := splitConfession(c.Content)
	credit := creditEmbed(c, authorName)

	if parts.Single {
		return &discordgo.MessageSend{
			Content:         parts.First,
			Embeds:          []*discordgo.MessageEmbed{credit},
			AllowedMentions: noMentions(),
		}, nil
	}

	first := &discordgo.MessageSend{
		Content:         parts.First,
		AllowedMentions: noMentions(),
	}
	rest := make([]*discordgo.MessageSend, 0, len(parts.FollowUps)+1)
	for _, chunk := range parts.FollowUps {
		rest = append(
			rest, &discordgo.MessageSend{
				Content:         chunk,
				AllowedMentions: noMentions(),
			},
		)
	}
	rest = append(rest, &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{credit}})
	return first, rest
}

func anonymousReplyComponents(confessionID int) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "💬 Anonymous reply",
					Style:    discordgo.SecondaryButton,
					CustomID: fmt.Sprintf("%s%d", anonymousReplyPrefix, confessionID),
				},
			},
		},
	}
}

// startThread creates a thread in the destination channel with data as
// its first message. Forum channels get a post; text and
// announcement channels get a message with a thread started from it.
func startThread(
	ctx context.Context,
	session DiscordSessionHandler,
	destinationID string,
	name string,
	data *discordgo.MessageSend,
) (*discordgo.Channel, error) {
	ch, err := session.Channel(destinationID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: channel %s: %w", ErrDestinationMissing, destinationID, err)
	}

	threadStart := &discordgo.ThreadStart{
		Name:                truncate(name, 100),
		AutoArchiveDuration: threadAutoArchiveMinutes,
	}

	switch ch.Type {
	case discordgo.ChannelTypeGuildForum:
		return session.ForumThreadStartComplex(ch.ID, threadStart, data, discordgo.WithContext(ctx))
	case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews:
		msg, err := session.ChannelMessageSendComplex(ch.ID, data, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("error sending thread starter message: %w", err)
		}
		thread, err := session.MessageThreadStartComplex(ch.ID, msg.ID, threadStart, discordgo.WithContext(ctx))
		if err != nil {
			if delErr := session.ChannelMessageDelete(ch.ID, msg.ID, discordgo.WithContext(ctx)); delErr != nil {
				loggerFrom(ctx).WarnContext(
					ctx,
					"unable to delete thread starter message",
					tint.Err(delErr),
					"message_id", msg.ID,
				)
			}
			return nil, fmt.Errorf("error starting thread: %w", err)
		}
		return thread, nil
	default:
		return nil, fmt.Errorf(
			"%w: channel %s can't hold threads (type %d)",
			ErrDestinationMissing,
			destinationID,
			ch.Type,
		)
	}
}

// publishConfession creates the confession's thread in the forum, posts
// any follow-up chunks and the credit, then the anonymous reply button.
// If anything after the thread's creation fails, the thread is deleted
// so a retry doesn't leave a partial copy behind. The confession record
// itself is never touched here.
func publishConfession(
	ctx context.Context,
	session DiscordSessionHandler,
	forumChannelID string,
	c *Confession,
	authorName string,
) (*discordgo.Channel, error) {
	first, rest := confessionThreadMessages(c, authorName)
	thread, err := startThread(
		ctx,
		session,
		forumChannelID,
		fmt.Sprintf(confessionThreadNameFormat, c.ConfessionID),
		first,
	)
	if err != nil {
		return nil, err
	}

	rest = append(rest, &discordgo.MessageSend{Components: anonymousReplyComponents(c.ConfessionID)})
	for _, m := range rest {
		if _, err = session.ChannelMessageSendComplex(thread.ID, m, discordgo.WithContext(ctx)); err != nil {
			deleteThread(ctx, session, thread.ID)
			return nil, fmt.Errorf("%w: error posting to thread: %w", ErrDeliveryFailure, err)
		}
	}
	return thread, nil
}

// deleteThread removes a thread, logging (not returning) failures
func deleteThread(ctx context.Context, session DiscordSessionHandler, threadID string) bool {
	if _, err := session.ChannelDelete(threadID, discordgo.WithContext(ctx)); err != nil {
		loggerFrom(ctx).WarnContext(ctx, "unable to delete thread", tint.Err(err), "thread_id", threadID)
		return false
	}
	return true
}

// relayAnonymousReply posts content into an approved confession's
// thread without any trace of who wrote it
func relayAnonymousReply(
	ctx context.Context,
	db *gorm.DB,
	session DiscordSessionHandler,
	guildID string,
	confessionID int,
	content string,
) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("%w: empty reply", ErrInvalidInput)
	}
	if runeLen(content) > maxReplyLength {
		return fmt.Errorf("%w: reply exceeds %d characters", ErrInvalidInput, maxReplyLength)
	}

	c, err := getConfession(ctx, db, guildID, confessionID)
	if err != nil {
		return err
	}
	if c.Status != ConfessionApproved || c.ThreadID == nil {
		return fmt.Errorf("confession #%d has no thread: %w", confessionID, ErrNotFound)
	}

	_, err = session.ChannelMessageSendComplex(
		*c.ThreadID,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{
				{
					Description: "**Anonymous reply to the author:**\n" + content,
					Color:       colorReply,
				},
			},
			AllowedMentions: noMentions(),
		},
		discordgo.WithContext(ctx),
	)
	switch {
	case err == nil:
		return nil
	case isDiscordNotFound(err):
		return fmt.Errorf("thread for confession #%d: %w", confessionID, ErrNotFound)
	default:
		return fmt.Errorf("%w: error posting reply: %w", ErrDeliveryFailure, err)
	}
}
