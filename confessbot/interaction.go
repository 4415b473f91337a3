package confessbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

type responseState int

const (
	responseNone responseState = iota
	responseSent
	responseDeferredReply
	responseDeferredReplyEdited
	responseDeferredUpdate
)

// interactionHandler carries one interaction through its handler, along
// with the session used to answer it. It tracks whether the interaction
// has been acknowledged, so replies go to the right place: the initial
// response, an edit of a deferred response, or a followup.
type interactionHandler struct {
	bot         *Bot
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger

	// settings is populated by the admin-role gate before the handler runs
	settings *GuildSettings

	mu    sync.Mutex
	state responseState
}

func newInteractionHandler(
	bot *Bot,
	session DiscordSessionHandler,
	i *discordgo.InteractionCreate,
	logger *slog.Logger,
) *interactionHandler {
	attrs := interactionLogAttrs(*i)
	if !isAnonymousReply(i) {
		attrs = append(attrs, userLogAttrs(getDiscordUser(i))...)
	}
	return &interactionHandler{
		bot:         bot,
		session:     session,
		interaction: i,
		logger:      logger.With(attrs...),
	}
}

// isAnonymousReply reports whether i is part of the anonymous reply
// flow, whose author must never be logged
func isAnonymousReply(i *discordgo.InteractionCreate) bool {
	switch i.Type {
	case discordgo.InteractionMessageComponent:
		return strings.HasPrefix(i.MessageComponentData().CustomID, anonymousReplyPrefix)
	case discordgo.InteractionModalSubmit:
		return strings.HasPrefix(i.ModalSubmitData().CustomID, replyModalPrefix)
	}
	return false
}

func (h *interactionHandler) guildID() string {
	return h.interaction.GuildID
}

func (h *interactionHandler) user() *discordgo.User {
	return getDiscordUser(h.interaction)
}

func (h *interactionHandler) userID() string {
	if u := h.user(); u != nil {
		return u.ID
	}
	return ""
}

// Respond sends the initial response to the interaction
func (h *interactionHandler) Respond(
	ctx context.Context,
	resp *discordgo.InteractionResponse,
) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.respond(ctx, resp)
}

func (h *interactionHandler) respond(
	ctx context.Context,
	resp *discordgo.InteractionResponse,
) error {
	if h.state != responseNone {
		return errors.New("interaction already acknowledged")
	}
	if err := h.session.InteractionRespond(
		h.interaction.Interaction,
		resp,
		discordgo.WithContext(ctx),
	); err != nil {
		return fmt.Errorf("error responding to interaction: %w", err)
	}
	switch resp.Type {
	case discordgo.InteractionResponseDeferredChannelMessageWithSource:
		h.state = responseDeferredReply
	case discordgo.InteractionResponseDeferredMessageUpdate:
		h.state = responseDeferredUpdate
	default:
		h.state = responseSent
	}
	return nil
}

// deferEphemeral acknowledges the interaction with a private "thinking"
// state, for handlers that do slow work before replying
func (h *interactionHandler) deferEphemeral(ctx context.Context) error {
	return h.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags: discordgo.MessageFlagsEphemeral,
			},
		},
	)
}

// replyEphemeral sends a private message to the invoking user, using
// whichever of respond/edit/followup fits the current state
func (h *interactionHandler) replyEphemeral(
	ctx context.Context,
	content string,
	embeds ...*discordgo.MessageEmbed,
) error {
	return h.reply(ctx, content, embeds, nil)
}

func (h *interactionHandler) reply(
	ctx context.Context,
	content string,
	embeds []*discordgo.MessageEmbed,
	components []discordgo.MessageComponent,
) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case responseNone:
		return h.respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content:    content,
					Embeds:     embeds,
					Components: components,
					Flags:      discordgo.MessageFlagsEphemeral,
				},
			},
		)
	case responseDeferredReply:
		edit := &discordgo.WebhookEdit{
			Content:    &content,
			Embeds:     &embeds,
			Components: &components,
		}
		if _, err := h.session.InteractionResponseEdit(
			h.interaction.Interaction,
			edit,
			discordgo.WithContext(ctx),
		); err != nil {
			return fmt.Errorf("error editing interaction response: %w", err)
		}
		h.state = responseDeferredReplyEdited
		return nil
	default:
		if _, err := h.session.FollowupMessageCreate(
			h.interaction.Interaction,
			true,
			&discordgo.WebhookParams{
				Content:    content,
				Embeds:     embeds,
				Components: components,
				Flags:      discordgo.MessageFlagsEphemeral,
			},
			discordgo.WithContext(ctx),
		); err != nil {
			return fmt.Errorf("error sending followup: %w", err)
		}
		return nil
	}
}

// updateMessage replaces the message a component is attached to
func (h *interactionHandler) updateMessage(
	ctx context.Context,
	embeds []*discordgo.MessageEmbed,
	components []discordgo.MessageComponent,
) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == responseNone {
		return h.respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseUpdateMessage,
				Data: &discordgo.InteractionResponseData{
					Embeds:     embeds,
					Components: components,
				},
			},
		)
	}
	if _, err := h.session.InteractionResponseEdit(
		h.interaction.Interaction,
		&discordgo.WebhookEdit{Embeds: &embeds, Components: &components},
		discordgo.WithContext(ctx),
	); err != nil {
		return fmt.Errorf("error editing interaction response: %w", err)
	}
	return nil
}

// notifyError logs err and tells the user what went wrong
func (h *interactionHandler) notifyError(ctx context.Context, err error) {
	switch {
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotConfigured),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyProcessed),
		errors.Is(err, ErrInvalidInput):
		h.logger.InfoContext(ctx, "interaction declined", "reason", err.Error())
	default:
		h.logger.ErrorContext(ctx, "interaction failed", tint.Err(err))
	}

	if replyErr := h.replyEphemeral(ctx, noticeFor(err)); replyErr != nil {
		h.logger.ErrorContext(ctx, "error sending error notice", tint.Err(replyErr))
	}
}

// isDiscordNotFound reports whether err is a 404 from the Discord API
func isDiscordNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}

// sendDirectMessage sends content to the user's DMs. Failures (usually
// closed DMs) are returned wrapped in ErrDeliveryFailure.
func sendDirectMessage(
	ctx context.Context,
	session DiscordSessionHandler,
	userID string,
	content string,
) error {
	ch, err := session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: error opening DM channel: %w", ErrDeliveryFailure, err)
	}
	_, err = session.ChannelMessageSendComplex(
		ch.ID,
		&discordgo.MessageSend{Content: content},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("%w: error sending DM: %w", ErrDeliveryFailure, err)
	}
	return nil
}

// notifyUser is sendDirectMessage for best-effort notices: failures are
// logged and otherwise ignored
func notifyUser(
	ctx context.Context,
	session DiscordSessionHandler,
	userID string,
	content string,
) bool {
	if err := sendDirectMessage(ctx, session, userID, content); err != nil {
		loggerFrom(ctx).WarnContext(ctx, "unable to DM user", tint.Err(err), "user_id", userID)
		return false
	}
	return true
}
