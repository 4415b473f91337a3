package confessbot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	mebibyte = 1024 * 1024

	// relayDownloadConcurrency bounds parallel attachment downloads for a
	// single message
	relayDownloadConcurrency = 4

	// relayBurst and relayInterval mirror Discord's per-webhook bucket of
	// five requests every two seconds
	relayBurst    = 5
	relayInterval = 2 * time.Second

	fileUploadFailedText = "File could not be uploaded."
)

// relayTarget is where, and as whom, a channel's messages are relayed
type relayTarget struct {
	System       *CharacterSystem
	WebhookID    string
	WebhookToken string
	Legacy       bool
}

// relayMessage is the content to send through a character webhook
type relayMessage struct {
	ChannelID   string
	Content     string
	Attachments []*discordgo.MessageAttachment
}

// relayer re-posts messages through character webhooks
type relayer struct {
	session    DiscordSessionHandler
	db         DBI
	cache      characterCache
	httpClient *http.Client
	config     RelayConfig
	logger     *slog.Logger
	limiters   sync.Map
}

func newRelayer(
	session DiscordSessionHandler,
	db DBI,
	cache characterCache,
	httpClient *http.Client,
	config RelayConfig,
	logger *slog.Logger,
) *relayer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &relayer{
		session:    session,
		db:         db,
		cache:      cache,
		httpClient: httpClient,
		config:     config,
		logger:     logger.With(loggerNameKey, "relay"),
	}
}

// shouldRelay filters out messages the relay never touches: bots,
// webhooks (including our own relays), DMs and slash-like text
func shouldRelay(m *discordgo.Message) bool {
	switch {
	case m == nil || m.Author == nil:
		return false
	case m.Author.Bot || m.WebhookID != "":
		return false
	case m.GuildID == "":
		return false
	case strings.HasPrefix(m.Content, "/"):
		return false
	}
	return true
}

// handleMessage relays m if its channel is relay-enabled and a character
// applies, then deletes the original. Failures are reported in the
// channel, mentioning the author, and not retried.
func (r *relayer) handleMessage(ctx context.Context, m *discordgo.Message) {
	if !shouldRelay(m) {
		return
	}
	log := r.logger.With("channel_id", m.ChannelID, "message_id", m.ID)
	ctx = WithLogger(ctx, log)

	target, err := r.resolveTarget(ctx, m.GuildID, m.ChannelID)
	if err != nil {
		if !errors.Is(err, ErrNotConfigured) {
			log.ErrorContext(ctx, "error resolving relay target", tint.Err(err))
		}
		return
	}

	character, content, ok := target.System.SelectCharacter(m.Content)
	if !ok {
		return
	}
	if strings.TrimSpace(content) == "" && len(m.Attachments) == 0 {
		return
	}

	err = r.send(
		ctx, target, character, relayMessage{
			ChannelID:   m.ChannelID,
			Content:     content,
			Attachments: m.Attachments,
		},
	)
	if err != nil {
		log.WarnContext(ctx, "relay failed", tint.Err(err), "character", character.ID)
		r.reportFailure(ctx, m, err)
		return
	}

	if err = r.session.ChannelMessageDelete(m.ChannelID, m.ID, discordgo.WithContext(ctx)); err != nil {
		log.WarnContext(ctx, "relayed, but unable to delete original message", tint.Err(err))
		return
	}
	log.InfoContext(ctx, "relayed message", "character", character.ID, "attachments", len(m.Attachments))
}

// resolveTarget finds the webhook and character system for a channel.
// Relay-enabled channels use the guild's character system; channels with
// only a legacy idol/fan config use that config's two personas.
func (r *relayer) resolveTarget(ctx context.Context, guildID, channelID string) (*relayTarget, error) {
	pc, err := getPersonaChannel(ctx, r.db.DB(), channelID)
	if err == nil {
		system, sysErr := cachedCharacterSystem(ctx, r.cache, r.db.DB(), guildID)
		if sysErr != nil {
			return nil, sysErr
		}
		return &relayTarget{
			System:       system,
			WebhookID:    pc.WebhookID,
			WebhookToken: pc.WebhookToken,
		}, nil
	}
	if !errors.Is(err, ErrNotConfigured) {
		return nil, err
	}

	legacy, err := getLegacyChannelConfig(ctx, r.db.DB(), channelID)
	if err != nil {
		return nil, err
	}
	webhookID, webhookToken, err := parseWebhookURL(legacy.WebhookURL)
	if err != nil {
		return nil, err
	}
	return &relayTarget{
		System:       legacyCharacterSystem(*legacy, guildID),
		WebhookID:    webhookID,
		WebhookToken: webhookToken,
		Legacy:       true,
	}, nil
}

// enableChannel turns on relay for a channel, reusing the bot's webhook
// there if it already exists
func (r *relayer) enableChannel(ctx context.Context, guildID, channelID string) (*PersonaChannel, error) {
	if pc, err := getPersonaChannel(ctx, r.db.DB(), channelID); err == nil {
		return pc, nil
	} else if !errors.Is(err, ErrNotConfigured) {
		return nil, err
	}

	webhook, err := r.channelWebhook(ctx, channelID)
	if err != nil {
		return nil, err
	}
	pc := &PersonaChannel{
		ChannelID:    channelID,
		GuildID:      guildID,
		WebhookID:    webhook.ID,
		WebhookToken: webhook.Token,
	}
	if err = savePersonaChannel(ctx, r.db, pc); err != nil {
		return nil, err
	}
	return pc, nil
}

func (r *relayer) channelWebhook(ctx context.Context, channelID string) (*discordgo.Webhook, error) {
	webhooks, err := r.session.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, withNotice(
			fmt.Errorf("error listing channel webhooks: %w", err),
			"❌ Unable to read this channel's webhooks. Does the bot have **Manage Webhooks**?",
		)
	}
	for _, wh := range webhooks {
		if strings.Contains(wh.Name, characterWebhookName) && wh.Token != "" {
			return wh, nil
		}
	}
	wh, err := r.session.WebhookCreate(channelID, characterWebhookName, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, withNotice(
			fmt.Errorf("error creating webhook: %w", err),
			"❌ Unable to create a webhook here. Does the bot have **Manage Webhooks**?",
		)
	}
	return wh, nil
}

// limiter returns the channel's webhook rate limiter
func (r *relayer) limiter(channelID string) *rate.Limiter {
	l, _ := r.limiters.LoadOrStore(
		channelID,
		rate.NewLimiter(rate.Every(relayInterval/relayBurst), relayBurst),
	)
	return l.(*rate.Limiter)
}

// send posts msg through the target's webhook as character
func (r *relayer) send(
	ctx context.Context,
	target *relayTarget,
	character Character,
	msg relayMessage,
) error {
	files, totalBytes := r.downloadAttachments(ctx, msg.Attachments)

	content := msg.Content
	if len(msg.Attachments) > 0 && len(files) == 0 && strings.TrimSpace(content) == "" {
		content = fileUploadFailedText
	}

	timeout := relayTimeout(r.config, len(files), totalBytes)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := r.limiter(msg.ChannelID).Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limited: %w", ErrDeliveryFailure, err)
	}

	loggerFrom(ctx).DebugContext(
		ctx,
		"sending webhook",
		"character", character.ID,
		"files", len(files),
		"bytes", totalBytes,
		"timeout", timeout,
	)
	_, err := r.session.WebhookExecute(
		target.WebhookID,
		target.WebhookToken,
		true,
		&discordgo.WebhookParams{
			Content:   content,
			Username:  character.Name,
			AvatarURL: character.Avatar,
			Files:     files,
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
			},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailure, err)
	}
	return nil
}

// relayTimeout scales the webhook timeout with the upload size:
// base + per-file + per-started-MiB, capped. Text-only sends use the
// flat text timeout.
func relayTimeout(cfg RelayConfig, files int, totalBytes int64) time.Duration {
	if files == 0 {
		return cfg.TextTimeout
	}
	mb := (totalBytes + mebibyte - 1) / mebibyte
	timeout := cfg.BaseTimeout +
		time.Duration(files)*cfg.PerFileTimeout +
		time.Duration(mb)*cfg.PerMBTimeout
	return min(timeout, cfg.MaxTimeout)
}

// selectAttachments applies the file caps to the declared sizes: files
// past MaxFiles are dropped, files over MaxFileSize are skipped, and
// once MaxTotalSize would be exceeded no further files are taken.
func selectAttachments(
	cfg RelayConfig,
	attachments []*discordgo.MessageAttachment,
	log *slog.Logger,
) []*discordgo.MessageAttachment {
	if len(attachments) > cfg.MaxFiles {
		log.Warn(
			"too many attachments, skipping the rest",
			"attachments", len(attachments),
			"max", cfg.MaxFiles,
		)
		attachments = attachments[:cfg.MaxFiles]
	}

	selected := make([]*discordgo.MessageAttachment, 0, len(attachments))
	total := 0
	for _, a := range attachments {
		if a.Size > cfg.MaxFileSize {
			log.Warn("attachment too large, skipping", "filename", a.Filename, "size", a.Size)
			continue
		}
		if total+a.Size > cfg.MaxTotalSize {
			log.Warn("total attachment size limit reached, skipping remaining files")
			break
		}
		total += a.Size
		selected = append(selected, a)
	}
	return selected
}

// downloadAttachments fetches the selected attachments concurrently.
// Failed downloads are logged and left out. Order is preserved.
func (r *relayer) downloadAttachments(
	ctx context.Context,
	attachments []*discordgo.MessageAttachment,
) ([]*discordgo.File, int64) {
	if len(attachments) == 0 {
		return nil, 0
	}
	log := loggerFrom(ctx)
	selected := selectAttachments(r.config, attachments, log)

	data := make([][]byte, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(relayDownloadConcurrency)
	for idx, a := range selected {
		g.Go(
			func() error {
				b, err := r.download(gctx, a.URL)
				if err != nil {
					log.WarnContext(gctx, "error downloading attachment", tint.Err(err), "filename", a.Filename)
					return nil
				}
				data[idx] = b
				return nil
			},
		)
	}
	_ = g.Wait()

	var files []*discordgo.File
	var total int64
	for idx, a := range selected {
		if data[idx] == nil {
			continue
		}
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		files = append(
			files, &discordgo.File{
				Name:        a.Filename,
				ContentType: contentType,
				Reader:      bytes.NewReader(data[idx]),
			},
		)
		total += int64(len(data[idx]))
	}
	return files, total
}

// download fetches url, refusing bodies larger than MaxFileSize
func (r *relayer) download(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, int64(r.config.MaxFileSize)+1))
	if err != nil {
		return nil, err
	}
	if len(b) > r.config.MaxFileSize {
		return nil, fmt.Errorf("attachment exceeds %d bytes", r.config.MaxFileSize)
	}
	return b, nil
}

// reportFailure replies to the original message so its author knows it
// wasn't relayed
func (r *relayer) reportFailure(ctx context.Context, m *discordgo.Message, relayErr error) {
	reason := relayErr.Error()
	if errors.Is(relayErr, context.DeadlineExceeded) {
		reason = "the upload timed out, try fewer or smaller files"
	}
	_, err := r.session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Content: fmt.Sprintf("⚠️ <@%s>, could not relay your message: %s", m.Author.ID, truncate(reason, 1500)),
			Reference: &discordgo.MessageReference{
				MessageID:       m.ID,
				ChannelID:       m.ChannelID,
				GuildID:         m.GuildID,
				FailIfNotExists: ptr(false),
			},
			AllowedMentions: &discordgo.MessageAllowedMentions{Users: []string{m.Author.ID}},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		loggerFrom(ctx).ErrorContext(ctx, "unable to report relay failure", tint.Err(err))
	}
}
