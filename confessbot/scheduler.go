package confessbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
	"log/slog"
)

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{tint.Err(err)}, keysAndValues...)...)
}

// newScheduler builds (without starting) the cron scheduler for the
// pending digest and the memory cache sweep. Jobs with an empty spec
// are skipped.
func (b *Bot) newScheduler(ctx context.Context) (*cron.Cron, error) {
	logger := b.logger.With(loggerNameKey, "scheduler")
	ctx = WithLogger(ctx, logger)
	cl := cronLogger{logger: logger}

	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	var errs []error
	if spec := b.config.Schedule.PendingDigest; spec != "" {
		_, err := c.AddFunc(
			spec, func() {
				sent, err := b.sendPendingDigest(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "pending digest finished with errors", tint.Err(err))
				}
				logger.InfoContext(ctx, "sent pending digest", "guilds", sent)
			},
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid schedule.pending_digest: %w", err))
		}
	}

	if mc, ok := b.cache.(*memoryCharacterCache); ok && b.config.Schedule.CacheSweep != "" {
		_, err := c.AddFunc(
			b.config.Schedule.CacheSweep, func() {
				if n := mc.sweep(); n > 0 {
					logger.DebugContext(ctx, "swept character cache", "removed", n)
				}
			},
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid schedule.cache_sweep: %w", err))
		}
	}

	return c, errors.Join(errs...)
}

func pendingDigestMessage(total int64) string {
	noun := "confession"
	if total != 1 {
		noun = "confessions"
	}
	return fmt.Sprintf(
		"⏳ **%d** %s waiting for review. Use `/%s` to see them.",
		total,
		noun,
		slashPending,
	)
}

// sendPendingDigest posts a pending-count reminder to the admin channel
// of every configured guild with pending confessions. It returns how
// many reminders were sent. A failure in one guild doesn't stop the
// others.
func (b *Bot) sendPendingDigest(ctx context.Context) (int, error) {
	counts, err := countPendingByGuild(ctx, b.db)
	if err != nil {
		return 0, err
	}

	sent := 0
	var errs []error
	for _, pc := range counts {
		settings, err := getGuildSettings(ctx, b.db, pc.GuildID)
		if err != nil {
			if !errors.Is(err, ErrNotConfigured) {
				errs = append(errs, err)
			}
			continue
		}
		_, err = b.session().ChannelMessageSendComplex(
			settings.AdminChannelID,
			&discordgo.MessageSend{
				Content:         pendingDigestMessage(pc.Total),
				AllowedMentions: noMentions(),
			},
			discordgo.WithContext(ctx),
		)
		if err != nil {
			errs = append(
				errs,
				fmt.Errorf("error sending digest to guild %s: %w", pc.GuildID, err),
			)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}
