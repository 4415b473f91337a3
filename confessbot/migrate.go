package confessbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
)

// ChannelGuildResolver finds the guild a channel belongs to. Legacy
// persona configs were stored per channel, without a guild.
type ChannelGuildResolver interface {
	ChannelGuildID(ctx context.Context, channelID string) (string, error)
}

// sessionGuildResolver resolves channels through the Discord API
type sessionGuildResolver struct {
	session DiscordSessionHandler
}

func (r sessionGuildResolver) ChannelGuildID(ctx context.Context, channelID string) (string, error) {
	ch, err := r.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		if isDiscordNotFound(err) {
			return "", fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
		}
		return "", err
	}
	if ch.GuildID == "" {
		return "", fmt.Errorf("%w: channel %s isn't in a guild", ErrInvalidInput, channelID)
	}
	return ch.GuildID, nil
}

// MigrationResult summarizes a MigrateLegacyPersonas run
type MigrationResult struct {
	Migrated int `json:"migrated"`
	Skipped  int `json:"skipped"`
}

func (m MigrationResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("migrated", m.Migrated),
		slog.Int("skipped", m.Skipped),
	)
}

// MigrateLegacyPersonas converts every two-persona channel config into
// the guild's character system plus a relay-enabled channel, removing
// the legacy row in the same transaction. Rows whose channel or webhook
// can't be resolved are left in place and counted as skipped. Running it
// again after a successful run does nothing.
func MigrateLegacyPersonas(
	ctx context.Context,
	db DBI,
	resolver ChannelGuildResolver,
	logger *slog.Logger,
) (MigrationResult, error) {
	var result MigrationResult
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(loggerNameKey, "persona_migration")

	var configs []LegacyChannelConfig
	if err := db.DB().WithContext(ctx).Order("id").Find(&configs).Error; err != nil {
		return result, fmt.Errorf("error reading legacy channel configs: %w", err)
	}
	if len(configs) == 0 {
		logger.DebugContext(ctx, "no legacy persona configs to migrate")
		return result, nil
	}

	for _, cfg := range configs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		log := logger.With("channel_id", cfg.ChannelID)

		guildID, err := resolver.ChannelGuildID(ctx, cfg.ChannelID)
		if err != nil {
			log.WarnContext(ctx, "skipping legacy config, unable to resolve guild", tint.Err(err))
			result.Skipped++
			continue
		}

		err = migrateLegacyConfig(ctx, db, cfg, guildID)
		switch {
		case err == nil:
			log.InfoContext(ctx, "migrated legacy persona config", "guild_id", guildID)
			result.Migrated++
		case errors.Is(err, ErrInvalidInput):
			log.WarnContext(ctx, "skipping legacy config", tint.Err(err))
			result.Skipped++
		default:
			return result, fmt.Errorf("error migrating channel %s: %w", cfg.ChannelID, err)
		}
	}
	logger.InfoContext(ctx, "legacy persona migration finished", "result", result)
	return result, nil
}

func migrateLegacyConfig(
	ctx context.Context,
	db DBI,
	cfg LegacyChannelConfig,
	guildID string,
) error {
	webhookID, webhookToken, err := parseWebhookURL(cfg.WebhookURL)
	if err != nil {
		return err
	}

	return db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var system CharacterSystem
			err := tx.Where(columnGuildID+" = ?", guildID).Take(&system).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				system = CharacterSystem{GuildID: guildID}
			case err != nil:
				return err
			}

			mergeLegacyCharacters(&system, cfg)

			if system.ID == 0 {
				if err = tx.Create(&system).Error; err != nil {
					return err
				}
			} else {
				err = tx.Model(&CharacterSystem{}).
					Where("id = ?", system.ID).
					Updates(
						map[string]any{
							"characters":           system.Characters,
							"default_character_id": system.DefaultCharacterID,
						},
					).Error
				if err != nil {
					return err
				}
			}

			pc := &PersonaChannel{
				ChannelID:    cfg.ChannelID,
				GuildID:      guildID,
				WebhookID:    webhookID,
				WebhookToken: webhookToken,
			}
			err = tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: columnChannelID}},
					DoUpdates: clause.AssignmentColumns(
						[]string{columnGuildID, "webhook_id", "webhook_token", "updated_at"},
					),
				},
			).Create(pc).Error
			if err != nil {
				return err
			}

			return tx.Delete(&LegacyChannelConfig{}, cfg.ID).Error
		},
	)
}
