package confessbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"slices"
)

// GuildSettings holds a guild's confession destinations and the role
// allowed to moderate them. Written by /setup.
type GuildSettings struct {
	ModelUintID
	ModelUnixTime

	GuildID        string `gorm:"not null;uniqueIndex" json:"guild_id"`
	ForumChannelID string `gorm:"not null" json:"forum_channel_id"`
	AdminChannelID string `gorm:"not null" json:"admin_channel_id"`
	AdminRoleID    string `gorm:"not null" json:"admin_role_id"`
}

// saveGuildSettings inserts or replaces the settings for s.GuildID
func saveGuildSettings(ctx context.Context, db DBI, s *GuildSettings) error {
	if s.GuildID == "" || s.ForumChannelID == "" || s.AdminChannelID == "" || s.AdminRoleID == "" {
		return fmt.Errorf("%w: guild, forum channel, admin channel and admin role are required", ErrInvalidInput)
	}
	return db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: columnGuildID}},
					DoUpdates: clause.AssignmentColumns(
						[]string{
							"forum_channel_id",
							"admin_channel_id",
							"admin_role_id",
							"updated_at",
						},
					),
				},
			).Create(s).Error
		},
	)
}

// getGuildSettings returns the guild's settings, or ErrNotConfigured
func getGuildSettings(ctx context.Context, db *gorm.DB, guildID string) (*GuildSettings, error) {
	if guildID == "" {
		return nil, ErrNotConfigured
	}
	var s GuildSettings
	err := db.WithContext(ctx).Where(columnGuildID+" = ?", guildID).Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("guild %s: %w", guildID, ErrNotConfigured)
	}
	if err != nil {
		return nil, fmt.Errorf("error getting guild settings: %w", err)
	}
	return &s, nil
}

// requireAdmin resolves the guild's settings and checks that the member
// holds the configured admin role.
func requireAdmin(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	member *discordgo.Member,
) (*GuildSettings, error) {
	settings, err := getGuildSettings(ctx, db, guildID)
	if err != nil {
		return nil, err
	}
	if !memberHasRole(member, settings.AdminRoleID) {
		return settings, ErrForbidden
	}
	return settings, nil
}

func memberHasRole(member *discordgo.Member, roleID string) bool {
	if member == nil || roleID == "" {
		return false
	}
	return slices.Contains(member.Roles, roleID)
}

// memberHasPermission reports whether the member's resolved permissions
// (as sent with the interaction) include perm. Administrator implies
// every permission.
func memberHasPermission(member *discordgo.Member, perm int64) bool {
	if member == nil {
		return false
	}
	if member.Permissions&discordgo.PermissionAdministrator != 0 {
		return true
	}
	return member.Permissions&perm == perm
}
