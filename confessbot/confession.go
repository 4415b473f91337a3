package confessbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"strings"
	"time"
)

const (
	// maxConfessionLength is the character limit enforced on the
	// submission modal and re-checked on submit
	maxConfessionLength = 4000

	// submitMaxAttempts bounds retries when two submissions in the same
	// guild race for the same confession number
	submitMaxAttempts = 3

	columnGuildID      = "guild_id"
	columnConfessionID = "confession_id"
	columnStatus       = "status"
	columnThreadID     = "thread_id"
)

type ConfessionStatus string

const (
	ConfessionPending  ConfessionStatus = "pending"
	ConfessionApproved ConfessionStatus = "approved"
)

// Glyph is the status icon shown in lists and detail views
func (s ConfessionStatus) Glyph() string {
	if s == ConfessionApproved {
		return "✅"
	}
	return "⏳"
}

// Confession is a user submission. Confessions are numbered per guild,
// created as pending, and either approved (with a published thread) or
// removed outright.
type Confession struct {
	ModelUintID
	ModelUnixTime

	GuildID      string           `gorm:"not null;uniqueIndex:idx_guild_confession,priority:1" json:"guild_id"`
	ConfessionID int              `gorm:"not null;uniqueIndex:idx_guild_confession,priority:2" json:"confession_id"`
	Content      string           `gorm:"not null" json:"content"`
	Anonymous    bool             `gorm:"not null;default:false" json:"anonymous"`
	UserID       string           `gorm:"not null;index" json:"user_id"`
	Timestamp    time.Time        `gorm:"not null" json:"timestamp"`
	Status       ConfessionStatus `gorm:"not null;default:pending;index" json:"status"`

	// ThreadID is set if and only if Status is approved
	ThreadID *string `json:"thread_id,omitempty"`
}

func (c Confession) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("confession_id", c.ConfessionID),
		slog.String("guild_id", c.GuildID),
		slog.String("status", string(c.Status)),
		slog.Bool("anonymous", c.Anonymous),
	)
}

// ModerationAction records an admin decision on a confession
type ModerationAction struct {
	ModelUintID
	ModelUnixTime

	GuildID      string `gorm:"not null;index" json:"guild_id"`
	ConfessionID int    `gorm:"not null" json:"confession_id"`
	Action       string `gorm:"not null" json:"action"`
	ModeratorID  string `gorm:"not null" json:"moderator_id"`
}

const (
	moderationApprove = "approve"
	moderationReject  = "reject"
	moderationDelete  = "delete"
)

// submitConfession stores a new pending confession, numbered one past
// the guild's current highest number. If another submission claims the
// same number first, the unique index rejects the insert and the number
// is recomputed.
func submitConfession(
	ctx context.Context,
	db DBI,
	guildID string,
	userID string,
	content string,
	anonymous bool,
) (*Confession, error) {
	content = strings.TrimSpace(content)
	switch {
	case guildID == "":
		return nil, fmt.Errorf("%w: confessions can only be sent in a server", ErrInvalidInput)
	case content == "":
		return nil, fmt.Errorf("%w: empty confession", ErrInvalidInput)
	case runeLen(content) > maxConfessionLength:
		return nil, fmt.Errorf(
			"%w: confession exceeds %d characters",
			ErrInvalidInput,
			maxConfessionLength,
		)
	}

	var lastErr error
	for attempt := 1; attempt <= submitMaxAttempts; attempt++ {
		next, err := nextConfessionID(ctx, db.DB(), guildID)
		if err != nil {
			return nil, err
		}
		c := &Confession{
			GuildID:      guildID,
			ConfessionID: next,
			Content:      content,
			Anonymous:    anonymous,
			UserID:       userID,
			Timestamp:    time.Now().UTC(),
			Status:       ConfessionPending,
		}
		if _, err = db.Create(ctx, c); err == nil {
			return c, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("error saving confession: %w", err)
		}
		loggerFrom(ctx).WarnContext(
			ctx,
			"confession number taken, retrying",
			"guild_id", guildID,
			"confession_id", next,
			"attempt", attempt,
		)
		lastErr = err
	}
	return nil, fmt.Errorf(
		"unable to assign a confession number after %d attempts: %w",
		submitMaxAttempts,
		lastErr,
	)
}

// nextConfessionID returns max(confession_id)+1 for the guild, or 1
func nextConfessionID(ctx context.Context, db *gorm.DB, guildID string) (int, error) {
	var maxID int
	err := db.WithContext(ctx).
		Model(&Confession{}).
		Where(columnGuildID+" = ?", guildID).
		Select("COALESCE(MAX(" + columnConfessionID + "), 0)").
		Scan(&maxID).Error
	if err != nil {
		return 0, fmt.Errorf("error reading last confession number: %w", err)
	}
	return maxID + 1, nil
}

// getConfession returns the guild's confession with the given number,
// or ErrNotFound.
func getConfession(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	confessionID int,
) (*Confession, error) {
	var c Confession
	err := db.WithContext(ctx).
		Where(columnGuildID+" = ? AND "+columnConfessionID+" = ?", guildID, confessionID).
		Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("confession #%d: %w", confessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error getting confession #%d: %w", confessionID, err)
	}
	return &c, nil
}

// claimForApproval checks that the confession exists and is pending
// before anything is published for it. It takes no lock: the conditional
// update in approveConfession is what decides a race.
func claimForApproval(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	confessionID int,
) (*Confession, error) {
	c, err := getConfession(ctx, db, guildID, confessionID)
	if err != nil {
		return nil, err
	}
	if c.Status != ConfessionPending {
		return c, fmt.Errorf("confession #%d: %w", confessionID, ErrAlreadyProcessed)
	}
	return c, nil
}

// approveConfession moves a pending confession to approved and records
// its thread, in a single conditional update. If no pending row matched,
// the error is ErrNotFound or ErrAlreadyProcessed.
func approveConfession(
	ctx context.Context,
	db DBI,
	guildID string,
	confessionID int,
	threadID string,
) error {
	if threadID == "" {
		return fmt.Errorf("%w: approving requires a thread", ErrInvalidInput)
	}
	rows, err := db.UpdatesWhere(
		ctx,
		&Confession{},
		map[string]any{
			columnStatus:   ConfessionApproved,
			columnThreadID: threadID,
		},
		pendingConfessionQuery,
		guildID, confessionID, ConfessionPending,
	)
	if err != nil {
		return fmt.Errorf("error approving confession #%d: %w", confessionID, err)
	}
	if rows == 0 {
		return notPendingError(ctx, db.DB(), guildID, confessionID)
	}
	return nil
}

// rejectConfession removes a pending confession and returns the removed
// record. There's no rejected state: a rejected confession is gone.
func rejectConfession(
	ctx context.Context,
	db DBI,
	guildID string,
	confessionID int,
) (*Confession, error) {
	c, err := claimForApproval(ctx, db.DB(), guildID, confessionID)
	if err != nil {
		return nil, err
	}
	rows, err := db.DeleteWhere(
		ctx,
		&Confession{},
		pendingConfessionQuery,
		guildID, confessionID, ConfessionPending,
	)
	if err != nil {
		return nil, fmt.Errorf("error rejecting confession #%d: %w", confessionID, err)
	}
	if rows == 0 {
		return nil, notPendingError(ctx, db.DB(), guildID, confessionID)
	}
	return c, nil
}

// deleteConfession removes a confession in any state, returning the
// removed record so the caller can clean up its thread.
func deleteConfession(
	ctx context.Context,
	db DBI,
	guildID string,
	confessionID int,
) (*Confession, error) {
	c, err := getConfession(ctx, db.DB(), guildID, confessionID)
	if err != nil {
		return nil, err
	}
	rows, err := db.DeleteWhere(
		ctx,
		&Confession{},
		columnGuildID+" = ? AND "+columnConfessionID+" = ?",
		guildID, confessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("error deleting confession #%d: %w", confessionID, err)
	}
	if rows == 0 {
		return nil, fmt.Errorf("confession #%d: %w", confessionID, ErrNotFound)
	}
	return c, nil
}

const pendingConfessionQuery = columnGuildID + " = ? AND " +
	columnConfessionID + " = ? AND " +
	columnStatus + " = ?"

// notPendingError explains why a conditional update on a pending
// confession matched nothing
func notPendingError(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	confessionID int,
) error {
	_, err := getConfession(ctx, db, guildID, confessionID)
	if err != nil {
		return err
	}
	return fmt.Errorf("confession #%d: %w", confessionID, ErrAlreadyProcessed)
}

// confessionQuery scopes a query to the guild and, optionally, a status
func confessionQuery(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	filter confessionFilter,
) *gorm.DB {
	q := db.WithContext(ctx).Model(&Confession{}).Where(columnGuildID+" = ?", guildID)
	if status, ok := filter.Status(); ok {
		q = q.Where(columnStatus+" = ?", status)
	}
	return q
}

func countConfessions(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	filter confessionFilter,
) (int64, error) {
	var total int64
	if err := confessionQuery(ctx, db, guildID, filter).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("error counting confessions: %w", err)
	}
	return total, nil
}

// listConfessions returns up to limit confessions after offset, ordered
// by confession number
func listConfessions(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	filter confessionFilter,
	offset int,
	limit int,
) ([]Confession, error) {
	var rv []Confession
	err := confessionQuery(ctx, db, guildID, filter).
		Order(columnConfessionID + " ASC").
		Offset(offset).
		Limit(limit).
		Find(&rv).Error
	if err != nil {
		return nil, fmt.Errorf("error listing confessions: %w", err)
	}
	return rv, nil
}

type guildPendingCount struct {
	GuildID string
	Total   int64
}

// countPendingByGuild returns the number of pending confessions for each
// guild that has any
func countPendingByGuild(ctx context.Context, db *gorm.DB) ([]guildPendingCount, error) {
	var rv []guildPendingCount
	err := db.WithContext(ctx).
		Model(&Confession{}).
		Select(columnGuildID+", COUNT(*) AS total").
		Where(columnStatus+" = ?", ConfessionPending).
		Group(columnGuildID).
		Order(columnGuildID).
		Scan(&rv).Error
	if err != nil {
		return nil, fmt.Errorf("error counting pending confessions: %w", err)
	}
	return rv, nil
}

// recordModeration writes an audit row. Failures are logged, never
// returned, so they can't affect the moderation result.
func recordModeration(
	ctx context.Context,
	db DBI,
	guildID string,
	confessionID int,
	action string,
	moderatorID string,
) {
	_, err := db.Create(
		ctx, &ModerationAction{
			GuildID:      guildID,
			ConfessionID: confessionID,
			Action:       action,
			ModeratorID:  moderatorID,
		},
	)
	if err != nil {
		loggerFrom(ctx).WarnContext(
			ctx,
			"error recording moderation action",
			tint.Err(err),
			"action", action,
			"confession_id", confessionID,
		)
	}
}
