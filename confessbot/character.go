package confessbot

import (
	"context"
	"errors"
	"fmt"
	"golang.org/x/text/unicode/norm"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// characterWebhookName is the name of the webhook the bot creates
	// (or reuses) in relay channels
	characterWebhookName = "character_webhook"

	// legacyFanPrefix selects the fan persona in two-persona channels
	legacyFanPrefix = "!fan "

	// defaultCharacterSlug is used when a name has no usable characters
	defaultCharacterSlug = "character"

	maxCharacterNameLength = 80

	columnChannelID = "channel_id"
)

// Character is a named identity messages can be relayed as
type Character struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Avatar      string `json:"avatar"`
	Description string `json:"description,omitempty"`

	// Prefix, when set, selects this character instead of the default for
	// messages that start with it. The prefix is stripped before relaying.
	Prefix string `json:"prefix,omitempty"`
}

// CharacterSystem is a guild's list of characters and its default
type CharacterSystem struct {
	ModelUintID
	ModelUnixTime

	GuildID            string                         `gorm:"not null;uniqueIndex" json:"guild_id"`
	Characters         datatypes.JSONSlice[Character] `json:"characters"`
	DefaultCharacterID *string                        `json:"default_character_id,omitempty"`
}

// PersonaChannel enables relay in a channel, through the given webhook
type PersonaChannel struct {
	ModelUintID
	ModelUnixTime

	ChannelID    string `gorm:"not null;uniqueIndex" json:"channel_id"`
	GuildID      string `gorm:"not null;index" json:"guild_id"`
	WebhookID    string `gorm:"not null" json:"webhook_id"`
	WebhookToken string `gorm:"not null" json:"-" log:"[redacted]"`
}

// LegacyChannelConfig is the older two-persona (idol/fan) channel
// configuration. It's only read: MigrateLegacyPersonas converts these
// rows into a CharacterSystem and PersonaChannel.
type LegacyChannelConfig struct {
	ModelUintID
	ModelUnixTime

	ChannelID  string `gorm:"not null;uniqueIndex" json:"channel_id"`
	WebhookURL string `gorm:"not null" json:"-" log:"[redacted]"`
	IdolName   string `json:"idol_name"`
	IdolAvatar string `json:"idol_avatar"`
	FanName    string `json:"fan_name"`
	FanAvatar  string `json:"fan_avatar"`
}

func (LegacyChannelConfig) TableName() string {
	return "channel_configs"
}

// characterSlug derives a character ID from its name: lower-case,
// accents removed, anything other than ASCII letters, digits and spaces
// dropped, and whitespace runs replaced with underscores.
func characterSlug(name string) string {
	var b strings.Builder
	for _, r := range norm.NFD.String(strings.ToLower(name)) {
		switch {
		case unicode.Is(unicode.Mn, r):
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), "_")
}

// Character returns the character with the given ID
func (s *CharacterSystem) Character(id string) (Character, bool) {
	for _, c := range s.Characters {
		if c.ID == id {
			return c, true
		}
	}
	return Character{}, false
}

// Default returns the default character, if one is set and still exists
func (s *CharacterSystem) Default() (Character, bool) {
	if s.DefaultCharacterID == nil {
		return Character{}, false
	}
	return s.Character(*s.DefaultCharacterID)
}

// uniqueSlug returns the slug for name, suffixed with _1, _2, ... until
// it doesn't collide with an existing character
func (s *CharacterSystem) uniqueSlug(name string) string {
	base := characterSlug(name)
	if base == "" {
		base = defaultCharacterSlug
	}
	id := base
	for n := 1; ; n++ {
		if _, exists := s.Character(id); !exists {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}
}

// AddCharacter appends a character with a generated ID and returns it
func (s *CharacterSystem) AddCharacter(name, avatar, prefix string) (Character, error) {
	name = strings.TrimSpace(name)
	avatar = strings.TrimSpace(avatar)
	switch {
	case name == "" || avatar == "":
		return Character{}, fmt.Errorf("%w: name and avatar are required", ErrInvalidInput)
	case runeLen(name) > maxCharacterNameLength:
		return Character{}, fmt.Errorf(
			"%w: name must be at most %d characters",
			ErrInvalidInput,
			maxCharacterNameLength,
		)
	}
	if err := validateAvatarURL(avatar); err != nil {
		return Character{}, err
	}
	if prefix != "" {
		for _, c := range s.Characters {
			if c.Prefix == prefix {
				return Character{}, fmt.Errorf(
					"%w: prefix %q is already used by %s",
					ErrInvalidInput,
					prefix,
					c.Name,
				)
			}
		}
	}

	c := Character{
		ID:     s.uniqueSlug(name),
		Name:   name,
		Avatar: avatar,
		Prefix: prefix,
	}
	s.Characters = append(s.Characters, c)
	return c, nil
}

// RemoveCharacter removes the character with the given ID, clearing the
// default if it pointed at it
func (s *CharacterSystem) RemoveCharacter(id string) (Character, error) {
	for i, c := range s.Characters {
		if c.ID != id {
			continue
		}
		s.Characters = append(s.Characters[:i:i], s.Characters[i+1:]...)
		if s.DefaultCharacterID != nil && *s.DefaultCharacterID == id {
			s.DefaultCharacterID = nil
		}
		return c, nil
	}
	return Character{}, fmt.Errorf("character %q: %w", id, ErrNotFound)
}

// SetDefault makes the character with the given ID the default
func (s *CharacterSystem) SetDefault(id string) (Character, error) {
	c, ok := s.Character(id)
	if !ok {
		return Character{}, fmt.Errorf("character %q: %w", id, ErrNotFound)
	}
	s.DefaultCharacterID = ptr(id)
	return c, nil
}

// SelectCharacter picks the character a message should be relayed as,
// and returns the content with any matched prefix removed. Prefixed
// characters win over the default.
func (s *CharacterSystem) SelectCharacter(content string) (Character, string, bool) {
	for _, c := range s.Characters {
		if rest, ok := matchPrefix(content, c.Prefix); ok {
			return c, rest, true
		}
	}
	if c, ok := s.Default(); ok {
		return c, content, true
	}
	return Character{}, content, false
}

func validateAvatarURL(s string) error {
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%w: avatar must be an http(s) URL", ErrInvalidInput)
	}
	return nil
}

// getGuildCharacterSystem returns the guild-scoped character system, or
// ErrNotConfigured
func getGuildCharacterSystem(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
) (*CharacterSystem, error) {
	var s CharacterSystem
	err := db.WithContext(ctx).Where(columnGuildID+" = ?", guildID).Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("character system for guild %s: %w", guildID, ErrNotConfigured)
	}
	if err != nil {
		return nil, fmt.Errorf("error getting character system: %w", err)
	}
	return &s, nil
}

// getCharacterSystem prefers the guild's character system, and falls
// back to a channel's not-yet-migrated idol/fan config, converted to a
// read-only system. The fallback goes away once MigrateLegacyPersonas
// has run.
func getCharacterSystem(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	channelID string,
) (system *CharacterSystem, legacy bool, err error) {
	system, err = getGuildCharacterSystem(ctx, db, guildID)
	if err == nil || !errors.Is(err, ErrNotConfigured) {
		return system, false, err
	}

	cfg, legacyErr := getLegacyChannelConfig(ctx, db, channelID)
	if legacyErr != nil {
		if errors.Is(legacyErr, ErrNotConfigured) {
			return nil, false, err
		}
		return nil, false, legacyErr
	}
	return legacyCharacterSystem(*cfg, guildID), true, nil
}

// ensureCharacterSystem returns the guild's character system, creating
// an empty one if needed
func ensureCharacterSystem(
	ctx context.Context,
	db DBI,
	guildID string,
) (*CharacterSystem, error) {
	s := &CharacterSystem{GuildID: guildID, Characters: datatypes.JSONSlice[Character]{}}
	err := db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(s).Error
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating character system: %w", err)
	}
	return getGuildCharacterSystem(ctx, db.DB(), guildID)
}

// saveCharacterSystem writes the character list and default back
func saveCharacterSystem(ctx context.Context, db DBI, s *CharacterSystem) error {
	if s.ID == 0 {
		return fmt.Errorf("%w: character system was never saved", ErrInvalidInput)
	}
	_, err := db.UpdatesWhere(
		ctx,
		&CharacterSystem{},
		map[string]any{
			"characters":           s.Characters,
			"default_character_id": s.DefaultCharacterID,
		},
		"id = ?",
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("error saving character system: %w", err)
	}
	return nil
}

// getPersonaChannel returns the relay config for the channel, or
// ErrNotConfigured
func getPersonaChannel(ctx context.Context, db *gorm.DB, channelID string) (*PersonaChannel, error) {
	var pc PersonaChannel
	err := db.WithContext(ctx).Where(columnChannelID+" = ?", channelID).Take(&pc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("channel %s: %w", channelID, ErrNotConfigured)
	}
	if err != nil {
		return nil, fmt.Errorf("error getting persona channel: %w", err)
	}
	return &pc, nil
}

// savePersonaChannel inserts or replaces the channel's relay config
func savePersonaChannel(ctx context.Context, db DBI, pc *PersonaChannel) error {
	return db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: columnChannelID}},
					DoUpdates: clause.AssignmentColumns(
						[]string{columnGuildID, "webhook_id", "webhook_token", "updated_at"},
					),
				},
			).Create(pc).Error
		},
	)
}

// deletePersonaChannel disables relay in the channel, along with any
// legacy config for it. Returns ErrNotConfigured if neither existed.
func deletePersonaChannel(ctx context.Context, db DBI, channelID string) error {
	var removed int64
	err := db.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Where(columnChannelID+" = ?", channelID).Delete(&PersonaChannel{})
			if rv.Error != nil {
				return rv.Error
			}
			removed += rv.RowsAffected
			rv = tx.Where(columnChannelID+" = ?", channelID).Delete(&LegacyChannelConfig{})
			removed += rv.RowsAffected
			return rv.Error
		},
	)
	if err != nil {
		return fmt.Errorf("error removing channel persona config: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("channel %s: %w", channelID, ErrNotConfigured)
	}
	return nil
}

func getLegacyChannelConfig(
	ctx context.Context,
	db *gorm.DB,
	channelID string,
) (*LegacyChannelConfig, error) {
	var cfg LegacyChannelConfig
	err := db.WithContext(ctx).Where(columnChannelID+" = ?", channelID).Take(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("legacy config for channel %s: %w", channelID, ErrNotConfigured)
	}
	if err != nil {
		return nil, fmt.Errorf("error getting legacy channel config: %w", err)
	}
	return &cfg, nil
}

// legacyCharacterSystem converts an idol/fan config: the idol is the
// default character, the fan is selected with the "!fan " prefix
func legacyCharacterSystem(cfg LegacyChannelConfig, guildID string) *CharacterSystem {
	s := &CharacterSystem{GuildID: guildID}
	mergeLegacyCharacters(s, cfg)
	return s
}

// matchPrefix reports whether content starts with prefix and returns
// the rest. Discord trims string options, so "!fan " may be stored as
// "!fan": a prefix ending in a letter or digit must be followed by a
// non-word rune, and whitespace after it is dropped.
func matchPrefix(content, prefix string) (string, bool) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return content, false
	}
	rest := content[len(prefix):]
	last, _ := utf8.DecodeLastRuneInString(prefix)
	if unicode.IsSpace(last) {
		return rest, true
	}
	next, _ := utf8.DecodeRuneInString(rest)
	if isWordRune(last) && rest != "" && isWordRune(next) {
		return content, false
	}
	return strings.TrimLeftFunc(rest, unicode.IsSpace), true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// assignPrefix gives prefix to the character with the given ID, taking
// it away from whichever character held it before
func (s *CharacterSystem) assignPrefix(id, prefix string) error {
	if _, ok := s.Character(id); !ok {
		return fmt.Errorf("character %q: %w", id, ErrNotFound)
	}
	for i := range s.Characters {
		switch {
		case s.Characters[i].ID == id:
			s.Characters[i].Prefix = prefix
		case s.Characters[i].Prefix == prefix:
			s.Characters[i].Prefix = ""
		}
	}
	return nil
}

// applyIdolSetup merges cfg into s for /idol-setup: the idol becomes the
// default and the fan takes over the "!fan " prefix, even when an
// earlier setup gave it to another character
func applyIdolSetup(s *CharacterSystem, cfg LegacyChannelConfig) error {
	mergeLegacyCharacters(s, cfg)
	var idolID, fanID string
	for _, c := range s.Characters {
		switch {
		case idolID == "" && c.Name == cfg.IdolName && c.Avatar == cfg.IdolAvatar:
			idolID = c.ID
		case fanID == "" && c.Name == cfg.FanName && c.Avatar == cfg.FanAvatar:
			fanID = c.ID
		}
	}
	if idolID == "" || fanID == "" {
		return fmt.Errorf("%w: idol and fan must be different characters", ErrInvalidInput)
	}
	s.DefaultCharacterID = ptr(idolID)
	return s.assignPrefix(fanID, legacyFanPrefix)
}

// mergeLegacyCharacters adds the config's idol and fan to s. The idol
// becomes the default if s has none. Characters already present with
// the same name and avatar are reused rather than duplicated.
func mergeLegacyCharacters(s *CharacterSystem, cfg LegacyChannelConfig) {
	find := func(name, avatar string) (Character, bool) {
		for _, c := range s.Characters {
			if c.Name == name && c.Avatar == avatar {
				return c, true
			}
		}
		return Character{}, false
	}

	if cfg.IdolName != "" {
		idol, ok := find(cfg.IdolName, cfg.IdolAvatar)
		if !ok {
			idol = Character{
				ID:     s.uniqueSlug(cfg.IdolName),
				Name:   cfg.IdolName,
				Avatar: cfg.IdolAvatar,
			}
			s.Characters = append(s.Characters, idol)
		}
		if _, hasDefault := s.Default(); !hasDefault {
			s.DefaultCharacterID = ptr(idol.ID)
		}
	}

	if cfg.FanName != "" {
		if _, ok := find(cfg.FanName, cfg.FanAvatar); ok {
			return
		}
		fan := Character{
			ID:     s.uniqueSlug(cfg.FanName),
			Name:   cfg.FanName,
			Avatar: cfg.FanAvatar,
		}
		prefixTaken := false
		for _, c := range s.Characters {
			if c.Prefix == legacyFanPrefix {
				prefixTaken = true
				break
			}
		}
		if !prefixTaken {
			fan.Prefix = legacyFanPrefix
		}
		s.Characters = append(s.Characters, fan)
	}
}

// parseWebhookURL extracts the ID and token from a webhook URL of the
// form https://discord.com/api/webhooks/{id}/{token}
func parseWebhookURL(rawURL string) (id string, token string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("%w: bad webhook URL: %w", ErrInvalidInput, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("%w: not a webhook URL", ErrInvalidInput)
}
