package confessbot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
	"strconv"
	"strings"
	"time"
)

const (
	confessionsPerPage = 5

	// summaryContentLength is how much of a confession's content is shown
	// in a list row
	summaryContentLength = 100

	pageCustomIDPrefix = "page_"

	colorPending  = 0xff9900
	colorApproved = 0x00ff00
	colorAll      = 0x0099ff
)

// confessionFilter selects which confessions a list shows
type confessionFilter string

const (
	filterPending  confessionFilter = "pending"
	filterApproved confessionFilter = "approved"
	filterAll      confessionFilter = "all"
)

func parseConfessionFilter(s string) (confessionFilter, error) {
	switch f := confessionFilter(s); f {
	case filterPending, filterApproved, filterAll:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown list filter %q", ErrInvalidInput, s)
	}
}

// Status returns the confession status the filter restricts to, if any
func (f confessionFilter) Status() (ConfessionStatus, bool) {
	switch f {
	case filterPending:
		return ConfessionPending, true
	case filterApproved:
		return ConfessionApproved, true
	default:
		return "", false
	}
}

func (f confessionFilter) title() string {
	switch f {
	case filterPending:
		return "📋 Pending Confessions"
	case filterApproved:
		return "✅ Approved Confessions"
	default:
		return "📜 All Confessions"
	}
}

func (f confessionFilter) emptyText() string {
	switch f {
	case filterPending:
		return "✅ No confessions are waiting for review!"
	case filterApproved:
		return "📭 No confessions have been approved yet!"
	default:
		return "📭 No confessions yet!"
	}
}

func (f confessionFilter) color() int {
	switch f {
	case filterPending:
		return colorPending
	case filterApproved:
		return colorApproved
	default:
		return colorAll
	}
}

// pageWindow is one page of a list of TotalCount items
type pageWindow struct {
	Page       int
	TotalPages int
	TotalCount int64
	Prev       int
	Next       int
}

// newPageWindow computes the window for the given zero-based page. The
// page is clamped to the valid range, so a stale button for a page that
// no longer exists shows the last page instead.
func newPageWindow(totalCount int64, page int) pageWindow {
	totalCount = max(0, totalCount)
	totalPages := max(1, int((totalCount+confessionsPerPage-1)/confessionsPerPage))
	page = min(max(0, page), totalPages-1)
	return pageWindow{
		Page:       page,
		TotalPages: totalPages,
		TotalCount: totalCount,
		Prev:       max(0, page-1),
		Next:       min(totalPages-1, page+1),
	}
}

func (w pageWindow) Offset() int {
	return w.Page * confessionsPerPage
}

func (w pageWindow) IsFirst() bool {
	return w.Page == 0
}

func (w pageWindow) IsLast() bool {
	return w.Page == w.TotalPages-1
}

type pageDirection string

const (
	pagePrev    pageDirection = "prev"
	pageNext    pageDirection = "next"
	pageRefresh pageDirection = "refresh"
)

// pageCustomID encodes a navigation button. The disambiguator only keeps
// IDs unique across re-renders and is never read back.
func pageCustomID(
	direction pageDirection,
	filter confessionFilter,
	page int,
	disambiguator int64,
) string {
	return fmt.Sprintf(
		"%s%s_%s_%d_%d",
		pageCustomIDPrefix,
		direction,
		filter,
		page,
		disambiguator,
	)
}

// parsePageCustomID decodes a navigation button ID into its direction,
// filter and target page
func parsePageCustomID(customID string) (pageDirection, confessionFilter, int, error) {
	rest, ok := strings.CutPrefix(customID, pageCustomIDPrefix)
	if !ok {
		return "", "", 0, fmt.Errorf("%w: not a page button: %q", ErrInvalidInput, customID)
	}
	parts := strings.Split(rest, "_")
	if len(parts) < 3 {
		return "", "", 0, fmt.Errorf("%w: malformed page button: %q", ErrInvalidInput, customID)
	}

	direction := pageDirection(parts[0])
	switch direction {
	case pagePrev, pageNext, pageRefresh:
	default:
		return "", "", 0, fmt.Errorf("%w: unknown page direction %q", ErrInvalidInput, parts[0])
	}

	filter, err := parseConfessionFilter(parts[1])
	if err != nil {
		return "", "", 0, err
	}

	page, err := strconv.Atoi(parts[2])
	if err != nil || page < 0 {
		return "", "", 0, fmt.Errorf("%w: bad page number %q", ErrInvalidInput, parts[2])
	}
	return direction, filter, page, nil
}

// confessionPage is a loaded page of a confession list
type confessionPage struct {
	Filter      confessionFilter
	Window      pageWindow
	Confessions []Confession
}

func loadConfessionPage(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	filter confessionFilter,
	page int,
) (*confessionPage, error) {
	total, err := countConfessions(ctx, db, guildID, filter)
	if err != nil {
		return nil, err
	}
	window := newPageWindow(total, page)
	confessions, err := listConfessions(
		ctx,
		db,
		guildID,
		filter,
		window.Offset(),
		confessionsPerPage,
	)
	if err != nil {
		return nil, err
	}
	return &confessionPage{
		Filter:      filter,
		Window:      window,
		Confessions: confessions,
	}, nil
}

// embed renders the page as a list embed, one field per confession
func (p *confessionPage) embed() *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: p.Filter.title(),
		Color: p.Filter.color(),
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf(
				"Page %d/%d • Total: %d confession(s)",
				p.Window.Page+1,
				p.Window.TotalPages,
				p.Window.TotalCount,
			),
		},
	}
	if len(p.Confessions) == 0 {
		embed.Description = p.Filter.emptyText()
		return embed
	}
	for _, c := range p.Confessions {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:  fmt.Sprintf("%s Confession #%d", c.Status.Glyph(), c.ConfessionID),
				Value: confessionSummary(c),
			},
		)
	}
	return embed
}

// components renders the navigation row. now seeds the disambiguators.
func (p *confessionPage) components(now time.Time) []discordgo.MessageComponent {
	ts := now.UnixMilli()
	w := p.Window
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "◀️ Previous",
					Style:    discordgo.SecondaryButton,
					CustomID: pageCustomID(pagePrev, p.Filter, w.Prev, ts),
					Disabled: w.IsFirst(),
				},
				discordgo.Button{
					Label:    "▶️ Next",
					Style:    discordgo.SecondaryButton,
					CustomID: pageCustomID(pageNext, p.Filter, w.Next, ts+1),
					Disabled: w.IsLast(),
				},
				discordgo.Button{
					Label:    "🔄 Refresh",
					Style:    discordgo.PrimaryButton,
					CustomID: pageCustomID(pageRefresh, p.Filter, w.Page, ts+2),
				},
			},
		},
	}
}

// confessionSummary is a list row: anonymity, submitter (masked when
// anonymous), time and a content preview
func confessionSummary(c Confession) string {
	anonymous := "No"
	if c.Anonymous {
		anonymous = "Yes"
	}
	return fmt.Sprintf(
		"**Anonymous:** %s\n**From:** %s\n**Time:** %s\n**Content:** %s",
		anonymous,
		submitterDisplay(c),
		discordTimestamp(c.Timestamp),
		contentPreview(c.Content),
	)
}

func submitterDisplay(c Confession) string {
	if c.Anonymous {
		return "🔒 Anonymous"
	}
	return fmt.Sprintf("<@%s>", c.UserID)
}

// contentPreview truncates content to summaryContentLength characters,
// adding an ellipsis when anything was cut
func contentPreview(content string) string {
	if runeLen(content) <= summaryContentLength {
		return content
	}
	return truncate(content, summaryContentLength) + "..."
}

// discordTimestamp formats t so each viewer sees it in their own timezone
func discordTimestamp(t time.Time) string {
	return fmt.Sprintf("<t:%d:f>", t.Unix())
}
