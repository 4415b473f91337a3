package confessbot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

const (
	sendNamedCustomID     = "send_named"
	sendAnonymousCustomID = "send_anonymous"
	approvePrefix         = "approve_"
	rejectPrefix          = "reject_"

	confessionModalPrefix    = "confession_modal_"
	confessionModalAnonymous = confessionModalPrefix + "anon"
	confessionModalNamed     = confessionModalPrefix + "named"
	confessionContentInputID = "confession_content"
)

// customIDRoute maps a component or modal custom ID prefix to its handler
type customIDRoute struct {
	prefix  string
	access  accessLevel
	handler interactionHandlerFunc
}

func (b *Bot) newComponentRoutes() []customIDRoute {
	return []customIDRoute{
		{prefix: sendNamedCustomID, access: accessAnyone, handler: b.confessionModalButton(false)},
		{prefix: sendAnonymousCustomID, access: accessAnyone, handler: b.confessionModalButton(true)},
		{prefix: anonymousReplyPrefix, access: accessAnyone, handler: b.handleAnonymousReplyButton},
		{prefix: approvePrefix, access: accessAdminRole, handler: b.handleApproveButton},
		{prefix: rejectPrefix, access: accessAdminRole, handler: b.handleRejectButton},
		{prefix: pageCustomIDPrefix, access: accessAdminRole, handler: b.handlePageButton},
	}
}

func (b *Bot) newModalRoutes() []customIDRoute {
	return []customIDRoute{
		{prefix: confessionModalPrefix, access: accessAnyone, handler: b.handleConfessionModal},
		{prefix: replyModalPrefix, access: accessAnyone, handler: b.handleAnonymousReplyModal},
	}
}

// matchRoute returns the first route whose prefix matches customID
func matchRoute(routes []customIDRoute, customID string) (customIDRoute, bool) {
	for _, r := range routes {
		if strings.HasPrefix(customID, r.prefix) {
			return r, true
		}
	}
	return customIDRoute{}, false
}

func (b *Bot) handleComponent(ctx context.Context, h *interactionHandler) error {
	customID := h.interaction.MessageComponentData().CustomID
	return b.dispatchRoute(ctx, h, b.componentRoutes, customID)
}

func (b *Bot) handleModal(ctx context.Context, h *interactionHandler) error {
	customID := h.interaction.ModalSubmitData().CustomID
	return b.dispatchRoute(ctx, h, b.modalRoutes, customID)
}

func (b *Bot) dispatchRoute(
	ctx context.Context,
	h *interactionHandler,
	routes []customIDRoute,
	customID string,
) error {
	route, ok := matchRoute(routes, customID)
	if !ok {
		return fmt.Errorf("%w: unknown custom id %q", ErrInvalidInput, customID)
	}
	if err := b.authorize(ctx, h, route.access); err != nil {
		return err
	}
	return route.handler(ctx, h)
}

// customIDNumber parses the confession number following prefix
func customIDNumber(customID string, prefix string) (int, error) {
	raw, ok := strings.CutPrefix(customID, prefix)
	if !ok {
		return 0, fmt.Errorf("%w: custom id %q lacks prefix %q", ErrInvalidInput, customID, prefix)
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: bad confession number in %q", ErrInvalidInput, customID)
	}
	return n, nil
}
