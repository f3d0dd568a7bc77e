// Package platform describes the chat-platform operations the gateway needs
// and implements them for Telegram.
package platform

import (
	"context"
	"fmt"
	"strings"
)

// ChannelRef points to a channel inside a community.
type ChannelRef struct {
	ChannelID   int64
	CommunityID int64
}

// Identity is the outbound identity a persona speaks through.
type Identity struct {
	ID     string
	Secret string
	Name   string
}

// MessageRef identifies a posted message.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Decoration is an interactive element attached to a reply.
type Decoration string

const (
	DecorationRegenerate Decoration = "regen"
	DecorationStop       Decoration = "stop"
)

// ReplyDecorations are attached to every persona reply.
var ReplyDecorations = []Decoration{DecorationRegenerate, DecorationStop}

type Service interface {
	CreateOutboundIdentity(ctx context.Context, channel ChannelRef, name string, image []byte) (Identity, error)
	DeleteOutboundIdentity(ctx context.Context, id string) error
	PostMessage(ctx context.Context, channelID int64, sender, text string, decorations []Decoration, sessionID string) (MessageRef, error)
	EditMessage(ctx context.Context, ref MessageRef, sender, text string, decorations []Decoration, sessionID string) error
	RemoveDecoration(ctx context.Context, ref MessageRef, decorations []Decoration) error
}

// CallbackData encodes a decoration press for sessionID.
func CallbackData(d Decoration, sessionID string) string {
	return string(d) + ":" + sessionID
}

// ParseCallbackData is the inverse of CallbackData.
func ParseCallbackData(data string) (Decoration, string, error) {
	d, sessionID, ok := strings.Cut(data, ":")
	if !ok || sessionID == "" {
		return "", "", fmt.Errorf("malformed callback data %q", data)
	}

	switch Decoration(d) {
	case DecorationRegenerate, DecorationStop:
		return Decoration(d), sessionID, nil
	default:
		return "", "", fmt.Errorf("unknown decoration %q", d)
	}
}
