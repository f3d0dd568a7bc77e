package platform

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Telegram implements Service on top of the Bot API. A persona identity is
// represented by its card message (the avatar photo with the persona name),
// decorations are inline keyboard buttons.
type Telegram struct {
	api    *tgbotapi.BotAPI
	logger *zap.Logger
}

func NewTelegram(api *tgbotapi.BotAPI, logger *zap.Logger) *Telegram {
	return &Telegram{
		api:    api,
		logger: logger.With(zap.String("component", "telegram")),
	}
}

var decorationLabels = map[Decoration]string{
	DecorationRegenerate: "🔄",
	DecorationStop:       "⏹",
}

func (t *Telegram) CreateOutboundIdentity(ctx context.Context, channel ChannelRef, name string, image []byte) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}

	caption := fmt.Sprintf("%s joined the chat", name)
	var card tgbotapi.Chattable
	if len(image) > 0 {
		photo := tgbotapi.NewPhoto(channel.ChannelID, tgbotapi.FileBytes{Name: "avatar.png", Bytes: image})
		photo.Caption = caption
		card = photo
	} else {
		card = tgbotapi.NewMessage(channel.ChannelID, caption)
	}

	sent, err := t.api.Send(card)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to create identity: %w", err)
	}

	return Identity{
		ID:     FormatIdentityID(sent.Chat.ID, sent.MessageID),
		Secret: uuid.NewString(),
		Name:   name,
	}, nil
}

func (t *Telegram) DeleteOutboundIdentity(ctx context.Context, id string) error {
	chatID, messageID, err := ParseIdentityID(id)
	if err != nil {
		return err
	}

	if _, err := t.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return fmt.Errorf("failed to delete identity %s: %w", id, err)
	}
	return nil
}

func (t *Telegram) PostMessage(ctx context.Context, channelID int64, sender, text string, decorations []Decoration, sessionID string) (MessageRef, error) {
	msg := tgbotapi.NewMessage(channelID, formatReply(sender, text))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if len(decorations) > 0 {
		msg.ReplyMarkup = keyboard(decorations, sessionID)
	}

	sent, err := t.api.Send(msg)
	if err != nil {
		return MessageRef{}, fmt.Errorf("failed to post message: %w", err)
	}
	return MessageRef{ChatID: sent.Chat.ID, MessageID: sent.MessageID}, nil
}

func (t *Telegram) EditMessage(ctx context.Context, ref MessageRef, sender, text string, decorations []Decoration, sessionID string) error {
	edit := tgbotapi.NewEditMessageText(ref.ChatID, ref.MessageID, formatReply(sender, text))
	edit.ParseMode = tgbotapi.ModeMarkdownV2
	if len(decorations) > 0 {
		markup := keyboard(decorations, sessionID)
		edit.ReplyMarkup = &markup
	}

	if _, err := t.api.Request(edit); err != nil {
		return fmt.Errorf("failed to edit message: %w", err)
	}
	return nil
}

// RemoveDecoration clears the inline keyboard of the message. Telegram has no
// per-button removal, so the whole keyboard goes.
func (t *Telegram) RemoveDecoration(ctx context.Context, ref MessageRef, decorations []Decoration) error {
	edit := tgbotapi.NewEditMessageReplyMarkup(ref.ChatID, ref.MessageID, tgbotapi.InlineKeyboardMarkup{
		InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{},
	})

	if _, err := t.api.Request(edit); err != nil {
		return fmt.Errorf("failed to remove decorations: %w", err)
	}
	return nil
}

func keyboard(decorations []Decoration, sessionID string) tgbotapi.InlineKeyboardMarkup {
	buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(decorations))
	for _, d := range decorations {
		buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(decorationLabels[d], CallbackData(d, sessionID)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(buttons)
}

func formatReply(sender, text string) string {
	return "*" + EscapeMarkdown(sender) + "*\n" + EscapeMarkdown(text)
}

// EscapeMarkdown escapes special characters for MarkdownV2
func EscapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}

// FormatIdentityID encodes the location of an identity card message.
func FormatIdentityID(chatID int64, messageID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID)
}

func ParseIdentityID(id string) (int64, int, error) {
	chat, msg, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, fmt.Errorf("malformed identity id %q", id)
	}

	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed identity id %q: %w", id, err)
	}
	messageID, err := strconv.Atoi(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed identity id %q: %w", id, err)
	}
	return chatID, messageID, nil
}
