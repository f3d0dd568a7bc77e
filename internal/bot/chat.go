package bot

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/persona-gateway/internal/conversation"
	"github.com/xaenox/persona-gateway/internal/models"
	"github.com/xaenox/persona-gateway/internal/platform"
	"go.uber.org/zap"
)

// handlePersonaMessage delivers a message that starts with a call prefix to
// the matching session. Other messages are ignored.
func (b *Bot) handlePersonaMessage(ctx context.Context, message *tgbotapi.Message) {
	session, text, err := b.route(ctx, message.Chat.ID, message.Text)
	if err != nil {
		b.logger.Error("Failed to list sessions",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
		return
	}
	if session == nil || text == "" {
		return
	}

	persona, err := b.deps.Store.GetPersona(ctx, session.PersonaID)
	if err != nil {
		b.logger.Error("Failed to get persona",
			zap.Error(err),
			zap.String("session_id", session.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, this character is unavailable.")
		return
	}

	if _, err := b.api.Request(tgbotapi.NewChatAction(message.Chat.ID, tgbotapi.ChatTyping)); err != nil {
		b.logger.Debug("Failed to send typing action", zap.Error(err))
	}

	reply, err := b.deps.Conversation.Reply(ctx, session, text)
	if err != nil {
		b.logger.Error("Failed to get reply",
			zap.Error(err),
			zap.String("session_id", session.ID),
			zap.Int64("user_id", message.From.ID))
		b.sendErrorMessage(message.Chat.ID, persona.Name+" couldn't answer. Please try again.")
		return
	}

	ref, err := b.deps.Platform.PostMessage(ctx, message.Chat.ID, persona.Name, reply, platform.ReplyDecorations, session.ID)
	if err != nil {
		b.logger.Error("Failed to post reply",
			zap.Error(err),
			zap.String("session_id", session.ID))
		return
	}

	if err := b.deps.Cleanup.Enqueue(ref, b.cfg.CleanupDelaySeconds); err != nil {
		b.logger.Warn("Failed to schedule decoration cleanup",
			zap.Error(err),
			zap.Int64("chat_id", ref.ChatID),
			zap.Int("message_id", ref.MessageID))
	}

	if prev, loaded := b.lastReplies.Swap(session.ID, ref); loaded {
		if prevRef := prev.(platform.MessageRef); b.deps.Cleanup.Cancel(prevRef) {
			b.removeDecorations(ctx, prevRef)
		}
	}
}

func (b *Bot) removeDecorations(ctx context.Context, ref platform.MessageRef) {
	if err := b.deps.Platform.RemoveDecoration(ctx, ref, platform.ReplyDecorations); err != nil {
		b.logger.Warn("Failed to remove decorations",
			zap.Error(err),
			zap.Int64("chat_id", ref.ChatID),
			zap.Int("message_id", ref.MessageID))
	}
}

// isLatestReply reports whether ref is the newest reply posted for sessionID.
func (b *Bot) isLatestReply(sessionID string, ref platform.MessageRef) bool {
	last, ok := b.lastReplies.Load(sessionID)
	return ok && last.(platform.MessageRef) == ref
}

// route finds the newest session of the channel whose call prefix starts text
// and returns it with the prefix stripped.
func (b *Bot) route(ctx context.Context, channelID int64, text string) (*models.Session, string, error) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "..") {
		return nil, "", nil
	}

	sessions, err := b.deps.Store.ListChannelSessions(ctx, channelID)
	if err != nil {
		return nil, "", err
	}

	lower := strings.ToLower(trimmed)
	for i := len(sessions) - 1; i >= 0; i-- {
		prefix := sessions[i].CallPrefix
		if strings.HasPrefix(lower, prefix) {
			rest := []rune(trimmed)[utf8.RuneCountInString(prefix):]
			return sessions[i], strings.TrimSpace(string(rest)), nil
		}
	}
	return nil, "", nil
}

func (b *Bot) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	if query.From == nil || query.Message == nil {
		b.answerCallback(query.ID, "")
		return
	}
	if !b.admit(ctx, query.From.ID, query.Message.Chat.ID) {
		b.answerCallback(query.ID, "")
		return
	}

	decoration, sessionID, err := platform.ParseCallbackData(query.Data)
	if err != nil {
		b.logger.Warn("Unexpected callback", zap.Error(err))
		b.answerCallback(query.ID, "")
		return
	}

	ref := platform.MessageRef{ChatID: query.Message.Chat.ID, MessageID: query.Message.MessageID}
	switch decoration {
	case platform.DecorationRegenerate:
		b.handleRegenerate(ctx, query, ref, sessionID)
	case platform.DecorationStop:
		b.deps.Cleanup.Cancel(ref)
		b.removeDecorations(ctx, ref)
		b.answerCallback(query.ID, "")
	}
}

func (b *Bot) handleRegenerate(ctx context.Context, query *tgbotapi.CallbackQuery, ref platform.MessageRef, sessionID string) {
	session, err := b.deps.Store.GetSession(ctx, sessionID)
	if err != nil || session.ChannelID != ref.ChatID {
		b.logger.Warn("Callback for unknown session",
			zap.Error(err),
			zap.String("session_id", sessionID))
		b.answerCallback(query.ID, "This character is gone.")
		return
	}

	// Regenerating rewrites the newest stored reply, so older messages must
	// not trigger it.
	if !b.isLatestReply(session.ID, ref) {
		b.deps.Cleanup.Cancel(ref)
		b.removeDecorations(ctx, ref)
		b.answerCallback(query.ID, "Only the latest reply can be regenerated.")
		return
	}

	// Keep the buttons around while the user is interacting.
	b.deps.Cleanup.Extend(ref, b.cfg.CleanupDelaySeconds)

	persona, err := b.deps.Store.GetPersona(ctx, session.PersonaID)
	if err != nil {
		b.logger.Error("Failed to get persona",
			zap.Error(err),
			zap.String("session_id", session.ID))
		b.answerCallback(query.ID, "This character is unavailable.")
		return
	}

	reply, err := b.deps.Conversation.Regenerate(ctx, session)
	switch {
	case errors.Is(err, conversation.ErrRegenerateUnsupported):
		b.answerCallback(query.ID, "This character can't regenerate replies.")
		return
	case errors.Is(err, conversation.ErrNothingToRegenerate):
		b.answerCallback(query.ID, "There is no reply to regenerate.")
		return
	case err != nil:
		b.logger.Error("Failed to regenerate reply",
			zap.Error(err),
			zap.String("session_id", session.ID))
		b.answerCallback(query.ID, "Regeneration failed. Please try again.")
		return
	}

	if err := b.deps.Platform.EditMessage(ctx, ref, persona.Name, reply, platform.ReplyDecorations, session.ID); err != nil {
		b.logger.Error("Failed to edit reply",
			zap.Error(err),
			zap.String("session_id", session.ID))
	}
	b.answerCallback(query.ID, "")
}
