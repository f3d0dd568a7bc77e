package bot

import (
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/persona-gateway/internal/models"
	"go.uber.org/zap"
)

// Notifier tells users about rate-limit warnings and bans in the chat they
// last wrote to.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chats  sync.Map // user id -> chat id
	logger *zap.Logger
}

func NewNotifier(api *tgbotapi.BotAPI, logger *zap.Logger) *Notifier {
	return &Notifier{
		api:    api,
		logger: logger.With(zap.String("component", "notifier")),
	}
}

// Remember records chatID as the place to notify userID.
func (n *Notifier) Remember(userID, chatID int64) {
	n.chats.Store(userID, chatID)
}

func (n *Notifier) Warn(userID int64, count int) {
	n.notify(userID, fmt.Sprintf("⚠️ Slow down! You sent %d messages this minute. Keep going and you will be banned.", count))
}

func (n *Notifier) Banned(userID int64, ban models.Ban) {
	n.notify(userID, fmt.Sprintf("🚫 You were banned for %d hours for spamming.", ban.DurationHours))
}

// notify sends asynchronously; the limiter calls it with the user's record locked.
func (n *Notifier) notify(userID int64, text string) {
	v, ok := n.chats.Load(userID)
	if !ok {
		n.logger.Warn("No chat to notify user", zap.Int64("user_id", userID))
		return
	}
	chatID := v.(int64)

	go func() {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := n.api.Send(msg); err != nil {
			n.logger.Error("Failed to send notification",
				zap.Error(err),
				zap.Int64("user_id", userID),
				zap.Int64("chat_id", chatID))
		}
	}()
}
