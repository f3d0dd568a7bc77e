package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/persona-gateway/internal/metrics"
	"github.com/xaenox/persona-gateway/internal/models"
	"github.com/xaenox/persona-gateway/internal/platform"
	"github.com/xaenox/persona-gateway/internal/provisioner"
	"github.com/xaenox/persona-gateway/internal/ratelimit"
	"github.com/xaenox/persona-gateway/internal/search"
	"go.uber.org/zap"
)

type Limiter interface {
	Admit(ctx context.Context, userID int64, now time.Time) (ratelimit.Decision, error)
}

type Searcher interface {
	Search(ctx context.Context, kind models.Kind, q search.Query) (*search.Result, error)
	SearchAll(ctx context.Context, q search.Query) ([]*search.Result, error)
}

// CharacterLookup loads the full definition of a persona found by search.
type CharacterLookup interface {
	Character(ctx context.Context, id string) (*models.Persona, error)
}

type Provisioner interface {
	CreateSession(ctx context.Context, kind models.Kind, persona *models.Persona, channel platform.ChannelRef, requester provisioner.Requester) (*models.Session, error)
}

type Conversation interface {
	Reply(ctx context.Context, session *models.Session, userText string) (string, error)
	Regenerate(ctx context.Context, session *models.Session) (string, error)
}

// Cleanup retires reply decorations after a delay.
type Cleanup interface {
	Enqueue(target platform.MessageRef, delaySeconds int) error
	Extend(target platform.MessageRef, newDelaySeconds int) bool
	Cancel(target platform.MessageRef) bool
}

type Store interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetPersona(ctx context.Context, id string) (*models.Persona, error)
	ListChannelSessions(ctx context.Context, channelID int64) ([]*models.Session, error)
	DeleteBan(ctx context.Context, userID int64) error
}

type Config struct {
	PageSize            int
	AllowNSFW           bool
	CleanupDelaySeconds int
	AdminIDs            []int64
}

// Deps are the services the bot drives. Characters, Metrics and Notifier may be nil.
type Deps struct {
	Store        Store
	Limiter      Limiter
	Notifier     *Notifier
	Search       Searcher
	Characters   CharacterLookup
	Provisioner  Provisioner
	Conversation Conversation
	Platform     platform.Service
	Cleanup      Cleanup
	Metrics      *metrics.Collector
}

type Bot struct {
	api    *tgbotapi.BotAPI
	cfg    Config
	deps   Deps
	logger *zap.Logger

	// last search result per user, used by /spawn
	results sync.Map
	// newest reply per session id; only it keeps live buttons
	lastReplies sync.Map
	wg          sync.WaitGroup
}

func New(api *tgbotapi.BotAPI, cfg Config, deps Deps, logger *zap.Logger) *Bot {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 10
	}

	return &Bot{
		api:    api,
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(zap.String("component", "bot")),
	}
}

// Start consumes updates until ctx is cancelled and waits for in-flight handlers.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Bot started", zap.String("username", b.api.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.wg.Wait()
			return nil
		case update, ok := <-updates:
			if !ok {
				b.wg.Wait()
				return nil
			}
			b.dispatch(ctx, update)
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil && update.Message.From != nil:
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleMessage(ctx, update.Message)
		}()
	case update.CallbackQuery != nil:
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleCallback(ctx, update.CallbackQuery)
		}()
	}
}

// admit reports whether the user may be served. Limiter errors deny.
func (b *Bot) admit(ctx context.Context, userID, chatID int64) bool {
	if b.deps.Notifier != nil {
		b.deps.Notifier.Remember(userID, chatID)
	}

	decision, err := b.deps.Limiter.Admit(ctx, userID, time.Now())
	if err != nil {
		b.logger.Error("Failed to check rate limit",
			zap.Error(err),
			zap.Int64("user_id", userID))
		b.deps.Metrics.RecordAdmission("error")
		return false
	}

	b.deps.Metrics.RecordAdmission(decision.String())
	if decision.Denied() {
		b.logger.Debug("Update denied",
			zap.Int64("user_id", userID),
			zap.Stringer("decision", decision))
		return false
	}
	return true
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.Text == "" {
		return
	}
	if !b.admit(ctx, message.From.ID, message.Chat.ID) {
		return
	}

	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	b.handlePersonaMessage(ctx, message)
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) answerCallback(id, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(id, text)); err != nil {
		b.logger.Error("Failed to answer callback",
			zap.Error(err),
			zap.String("callback_id", id))
	}
}

func (b *Bot) isAdmin(userID int64) bool {
	for _, id := range b.cfg.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func channelRef(chat *tgbotapi.Chat) platform.ChannelRef {
	// Telegram has no grouping above a chat; every chat is its own community.
	return platform.ChannelRef{ChannelID: chat.ID, CommunityID: chat.ID}
}

func displayName(user *tgbotapi.User) string {
	if user.UserName != "" {
		return user.UserName
	}
	return fmt.Sprintf("%s %s", user.FirstName, user.LastName)
}
