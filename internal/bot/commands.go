package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/persona-gateway/internal/models"
	"github.com/xaenox/persona-gateway/internal/platform"
	"github.com/xaenox/persona-gateway/internal/provisioner"
	"github.com/xaenox/persona-gateway/internal/search"
	"go.uber.org/zap"
)

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(message)
	case "help":
		b.handleHelp(message)
	case "search":
		b.handleSearchAll(ctx, message)
	case "search_cai":
		b.handleSearch(ctx, message, models.KindCharacterAI)
	case "search_chub":
		b.handleSearch(ctx, message, models.KindOpenAI)
	case "spawn":
		b.handleSpawn(ctx, message)
	case "sessions":
		b.handleSessions(ctx, message)
	case "unban":
		b.handleUnban(ctx, message)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(message *tgbotapi.Message) {
	welcome := `Welcome to Persona Gateway! 🎭
I bring characters into your chat and let them talk for themselves.

Search for a character, spawn it, then start a message with its call prefix to talk to it.
Use /help to see all available commands.`

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/start - Start the bot
/help - Show this help message
/search <query> - Search characters everywhere
/search_cai <query> - Search characters on Character.AI
/search_chub <query> - Search characters on Chub
/spawn <number> - Bring a character from your last search into this chat
/sessions - List characters living in this chat

Talk to a character by starting your message with its call prefix, e.g. "..ch hello".
Use the buttons under a reply to regenerate it or to stop offering buttons.`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleSearch(ctx context.Context, message *tgbotapi.Message, kind models.Kind) {
	query := search.Query{
		Text:      strings.TrimSpace(message.CommandArguments()),
		Page:      1,
		PageSize:  b.cfg.PageSize,
		AllowNSFW: b.cfg.AllowNSFW,
	}
	if kind == models.KindCharacterAI && query.Text == "" {
		b.sendMessage(message.Chat.ID, "Usage: /search_cai <query>")
		return
	}

	result, err := b.deps.Search.Search(ctx, kind, query)
	if err != nil {
		b.logger.Error("Failed to search personas",
			zap.Error(err),
			zap.String("kind", string(kind)),
			zap.Int64("user_id", message.From.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, the search failed. Please try again later.")
		return
	}

	if len(result.Personas) == 0 {
		b.sendMessage(message.Chat.ID, "Nothing found.")
		return
	}

	b.results.Store(message.From.ID, result)
	b.sendMarkdown(message.Chat.ID, formatResults(result))
}

func (b *Bot) handleSearchAll(ctx context.Context, message *tgbotapi.Message) {
	query := search.Query{
		Text:      strings.TrimSpace(message.CommandArguments()),
		Page:      1,
		PageSize:  b.cfg.PageSize,
		AllowNSFW: b.cfg.AllowNSFW,
	}
	if query.Text == "" {
		b.sendMessage(message.Chat.ID, "Usage: /search <query>")
		return
	}

	results, err := b.deps.Search.SearchAll(ctx, query)
	if err != nil {
		b.logger.Error("Failed to search personas",
			zap.Error(err),
			zap.Int64("user_id", message.From.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, the search failed. Please try again later.")
		return
	}

	merged := mergeResults(query.Text, results)
	if len(merged.Personas) == 0 {
		b.sendMessage(message.Chat.ID, "Nothing found.")
		return
	}

	b.results.Store(message.From.ID, merged)
	b.sendMarkdown(message.Chat.ID, formatResults(merged))
}

// mergeResults concatenates per-provider results. The merged result has no
// Source; every persona still carries its own.
func mergeResults(text string, results []*search.Result) *search.Result {
	merged := &search.Result{Query: text}
	for _, r := range results {
		if r == nil {
			continue
		}
		if r.Query != "" {
			merged.Query = r.Query
		}
		merged.Personas = append(merged.Personas, r.Personas...)
		merged.Skipped += r.Skipped
	}
	return merged
}

func sourceLabel(kind models.Kind) string {
	if kind == models.KindCharacterAI {
		return "cai"
	}
	return "chub"
}

func formatResults(result *search.Result) string {
	var sb strings.Builder
	sb.WriteString("*Results for* " + platform.EscapeMarkdown(result.Query) + "\n\n")

	for i, p := range result.Personas {
		line := fmt.Sprintf("%d\\. *%s*", i+1, platform.EscapeMarkdown(p.Name))
		if result.Source == "" {
			line += " " + platform.EscapeMarkdown("["+sourceLabel(p.Source)+"]")
		}
		if p.Title != "" {
			line += " " + platform.EscapeMarkdown("- "+p.Title)
		}

		var meta []string
		if p.AuthorName != "" {
			meta = append(meta, "by "+p.AuthorName)
		}
		meta = append(meta, fmt.Sprintf("%d chats", p.Interactions))
		if p.Stars != nil {
			meta = append(meta, fmt.Sprintf("%d stars", *p.Stars))
		}
		line += "\n_" + platform.EscapeMarkdown(strings.Join(meta, ", ")) + "_"

		sb.WriteString(line + "\n")
	}

	if result.Skipped > 0 {
		sb.WriteString("\n" + platform.EscapeMarkdown(fmt.Sprintf("(%d broken entries hidden)", result.Skipped)) + "\n")
	}
	sb.WriteString("\n" + platform.EscapeMarkdown("Use /spawn <number> to bring one here."))
	return sb.String()
}

func (b *Bot) handleSpawn(ctx context.Context, message *tgbotapi.Message) {
	n, err := strconv.Atoi(strings.TrimSpace(message.CommandArguments()))
	if err != nil || n < 1 {
		b.sendMessage(message.Chat.ID, "Usage: /spawn <number from your last search>")
		return
	}

	v, ok := b.results.Load(message.From.ID)
	if !ok {
		b.sendMessage(message.Chat.ID, "Search for a character first.")
		return
	}
	result := v.(*search.Result)
	if n > len(result.Personas) {
		b.sendMessage(message.Chat.ID, fmt.Sprintf("Pick a number between 1 and %d.", len(result.Personas)))
		return
	}

	persona := result.Personas[n-1]
	if persona.Source == models.KindOpenAI && b.deps.Characters != nil {
		full, err := b.deps.Characters.Character(ctx, persona.ID)
		if err != nil {
			b.logger.Error("Failed to get character details",
				zap.Error(err),
				zap.String("persona_id", persona.ID))
			b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't load this character.")
			return
		}
		persona = *full
	}

	session, err := b.deps.Provisioner.CreateSession(ctx, persona.Source, &persona, channelRef(message.Chat),
		provisioner.Requester{UserID: message.From.ID, Name: displayName(message.From)})
	b.deps.Metrics.RecordProvisioning(string(persona.Source), err)
	if err != nil {
		b.sendErrorMessage(message.Chat.ID, provisioningFailure(err))
		return
	}

	b.sendMessage(message.Chat.ID, fmt.Sprintf("%s joined the chat. Start a message with %q to talk to them.", persona.Name, session.CallPrefix))

	if persona.Greeting != "" {
		if _, err := b.deps.Platform.PostMessage(ctx, message.Chat.ID, persona.Name, persona.Greeting, nil, session.ID); err != nil {
			b.logger.Error("Failed to post greeting",
				zap.Error(err),
				zap.String("session_id", session.ID))
		}
	}
}

func provisioningFailure(err error) string {
	var perr *provisioner.Error
	if !errors.As(err, &perr) {
		return "Sorry, I couldn't create the session."
	}

	switch perr.Step {
	case provisioner.StepValidate:
		return "This character can't be used."
	case provisioner.StepIdentity:
		return "I couldn't introduce the character here. Do I have permission to post photos?"
	case provisioner.StepBackend:
		return "The character service refused to start a chat. Please try again later."
	default:
		return "Sorry, I couldn't create the session. Please try again."
	}
}

func (b *Bot) handleSessions(ctx context.Context, message *tgbotapi.Message) {
	sessions, err := b.deps.Store.ListChannelSessions(ctx, message.Chat.ID)
	if err != nil {
		b.logger.Error("Failed to list sessions",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't list the characters.")
		return
	}

	if len(sessions) == 0 {
		b.sendMessage(message.Chat.ID, "No characters here yet. Use /search to find one.")
		return
	}

	response := "*Characters in this chat:*\n"
	for _, s := range sessions {
		name := s.PersonaID
		if persona, err := b.deps.Store.GetPersona(ctx, s.PersonaID); err == nil {
			name = persona.Name
		}
		response += fmt.Sprintf("`%s` %s\n", s.CallPrefix, platform.EscapeMarkdown(name+" ("+string(s.Kind)+")"))
	}
	b.sendMarkdown(message.Chat.ID, response)
}

func (b *Bot) handleUnban(ctx context.Context, message *tgbotapi.Message) {
	if !b.isAdmin(message.From.ID) {
		b.sendMessage(message.Chat.ID, "Only operators can unban users.")
		return
	}

	userID, err := strconv.ParseInt(strings.TrimSpace(message.CommandArguments()), 10, 64)
	if err != nil {
		b.sendMessage(message.Chat.ID, "Usage: /unban <user id>")
		return
	}

	if err := b.deps.Store.DeleteBan(ctx, userID); err != nil {
		b.logger.Error("Failed to delete ban",
			zap.Error(err),
			zap.Int64("user_id", userID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't unban this user.")
		return
	}

	b.logger.Info("User unbanned",
		zap.Int64("user_id", userID),
		zap.Int64("operator_id", message.From.ID))
	b.sendMessage(message.Chat.ID, fmt.Sprintf("User %d was unbanned.", userID))
}
