// Package window builds chat-completion requests for backends without
// server-side history. The conversation is cut to fit a token budget,
// always keeping the system prompt and dropping the oldest messages first.
package window

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xaenox/persona-gateway/internal/models"
)

const (
	// DefaultTokenBudget is the estimated-token ceiling of a built request.
	DefaultTokenBudget = 3600
	// charsPerToken is the fixed ratio used to estimate token cost.
	charsPerToken = 3.8
)

// Defaults are the global tuning values used when neither the session nor
// its community overrides them.
type Defaults struct {
	Endpoint        string
	Token           string
	Model           string
	Temperature     float32
	FreqPenalty     float32
	PresencePenalty float32
	MaxTokens       int
}

// Message is one entry of the outbound conversation.
type Message struct {
	Role    string
	Content string
}

// Request is a fully resolved chat-completion request.
type Request struct {
	Endpoint         string
	Token            string
	Model            string
	Temperature      float32
	FrequencyPenalty float32
	PresencePenalty  float32
	MaxTokens        int
	Messages         []Message
}

type Builder struct {
	budget   float64
	defaults Defaults
}

func NewBuilder(budget int, defaults Defaults) *Builder {
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	return &Builder{budget: float64(budget), defaults: defaults}
}

// EstimateTokens approximates the token cost of text.
func EstimateTokens(text string) float64 {
	return float64(utf8.RuneCountInString(text)) / charsPerToken
}

// RenderSystemPrompt merges the persona into the system prompt template.
func RenderSystemPrompt(template string, persona *models.Persona) string {
	definition := ""
	if persona.Definition != nil {
		definition = *persona.Definition
	}

	prompt := fmt.Sprintf("%s.  {{char}}'s name: %s.  {{char}} calls {{user}} by {{user}} or any name introduced by {{user}}.  %s",
		template, persona.Name, definition)
	return strings.ReplaceAll(prompt, "{{char}}", persona.Name)
}

// Build assembles the request for session from history ordered oldest to
// newest. With excludeMostRecent the newest history entry is left out, which
// is how a reply gets regenerated. community may be nil.
func (b *Builder) Build(persona *models.Persona, session *models.Session, community *models.Community, history []models.HistoryMessage, excludeMostRecent bool) Request {
	system := RenderSystemPrompt(session.Tuning.SystemPrompt, persona)

	if excludeMostRecent && len(history) > 0 {
		history = history[:len(history)-1]
	}

	used := EstimateTokens(system)
	kept := make([]Message, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		cost := EstimateTokens(history[i].Content)
		if used+cost > b.budget {
			break
		}
		kept = append(kept, Message{Role: history[i].Role, Content: history[i].Content})
		used += cost
	}

	messages := make([]Message, 0, len(kept)+1)
	messages = append(messages, Message{Role: models.RoleSystem, Content: system})
	for i := len(kept) - 1; i >= 0; i-- {
		messages = append(messages, kept[i])
	}

	req := b.resolve(session.Tuning, community)
	req.Messages = messages
	return req
}

func (b *Builder) resolve(t models.Tuning, c *models.Community) Request {
	if c == nil {
		c = &models.Community{}
	}
	d := b.defaults

	return Request{
		Endpoint:         pick(t.Endpoint, c.OpenAIEndpoint, d.Endpoint),
		Token:            pick(t.Token, c.OpenAIToken, d.Token),
		Model:            pick(t.Model, c.OpenAIModel, d.Model),
		Temperature:      pick(t.Temperature, c.OpenAITemperature, d.Temperature),
		FrequencyPenalty: pick(t.FreqPenalty, c.OpenAIFreqPenalty, d.FreqPenalty),
		PresencePenalty:  pick(t.PresencePenalty, c.OpenAIPresencePenalty, d.PresencePenalty),
		MaxTokens:        pick(t.MaxTokens, c.OpenAIMaxTokens, d.MaxTokens),
	}
}

// pick returns the session value, then the community value, then the default.
func pick[T any](session, community *T, fallback T) T {
	if session != nil {
		return *session
	}
	if community != nil {
		return *community
	}
	return fallback
}
