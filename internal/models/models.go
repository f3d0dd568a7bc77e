package models

import "time"

// Kind identifies which AI backend a session talks to.
type Kind string

const (
	// KindCharacterAI keeps the conversation history on the backend side.
	KindCharacterAI Kind = "characterai"
	// KindOpenAI is a stateless chat-completion endpoint; history is kept locally.
	KindOpenAI Kind = "openai"
)

// Valid reports whether k is one of the supported backend kinds.
func (k Kind) Valid() bool {
	return k == KindCharacterAI || k == KindOpenAI
}

// KeepsRemoteHistory reports whether the backend maintains history server-side.
func (k Kind) KeepsRemoteHistory() bool {
	return k == KindCharacterAI
}

// Persona represents a character definition found on one of the backends
type Persona struct {
	ID              string    `json:"id"`
	Source          Kind      `json:"source"`
	Name            string    `json:"name"`
	Title           string    `json:"title"`
	Greeting        string    `json:"greeting"`
	Description     string    `json:"description"`
	AuthorName      string    `json:"author_name"`
	AvatarURL       string    `json:"avatar_url"`
	Definition      *string   `json:"definition,omitempty"`
	ImageGenEnabled bool      `json:"image_gen_enabled"`
	Interactions    int       `json:"interactions"`
	Stars           *int      `json:"stars,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Channel is a tracked platform channel inside a community
type Channel struct {
	ID          int64     `json:"id"`
	CommunityID int64     `json:"community_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Community holds per-community overrides. Nil fields fall back to the global defaults.
type Community struct {
	ID int64 `json:"id"`

	OpenAIEndpoint        *string  `json:"openai_endpoint,omitempty"`
	OpenAIToken           *string  `json:"openai_token,omitempty"`
	OpenAIModel           *string  `json:"openai_model,omitempty"`
	OpenAITemperature     *float32 `json:"openai_temperature,omitempty"`
	OpenAIFreqPenalty     *float32 `json:"openai_freq_penalty,omitempty"`
	OpenAIPresencePenalty *float32 `json:"openai_presence_penalty,omitempty"`
	OpenAIMaxTokens       *int     `json:"openai_max_tokens,omitempty"`
	JailbreakPrompt       *string  `json:"jailbreak_prompt,omitempty"`

	CharacterAIToken    *string `json:"characterai_token,omitempty"`
	CharacterAIPlusMode *bool   `json:"characterai_plus_mode,omitempty"`
}

// Ban represents a blocked user. Its presence is authoritative; expired bans
// are removed by a periodic sweep.
type Ban struct {
	UserID        int64     `json:"user_id"`
	BannedAt      time.Time `json:"banned_at"`
	DurationHours int       `json:"duration_hours"`
}

func (b Ban) ExpiresAt() time.Time {
	return b.BannedAt.Add(time.Duration(b.DurationHours) * time.Hour)
}

// Activity is the in-memory interaction counter of a watched user
type Activity struct {
	UserID       int64 `json:"user_id"`
	WindowMinute int   `json:"window_minute"`
	Count        int   `json:"count"`
}
