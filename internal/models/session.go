package models

import "time"

// History message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Tuning holds per-session backend parameters. Nil values inherit from the
// community and then from the global defaults.
type Tuning struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	FreqPenalty     *float32 `json:"freq_penalty,omitempty"`
	PresencePenalty *float32 `json:"presence_penalty,omitempty"`
	MaxTokens       *int     `json:"max_tokens,omitempty"`
	Model           *string  `json:"model,omitempty"`
	Endpoint        *string  `json:"endpoint,omitempty"`
	Token           *string  `json:"token,omitempty"`
	SystemPrompt    string   `json:"system_prompt"`
}

// Session binds an outbound identity, a persona and a backend conversation
type Session struct {
	ID                 string    `json:"id"`
	OutboundIdentityID string    `json:"outbound_identity_id"`
	OutboundSecret     string    `json:"outbound_secret"`
	ChannelID          int64     `json:"channel_id"`
	CommunityID        int64     `json:"community_id"`
	PersonaID          string    `json:"persona_id"`
	CallPrefix         string    `json:"call_prefix"`
	Kind               Kind      `json:"kind"`
	ExternalSessionRef *string   `json:"external_session_ref,omitempty"`
	Tuning             Tuning    `json:"tuning"`
	CreatedAt          time.Time `json:"created_at"`
}

// HistoryMessage is one entry of a locally kept conversation
type HistoryMessage struct {
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Ordinal   int       `json:"ordinal"`
	CreatedAt time.Time `json:"created_at"`
}
