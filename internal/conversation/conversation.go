// Package conversation produces persona replies for existing sessions.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xaenox/persona-gateway/internal/backend/characterai"
	"github.com/xaenox/persona-gateway/internal/metrics"
	"github.com/xaenox/persona-gateway/internal/models"
	"github.com/xaenox/persona-gateway/internal/window"
	"go.uber.org/zap"
)

var (
	// ErrRegenerateUnsupported is returned for sessions whose history lives on the backend.
	ErrRegenerateUnsupported = errors.New("conversation: regenerate is not supported by this backend")
	// ErrNothingToRegenerate is returned when the newest history entry is not a persona reply.
	ErrNothingToRegenerate = errors.New("conversation: no reply to regenerate")
	ErrBackendDisabled     = errors.New("conversation: backend is disabled")
)

type Store interface {
	GetPersona(ctx context.Context, id string) (*models.Persona, error)
	GetCommunity(ctx context.Context, communityID int64) (*models.Community, error)
	AppendHistory(ctx context.Context, sessionID, role, content string) (*models.HistoryMessage, error)
	ListHistory(ctx context.Context, sessionID string) ([]models.HistoryMessage, error)
	ReplaceHistoryContent(ctx context.Context, sessionID string, ordinal int, content string) error
}

// Completer answers a fully built chat-completion request.
type Completer interface {
	Complete(ctx context.Context, req window.Request) (string, error)
}

// RemoteChat exchanges messages with a backend that keeps the history itself.
type RemoteChat interface {
	Send(ctx context.Context, personaID, historyID, text, token string, plus bool) (string, error)
}

type Config struct {
	CharacterAIToken    string
	CharacterAIPlusMode bool
}

type Service struct {
	cfg       Config
	store     Store
	builder   *window.Builder
	completer Completer
	remote    RemoteChat
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewService creates the reply service. remote may be nil when the characterai
// backend is disabled and collector may be nil.
func NewService(cfg Config, store Store, builder *window.Builder, completer Completer, remote RemoteChat, collector *metrics.Collector, logger *zap.Logger) *Service {
	return &Service{
		cfg:       cfg,
		store:     store,
		builder:   builder,
		completer: completer,
		remote:    remote,
		metrics:   collector,
		logger:    logger.With(zap.String("component", "conversation")),
	}
}

// Reply delivers userText to the session's persona and returns its answer.
func (s *Service) Reply(ctx context.Context, session *models.Session, userText string) (string, error) {
	switch session.Kind {
	case models.KindCharacterAI:
		return s.replyRemote(ctx, session, userText)
	case models.KindOpenAI:
		return s.replyWindowed(ctx, session, userText)
	default:
		return "", fmt.Errorf("unsupported session kind %q", session.Kind)
	}
}

func (s *Service) replyRemote(ctx context.Context, session *models.Session, userText string) (string, error) {
	if s.remote == nil {
		return "", ErrBackendDisabled
	}
	if session.ExternalSessionRef == nil {
		return "", fmt.Errorf("session %s has no remote chat", session.ID)
	}

	community, err := s.store.GetCommunity(ctx, session.CommunityID)
	if err != nil {
		return "", fmt.Errorf("error getting community: %w", err)
	}

	token := s.cfg.CharacterAIToken
	if community.CharacterAIToken != nil {
		token = *community.CharacterAIToken
	}
	plus := s.cfg.CharacterAIPlusMode
	if community.CharacterAIPlusMode != nil {
		plus = *community.CharacterAIPlusMode
	}
	if token == "" {
		return "", characterai.ErrNoToken
	}

	start := time.Now()
	reply, err := s.remote.Send(ctx, session.PersonaID, *session.ExternalSessionRef, userText, token, plus)
	s.metrics.RecordBackendRequest(string(session.Kind), start, err)
	if err != nil {
		s.logger.Error("Failed to get persona reply",
			zap.Error(err),
			zap.String("session_id", session.ID))
		return "", err
	}
	return reply, nil
}

func (s *Service) replyWindowed(ctx context.Context, session *models.Session, userText string) (string, error) {
	if _, err := s.store.AppendHistory(ctx, session.ID, models.RoleUser, userText); err != nil {
		return "", fmt.Errorf("error saving user message: %w", err)
	}

	req, _, err := s.request(ctx, session, false)
	if err != nil {
		return "", err
	}

	reply, err := s.complete(ctx, session, req)
	if err != nil {
		return "", err
	}

	if _, err := s.store.AppendHistory(ctx, session.ID, models.RoleAssistant, reply); err != nil {
		return "", fmt.Errorf("error saving reply: %w", err)
	}
	return reply, nil
}

// Regenerate replaces the newest persona reply of the session with a fresh one.
func (s *Service) Regenerate(ctx context.Context, session *models.Session) (string, error) {
	if session.Kind.KeepsRemoteHistory() {
		return "", ErrRegenerateUnsupported
	}

	req, history, err := s.request(ctx, session, true)
	if err != nil {
		return "", err
	}
	if len(history) == 0 || history[len(history)-1].Role != models.RoleAssistant {
		return "", ErrNothingToRegenerate
	}
	last := history[len(history)-1]

	reply, err := s.complete(ctx, session, req)
	if err != nil {
		return "", err
	}

	if err := s.store.ReplaceHistoryContent(ctx, session.ID, last.Ordinal, reply); err != nil {
		return "", fmt.Errorf("error replacing reply: %w", err)
	}

	s.logger.Debug("Regenerated reply",
		zap.String("session_id", session.ID),
		zap.Int("ordinal", last.Ordinal))
	return reply, nil
}

func (s *Service) request(ctx context.Context, session *models.Session, excludeMostRecent bool) (window.Request, []models.HistoryMessage, error) {
	persona, err := s.store.GetPersona(ctx, session.PersonaID)
	if err != nil {
		return window.Request{}, nil, fmt.Errorf("error getting persona: %w", err)
	}

	community, err := s.store.GetCommunity(ctx, session.CommunityID)
	if err != nil {
		return window.Request{}, nil, fmt.Errorf("error getting community: %w", err)
	}

	history, err := s.store.ListHistory(ctx, session.ID)
	if err != nil {
		return window.Request{}, nil, fmt.Errorf("error getting history: %w", err)
	}

	return s.builder.Build(persona, session, community, history, excludeMostRecent), history, nil
}

func (s *Service) complete(ctx context.Context, session *models.Session, req window.Request) (string, error) {
	start := time.Now()
	reply, err := s.completer.Complete(ctx, req)
	s.metrics.RecordBackendRequest(string(session.Kind), start, err)
	if err != nil {
		s.logger.Error("Failed to get persona reply",
			zap.Error(err),
			zap.String("session_id", session.ID),
			zap.Int("messages", len(req.Messages)))
		return "", err
	}
	return reply, nil
}
