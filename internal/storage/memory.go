package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xaenox/persona-gateway/internal/models"
)

type MemoryStorage struct {
	mu          sync.RWMutex
	bans        map[int64]*models.Ban
	channels    map[int64]*models.Channel
	communities map[int64]*models.Community
	personas    map[string]*models.Persona
	sessions    map[string]*models.Session
	history     map[string][]models.HistoryMessage
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		bans:        make(map[int64]*models.Ban),
		channels:    make(map[int64]*models.Channel),
		communities: make(map[int64]*models.Community),
		personas:    make(map[string]*models.Persona),
		sessions:    make(map[string]*models.Session),
		history:     make(map[string][]models.HistoryMessage),
	}
}

// Ban methods
func (s *MemoryStorage) FindBan(ctx context.Context, userID int64) (*models.Ban, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ban, exists := s.bans[userID]; exists {
		b := *ban
		return &b, nil
	}
	return nil, nil
}

func (s *MemoryStorage) CreateBan(ctx context.Context, ban *models.Ban) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := *ban
	s.bans[ban.UserID] = &b
	return nil
}

func (s *MemoryStorage) DeleteBan(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.bans, userID)
	return nil
}

func (s *MemoryStorage) DeleteExpiredBans(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for userID, ban := range s.bans {
		if !ban.ExpiresAt().After(now) {
			delete(s.bans, userID)
			removed++
		}
	}
	return removed, nil
}

// Channel and community methods
func (s *MemoryStorage) UpsertChannel(ctx context.Context, channel *models.Channel) (*models.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.channels[channel.ID]; exists && existing.CommunityID == channel.CommunityID {
		c := *existing
		return &c, nil
	}

	c := *channel
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.channels[c.ID] = &c
	if _, exists := s.communities[c.CommunityID]; !exists {
		s.communities[c.CommunityID] = &models.Community{ID: c.CommunityID}
	}

	out := c
	return &out, nil
}

func (s *MemoryStorage) GetCommunity(ctx context.Context, communityID int64) (*models.Community, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if community, exists := s.communities[communityID]; exists {
		c := *community
		return &c, nil
	}
	return &models.Community{ID: communityID}, nil
}

func (s *MemoryStorage) UpsertCommunity(ctx context.Context, community *models.Community) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *community
	s.communities[c.ID] = &c
	return nil
}

// Persona methods
func (s *MemoryStorage) UpsertPersona(ctx context.Context, persona *models.Persona) (*models.Persona, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := *persona
	p.UpdatedAt = time.Now()
	s.personas[p.ID] = &p

	out := p
	return &out, nil
}

func (s *MemoryStorage) GetPersona(ctx context.Context, id string) (*models.Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if persona, exists := s.personas[id]; exists {
		p := *persona
		return &p, nil
	}
	return nil, ErrNotFound
}

// Session methods
func (s *MemoryStorage) CreateSession(ctx context.Context, session *models.Session, first *models.HistoryMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session %s already exists", session.ID)
	}

	sess := *session
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	s.sessions[sess.ID] = &sess

	if first != nil {
		msg := *first
		msg.SessionID = sess.ID
		msg.Ordinal = 1
		msg.CreatedAt = sess.CreatedAt
		s.history[sess.ID] = []models.HistoryMessage{msg}
	}
	return nil
}

func (s *MemoryStorage) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if session, exists := s.sessions[id]; exists {
		sess := *session
		return &sess, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) ListChannelSessions(ctx context.Context, channelID int64) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sessions []*models.Session
	for _, session := range s.sessions {
		if session.ChannelID == channelID {
			sess := *session
			sessions = append(sessions, &sess)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// History methods
func (s *MemoryStorage) AppendHistory(ctx context.Context, sessionID, role, content string) (*models.HistoryMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; !exists {
		return nil, ErrNotFound
	}

	messages := s.history[sessionID]
	ordinal := 1
	if n := len(messages); n > 0 {
		ordinal = messages[n-1].Ordinal + 1
	}

	msg := models.HistoryMessage{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Ordinal:   ordinal,
		CreatedAt: time.Now(),
	}
	s.history[sessionID] = append(messages, msg)
	return &msg, nil
}

func (s *MemoryStorage) ListHistory(ctx context.Context, sessionID string) ([]models.HistoryMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := s.history[sessionID]
	out := make([]models.HistoryMessage, len(messages))
	copy(out, messages)
	return out, nil
}

func (s *MemoryStorage) ReplaceHistoryContent(ctx context.Context, sessionID string, ordinal int, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := s.history[sessionID]
	for i := range messages {
		if messages[i].Ordinal == ordinal {
			messages[i].Content = content
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
