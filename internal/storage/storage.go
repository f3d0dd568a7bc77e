package storage

import (
	"context"
	"errors"
	"time"

	"github.com/xaenox/persona-gateway/internal/models"
)

// ErrNotFound is returned when a keyed lookup has no record.
var ErrNotFound = errors.New("storage: not found")

type Storage interface {
	BanStorage
	SessionStorage
	HistoryStorage

	UpsertChannel(ctx context.Context, channel *models.Channel) (*models.Channel, error)
	GetCommunity(ctx context.Context, communityID int64) (*models.Community, error)
	UpsertCommunity(ctx context.Context, community *models.Community) error

	UpsertPersona(ctx context.Context, persona *models.Persona) (*models.Persona, error)
	GetPersona(ctx context.Context, id string) (*models.Persona, error)

	Close() error
}

// BanStorage returns a nil ban and a nil error from FindBan when the user is not banned.
type BanStorage interface {
	FindBan(ctx context.Context, userID int64) (*models.Ban, error)
	CreateBan(ctx context.Context, ban *models.Ban) error
	DeleteBan(ctx context.Context, userID int64) error
	// DeleteExpiredBans removes bans whose duration elapsed at now and
	// returns how many were removed.
	DeleteExpiredBans(ctx context.Context, now time.Time) (int64, error)
}

type SessionStorage interface {
	// CreateSession stores the session and, when first is not nil, its first
	// history message in a single transaction.
	CreateSession(ctx context.Context, session *models.Session, first *models.HistoryMessage) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListChannelSessions(ctx context.Context, channelID int64) ([]*models.Session, error)
}

type HistoryStorage interface {
	// AppendHistory assigns the next ordinal of the session to the message.
	AppendHistory(ctx context.Context, sessionID, role, content string) (*models.HistoryMessage, error)
	ListHistory(ctx context.Context, sessionID string) ([]models.HistoryMessage, error)
	ReplaceHistoryContent(ctx context.Context, sessionID string, ordinal int, content string) error
}
