package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/xaenox/persona-gateway/internal/models"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := NewPostgresStorageFromDB(db, logger)

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

// NewPostgresStorageFromDB wraps an already opened database without touching the schema.
func NewPostgresStorageFromDB(db *sql.DB, logger *zap.Logger) *PostgresStorage {
	return &PostgresStorage{db: db, logger: logger}
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err = s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	s.logger.Info("Database schema initialized")
	return nil
}

func (s *PostgresStorage) FindBan(ctx context.Context, userID int64) (*models.Ban, error) {
	query := `
		SELECT user_id, banned_at, duration_hours
		FROM banned_users
		WHERE user_id = $1`

	ban := &models.Ban{}
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&ban.UserID, &ban.BannedAt, &ban.DurationHours)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying ban: %w", err)
	}

	return ban, nil
}

func (s *PostgresStorage) CreateBan(ctx context.Context, ban *models.Ban) error {
	query := `
		INSERT INTO banned_users (user_id, banned_at, duration_hours)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET banned_at = EXCLUDED.banned_at, duration_hours = EXCLUDED.duration_hours`

	if _, err := s.db.ExecContext(ctx, query, ban.UserID, ban.BannedAt, ban.DurationHours); err != nil {
		return fmt.Errorf("error creating ban: %w", err)
	}

	return nil
}

func (s *PostgresStorage) DeleteBan(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM banned_users WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("error deleting ban: %w", err)
	}

	return nil
}

func (s *PostgresStorage) DeleteExpiredBans(ctx context.Context, now time.Time) (int64, error) {
	query := `
		DELETE FROM banned_users
		WHERE banned_at + make_interval(hours => duration_hours) <= $1`

	res, err := s.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("error deleting expired bans: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error counting expired bans: %w", err)
	}
	return removed, nil
}

func (s *PostgresStorage) UpsertChannel(ctx context.Context, channel *models.Channel) (*models.Channel, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO communities (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		channel.CommunityID,
	); err != nil {
		return nil, fmt.Errorf("error tracking community: %w", err)
	}

	query := `
		INSERT INTO channels (id, community_id)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET community_id = EXCLUDED.community_id
		RETURNING id, community_id, created_at`

	out := &models.Channel{}
	if err := tx.QueryRowContext(ctx, query, channel.ID, channel.CommunityID).
		Scan(&out.ID, &out.CommunityID, &out.CreatedAt); err != nil {
		return nil, fmt.Errorf("error tracking channel: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing channel: %w", err)
	}

	return out, nil
}

func (s *PostgresStorage) GetCommunity(ctx context.Context, communityID int64) (*models.Community, error) {
	query := `
		SELECT id, openai_endpoint, openai_token, openai_model, openai_temperature,
		       openai_freq_penalty, openai_presence_penalty, openai_max_tokens,
		       jailbreak_prompt, characterai_token, characterai_plus_mode
		FROM communities
		WHERE id = $1`

	c := &models.Community{}
	err := s.db.QueryRowContext(ctx, query, communityID).Scan(
		&c.ID,
		&c.OpenAIEndpoint,
		&c.OpenAIToken,
		&c.OpenAIModel,
		&c.OpenAITemperature,
		&c.OpenAIFreqPenalty,
		&c.OpenAIPresencePenalty,
		&c.OpenAIMaxTokens,
		&c.JailbreakPrompt,
		&c.CharacterAIToken,
		&c.CharacterAIPlusMode,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.Community{ID: communityID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying community: %w", err)
	}

	return c, nil
}

func (s *PostgresStorage) UpsertCommunity(ctx context.Context, c *models.Community) error {
	query := `
		INSERT INTO communities (id, openai_endpoint, openai_token, openai_model, openai_temperature,
		                         openai_freq_penalty, openai_presence_penalty, openai_max_tokens,
		                         jailbreak_prompt, characterai_token, characterai_plus_mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			openai_endpoint = EXCLUDED.openai_endpoint,
			openai_token = EXCLUDED.openai_token,
			openai_model = EXCLUDED.openai_model,
			openai_temperature = EXCLUDED.openai_temperature,
			openai_freq_penalty = EXCLUDED.openai_freq_penalty,
			openai_presence_penalty = EXCLUDED.openai_presence_penalty,
			openai_max_tokens = EXCLUDED.openai_max_tokens,
			jailbreak_prompt = EXCLUDED.jailbreak_prompt,
			characterai_token = EXCLUDED.characterai_token,
			characterai_plus_mode = EXCLUDED.characterai_plus_mode`

	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.OpenAIEndpoint,
		c.OpenAIToken,
		c.OpenAIModel,
		c.OpenAITemperature,
		c.OpenAIFreqPenalty,
		c.OpenAIPresencePenalty,
		c.OpenAIMaxTokens,
		c.JailbreakPrompt,
		c.CharacterAIToken,
		c.CharacterAIPlusMode,
	)
	if err != nil {
		return fmt.Errorf("error saving community: %w", err)
	}

	return nil
}

func (s *PostgresStorage) UpsertPersona(ctx context.Context, p *models.Persona) (*models.Persona, error) {
	query := `
		INSERT INTO personas (id, source, name, title, greeting, description, author_name,
		                      avatar_url, definition, image_gen_enabled, interactions, stars, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (id) DO UPDATE SET
			source = EXCLUDED.source,
			name = EXCLUDED.name,
			title = EXCLUDED.title,
			greeting = EXCLUDED.greeting,
			description = EXCLUDED.description,
			author_name = EXCLUDED.author_name,
			avatar_url = EXCLUDED.avatar_url,
			definition = EXCLUDED.definition,
			image_gen_enabled = EXCLUDED.image_gen_enabled,
			interactions = EXCLUDED.interactions,
			stars = EXCLUDED.stars,
			updated_at = NOW()
		RETURNING updated_at`

	out := *p
	err := s.db.QueryRowContext(ctx, query,
		p.ID,
		string(p.Source),
		p.Name,
		p.Title,
		p.Greeting,
		p.Description,
		p.AuthorName,
		p.AvatarURL,
		p.Definition,
		p.ImageGenEnabled,
		p.Interactions,
		p.Stars,
	).Scan(&out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("error saving persona: %w", err)
	}

	return &out, nil
}

func (s *PostgresStorage) GetPersona(ctx context.Context, id string) (*models.Persona, error) {
	query := `
		SELECT id, source, name, title, greeting, description, author_name,
		       avatar_url, definition, image_gen_enabled, interactions, stars, updated_at
		FROM personas
		WHERE id = $1`

	p := &models.Persona{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.Source,
		&p.Name,
		&p.Title,
		&p.Greeting,
		&p.Description,
		&p.AuthorName,
		&p.AvatarURL,
		&p.Definition,
		&p.ImageGenEnabled,
		&p.Interactions,
		&p.Stars,
		&p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying persona: %w", err)
	}

	return p, nil
}

const sessionColumns = `id, outbound_identity_id, outbound_secret, channel_id, community_id, persona_id,
		       call_prefix, kind, external_session_ref, temperature, freq_penalty, presence_penalty,
		       max_tokens, model, endpoint, token, system_prompt, created_at`

func (s *PostgresStorage) CreateSession(ctx context.Context, session *models.Session, first *models.HistoryMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	t := session.Tuning
	_, err = tx.ExecContext(ctx, query,
		session.ID,
		session.OutboundIdentityID,
		session.OutboundSecret,
		session.ChannelID,
		session.CommunityID,
		session.PersonaID,
		session.CallPrefix,
		string(session.Kind),
		session.ExternalSessionRef,
		t.Temperature,
		t.FreqPenalty,
		t.PresencePenalty,
		t.MaxTokens,
		t.Model,
		t.Endpoint,
		t.Token,
		t.SystemPrompt,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("error creating session: %w", err)
	}

	if first != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO history_messages (session_id, ordinal, role, content, created_at)
			VALUES ($1, 1, $2, $3, $4)`,
			session.ID, first.Role, first.Content, createdAt,
		)
		if err != nil {
			return fmt.Errorf("error creating first history message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing session: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	sess := &models.Session{}
	err := row.Scan(
		&sess.ID,
		&sess.OutboundIdentityID,
		&sess.OutboundSecret,
		&sess.ChannelID,
		&sess.CommunityID,
		&sess.PersonaID,
		&sess.CallPrefix,
		&sess.Kind,
		&sess.ExternalSessionRef,
		&sess.Tuning.Temperature,
		&sess.Tuning.FreqPenalty,
		&sess.Tuning.PresencePenalty,
		&sess.Tuning.MaxTokens,
		&sess.Tuning.Model,
		&sess.Tuning.Endpoint,
		&sess.Tuning.Token,
		&sess.Tuning.SystemPrompt,
		&sess.CreatedAt,
	)
	return sess, err
}

func (s *PostgresStorage) GetSession(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying session: %w", err)
	}

	return sess, nil
}

func (s *PostgresStorage) ListChannelSessions(ctx context.Context, channelID int64) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE channel_id = $1 ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("error querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}

	return sessions, rows.Err()
}

func (s *PostgresStorage) AppendHistory(ctx context.Context, sessionID, role, content string) (*models.HistoryMessage, error) {
	query := `
		INSERT INTO history_messages (session_id, ordinal, role, content)
		SELECT $1, COALESCE(MAX(ordinal), 0) + 1, $2, $3
		FROM history_messages
		WHERE session_id = $1
		RETURNING ordinal, created_at`

	msg := &models.HistoryMessage{SessionID: sessionID, Role: role, Content: content}
	if err := s.db.QueryRowContext(ctx, query, sessionID, role, content).Scan(&msg.Ordinal, &msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("error appending history message: %w", err)
	}

	return msg, nil
}

func (s *PostgresStorage) ListHistory(ctx context.Context, sessionID string) ([]models.HistoryMessage, error) {
	query := `
		SELECT session_id, ordinal, role, content, created_at
		FROM history_messages
		WHERE session_id = $1
		ORDER BY ordinal`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("error querying history: %w", err)
	}
	defer rows.Close()

	var messages []models.HistoryMessage
	for rows.Next() {
		var msg models.HistoryMessage
		if err := rows.Scan(&msg.SessionID, &msg.Ordinal, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning history message: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (s *PostgresStorage) ReplaceHistoryContent(ctx context.Context, sessionID string, ordinal int, content string) error {
	query := `
		UPDATE history_messages
		SET content = $1
		WHERE session_id = $2 AND ordinal = $3`

	result, err := s.db.ExecContext(ctx, query, content, sessionID, ordinal)
	if err != nil {
		return fmt.Errorf("error updating history message: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
