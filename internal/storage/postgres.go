package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/xaenox/coach-bot/internal/models"
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

	storage := &PostgresStorage{db: db, logger: logger}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

// Message methods

func (s *PostgresStorage) SaveMessage(ctx context.Context, msg *models.Message) error {
	metadata, err := models.MarshalMetadata(msg.Metadata)
	if err != nil {
		return fmt.Errorf("error encoding message metadata: %w", err)
	}

	query := `
		INSERT INTO messages (id, sender_id, scope, counterpart_id, text, is_automated, status, metadata, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`

	err = s.db.QueryRowContext(ctx, query,
		msg.ID,
		msg.SenderID,
		string(msg.Scope),
		msg.CounterpartID,
		msg.Text,
		msg.IsAutomated,
		string(msg.Status),
		metadata,
		nullableTime(msg.ScheduledAt),
	).Scan(&msg.CreatedAt)

	if err != nil {
		return fmt.Errorf("error saving message: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	query := `
		SELECT id, sender_id, scope, counterpart_id, text, is_automated, status, metadata, created_at, scheduled_at
		FROM messages
		WHERE id = $1`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	return msg, err
}

func (s *PostgresStorage) UpdateMessageStatus(ctx context.Context, id string, status models.MessageStatus) error {
	query := `
		UPDATE messages
		SET status = $1
		WHERE id = $2 AND status NOT IN ('approved', 'rejected')`

	result, err := s.db.ExecContext(ctx, query, string(status), id)
	if err != nil {
		return fmt.Errorf("error updating message status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetMessage(ctx, id); err != nil {
			return err
		}
		return ErrMessageImmutable
	}
	return nil
}

func (s *PostgresStorage) ListConversation(ctx context.Context, key models.ConversationKey, limit int) ([]*models.Message, error) {
	query := `
		SELECT id, sender_id, scope, counterpart_id, text, is_automated, status, metadata, created_at, scheduled_at
		FROM messages
		WHERE scope = $1 AND counterpart_id = $2
		ORDER BY created_at DESC
		LIMIT $3`

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, query, string(key.Scope), key.CounterpartID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying conversation: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversation rows: %w", err)
	}

	// Flip to chronological order for the reader.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Unread counter methods. The upsert mutates the count in one statement so
// concurrent arrivals serialize inside Postgres.

func (s *PostgresStorage) IncrementUnread(ctx context.Context, key models.UnreadKey) (int, error) {
	query := `
		INSERT INTO unread_counters (participant_id, scope, counterpart_id, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (participant_id, scope, counterpart_id)
		DO UPDATE SET count = unread_counters.count + 1
		RETURNING count`

	var count int
	err := s.db.QueryRowContext(ctx, query, key.ParticipantID, string(key.Scope), key.CounterpartID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("error incrementing unread counter: %w", err)
	}
	return count, nil
}

func (s *PostgresStorage) ResetUnread(ctx context.Context, key models.UnreadKey) error {
	query := `
		DELETE FROM unread_counters
		WHERE participant_id = $1 AND scope = $2 AND counterpart_id = $3`

	if _, err := s.db.ExecContext(ctx, query, key.ParticipantID, string(key.Scope), key.CounterpartID); err != nil {
		return fmt.Errorf("error resetting unread counter: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ResetIndividualUnread(ctx context.Context, participantID int64) error {
	query := `
		DELETE FROM unread_counters
		WHERE participant_id = $1 AND scope = 'individual'`

	if _, err := s.db.ExecContext(ctx, query, participantID); err != nil {
		return fmt.Errorf("error resetting individual unread counters: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ListUnread(ctx context.Context, participantID int64) (map[models.UnreadKey]int, error) {
	query := `
		SELECT scope, counterpart_id, count
		FROM unread_counters
		WHERE participant_id = $1`

	rows, err := s.db.QueryContext(ctx, query, participantID)
	if err != nil {
		return nil, fmt.Errorf("error querying unread counters: %w", err)
	}
	defer rows.Close()

	result := make(map[models.UnreadKey]int)
	for rows.Next() {
		var scope string
		var counterpartID int64
		var count int
		if err := rows.Scan(&scope, &counterpartID, &count); err != nil {
			return nil, fmt.Errorf("error scanning unread counter: %w", err)
		}
		result[models.UnreadKey{
			ParticipantID: participantID,
			Scope:         models.Scope(scope),
			CounterpartID: counterpartID,
		}] = count
	}
	return result, rows.Err()
}

// Check-in methods

func (s *PostgresStorage) CreateCheckinRun(ctx context.Context, run *models.CheckinRun) error {
	query := `
		INSERT INTO checkin_runs (recipient_id, period_key, status, triggered_at, report_ref, retried)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (recipient_id, period_key) DO NOTHING`

	result, err := s.db.ExecContext(ctx, query,
		run.RecipientID, run.PeriodKey, string(run.Status), run.TriggeredAt, run.ReportRef, run.Retried)
	if err != nil {
		return fmt.Errorf("error creating checkin run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrDuplicateCheckinRun
	}
	return nil
}

func (s *PostgresStorage) UpdateCheckinRun(ctx context.Context, recipientID int64, periodKey string, status models.CheckinStatus, reportRef string) error {
	query := `
		UPDATE checkin_runs
		SET status = $1, report_ref = COALESCE(NULLIF($2, ''), report_ref)
		WHERE recipient_id = $3 AND period_key = $4`

	result, err := s.db.ExecContext(ctx, query, string(status), reportRef, recipientID, periodKey)
	if err != nil {
		return fmt.Errorf("error updating checkin run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrCheckinRunNotFound
	}
	return nil
}

func (s *PostgresStorage) GetCheckinRun(ctx context.Context, recipientID int64, periodKey string) (*models.CheckinRun, error) {
	query := `
		SELECT recipient_id, period_key, status, triggered_at, report_ref, retried
		FROM checkin_runs
		WHERE recipient_id = $1 AND period_key = $2`

	run := &models.CheckinRun{}
	var status string
	err := s.db.QueryRowContext(ctx, query, recipientID, periodKey).Scan(
		&run.RecipientID, &run.PeriodKey, &status, &run.TriggeredAt, &run.ReportRef, &run.Retried)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckinRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying checkin run: %w", err)
	}
	run.Status = models.CheckinStatus(status)
	return run, nil
}

func (s *PostgresStorage) DeleteCheckinRun(ctx context.Context, recipientID int64, periodKey string) error {
	query := `DELETE FROM checkin_runs WHERE recipient_id = $1 AND period_key = $2`

	if _, err := s.db.ExecContext(ctx, query, recipientID, periodKey); err != nil {
		return fmt.Errorf("error deleting checkin run: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ListCheckinRecipients(ctx context.Context) ([]int64, error) {
	return s.listParticipants(ctx,
		`SELECT participant_id FROM participants WHERE checkin_enabled ORDER BY participant_id`)
}

func (s *PostgresStorage) ListGroupMembers(ctx context.Context) ([]int64, error) {
	return s.listParticipants(ctx,
		`SELECT participant_id FROM participants WHERE in_group ORDER BY participant_id`)
}

func (s *PostgresStorage) listParticipants(ctx context.Context, query string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying participants: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("error scanning participant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Moderation config methods

func (s *PostgresStorage) ModerationConfig(ctx context.Context, scope models.Scope) (*models.ModerationConfig, error) {
	query := `
		SELECT enabled, excluded_words, excluded_characters, strictness_level, custom_keywords
		FROM moderation_configs
		WHERE scope = $1`

	cfg := &models.ModerationConfig{}
	err := s.db.QueryRowContext(ctx, query, string(scope)).Scan(
		&cfg.Enabled,
		pq.Array(&cfg.ExcludedWords),
		pq.Array(&cfg.ExcludedCharacters),
		&cfg.StrictnessLevel,
		pq.Array(&cfg.CustomKeywords),
	)
	if errors.Is(err, sql.ErrNoRows) {
		// Missing config means moderation is off for the scope.
		return &models.ModerationConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying moderation config: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStorage) SetModerationConfig(ctx context.Context, scope models.Scope, cfg *models.ModerationConfig) error {
	query := `
		INSERT INTO moderation_configs (scope, enabled, excluded_words, excluded_characters, strictness_level, custom_keywords)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (scope)
		DO UPDATE SET enabled = $2, excluded_words = $3, excluded_characters = $4, strictness_level = $5, custom_keywords = $6`

	_, err := s.db.ExecContext(ctx, query,
		string(scope),
		cfg.Enabled,
		pq.Array(cfg.ExcludedWords),
		pq.Array(cfg.ExcludedCharacters),
		cfg.StrictnessLevel,
		pq.Array(cfg.CustomKeywords),
	)
	if err != nil {
		return fmt.Errorf("error saving moderation config: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var scope, status string
	var metadata []byte
	var scheduledAt sql.NullTime

	err := row.Scan(
		&msg.ID,
		&msg.SenderID,
		&scope,
		&msg.CounterpartID,
		&msg.Text,
		&msg.IsAutomated,
		&status,
		&metadata,
		&msg.CreatedAt,
		&scheduledAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("error scanning message: %w", err)
	}

	msg.Scope = models.Scope(scope)
	msg.Status = models.MessageStatus(status)
	if scheduledAt.Valid {
		msg.ScheduledAt = scheduledAt.Time
	}
	if msg.Metadata, err = models.UnmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return msg, nil
}

func nullableTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
