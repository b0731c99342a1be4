package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-assessment/internal/model"
)

// SessionRepository handles session and result data access.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// HistoryEntry is one recorded session with the slot metadata needed to
// aggregate it again.
type HistoryEntry struct {
	Result model.SessionResult
	Slots  []model.QuestionSlot
}

// Create inserts a session together with its test content. The answer key
// is stored apart from the slots, which never serialize it.
func (r *SessionRepository) Create(ctx context.Context, s model.Session, def model.TestDefinition) error {
	slots, err := json.Marshal(def.Slots)
	if err != nil {
		return fmt.Errorf("encode slots: %w", err)
	}
	key, err := json.Marshal(model.KeyFromSlots(def.Slots))
	if err != nil {
		return fmt.Errorf("encode answer key: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, test_definition_id, duration_seconds, state, slots, answer_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.UserID, s.TestDefinitionID, s.DurationSeconds, s.State, slots, key, s.CreatedAt,
	)
	return err
}

// MarkStarted records the start of the countdown.
func (r *SessionRepository) MarkStarted(ctx context.Context, id uuid.UUID, startedAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET state = $1, started_at = $2
		 WHERE id = $3 AND state = $4`,
		model.SessionStateInProgress, startedAt, id, model.SessionStateCreated,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrInvalidTransition
	}
	return nil
}

// Get retrieves a session record.
func (r *SessionRepository) Get(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	s := &model.Session{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, test_definition_id, started_at, duration_seconds, state, created_at
		 FROM sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.UserID, &s.TestDefinitionID, &s.StartedAt, &s.DurationSeconds, &s.State, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SaveResult writes the final record and the terminal session state in one
// transaction. A second write for the same session returns
// model.ErrAlreadyRecorded and changes nothing.
func (r *SessionRepository) SaveResult(ctx context.Context, res model.SessionResult) error {
	summary, err := json.Marshal(res.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	scored, err := json.Marshal(res.ScoredQuestions)
	if err != nil {
		return fmt.Errorf("encode scored questions: %w", err)
	}
	aggs, err := json.Marshal(res.Aggregates)
	if err != nil {
		return fmt.Errorf("encode aggregates: %w", err)
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO session_results
				(session_id, user_id, test_definition_id, state, score, total, total_time_seconds,
				 summary, scored_questions, aggregates, frozen_at, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (session_id) DO NOTHING`,
			res.SessionID, res.UserID, res.TestDefinitionID, res.State,
			res.Summary.Score, res.Summary.Total, res.Summary.TotalTimeSeconds,
			summary, scored, aggs, res.FrozenAt, res.RecordedAt,
		)
		if err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.ErrAlreadyRecorded
		}

		_, err = tx.Exec(ctx,
			`UPDATE sessions SET state = $1, finished_at = $2 WHERE id = $3`,
			res.State, res.FrozenAt, res.SessionID,
		)
		if err != nil {
			return fmt.Errorf("update session state: %w", err)
		}
		return nil
	})
}

// GetResult returns the recorded result of a session. It returns
// model.ErrResultPending when the session exists without a result.
func (r *SessionRepository) GetResult(ctx context.Context, id uuid.UUID) (*model.SessionResult, error) {
	var (
		res      model.SessionResult
		recorded *time.Time
		summary  []byte
		scored   []byte
		aggs     []byte
		state    *model.SessionState
		userID   *string
		defID    *string
		frozenAt *time.Time
	)
	err := r.pool.QueryRow(ctx,
		`SELECT s.id, r.user_id, r.test_definition_id, r.state, r.summary, r.scored_questions,
		        r.aggregates, r.frozen_at, r.recorded_at
		 FROM sessions s
		 LEFT JOIN session_results r ON r.session_id = s.id
		 WHERE s.id = $1`, id,
	).Scan(&res.SessionID, &userID, &defID, &state, &summary, &scored, &aggs, &frozenAt, &recorded)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if recorded == nil {
		return nil, model.ErrResultPending
	}

	res.UserID, res.TestDefinitionID, res.State = *userID, *defID, *state
	res.FrozenAt, res.RecordedAt = *frozenAt, *recorded
	if err := decodeResult(&res, summary, scored, aggs); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListHistory returns a user's recorded sessions, newest first.
func (r *SessionRepository) ListHistory(ctx context.Context, userID string, limit int) ([]HistoryEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT r.session_id, r.user_id, r.test_definition_id, r.state, r.summary, r.scored_questions,
		        r.aggregates, r.frozen_at, r.recorded_at, s.slots
		 FROM session_results r
		 JOIN sessions s ON s.id = r.session_id
		 WHERE r.user_id = $1
		 ORDER BY r.recorded_at DESC
		 LIMIT $2`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			e                           HistoryEntry
			summary, scored, aggs, slot []byte
		)
		if err := rows.Scan(
			&e.Result.SessionID, &e.Result.UserID, &e.Result.TestDefinitionID, &e.Result.State,
			&summary, &scored, &aggs, &e.Result.FrozenAt, &e.Result.RecordedAt, &slot,
		); err != nil {
			return nil, err
		}
		if err := decodeResult(&e.Result, summary, scored, aggs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(slot, &e.Slots); err != nil {
			return nil, fmt.Errorf("decode slots: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func decodeResult(res *model.SessionResult, summary, scored, aggs []byte) error {
	if err := json.Unmarshal(summary, &res.Summary); err != nil {
		return fmt.Errorf("decode summary: %w", err)
	}
	if err := json.Unmarshal(scored, &res.ScoredQuestions); err != nil {
		return fmt.Errorf("decode scored questions: %w", err)
	}
	if err := json.Unmarshal(aggs, &res.Aggregates); err != nil {
		return fmt.Errorf("decode aggregates: %w", err)
	}
	return nil
}
