package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-assessment/internal/model"
)

// AnswerRepository persists autosaved answers.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

type answerKey struct {
	session  uuid.UUID
	question string
}

// SaveDeltas upserts a batch with one UNNEST statement. A row only moves
// forward in version, and sessions that already have a result reject late
// writes entirely.
func (r *AnswerRepository) SaveDeltas(ctx context.Context, deltas []model.AutosaveDelta) error {
	deltas = latestPerQuestion(deltas)
	if len(deltas) == 0 {
		return nil
	}

	n := len(deltas)
	sessionIDs := make([]uuid.UUID, 0, n)
	questionIDs := make([]string, 0, n)
	options := make([]*int32, 0, n)
	spent := make([]float64, 0, n)
	modified := make([]time.Time, 0, n)
	versions := make([]int64, 0, n)

	for _, d := range deltas {
		sessionIDs = append(sessionIDs, d.SessionID)
		questionIDs = append(questionIDs, d.Record.QuestionID)
		if d.Record.SelectedOptionIndex != nil {
			v := int32(*d.Record.SelectedOptionIndex)
			options = append(options, &v)
		} else {
			options = append(options, nil)
		}
		spent = append(spent, d.Record.TimeSpentSeconds)
		modified = append(modified, d.Record.LastModifiedAt)
		versions = append(versions, d.Record.Version)
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO session_answers
			(session_id, question_id, selected_option_index, time_spent_seconds, last_modified_at, version)
		SELECT u.session_id, u.question_id, u.selected_option_index, u.time_spent_seconds, u.last_modified_at, u.version
		FROM UNNEST(
			$1::uuid[],
			$2::text[],
			$3::int[],
			$4::float8[],
			$5::timestamptz[],
			$6::bigint[]
		) AS u (session_id, question_id, selected_option_index, time_spent_seconds, last_modified_at, version)
		WHERE NOT EXISTS (
			SELECT 1 FROM session_results r WHERE r.session_id = u.session_id
		)
		ON CONFLICT (session_id, question_id) DO UPDATE
		SET selected_option_index = EXCLUDED.selected_option_index,
		    time_spent_seconds    = EXCLUDED.time_spent_seconds,
		    last_modified_at      = EXCLUDED.last_modified_at,
		    version               = EXCLUDED.version,
		    updated_at            = NOW()
		WHERE session_answers.version < EXCLUDED.version`,
		sessionIDs, questionIDs, options, spent, modified, versions,
	)
	if err != nil {
		return fmt.Errorf("upsert answers: %w", err)
	}
	return nil
}

// ListBySession returns the durable answers of a session.
func (r *AnswerRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.AnswerRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, selected_option_index, time_spent_seconds, last_modified_at, version
		 FROM session_answers
		 WHERE session_id = $1
		 ORDER BY question_id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.AnswerRecord
	for rows.Next() {
		var (
			rec model.AnswerRecord
			opt *int32
		)
		if err := rows.Scan(&rec.QuestionID, &opt, &rec.TimeSpentSeconds, &rec.LastModifiedAt, &rec.Version); err != nil {
			return nil, err
		}
		if opt != nil {
			v := int(*opt)
			rec.SelectedOptionIndex = &v
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// latestPerQuestion keeps the highest version per (session, question), since
// one upsert statement cannot touch the same row twice.
func latestPerQuestion(deltas []model.AutosaveDelta) []model.AutosaveDelta {
	idx := make(map[answerKey]int, len(deltas))
	out := make([]model.AutosaveDelta, 0, len(deltas))
	for _, d := range deltas {
		k := answerKey{d.SessionID, d.Record.QuestionID}
		if i, ok := idx[k]; ok {
			if d.Record.Version > out[i].Record.Version {
				out[i] = d
			}
			continue
		}
		idx[k] = len(out)
		out = append(out, d)
	}
	return out
}
