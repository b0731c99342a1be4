package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-assessment/internal/model"
)

// BenchmarkRepository computes peer benchmarks from recorded results.
type BenchmarkRepository struct {
	pool *pgxpool.Pool
}

// NewBenchmarkRepository creates a new BenchmarkRepository.
func NewBenchmarkRepository(pool *pgxpool.Pool) *BenchmarkRepository {
	return &BenchmarkRepository{pool: pool}
}

// Benchmark compares a summary with every recorded result of the same test
// definition. Percentile is the share of participants scoring strictly lower.
func (r *BenchmarkRepository) Benchmark(ctx context.Context, c model.ComparisonSummary) (*model.Benchmark, error) {
	b := &model.Benchmark{TestDefinitionID: c.TestDefinitionID}

	var below int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COALESCE(AVG(score), 0)::float8,
		        COALESCE(AVG(total_time_seconds), 0)::float8,
		        COUNT(*) FILTER (WHERE score < $2)
		 FROM session_results
		 WHERE test_definition_id = $1`,
		c.TestDefinitionID, c.Score,
	).Scan(&b.Participants, &b.AverageScore, &b.AverageTime, &below)
	if err != nil {
		return nil, err
	}

	if b.Participants > 0 {
		b.Percentile = float64(below) / float64(b.Participants) * 100
	}
	return b, nil
}
