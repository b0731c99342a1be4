package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-assessment/internal/analytics"
	"github.com/stemsi/exstem-assessment/internal/config"
	"github.com/stemsi/exstem-assessment/internal/database"
	"github.com/stemsi/exstem-assessment/internal/logger"
	"github.com/stemsi/exstem-assessment/internal/model"
	"github.com/stemsi/exstem-assessment/internal/repository"
	"github.com/stemsi/exstem-assessment/internal/scoring"
	"github.com/stemsi/exstem-assessment/internal/service"
	"github.com/stemsi/exstem-assessment/internal/session"
)

func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	var timeout time.Duration

	root := &cobra.Command{
		Use:           "analytics",
		Short:         "Print performance analytics from recorded sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Query timeout")

	engine := analytics.New(analytics.Thresholds{
		Strength: cfg.Scoring.StrengthThreshold,
		Weakness: cfg.Scoring.WeaknessThreshold,
	})

	root.AddCommand(
		&cobra.Command{
			Use:   "user <user_id>",
			Short: "Aggregate every recorded session of a user",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()

				repo, closeDB, err := openRepository(ctx, cfg, log)
				if err != nil {
					return err
				}
				defer closeDB()

				// History only reads durable results, so no live sessions are held.
				manager := session.NewManager(session.Deps{Log: log}, 0, log)
				svc := service.NewAssessmentService(manager, repo, nil, nil, nil, engine, log)

				hist, err := svc.History(ctx, args[0])
				if err != nil {
					return fmt.Errorf("history: %w", err)
				}
				return printJSON(cmd, hist)
			},
		},
		&cobra.Command{
			Use:   "session <session_id>",
			Short: "Print the report and benchmark of one recorded session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid session id %q: %w", args[0], err)
				}

				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()

				pool, err := database.NewPostgresPool(ctx, cfg, log)
				if err != nil {
					return err
				}
				defer pool.Close()

				res, err := repository.NewSessionRepository(pool).GetResult(ctx, id)
				if err != nil {
					return fmt.Errorf("load result: %w", err)
				}

				view := model.ResultsView{
					Result:     res,
					Report:     engine.Report(res.Summary, res.Aggregates),
					Comparison: scoring.Comparison(res.TestDefinitionID, res.ScoredQuestions),
				}
				if view.Benchmark, err = repository.NewBenchmarkRepository(pool).Benchmark(ctx, view.Comparison); err != nil {
					log.Warn().Err(err).Msg("Benchmark unavailable")
				}
				return printJSON(cmd, view)
			},
		},
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("Analytics failed")
		os.Exit(1)
	}
}

func openRepository(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*repository.SessionRepository, func(), error) {
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return repository.NewSessionRepository(pool), pool.Close, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
