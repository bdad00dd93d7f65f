package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quorum-ai/quorum/internal/domain"
	"github.com/quorum-ai/quorum/internal/domain/review"
	"github.com/quorum-ai/quorum/internal/port/database"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ database.Store = (*Store)(nil)

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// --- Reviews ---

func (s *Store) CreateReview(ctx context.Context, r *review.Review) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reviews (id, topic, instruction, status, total_rounds, current_round, token_budget, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.Topic, r.Instruction, r.Status, r.TotalRounds, r.CurrentRound, r.TokenBudget, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create review %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) GetReview(ctx context.Context, id string) (*review.Review, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, topic, instruction, status, total_rounds, current_round, token_budget, final_report, created_at, completed_at
		 FROM reviews WHERE id = $1`, id)

	r, err := scanReview(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get review %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get review %s: %w", id, err)
	}
	return r, nil
}

func (s *Store) ListReviews(ctx context.Context, limit int) ([]review.Review, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, topic, instruction, status, total_rounds, current_round, token_budget, final_report, created_at, completed_at
		 FROM reviews ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var reviews []review.Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, *r)
	}
	return reviews, rows.Err()
}

// UpdateReview applies the non-nil fields of upd. A no-op update (all
// fields unset) returns nil without touching the database.
func (s *Store) UpdateReview(ctx context.Context, id string, upd database.ReviewUpdate) error {
	sets := make([]string, 0, 3)
	args := []any{id}

	if upd.Status != nil {
		args = append(args, *upd.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if upd.CurrentRound != nil {
		args = append(args, *upd.CurrentRound)
		sets = append(sets, fmt.Sprintf("current_round = $%d", len(args)))
	}
	if upd.Completed {
		sets = append(sets, "completed_at = now()")
	}
	if len(sets) == 0 {
		return nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE reviews SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return fmt.Errorf("update review %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update review %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) SaveFinalReport(ctx context.Context, id string, report *review.FinalReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal final report: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE reviews SET final_report = $2 WHERE id = $1`, id, reportJSON)
	if err != nil {
		return fmt.Errorf("save final report %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save final report %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func scanReview(row scannable) (*review.Review, error) {
	var (
		r          review.Review
		reportJSON []byte
	)
	err := row.Scan(&r.ID, &r.Topic, &r.Instruction, &r.Status, &r.TotalRounds,
		&r.CurrentRound, &r.TokenBudget, &reportJSON, &r.CreatedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	if len(reportJSON) > 0 {
		var report review.FinalReport
		if err := json.Unmarshal(reportJSON, &report); err != nil {
			return nil, fmt.Errorf("unmarshal final report: %w", err)
		}
		r.FinalReport = &report
	}
	return &r, nil
}
