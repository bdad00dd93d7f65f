package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/quorum-ai/quorum/internal/domain"
)

// --- Stored facts ---

func (s *Store) GetFact(ctx context.Context, userID, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM facts WHERE user_id = $1 AND key = $2`, userID, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("get fact %s/%s: %w", userID, key, domain.ErrNotFound)
		}
		return "", fmt.Errorf("get fact %s/%s: %w", userID, key, err)
	}
	return value, nil
}

func (s *Store) SetFact(ctx context.Context, userID, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO facts (user_id, key, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (user_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		userID, key, value)
	if err != nil {
		return fmt.Errorf("set fact %s/%s: %w", userID, key, err)
	}
	return nil
}
