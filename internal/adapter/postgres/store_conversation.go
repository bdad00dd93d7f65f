package postgres

import (
	"context"
	"fmt"

	"github.com/quorum-ai/quorum/internal/domain/review"
)

// --- Conversation records ---

func (s *Store) AppendRecord(ctx context.Context, rec *review.ConversationRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_records (id, review_id, persona, round, content, at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.ReviewID, rec.Persona, rec.Round, rec.Content, rec.At)
	if err != nil {
		return fmt.Errorf("append record for review %s: %w", rec.ReviewID, err)
	}
	return nil
}

func (s *Store) ListRecords(ctx context.Context, reviewID string) ([]review.ConversationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, review_id, persona, round, content, at
		 FROM conversation_records WHERE review_id = $1 ORDER BY at`, reviewID)
	if err != nil {
		return nil, fmt.Errorf("list records for review %s: %w", reviewID, err)
	}
	defer rows.Close()

	var records []review.ConversationRecord
	for rows.Next() {
		var rec review.ConversationRecord
		if err := rows.Scan(&rec.ID, &rec.ReviewID, &rec.Persona, &rec.Round, &rec.Content, &rec.At); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Status events ---

func (s *Store) LogEvent(ctx context.Context, ev *review.StatusEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO status_events (id, review_id, type, round, payload, at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.ReviewID, ev.Type, ev.Round, ev.Payload, ev.At)
	if err != nil {
		return fmt.Errorf("log event for review %s: %w", ev.ReviewID, err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, reviewID string) ([]review.StatusEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, review_id, type, round, payload, at
		 FROM status_events WHERE review_id = $1 ORDER BY at`, reviewID)
	if err != nil {
		return nil, fmt.Errorf("list events for review %s: %w", reviewID, err)
	}
	defer rows.Close()

	var events []review.StatusEvent
	for rows.Next() {
		var ev review.StatusEvent
		if err := rows.Scan(&ev.ID, &ev.ReviewID, &ev.Type, &ev.Round, &ev.Payload, &ev.At); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
