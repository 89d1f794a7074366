package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LoadResponse returns the stored LLM response for a request fingerprint.
func (s *Store) LoadResponse(ctx context.Context, key string) (string, bool, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM responses WHERE cache_key = ?`, key).Scan(&content)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("failed to load response: %w", err)
	}
	return content, true, nil
}

// SaveResponse stores an LLM response under its request fingerprint,
// replacing any earlier one.
func (s *Store) SaveResponse(ctx context.Context, key, model, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO responses (cache_key, model, content, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			model = excluded.model,
			content = excluded.content,
			created_at = excluded.created_at
	`, key, model, content, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save response: %w", err)
	}
	return nil
}

// ClearResponses deletes every stored response and returns how many there were.
func (s *Store) ClearResponses(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM responses`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear responses: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
