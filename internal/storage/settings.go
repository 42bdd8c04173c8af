package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) GetAISettings(ctx context.Context, userID string) (AISettings, error) {
	q := s.sql.Select("user_id", "default_provider", "default_model", "pre_prompt", "updated_at").
		From("ai_settings").
		Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return AISettings{}, fmt.Errorf("build get ai settings query: %w", err)
	}
	var out AISettings
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&out.UserID, &out.DefaultProvider, &out.DefaultModel, &out.PrePrompt, &out.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AISettings{}, ErrNotFound
		}
		return AISettings{}, fmt.Errorf("get ai settings: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertAISettings(ctx context.Context, a AISettings) error {
	q := s.sql.Insert("ai_settings").
		Columns("user_id", "default_provider", "default_model", "pre_prompt", "updated_at").
		Values(a.UserID, a.DefaultProvider, a.DefaultModel, a.PrePrompt, s.now()).
		Suffix("ON CONFLICT(user_id) DO UPDATE SET default_provider=excluded.default_provider, default_model=excluded.default_model, pre_prompt=excluded.pre_prompt, updated_at=excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build upsert ai settings query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert ai settings: %w", err)
	}
	return nil
}
