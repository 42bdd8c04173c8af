package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var ErrSessionNotFound = errors.New("chat session not found")

// CreateSession inserts an empty chat document and returns its id. Ids are
// UUIDv7 so they sort in creation order.
func (s *Store) CreateSession(ctx context.Context, userID, problemID string, imageURL *string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate chat id: %w", err)
	}
	chatID := id.String()
	now := s.now()

	q := s.sql.Insert("chat_sessions").
		Columns("chat_id", "user_id", "problem_id", "image_url", "created_at", "updated_at").
		Values(chatID, userID, problemID, imageURL, now, now)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build create session query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return chatID, nil
}

// AppendMessages pushes messages onto the end of the session's log and bumps
// updated_at in one transaction.
func (s *Store) AppendMessages(ctx context.Context, chatID string, messages []Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.touchSession(ctx, tx, chatID); err != nil {
			return err
		}

		q := s.sql.Select("COALESCE(MAX(seq), -1)").
			From("chat_messages").
			Where(sq.Eq{"chat_id": chatID})
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build max seq query: %w", err)
		}
		var last int64
		if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&last); err != nil {
			return fmt.Errorf("read max seq: %w", err)
		}
		return s.insertMessages(ctx, tx, chatID, last+1, messages)
	})
}

// OverwriteMessages replaces the session's whole log.
func (s *Store) OverwriteMessages(ctx context.Context, chatID string, messages []Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.touchSession(ctx, tx, chatID); err != nil {
			return err
		}
		del := s.sql.Delete("chat_messages").Where(sq.Eq{"chat_id": chatID})
		sqlStr, args, err := del.ToSql()
		if err != nil {
			return fmt.Errorf("build clear messages query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("clear messages: %w", err)
		}
		return s.insertMessages(ctx, tx, chatID, 0, messages)
	})
}

func (s *Store) touchSession(ctx context.Context, tx *sql.Tx, chatID string) error {
	q := s.sql.Update("chat_sessions").
		Set("updated_at", s.now()).
		Where(sq.Eq{"chat_id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build touch session query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch session rows: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *Store) insertMessages(ctx context.Context, tx *sql.Tx, chatID string, firstSeq int64, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	q := s.sql.Insert("chat_messages").Columns("chat_id", "seq", "role", "content")
	for i, m := range messages {
		q = q.Values(chatID, firstSeq+int64(i), m.Role, m.Content)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert messages query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert messages: %w", err)
	}
	return nil
}

func (s *Store) FetchMessages(ctx context.Context, chatID string) ([]Message, error) {
	var out []Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := s.sessionExists(ctx, tx, chatID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrSessionNotFound
		}
		out, err = s.loadMessages(ctx, tx, chatID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchSession returns the complete chat document.
func (s *Store) FetchSession(ctx context.Context, chatID string) (Session, error) {
	var out Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		q := s.sql.Select("chat_id", "user_id", "problem_id", "image_url", "created_at", "updated_at").
			From("chat_sessions").
			Where(sq.Eq{"chat_id": chatID})
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build fetch session query: %w", err)
		}
		var imageURL sql.NullString
		if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(
			&out.ChatID, &out.UserID, &out.ProblemID, &imageURL, &out.CreatedAt, &out.UpdatedAt,
		); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrSessionNotFound
			}
			return fmt.Errorf("fetch session: %w", err)
		}
		if imageURL.Valid {
			out.ImageURL = &imageURL.String
		}
		out.Messages, err = s.loadMessages(ctx, tx, chatID)
		return err
	})
	if err != nil {
		return Session{}, err
	}
	return out, nil
}

func (s *Store) sessionExists(ctx context.Context, tx *sql.Tx, chatID string) (bool, error) {
	q := s.sql.Select("1").From("chat_sessions").Where(sq.Eq{"chat_id": chatID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build session exists query: %w", err)
	}
	var one int
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("session exists: %w", err)
	}
	return true, nil
}

func (s *Store) loadMessages(ctx context.Context, tx *sql.Tx, chatID string) ([]Message, error) {
	q := s.sql.Select("role", "content").
		From("chat_messages").
		Where(sq.Eq{"chat_id": chatID}).
		OrderBy("seq ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build load messages query: %w", err)
	}
	rows, err := tx.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

// ListByProblem returns the user's sessions for a problem, most recent first.
func (s *Store) ListByProblem(ctx context.Context, userID, problemID string) ([]SessionSummary, error) {
	q := s.sql.Select(
		"s.chat_id", "s.created_at", "s.updated_at", "s.image_url",
		"(SELECT COUNT(*) FROM chat_messages m WHERE m.chat_id = s.chat_id)",
	).From("chat_sessions s").
		Where(sq.Eq{"s.user_id": userID, "s.problem_id": problemID}).
		OrderBy("s.created_at DESC", "s.chat_id DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sessions query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]SessionSummary, 0)
	for rows.Next() {
		var sum SessionSummary
		var imageURL sql.NullString
		if err := rows.Scan(&sum.ChatID, &sum.CreatedAt, &sum.UpdatedAt, &imageURL, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		if imageURL.Valid {
			sum.ImageURL = &imageURL.String
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

// DeleteSession removes the document and its messages. It reports whether
// exactly one session was removed.
func (s *Store) DeleteSession(ctx context.Context, chatID string) (bool, error) {
	var removed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		delMsgs := s.sql.Delete("chat_messages").Where(sq.Eq{"chat_id": chatID})
		sqlStr, args, err := delMsgs.ToSql()
		if err != nil {
			return fmt.Errorf("build delete messages query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}

		delSession := s.sql.Delete("chat_sessions").Where(sq.Eq{"chat_id": chatID})
		sqlStr, args, err = delSession.ToSql()
		if err != nil {
			return fmt.Errorf("build delete session query: %w", err)
		}
		res, err := tx.ExecContext(ctx, sqlStr, args...)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete session rows: %w", err)
		}
		removed = n == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// AggregateStatistics summarizes the sessions matching f. No matches yields
// the zero Stats.
func (s *Store) AggregateStatistics(ctx context.Context, f StatsFilter) (Stats, error) {
	where := sq.Eq{}
	if strings.TrimSpace(f.UserID) != "" {
		where["s.user_id"] = f.UserID
	}
	if strings.TrimSpace(f.ProblemID) != "" {
		where["s.problem_id"] = f.ProblemID
	}

	perSession := s.sql.Select(
		"s.user_id", "s.problem_id",
		"(SELECT COUNT(*) FROM chat_messages m WHERE m.chat_id = s.chat_id) AS message_count",
	).From("chat_sessions s")
	if len(where) > 0 {
		perSession = perSession.Where(where)
	}

	q := s.sql.Select(
		"COUNT(*)",
		"COALESCE(SUM(t.message_count), 0)",
		"COALESCE(AVG(t.message_count), 0)",
		"COUNT(DISTINCT t.user_id)",
		"COUNT(DISTINCT t.problem_id)",
	).FromSelect(perSession, "t")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Stats{}, fmt.Errorf("build statistics query: %w", err)
	}

	var out Stats
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&out.TotalSessions,
		&out.TotalMessages,
		&out.AvgMessagesPerSession,
		&out.DistinctUserCount,
		&out.DistinctProblemCount,
	); err != nil {
		return Stats{}, fmt.Errorf("aggregate statistics: %w", err)
	}
	out.AvgMessagesPerSession = math.Round(out.AvgMessagesPerSession*100) / 100
	return out, nil
}
