package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

var credentialColumns = []string{"user_id", "provider", "enc_api_key", "store_pref", "default_model", "updated_at"}

func (s *Store) GetCredential(ctx context.Context, userID, provider string) (Credential, error) {
	q := s.sql.Select(credentialColumns...).
		From("provider_credentials").
		Where(sq.Eq{"user_id": userID, "provider": provider})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Credential{}, fmt.Errorf("build get credential query: %w", err)
	}

	var c Credential
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&c.UserID, &c.Provider, &c.EncAPIKey, &c.StorePref, &c.DefaultModel, &c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

// SaveCredential upserts the key material and store preference of a
// credential and records the audit entry in the same transaction. The
// per-provider default model is left untouched.
func (s *Store) SaveCredential(ctx context.Context, c Credential, audit AuditEntry) error {
	q := s.sql.Insert("provider_credentials").
		Columns("user_id", "provider", "enc_api_key", "store_pref", "updated_at").
		Values(c.UserID, c.Provider, c.EncAPIKey, c.StorePref, s.now()).
		Suffix("ON CONFLICT(user_id, provider) DO UPDATE SET enc_api_key=excluded.enc_api_key, store_pref=excluded.store_pref, updated_at=excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build save credential query: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("save credential: %w", err)
		}
		if audit.Action != "" {
			if err := s.insertAudit(ctx, tx, audit); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) SetCredentialDefaultModel(ctx context.Context, userID, provider, model string) error {
	q := s.sql.Insert("provider_credentials").
		Columns("user_id", "provider", "default_model", "updated_at").
		Values(userID, provider, model, s.now()).
		Suffix("ON CONFLICT(user_id, provider) DO UPDATE SET default_model=excluded.default_model, updated_at=excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set default model query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set default model: %w", err)
	}
	return nil
}

// ReplaceCiphertext swaps the stored ciphertext only if it still equals
// expected, so a concurrent save is never overwritten by a rotation pass.
func (s *Store) ReplaceCiphertext(ctx context.Context, userID, provider, expected, replacement string) (bool, error) {
	q := s.sql.Update("provider_credentials").
		Set("enc_api_key", replacement).
		Set("updated_at", s.now()).
		Where(sq.Eq{"user_id": userID, "provider": provider, "enc_api_key": expected})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build replace ciphertext query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("replace ciphertext: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("replace ciphertext rows: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ListCredentials(ctx context.Context, userID string) ([]Credential, error) {
	return s.listCredentials(ctx, sq.Eq{"user_id": userID})
}

func (s *Store) ListCloudCredentials(ctx context.Context) ([]Credential, error) {
	return s.listCredentials(ctx, sq.And{sq.Eq{"store_pref": "CLOUD"}, sq.NotEq{"enc_api_key": ""}})
}

func (s *Store) listCredentials(ctx context.Context, where sq.Sqlizer) ([]Credential, error) {
	q := s.sql.Select(credentialColumns...).
		From("provider_credentials").
		Where(where).
		OrderBy("user_id ASC", "provider ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list credentials query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	out := make([]Credential, 0)
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.UserID, &c.Provider, &c.EncAPIKey, &c.StorePref, &c.DefaultModel, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credential rows: %w", err)
	}
	return out, nil
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	return s.insertAudit(ctx, s.db, e)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertAudit(ctx context.Context, db execer, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" || !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}
	q := s.sql.Insert("audit_log").
		Columns("user_id", "action", "meta_json", "created_at").
		Values(e.UserID, e.Action, e.MetaJSON, s.now())
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, userID string, limit uint64) ([]AuditEntry, error) {
	if limit == 0 {
		limit = 50
	}
	q := s.sql.Select("user_id", "action", "meta_json").
		From("audit_log").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("id DESC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list audit query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	out := make([]AuditEntry, 0)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.UserID, &e.Action, &e.MetaJSON); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}
