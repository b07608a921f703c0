package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"gateflow/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return errors.New("id required")
	case key.Subject == "":
		return errors.New("subject required")
	case key.KeyHash == "":
		return errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = r.now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id, subject, name, scopes, key_hash, created_at) VALUES (?,?,?,?,?,?)`,
		key.ID, key.Subject, nullable(key.Name), strings.Join(key.Scopes, ","), key.KeyHash, key.CreatedAt)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row scanner) (domain.APIKey, error) {
	var key domain.APIKey
	var scopes string
	if err := row.Scan(&key.ID, &key.Subject, &key.Name, &scopes, &key.KeyHash, &key.CreatedAt); err != nil {
		return domain.APIKey{}, err
	}
	if scopes != "" {
		key.Scopes = strings.Split(scopes, ",")
	}
	return key, nil
}

const apiKeyColumns = `id, subject, COALESCE(name,''), scopes, key_hash, created_at`

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	key, err := scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=? LIMIT 1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	return key, err
}

// ListAPIKeys returns API keys, optionally filtered by subject.
func (r Repo) ListAPIKeys(ctx context.Context, subject string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	var args []any
	if subject != "" {
		query += ` WHERE subject=?`
		args = append(args, subject)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey deletes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
