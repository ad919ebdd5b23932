package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"deployproof/internal/domain"
)

// APIKeyPrefix marks secrets issued by IssueAPIKey.
const APIKeyPrefix = "dp_"

var ErrMalformedAPIKey = errors.New("malformed api key")

const apiKeyColumns = `id, actor_id, COALESCE(name,''), key_hash, created_at, COALESCE(last_used_at,'')`

// HashAPIKey is the stored form of a secret. Only the digest is persisted.
func HashAPIKey(secret string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(secret)))
	return hex.EncodeToString(sum[:])
}

// IssueAPIKey builds a key for actorID and returns it with its one-time secret.
func IssueAPIKey(actorID, name string, now time.Time) (domain.APIKey, string) {
	secret := APIKeyPrefix + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	return domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   strings.TrimSpace(actorID),
		Name:      strings.TrimSpace(name),
		KeyHash:   HashAPIKey(secret),
		CreatedAt: now.UTC().Format(time.RFC3339),
	}, secret
}

func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return errors.New("api key id required")
	case key.ActorID == "":
		return errors.New("api key actor required")
	case len(key.KeyHash) != sha256.Size*2:
		return errors.New("api key hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO api_keys(id,actor_id,name,key_hash,created_at) VALUES (?,?,?,?,?)`),
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

// AuthenticateAPIKey resolves a presented secret to its key and stamps last_used_at.
func (r Repo) AuthenticateAPIKey(ctx context.Context, secret string, now time.Time) (domain.APIKey, error) {
	secret = strings.TrimSpace(secret)
	if !strings.HasPrefix(secret, APIKeyPrefix) || len(secret) == len(APIKeyPrefix) {
		return domain.APIKey{}, ErrMalformedAPIKey
	}
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`), HashAPIKey(secret))
	key, err := scanAPIKey(row)
	if err != nil {
		return domain.APIKey{}, err
	}
	key.LastUsedAt = now.UTC().Format(time.RFC3339)
	if _, err := r.DB.ExecContext(ctx, r.q(`UPDATE api_keys SET last_used_at=? WHERE id=?`), key.LastUsedAt, key.ID); err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}

// ListAPIKeys returns keys newest first, optionally for one actor.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query+` ORDER BY created_at DESC, id DESC`), args...)
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

func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, r.q(`DELETE FROM api_keys WHERE id=?`), strings.TrimSpace(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (domain.APIKey, error) {
	var key domain.APIKey
	err := row.Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &key.CreatedAt, &key.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	return key, err
}
