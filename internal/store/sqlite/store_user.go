package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/tunlify/tunlify/internal/domain"
)

const userColumns = `id, email, name, api_key_hash, created_at`

const findUserByAPIKeyHashQuery = `
SELECT ` + userColumns + `
FROM users
WHERE api_key_hash = ?
LIMIT 1`

// CreateUser inserts a new user with a pre-hashed API key. Duplicate emails
// map to domain.ErrConflict.
func (s *Store) CreateUser(ctx context.Context, email, name, apiKeyHash string) (*domain.User, error) {
	id, err := newID("u")
	if err != nil {
		return nil, err
	}
	u := &domain.User{
		ID:         id,
		Email:      strings.ToLower(strings.TrimSpace(email)),
		Name:       strings.TrimSpace(name),
		APIKeyHash: apiKeyHash,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO users(id, email, name, api_key_hash, created_at)
VALUES(?, ?, ?, ?, ?)`, u.ID, u.Email, u.Name, u.APIKeyHash, u.CreatedAt)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return nil, domain.ErrConflict
		}
		return nil, err
	}
	return u, nil
}

// FindUserByAPIKeyHash resolves a hashed API key to its user. Unknown hashes
// return domain.ErrUnauthorized so callers need not distinguish lookup misses
// from bad credentials.
func (s *Store) FindUserByAPIKeyHash(ctx context.Context, hash string) (*domain.User, error) {
	row := s.userByAPIKeyHashStmt.QueryRowContext(ctx, hash)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUnauthorized
	}
	return u, err
}

// FindUserByID fetches a single user row by primary key.
func (s *Store) FindUserByID(ctx context.Context, id string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+userColumns+`
FROM users
WHERE id = ?
LIMIT 1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	return u, err
}

func scanUser(row rowScanner) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.APIKeyHash, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}
