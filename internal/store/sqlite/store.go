// Package sqlite implements the tunlify catalog backed by a SQLite database.
// It manages users, tunnels, connection tokens, and remote port reservations.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for all tunlify persistence operations.
type Store struct {
	db *sql.DB

	findTunnelByTokenStmt *sql.Stmt
	findActiveTunnelStmt  *sql.Stmt
	userByAPIKeyHashStmt  *sql.Stmt
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode and busy_timeout are database-wide; set them once here.
	// foreign_keys and synchronous are per-connection and are handled via DSN _pragma parameters.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// prepareStatements pre-compiles the hot-path lookups: token resolution on
// control channel connects and active-tunnel resolution on every ingress request.
func (s *Store) prepareStatements(ctx context.Context) error {
	var err error
	if s.findTunnelByTokenStmt, err = s.db.PrepareContext(ctx, findTunnelByTokenQuery); err != nil {
		return fmt.Errorf("prepare token lookup: %w", err)
	}
	if s.findActiveTunnelStmt, err = s.db.PrepareContext(ctx, findActiveTunnelQuery); err != nil {
		return fmt.Errorf("prepare active tunnel lookup: %w", err)
	}
	if s.userByAPIKeyHashStmt, err = s.db.PrepareContext(ctx, findUserByAPIKeyHashQuery); err != nil {
		return fmt.Errorf("prepare api key lookup: %w", err)
	}
	return nil
}

// Close closes the prepared statements and the underlying database connection.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{s.findTunnelByTokenStmt, s.findActiveTunnelStmt, s.userByAPIKeyHashStmt} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}
