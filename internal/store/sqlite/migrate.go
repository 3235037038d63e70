package sqlite

import (
	"context"
	"strings"
)

// Migrate creates all required tables and indexes if they do not already exist.
//
// Uniqueness lives in the schema so concurrent creates cannot race past
// application-level checks: one tunnel per (subdomain, region), one holder per
// (region, remote_port) among port-bearing tunnels, globally unique connection
// tokens, and unique user emails and API key hashes.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	api_key_hash TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS tunnels (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	subdomain TEXT NOT NULL,
	region TEXT NOT NULL,
	service_type TEXT NOT NULL,
	protocol TEXT NOT NULL,
	local_port INTEGER NOT NULL,
	remote_port INTEGER NULL,
	connection_token TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL,
	client_connected INTEGER NOT NULL DEFAULT 0,
	last_connected DATETIME NULL,
	created_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tunnels_subdomain_region ON tunnels(subdomain, region);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tunnels_region_remote_port ON tunnels(region, remote_port) WHERE remote_port IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_tunnels_user_id ON tunnels(user_id);
CREATE INDEX IF NOT EXISTS idx_tunnels_connection_token ON tunnels(connection_token);
CREATE INDEX IF NOT EXISTS idx_users_api_key_hash ON users(api_key_hash);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	// Tolerant ALTERs for databases created before these columns existed.
	alters := []string{
		`ALTER TABLE tunnels ADD COLUMN client_connected INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE tunnels ADD COLUMN last_connected DATETIME NULL`,
	}
	for _, alter := range alters {
		if _, err := s.db.ExecContext(ctx, alter); err != nil {
			if !strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
				return err
			}
		}
	}
	return nil
}
