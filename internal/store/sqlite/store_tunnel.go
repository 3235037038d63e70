package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/tunlify/tunlify/internal/auth"
	"github.com/tunlify/tunlify/internal/domain"
)

const tunnelColumns = `id, user_id, subdomain, region, service_type, protocol, local_port, remote_port, connection_token, status, client_connected, last_connected, created_at`

const findTunnelByTokenQuery = `
SELECT ` + tunnelColumns + `
FROM tunnels
WHERE connection_token = ?
LIMIT 1`

const findActiveTunnelQuery = `
SELECT ` + tunnelColumns + `
FROM tunnels
WHERE subdomain = ? AND region = ? AND status = ?
LIMIT 1`

// CreateTunnelParams carries the caller-controlled fields of a new tunnel.
// The store generates the id, connection token, and timestamps.
type CreateTunnelParams struct {
	UserID      string
	Subdomain   string
	Region      string
	ServiceType string
	Protocol    string
	LocalPort   int
	RemotePort  *int
}

// CreateTunnel inserts a new tunnel row. New tunnels start inactive and
// disconnected; the generated connection token is returned on the tunnel.
// Uniqueness violations map to domain conflict errors.
func (s *Store) CreateTunnel(ctx context.Context, p CreateTunnelParams) (*domain.Tunnel, error) {
	id, err := newID("t")
	if err != nil {
		return nil, err
	}
	token, err := auth.NewConnectionToken()
	if err != nil {
		return nil, err
	}

	t := &domain.Tunnel{
		ID:              id,
		UserID:          p.UserID,
		Subdomain:       normalizeLabel(p.Subdomain),
		Region:          normalizeLabel(p.Region),
		ServiceType:     normalizeLabel(p.ServiceType),
		Protocol:        normalizeLabel(p.Protocol),
		LocalPort:       p.LocalPort,
		RemotePort:      p.RemotePort,
		ConnectionToken: token,
		Status:          domain.StatusInactive,
		ClientConnected: false,
		CreatedAt:       time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO tunnels(id, user_id, subdomain, region, service_type, protocol, local_port, remote_port, connection_token, status, client_connected, last_connected, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?)`,
		t.ID, t.UserID, t.Subdomain, t.Region, t.ServiceType, t.Protocol, t.LocalPort, nullableInt(t.RemotePort), t.ConnectionToken, t.Status, t.CreatedAt)
	if err != nil {
		return nil, mapTunnelConflict(err, t)
	}
	return t, nil
}

// mapTunnelConflict translates SQLite unique-constraint failures into domain
// conflict errors by inspecting which column or index the driver reports.
func mapTunnelConflict(err error, t *domain.Tunnel) error {
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "unique") {
		return err
	}
	switch {
	case strings.Contains(msg, "remote_port"):
		port := 0
		if t.RemotePort != nil {
			port = *t.RemotePort
		}
		return &domain.PortInUseError{Region: t.Region, Port: port}
	case strings.Contains(msg, "subdomain"):
		return &domain.SubdomainInUseError{Subdomain: t.Subdomain, Region: t.Region}
	default:
		return err
	}
}

// FindTunnelByToken resolves a connection token presented on a control
// channel connect. Unknown tokens return domain.ErrTunnelNotFound.
func (s *Store) FindTunnelByToken(ctx context.Context, token string) (*domain.Tunnel, error) {
	row := s.findTunnelByTokenStmt.QueryRowContext(ctx, token)
	return scanTunnel(row)
}

// FindActiveTunnel resolves an ingress routing key to its tunnel. Only
// tunnels with status active are considered.
func (s *Store) FindActiveTunnel(ctx context.Context, subdomain, region string) (*domain.Tunnel, error) {
	row := s.findActiveTunnelStmt.QueryRowContext(ctx, normalizeLabel(subdomain), normalizeLabel(region), domain.StatusActive)
	return scanTunnel(row)
}

// FindTunnelByID fetches a single tunnel row by primary key.
func (s *Store) FindTunnelByID(ctx context.Context, id string) (*domain.Tunnel, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+tunnelColumns+`
FROM tunnels
WHERE id = ?
LIMIT 1`, id)
	return scanTunnel(row)
}

// ListTunnels returns all tunnels owned by the given user, newest first.
func (s *Store) ListTunnels(ctx context.Context, userID string) ([]domain.Tunnel, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+tunnelColumns+`
FROM tunnels
WHERE user_id = ?
ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Tunnel
	for rows.Next() {
		t, err := scanTunnel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// DeleteTunnel removes a tunnel owned by the given user. Deleting frees the
// subdomain and any remote port reservation in one statement.
func (s *Store) DeleteTunnel(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tunnels WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrTunnelNotFound
	}
	return nil
}

// UpdateTunnelStatus sets the lifecycle status, connectivity flag, and
// optionally the last-connected timestamp of a tunnel.
func (s *Store) UpdateTunnelStatus(ctx context.Context, id, status string, clientConnected bool, lastConnected *time.Time) error {
	var res sql.Result
	var err error
	if lastConnected != nil {
		res, err = s.db.ExecContext(ctx, `
UPDATE tunnels
SET status = ?, client_connected = ?, last_connected = ?
WHERE id = ?`, status, boolToInt(clientConnected), lastConnected.UTC(), id)
	} else {
		res, err = s.db.ExecContext(ctx, `
UPDATE tunnels
SET status = ?, client_connected = ?
WHERE id = ?`, status, boolToInt(clientConnected), id)
	}
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrTunnelNotFound
	}
	return nil
}

// IsPortFree reports whether no tunnel in the region holds the given remote port.
func (s *Store) IsPortFree(ctx context.Context, region string, port int) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
SELECT 1 FROM tunnels WHERE region = ? AND remote_port = ? LIMIT 1`, normalizeLabel(region), port).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// ActiveHostnames returns the public hostnames of all active tunnels, used by
// the TLS certificate host policy.
func (s *Store) ActiveHostnames(ctx context.Context, baseDomain string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT subdomain, region FROM tunnels WHERE status = ?`, domain.StatusActive)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var sub, region string
		if err := rows.Scan(&sub, &region); err != nil {
			return nil, err
		}
		out = append(out, sub+"."+region+"."+baseDomain)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTunnel(row rowScanner) (*domain.Tunnel, error) {
	var t domain.Tunnel
	var remotePort sql.NullInt64
	var connected int
	var lastConnected sql.NullTime
	err := row.Scan(
		&t.ID, &t.UserID, &t.Subdomain, &t.Region, &t.ServiceType, &t.Protocol,
		&t.LocalPort, &remotePort, &t.ConnectionToken, &t.Status, &connected, &lastConnected, &t.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTunnelNotFound
	}
	if err != nil {
		return nil, err
	}
	if remotePort.Valid {
		p := int(remotePort.Int64)
		t.RemotePort = &p
	}
	t.ClientConnected = connected != 0
	if lastConnected.Valid {
		ts := lastConnected.Time
		t.LastConnected = &ts
	}
	return &t, nil
}
