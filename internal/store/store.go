// Package store is the typed CRUD and unit-of-work gateway over peers,
// allowed IPs, and firewall rules. Every multi-row mutation runs inside a
// single transaction, using a tx.Begin/defer-Rollback/Commit idiom for
// multi-table writes.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anvil-lab/wgctl/internal/models"
	"github.com/anvil-lab/wgctl/internal/vpnerr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store is the store gateway.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// ListActivePeers returns every peer with is_active = true, without
// children (callers that need children use GetPeer per id).
func (s *Store) ListActivePeers(ctx context.Context) ([]models.Peer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, public_key, preshared_key, assigned_ip::text, endpoint,
		       persistent_keepalive, is_active, created_at, updated_at
		FROM peers WHERE is_active = TRUE ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list active peers: %w", err)
	}
	defer rows.Close()

	var out []models.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPeer fetches a single peer, eager-loading its AllowedIPs and
// FirewallRules (the latter ordered by priority, then id).
func (s *Store) GetPeer(ctx context.Context, id uuid.UUID) (*models.Peer, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, public_key, preshared_key, assigned_ip::text, endpoint,
		       persistent_keepalive, is_active, created_at, updated_at
		FROM peers WHERE id = $1
	`, id)

	p, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, vpnerr.NotFound(fmt.Sprintf("peer %s not found", id))
		}
		return nil, fmt.Errorf("get peer: %w", err)
	}

	p.AllowedIPs, err = s.allowedIPs(ctx, id)
	if err != nil {
		return nil, err
	}
	p.FirewallRules, err = s.firewallRules(ctx, id)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) allowedIPs(ctx context.Context, peerID uuid.UUID) ([]models.AllowedIP, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, peer_id, ip_network::text, description, position
		FROM allowed_ips WHERE peer_id = $1 ORDER BY position
	`, peerID)
	if err != nil {
		return nil, fmt.Errorf("list allowed ips: %w", err)
	}
	defer rows.Close()

	var out []models.AllowedIP
	for rows.Next() {
		var a models.AllowedIP
		if err := rows.Scan(&a.ID, &a.PeerID, &a.IPNetwork, &a.Description, &a.Position); err != nil {
			return nil, fmt.Errorf("scan allowed ip: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) firewallRules(ctx context.Context, peerID uuid.UUID) ([]models.FirewallRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, peer_id, name, rule_type, action, source, destination, protocol,
		       port_range, priority, is_active
		FROM firewall_rules WHERE peer_id = $1 AND is_active = TRUE
		ORDER BY priority ASC, id ASC
	`, peerID)
	if err != nil {
		return nil, fmt.Errorf("list firewall rules: %w", err)
	}
	defer rows.Close()

	var out []models.FirewallRule
	for rows.Next() {
		var r models.FirewallRule
		var source, destination *string
		if err := rows.Scan(&r.ID, &r.PeerID, &r.Name, &r.RuleType, &r.Action, &source,
			&destination, &r.Protocol, &r.PortRange, &r.Priority, &r.IsActive); err != nil {
			return nil, fmt.Errorf("scan firewall rule: %w", err)
		}
		r.Source, r.Destination = source, destination
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreatePeer inserts a new peer row. assigned_ip must already be allocated
// by IPAM; uniqueness conflicts on name/public_key/assigned_ip surface as
// vpnerr.Conflict.
func (s *Store) CreatePeer(ctx context.Context, spec models.PeerSpec, assignedIP string) (*models.Peer, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO peers (name, public_key, preshared_key, assigned_ip, endpoint, persistent_keepalive)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, name, public_key, preshared_key, assigned_ip::text, endpoint,
		          persistent_keepalive, is_active, created_at, updated_at
	`, spec.Name, spec.PublicKey, spec.PresharedKey, assignedIP, spec.Endpoint, spec.PersistentKeepalive)

	p, err := scanPeer(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, vpnerr.Conflict(fmt.Sprintf("peer with this name, public key, or address already exists: %v", err))
		}
		return nil, fmt.Errorf("create peer: %w", err)
	}
	return &p, nil
}

// ReplacePeerChildren fully replaces a peer's AllowedIPs and FirewallRules
// inside a single transaction: peer edit is a set operation, not a merge.
func (s *Store) ReplacePeerChildren(ctx context.Context, peerID uuid.UUID, allowed []models.AllowedIP, rules []models.FirewallRule) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM allowed_ips WHERE peer_id = $1`, peerID); err != nil {
		return fmt.Errorf("clear allowed ips: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM firewall_rules WHERE peer_id = $1`, peerID); err != nil {
		return fmt.Errorf("clear firewall rules: %w", err)
	}

	for i, a := range allowed {
		if _, err := tx.Exec(ctx, `
			INSERT INTO allowed_ips (peer_id, ip_network, description, position)
			VALUES ($1, $2, $3, $4)
		`, peerID, a.IPNetwork, a.Description, i); err != nil {
			return fmt.Errorf("insert allowed ip %s: %w", a.IPNetwork, err)
		}
	}

	for _, r := range rules {
		if _, err := tx.Exec(ctx, `
			INSERT INTO firewall_rules (peer_id, name, rule_type, action, source, destination,
			                             protocol, port_range, priority, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)
		`, peerID, r.Name, r.RuleType, r.Action, r.Source, r.Destination, r.Protocol, r.PortRange, r.Priority); err != nil {
			return fmt.Errorf("insert firewall rule %s: %w", r.Name, err)
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE peers SET updated_at = NOW() WHERE id = $1`, peerID); err != nil {
		return fmt.Errorf("touch peer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DeletePeer removes a peer; AllowedIP and FirewallRule rows cascade.
func (s *Store) DeletePeer(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM peers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete peer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return vpnerr.NotFound(fmt.Sprintf("peer %s not found", id))
	}
	return nil
}

// SetActive flips is_active for a peer.
func (s *Store) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE peers SET is_active = $2, updated_at = NOW() WHERE id = $1
	`, id, active)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return vpnerr.NotFound(fmt.Sprintf("peer %s not found", id))
	}
	return nil
}

// UsedNetwork is a single occupied address or routed range belonging to a
// peer, used by IPAM's overlap validation.
type UsedNetwork struct {
	PeerID    uuid.UUID
	PeerName  string
	CIDR      string
	IsAddress bool // true: this is the peer's own assigned_ip/32
}

// AllUsedNetworks returns every peer's assigned address and every
// AllowedIP across all peers, for overlap checking.
func (s *Store) AllUsedNetworks(ctx context.Context) ([]UsedNetwork, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.name, p.assigned_ip::text
		FROM peers p
	`)
	if err != nil {
		return nil, fmt.Errorf("list used addresses: %w", err)
	}
	var out []UsedNetwork
	for rows.Next() {
		var u UsedNetwork
		if err := rows.Scan(&u.PeerID, &u.PeerName, &u.CIDR); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan used address: %w", err)
		}
		u.CIDR += "/32"
		u.IsAddress = true
		out = append(out, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT a.peer_id, p.name, a.ip_network::text
		FROM allowed_ips a JOIN peers p ON p.id = a.peer_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list allowed ips: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var u UsedNetwork
		if err := rows.Scan(&u.PeerID, &u.PeerName, &u.CIDR); err != nil {
			return nil, fmt.Errorf("scan allowed ip: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeer(row rowScanner) (models.Peer, error) {
	var p models.Peer
	err := row.Scan(&p.ID, &p.Name, &p.PublicKey, &p.PresharedKey, &p.AssignedIP, &p.Endpoint,
		&p.PersistentKeepalive, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "duplicate key value") || strings.Contains(err.Error(), "unique constraint"))
}
