// Package models holds the entities owned by the store gateway: peers and
// their two owned child collections, allowed IPs and firewall rules.
package models

import (
	"time"

	"github.com/google/uuid"
)

// RuleType classifies the intent behind a FirewallRule, driving the default
// destination and interface-constraint the policy compiler fills in when the
// rule itself leaves them unset.
type RuleType string

const (
	RuleTypePeerComm RuleType = "peer_comm"
	RuleTypeInternet RuleType = "internet"
	RuleTypeSubnet   RuleType = "subnet"
	RuleTypePort     RuleType = "port"
	RuleTypeCustom   RuleType = "custom"
)

// Action is the terminal verdict of a compiled rule.
type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionDeny  Action = "DENY"
)

// Protocol restricts a rule to a transport, or leaves it unrestricted ("any").
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolICMP Protocol = "icmp"
	ProtocolAny  Protocol = "any"
)

// Peer is a remote endpoint authorised to participate in the tunnel.
type Peer struct {
	ID                  uuid.UUID `db:"id"`
	Name                string    `db:"name"`
	PublicKey           string    `db:"public_key"`
	PresharedKey        *string   `db:"preshared_key"`
	AssignedIP          string    `db:"assigned_ip"`
	Endpoint            *string   `db:"endpoint"`
	PersistentKeepalive *int      `db:"persistent_keepalive"`
	IsActive            bool      `db:"is_active"`
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`

	AllowedIPs    []AllowedIP    `db:"-"`
	FirewallRules []FirewallRule `db:"-"`
}

// DefaultKeepalive is substituted whenever a peer's PersistentKeepalive is
// unset, both in the rendered server config and in the client config text.
const DefaultKeepalive = 25

// Keepalive returns the peer's configured keepalive, or DefaultKeepalive.
func (p Peer) Keepalive() int {
	if p.PersistentKeepalive != nil {
		return *p.PersistentKeepalive
	}
	return DefaultKeepalive
}

// AllowedIP is a network routed through a peer, beyond its own assigned
// address. It never represents the tunnel address itself.
type AllowedIP struct {
	ID          uuid.UUID `db:"id"`
	PeerID      uuid.UUID `db:"peer_id"`
	IPNetwork   string    `db:"ip_network"`
	Description *string   `db:"description"`
	Position    int       `db:"position"`
}

// FirewallRule is a single typed policy statement attached to a peer.
type FirewallRule struct {
	ID        uuid.UUID `db:"id"`
	PeerID    uuid.UUID `db:"peer_id"`
	Name      string    `db:"name"`
	RuleType  RuleType  `db:"rule_type"`
	Action    Action    `db:"action"`
	Source    *string   `db:"source"`
	Destination *string `db:"destination"`
	Protocol  Protocol  `db:"protocol"`
	PortRange string    `db:"port_range"`
	Priority  int       `db:"priority"`
	IsActive  bool      `db:"is_active"`
}

// PeerSpec is the input to CreatePeer: everything the operator supplies,
// before IPAM assigns an address.
type PeerSpec struct {
	Name                string
	PublicKey           string
	PresharedKey        *string
	Endpoint            *string
	PersistentKeepalive *int
}

// InterfaceConfig is the derived, non-persisted configuration that the
// renderer turns into wg0.conf: the gateway, listen port and server key,
// independent of any single peer.
type InterfaceConfig struct {
	Address    string
	PrivateKey string
	ListenPort int
}
