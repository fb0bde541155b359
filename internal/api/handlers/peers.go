// Package handlers implements the REST surface over the store, IPAM,
// config renderer, and firewall/status readers, using an XHandler struct of
// injected collaborators + NewXHandler constructor idiom throughout.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/anvil-lab/wgctl/internal/firewall"
	"github.com/anvil-lab/wgctl/internal/ipam"
	"github.com/anvil-lab/wgctl/internal/models"
	"github.com/anvil-lab/wgctl/internal/store"
	"github.com/anvil-lab/wgctl/internal/vpnerr"
	"github.com/anvil-lab/wgctl/internal/wgconfig"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// IfaceConfigFunc supplies the current wg0 [Interface] section; peers.go
// never builds one itself, since it depends on server keys that live in
// config, not in the store.
type IfaceConfigFunc func() models.InterfaceConfig

// ClientEndpoint supplies the server public IP/port a client config's
// Endpoint line should point at, and the server public key clients trust —
// both live in config, not the store.
type ClientEndpoint struct {
	ServerPublicKey string
	ServerPublicIP  string
	ListenPort      int
}

// PeerHandler exposes CRUD over peers and their AllowedIP/FirewallRule
// children, re-entering the config renderer and firewall reconciler after
// every mutation that could change either artifact.
type PeerHandler struct {
	store       *store.Store
	ipam        *ipam.IPAM
	renderer    *wgconfig.Renderer
	compiler    *firewall.Compiler
	reconciler  *firewall.Reconciler
	ifaceConfig IfaceConfigFunc
	client      ClientEndpoint
	logger      *zap.Logger
}

func NewPeerHandler(s *store.Store, i *ipam.IPAM, r *wgconfig.Renderer, c *firewall.Compiler,
	rec *firewall.Reconciler, ifaceConfig IfaceConfigFunc, client ClientEndpoint, logger *zap.Logger) *PeerHandler {
	return &PeerHandler{store: s, ipam: i, renderer: r, compiler: c, reconciler: rec, ifaceConfig: ifaceConfig, client: client, logger: logger}
}

type createPeerRequest struct {
	Name                string             `json:"name" binding:"required"`
	PublicKey           string             `json:"public_key" binding:"required"`
	PresharedKey        *string            `json:"preshared_key"`
	Endpoint            *string            `json:"endpoint"`
	PersistentKeepalive *int               `json:"persistent_keepalive"`
	AllowedIPs          []allowedIPRequest `json:"allowed_ips"`
	FirewallRules       []firewallRuleRequest `json:"firewall_rules"`
}

type allowedIPRequest struct {
	IPNetwork   string  `json:"ip_network" binding:"required"`
	Description *string `json:"description"`
}

type firewallRuleRequest struct {
	Name        string  `json:"name" binding:"required"`
	RuleType    string  `json:"rule_type" binding:"required"`
	Action      string  `json:"action" binding:"required"`
	Source      *string `json:"source"`
	Destination *string `json:"destination"`
	Protocol    string  `json:"protocol"`
	PortRange   string  `json:"port_range"`
	Priority    int     `json:"priority"`
}

// List returns every active peer without children, the same shape the
// telemetry pipeline reads; operators wanting children use Get.
func (h *PeerHandler) List(c *gin.Context) {
	peers, err := h.store.ListActivePeers(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers})
}

// Get returns one peer with its AllowedIPs and FirewallRules.
func (h *PeerHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return
	}

	peer, err := h.store.GetPeer(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, peer)
}

// Create allocates the next free address via IPAM, inserts the peer into
// the store, replaces its children in the same call, then re-renders the
// config and reconciles the firewall so the new peer is live immediately.
func (h *PeerHandler) Create(c *gin.Context) {
	var req createPeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := validateKeys(req.PublicKey, req.PresharedKey); err != nil {
		h.fail(c, err)
		return
	}

	ctx := c.Request.Context()

	candidates := make([]models.AllowedIP, 0, len(req.AllowedIPs))
	cidrs := make([]string, 0, len(req.AllowedIPs))
	for _, a := range req.AllowedIPs {
		candidates = append(candidates, models.AllowedIP{IPNetwork: a.IPNetwork, Description: a.Description})
		cidrs = append(cidrs, a.IPNetwork)
	}
	violations, err := h.ipam.ValidateMultipleAllowedIPs(ctx, uuid.Nil, cidrs)
	if err != nil {
		h.fail(c, err)
		return
	}
	if len(violations) > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "allowed IP overlap", "violations": violations})
		return
	}

	assignedIP, err := h.ipam.Next(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}

	peer, err := h.store.CreatePeer(ctx, models.PeerSpec{
		Name: req.Name, PublicKey: req.PublicKey, PresharedKey: req.PresharedKey,
		Endpoint: req.Endpoint, PersistentKeepalive: req.PersistentKeepalive,
	}, assignedIP)
	if err != nil {
		h.fail(c, err)
		return
	}

	rules, err := toFirewallRules(req.FirewallRules)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.ReplacePeerChildren(ctx, peer.ID, candidates, rules); err != nil {
		h.fail(c, err)
		return
	}

	if err := h.reconcileAll(ctx); err != nil {
		h.logger.Error("peer created but reconcile failed", zap.Error(err), zap.String("peer_id", peer.ID.String()))
		c.JSON(http.StatusCreated, gin.H{"peer": peer, "warning": "firewall reconcile failed: " + err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"peer": peer})
}

// Update replaces a peer's AllowedIPs and FirewallRules wholesale — a set
// operation, not a merge, per the store's contract.
func (h *PeerHandler) Update(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return
	}

	var req createPeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := validateKeys(req.PublicKey, req.PresharedKey); err != nil {
		h.fail(c, err)
		return
	}

	ctx := c.Request.Context()

	candidates := make([]models.AllowedIP, 0, len(req.AllowedIPs))
	cidrs := make([]string, 0, len(req.AllowedIPs))
	for _, a := range req.AllowedIPs {
		candidates = append(candidates, models.AllowedIP{IPNetwork: a.IPNetwork, Description: a.Description})
		cidrs = append(cidrs, a.IPNetwork)
	}
	violations, err := h.ipam.ValidateMultipleAllowedIPs(ctx, id, cidrs)
	if err != nil {
		h.fail(c, err)
		return
	}
	if len(violations) > 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "allowed IP overlap", "violations": violations})
		return
	}

	rules, err := toFirewallRules(req.FirewallRules)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.ReplacePeerChildren(ctx, id, candidates, rules); err != nil {
		h.fail(c, err)
		return
	}

	peer, err := h.store.GetPeer(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}

	if err := h.reconcileAll(ctx); err != nil {
		h.logger.Error("peer updated but reconcile failed", zap.Error(err), zap.String("peer_id", id.String()))
		c.JSON(http.StatusOK, gin.H{"peer": peer, "warning": "firewall reconcile failed: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"peer": peer})
}

// Delete removes a peer and reconciles so its firewall rules and config
// stanza disappear too.
func (h *PeerHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return
	}

	ctx := c.Request.Context()
	if err := h.store.DeletePeer(ctx, id); err != nil {
		h.fail(c, err)
		return
	}

	if err := h.reconcileAll(ctx); err != nil {
		h.logger.Error("peer deleted but reconcile failed", zap.Error(err), zap.String("peer_id", id.String()))
		c.JSON(http.StatusOK, gin.H{"warning": "firewall reconcile failed: " + err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// ClientConfig returns the downloadable client configuration text for one
// peer, built fresh on every request rather than cached — it never touches
// disk or the store beyond the read, since the peer's own private key
// never passes through this system.
func (h *PeerHandler) ClientConfig(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return
	}

	peer, err := h.store.GetPeer(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}

	text, err := wgconfig.RenderClient(*peer, h.client.ServerPublicKey, h.client.ServerPublicIP, h.client.ListenPort)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.String(http.StatusOK, text)
}

// reconcileAll re-renders the config and re-applies the full firewall
// program against every active peer, the same chain a telemetry-driven
// peer_action command runs.
func (h *PeerHandler) reconcileAll(ctx context.Context) error {
	peers, err := h.store.ListActivePeers(ctx)
	if err != nil {
		return err
	}
	for i := range peers {
		full, err := h.store.GetPeer(ctx, peers[i].ID)
		if err != nil {
			return err
		}
		peers[i] = *full
	}
	if err := h.renderer.Commit(h.ifaceConfig(), peers); err != nil {
		return err
	}
	program := h.compiler.FullProgram(peers)
	_, err = h.reconciler.ApplyAll(ctx, program, false)
	return err
}

func toFirewallRules(reqs []firewallRuleRequest) ([]models.FirewallRule, error) {
	out := make([]models.FirewallRule, 0, len(reqs))
	for _, r := range reqs {
		rt := models.RuleType(r.RuleType)
		switch rt {
		case models.RuleTypePeerComm, models.RuleTypeInternet, models.RuleTypeSubnet, models.RuleTypePort, models.RuleTypeCustom:
		default:
			return nil, errors.New("invalid rule_type: " + r.RuleType)
		}

		action := models.Action(r.Action)
		if action != models.ActionAllow && action != models.ActionDeny {
			return nil, errors.New("invalid action: " + r.Action)
		}

		proto := models.Protocol(r.Protocol)
		if proto == "" {
			proto = models.ProtocolAny
		}

		portRange := r.PortRange
		if portRange == "" {
			portRange = "any"
		}

		out = append(out, models.FirewallRule{
			Name: r.Name, RuleType: rt, Action: action, Source: r.Source, Destination: r.Destination,
			Protocol: proto, PortRange: portRange, Priority: r.Priority, IsActive: true,
		})
	}
	return out, nil
}

func (h *PeerHandler) fail(c *gin.Context, err error) {
	c.JSON(vpnerr.HTTPStatus(err), gin.H{"error": err.Error()})
}

// validateKeys checks public/preshared key format only — wgtypes.ParseKey
// parses the base64 a WireGuard key must be; this never generates a
// keypair, which stays an operator responsibility.
func validateKeys(publicKey string, presharedKey *string) error {
	if _, err := wgtypes.ParseKey(publicKey); err != nil {
		return vpnerr.Validation("invalid public_key: " + err.Error())
	}
	if presharedKey != nil {
		if _, err := wgtypes.ParseKey(*presharedKey); err != nil {
			return vpnerr.Validation("invalid preshared_key: " + err.Error())
		}
	}
	return nil
}
