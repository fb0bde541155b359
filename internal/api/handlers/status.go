package handlers

import (
	"net/http"

	"github.com/anvil-lab/wgctl/internal/store"
	"github.com/anvil-lab/wgctl/internal/vpnerr"
	"github.com/anvil-lab/wgctl/internal/wgstatus"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StatusHandler exposes a one-shot read of live peer status, for clients
// that don't want the live push channel.
type StatusHandler struct {
	store  *store.Store
	reader *wgstatus.Reader
	logger *zap.Logger
}

func NewStatusHandler(s *store.Store, r *wgstatus.Reader, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{store: s, reader: r, logger: logger}
}

// List returns every active peer's live status, keyed by peer id.
func (h *StatusHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	peers, err := h.store.ListActivePeers(ctx)
	if err != nil {
		c.JSON(vpnerr.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	byPubkey := h.reader.Read(ctx)
	out := make(map[string]*wgstatus.PeerStatus, len(peers))
	for _, p := range peers {
		out[p.ID.String()] = byPubkey[p.PublicKey]
	}
	c.JSON(http.StatusOK, gin.H{"peers": out})
}

// Get returns one peer's live status.
func (h *StatusHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return
	}

	ctx := c.Request.Context()
	peer, err := h.store.GetPeer(ctx, id)
	if err != nil {
		c.JSON(vpnerr.HTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	byPubkey := h.reader.Read(ctx)
	c.JSON(http.StatusOK, gin.H{"status": byPubkey[peer.PublicKey]})
}
