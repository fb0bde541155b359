package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anvil-lab/wgctl/internal/firewall"
	"github.com/anvil-lab/wgctl/internal/metrics"
	"github.com/anvil-lab/wgctl/internal/models"
	"github.com/anvil-lab/wgctl/internal/wgconfig"
	"github.com/anvil-lab/wgctl/internal/wgstatus"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the subset of the store gateway the pipeline needs: reading the
// active peer list to merge with live status, and mutating is_active for the
// command demux.
type Store interface {
	ListActivePeers(ctx context.Context) ([]models.Peer, error)
	GetPeer(ctx context.Context, id uuid.UUID) (*models.Peer, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// PeerSummary is one peer's entry in a peer_status_update payload.
type PeerSummary struct {
	PeerID              uuid.UUID `json:"peer_id"`
	Name                string    `json:"name"`
	IsActive            bool      `json:"is_active"`
	IsConnected         bool      `json:"is_connected"`
	Endpoint            string    `json:"endpoint"`
	ClientIP            string    `json:"client_ip"`
	AllowedIPs          []string  `json:"allowed_ips"`
	LatestHandshake     int64     `json:"latest_handshake"`
	HandshakeHuman      string    `json:"latest_handshake_human"`
	TransferRx          int64     `json:"transfer_rx"`
	TransferTx          int64     `json:"transfer_tx"`
	TransferRxHuman     string    `json:"transfer_rx_human"`
	TransferTxHuman     string    `json:"transfer_tx_human"`
	RxRate              float64   `json:"rx_rate"`
	TxRate              float64   `json:"tx_rate"`
	PersistentKeepalive int       `json:"persistent_keepalive"`
	ConnectedSince      *int64    `json:"connected_since,omitempty"`
	Samples             []Sample  `json:"samples"`
}

// Message is one frame of the live push channel.
type Message struct {
	Type string `json:"status"`
	Data any    `json:"data,omitempty"`
}

const (
	MsgPeerStatusUpdate = "peer_status_update"
	MsgPeerActionResult = "peer_action_result"
	MsgConnectionStatus = "connection_status"
)

// PeerStatusUpdatePayload is the data field of a peer_status_update
// message.
type PeerStatusUpdatePayload struct {
	Data           map[uuid.UUID]PeerSummary `json:"data"`
	TotalPeers     int                       `json:"total_peers"`
	ConnectedPeers int                       `json:"connected_peers"`
	Timestamp      int64                     `json:"timestamp"`
}

// PeerActionResultPayload replies to an inbound peer_action command.
type PeerActionResultPayload struct {
	Status   string    `json:"status"` // "success" or "error"
	PeerID   uuid.UUID `json:"peer_id"`
	Action   string    `json:"action"`
	IsActive bool      `json:"is_active"`
	Message  string    `json:"message"`
}

// ConnectionStatusPayload is the data field of a connection_status message.
type ConnectionStatusPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// PeerAction is the inbound command that flips a peer's active state and
// re-enters the store/render/reconcile chain. Reply, if non-nil,
// receives the peer_action_result on the issuing subscriber's own outbound
// channel — never a side channel a transport would have to write to
// concurrently with its normal send loop.
type PeerAction struct {
	PeerID uuid.UUID
	Action string // "activate" or "deactivate"
	Reply  *Subscriber
}

// Subscriber is one connected operator's outbound channel. Slow
// subscribers are dropped rather than allowed to block the producer.
type Subscriber struct {
	ch chan Message
}

func (s *Subscriber) Messages() <-chan Message { return s.ch }

// Send enqueues msg for this subscriber without blocking; a full channel
// drops the message, the same slow-consumer policy broadcast uses.
func (s *Subscriber) Send(msg Message) bool {
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

type snapshotKey struct {
	IsConnected bool
	Endpoint    string
	ClientIP    string
}

// Pipeline is the single cooperative worker loop driving live peer
// telemetry. It is the sole owner of the traffic ring and the
// last-emitted snapshot; everything else talks to it over channels.
type Pipeline struct {
	store       Store
	reader      *wgstatus.Reader
	renderer    *wgconfig.Renderer
	compiler    *firewall.Compiler
	reconciler  *firewall.Reconciler
	ifaceConfig func() models.InterfaceConfig
	ringSize    int
	normalTick  time.Duration
	lowLatency  time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics

	mu             sync.Mutex
	rings          map[uuid.UUID]*Ring
	lastRxTotal    map[uuid.UUID]int64
	lastTxTotal    map[uuid.UUID]int64
	lastSnap       map[uuid.UUID]snapshotKey
	connectedSince map[uuid.UUID]int64
	firstTick      bool
	subscribers    map[*Subscriber]bool

	actions    chan PeerAction
	forceEmit  chan struct{}
	subscribe  chan *Subscriber
	unsub      chan *Subscriber
}

func New(store Store, reader *wgstatus.Reader, renderer *wgconfig.Renderer, compiler *firewall.Compiler,
	reconciler *firewall.Reconciler, ifaceConfig func() models.InterfaceConfig, ringSize int,
	normalTick, lowLatency time.Duration, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		store: store, reader: reader, renderer: renderer, compiler: compiler, reconciler: reconciler,
		ifaceConfig: ifaceConfig, ringSize: ringSize, normalTick: normalTick, lowLatency: lowLatency,
		logger: logger, metrics: m,
		rings:          map[uuid.UUID]*Ring{},
		lastRxTotal:    map[uuid.UUID]int64{},
		lastTxTotal:    map[uuid.UUID]int64{},
		lastSnap:       map[uuid.UUID]snapshotKey{},
		connectedSince: map[uuid.UUID]int64{},
		subscribers:    map[*Subscriber]bool{},
		firstTick:      true,
		actions:        make(chan PeerAction, 16),
		forceEmit:      make(chan struct{}, 1),
		subscribe:      make(chan *Subscriber),
		unsub:          make(chan *Subscriber),
	}
}

// Subscribe registers a new subscriber; joining forces an immediate push.
func (p *Pipeline) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan Message, 32)}
	p.subscribe <- sub
	return sub
}

// Unsubscribe removes a subscriber.
func (p *Pipeline) Unsubscribe(sub *Subscriber) {
	p.unsub <- sub
}

// SubmitAction enqueues an operator command; the result, if action.Reply
// is set, arrives on that subscriber's Messages() channel.
func (p *Pipeline) SubmitAction(a PeerAction) {
	p.actions <- a
}

// RequestUpdate forces an immediate emission on the next loop iteration.
func (p *Pipeline) RequestUpdate() {
	select {
	case p.forceEmit <- struct{}{}:
	default:
	}
}

// Run is the worker loop. It responds to a stop signal (ctx.Done) only
// between ticks, never mid-reconcile.
func (p *Pipeline) Run(ctx context.Context) {
	timer := time.NewTimer(p.currentInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case sub := <-p.subscribe:
			p.mu.Lock()
			p.subscribers[sub] = true
			p.mu.Unlock()
			p.tick(ctx, true)
			resetTimer(timer, p.currentInterval())

		case sub := <-p.unsub:
			p.mu.Lock()
			delete(p.subscribers, sub)
			close(sub.ch)
			p.mu.Unlock()

		case action := <-p.actions:
			p.handleAction(ctx, action)
			resetTimer(timer, p.currentInterval())

		case <-p.forceEmit:
			p.tick(ctx, true)
			resetTimer(timer, p.currentInterval())

		case <-timer.C:
			armed := p.hasSubscribers()
			if armed {
				p.tick(ctx, false)
			}
			resetTimer(timer, p.currentInterval())
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (p *Pipeline) hasSubscribers() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers) > 0
}

func (p *Pipeline) currentInterval() time.Duration {
	if p.hasSubscribers() {
		return p.lowLatency
	}
	return p.normalTick
}

// tick runs one scheduling cycle: read live status, merge with the active
// peer list, update rings, build summaries, and emit only if
// change-detection says so (unless force is set, e.g. first tick,
// subscriber join, or a command-triggered emission).
func (p *Pipeline) tick(ctx context.Context, force bool) {
	peers, err := p.store.ListActivePeers(ctx)
	if err != nil {
		p.logger.Error("telemetry tick: list active peers failed", zap.Error(err))
		return
	}

	statuses := p.reader.Read(ctx)
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	summaries := make(map[uuid.UUID]PeerSummary, len(peers))
	changed := force || p.firstTick

	for _, peer := range peers {
		st := statuses[peer.PublicKey]
		ring, ok := p.rings[peer.ID]
		if !ok {
			ring = NewRing(p.ringSize)
			p.rings[peer.ID] = ring
		}

		var isConnected bool
		var endpoint, clientIP string
		var handshake, rx, tx int64
		var keepalive int
		var allowedIPs []string

		if st != nil {
			isConnected = st.IsConnected
			endpoint = st.Endpoint
			clientIP = st.ClientIP
			handshake = st.LatestHandshake
			rx, tx = st.TransferRx, st.TransferTx
			keepalive = st.PersistentKeepalive
			allowedIPs = st.AllowedIPs
		}

		prevRx, hadRx := p.lastRxTotal[peer.ID]
		prevTx, hadTx := p.lastTxTotal[peer.ID]
		prevSample, hadSample := ring.Last()
		dt := now.Sub(prevSample.Timestamp).Seconds()
		var rxRate, txRate float64
		if hadRx && hadSample && dt > 0 {
			rxRate = maxFloat(0, float64(rx-prevRx)/dt)
		}
		if hadTx && hadSample && dt > 0 {
			txRate = maxFloat(0, float64(tx-prevTx)/dt)
		}
		p.lastRxTotal[peer.ID] = rx
		p.lastTxTotal[peer.ID] = tx

		ring.Push(Sample{Timestamp: now, RxTotal: rx, TxTotal: tx, RxRate: rxRate, TxRate: txRate})

		var connectedSince *int64
		if isConnected {
			since, ok := p.connectedSince[peer.ID]
			if !ok {
				since = now.Unix()
				p.connectedSince[peer.ID] = since
			}
			connectedSince = &since
		} else {
			delete(p.connectedSince, peer.ID)
		}

		key := snapshotKey{IsConnected: isConnected, Endpoint: endpoint, ClientIP: clientIP}
		prevKey, hadPrev := p.lastSnap[peer.ID]
		byteDelta := absInt64(rx-prevRx) > 1024 || absInt64(tx-prevTx) > 1024
		if !hadPrev || key != prevKey || byteDelta {
			changed = true
		}
		p.lastSnap[peer.ID] = key

		summaries[peer.ID] = PeerSummary{
			PeerID: peer.ID, Name: peer.Name, IsActive: peer.IsActive, IsConnected: isConnected,
			Endpoint: endpoint, ClientIP: clientIP, AllowedIPs: allowedIPs,
			LatestHandshake: handshake, HandshakeHuman: HumanizeHandshake(handshake, now),
			TransferRx: rx, TransferTx: tx,
			TransferRxHuman: FormatBytes(rx), TransferTxHuman: FormatBytes(tx),
			RxRate: rxRate, TxRate: txRate, PersistentKeepalive: keepalive,
			ConnectedSince: connectedSince,
			Samples:        ring.Samples(),
		}
	}

	p.firstTick = false

	if p.metrics != nil {
		var rxTotal, txTotal int64
		for _, s := range summaries {
			rxTotal += s.TransferRx
			txTotal += s.TransferTx
		}
		p.metrics.Observe(len(peers), countConnected(summaries), len(p.subscribers), rxTotal, txTotal)
	}

	if !changed {
		return
	}

	payload := PeerStatusUpdatePayload{
		Data: summaries, TotalPeers: len(peers), ConnectedPeers: countConnected(summaries),
		Timestamp: now.Unix(),
	}
	p.broadcast(Message{Type: MsgPeerStatusUpdate, Data: payload})
}

func countConnected(summaries map[uuid.UUID]PeerSummary) int {
	n := 0
	for _, s := range summaries {
		if s.IsConnected {
			n++
		}
	}
	return n
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func absInt64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// broadcast fans out to every subscriber; a full channel means a slow
// consumer, which is dropped from that message rather than allowed to
// block the producer.
func (p *Pipeline) broadcast(msg Message) {
	for sub := range p.subscribers {
		select {
		case sub.ch <- msg:
		default:
			p.logger.Warn("telemetry subscriber dropped a message (slow consumer)")
		}
	}
}

// handleAction demultiplexes an operator peer_action command: flip
// is_active in the store, re-render the config, reconcile the firewall,
// then force a snapshot emission reflecting the new state.
func (p *Pipeline) handleAction(ctx context.Context, action PeerAction) {
	var active bool
	switch action.Action {
	case "activate":
		active = true
	case "deactivate":
		active = false
	default:
		p.reply(action, false, "", fmt.Sprintf("unknown action %q", action.Action))
		return
	}

	if err := p.store.SetActive(ctx, action.PeerID, active); err != nil {
		p.reply(action, false, "", err.Error())
		return
	}

	peers, err := p.store.ListActivePeers(ctx)
	if err != nil {
		p.reply(action, false, "", fmt.Sprintf("state changed but re-render failed: %v", err))
		return
	}
	for i := range peers {
		full, err := p.store.GetPeer(ctx, peers[i].ID)
		if err != nil {
			p.reply(action, false, "", fmt.Sprintf("state changed but re-render failed: %v", err))
			return
		}
		peers[i] = *full
	}

	if err := p.renderer.Commit(p.ifaceConfig(), peers); err != nil {
		p.reply(action, false, "", fmt.Sprintf("state changed but config render failed: %v", err))
		return
	}

	program := p.compiler.FullProgram(peers)
	_, err = p.reconciler.ApplyAll(ctx, program, false)
	if p.metrics != nil {
		p.metrics.RecordReconcile(err)
	}
	if err != nil {
		p.reply(action, false, "", fmt.Sprintf("state changed and config rendered, but reconcile failed: %v", err))
		p.tick(ctx, true)
		return
	}

	p.reply(action, true, "success", "")
	p.tick(ctx, true)
}

func (p *Pipeline) reply(action PeerAction, success bool, okMessage, errMessage string) {
	if action.Reply == nil {
		return
	}
	status := "error"
	message := errMessage
	if success {
		status = "success"
		message = okMessage
	}
	result := PeerActionResultPayload{
		Status: status, PeerID: action.PeerID, Action: action.Action,
		IsActive: success && action.Action == "activate", Message: message,
	}
	action.Reply.Send(Message{Type: MsgPeerActionResult, Data: result})
}
