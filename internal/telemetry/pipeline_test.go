package telemetry

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/anvil-lab/wgctl/internal/firewall"
	"github.com/anvil-lab/wgctl/internal/models"
	"github.com/anvil-lab/wgctl/internal/wgconfig"
	"github.com/anvil-lab/wgctl/internal/wgstatus"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	peers []models.Peer
}

func (f *fakeStore) ListActivePeers(ctx context.Context) ([]models.Peer, error) {
	return f.peers, nil
}

func (f *fakeStore) GetPeer(ctx context.Context, id uuid.UUID) (*models.Peer, error) {
	for _, p := range f.peers {
		if p.ID == id {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("not found")
}

func (f *fakeStore) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return nil
}

// fakeStatusExecutor drives wgstatus.Reader with a dump whose transfer
// counters and handshake the test can move between ticks.
type fakeStatusExecutor struct {
	pubkey          string
	rx              int64
	latestHandshake int64
}

func (f *fakeStatusExecutor) Run(ctx context.Context, name string, args ...string) (string, error) {
	if len(args) >= 3 && args[2] == "latest-handshakes" {
		return f.pubkey + "\t" + strconv.FormatInt(f.latestHandshake, 10), nil
	}
	if len(args) >= 3 && args[2] == "dump" {
		return f.pubkey + "\t(none)\t1.2.3.4:51820\t10.8.0.2/32\t" +
			strconv.FormatInt(f.latestHandshake, 10) + "\t" + strconv.FormatInt(f.rx, 10) + "\t0\t25\n", nil
	}
	return "", nil
}

func (f *fakeStatusExecutor) RunStdin(ctx context.Context, stdin, name string, args ...string) (string, error) {
	return "", nil
}

func newTestPipeline(t *testing.T, exec *fakeStatusExecutor, peer models.Peer) *Pipeline {
	t.Helper()
	reader := wgstatus.New("wg0", exec, time.Second, 3*time.Minute, zap.NewNop())
	renderer := wgconfig.New(filepath.Join(t.TempDir(), "wg0.conf"), "", zap.NewNop())
	compiler := firewall.NewCompiler("wg0", "10.8.0.0/24")
	reconciler := firewall.NewReconciler("wg0", compiler, exec, time.Second, t.TempDir(), zap.NewNop())
	store := &fakeStore{peers: []models.Peer{peer}}
	ifaceConfig := func() models.InterfaceConfig { return models.InterfaceConfig{} }

	// A large normal tick interval makes the bug this guards against
	// obvious: if the rate were computed against the nominal interval
	// instead of actual elapsed time, it would be tiny next to the real
	// rate produced by a sub-second gap between ticks.
	return New(store, reader, renderer, compiler, reconciler, ifaceConfig, 10, 5*time.Second, 100*time.Millisecond, zap.NewNop(), nil)
}

func subscribeDirect(p *Pipeline) *Subscriber {
	sub := &Subscriber{ch: make(chan Message, 32)}
	p.mu.Lock()
	p.subscribers[sub] = true
	p.mu.Unlock()
	return sub
}

func latestSummary(t *testing.T, sub *Subscriber, peerID uuid.UUID) PeerSummary {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		require.Equal(t, MsgPeerStatusUpdate, msg.Type)
		payload, ok := msg.Data.(PeerStatusUpdatePayload)
		require.True(t, ok)
		summary, ok := payload.Data[peerID]
		require.True(t, ok)
		return summary
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peer_status_update")
		return PeerSummary{}
	}
}

func TestTickComputesRateFromElapsedTimeNotNominalInterval(t *testing.T) {
	peer := models.Peer{ID: uuid.New(), Name: "alice", PublicKey: "pubkey1", AssignedIP: "10.8.0.2", IsActive: true}
	now := time.Now().Unix()
	exec := &fakeStatusExecutor{pubkey: "pubkey1", rx: 1_000_000, latestHandshake: now}

	p := newTestPipeline(t, exec, peer)
	sub := subscribeDirect(p)

	p.tick(context.Background(), true)
	latestSummary(t, sub, peer.ID) // drain the baseline emission

	time.Sleep(20 * time.Millisecond)
	exec.rx = 2_000_000
	exec.latestHandshake = time.Now().Unix()
	p.tick(context.Background(), true)

	summary := latestSummary(t, sub, peer.ID)
	nominalRate := float64(1_000_000) / p.normalTick.Seconds()
	assert.Greater(t, summary.RxRate, nominalRate*10,
		"rate should reflect the short real gap between ticks, not the 5s nominal interval")
}

func TestTickTracksConnectedSinceAcrossTicksAndClearsOnDisconnect(t *testing.T) {
	peer := models.Peer{ID: uuid.New(), Name: "alice", PublicKey: "pubkey1", AssignedIP: "10.8.0.2", IsActive: true}
	now := time.Now().Unix()
	exec := &fakeStatusExecutor{pubkey: "pubkey1", rx: 100, latestHandshake: now}

	p := newTestPipeline(t, exec, peer)
	sub := subscribeDirect(p)

	p.tick(context.Background(), true)
	first := latestSummary(t, sub, peer.ID)
	require.True(t, first.IsConnected)
	require.NotNil(t, first.ConnectedSince)

	p.tick(context.Background(), true)
	second := latestSummary(t, sub, peer.ID)
	assert.Equal(t, *first.ConnectedSince, *second.ConnectedSince)

	exec.latestHandshake = time.Now().Add(-time.Hour).Unix()
	p.tick(context.Background(), true)
	third := latestSummary(t, sub, peer.ID)
	assert.False(t, third.IsConnected)
	assert.Nil(t, third.ConnectedSince)
}
