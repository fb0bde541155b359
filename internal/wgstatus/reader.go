// Package wgstatus invokes the WireGuard show tool and parses its output
// into per-peer status records: a "wg show <iface> dump" tab-split parse
// combined with a handshake-freshness connectivity rule.
package wgstatus

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/anvil-lab/wgctl/internal/executil"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// parseTransferField accepts either the raw byte counts `wg show <iface>
// dump` emits, or the "1.23 MiB received" style human text the plain `wg
// show` form uses, honoring both SI and IEC units.
func parseTransferField(field string) int64 {
	if n, err := strconv.ParseInt(field, 10, 64); err == nil {
		return n
	}
	word := strings.Fields(field)
	if len(word) >= 2 {
		if n, err := humanize.ParseBytes(word[0] + " " + word[1]); err == nil {
			return int64(n)
		}
	}
	return 0
}

// PeerStatus is one peer's parsed live state.
type PeerStatus struct {
	PublicKey           string
	Endpoint            string // host:port, or ""
	ClientIP            string // host component of Endpoint, or ""
	AllowedIPs          []string
	LatestHandshake     int64 // unix seconds; 0 = none
	TransferRx          int64
	TransferTx          int64
	PersistentKeepalive int  // seconds; 0 = none
	IsConnected         bool
	ConnectionMethod    string
}

// Reader invokes `wg show` for the configured interface.
type Reader struct {
	iface            string
	exec             executil.Executor
	deadline         time.Duration
	handshakeTimeout time.Duration
	logger           *zap.Logger

	enablePingCheck bool
	enableConntrack bool
	pingTimeout     time.Duration
}

// Option configures an optional liveness probe used to promote a peer with
// a stale handshake to connected. Probes never demote a fresh handshake.
type Option func(*Reader)

// WithPingCheck enables an ICMP echo probe against a peer's client IP when
// its handshake is stale, per WG_ENABLE_PING_CHECK / WG_PING_TIMEOUT.
func WithPingCheck(enabled bool, timeout time.Duration) Option {
	return func(r *Reader) {
		r.enablePingCheck = enabled
		r.pingTimeout = timeout
	}
}

// WithConntrack enables a conntrack-table lookup against a peer's client IP
// when its handshake is stale, per WG_ENABLE_CONNTRACK.
func WithConntrack(enabled bool) Option {
	return func(r *Reader) { r.enableConntrack = enabled }
}

func New(iface string, exec executil.Executor, deadline, handshakeTimeout time.Duration, logger *zap.Logger, opts ...Option) *Reader {
	r := &Reader{
		iface:            iface,
		exec:             exec,
		deadline:         deadline,
		handshakeTimeout: handshakeTimeout,
		logger:           logger,
		pingTimeout:      time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Read invokes the show tool twice per tick: latest-handshakes, then a
// full dump, merging the two into the per-peer record. A missing tool or
// non-zero exit is not fatal: it yields an empty map.
func (r *Reader) Read(ctx context.Context) map[string]*PeerStatus {
	handshakes := r.readLatestHandshakes(ctx)
	statuses := r.readDump(ctx)

	now := time.Now().Unix()
	for pk, ts := range handshakes {
		st, ok := statuses[pk]
		if !ok {
			st = &PeerStatus{PublicKey: pk}
			statuses[pk] = st
		}
		st.LatestHandshake = ts
	}

	for _, st := range statuses {
		st.IsConnected = st.LatestHandshake != 0 && (now-st.LatestHandshake) < int64(r.handshakeTimeout.Seconds())
		st.ConnectionMethod = "handshake"

		if st.IsConnected || st.ClientIP == "" {
			continue
		}
		// Handshake is stale: an optional probe may still promote the peer
		// to connected. It must never demote a fresh handshake, so this
		// branch only runs when IsConnected is already false.
		if r.enableConntrack && r.probeConntrack(ctx, st.ClientIP) {
			st.IsConnected = true
			st.ConnectionMethod = "conntrack"
			continue
		}
		if r.enablePingCheck && r.probePing(ctx, st.ClientIP) {
			st.IsConnected = true
			st.ConnectionMethod = "ping"
		}
	}

	return statuses
}

// probeConntrack reports whether the connection-tracking table holds an
// entry for the given client IP, used as a fallback liveness signal when a
// peer's WireGuard handshake has gone stale.
func (r *Reader) probeConntrack(ctx context.Context, clientIP string) bool {
	dctx, cancel := r.deadlinedCtx(ctx)
	defer cancel()

	out, err := r.exec.Run(dctx, "conntrack", "-L", "--orig-src", clientIP)
	if err != nil {
		r.logger.Debug("conntrack probe failed", zap.String("client_ip", clientIP), zap.Error(err))
		return false
	}
	return strings.TrimSpace(out) != ""
}

// probePing sends a single ICMP echo to the client IP with the configured
// timeout, used as a fallback liveness signal when a peer's WireGuard
// handshake has gone stale.
func (r *Reader) probePing(ctx context.Context, clientIP string) bool {
	dctx, cancel := context.WithTimeout(ctx, r.pingTimeout+r.deadline)
	defer cancel()

	seconds := int(r.pingTimeout.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	_, err := r.exec.Run(dctx, "ping", "-c", "1", "-W", strconv.Itoa(seconds), clientIP)
	if err != nil {
		return false
	}
	return true
}

func (r *Reader) deadlinedCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.deadline)
}

// readLatestHandshakes runs `wg show <iface> latest-handshakes`, tab
// separated public_key<TAB>unix_seconds per line.
func (r *Reader) readLatestHandshakes(ctx context.Context) map[string]int64 {
	out := map[string]int64{}

	dctx, cancel := r.deadlinedCtx(ctx)
	defer cancel()

	text, err := r.exec.Run(dctx, "wg", "show", r.iface, "latest-handshakes")
	if err != nil {
		r.logger.Debug("wg show latest-handshakes failed", zap.Error(err))
		return out
	}

	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		ts, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			// Unrecognised handshake format: treat as unknown rather than
			// "now" — leave it at zero so
			// is_connected resolves false, the conservative choice.
			continue
		}
		out[fields[0]] = ts
	}
	return out
}

// readDump runs `wg show <iface> dump`, tab separated fields:
// public_key, preshared_key, endpoint, allowed-ips, latest-handshake,
// transfer-rx, transfer-tx, persistent-keepalive. The first line (the
// interface itself) has fewer fields and is skipped.
func (r *Reader) readDump(ctx context.Context) map[string]*PeerStatus {
	out := map[string]*PeerStatus{}

	dctx, cancel := r.deadlinedCtx(ctx)
	defer cancel()

	text, err := r.exec.Run(dctx, "wg", "show", r.iface, "dump")
	if err != nil {
		r.logger.Debug("wg show dump failed", zap.Error(err))
		return out
	}

	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 8 {
			continue
		}

		st := &PeerStatus{PublicKey: fields[0]}

		if fields[2] != "(none)" && fields[2] != "" {
			st.Endpoint = fields[2]
			if host, _, err := splitHostPort(fields[2]); err == nil {
				st.ClientIP = host
			}
		}

		if fields[3] != "" {
			st.AllowedIPs = strings.Split(fields[3], ",")
		}

		if ts, err := strconv.ParseInt(fields[4], 10, 64); err == nil {
			st.LatestHandshake = ts
		}

		st.TransferRx = parseTransferField(fields[5])
		st.TransferTx = parseTransferField(fields[6])

		if fields[7] != "off" {
			if ka, err := strconv.Atoi(fields[7]); err == nil {
				st.PersistentKeepalive = ka
			}
		}

		out[st.PublicKey] = st
	}
	return out
}

// splitHostPort handles both IPv4 host:port and bracketed IPv6 [host]:port.
func splitHostPort(hostport string) (host, port string, err error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return hostport, "", nil
	}
	host = strings.TrimPrefix(strings.TrimSuffix(hostport[:idx], "]"), "[")
	return host, hostport[idx+1:], nil
}
