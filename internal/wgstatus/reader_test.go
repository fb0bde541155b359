package wgstatus

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeExecutor struct {
	handshakes  string
	dump        string
	pingOK      bool
	conntrackOK bool
}

func (f *fakeExecutor) Run(ctx context.Context, name string, args ...string) (string, error) {
	if name == "ping" {
		if f.pingOK {
			return "1 packets transmitted, 1 received", nil
		}
		return "", errors.New("100% packet loss")
	}
	if name == "conntrack" {
		if f.conntrackOK {
			return "tcp 6 431999 ESTABLISHED src=1.2.3.4", nil
		}
		return "", nil
	}
	if len(args) >= 3 && args[2] == "latest-handshakes" {
		return f.handshakes, nil
	}
	if len(args) >= 3 && args[2] == "dump" {
		return f.dump, nil
	}
	return "", nil
}

func (f *fakeExecutor) RunStdin(ctx context.Context, stdin, name string, args ...string) (string, error) {
	return "", nil
}

func TestParseTransferFieldDecimal(t *testing.T) {
	assert.Equal(t, int64(1048576), parseTransferField("1048576"))
}

func TestParseTransferFieldHumanizeText(t *testing.T) {
	assert.Equal(t, int64(1048576), parseTransferField("1.00 MiB received, 512.00 KiB sent"))
}

func TestParseTransferFieldUnrecognisedYieldsZero(t *testing.T) {
	assert.Equal(t, int64(0), parseTransferField("garbage"))
}

func TestReadMergesHandshakesAndDump(t *testing.T) {
	now := time.Now().Unix()
	fx := &fakeExecutor{
		handshakes: "pubkey1\t" + strconv.FormatInt(now, 10),
		dump: "serverkey\t(none)\t(none)\t0.0.0.0/0\t0\t0\t0\toff\n" +
			"pubkey1\t(none)\t1.2.3.4:51820\t10.8.0.2/32\t" + strconv.FormatInt(now, 10) + "\t1024\t2048\t25\n",
	}
	r := New("wg0", fx, time.Second, 3*time.Minute, zap.NewNop())

	statuses := r.Read(context.Background())
	require.Contains(t, statuses, "pubkey1")

	st := statuses["pubkey1"]
	assert.True(t, st.IsConnected)
	assert.Equal(t, "1.2.3.4:51820", st.Endpoint)
	assert.Equal(t, "1.2.3.4", st.ClientIP)
	assert.Equal(t, int64(1024), st.TransferRx)
	assert.Equal(t, int64(2048), st.TransferTx)
	assert.Equal(t, 25, st.PersistentKeepalive)
	assert.Equal(t, "handshake", st.ConnectionMethod)
}

func TestReadMarksStaleHandshakeAsDisconnected(t *testing.T) {
	stale := time.Now().Add(-time.Hour).Unix()
	fx := &fakeExecutor{
		handshakes: "pubkey1\t" + strconv.FormatInt(stale, 10),
		dump:       "pubkey1\t(none)\t(none)\t10.8.0.2/32\t" + strconv.FormatInt(stale, 10) + "\t0\t0\toff\n",
	}
	r := New("wg0", fx, time.Second, 3*time.Minute, zap.NewNop())

	statuses := r.Read(context.Background())
	assert.False(t, statuses["pubkey1"].IsConnected)
}

func TestReadTreatsZeroHandshakeAsDisconnected(t *testing.T) {
	fx := &fakeExecutor{
		dump: "pubkey1\t(none)\t(none)\t10.8.0.2/32\t0\t0\t0\toff\n",
	}
	r := New("wg0", fx, time.Second, 3*time.Minute, zap.NewNop())

	statuses := r.Read(context.Background())
	assert.False(t, statuses["pubkey1"].IsConnected)
}

func TestReadLatestHandshakesSkipsUnrecognisedFormat(t *testing.T) {
	fx := &fakeExecutor{handshakes: "pubkey1\tnot-a-timestamp\n"}
	r := New("wg0", fx, time.Second, 3*time.Minute, zap.NewNop())

	handshakes := r.readLatestHandshakes(context.Background())
	assert.NotContains(t, handshakes, "pubkey1")
}

func TestReadDumpSkipsHeaderAndShortLines(t *testing.T) {
	fx := &fakeExecutor{dump: "serverkey\tprivkey\t51820\n"}
	r := New("wg0", fx, time.Second, 3*time.Minute, zap.NewNop())

	statuses := r.readDump(context.Background())
	assert.Empty(t, statuses)
}

func TestReadPromotesStaleHandshakeToConnectedViaPing(t *testing.T) {
	stale := time.Now().Add(-time.Hour).Unix()
	fx := &fakeExecutor{
		dump:   "pubkey1\t(none)\t1.2.3.4:51820\t10.8.0.2/32\t" + strconv.FormatInt(stale, 10) + "\t0\t0\toff\n",
		pingOK: true,
	}
	r := New("wg0", fx, time.Second, 3*time.Minute, zap.NewNop(), WithPingCheck(true, time.Second))

	st := r.Read(context.Background())["pubkey1"]
	assert.True(t, st.IsConnected)
	assert.Equal(t, "ping", st.ConnectionMethod)
}

func TestReadDoesNotPingWhenHandshakeFresh(t *testing.T) {
	now := time.Now().Unix()
	fx := &fakeExecutor{
		dump:   "pubkey1\t(none)\t1.2.3.4:51820\t10.8.0.2/32\t" + strconv.FormatInt(now, 10) + "\t0\t0\toff\n",
		pingOK: false,
	}
	r := New("wg0", fx, time.Second, 3*time.Minute, zap.NewNop(), WithPingCheck(true, time.Second))

	st := r.Read(context.Background())["pubkey1"]
	assert.True(t, st.IsConnected)
	assert.Equal(t, "handshake", st.ConnectionMethod)
}

func TestReadPromotesStaleHandshakeToConnectedViaConntrack(t *testing.T) {
	stale := time.Now().Add(-time.Hour).Unix()
	fx := &fakeExecutor{
		dump:        "pubkey1\t(none)\t1.2.3.4:51820\t10.8.0.2/32\t" + strconv.FormatInt(stale, 10) + "\t0\t0\toff\n",
		conntrackOK: true,
	}
	r := New("wg0", fx, time.Second, 3*time.Minute, zap.NewNop(), WithConntrack(true))

	st := r.Read(context.Background())["pubkey1"]
	assert.True(t, st.IsConnected)
	assert.Equal(t, "conntrack", st.ConnectionMethod)
}

func TestReadStaysDisconnectedWhenProbesDisabled(t *testing.T) {
	stale := time.Now().Add(-time.Hour).Unix()
	fx := &fakeExecutor{
		dump:        "pubkey1\t(none)\t1.2.3.4:51820\t10.8.0.2/32\t" + strconv.FormatInt(stale, 10) + "\t0\t0\toff\n",
		pingOK:      true,
		conntrackOK: true,
	}
	r := New("wg0", fx, time.Second, 3*time.Minute, zap.NewNop())

	st := r.Read(context.Background())["pubkey1"]
	assert.False(t, st.IsConnected)
}

func TestReadDumpParsesBracketedIPv6Endpoint(t *testing.T) {
	fx := &fakeExecutor{
		dump: "pubkey1\t(none)\t[fe80::1]:51820\t10.8.0.2/32\t0\t0\t0\toff\n",
	}
	r := New("wg0", fx, time.Second, 3*time.Minute, zap.NewNop())

	statuses := r.readDump(context.Background())
	assert.Equal(t, "fe80::1", statuses["pubkey1"].ClientIP)
}
