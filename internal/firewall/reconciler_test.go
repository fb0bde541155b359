package firewall

import (
	"context"
	"errors"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/anvil-lab/wgctl/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type call struct {
	name  string
	args  []string
	stdin string
}

type fakeExecutor struct {
	calls      []call
	runFunc    func(n int, name string, args ...string) (string, error)
	savedState string
	restoreErr error
}

func (f *fakeExecutor) Run(ctx context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, call{name: name, args: args})
	if name == "iptables-save" && f.savedState != "" {
		return f.savedState, nil
	}
	if f.runFunc == nil {
		return "", nil
	}
	return f.runFunc(len(f.calls)-1, name, args...)
}

func (f *fakeExecutor) RunStdin(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	f.calls = append(f.calls, call{name: name, args: args, stdin: stdin})
	if name == "iptables-restore" && f.restoreErr != nil {
		return "iptables-restore: error", f.restoreErr
	}
	if f.runFunc == nil {
		return "", nil
	}
	return f.runFunc(len(f.calls)-1, name, args...)
}

func newReconciler(fx *fakeExecutor, workDir string) *Reconciler {
	return NewReconciler("wg0", NewCompiler("wg0", "10.8.0.0/24"), fx, time.Second, workDir, zap.NewNop())
}

func TestValidateAccessSuccess(t *testing.T) {
	fx := &fakeExecutor{}
	r := newReconciler(fx, t.TempDir())
	assert.NoError(t, r.ValidateAccess(context.Background()))
}

func TestValidateAccessClassifiesPermissionDenied(t *testing.T) {
	fx := &fakeExecutor{runFunc: func(n int, name string, args ...string) (string, error) {
		return "iptables: Permission denied (you must be root)", errors.New("exit status 4")
	}}
	r := newReconciler(fx, t.TempDir())
	err := r.ValidateAccess(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestValidateAccessClassifiesMissingBinary(t *testing.T) {
	fx := &fakeExecutor{runFunc: func(n int, name string, args ...string) (string, error) {
		return "", &osexec.Error{Name: name, Err: osexec.ErrNotFound}
	}}
	r := newReconciler(fx, t.TempDir())
	err := r.ValidateAccess(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool not found")
}

func TestCurrentRulesReturnsOutput(t *testing.T) {
	fx := &fakeExecutor{runFunc: func(n int, name string, args ...string) (string, error) {
		return "-A FORWARD -j ACCEPT", nil
	}}
	r := newReconciler(fx, t.TempDir())
	out, err := r.CurrentRules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "-A FORWARD -j ACCEPT", out)
}

func TestBackupWritesFileAndReturnsPath(t *testing.T) {
	dir := t.TempDir()
	fx := &fakeExecutor{runFunc: func(n int, name string, args ...string) (string, error) {
		return "*filter\n-A FORWARD -j ACCEPT\nCOMMIT\n", nil
	}}
	r := newReconciler(fx, dir)

	path, err := r.Backup(context.Background(), time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "iptables_backup_20260102_030405.txt"), path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "COMMIT")
}

func TestRestoreInvokesIptablesRestoreWithBackupContent(t *testing.T) {
	dir := t.TempDir()
	backupPath := filepath.Join(dir, "backup.txt")
	require.NoError(t, os.WriteFile(backupPath, []byte("*filter\nCOMMIT\n"), 0o644))

	fx := &fakeExecutor{}
	r := newReconciler(fx, dir)

	require.NoError(t, r.Restore(context.Background(), backupPath))
	require.Len(t, fx.calls, 1)
	assert.Equal(t, "iptables-restore", fx.calls[0].name)
}

func TestApplyAllDryRunNeverTouchesExecutor(t *testing.T) {
	fx := &fakeExecutor{}
	r := newReconciler(fx, t.TempDir())

	peer := models.Peer{Name: "alice", AssignedIP: "10.8.0.2", IsActive: true}
	program := r.compiler.FullProgram([]models.Peer{peer})

	result, err := r.ApplyAll(context.Background(), program, true)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Len(t, result.Preview, len(program))
	assert.Empty(t, fx.calls)
}

func TestApplyAllSnapshotsThenAppliesOneRestoreTransaction(t *testing.T) {
	fx := &fakeExecutor{savedState: "*filter\n:INPUT ACCEPT [0:0]\n:FORWARD ACCEPT [0:0]\n" +
		":OUTPUT ACCEPT [0:0]\nCOMMIT\n*nat\n:PREROUTING ACCEPT [0:0]\nCOMMIT\n"}
	r := newReconciler(fx, t.TempDir())

	peer := models.Peer{Name: "alice", AssignedIP: "10.8.0.2", IsActive: true}
	program := r.compiler.FullProgram([]models.Peer{peer})

	result, err := r.ApplyAll(context.Background(), program, false)
	require.NoError(t, err)
	assert.Equal(t, len(program), result.RulesApplied)

	require.Len(t, fx.calls, 2)
	assert.Equal(t, "iptables-save", fx.calls[0].name)
	assert.Equal(t, "iptables-restore", fx.calls[1].name)

	block := fx.calls[1].stdin
	assert.Contains(t, block, ":"+subChain+" - [0:0]")
	assert.Contains(t, block, "-A FORWARD -j "+subChain)
	assert.Contains(t, block, "-A "+subChain+" -s 10.8.0.2/32")
	assert.Contains(t, block, "-A INPUT -i lo")
	assert.Contains(t, block, "-A OUTPUT -o lo")
	assert.Contains(t, block, "*nat")
	assert.Equal(t, 2, strings.Count(block, "COMMIT"))
}

func TestApplyAllRebuildDropsPreviouslyOwnedRulesBeforeReapplying(t *testing.T) {
	fx := &fakeExecutor{savedState: "*filter\n:INPUT ACCEPT [0:0]\n:FORWARD ACCEPT [0:0]\n" +
		":OUTPUT ACCEPT [0:0]\n:" + subChain + " - [0:0]\n" +
		"-A FORWARD -j " + subChain + "\n" +
		"-A " + subChain + ` -s 10.8.0.9/32 -m comment --comment "Default-Allow:stale" -j ACCEPT` + "\n" +
		`-A INPUT -i lo -m comment --comment "WireGuard: loopback in" -j ACCEPT` + "\n" +
		`-A INPUT -i lo -m comment --comment "WireGuard: loopback in" -j ACCEPT` + "\n" +
		`-A OUTPUT -o lo -m comment --comment "WireGuard: loopback out" -j ACCEPT` + "\n" +
		"COMMIT\n"}
	r := newReconciler(fx, t.TempDir())

	peer := models.Peer{Name: "alice", AssignedIP: "10.8.0.2", IsActive: true}
	program := r.compiler.FullProgram([]models.Peer{peer})

	result, err := r.ApplyAll(context.Background(), program, false)
	require.NoError(t, err)
	assert.Equal(t, len(program), result.RulesApplied)

	block := fx.calls[1].stdin
	assert.NotContains(t, block, "stale")
	assert.Equal(t, 1, strings.Count(block, "-A INPUT -i lo"))
	assert.Equal(t, 1, strings.Count(block, "-A OUTPUT -o lo"))
	assert.Equal(t, 1, strings.Count(block, "-A FORWARD -j "+subChain))
}

func TestApplyAllLeavesRulesetUntouchedOnRestoreFailure(t *testing.T) {
	fx := &fakeExecutor{
		savedState: "*filter\n:INPUT ACCEPT [0:0]\n:FORWARD ACCEPT [0:0]\n:OUTPUT ACCEPT [0:0]\nCOMMIT\n",
		restoreErr: errors.New("exit status 2"),
	}
	r := newReconciler(fx, t.TempDir())

	peer := models.Peer{Name: "alice", AssignedIP: "10.8.0.2", IsActive: true}
	program := r.compiler.FullProgram([]models.Peer{peer})

	result, err := r.ApplyAll(context.Background(), program, false)
	assert.Nil(t, result)
	require.Error(t, err)

	// iptables-restore is the only mutating call attempted; its failure
	// means the kernel never saw a partial ruleset, so no further calls
	// (e.g. a manual rollback) are needed.
	require.Len(t, fx.calls, 2)
	assert.Equal(t, "iptables-restore", fx.calls[1].name)
}
