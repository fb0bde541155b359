package firewall

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anvil-lab/wgctl/internal/executil"
	"github.com/anvil-lab/wgctl/internal/vpnerr"
	"go.uber.org/zap"
)

// subChain is the optional named chain that groups this system's rules
// for easier cleanup.
const subChain = "WIREGUARD_FORWARD"

// ApplyResult reports what a reconciliation did.
type ApplyResult struct {
	RulesApplied int
	DryRun       bool
	Preview      []string
}

// Reconciler validates access, snapshots current rules, applies the
// compiled program atomically, and exposes rollback. It owns the on-host
// packet-filter state between acquiring and releasing its process-wide
// mutex.
type Reconciler struct {
	iface    string
	compiler *Compiler
	exec     executil.Executor
	deadline time.Duration
	workDir  string
	logger   *zap.Logger

	mu sync.Mutex
}

func NewReconciler(iface string, compiler *Compiler, exec executil.Executor, deadline time.Duration, workDir string, logger *zap.Logger) *Reconciler {
	return &Reconciler{iface: iface, compiler: compiler, exec: exec, deadline: deadline, workDir: workDir, logger: logger}
}

// ValidateAccess is a read-only probe that the reconciler can invoke
// iptables at all.
func (r *Reconciler) ValidateAccess(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	out, err := r.exec.Run(ctx, "iptables", "-L", "-n")
	if err != nil {
		return r.classifyError("validate access", out, err)
	}
	return nil
}

// CurrentRules returns a snapshot of the FORWARD chain.
func (r *Reconciler) CurrentRules(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	out, err := r.exec.Run(ctx, "iptables", "-S", "FORWARD")
	if err != nil {
		return "", r.classifyError("read current rules", out, err)
	}
	return out, nil
}

// Backup serializes the current ruleset to a timestamped file in the
// working directory and returns its path. The contents are exactly the
// output of iptables-save.
func (r *Reconciler) Backup(ctx context.Context, now time.Time) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	out, err := r.exec.Run(ctx, "iptables-save")
	if err != nil {
		return "", r.classifyError("backup", out, err)
	}

	path := fmt.Sprintf("%s/iptables_backup_%s.txt", r.workDir, now.Format("20060102_150405"))
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return "", fmt.Errorf("write backup %s: %w", path, err)
	}
	return path, nil
}

// Restore applies a prior Backup() file via iptables-restore.
func (r *Reconciler) Restore(ctx context.Context, backupPath string) error {
	content, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("read backup %s: %w", backupPath, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	out, err := r.exec.RunStdin(ctx, string(content), "iptables-restore")
	if err != nil {
		return r.classifyError("restore", out, err)
	}
	return nil
}

// ApplyAll reconciles the FORWARD chain against the full compiled program
// for every active peer. It snapshots the live ruleset with iptables-save,
// splices the owned rules (the WIREGUARD_FORWARD chain body, the
// FORWARD-to-subchain jump, and the INPUT/OUTPUT loopback passthrough) out
// and the freshly compiled program back in, then applies the result as one
// iptables-restore transaction — the same single-uncommitted-batch shape as
// an iptc `table.autocommit = False` / `table.commit()` pairing. A
// transaction iptables-restore rejects is never partially applied, so the
// chain is left byte-identical to its pre-apply state on any failure with
// no separate rollback step needed.
func (r *Reconciler) ApplyAll(ctx context.Context, fullProgram []Rule, dryRun bool) (*ApplyResult, error) {
	if dryRun {
		var preview []string
		for _, rule := range fullProgram {
			preview = append(preview, rule.String())
		}
		return &ApplyResult{DryRun: true, Preview: preview}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	saved, err := r.runDeadlined(ctx, "iptables-save")
	if err != nil {
		return nil, r.classifyError("snapshot ruleset", saved, err)
	}

	block, err := rebuildFilterTable(saved, fullProgram)
	if err != nil {
		return nil, vpnerr.ExternalToolFailed("compose iptables-restore transaction", err)
	}

	if out, err := r.runStdinDeadlined(ctx, block, "iptables-restore"); err != nil {
		return nil, r.classifyError("apply ruleset", out, err)
	}

	return &ApplyResult{RulesApplied: len(fullProgram)}, nil
}

// rebuildFilterTable takes the text of `iptables-save` and returns an
// iptables-restore-ready transaction with every rule this system owns
// replaced by fullProgram, and every other table and rule carried through
// unchanged — so applying it reproduces the current state everywhere
// except the deliberate diff.
func rebuildFilterTable(saved string, fullProgram []Rule) (string, error) {
	lines := strings.Split(saved, "\n")

	var result []string
	var headers, kept []string
	inFilter := false
	filterFound := false
	hasSubChainHeader := false
	hasForwardJump := false

	forwardJump := fmt.Sprintf("-A FORWARD -j %s", subChain)

	flushFilter := func() {
		if !hasSubChainHeader {
			headers = append(headers, fmt.Sprintf(":%s - [0:0]", subChain))
		}
		result = append(result, "*filter")
		result = append(result, headers...)
		result = append(result, kept...)
		if !hasForwardJump {
			result = append(result, forwardJump)
		}
		for _, rule := range fullProgram {
			chain := subChain
			if rule.Chain != "FORWARD" {
				chain = rule.Chain
			}
			result = append(result, formatRestoreRule(chain, rule))
		}
		result = append(result, "COMMIT")
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "*filter":
			inFilter, filterFound = true, true
			headers, kept = nil, nil
			hasSubChainHeader, hasForwardJump = false, false
		case inFilter && trimmed == "COMMIT":
			flushFilter()
			inFilter = false
		case inFilter && strings.HasPrefix(trimmed, ":"):
			if strings.HasPrefix(trimmed, ":"+subChain+" ") {
				hasSubChainHeader = true
			}
			headers = append(headers, line)
		case inFilter && strings.HasPrefix(trimmed, "-A "):
			if trimmed == forwardJump {
				if !hasForwardJump {
					kept = append(kept, line)
					hasForwardJump = true
				}
				continue
			}
			if isOwnedRestoreLine(trimmed) {
				continue
			}
			kept = append(kept, line)
		default:
			if !inFilter {
				result = append(result, line)
			}
		}
	}

	if !filterFound {
		return "", fmt.Errorf("iptables-save output has no *filter table")
	}
	return strings.Join(result, "\n") + "\n", nil
}

// isOwnedRestoreLine reports whether a `-A ...` line from a saved ruleset
// belongs entirely to this system and should be dropped before the
// compiled program is re-appended: the whole WIREGUARD_FORWARD chain body,
// and the tagged loopback passthrough rules BaseProgram emits directly into
// INPUT/OUTPUT.
func isOwnedRestoreLine(line string) bool {
	if strings.HasPrefix(line, "-A "+subChain+" ") {
		return true
	}
	return strings.Contains(line, `--comment "WireGuard: loopback`)
}

// formatRestoreRule renders one compiled Rule as an iptables-restore line,
// quoting any argument (the comment) that contains whitespace.
func formatRestoreRule(chain string, rule Rule) string {
	parts := make([]string, 0, len(rule.Args())+2)
	parts = append(parts, "-A", chain)
	for _, a := range rule.Args() {
		if strings.ContainsAny(a, " \t") {
			a = `"` + a + `"`
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

func (r *Reconciler) runDeadlined(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()
	return r.exec.Run(ctx, name, args...)
}

func (r *Reconciler) runStdinDeadlined(ctx context.Context, stdin, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()
	return r.exec.RunStdin(ctx, stdin, name, args...)
}

func (r *Reconciler) classifyError(op, out string, err error) error {
	if executil.IsNotFound(err) {
		return vpnerr.ExternalToolMissing(fmt.Sprintf("%s: tool not found", op), err)
	}
	if strings.Contains(strings.ToLower(out), "permission denied") {
		return vpnerr.Permission(fmt.Sprintf("%s: permission denied", op), err)
	}
	return vpnerr.ExternalToolFailed(fmt.Sprintf("%s failed: %s", op, out), err)
}
