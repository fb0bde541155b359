// Package wgconfig renders wg0.conf from the active peer set and commits
// it to a working copy and, best-effort, a privileged system path. It
// uses text/template over the multi-peer interface shape and a
// write-temp-then-rename commit discipline under an in-process mutex.
package wgconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/anvil-lab/wgctl/internal/models"
	"go.uber.org/zap"
)

const serverTemplate = `[Interface]
Address = {{.Address}}
PrivateKey = {{.PrivateKey}}
ListenPort = {{.ListenPort}}
{{range .Peers}}
# Peer: {{.ID}}, {{.Name}}
[Peer]
PublicKey = {{.PublicKey}}
PresharedKey = {{.PresharedKey}}
AllowedIPs = {{.AllowedIPs}}
{{if .Endpoint}}Endpoint = {{.Endpoint}}
{{end}}PersistentKeepalive = {{.Keepalive}}
{{end}}`

// clientTemplate is the text returned by the config endpoint for a single
// peer — never written to disk here, since the peer's own private key
// never touches this system (keys are generated by the operator's
// WireGuard tooling, out of scope per spec §1).
const clientTemplate = `[Interface]
PrivateKey = PLACEHOLDER_FOR_CLIENT_PRIVATE_KEY
Address = {{.Address}}

[Peer]
PublicKey = {{.ServerPublicKey}}
PresharedKey = {{.PresharedKey}}
Endpoint = {{.Endpoint}}
AllowedIPs = 0.0.0.0/0
PersistentKeepalive = {{.Keepalive}}
`

var clientTmpl = template.Must(template.New("client.conf").Parse(clientTemplate))

type clientView struct {
	Address         string
	ServerPublicKey string
	PresharedKey    string
	Endpoint        string
	Keepalive       int
}

type peerView struct {
	ID           string
	Name         string
	PublicKey    string
	PresharedKey string
	AllowedIPs   string
	Endpoint     string
	Keepalive    int
}

type interfaceView struct {
	Address    string
	PrivateKey string
	ListenPort int
	Peers      []peerView
}

// Renderer produces wg0.conf text and commits it under an in-process
// mutex; no lock is taken on the files themselves, so writers in other
// processes are not excluded.
type Renderer struct {
	workingPath string
	systemPath  string
	logger      *zap.Logger
	mu          sync.Mutex
	tmpl        *template.Template
}

func New(workingPath, systemPath string, logger *zap.Logger) *Renderer {
	return &Renderer{
		workingPath: workingPath,
		systemPath:  systemPath,
		logger:      logger,
		tmpl:        template.Must(template.New("wg0.conf").Parse(serverTemplate)),
	}
}

// Render produces the text artifact for the given interface config and
// active peer set. It is a pure function of its inputs: identical inputs
// produce byte-identical output.
func (r *Renderer) Render(iface models.InterfaceConfig, peers []models.Peer) (string, error) {
	view := interfaceView{
		Address:    iface.Address,
		PrivateKey: iface.PrivateKey,
		ListenPort: iface.ListenPort,
	}

	for _, p := range peers {
		if !p.IsActive {
			continue
		}
		view.Peers = append(view.Peers, peerView{
			ID:           p.ID.String(),
			Name:         p.Name,
			PublicKey:    p.PublicKey,
			PresharedKey: derefOr(p.PresharedKey, ""),
			AllowedIPs:   allowedIPsClause(p),
			Endpoint:     derefOr(p.Endpoint, ""),
			Keepalive:    p.Keepalive(),
		})
	}

	var buf strings.Builder
	if err := r.tmpl.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("render wg0.conf: %w", err)
	}
	return buf.String(), nil
}

// RenderClient produces the client configuration text for one peer — the
// `[Interface]`/`[Peer]` pair a human downloads and imports into their own
// WireGuard client. It is a pure function, never written to disk: the
// caller (the config endpoint) returns it directly in the response body.
func RenderClient(p models.Peer, serverPublicKey, serverPublicIP string, listenPort int) (string, error) {
	address := allowedIPsClause(p)

	endpoint := serverPublicIP
	if listenPort != 0 {
		endpoint = fmt.Sprintf("%s:%d", serverPublicIP, listenPort)
	}

	view := clientView{
		Address:         address,
		ServerPublicKey: serverPublicKey,
		PresharedKey:    derefOr(p.PresharedKey, ""),
		Endpoint:        endpoint,
		Keepalive:       p.Keepalive(),
	}

	var buf strings.Builder
	if err := clientTmpl.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("render client config: %w", err)
	}
	return buf.String(), nil
}

// allowedIPsClause is assigned_ip/32 followed by the peer's AllowedIPs in
// insertion order, comma-joined, built once directly rather than through
// template re-expansion, so it is never accidentally duplicated.
func allowedIPsClause(p models.Peer) string {
	parts := []string{p.AssignedIP + "/32"}
	for _, a := range p.AllowedIPs {
		parts = append(parts, a.IPNetwork)
	}
	return strings.Join(parts, ",")
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

// Commit renders and writes the config, atomically to the working copy and
// best-effort to the privileged system path, holding the Renderer's mutex
// across both writes (an in-process lock, not a lock on the files).
func (r *Renderer) Commit(iface models.InterfaceConfig, peers []models.Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	text, err := r.Render(iface, peers)
	if err != nil {
		return err
	}

	if err := atomicWrite(r.workingPath, text, 0o644); err != nil {
		return fmt.Errorf("write working copy: %w", err)
	}

	if r.systemPath == "" {
		return nil
	}

	if err := atomicWrite(r.systemPath, text, 0o600); err != nil {
		if os.IsPermission(err) {
			r.logger.Debug("system wg0.conf path not writable, skipping", zap.String("path", r.systemPath))
			return nil
		}
		return fmt.Errorf("write system config: %w", err)
	}
	return nil
}

// atomicWrite writes to a temp file in the same directory then renames it
// into place, so readers never observe a partial file.
func atomicWrite(path, content string, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".wg0-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
