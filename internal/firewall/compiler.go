// Package firewall contains the policy compiler and the firewall
// reconciler, built on the iptables-save/restore idiom and comment-tagged
// rule emission pattern (nftables was considered and rejected: the
// backup format and `-m comment --comment` annotations here are
// iptables-save shaped).
package firewall

import (
	"sort"

	"github.com/anvil-lab/wgctl/internal/models"
)

// Rule is one low-level packet-filter statement, chain-scoped, with an
// auditable comment tag. It is the compiler's only output type; the
// reconciler turns a slice of these into iptables invocations or an
// iptables-save-shaped text block.
type Rule struct {
	Chain       string // FORWARD, INPUT, OUTPUT
	Source      string // CIDR, or "" for unspecified
	Destination string
	Protocol    string // tcp, udp, icmp, or "" for unspecified
	Port        string // destination-port literal, or "" for none
	InIface     string // required in-interface, or "" for unconstrained
	OutIface    string // required out-interface, or "" for unconstrained
	NotOutIface string // out-interface the rule requires NOT to match (internet egress)
	State       string // conntrack state match ("ESTABLISHED,RELATED"), or ""
	Target      string // ACCEPT, DROP
	Comment     string
}

// Args renders the rule as the -A/-I argument list iptables expects,
// excluding the leading "-A <chain>" which the reconciler supplies per
// target chain.
func (r Rule) Args() []string {
	var args []string
	if r.Source != "" {
		args = append(args, "-s", r.Source)
	}
	if r.Destination != "" {
		args = append(args, "-d", r.Destination)
	}
	if r.Protocol != "" {
		args = append(args, "-p", r.Protocol)
	}
	if r.Port != "" {
		args = append(args, "--dport", r.Port)
	}
	if r.InIface != "" {
		args = append(args, "-i", r.InIface)
	}
	if r.OutIface != "" {
		args = append(args, "-o", r.OutIface)
	}
	if r.NotOutIface != "" {
		args = append(args, "!", "-o", r.NotOutIface)
	}
	if r.State != "" {
		args = append(args, "-m", "conntrack", "--ctstate", r.State)
	}
	args = append(args, "-m", "comment", "--comment", r.Comment, "-j", r.Target)
	return args
}

// String renders the rule the way preview mode shows it: a human-readable
// iptables command line, without touching the host.
func (r Rule) String() string {
	s := "iptables -A " + r.Chain
	for _, a := range r.Args() {
		s += " " + a
	}
	return s
}

// Compiler lowers typed firewall rules into an ordered low-level program.
type Compiler struct {
	vpnInterface string
	vpnSubnet    string
}

func NewCompiler(vpnInterface, vpnSubnet string) *Compiler {
	return &Compiler{vpnInterface: vpnInterface, vpnSubnet: vpnSubnet}
}

// BaseProgram is emitted once at the head of the FORWARD chain and is
// never omitted: established/related passthrough for the VPN interface in
// both directions, and loopback passthrough.
func (c *Compiler) BaseProgram() []Rule {
	return []Rule{
		{Chain: "FORWARD", InIface: c.vpnInterface, State: "ESTABLISHED,RELATED", Target: "ACCEPT",
			Comment: "WireGuard: established/related in"},
		{Chain: "FORWARD", OutIface: c.vpnInterface, State: "ESTABLISHED,RELATED", Target: "ACCEPT",
			Comment: "WireGuard: established/related out"},
		{Chain: "INPUT", InIface: "lo", Target: "ACCEPT", Comment: "WireGuard: loopback in"},
		{Chain: "OUTPUT", OutIface: "lo", Target: "ACCEPT", Comment: "WireGuard: loopback out"},
	}
}

// Program compiles one peer's active rules, in priority order with id as
// tie-break, into the per-peer slice of the FORWARD chain program. It
// never includes the base program; callers that want the full applied
// program prepend BaseProgram() once.
func (c *Compiler) Program(p models.Peer) []Rule {
	assignedHost := p.AssignedIP + "/32"

	active := activeRules(p.FirewallRules)
	if len(active) == 0 {
		return []Rule{
			{Chain: "FORWARD", Source: assignedHost, Target: "ACCEPT", Comment: "Default-Allow:" + p.Name},
			{Chain: "FORWARD", Destination: assignedHost, Target: "ACCEPT", Comment: "Default-Allow:" + p.Name},
		}
	}

	program := make([]Rule, 0, len(active)+2)
	for _, fr := range active {
		program = append(program, c.compileOne(fr, assignedHost))
	}
	program = append(program,
		Rule{Chain: "FORWARD", Source: assignedHost, Target: "DROP", Comment: "Default-Drop:" + p.Name},
		Rule{Chain: "FORWARD", Destination: assignedHost, Target: "DROP", Comment: "Default-Drop:" + p.Name},
	)
	return program
}

func activeRules(rules []models.FirewallRule) []models.FirewallRule {
	out := make([]models.FirewallRule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (c *Compiler) compileOne(fr models.FirewallRule, assignedHost string) Rule {
	r := Rule{Chain: "FORWARD", Comment: "Rule:" + fr.Name}

	if fr.Source != nil {
		r.Source = *fr.Source
	} else {
		r.Source = assignedHost
	}

	if fr.Destination != nil {
		r.Destination = *fr.Destination
	} else {
		switch fr.RuleType {
		case models.RuleTypeInternet:
			r.Destination = "0.0.0.0/0"
		case models.RuleTypePeerComm:
			r.Destination = c.vpnSubnet
		}
	}

	if fr.Protocol != models.ProtocolAny {
		r.Protocol = string(fr.Protocol)
	}

	if (fr.Protocol == models.ProtocolTCP || fr.Protocol == models.ProtocolUDP) && fr.PortRange != "any" {
		r.Port = fr.PortRange
	}

	if fr.RuleType == models.RuleTypeInternet {
		r.NotOutIface = c.vpnInterface
	} else {
		r.InIface = c.vpnInterface
	}

	if fr.Action == models.ActionAllow {
		r.Target = "ACCEPT"
	} else {
		r.Target = "DROP"
	}

	return r
}

// Preview returns the human-readable command representation of the full
// program for a peer (or, with includeBase, for the base program too)
// without touching the host.
func (c *Compiler) Preview(p models.Peer, includeBase bool) []string {
	var lines []string
	if includeBase {
		for _, r := range c.BaseProgram() {
			lines = append(lines, r.String())
		}
	}
	for _, r := range c.Program(p) {
		lines = append(lines, r.String())
	}
	return lines
}

// FullProgram compiles the base program plus every active peer's program,
// in peer order, matching exactly what apply(all) reconciles.
func (c *Compiler) FullProgram(peers []models.Peer) []Rule {
	program := append([]Rule{}, c.BaseProgram()...)
	for _, p := range peers {
		if !p.IsActive {
			continue
		}
		program = append(program, c.Program(p)...)
	}
	return program
}
