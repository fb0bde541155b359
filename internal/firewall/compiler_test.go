package firewall

import (
	"testing"

	"github.com/anvil-lab/wgctl/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseProgramIsEstablishedRelatedPlusLoopback(t *testing.T) {
	c := NewCompiler("wg0", "10.8.0.0/24")
	base := c.BaseProgram()
	require.Len(t, base, 4)
	assert.Equal(t, "FORWARD", base[0].Chain)
	assert.Equal(t, "ESTABLISHED,RELATED", base[0].State)
	assert.Equal(t, "lo", base[2].InIface)
}

func TestProgramWithNoRulesDefaultAllows(t *testing.T) {
	c := NewCompiler("wg0", "10.8.0.0/24")
	peer := models.Peer{Name: "alice", AssignedIP: "10.8.0.2"}

	program := c.Program(peer)
	require.Len(t, program, 2)
	for _, r := range program {
		assert.Equal(t, "ACCEPT", r.Target)
		assert.Contains(t, r.Comment, "Default-Allow:alice")
	}
}

func TestProgramWithRulesAddsDefaultDropBracket(t *testing.T) {
	c := NewCompiler("wg0", "10.8.0.0/24")
	peer := models.Peer{
		Name: "alice", AssignedIP: "10.8.0.2",
		FirewallRules: []models.FirewallRule{
			{ID: uuid.New(), Name: "allow-internet", RuleType: models.RuleTypeInternet,
				Action: models.ActionAllow, Protocol: models.ProtocolAny, PortRange: "any",
				Priority: 100, IsActive: true},
		},
	}

	program := c.Program(peer)
	require.Len(t, program, 3)
	last, secondLast := program[2], program[1]
	assert.Equal(t, "DROP", last.Target)
	assert.Equal(t, "DROP", secondLast.Target)
	assert.Contains(t, last.Comment, "Default-Drop:alice")
}

func TestProgramOrdersByPriorityThenID(t *testing.T) {
	c := NewCompiler("wg0", "10.8.0.0/24")
	low := models.FirewallRule{ID: uuid.MustParse("00000000-0000-0000-0000-000000000002"),
		Name: "low", RuleType: models.RuleTypeCustom, Action: models.ActionAllow,
		Protocol: models.ProtocolAny, PortRange: "any", Priority: 200, IsActive: true}
	high := models.FirewallRule{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		Name: "high", RuleType: models.RuleTypeCustom, Action: models.ActionAllow,
		Protocol: models.ProtocolAny, PortRange: "any", Priority: 100, IsActive: true}

	peer := models.Peer{Name: "alice", AssignedIP: "10.8.0.2", FirewallRules: []models.FirewallRule{low, high}}
	program := c.Program(peer)

	require.Len(t, program, 4) // 2 rules + drop bracket
	assert.Contains(t, program[0].Comment, "high")
	assert.Contains(t, program[1].Comment, "low")
}

func TestProgramSkipsInactiveRules(t *testing.T) {
	c := NewCompiler("wg0", "10.8.0.0/24")
	peer := models.Peer{
		Name: "alice", AssignedIP: "10.8.0.2",
		FirewallRules: []models.FirewallRule{
			{ID: uuid.New(), Name: "disabled", RuleType: models.RuleTypeCustom,
				Action: models.ActionDeny, Protocol: models.ProtocolAny, PortRange: "any",
				Priority: 100, IsActive: false},
		},
	}
	program := c.Program(peer)
	// No active rules -> falls back to the default-allow bracket.
	require.Len(t, program, 2)
	assert.Equal(t, "ACCEPT", program[0].Target)
}

func TestCompileOneInternetRuleUsesNotOutIface(t *testing.T) {
	c := NewCompiler("wg0", "10.8.0.0/24")
	fr := models.FirewallRule{Name: "internet", RuleType: models.RuleTypeInternet,
		Action: models.ActionAllow, Protocol: models.ProtocolAny, PortRange: "any"}

	rule := c.compileOne(fr, "10.8.0.2/32")
	assert.Equal(t, "wg0", rule.NotOutIface)
	assert.Empty(t, rule.InIface)
	assert.Equal(t, "0.0.0.0/0", rule.Destination)
}

func TestCompileOnePeerCommRuleUsesVPNSubnetDestination(t *testing.T) {
	c := NewCompiler("wg0", "10.8.0.0/24")
	fr := models.FirewallRule{Name: "peer-comm", RuleType: models.RuleTypePeerComm,
		Action: models.ActionAllow, Protocol: models.ProtocolAny, PortRange: "any"}

	rule := c.compileOne(fr, "10.8.0.2/32")
	assert.Equal(t, "10.8.0.0/24", rule.Destination)
	assert.Equal(t, "wg0", rule.InIface)
}

func TestCompileOneHonoursExplicitPortRange(t *testing.T) {
	c := NewCompiler("wg0", "10.8.0.0/24")
	fr := models.FirewallRule{Name: "port", RuleType: models.RuleTypePort,
		Action: models.ActionAllow, Protocol: models.ProtocolTCP, PortRange: "8080"}

	rule := c.compileOne(fr, "10.8.0.2/32")
	assert.Equal(t, "8080", rule.Port)
	assert.Equal(t, "tcp", rule.Protocol)
}

func TestRuleArgsRendersCommentAndTarget(t *testing.T) {
	r := Rule{Chain: "FORWARD", Source: "10.8.0.2/32", Target: "ACCEPT", Comment: "test"}
	args := r.Args()
	assert.Equal(t, []string{"-s", "10.8.0.2/32", "-m", "comment", "--comment", "test", "-j", "ACCEPT"}, args)
}

func TestFullProgramSkipsInactivePeers(t *testing.T) {
	c := NewCompiler("wg0", "10.8.0.0/24")
	active := models.Peer{Name: "active", AssignedIP: "10.8.0.2", IsActive: true}
	inactive := models.Peer{Name: "inactive", AssignedIP: "10.8.0.3", IsActive: false}

	program := c.FullProgram([]models.Peer{active, inactive})
	for _, r := range program {
		assert.NotContains(t, r.Comment, "inactive")
	}
}
