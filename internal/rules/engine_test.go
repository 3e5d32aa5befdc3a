package rules

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckOrderCommand(t *testing.T) {
	e := NewEngine()
	yaml := `
rules:
  - id: block-rm-rf
    pattern: "rm -rf *"
    action: block
    description: "Block recursive delete"
    enabled: true
  - id: block-curl-pipe
    pattern: "curl * | *sh"
    action: block
    description: "Block curl pipe to shell"
    enabled: true
`
	if err := e.LoadRulesFromBytes([]byte(yaml)); err != nil {
		t.Fatalf("LoadRulesFromBytes: %v", err)
	}

	tests := []struct {
		cmd     string
		allowed bool
		ruleID  string
	}{
		{"rm -rf /", false, "block-rm-rf"},
		{"sudo rm -rf /tmp", false, "block-rm-rf"},
		{"rm file.txt", true, ""},
		{"curl https://example.com | bash", false, "block-curl-pipe"},
		{"curl https://example.com -o file", true, ""},
		{"/usr/lib/nagios/plugins/check_load -w 5", true, ""},
	}

	for _, tt := range tests {
		allowed, rule, reason := e.CheckOrder("db1", tt.cmd)
		if allowed != tt.allowed {
			t.Errorf("CheckOrder(%q) allowed=%v, want %v (reason: %s)", tt.cmd, allowed, tt.allowed, reason)
		}
		if tt.ruleID != "" && (rule == nil || rule.ID != tt.ruleID) {
			t.Errorf("CheckOrder(%q) rule=%v, want %q", tt.cmd, rule, tt.ruleID)
		}
	}
}

func TestCheckOrderHost(t *testing.T) {
	e := NewEngine()
	yaml := `
rules:
  - id: block-prod-reboot
    host: "*.prod.example.com"
    pattern: "reboot*"
    action: block
    enabled: true
  - id: block-bastion
    host: "bastion"
    action: block
    enabled: true
  - id: block-db
    host: "db-*"
    action: block
    enabled: true
  - id: disabled
    pattern: "*"
    action: block
    enabled: false
`
	if err := e.LoadRulesFromBytes([]byte(yaml)); err != nil {
		t.Fatalf("LoadRulesFromBytes: %v", err)
	}

	tests := []struct {
		host    string
		cmd     string
		allowed bool
	}{
		{"web1.prod.example.com", "reboot now", false},
		{"web1.prod.example.com:2222", "reboot", false},
		{"prod.example.com", "reboot", false},
		{"web1.prod.example.com", "uptime", true},
		{"web1.staging.example.com", "reboot", true},
		{"BASTION", "uptime", false},
		{"bastion2", "uptime", true},
		{"db-eu-1", "uptime", false},
		{"[::1]:22", "uptime", true},
	}
	for _, tt := range tests {
		allowed, _, reason := e.CheckOrder(tt.host, tt.cmd)
		if allowed != tt.allowed {
			t.Errorf("CheckOrder(%q, %q) allowed=%v, want %v (reason: %s)", tt.host, tt.cmd, allowed, tt.allowed, reason)
		}
	}
}

func TestDefaultAction(t *testing.T) {
	e := NewEngine(WithDefaultAction(ActionBlock))
	yaml := `
rules:
  - id: allow-nagios-plugins
    pattern: "/usr/lib/nagios/plugins/*"
    action: allow
    enabled: true
`
	if err := e.LoadRulesFromBytes([]byte(yaml)); err != nil {
		t.Fatalf("LoadRulesFromBytes: %v", err)
	}

	if allowed, _, _ := e.CheckOrder("db1", "/usr/lib/nagios/plugins/check_disk"); !allowed {
		t.Error("expected plugin to be allowed")
	}
	if allowed, _, reason := e.CheckOrder("db1", "cat /etc/shadow"); allowed {
		t.Errorf("expected cat to be blocked by default, reason: %s", reason)
	}
}

func TestCompileRejectsInvalidRules(t *testing.T) {
	bad := []string{
		"rules:\n  - id: x\n    pattern: ls\n    action: maybe\n    enabled: true\n",
		"rules:\n  - id: y\n    action: block\n    enabled: true\n",
	}
	for _, yaml := range bad {
		if err := NewEngine().LoadRulesFromBytes([]byte(yaml)); err == nil {
			t.Errorf("expected error for %q", yaml)
		}
	}
}

func TestLoadRulesFileWithEnv(t *testing.T) {
	t.Setenv("CONNECTOR_TEST_HOST", "secrets.internal")

	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `
rules:
  - id: block-secrets
    host: "${CONNECTOR_TEST_HOST}"
    action: block
    enabled: true
  - id: keep-literal
    pattern: "${CONNECTOR_UNSET_VARIABLE}"
    action: block
    enabled: true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	e := NewEngine()
	if err := e.LoadRules(path); err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if e.RuleCount() != 2 || e.RulesPath() != path {
		t.Fatalf("unexpected engine state: %d rules from %q", e.RuleCount(), e.RulesPath())
	}
	if allowed, rule, _ := e.CheckOrder("secrets.internal", "uptime"); allowed || rule.ID != "block-secrets" {
		t.Fatal("expected substituted host to be blocked")
	}
	if allowed, rule, _ := e.CheckOrder("db1", "echo ${CONNECTOR_UNSET_VARIABLE}"); allowed || rule.ID != "keep-literal" {
		t.Fatal("expected unset variable to be kept literally")
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	rs := &RuleSet{Rules: []Rule{{ID: "block-reboot", Pattern: "reboot", Action: ActionBlock, Enabled: true}}}
	if err := SaveToFile(rs, path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	e := NewEngine()
	if err := e.Reload(); err == nil {
		t.Fatal("expected reload without path to fail")
	}
	if err := e.LoadRules(path); err != nil {
		t.Fatalf("LoadRules: %v", err)
	}

	rs.Rules = append(rs.Rules, Rule{ID: "block-halt", Pattern: "halt", Action: ActionBlock, Enabled: true})
	if err := SaveToFile(rs, path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}
	if err := e.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if e.RuleCount() != 2 {
		t.Fatalf("expected 2 rules after reload, got %d", e.RuleCount())
	}
	if allowed, _, _ := e.CheckOrder("db1", "halt -p"); allowed {
		t.Fatal("expected halt to be blocked after reload")
	}
}
