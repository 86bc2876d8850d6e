package orchestrator

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/opentalon/tenancy-assistant/pkg/toolrpc"
)

func TestNewRulesAppendsCustom(t *testing.T) {
	r := NewRules([]string{"  Always answer in USD.  ", "", "   "})
	list := r.List()
	if len(list) != len(defaultRules)+1 {
		t.Fatalf("rules = %d", len(list))
	}
	if list[len(list)-1] != "Always answer in USD." {
		t.Errorf("custom rule = %q", list[len(list)-1])
	}
	if !strings.Contains(r.section(), "- [custom] Always answer in USD.") {
		t.Errorf("section = %s", r.section())
	}
}

func TestNewRulesDoesNotAliasDefaults(t *testing.T) {
	r := NewRules(nil)
	r.List()[0] = "changed"
	if defaultRules[0] == "changed" {
		t.Fatal("default rules mutated")
	}
}

func TestSystemPrompt(t *testing.T) {
	defs := []toolrpc.ToolDefinition{{
		Name:            "getPublicIpSummary",
		Description:     "Count public IPs in a compartment",
		ParameterSchema: json.RawMessage(`{"type":"object"}`),
	}}
	p := SystemPrompt(defs, NewRules(nil))
	for _, want := range []string{
		"- getPublicIpSummary: Count public IPs in a compartment",
		`parameters: {"type":"object"}`,
		`{"tool": "getPublicIpSummary", "arguments":`,
		"Do NOT show the raw JSON",
		"## SAFETY RULES",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
