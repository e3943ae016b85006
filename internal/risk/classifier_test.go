package risk

import (
	"testing"

	"github.com/MEKXH/tether/internal/action"
)

func classify(t *testing.T, cfg Config, a action.Action) Tier {
	t.Helper()
	return NewClassifier(cfg).Classify(a)
}

func TestClassify_KeywordTable(t *testing.T) {
	tests := []struct {
		actionType string
		want       Tier
	}{
		{"query_data", TierLow},
		{"orders.list", TierLow},
		{"send_digest", TierMedium},
		{"create_user", TierHigh},
		{"deploy_system", TierCritical},
		{"report-delete", TierCritical},
	}
	for _, tt := range tests {
		got := classify(t, DefaultConfig(), action.Action{Type: tt.actionType})
		if got != tt.want {
			t.Fatalf("%s: expected %s, got %s", tt.actionType, tt.want, got)
		}
	}
}

func TestClassify_UnknownTypeIsHigh(t *testing.T) {
	got := classify(t, DefaultConfig(), action.Action{Type: "frobnicate"})
	if got != TierHigh {
		t.Fatalf("expected HIGH, got %s", got)
	}
}

func TestClassify_RuleOverridesKeywords(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules = map[string]Tier{"  Create_Draft ": TierLow}

	got := classify(t, cfg, action.Action{Type: "create_draft"})
	if got != TierLow {
		t.Fatalf("expected LOW, got %s", got)
	}
}

func TestClassify_CapabilityEscalates(t *testing.T) {
	got := classify(t, DefaultConfig(), action.Action{Type: "query_data", Capabilities: []string{"Admin"}})
	if got != TierCritical {
		t.Fatalf("expected CRITICAL, got %s", got)
	}
}

func TestClassify_AmountThresholds(t *testing.T) {
	tests := []struct {
		amount any
		want   Tier
	}{
		{50, TierLow},
		{150.0, TierMedium},
		{int64(2500), TierHigh},
		{-20000.0, TierCritical},
		{"9999999", TierLow},
	}
	for _, tt := range tests {
		a := action.Action{Type: "check_invoice", Params: map[string]any{"amount": tt.amount}}
		got := classify(t, DefaultConfig(), a)
		if got != tt.want {
			t.Fatalf("amount %v: expected %s, got %s", tt.amount, tt.want, got)
		}
	}
}

func TestClassify_DestructiveFlags(t *testing.T) {
	a := action.Action{Type: "query_data", Params: map[string]any{"destructive": true}}
	if got := classify(t, DefaultConfig(), a); got != TierCritical {
		t.Fatalf("expected CRITICAL, got %s", got)
	}

	a.Params = map[string]any{"force": "true"}
	if got := classify(t, DefaultConfig(), a); got != TierHigh {
		t.Fatalf("expected HIGH, got %s", got)
	}
}

func TestClassify_BulkRaisesOneStep(t *testing.T) {
	targets := make([]any, 101)
	a := action.Action{Type: "send_digest", Params: map[string]any{"targets": targets}}
	if got := classify(t, DefaultConfig(), a); got != TierHigh {
		t.Fatalf("expected HIGH, got %s", got)
	}

	a = action.Action{Type: "query_data", Capabilities: []string{"a", "b", "c", "d"}}
	if got := classify(t, DefaultConfig(), a); got != TierMedium {
		t.Fatalf("expected MEDIUM, got %s", got)
	}
}

func TestClassify_Deterministic(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	a := action.Action{
		Type:         "refund_order",
		Capabilities: []string{"payments"},
		Params:       map[string]any{"amount": 420.0},
	}
	first := c.Classify(a)
	for i := 0; i < 50; i++ {
		if got := c.Classify(a); got != first {
			t.Fatalf("iteration %d: expected %s, got %s", i, first, got)
		}
	}
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier(" critical ")
	if err != nil || tier != TierCritical {
		t.Fatalf("expected CRITICAL, got %s (%v)", tier, err)
	}
	if _, err := ParseTier("severe"); err == nil {
		t.Fatal("expected error for unknown tier")
	}
}
