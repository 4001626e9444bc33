package policy

import "testing"

func TestDecide_Strict(t *testing.T) {
	e := NewEngine()

	actions := []Action{
		{ToolName: "browser_navigate", RiskLevel: RiskLow},
		{ToolName: "browser_click", RiskLevel: RiskLow},
		{ToolName: "read_file", RiskLevel: RiskMedium},
		{ToolName: "delete_file", RiskLevel: RiskHigh},
	}
	for _, a := range actions {
		if got := e.Decide(ProfileStrict, a); got != RequireApproval {
			t.Errorf("Decide(strict, %s) = %s, want require_approval", a.ToolName, got)
		}
	}
}

func TestDecide_Default(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		name   string
		action Action
		want   Decision
	}{
		{"low risk allowed", Action{ToolName: "browser_navigate", RiskLevel: RiskLow}, Allow},
		{"medium risk gated", Action{ToolName: "write_file", RiskLevel: RiskMedium}, RequireApproval},
		{"high risk gated", Action{ToolName: "submit_form", RiskLevel: RiskHigh}, RequireApproval},
		{"deny-listed low risk still gated", Action{ToolName: "delete_file", RiskLevel: RiskLow}, RequireApproval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Decide(ProfileDefault, tt.action); got != tt.want {
				t.Errorf("Decide(default, %s) = %s, want %s", tt.action.ToolName, got, tt.want)
			}
		})
	}
}

func TestDecide_Unattended(t *testing.T) {
	e := NewEngine()

	if got := e.Decide(ProfileUnattended, Action{ToolName: "browser_click", RiskLevel: RiskLow}); got != Allow {
		t.Errorf("Decide(unattended, low risk) = %s, want allow", got)
	}
	if got := e.Decide(ProfileUnattended, Action{ToolName: "write_file", RiskLevel: RiskHigh}); got != Allow {
		t.Errorf("Decide(unattended, high risk non-denied) = %s, want allow", got)
	}
	// Deny-listed actions gate regardless of profile
	for _, tool := range []string{"delete_file", "execute_shell", "send_payment", "enter_credentials"} {
		if got := e.Decide(ProfileUnattended, Action{ToolName: tool, RiskLevel: RiskLow}); got != RequireApproval {
			t.Errorf("Decide(unattended, %s) = %s, want require_approval", tool, got)
		}
	}
}

func TestDecide_Deterministic(t *testing.T) {
	e := NewEngine()
	a := Action{ToolName: "write_file", RiskLevel: RiskMedium}

	first := e.Decide(ProfileDefault, a)
	for i := 0; i < 100; i++ {
		if got := e.Decide(ProfileDefault, a); got != first {
			t.Fatalf("Decision changed between identical calls: %s then %s", first, got)
		}
	}
}

func TestNewEngine_ExtraDeny(t *testing.T) {
	e := NewEngine("transfer_funds", "")

	if !e.Denied("transfer_funds") {
		t.Error("Expected extra deny-list entry to be honored")
	}
	if e.Denied("") {
		t.Error("Empty deny-list entries should be ignored")
	}
	if got := e.Decide(ProfileUnattended, Action{ToolName: "transfer_funds", RiskLevel: RiskLow}); got != RequireApproval {
		t.Errorf("Decide(unattended, transfer_funds) = %s, want require_approval", got)
	}
}

func TestParseRiskLevel(t *testing.T) {
	tests := []struct {
		in   string
		want RiskLevel
	}{
		{"low", RiskLow},
		{"medium", RiskMedium},
		{"high", RiskHigh},
		{"critical", RiskHigh}, // unknown never trusted downward
		{"", RiskHigh},
	}
	for _, tt := range tests {
		if got := ParseRiskLevel(tt.in); got != tt.want {
			t.Errorf("ParseRiskLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParseProfile(t *testing.T) {
	if got := ParseProfile(""); got != ProfileDefault {
		t.Errorf("ParseProfile(\"\") = %s, want default", got)
	}
	if got := ParseProfile("yolo"); got != ProfileStrict {
		t.Errorf("ParseProfile(unknown) = %s, want strict", got)
	}
}
