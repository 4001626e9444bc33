package policy

// Profile is a named approval ruleset for a task
type Profile string

const (
	ProfileDefault    Profile = "default"
	ProfileStrict     Profile = "strict"
	ProfileUnattended Profile = "unattended"
)

// RiskLevel classifies how destructive an action is
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Decision is the outcome of a policy check
type Decision string

const (
	Allow           Decision = "allow"
	RequireApproval Decision = "require_approval"
)

// Action describes one intercepted worker action
type Action struct {
	ToolName    string
	RiskLevel   RiskLevel
	Description string
}

// Engine is a pure, stateless decision function over (profile, action).
// Identical inputs always yield identical decisions, so worker-reported
// classifications can be safely re-validated backend-side.
type Engine struct {
	denyList map[string]struct{}
}

// baselineDenyList names actions that always gate on approval regardless of
// profile: destructive filesystem ops, shell access, payments, credential
// entry, and anything that messages or deploys on the user's behalf.
var baselineDenyList = []string{
	"delete_file",
	"execute_shell",
	"send_message",
	"send_payment",
	"enter_credentials",
	"deploy",
}

// NewEngine builds an engine with the baseline deny-list plus any extra
// deny-listed tool names from configuration.
func NewEngine(extraDeny ...string) *Engine {
	deny := make(map[string]struct{}, len(baselineDenyList)+len(extraDeny))
	for _, name := range baselineDenyList {
		deny[name] = struct{}{}
	}
	for _, name := range extraDeny {
		if name != "" {
			deny[name] = struct{}{}
		}
	}
	return &Engine{denyList: deny}
}

// Denied reports whether the tool name is on the deny-list
func (e *Engine) Denied(toolName string) bool {
	_, ok := e.denyList[toolName]
	return ok
}

// Decide returns the approval decision for an action under a profile.
// The deny-list wins over everything: deny-listed tools require approval
// even under UNATTENDED.
func (e *Engine) Decide(profile Profile, action Action) Decision {
	if e.Denied(action.ToolName) {
		return RequireApproval
	}

	switch profile {
	case ProfileStrict:
		return RequireApproval
	case ProfileUnattended:
		return Allow
	default:
		// DEFAULT: gate on medium and high risk
		if action.RiskLevel == RiskMedium || action.RiskLevel == RiskHigh {
			return RequireApproval
		}
		return Allow
	}
}

// ParseRiskLevel normalizes a worker-reported risk string. Unknown values
// map to high: the worker's self-classification is never trusted downward.
func ParseRiskLevel(s string) RiskLevel {
	switch RiskLevel(s) {
	case RiskLow:
		return RiskLow
	case RiskMedium:
		return RiskMedium
	case RiskHigh:
		return RiskHigh
	default:
		return RiskHigh
	}
}

// ParseProfile normalizes a profile name. Unknown values map to strict for
// the same reason unknown risk maps to high.
func ParseProfile(s string) Profile {
	switch Profile(s) {
	case ProfileDefault:
		return ProfileDefault
	case ProfileUnattended:
		return ProfileUnattended
	case ProfileStrict:
		return ProfileStrict
	case "":
		return ProfileDefault
	default:
		return ProfileStrict
	}
}
