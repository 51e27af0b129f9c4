package security

import (
	"fmt"
	"strings"

	"github.com/geisonfgf/execAI/internal/ai"
)

// ReasonPatternAndNotListed is the verdict reason when a destructive idiom is
// found in a command whose executable is not allow-listed.
const ReasonPatternAndNotListed = "destructive pattern matched; executable not allow-listed"

// ReasonUnterminated is the verdict reason when a command substitution cannot
// be followed to its end.
const ReasonUnterminated = "unterminated or too deeply nested command substitution"

// Verdict is the outcome of validating one command string.
type Verdict struct {
	Allowed              bool     `json:"allowed"`
	RequiresConfirmation bool     `json:"requires_confirmation"`
	Reason               string   `json:"reason"`
	Risk                 ai.Risk  `json:"risk"`
	Executable           string   `json:"executable,omitempty"`
	Matches              []string `json:"matches,omitempty"`
}

// Escalate folds the resolver's own rating into the verdict: anything the
// resolver considers risky needs confirmation.
func (v Verdict) Escalate(r ai.Risk) Verdict {
	if r > v.Risk {
		v.Risk = r
	}
	if r >= ai.RiskCaution && v.Allowed && !v.RequiresConfirmation {
		v.RequiresConfirmation = true
		v.Reason = fmt.Sprintf("resolver rated the command %s", r)
	}
	return v
}

// Validator classifies commands against the allow-list and the danger
// heuristics. It holds no mutable state and performs no I/O.
type Validator struct {
	policy        Policy
	allowed       map[string]struct{}
	dangerChecker *DangerousCommandChecker
	pathChecker   *PathAccessChecker
}

// NewValidator creates a validator for the given policy.
func NewValidator(policy Policy) *Validator {
	allowed := make(map[string]struct{}, len(policy.AllowedCommands))
	for _, c := range policy.AllowedCommands {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			allowed[c] = struct{}{}
		}
	}
	return &Validator{
		policy:        policy,
		allowed:       allowed,
		dangerChecker: NewDangerousCommandChecker(),
		pathChecker:   NewPathAccessChecker(policy),
	}
}

// Validate classifies a single command string.
func (v *Validator) Validate(command string) Verdict {
	command = strings.TrimSpace(command)
	segments, balanced := ExpandSegments(command)
	if len(segments) == 0 || segments[0].Executable() == "" {
		return Verdict{Allowed: false, Reason: "empty command", Risk: ai.RiskSafe}
	}

	verdict := Verdict{
		Allowed:    true,
		Risk:       ai.RiskSafe,
		Executable: segments[0].Executable(),
	}

	// Every program the shell would run must be allow-listed, including those
	// inside substitutions and inline scripts.
	notListed := ""
	sensitive := ""
	for _, seg := range segments {
		exe := seg.Executable()
		if _, ok := v.allowed[exe]; !ok && notListed == "" {
			notListed = exe
		}
		if sensitive == "" && v.dangerChecker.IsSensitive(exe) {
			sensitive = exe
		}
	}

	verdict.Matches = v.dangerChecker.Matches(command, segments)
	restricted, isRestricted := v.pathChecker.Restricted(segments)
	readonly, isReadOnly := v.pathChecker.ReadOnlyWrite(segments)
	matched := len(verdict.Matches) > 0

	if notListed != "" {
		verdict.Risk = ai.RiskCaution
		verdict.RequiresConfirmation = true
		if v.policy.SafeMode {
			verdict.Allowed = false
		}
	}
	if !balanced {
		verdict.Risk = verdict.Risk.Max(ai.RiskCaution)
		verdict.RequiresConfirmation = true
		if v.policy.SafeMode {
			verdict.Allowed = false
		}
	}
	if sensitive != "" || isReadOnly {
		verdict.Risk = verdict.Risk.Max(ai.RiskCaution)
		verdict.RequiresConfirmation = true
	}
	if matched {
		verdict.Risk = ai.RiskDangerous
		verdict.RequiresConfirmation = true
	}
	if isRestricted {
		verdict.Risk = ai.RiskDangerous
		verdict.Allowed = false
	}
	if v.policy.ConfirmationRequired {
		verdict.RequiresConfirmation = true
	}

	switch {
	case isRestricted:
		verdict.Reason = fmt.Sprintf("access to restricted path %s denied", restricted)
	case !balanced && v.policy.SafeMode:
		verdict.Reason = ReasonUnterminated
	case matched && notListed != "":
		verdict.Reason = ReasonPatternAndNotListed
	case matched:
		verdict.Reason = "destructive pattern matched: " + strings.Join(verdict.Matches, ", ")
	case notListed != "":
		verdict.Reason = fmt.Sprintf("executable '%s' not in allow-list", notListed)
	case sensitive != "":
		verdict.Reason = fmt.Sprintf("'%s' modifies system state", sensitive)
	case isReadOnly:
		verdict.Reason = fmt.Sprintf("writes to read-only path %s", readonly)
	case !balanced:
		verdict.Reason = ReasonUnterminated
	case verdict.RequiresConfirmation:
		verdict.Reason = "confirmation required for every command"
	default:
		verdict.Reason = "allowed"
	}

	return verdict
}

// Policy returns the policy the validator was built with.
func (v *Validator) Policy() Policy {
	return v.policy
}
