package ai

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message represents a prior conversation turn passed to the resolver
type Message struct {
	Role    string `json:"role"` // "system" | "user" | "assistant"
	Content string `json:"content"`
}

// Risk is the resolver's self-reported risk rating for a request
type Risk int

const (
	RiskSafe Risk = iota
	RiskCaution
	RiskDangerous
)

// String returns the lower-case name used in storage and JSON
func (r Risk) String() string {
	switch r {
	case RiskSafe:
		return "safe"
	case RiskCaution:
		return "caution"
	case RiskDangerous:
		return "dangerous"
	default:
		return fmt.Sprintf("risk(%d)", int(r))
	}
}

// MarshalText implements encoding.TextMarshaler
func (r Risk) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (r *Risk) UnmarshalText(text []byte) error {
	parsed, err := ParseRisk(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRisk parses a risk name. It accepts the resolver's vocabulary
// ("low", "medium", "high") as well as the canonical names.
func ParseRisk(s string) (Risk, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "safe", "low", "":
		return RiskSafe, nil
	case "caution", "medium", "moderate":
		return RiskCaution, nil
	case "dangerous", "high", "critical":
		return RiskDangerous, nil
	default:
		return RiskSafe, fmt.Errorf("unknown risk rating %q", s)
	}
}

// Max returns the higher of two ratings
func (r Risk) Max(other Risk) Risk {
	if other > r {
		return other
	}
	return r
}

// ScheduleHint carries scheduling information the resolver extracted from the text
type ScheduleHint struct {
	Cron     string `json:"cron,omitempty"`
	At       string `json:"at,omitempty"` // RFC3339, "2006-01-02 15:04" or "in N minutes|hours|days"
	Timezone string `json:"timezone,omitempty"`
}

// IsZero reports whether the hint carries nothing
func (h *ScheduleHint) IsZero() bool {
	return h == nil || (h.Cron == "" && h.At == "")
}

// ResolveRequest is the input of a resolver call
type ResolveRequest struct {
	Text      string
	Context   []Message
	AllowList []string
	Timezone  string
	Now       time.Time
}

// Resolution is the resolver's answer: ordered candidate commands plus a risk rating
type Resolution struct {
	Commands []string
	Risk     Risk
	Reason   string
	Schedule *ScheduleHint
}

// Resolver converts natural language into candidate commands
type Resolver interface {
	Resolve(ctx context.Context, req ResolveRequest) (*Resolution, error)
}

// CommandRequest is the immutable result of resolving one piece of text.
// Use NewCommandRequest; the slice is copied and must not be modified.
type CommandRequest struct {
	RawText   string    `json:"raw_text"`
	Commands  []string  `json:"commands"`
	Risk      Risk      `json:"risk"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewCommandRequest builds a request from a resolution
func NewCommandRequest(text string, res *Resolution, now time.Time) CommandRequest {
	cmds := make([]string, 0, len(res.Commands))
	for _, c := range res.Commands {
		if c = strings.TrimSpace(c); c != "" {
			cmds = append(cmds, c)
		}
	}
	return CommandRequest{
		RawText:   text,
		Commands:  cmds,
		Risk:      res.Risk,
		Reason:    res.Reason,
		CreatedAt: now.UTC(),
	}
}

// CommandLine joins the commands the way they are shown to the operator
func (r CommandRequest) CommandLine() string {
	return strings.Join(r.Commands, " && ")
}

// Literal is a Resolver that treats the text itself as the command.
// It backs `execai run --raw` and keeps the pipeline usable without an AI backend.
type Literal struct{}

// Resolve returns the trimmed text as the only candidate
func (Literal) Resolve(_ context.Context, req ResolveRequest) (*Resolution, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, fmt.Errorf("empty command")
	}
	return &Resolution{
		Commands: []string{text},
		Risk:     RiskSafe,
		Reason:   "command taken verbatim",
	}, nil
}
