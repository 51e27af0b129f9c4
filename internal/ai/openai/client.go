package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/geisonfgf/execAI/internal/ai"
)

const systemPromptTemplate = `You are execai, a system command interpreter. Convert the user's request into shell commands.

Rules:
1. Return ONLY valid JSON, no prose and no markdown
2. Prefer these allowed commands: %s
3. Commands that modify the system (%s) must be rated "caution" or "dangerous"
4. If the request mentions a time or recurrence, fill in "schedule"
5. If no command can satisfy the request, return an empty "commands" list and explain why in "reason"

Current time: %s (%s)

Response format:
{
  "commands": ["command with args"],
  "risk": "safe | caution | dangerous",
  "reason": "explanation",
  "schedule": {"cron": "0 2 * * *", "at": "2006-01-02T15:04:05Z07:00 or 'in N minutes|hours|days'", "timezone": "UTC"}
}`

// DangerousCommands are executables the model is told to flag
var DangerousCommands = []string{
	"rm", "del", "format", "fdisk", "mkfs", "dd", "sudo", "su", "chmod", "chown",
	"passwd", "iptables", "systemctl", "service", "kill", "pkill", "killall",
	"shutdown", "reboot", "mount", "umount", "crontab",
}

// Client implements ai.Resolver against an OpenAI-compatible chat completions API
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
}

// NewClient creates a new OpenAI client
func NewClient(apiKey, model, baseURL string, maxTokens int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Resolve turns free-form text into candidate commands
func (c *Client) Resolve(ctx context.Context, req ai.ResolveRequest) (*ai.Resolution, error) {
	response, err := c.callAPI(ctx, Messages(req))
	if err != nil {
		return nil, err
	}
	return ParseResolution(response)
}

// Messages builds the chat transcript for a resolve call: the system prompt,
// any prior turns, then the request itself. Other chat-completion backends
// share it.
func Messages(req ai.ResolveRequest) []ai.Message {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}

	messages := []ai.Message{
		{Role: "system", Content: buildSystemPrompt(req.AllowList, now, tz)},
	}
	messages = append(messages, req.Context...)
	return append(messages, ai.Message{
		Role:    "user",
		Content: fmt.Sprintf("User request: %s\n\nConvert this to shell commands. Return JSON only.", req.Text),
	})
}

func buildSystemPrompt(allowList []string, now time.Time, tz string) string {
	allowed := "any standard POSIX utility"
	if len(allowList) > 0 {
		allowed = strings.Join(allowList, ", ")
	}
	return fmt.Sprintf(systemPromptTemplate,
		allowed,
		strings.Join(DangerousCommands, ", "),
		now.Format(time.RFC3339),
		tz,
	)
}

// callAPI makes the actual API call
func (c *Client) callAPI(ctx context.Context, messages []ai.Message) (string, error) {
	reqBody := map[string]interface{}{
		"model":       c.model,
		"messages":    messages,
		"temperature": 0.1,
	}
	if c.maxTokens > 0 {
		reqBody["max_tokens"] = c.maxTokens
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var respData struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	if len(respData.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	return respData.Choices[0].Message.Content, nil
}

// resolutionPayload accepts both the current response format and the
// older parsed_commands/schedule_info layout.
type resolutionPayload struct {
	Commands       []string         `json:"commands"`
	ParsedCommands []string         `json:"parsed_commands"`
	Risk           string           `json:"risk"`
	Safety         string           `json:"safety_assessment"`
	Reason         string           `json:"reason"`
	Reasoning      string           `json:"reasoning"`
	NeedsConfirm   bool             `json:"requires_confirmation"`
	Schedule       *ai.ScheduleHint `json:"schedule"`
	ScheduleInfo   *struct {
		Type           string `json:"type"`
		CronExpression string `json:"cron_expression"`
		StartTime      string `json:"start_time"`
		Timezone       string `json:"timezone"`
	} `json:"schedule_info"`
}

// ParseResolution parses the model's JSON answer
func ParseResolution(response string) (*ai.Resolution, error) {
	var p resolutionPayload
	if err := json.Unmarshal([]byte(stripCodeFence(response)), &p); err != nil {
		return nil, fmt.Errorf("failed to parse resolver response: %w", err)
	}

	res := &ai.Resolution{
		Commands: p.Commands,
		Reason:   p.Reason,
		Schedule: p.Schedule,
	}
	if len(res.Commands) == 0 {
		res.Commands = p.ParsedCommands
	}
	if res.Reason == "" {
		res.Reason = p.Reasoning
	}
	if res.Schedule == nil && p.ScheduleInfo != nil {
		res.Schedule = &ai.ScheduleHint{
			Cron:     p.ScheduleInfo.CronExpression,
			At:       p.ScheduleInfo.StartTime,
			Timezone: p.ScheduleInfo.Timezone,
		}
	}
	if res.Schedule.IsZero() {
		res.Schedule = nil
	}

	riskText := p.Risk
	if riskText == "" {
		riskText = p.Safety
	}
	risk, err := ai.ParseRisk(riskText)
	if err != nil {
		// Unknown vocabulary from the model is treated conservatively
		risk = ai.RiskCaution
	}
	if p.NeedsConfirm {
		risk = risk.Max(ai.RiskCaution)
	}
	res.Risk = risk

	var cmds []string
	for _, c := range res.Commands {
		if c = strings.TrimSpace(c); c != "" {
			cmds = append(cmds, c)
		}
	}
	if len(cmds) == 0 {
		if res.Reason != "" {
			return nil, fmt.Errorf("no viable command: %s", res.Reason)
		}
		return nil, fmt.Errorf("no viable command found")
	}
	res.Commands = cmds

	return res, nil
}

// stripCodeFence removes a surrounding ```json fence if the model added one
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
