package glm

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
	"github.com/geisonfgf/execAI/internal/ai/openai"
)

const (
	// GLM API uses a different endpoint
	defaultAPIBaseURL = "https://open.bigmodel.cn/api"

	// DefaultModel is used when ai.model still names an OpenAI model
	DefaultModel = "glm-4-flash"
)

// Client implements ai.Resolver for GLM (Zhipu AI)
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
}

// NewClient creates a new GLM client
func NewClient(apiKey, model, baseURL string, maxTokens int, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
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

// Resolve turns free-form text into candidate commands. The prompt and the
// answer format are the same as the OpenAI backend's.
func (c *Client) Resolve(ctx context.Context, req ai.ResolveRequest) (*ai.Resolution, error) {
	response, err := c.callAPI(ctx, openai.Messages(req))
	if err != nil {
		return nil, err
	}
	return openai.ParseResolution(response)
}

// callAPI makes the actual API call to GLM
func (c *Client) callAPI(ctx context.Context, messages []ai.Message) (string, error) {
	reqBody := map[string]interface{}{
		"model":    c.model,
		"messages": messages,
		"stream":   false,
	}
	if c.maxTokens > 0 {
		reqBody["max_tokens"] = c.maxTokens
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	// GLM uses /paas/v4/chat/completions endpoint
	url := c.baseURL + "/paas/v4/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
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
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	if len(respData.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	// Check for sensitive content filter
	if respData.Choices[0].FinishReason == "sensitive" {
		return "", fmt.Errorf("content was filtered by safety check")
	}

	return respData.Choices[0].Message.Content, nil
}
