package glm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/geisonfgf/execAI/internal/ai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	client := NewClient("test-key", "glm-5", "", 0, 0)

	require.NotNil(t, client)
	assert.Equal(t, "test-key", client.apiKey)
	assert.Equal(t, "glm-5", client.model)
	assert.Equal(t, defaultAPIBaseURL, client.baseURL)
	assert.Equal(t, 30*time.Second, client.httpClient.Timeout)
}

func TestNewClient_Defaults(t *testing.T) {
	client := NewClient("k", "", "https://custom.api.com/", 0, time.Second)

	assert.Equal(t, DefaultModel, client.model)
	assert.Equal(t, "https://custom.api.com", client.baseURL)
}

func chatServer(t *testing.T, content, finish string, gotPath *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": content}, "finish_reason": finish},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolve(t *testing.T) {
	var path string
	content := "```json\n" + `{"commands": ["mkdir docs"], "risk": "caution", "reason": "Creating directory"}` + "\n```"
	srv := chatServer(t, content, "stop", &path)

	client := NewClient("key", "glm-5", srv.URL, 500, 5*time.Second)
	res, err := client.Resolve(context.Background(), ai.ResolveRequest{Text: "make a docs folder"})
	require.NoError(t, err)

	assert.Equal(t, "/paas/v4/chat/completions", path)
	assert.Equal(t, []string{"mkdir docs"}, res.Commands)
	assert.Equal(t, ai.RiskCaution, res.Risk)
	assert.Equal(t, "Creating directory", res.Reason)
}

func TestResolve_SensitiveFilter(t *testing.T) {
	var path string
	srv := chatServer(t, "", "sensitive", &path)

	client := NewClient("key", "glm-5", srv.URL, 0, time.Second)
	_, err := client.Resolve(context.Background(), ai.ResolveRequest{Text: "anything"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "safety check")
}

func TestResolve_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient("k", "m", srv.URL, 0, time.Second)
	_, err := client.Resolve(context.Background(), ai.ResolveRequest{Text: "anything"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

// Integration test against the real API (only runs with EXECAI_INTEGRATION_TEST=1)
func TestIntegration_RealAPI(t *testing.T) {
	if os.Getenv("EXECAI_INTEGRATION_TEST") == "" {
		t.Skip("Set EXECAI_INTEGRATION_TEST=1 to run integration tests")
	}

	apiKey := os.Getenv("GLM_API_KEY")
	if apiKey == "" {
		t.Skip("GLM_API_KEY not set")
	}

	client := NewClient(apiKey, "", "", 500, 30*time.Second)
	res, err := client.Resolve(context.Background(), ai.ResolveRequest{
		Text:      "print the current directory",
		AllowList: []string{"ls", "pwd", "echo"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Commands)
}
