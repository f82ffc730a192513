package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bidforge-engine/internal/config"
	"bidforge-engine/internal/models"
	"bidforge-engine/internal/orchestrator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.ProviderConfig{BaseURL: srv.URL + "/", APIKey: "sk-test", Model: "test-model"}, time.Second, testLogger())
}

func TestComplete(t *testing.T) {
	var got struct {
		Model    string        `json:"model"`
		Messages []chatMessage `json:"messages"`
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}],"usage":{"total_tokens":42}}`))
	})

	c, err := client.Complete(context.Background(), "be brief", "hi")
	require.NoError(t, err)
	assert.Equal(t, Completion{Content: "hello", Tokens: 42}, c)
	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
}

func TestComplete_ClassifiesFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   models.ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, models.KindTransient},
		{"server error", http.StatusBadGateway, "bad gateway", models.KindTransient},
		{"bad request", http.StatusBadRequest, `{"error":"context too long"}`, models.KindValidation},
		{"unauthorized", http.StatusUnauthorized, "", models.KindValidation},
		{"no choices", http.StatusOK, `{"choices":[]}`, models.KindTransient},
		{"garbage", http.StatusOK, "not json", models.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := client.Complete(context.Background(), "", "hi")
			require.Error(t, err)
			assert.Equal(t, tt.kind, models.KindOf(err))
		})
	}
}

func TestComplete_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()
	client := NewClient(config.ProviderConfig{BaseURL: srv.URL}, time.Second, testLogger())

	_, err := client.Complete(context.Background(), "", "hi")
	assert.Equal(t, models.KindTransient, models.KindOf(err))
	assert.True(t, models.IsRetryable(err))
}

func TestComplete_ContextDeadline(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, "", "hi")
	assert.Equal(t, models.KindTimeout, models.KindOf(err))
}

func TestEmbed(t *testing.T) {
	var got struct {
		Model string `json:"model"`
		Input string `json:"input"`
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"data":[{"embedding":[0.5,-1,2]}]}`))
	})
	v, err := client.Embed(context.Background(), "concrete slab")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -1, 2}, v)
	assert.Equal(t, "text-embedding-3-small", got.Model)
	assert.Equal(t, "concrete slab", got.Input)
}

func TestEmbed_UsesConfiguredEmbeddingModel(t *testing.T) {
	var model string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		model = body.Model
		w.Write([]byte(`{"data":[{"embedding":[1]}]}`))
	}))
	defer srv.Close()

	client := NewClient(config.ProviderConfig{BaseURL: srv.URL, Model: "chat-model", EmbeddingModel: "nomic-embed-text"}, time.Second, testLogger())
	_, err := client.Embed(context.Background(), "rebar")
	require.NoError(t, err)
	assert.Equal(t, "nomic-embed-text", model)
}

func TestParseArtifact(t *testing.T) {
	art := ParseArtifact("```json\n{\"content\":\"bid\",\"confidence\":140,\"data\":{\"decision\":\"no_bid\"}}\n```")
	assert.Equal(t, "bid", art.Content)
	assert.Equal(t, 100, art.Confidence)
	assert.Equal(t, "no_bid", art.Data["decision"])

	art = ParseArtifact("Sure! Here it is: {\"content\":\"x\",\"confidence\":80}")
	assert.Equal(t, 80, art.Confidence)

	art = ParseArtifact("I cannot help with that")
	assert.Zero(t, art.Confidence)
	assert.Equal(t, "I cannot help with that", art.Content)
	assert.NotEmpty(t, art.Data["criticalIssues"])
}

func TestPrompt_IncludesUpstreamOutputsAndFeedback(t *testing.T) {
	in := orchestrator.StageInput{
		Stage:     orchestrator.StageDecision,
		Iteration: 2,
		Request:   map[string]any{"project": "warehouse"},
		Previous: map[orchestrator.Stage]orchestrator.Artifact{
			orchestrator.StageIntake:   {Content: "intake summary"},
			orchestrator.StageAnalysis: {Content: "analysis summary"},
		},
		Feedback: &orchestrator.Evaluation{Score: 40, Reasoning: "too vague", Improvements: []string{"cite the budget"}},
	}
	p := Prompt(in)
	assert.Contains(t, p, "warehouse")
	assert.Contains(t, p, "intake summary")
	assert.Contains(t, p, "analysis summary")
	assert.Contains(t, p, "attempt 2")
	assert.Contains(t, p, "cite the budget")

	first := Prompt(orchestrator.StageInput{Stage: orchestrator.StageIntake, Iteration: 1})
	assert.NotContains(t, first, "attempt")
}

func TestAgents_DriveWorkflow(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		content, _ := json.Marshal(map[string]any{"content": "ok", "confidence": 90, "data": map[string]any{"decision": "bid"}})
		resp, _ := json.Marshal(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": string(content)}}},
			"usage":   map[string]any{"total_tokens": 10},
		})
		w.Write(resp)
	})

	o, err := orchestrator.New(orchestrator.Config{}, Agents(client), nil, nil, testLogger())
	require.NoError(t, err)
	res, err := o.Run(context.Background(), "project-1", map[string]any{"project": "warehouse"})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCompleted, res.Status)
	assert.Len(t, res.Artifacts, len(orchestrator.Stages))
	assert.Equal(t, 10, res.Artifacts[orchestrator.StageReview].Tokens)
}
