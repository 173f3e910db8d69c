package synth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prompt-to-video/internal/config"
	"prompt-to-video/internal/diagrams"
	"prompt-to-video/internal/models"
	"prompt-to-video/internal/plugins"
	"prompt-to-video/internal/scriptfix"
)

type fakeLLM struct {
	requests []chatRequest
	reply    string
	status   int
}

func (f *fakeLLM) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.requests = append(f.requests, req)

		if f.status != 0 {
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": f.reply}, "finish_reason": "stop"}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(url string, enabled []plugins.Plugin) *Client {
	return New(config.LLM{BaseURL: url + "/", APIKey: "test-key", Model: "test-model", Temperature: 0.2, Timeout: 5 * time.Second},
		diagrams.Default(), enabled)
}

func TestNarrationUsesVariantAndSources(t *testing.T) {
	llm := &fakeLLM{reply: "```\nNarration: The sun is a star.\n```"}
	c := newClient(llm.server(t).URL, nil)

	out, err := c.Narration(context.Background(), NarrationRequest{
		Prompt:        "why does the sun shine",
		Variant:       models.VariantShort,
		SourceContext: "[1] NASA: fusion in the core",
	})
	require.NoError(t, err)
	assert.Equal(t, "The sun is a star.", out)

	require.Len(t, llm.requests, 1)
	req := llm.requests[0]
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, 4096, req.MaxTokens)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	user := req.Messages[1].Content
	assert.Contains(t, user, "vertical short")
	assert.Contains(t, user, "why does the sun shine")
	assert.Contains(t, user, "fusion in the core")
}

func TestNarrationRejectsEmptyReply(t *testing.T) {
	llm := &fakeLLM{reply: "   "}
	c := newClient(llm.server(t).URL, nil)
	_, err := c.Narration(context.Background(), NarrationRequest{Prompt: "x"})
	assert.Error(t, err)
}

func TestScriptIncludesExamplesAndPlugins(t *testing.T) {
	llm := &fakeLLM{reply: "from manim import *"}
	physics, ok := plugins.Default().Lookup("manim-physics")
	require.True(t, ok)
	c := newClient(llm.server(t).URL, []plugins.Plugin{physics})

	_, err := c.Script(context.Background(), ScriptRequest{Prompt: "how the sun works", Narration: "The sun is hot."})
	require.NoError(t, err)

	req := llm.requests[0]
	assert.Contains(t, req.Messages[0].Content, "class MainScene(VoiceoverScene)")
	assert.Contains(t, req.Messages[0].Content, physics.Import)
	assert.Contains(t, req.Messages[1].Content, "The sun is hot.")
	assert.Contains(t, req.Messages[1].Content, "Reference snippets")
	assert.NotContains(t, req.Messages[1].Content, "previous script failed")
}

func TestScriptRetryCarriesFeedback(t *testing.T) {
	llm := &fakeLLM{reply: "from manim import *"}
	c := newClient(llm.server(t).URL, nil)

	fb := &Feedback{
		Attempt:  1,
		Stage:    "render",
		ExitCode: 1,
		Stderr:   strings.Repeat("noise\n", 1000) + "NameError: name 'Circel' is not defined",
		Stack:    "File \"scene.py\", line 12, in construct",
		Issues:   []scriptfix.Issue{{Code: "missing_speech_service", Message: "no speech service", Severity: scriptfix.SeverityCritical}},
	}
	_, err := c.Script(context.Background(), ScriptRequest{
		Prompt:    "circles",
		Narration: "A circle.",
		Previous:  "class MainScene(VoiceoverScene):\n    pass\n",
		Feedback:  fb,
	})
	require.NoError(t, err)

	user := llm.requests[0].Messages[1].Content
	assert.Contains(t, user, "Your previous script failed")
	assert.Contains(t, user, "Exit code: 1")
	assert.Contains(t, user, "NameError: name 'Circel' is not defined")
	assert.Contains(t, user, "missing_speech_service")
	assert.Contains(t, user, "line 12, in construct")
	assert.Contains(t, user, "class MainScene(VoiceoverScene):\n    pass\n```")
	assert.NotContains(t, user, "Reference snippets")
	assert.Less(t, len(user), 6000)
}

func TestStatusErrorsClassifyRetries(t *testing.T) {
	llm := &fakeLLM{status: http.StatusTooManyRequests}
	c := newClient(llm.server(t).URL, nil)
	_, err := c.Narration(context.Background(), NarrationRequest{Prompt: "x"})
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "slow down", se.Message)
	assert.True(t, Retryable(err))

	llm.status = http.StatusUnauthorized
	_, err = c.Narration(context.Background(), NarrationRequest{Prompt: "x"})
	assert.False(t, Retryable(err))
}

func TestMissingKeyIsNotRetryable(t *testing.T) {
	c := New(config.LLM{BaseURL: "http://127.0.0.1:1"}, nil, nil)
	_, err := c.Narration(context.Background(), NarrationRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.False(t, Retryable(err))
}
