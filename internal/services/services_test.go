package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MegaGrindStone/chat-widget/internal/models"
	"github.com/MegaGrindStone/chat-widget/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type completionClient interface {
	Complete(ctx context.Context, req models.Request, apiKey string) (string, error)
}

type capturedRequest struct {
	path   string
	header http.Header
	body   map[string]any
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRequest() models.Request {
	tr := models.NewTranscript("be helpful", "").
		Append(models.Message{Role: models.RoleUser, Content: "hi"}).
		Append(models.Message{Role: models.RoleAssistant, Content: "hello"}).
		Append(models.Message{Role: models.RoleUser, Content: "What is 2+2?"})
	return models.BuildRequest(tr, models.DefaultParameters("test-model"))
}

// newServer starts a server answering every request with status and body. The returned function yields
// the last request received.
func newServer(t *testing.T, status int, body string) (*httptest.Server, func() capturedRequest) {
	t.Helper()

	var mu sync.Mutex
	var captured capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req capturedRequest
		req.path = r.URL.Path
		req.header = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&req.body)

		mu.Lock()
		captured = req
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	return srv, func() capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return captured
	}
}

func requireKind(t *testing.T, err error, kind models.ErrorKind) {
	t.Helper()

	var ce *models.ClientError
	require.True(t, errors.As(err, &ce), "error %v is not a ClientError", err)
	assert.Equal(t, kind, ce.Kind, "unexpected kind for %v", err)
}

func TestOpenRouterComplete(t *testing.T) {
	srv, lastRequest := newServer(t, http.StatusOK,
		`{"choices":[{"message":{"role":"assistant","content":"4"},"finish_reason":"stop"}]}`)

	client := services.NewOpenRouter(srv.URL+"/v1/", nil, testLogger())
	reply, err := client.Complete(context.Background(), testRequest(), "sk-test")
	require.NoError(t, err)
	assert.Equal(t, "4", reply)

	captured := lastRequest()

	assert.Equal(t, "/v1/chat/completions", captured.path)
	assert.Equal(t, "Bearer sk-test", captured.header.Get("Authorization"))
	assert.Equal(t, "application/json", captured.header.Get("Content-Type"))

	assert.Equal(t, "test-model", captured.body["model"])
	assert.InDelta(t, 0.9, captured.body["top_p"], 1e-6)
	assert.InDelta(t, 0.7, captured.body["temperature"], 1e-6)
	assert.InDelta(t, 150, captured.body["max_tokens"], 0)

	msgs, ok := captured.body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 4)
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.(map[string]any)["role"].(string)
	}
	assert.Equal(t, []string{"system", "user", "assistant", "user"}, roles)
	assert.Equal(t, "What is 2+2?", msgs[3].(map[string]any)["content"])
}

func TestCompletionClientFailures(t *testing.T) {
	openAIErrBody := `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`

	tests := []struct {
		name     string
		provider string
		status   int
		body     string
		want     models.ErrorKind
	}{
		{"openrouter unauthorized", "openrouter", http.StatusUnauthorized, openAIErrBody, models.ErrorKindAuth},
		{"openrouter forbidden", "openrouter", http.StatusForbidden, `forbidden`, models.ErrorKindAuth},
		{"openrouter server error", "openrouter", http.StatusInternalServerError, `oops`, models.ErrorKindRemote},
		{"openrouter bad json", "openrouter", http.StatusOK, `not json`, models.ErrorKindMalformedResponse},
		{"openrouter no choices", "openrouter", http.StatusOK, `{"choices":[]}`, models.ErrorKindMalformedResponse},
		{"openrouter no message", "openrouter", http.StatusOK, `{"choices":[{}]}`, models.ErrorKindMalformedResponse},
		{"openai unauthorized", "openai", http.StatusUnauthorized, openAIErrBody, models.ErrorKindAuth},
		{"openai rate limited", "openai", http.StatusTooManyRequests,
			`{"error":{"message":"Rate limit reached","type":"requests"}}`, models.ErrorKindRemote},
		{"openai bad json", "openai", http.StatusOK, `not json`, models.ErrorKindMalformedResponse},
		{"openai no choices", "openai", http.StatusOK, `{"id":"x","choices":[]}`, models.ErrorKindMalformedResponse},
		{"anthropic unauthorized", "anthropic", http.StatusUnauthorized,
			`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`,
			models.ErrorKindAuth},
		{"anthropic overloaded", "anthropic", 529,
			`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, models.ErrorKindRemote},
		{"anthropic empty content", "anthropic", http.StatusOK, `{"content":[]}`, models.ErrorKindMalformedResponse},
		{"ollama model missing", "ollama", http.StatusNotFound, `{"error":"model not found"}`,
			models.ErrorKindRemote},
		{"ollama bad json", "ollama", http.StatusOK, `not json`, models.ErrorKindMalformedResponse},
		{"ollama plain 500", "ollama", http.StatusInternalServerError, "Internal Server Error\n",
			models.ErrorKindRemote},
		{"ollama plain 401", "ollama", http.StatusUnauthorized, "Unauthorized\n", models.ErrorKindAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newServer(t, tt.status, tt.body)
			client := newClient(t, tt.provider, srv.URL)

			_, err := client.Complete(context.Background(), testRequest(), "sk-test")
			require.Error(t, err)
			requireKind(t, err, tt.want)
		})
	}
}

func TestOllamaErrorStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantKind   models.ErrorKind
		wantStatus int
	}{
		{"plain text failure", http.StatusInternalServerError, "Internal Server Error\n",
			models.ErrorKindRemote, http.StatusInternalServerError},
		{"error payload", http.StatusNotFound, `{"error":"model \"llama3\" not found"}`,
			models.ErrorKindRemote, http.StatusNotFound},
		{"undecodable success", http.StatusOK, "not json\n", models.ErrorKindMalformedResponse, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newServer(t, tt.status, tt.body)
			client := newClient(t, "ollama", srv.URL)

			_, err := client.Complete(context.Background(), testRequest(), "")
			require.Error(t, err)

			var ce *models.ClientError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.wantKind, ce.Kind)
			assert.Equal(t, tt.wantStatus, ce.Status)
		})
	}
}

func TestOpenAIRejectedBeforeSending(t *testing.T) {
	tests := []struct {
		name  string
		model string
	}{
		{"completion-only model", "text-davinci-003"},
		{"max_tokens on o1", "o1-mini"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, lastRequest := newServer(t, http.StatusOK, `{}`)
			client := services.NewOpenAI(srv.URL+"/v1", nil, testLogger())

			req := testRequest()
			req.Model = tt.model
			_, err := client.Complete(context.Background(), req, "sk-test")
			require.Error(t, err)
			requireKind(t, err, models.ErrorKindRemote)
			assert.Empty(t, lastRequest().path, "request should not reach the server")
		})
	}
}

func TestCompletionClientNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	for _, provider := range []string{"openrouter", "openai", "anthropic", "ollama"} {
		t.Run(provider, func(t *testing.T) {
			client := newClient(t, provider, url)
			_, err := client.Complete(context.Background(), testRequest(), "sk-test")
			require.Error(t, err)
			requireKind(t, err, models.ErrorKindNetwork)
		})
	}
}

func TestCompletionClientCancelled(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, `{}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := newClient(t, "openrouter", srv.URL)
	_, err := client.Complete(ctx, testRequest(), "sk-test")
	requireKind(t, err, models.ErrorKindNetwork)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenAIComplete(t *testing.T) {
	srv, lastRequest := newServer(t, http.StatusOK, `{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"model": "test-model",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "4"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 1, "total_tokens": 11}
	}`)

	client := services.NewOpenAI(srv.URL+"/v1", nil, testLogger())
	reply, err := client.Complete(context.Background(), testRequest(), "sk-test")
	require.NoError(t, err)
	assert.Equal(t, "4", reply)

	captured := lastRequest()

	assert.Equal(t, "/v1/chat/completions", captured.path)
	assert.Equal(t, "Bearer sk-test", captured.header.Get("Authorization"))
	assert.InDelta(t, 0.9, captured.body["top_p"], 1e-6)
	assert.InDelta(t, 0.7, captured.body["temperature"], 1e-6)
	assert.InDelta(t, 150, captured.body["max_tokens"], 0)
}

func TestAnthropicComplete(t *testing.T) {
	srv, lastRequest := newServer(t, http.StatusOK,
		`{"type":"message","role":"assistant","content":[{"type":"text","text":"4"}]}`)

	client := services.NewAnthropic(srv.URL, nil, testLogger())
	reply, err := client.Complete(context.Background(), testRequest(), "sk-ant")
	require.NoError(t, err)
	assert.Equal(t, "4", reply)

	captured := lastRequest()

	assert.Equal(t, "/messages", captured.path)
	assert.Equal(t, "sk-ant", captured.header.Get("x-api-key"))
	assert.NotEmpty(t, captured.header.Get("anthropic-version"))
	assert.Equal(t, "be helpful", captured.body["system"])

	msgs, ok := captured.body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 3)
}

func TestOllamaComplete(t *testing.T) {
	srv, lastRequest := newServer(t, http.StatusOK,
		`{"model":"test-model","created_at":"2024-01-01T00:00:00Z","message":{"role":"assistant","content":"4"},"done":true}`+"\n")

	client := newClient(t, "ollama", srv.URL)
	reply, err := client.Complete(context.Background(), testRequest(), "")
	require.NoError(t, err)
	assert.Equal(t, "4", reply)

	captured := lastRequest()

	assert.Equal(t, "/api/chat", captured.path)
	assert.Equal(t, false, captured.body["stream"])
	options, ok := captured.body["options"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 150, options["num_predict"], 0)
}

func TestBoltDBCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	ctx := context.Background()

	db, err := services.NewBoltDB(path, "")
	require.NoError(t, err)

	key, err := db.APIKey(ctx)
	require.NoError(t, err)
	assert.Empty(t, key)

	require.NoError(t, db.SetAPIKey(ctx, "from-widget"))
	key, err = db.APIKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from-widget", key)

	require.NoError(t, db.Close())

	// The widget key survives reopening the database and beats the configured key.
	db, err = services.NewBoltDB(path, "from-config")
	require.NoError(t, err)
	defer db.Close()

	key, err = db.APIKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from-widget", key)
}

func TestBoltDBConfiguredKeyRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	ctx := context.Background()

	db, err := services.NewBoltDB(path, "old-config-key")
	require.NoError(t, err)

	key, err := db.APIKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "old-config-key", key)
	require.NoError(t, db.Close())

	// The operator rotates the configured key and restarts.
	db, err = services.NewBoltDB(path, "rotated-config-key")
	require.NoError(t, err)
	defer db.Close()

	key, err = db.APIKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rotated-config-key", key)
}

func newClient(t *testing.T, provider, url string) completionClient {
	t.Helper()

	switch provider {
	case "openrouter":
		return services.NewOpenRouter(url, nil, testLogger())
	case "openai":
		return services.NewOpenAI(url, nil, testLogger())
	case "anthropic":
		return services.NewAnthropic(url, nil, testLogger())
	case "ollama":
		client, err := services.NewOllama(url, nil, testLogger())
		require.NoError(t, err)
		return client
	}
	t.Fatalf("unknown provider %s", provider)
	return nil
}
