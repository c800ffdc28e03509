package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicBackend_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		var body anthropicReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "be terse", body.System)
		assert.Equal(t, 256, body.MaxTokens)
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}],"usage":{"input_tokens":5,"output_tokens":7}}`))
	}))
	defer srv.Close()

	b := NewAnthropicBackend("k-test", "claude-test", srv.URL)
	out, err := b.Complete(context.Background(), "hi", "be terse", Options{MaxTokens: 256})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out.Text)
	assert.Equal(t, 7, out.Tokens)
}

func TestOpenAIBackend_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k-test", r.Header.Get("Authorization"))
		var body chatReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"code"}}],"usage":{"completion_tokens":3}}`))
	}))
	defer srv.Close()

	b := NewOpenAIBackend("Groq", "k-test", "llama", srv.URL)
	assert.Equal(t, "Groq:llama", b.Name())
	out, err := b.Complete(context.Background(), "hi", "sys", Options{})
	require.NoError(t, err)
	assert.Equal(t, Completion{Text: "code", Tokens: 3}, out)
}

func TestHTTPBackends_ClientErrorsArePermanent(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"context_length_exceeded"}`, int(status.Load()))
	}))
	defer srv.Close()

	b := NewOpenAIBackend("", "k", "m", srv.URL)
	_, err := b.Complete(context.Background(), "hi", "", Options{})
	var pErr *PermanentError
	require.ErrorAs(t, err, &pErr)
	assert.Contains(t, err.Error(), "context_length_exceeded")

	status.Store(http.StatusTooManyRequests)
	_, err = NewAnthropicBackend("k", "m", srv.URL).Complete(context.Background(), "hi", "", Options{})
	require.Error(t, err)
	assert.False(t, errorsAsPermanent(err))
}

func errorsAsPermanent(err error) bool {
	_, ok := err.(*PermanentError)
	return ok
}
