package cognition

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/embodia/internal/config"
	"github.com/harun/embodia/pkg/diag"
	"github.com/harun/embodia/pkg/fusion"
	"github.com/harun/embodia/pkg/observation"
)

func TestHTTPBackend(t *testing.T) {
	var got httpRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"content": speakReply})
	}))
	defer srv.Close()

	b, err := NewHTTPBackend(config.CognitionConfig{Endpoint: srv.URL, APIKey: "secret", Model: "m"}, srv.Client())
	require.NoError(t, err)

	f := fusion.New(fusion.Options{WindowSize: 2})
	req := newRequest(f)
	out, err := b.Complete(context.Background(), RenderPrompt("", req))
	require.NoError(t, err)
	assert.Equal(t, speakReply, out)
	assert.Equal(t, "m", got.Model)
	require.NotNil(t, got.Request)
	assert.Equal(t, req.ID, got.Request.ID)
}

func TestHTTPBackendRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(speakReply))
	}))
	defer srv.Close()

	b, err := NewHTTPBackend(config.CognitionConfig{Endpoint: srv.URL}, srv.Client())
	require.NoError(t, err)
	out, err := b.Complete(context.Background(), Prompt{User: "x"})
	require.NoError(t, err)
	assert.Equal(t, speakReply, out)
}

func TestHTTPBackendStatusClassification(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	b, err := NewHTTPBackend(config.CognitionConfig{Endpoint: srv.URL}, srv.Client())
	require.NoError(t, err)

	_, err = b.Complete(context.Background(), Prompt{User: "x"})
	assert.True(t, diag.IsTransient(err))

	status = http.StatusBadRequest
	_, err = b.Complete(context.Background(), Prompt{User: "x"})
	require.Error(t, err)
	assert.False(t, diag.IsTransient(err))
}

func TestNewBackend(t *testing.T) {
	ctx := context.Background()

	b, err := NewBackend(ctx, config.CognitionConfig{Backend: "anthropic", APIKey: "k", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", b.Name())

	b, err = NewBackend(ctx, config.CognitionConfig{Backend: "openai", APIKey: "k", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "openai", b.Name())

	_, err = NewBackend(ctx, config.CognitionConfig{Backend: "http"})
	assert.Error(t, err)

	_, err = NewBackend(ctx, config.CognitionConfig{Backend: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unsupported cognition backend")
}

func TestRenderPrompt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := fusion.New(fusion.Options{Priority: []string{"text", "vision"}, WindowSize: 2})
	req := f.Fuse(observation.Snapshot{Observations: []observation.Observation{
		observation.New("text", now, 1, observation.NewText("where is the door")),
	}}, now)
	f.Record(&req, []string{"speak(hi) p=0"}, now)
	req = f.Fuse(observation.Snapshot{Observations: []observation.Observation{
		observation.New("text", now, 1, observation.NewText("where is the door")),
	}}, now)

	p := RenderPrompt("", &req)
	assert.Equal(t, DefaultSystemPrompt, p.System)
	assert.Contains(t, p.User, "where is the door")
	assert.Contains(t, p.User, "vision (missing)")
	assert.Contains(t, p.User, "speak(hi) p=0")
	assert.Contains(t, p.User, `"fresh": false`)
	assert.Same(t, &req, p.Request)

	assert.Equal(t, "custom", RenderPrompt("custom", &req).System)
}
