package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeforge/internal/types"
)

func TestRouterResolve(t *testing.T) {
	r := NewRouter(map[string]string{
		"veryfast": "tiny-1",
		"fast":     "small-1",
		"powerful": "big-1",
	})

	m, err := r.Resolve(types.RoleTriage, types.TierFast)
	require.NoError(t, err)
	assert.Equal(t, "small-1", m)

	// god tier unconfigured: falls back to the strongest configured model.
	m, err = r.Resolve(types.RoleEscalation, types.TierGod)
	require.NoError(t, err)
	assert.Equal(t, "big-1", m)

	// god role forces the god tier regardless of requested tier.
	m, err = r.Resolve(types.RoleGod, types.TierFast)
	require.NoError(t, err)
	assert.Equal(t, "big-1", m)
}

func TestRouterResolveEmpty(t *testing.T) {
	r := NewRouter(nil)
	_, err := r.Resolve(types.RoleGenerator, types.TierFast)
	assert.Error(t, err)
}

func TestOpenAIClientGenerate(t *testing.T) {
	var gotModel string
	var gotTemp float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel = req.Model
		gotTemp = req.Temperature

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "hello from model"}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{
		BaseURL: srv.URL + "/v1",
		Models:  map[string]string{"fast": "small-1"},
	})
	client.minInterval = 0

	out, err := client.Generate(context.Background(), types.RoleTriage, types.TierFast, "classify this", Options{Temperature: 0.1})
	require.NoError(t, err)
	assert.Equal(t, "hello from model", out)
	assert.Equal(t, "small-1", gotModel)
	assert.InDelta(t, 0.1, gotTemp, 1e-9)
}

func TestOpenAIClientSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "quota exceeded"},
		})
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{
		BaseURL:    srv.URL + "/v1",
		Models:     map[string]string{"fast": "small-1"},
		MaxRetries: 1,
	})
	client.minInterval = 0

	_, err := client.Generate(context.Background(), types.RoleTriage, types.TierFast, "x", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestPaceSleepsOutsideLock(t *testing.T) {
	c := NewOpenAIClient(OpenAIConfig{Models: map[string]string{"fast": "m"}})
	c.minInterval = 150 * time.Millisecond

	start := time.Now()
	c.pace() // first call claims a slot without waiting

	done := make(chan struct{})
	go func() {
		c.pace() // second call waits out the interval
		close(done)
	}()

	// A waiter sleeping out its slot must not hold the mutex.
	time.Sleep(20 * time.Millisecond)
	acquired := make(chan struct{})
	go func() {
		c.mu.Lock()
		c.mu.Unlock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-time.After(50 * time.Millisecond):
		t.Fatal("mutex held while pacing sleep was in progress")
	}

	<-done
	assert.GreaterOrEqual(t, time.Since(start), c.minInterval,
		"second request still spaced a full interval after the first")
}

func TestRetryBackoffRecovers(t *testing.T) {
	calls := 0
	out, err := retryBackoff(context.Background(), 3, func() (string, error) {
		calls++
		if calls < 2 {
			return "", assert.AnError
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 2, calls)
}
