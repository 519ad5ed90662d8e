package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeflow/internal/domain"
)

func TestRemotePostsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))

		var in map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"mint": in["mint"], "score": 0.92})
	}))
	defer srv.Close()

	h := New(srv.URL, map[string]string{"X-Api-Key": "secret"}, time.Second)
	out, err := h.Handle(context.Background(), domain.Payload{"mint": "So111"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"mint": "So111", "score": 0.92}, out)
}

func TestRemoteErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil, 0).Handle(context.Background(), domain.Payload{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
	assert.Contains(t, err.Error(), "upstream unavailable")
}

func TestRemoteEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	out, err := New(srv.URL, nil, 0).Handle(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestRemoteHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(srv.URL, nil, 0).Handle(ctx, domain.Payload{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRemoteRequiresURL(t *testing.T) {
	_, err := (&Remote{}).Handle(context.Background(), nil)
	assert.Error(t, err)
}
