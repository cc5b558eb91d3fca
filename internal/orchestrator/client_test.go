package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crosslogic/finance-service/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPauseAndResume(t *testing.T) {
	var got []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer ras-token", r.Header.Get("Authorization"))
		got = append(got, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Token: "ras-token"}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, client.PauseResources(ctx, "alice", "site-a"))
	require.NoError(t, client.ResumeResources(ctx, "alice", "site-a"))

	assert.Equal(t, []string{
		"/ras/computes/pause/alice/site-a",
		"/ras/computes/resume/alice/site-a",
	}, got)
}

func TestPause_Errors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		unavailable bool
		message     string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `{"error":"db down"}`, unavailable: true, message: "db down"},
		{name: "throttled", status: http.StatusTooManyRequests, body: `slow down`, unavailable: true, message: "slow down"},
		{name: "forbidden", status: http.StatusForbidden, body: `{"message":"not allowed"}`, message: "not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(Config{BaseURL: server.URL}, zap.NewNop())
			err := client.PauseResources(context.Background(), "alice", "site-a")
			require.Error(t, err)

			assert.Equal(t, tt.unavailable, errors.Is(err, models.ErrUnavailable))
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.message, apiErr.Message)
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "single attempt")
		})
	}
}

func TestPause_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient(Config{BaseURL: url, Timeout: time.Second}, zap.NewNop())
	err := client.PauseResources(context.Background(), "alice", "site-a")
	assert.ErrorIs(t, err, models.ErrUnavailable)
}

func TestPause_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(Config{BaseURL: server.URL}, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := client.PauseResources(ctx, "alice", "site-a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
