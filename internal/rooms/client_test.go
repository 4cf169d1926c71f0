package rooms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivateAndEnd(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		calls = append(calls, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second)
	require.NoError(t, c.ActivateRoom(context.Background(), "room 1"))
	require.NoError(t, c.EndRoom(context.Background(), "room 1"))
	assert.Equal(t, []string{"/api/v1/rooms/room 1/activate", "/api/v1/rooms/room 1/end"}, calls)
}

func TestServerErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "", time.Second).ActivateRoom(context.Background(), "r")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 502")
}

func TestGetRoomUsesCache(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
			_ = json.NewEncoder(w).Encode(Room{ID: "r", Status: "active"})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	c := NewClient(srv.URL, "", time.Second)
	c.UseRedisCache(rdb, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		room, err := c.GetRoom(ctx, "r")
		require.NoError(t, err)
		assert.Equal(t, "active", room.Status)
	}
	assert.Equal(t, int32(1), gets.Load())

	require.NoError(t, c.EndRoom(ctx, "r"))
	_, err := c.GetRoom(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, int32(2), gets.Load(), "state change invalidates the cache")
}

func TestCreateRoom(t *testing.T) {
	var got NewRoom
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/rooms", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(Room{ID: "room-9", Status: StatusScheduled})
	}))
	defer srv.Close()

	start := time.Date(2026, 3, 30, 7, 0, 0, 0, time.UTC)
	room, err := NewClient(srv.URL, "", time.Second).CreateRoom(context.Background(), NewRoom{
		SessionID: "s-1", Name: "Session s-1", ScheduledStart: start, ScheduledEnd: start.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "room-9", room.ID)
	assert.Equal(t, "s-1", got.SessionID)
	assert.Equal(t, "private", got.Privacy)
	assert.True(t, got.ScheduledStart.Equal(start))
}

func TestCreateRoomRequiresID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(Room{Status: StatusScheduled})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", time.Second).CreateRoom(context.Background(), NewRoom{SessionID: "s-1"})
	assert.ErrorContains(t, err, "empty room id")
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.NoError(t, NewClient(srv.URL, "", time.Second).HealthCheck(context.Background()))
	srv.Close()
	assert.Error(t, NewClient(srv.URL, "", time.Second).HealthCheck(context.Background()))
}
