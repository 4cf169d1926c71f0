// Package rooms drives the external study room service linked to sessions.
package rooms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
)

// Room states reported by the room service.
const (
	StatusScheduled = "scheduled"
	StatusActive    = "active"
	StatusEnded     = "ended"
)

// Room is the study room state reported by the room service.
type Room struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// NewRoom describes the private room opened for one session.
type NewRoom struct {
	SessionID      string    `json:"session_id"`
	Name           string    `json:"name"`
	Privacy        string    `json:"privacy"`
	ScheduledStart time.Time `json:"scheduled_start"`
	ScheduledEnd   time.Time `json:"scheduled_end"`
}

// Client calls the study room HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	redis    *redis.Client
	cacheTTL time.Duration
}

// NewClient constructs a client with baseURL and API key.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// UseRedisCache configures optional Redis caching for room lookups.
func (c *Client) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

// CreateRoom opens a new room. Privacy defaults to "private".
func (c *Client) CreateRoom(ctx context.Context, in NewRoom) (*Room, error) {
	if in.Privacy == "" {
		in.Privacy = "private"
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/rooms", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	var room Room
	if err := c.do(req, &room); err != nil {
		return nil, fmt.Errorf("create room for session %s: %w", in.SessionID, err)
	}
	if room.ID == "" {
		return nil, fmt.Errorf("create room for session %s: empty room id", in.SessionID)
	}
	c.writeCache(ctx, cacheKey(room.ID), room)
	return &room, nil
}

// ActivateRoom opens the room for a session that has started.
func (c *Client) ActivateRoom(ctx context.Context, roomID string) error {
	return c.changeState(ctx, roomID, "activate")
}

// EndRoom closes the room of a completed or cancelled session.
func (c *Client) EndRoom(ctx context.Context, roomID string) error {
	return c.changeState(ctx, roomID, "end")
}

func (c *Client) changeState(ctx context.Context, roomID, action string) error {
	endpoint := fmt.Sprintf("%s/api/v1/rooms/%s/%s", c.baseURL, url.PathEscape(roomID), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	c.addHeaders(req)
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("%s room %s: %w", action, roomID, err)
	}
	c.dropCache(ctx, cacheKey(roomID))
	return nil
}

// GetRoom fetches the room state.
func (c *Client) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	key := cacheKey(roomID)
	var room Room
	if c.readCache(ctx, key, &room) {
		return &room, nil
	}

	endpoint := fmt.Sprintf("%s/api/v1/rooms/%s", c.baseURL, url.PathEscape(roomID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	if err := c.do(req, &room); err != nil {
		return nil, fmt.Errorf("get room %s: %w", roomID, err)
	}
	c.writeCache(ctx, key, room)
	return &room, nil
}

// HealthCheck checks if the room service is available.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

func cacheKey(roomID string) string { return "room:" + roomID }

func (c *Client) readCache(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.cacheTTL <= 0 {
		return false
	}
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return false
	}
	return json.Unmarshal([]byte(val), out) == nil
}

func (c *Client) writeCache(ctx context.Context, key string, val any) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.cacheTTL).Err()
}

func (c *Client) dropCache(ctx context.Context, key string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, key).Err()
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) addHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
}

// Noop ignores room changes when no room service is configured. It never
// creates a room, so sessions start without one.
type Noop struct{}

func (Noop) CreateRoom(context.Context, NewRoom) (*Room, error) { return nil, nil }
func (Noop) GetRoom(context.Context, string) (*Room, error)     { return nil, nil }
func (Noop) ActivateRoom(context.Context, string) error         { return nil }
func (Noop) EndRoom(context.Context, string) error              { return nil }
