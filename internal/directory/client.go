package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const cacheTTL = 24 * time.Hour

// Profile is a user's directory record.
type Profile struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

type cacheEntry struct {
	profile   Profile
	fetchedAt time.Time
}

// Client resolves user profiles from the directory service over HTTP.
// Results are cached for 24 hours; a cold miss costs one GET. It
// implements the store's ProfileSource.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		cache:   make(map[string]cacheEntry),
	}
}

// SetHTTPClient overrides the underlying HTTP client, mainly for tests.
func (c *Client) SetHTTPClient(h *http.Client) { c.http = h }

// Profile returns the display name and avatar for a user.
func (c *Client) Profile(ctx context.Context, userID string) (string, string, error) {
	if userID == "" {
		return "", "", fmt.Errorf("directory: empty user id")
	}

	c.mu.RLock()
	entry, ok := c.cache[userID]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < cacheTTL {
		return entry.profile.DisplayName, entry.profile.AvatarURL, nil
	}

	p, err := c.fetch(ctx, userID)
	if err != nil {
		return "", "", err
	}

	c.mu.Lock()
	c.cache[userID] = cacheEntry{profile: *p, fetchedAt: time.Now()}
	c.mu.Unlock()

	return p.DisplayName, p.AvatarURL, nil
}

func (c *Client) fetch(ctx context.Context, userID string) (*Profile, error) {
	endpoint := fmt.Sprintf("%s/v1/users/%s/profile", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("directory: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory: fetch profile %s: %w", userID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("directory: fetch profile %s: status %d: %s", userID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("directory: decode profile %s: %w", userID, err)
	}
	return &p, nil
}

// Invalidate drops a cached profile so the next lookup refetches.
func (c *Client) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.cache, userID)
	c.mu.Unlock()
}
