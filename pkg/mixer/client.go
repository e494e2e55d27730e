// Copyright 2024-2026 Aiku AI

package mixer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultAPIURL is the base URL of the Mixer REST API.
const DefaultAPIURL = "https://mixer.com/api/v1"

// ErrChannelNotFound is returned by Channel when the requested channel
// does not exist.
var ErrChannelNotFound = errors.New("mixer: channel not found")

// ErrNotAuthenticated is returned by calls that need the authenticated
// user before Start has succeeded.
var ErrNotAuthenticated = errors.New("mixer: client not authenticated")

// Channel is a read-only snapshot of a stream channel. It is re-fetched
// from the API whenever current data is needed; nothing is persisted.
type Channel struct {
	ID          int64
	Username    string
	Name        string
	Description string
	Live        bool
	AvatarURL   string
}

// ChatJoin holds the realtime connection details for one channel's chat,
// as returned by the chat join endpoint.
type ChatJoin struct {
	Endpoints []string `json:"endpoints"`
	AuthKey   string   `json:"authkey"`
}

// Client is a minimal Mixer REST API client: user identification, channel
// snapshots and chat join details. All methods are safe for concurrent use
// once Start has returned.
type Client struct {
	apiURL     string
	token      string
	clientID   string
	httpClient *http.Client
	log        zerolog.Logger

	userID   int64
	username string
}

// NewClient creates a REST client with the given OAuth token and client ID.
// An empty apiURL selects DefaultAPIURL.
func NewClient(apiURL, token, clientID string, log zerolog.Logger) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Client{
		apiURL:     strings.TrimSuffix(apiURL, "/"),
		token:      token,
		clientID:   clientID,
		httpClient: http.DefaultClient,
		log:        log.With().Str("component", "mixer_client").Logger(),
	}
}

func (c *Client) get(ctx context.Context, path string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Client-ID", c.clientID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrChannelNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mixer: unexpected status %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

// Start fetches the authenticated user and caches its ID and username.
// The user ID is required for chat socket authentication.
func (c *Client) Start(ctx context.Context) error {
	var user struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	if err := c.get(ctx, "/users/current", &user); err != nil {
		return fmt.Errorf("failed to fetch current user: %w", err)
	}
	c.userID = user.ID
	c.username = user.Username
	c.log.Info().Str("username", user.Username).Int64("user_id", user.ID).Msg("Authenticated with Mixer")
	return nil
}

// UserID returns the authenticated user's ID, or 0 before Start.
func (c *Client) UserID() int64 {
	return c.userID
}

// channelPayload is the wire shape of a channel response.
type channelPayload struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Online      bool   `json:"online"`
	User        struct {
		Username  string `json:"username"`
		AvatarURL string `json:"avatarUrl"`
	} `json:"user"`
}

// Channel fetches a channel snapshot by username or numeric ID.
func (c *Client) Channel(ctx context.Context, usernameOrID string) (*Channel, error) {
	var payload channelPayload
	if err := c.get(ctx, "/channels/"+usernameOrID, &payload); err != nil {
		return nil, err
	}
	return &Channel{
		ID:          payload.ID,
		Username:    payload.User.Username,
		Name:        payload.Name,
		Description: payload.Description,
		Live:        payload.Online,
		AvatarURL:   payload.User.AvatarURL,
	}, nil
}

// JoinChat fetches the realtime endpoints and auth key for a channel's chat.
func (c *Client) JoinChat(ctx context.Context, channelID int64) (*ChatJoin, error) {
	if c.userID == 0 {
		return nil, ErrNotAuthenticated
	}
	var join ChatJoin
	if err := c.get(ctx, fmt.Sprintf("/chats/%d", channelID), &join); err != nil {
		return nil, fmt.Errorf("failed to join chat for channel %d: %w", channelID, err)
	}
	if len(join.Endpoints) == 0 {
		return nil, fmt.Errorf("mixer: chat join for channel %d returned no endpoints", channelID)
	}
	return &join, nil
}
