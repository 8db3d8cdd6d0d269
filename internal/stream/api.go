package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrUnauthorized marks a 401 from the remote API: the caller is not
// authenticated and must not retry with the same credentials.
var ErrUnauthorized = errors.New("stream: not authenticated")

const defaultAPIURL = "https://listen.moe/graphql"

// Client talks to the listen.moe account API: login, favourite checks
// and favourite toggles. The wire format is GraphQL-over-HTTP, but
// callers only see async calls with a success/failure/401 outcome.
type Client struct {
	apiURL string
	http   *http.Client

	mu    sync.Mutex
	token string
}

func NewClient(apiURL string) *Client {
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	return &Client{
		apiURL: apiURL,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

// LoggedIn reports whether a bearer token is cached.
func (c *Client) LoggedIn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != ""
}

// Invalidate drops the cached bearer token.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// Login exchanges credentials for a bearer token used by subsequent
// favourite calls. A 401 returns ErrUnauthorized.
func (c *Client) Login(ctx context.Context, username, password string) error {
	const query = `mutation login($username: String!, $password: String!) {
	login(username: $username, password: $password) {
		user { uuid username }
		token
	}
}`
	body, err := c.post(ctx, map[string]any{
		"operationName": "login",
		"variables":     map[string]any{"username": username, "password": password},
		"query":         query,
	})
	if err != nil {
		return err
	}

	var resp struct {
		Data struct {
			Login struct {
				Token string `json:"token"`
			} `json:"login"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}
	if resp.Data.Login.Token == "" {
		return fmt.Errorf("login rejected")
	}

	c.mu.Lock()
	c.token = resp.Data.Login.Token
	c.mu.Unlock()
	return nil
}

// CheckFavourite reports whether the song id is among the account's
// favourites.
func (c *Client) CheckFavourite(ctx context.Context, id int) (bool, error) {
	if !c.LoggedIn() {
		return false, nil
	}
	const query = `query checkFavorite($songs: [Int!]!) {
	checkFavorite(songs: $songs)
}`
	body, err := c.post(ctx, map[string]any{
		"operationName": "checkFavorite",
		"variables":     map[string]any{"songs": []int{id}},
		"query":         query,
	})
	if err != nil {
		return false, err
	}

	var resp struct {
		Data struct {
			CheckFavorite []int `json:"checkFavorite"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("decode favourite response: %w", err)
	}
	for _, fav := range resp.Data.CheckFavorite {
		if fav == id {
			return true, nil
		}
	}
	return false, nil
}

// SetFavourite toggles the favourite flag for the song id. The remote
// API operates on a toggling basis, so the desired state is implied by
// the caller's optimistic pending state.
func (c *Client) SetFavourite(ctx context.Context, id int) error {
	const query = `mutation favoriteSong($id: Int!) {
	favoriteSong(id: $id) { id }
}`
	_, err := c.post(ctx, map[string]any{
		"operationName": "favoriteSong",
		"variables":     map[string]any{"id": id},
		"query":         query,
	})
	return err
}

func (c *Client) post(ctx context.Context, payload map[string]any) ([]byte, error) {
	buf := bytes.Buffer{}
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.listen.v4+json")
	c.mu.Lock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, firstLine(body))
	}
	return body, nil
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}
