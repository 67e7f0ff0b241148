// Package keycloak implements the identity-provider admin client.
//
// The service authenticates to the admin API with its own service account
// (client-credentials grant); the token is cached process-wide in a small
// holder owned by the client.
package keycloak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eumetnet/apikey-manager/internal/config"
)

// Identity-provider group names. Only EUMETNET_USER is mirrored into the
// gateway as a consumer-group reference; USER and ADMIN live in Keycloak only.
const (
	GroupUser     = "USER"
	GroupEumetnet = "EUMETNET_USER"
	GroupAdmin    = "ADMIN"
)

// Keycloak access tokens live five minutes; the margin absorbs time skew.
const serviceTokenTTL = 5*time.Minute - 10*time.Second

// Error marks a failure talking to the identity provider.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("keycloak: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// User is the subset of the Keycloak user representation this service reads
// and writes. Enabled is a pointer so an update can carry an explicit false.
type User struct {
	ID        string `json:"id,omitempty"`
	Username  string `json:"username,omitempty"`
	Enabled   *bool  `json:"enabled,omitempty"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// Group is a Keycloak group reference.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type tokenCache struct {
	mu     sync.Mutex
	token  string
	expiry time.Time
}

// Client talks to one Keycloak realm's admin and token endpoints.
type Client struct {
	baseURL      string
	realm        string
	clientID     string
	clientSecret string
	hc           *http.Client
	cache        tokenCache

	// Now is the clock used for token expiry checks. Overridable in tests.
	Now func() time.Time
}

// New creates the identity-provider client.
func New(cfg config.KeycloakConfig) *Client {
	return &Client{
		baseURL:      cfg.URL,
		realm:        cfg.Realm,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		hc:           &http.Client{Timeout: 10 * time.Second},
		Now:          time.Now,
	}
}

func (c *Client) adminURL(parts ...string) string {
	return c.baseURL + "/admin/realms/" + c.realm + "/" + strings.Join(parts, "/")
}

// TokenEndpoint returns the realm's OIDC token endpoint URL.
func (c *Client) TokenEndpoint() string {
	return c.baseURL + "/realms/" + c.realm + "/protocol/openid-connect/token"
}

// GetServiceToken returns a service-account access token, refreshing the
// cached value when it has expired. Single-writer: concurrent callers
// serialize on the cache mutex.
func (c *Client) GetServiceToken(ctx context.Context) (string, error) {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()

	if c.cache.token != "" && c.Now().Before(c.cache.expiry) {
		return c.cache.token, nil
	}

	form := url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"grant_type":    {"client_credentials"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenEndpoint(),
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", &Error{Op: "get service token", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", &Error{Op: "get service token", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Op: "get service token", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &Error{Op: "get service token",
			Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, data)}
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", &Error{Op: "get service token", Err: err}
	}

	c.cache.token = body.AccessToken
	c.cache.expiry = c.Now().Add(serviceTokenTTL)
	return c.cache.token, nil
}

// GetUser retrieves a user by UUID, or (nil, nil) when absent.
func (c *Client) GetUser(ctx context.Context, uuid string) (*User, error) {
	var user User
	status, err := c.do(ctx, http.MethodGet, c.adminURL("users", uuid), nil, &user,
		http.StatusOK, http.StatusNotFound)
	if err != nil {
		return nil, &Error{Op: "get user " + uuid, Err: err}
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	return &user, nil
}

// CreateUser creates a user and returns its UUID, parsed from the Location
// header Keycloak responds with. Used by test fixtures and the sync tool;
// the server itself never creates identity-provider users.
func (c *Client) CreateUser(ctx context.Context, user *User) (string, error) {
	resp, err := c.doRaw(ctx, http.MethodPost, c.adminURL("users"), user, http.StatusCreated)
	if err != nil {
		return "", &Error{Op: "create user", Err: err}
	}
	defer resp.Body.Close()
	location := resp.Header.Get("Location")
	if location == "" {
		return "", &Error{Op: "create user", Err: fmt.Errorf("missing Location header")}
	}
	parts := strings.Split(location, "/")
	return parts[len(parts)-1], nil
}

// UpdateUser replaces the stored representation of the user.
func (c *Client) UpdateUser(ctx context.Context, uuid string, user *User) error {
	_, err := c.do(ctx, http.MethodPut, c.adminURL("users", uuid), user, nil,
		http.StatusOK, http.StatusNoContent)
	if err != nil {
		return &Error{Op: "update user " + uuid, Err: err}
	}
	return nil
}

// DeleteUser removes the user from the realm.
func (c *Client) DeleteUser(ctx context.Context, uuid string) error {
	_, err := c.do(ctx, http.MethodDelete, c.adminURL("users", uuid), nil, nil,
		http.StatusOK, http.StatusNoContent)
	if err != nil {
		return &Error{Op: "delete user " + uuid, Err: err}
	}
	return nil
}

// ListGroups returns the realm's groups.
func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	var groups []Group
	if _, err := c.do(ctx, http.MethodGet, c.adminURL("groups"), nil, &groups, http.StatusOK); err != nil {
		return nil, &Error{Op: "list groups", Err: err}
	}
	return groups, nil
}

// ListUserGroups returns the groups the user currently belongs to.
func (c *Client) ListUserGroups(ctx context.Context, uuid string) ([]Group, error) {
	var groups []Group
	url := c.adminURL("users", uuid, "groups")
	if _, err := c.do(ctx, http.MethodGet, url, nil, &groups, http.StatusOK); err != nil {
		return nil, &Error{Op: "list groups of user " + uuid, Err: err}
	}
	return groups, nil
}

// AddUserToGroup adds the user to the group.
func (c *Client) AddUserToGroup(ctx context.Context, uuid, groupID string) error {
	url := c.adminURL("users", uuid, "groups", groupID)
	_, err := c.do(ctx, http.MethodPut, url, nil, nil, http.StatusOK, http.StatusNoContent)
	if err != nil {
		return &Error{Op: "add user " + uuid + " to group " + groupID, Err: err}
	}
	return nil
}

// RemoveUserFromGroup removes the user from the group.
func (c *Client) RemoveUserFromGroup(ctx context.Context, uuid, groupID string) error {
	url := c.adminURL("users", uuid, "groups", groupID)
	_, err := c.do(ctx, http.MethodDelete, url, nil, nil, http.StatusOK, http.StatusNoContent)
	if err != nil {
		return &Error{Op: "remove user " + uuid + " from group " + groupID, Err: err}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, in, out any, okStatuses ...int) (int, error) {
	resp, err := c.doRaw(ctx, method, url, in, okStatuses...)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNotFound {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, fmt.Errorf("read response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return resp.StatusCode, fmt.Errorf("unmarshal response: %w", err)
			}
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) doRaw(ctx context.Context, method, url string, in any, okStatuses ...int) (*http.Response, error) {
	token, err := c.GetServiceToken(ctx)
	if err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}

	for _, s := range okStatuses {
		if resp.StatusCode == s {
			return resp, nil
		}
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, data)
}
