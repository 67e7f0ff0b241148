// Package vault implements the client for one secret-store instance.
//
// The secret store is the authoritative holder of API-key material. Every
// instance of the cluster must hold an identical record for a given user;
// the orchestrator enforces that, this package only talks to one instance.
package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eumetnet/apikey-manager/internal/config"
)

// APIKeyField is the record field holding the key material. The same name
// binds the gateway's key-auth indirection suffix and the config default
// (apisix.key_name); cmd/server asserts the agreement at startup.
const APIKeyField = "auth_key"

const (
	recordDateFormat = "2006/01/02 15:04:05"
	keyDateFormat    = "20060102"
)

// Error marks a failure talking to a secret-store instance.
type Error struct {
	Instance string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("vault %s: %s: %v", e.Instance, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KeyRecord is one user's key material as held by a secret-store instance.
// ID and InstanceName are injected locally on read; only AuthKey and Date
// travel on the wire.
type KeyRecord struct {
	ID           string `json:"-"`
	AuthKey      string `json:"auth_key"`
	Date         string `json:"date"`
	InstanceName string `json:"-"`
}

// GenerateAPIKey derives the deterministic key for a user: the lowercase hex
// SHA-256 of the current UTC date (YYYYMMDD), the compact user id and the
// shared secret phrase. Two instances deriving a key for the same user on the
// same day agree without coordination.
func GenerateAPIKey(id, secretPhrase string, now time.Time) string {
	sum := sha256.Sum256([]byte(now.UTC().Format(keyDateFormat) + id + secretPhrase))
	return hex.EncodeToString(sum[:])
}

// Client talks to a single secret-store instance.
type Client struct {
	name         string
	baseURL      string
	basePath     string
	token        string
	secretPhrase string
	hc           *http.Client

	// Now is the clock used for key derivation. Overridable in tests.
	Now func() time.Time
}

// New creates a client for one secret-store instance.
func New(inst config.VaultInstanceConfig, basePath, secretPhrase string) *Client {
	return &Client{
		name:         inst.Name,
		baseURL:      inst.URL,
		basePath:     basePath,
		token:        inst.Token,
		secretPhrase: secretPhrase,
		hc:           &http.Client{Timeout: 10 * time.Second},
		Now:          time.Now,
	}
}

// Name returns the configured instance name.
func (c *Client) Name() string { return c.name }

func (c *Client) recordURL(id string) string {
	return fmt.Sprintf("%s/v1/%s/%s", c.baseURL, c.basePath, id)
}

// NewRecord derives the record PutUser would store, without storing it.
// The orchestrator uses this to fix one canonical record before fanning out.
func (c *Client) NewRecord(id string) *KeyRecord {
	now := c.Now()
	return &KeyRecord{
		ID:      id,
		AuthKey: GenerateAPIKey(id, c.secretPhrase, now),
		Date:    now.UTC().Format(recordDateFormat),
	}
}

// PutUser derives a fresh record for the user and stores it.
func (c *Client) PutUser(ctx context.Context, id string) (*KeyRecord, error) {
	return c.PutRecord(ctx, c.NewRecord(id))
}

// PutRecord stores a fully formed record. Used to replicate a canonical
// record across instances and to replay prior state during rollback.
func (c *Client) PutRecord(ctx context.Context, rec *KeyRecord) (*KeyRecord, error) {
	_, err := c.do(ctx, http.MethodPost, c.recordURL(rec.ID), rec, nil, http.StatusOK, http.StatusNoContent)
	if err != nil {
		return nil, &Error{Instance: c.name, Op: "put user " + rec.ID, Err: err}
	}
	stored := *rec
	stored.InstanceName = c.name
	return &stored, nil
}

// GetUser retrieves the user's record. A missing record is not an error:
// the method returns (nil, nil) on 404.
func (c *Client) GetUser(ctx context.Context, id string) (*KeyRecord, error) {
	var body struct {
		Data KeyRecord `json:"data"`
	}
	status, err := c.do(ctx, http.MethodGet, c.recordURL(id), nil, &body, http.StatusOK, http.StatusNotFound)
	if err != nil {
		return nil, &Error{Instance: c.name, Op: "get user " + id, Err: err}
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	rec := body.Data
	rec.ID = id
	rec.InstanceName = c.name
	return &rec, nil
}

// DeleteUser removes the user's record. Deleting an absent record is an
// error: callers confirm existence first, so a 404 here means a racing
// delete and is reported.
func (c *Client) DeleteUser(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, c.recordURL(id), nil, nil, http.StatusOK, http.StatusNoContent)
	if err != nil {
		return &Error{Instance: c.name, Op: "delete user " + id, Err: err}
	}
	return nil
}

// ListUserIDs returns the ids of every record under the base path.
func (c *Client) ListUserIDs(ctx context.Context) ([]string, error) {
	var body struct {
		Data struct {
			Keys []string `json:"keys"`
		} `json:"data"`
	}
	url := fmt.Sprintf("%s/v1/%s/", c.baseURL, c.basePath)
	status, err := c.do(ctx, "LIST", url, nil, &body, http.StatusOK, http.StatusNotFound)
	if err != nil {
		return nil, &Error{Instance: c.name, Op: "list users", Err: err}
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	return body.Data.Keys, nil
}

// Health probes the instance's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	url := c.baseURL + "/v1/sys/health"
	if _, err := c.do(ctx, http.MethodGet, url, nil, nil, http.StatusOK); err != nil {
		return &Error{Instance: c.name, Op: "health", Err: err}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, in, out any, okStatuses ...int) (int, error) {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Vault-Token", c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	ok := false
	for _, s := range okStatuses {
		if resp.StatusCode == s {
			ok = true
			break
		}
	}
	if !ok {
		return resp.StatusCode, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, data)
	}

	if out != nil && resp.StatusCode != http.StatusNotFound && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
