// Package apisix implements the admin-API client for one gateway instance.
package apisix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eumetnet/apikey-manager/internal/config"
)

// Error marks a failure talking to a gateway admin API.
type Error struct {
	Instance string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("apisix %s: %s: %v", e.Instance, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client talks to a single gateway instance's admin API.
type Client struct {
	name       string
	adminURL   string
	gatewayURL string
	keyPath    string
	keyName    string
	header     http.Header
	hc         *http.Client
}

// New creates a client for one gateway instance. The admin header is built
// once per key here and reused on every request.
func New(inst config.APISixInstanceConfig, keyPath, keyName string) *Client {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("X-API-KEY", inst.AdminAPIKey)
	return &Client{
		name:       inst.Name,
		adminURL:   inst.AdminURL,
		gatewayURL: inst.GatewayURL,
		keyPath:    keyPath,
		keyName:    keyName,
		header:     header,
		hc:         &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the configured instance name.
func (c *Client) Name() string { return c.name }

// GatewayURL returns the data-plane base URL routes are served under.
func (c *Client) GatewayURL() string { return c.gatewayURL }

// NewConsumer builds the consumer record for a username. The key-auth plugin
// carries the secret-store indirection, not key material. groupID may be
// empty, in which case the field is omitted from the payload.
func (c *Client) NewConsumer(username, groupID string) *Consumer {
	return &Consumer{
		InstanceName: c.name,
		Username:     username,
		Plugins: Plugins{
			KeyAuth: &KeyAuth{Key: c.keyPath + username + "/" + c.keyName},
		},
		GroupID: groupID,
	}
}

// UpsertConsumer creates or replaces the consumer on this instance.
func (c *Client) UpsertConsumer(ctx context.Context, consumer *Consumer) (*Consumer, error) {
	url := c.adminURL + "/apisix/admin/consumers"
	_, err := c.do(ctx, http.MethodPut, url, consumer, nil, http.StatusOK, http.StatusCreated)
	if err != nil {
		return nil, &Error{Instance: c.name, Op: "upsert consumer " + consumer.Username, Err: err}
	}
	stored := *consumer
	stored.InstanceName = c.name
	return &stored, nil
}

// GetConsumer retrieves a consumer by username, or (nil, nil) when absent.
func (c *Client) GetConsumer(ctx context.Context, username string) (*Consumer, error) {
	var body valueEnvelope[Consumer]
	url := c.adminURL + "/apisix/admin/consumers/" + username
	status, err := c.do(ctx, http.MethodGet, url, nil, &body, http.StatusOK, http.StatusNotFound)
	if err != nil {
		return nil, &Error{Instance: c.name, Op: "get consumer " + username, Err: err}
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	consumer := body.Value
	consumer.InstanceName = c.name
	return &consumer, nil
}

// DeleteConsumer removes the consumer. Deleting an absent consumer is an
// error: callers confirm existence first, so a 404 means a racing delete.
func (c *Client) DeleteConsumer(ctx context.Context, username string) error {
	url := c.adminURL + "/apisix/admin/consumers/" + username
	if _, err := c.do(ctx, http.MethodDelete, url, nil, nil, http.StatusOK, http.StatusNoContent); err != nil {
		return &Error{Instance: c.name, Op: "delete consumer " + username, Err: err}
	}
	return nil
}

// GetConsumerGroup retrieves a consumer group by id, or (nil, nil) when absent.
func (c *Client) GetConsumerGroup(ctx context.Context, id string) (*ConsumerGroup, error) {
	var body valueEnvelope[ConsumerGroup]
	url := c.adminURL + "/apisix/admin/consumer_groups/" + id
	status, err := c.do(ctx, http.MethodGet, url, nil, &body, http.StatusOK, http.StatusNotFound)
	if err != nil {
		return nil, &Error{Instance: c.name, Op: "get consumer group " + id, Err: err}
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	return &body.Value, nil
}

// UpsertConsumerGroup creates or replaces a consumer group. Used by the
// cluster sync tool; the server never writes groups.
func (c *Client) UpsertConsumerGroup(ctx context.Context, group *ConsumerGroup) (*ConsumerGroup, error) {
	url := c.adminURL + "/apisix/admin/consumer_groups/" + group.ID
	_, err := c.do(ctx, http.MethodPut, url, group, nil, http.StatusOK, http.StatusCreated)
	if err != nil {
		return nil, &Error{Instance: c.name, Op: "upsert consumer group " + group.ID, Err: err}
	}
	return group, nil
}

// ListKeyAuthRoutes returns the routes that enforce key authentication.
// Routes without the key-auth plugin are never advertised to users.
func (c *Client) ListKeyAuthRoutes(ctx context.Context) ([]Route, error) {
	var body listEnvelope[Route]
	url := c.adminURL + "/apisix/admin/routes"
	if _, err := c.do(ctx, http.MethodGet, url, nil, &body, http.StatusOK); err != nil {
		return nil, &Error{Instance: c.name, Op: "list routes", Err: err}
	}
	routes := make([]Route, 0, len(body.List))
	for _, item := range body.List {
		if item.Value.Plugins.KeyAuth != nil {
			routes = append(routes, item.Value)
		}
	}
	return routes, nil
}

// ListConsumers returns every consumer on this instance.
func (c *Client) ListConsumers(ctx context.Context) ([]Consumer, error) {
	var body listEnvelope[Consumer]
	url := c.adminURL + "/apisix/admin/consumers"
	if _, err := c.do(ctx, http.MethodGet, url, nil, &body, http.StatusOK); err != nil {
		return nil, &Error{Instance: c.name, Op: "list consumers", Err: err}
	}
	consumers := make([]Consumer, 0, len(body.List))
	for _, item := range body.List {
		consumer := item.Value
		consumer.InstanceName = c.name
		consumers = append(consumers, consumer)
	}
	return consumers, nil
}

// ListConsumerGroups returns every consumer group on this instance.
func (c *Client) ListConsumerGroups(ctx context.Context) ([]ConsumerGroup, error) {
	var body listEnvelope[ConsumerGroup]
	url := c.adminURL + "/apisix/admin/consumer_groups/"
	if _, err := c.do(ctx, http.MethodGet, url, nil, &body, http.StatusOK); err != nil {
		return nil, &Error{Instance: c.name, Op: "list consumer groups", Err: err}
	}
	groups := make([]ConsumerGroup, 0, len(body.List))
	for _, item := range body.List {
		groups = append(groups, item.Value)
	}
	return groups, nil
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
	for k, v := range c.header {
		req.Header[k] = v
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
