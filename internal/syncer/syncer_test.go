package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/eumetnet/apikey-manager/internal/apisix"
	"github.com/eumetnet/apikey-manager/internal/config"
	"github.com/eumetnet/apikey-manager/internal/vault"
)

func sourceGateway(t *testing.T) *apisix.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/apisix/admin/consumer_groups/":
			json.NewEncoder(w).Encode(map[string]any{"list": []map[string]any{
				{"value": map[string]any{"id": "EUMETNET_USER", "plugins": map[string]any{}}},
			}})
		case "/apisix/admin/consumers":
			json.NewEncoder(w).Encode(map[string]any{"list": []map[string]any{
				{"value": map[string]any{"username": "abc", "plugins": map[string]any{}}},
				{"value": map[string]any{"username": "def", "plugins": map[string]any{}, "group_id": "EUMETNET_USER"}},
			}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return newGatewayClient(srv.URL, "source")
}

func newGatewayClient(url, name string) *apisix.Client {
	return apisix.New(config.APISixInstanceConfig{
		Name: name, AdminURL: url, GatewayURL: url, AdminAPIKey: "k",
	}, "$secret://vault/dev/", "auth_key")
}

type targetState struct {
	groups    []string
	consumers []string
}

func targetGateway(t *testing.T, state *targetState) *apisix.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/apisix/admin/consumer_groups/"):
			state.groups = append(state.groups, strings.TrimPrefix(r.URL.Path, "/apisix/admin/consumer_groups/"))
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPut && r.URL.Path == "/apisix/admin/consumers":
			var consumer apisix.Consumer
			json.NewDecoder(r.Body).Decode(&consumer)
			state.consumers = append(state.consumers, consumer.Username)
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return newGatewayClient(srv.URL, "target")
}

func TestSyncGatewayCopiesGroupsBeforeConsumers(t *testing.T) {
	state := &targetState{}
	s := &Syncer{
		SourceGateway: sourceGateway(t),
		TargetGateway: targetGateway(t, state),
	}

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(state.groups) != 1 || state.groups[0] != "EUMETNET_USER" {
		t.Errorf("groups = %v", state.groups)
	}
	if len(state.consumers) != 2 {
		t.Errorf("consumers = %v", state.consumers)
	}
}

func TestSyncVaultCopiesRecordsVerbatim(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "LIST" {
			json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"keys": []string{"abc"}}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]string{
			"auth_key": "key-abc",
			"date":     "2024/01/01 00:00:00",
		}})
	}))
	t.Cleanup(source.Close)

	written := map[string]map[string]string{}
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rec map[string]string
		json.NewDecoder(r.Body).Decode(&rec)
		written[strings.TrimPrefix(r.URL.Path, "/v1/kv/")] = rec
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(target.Close)

	s := &Syncer{
		SourceVault: vault.New(config.VaultInstanceConfig{Name: "src", URL: source.URL, Token: "t"}, "kv", "p"),
		TargetVault: vault.New(config.VaultInstanceConfig{Name: "dst", URL: target.URL, Token: "t"}, "kv", "p"),
	}

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec, ok := written["abc"]
	if !ok {
		t.Fatalf("record not written, got %v", written)
	}
	// The key and issue date are copied, not re-derived.
	if rec["auth_key"] != "key-abc" || rec["date"] != "2024/01/01 00:00:00" {
		t.Errorf("record = %v", rec)
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	state := &targetState{}
	s := &Syncer{
		SourceGateway: sourceGateway(t),
		TargetGateway: targetGateway(t, state),
		DryRun:        true,
	}

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(state.groups) != 0 || len(state.consumers) != 0 {
		t.Errorf("dry run wrote groups=%v consumers=%v", state.groups, state.consumers)
	}
}
