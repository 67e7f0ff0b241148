package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/eumetnet/apikey-manager/internal/apisix"
	"github.com/eumetnet/apikey-manager/internal/config"
	"github.com/eumetnet/apikey-manager/internal/vault"
)

const (
	testUUID    = "11111111-2222-3333-4444-555555555555"
	testCompact = "11111111222233334444555555555555"
)

// fakeVault is an in-memory stand-in for one secret-store instance.
type fakeVault struct {
	mu      sync.Mutex
	records map[string]map[string]string
	puts    int
	deletes int

	failPut    bool
	failDelete bool
}

func newFakeVault(t *testing.T, name string) (*vault.Client, *fakeVault) {
	t.Helper()
	f := &fakeVault{records: map[string]map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/kv/"), "/")
		id := parts[0]

		switch r.Method {
		case http.MethodPost:
			if f.failPut {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			var rec map[string]string
			json.NewDecoder(r.Body).Decode(&rec)
			f.records[id] = rec
			f.puts++
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			rec, ok := f.records[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"data": rec})
		case http.MethodDelete:
			if f.failDelete {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			if _, ok := f.records[id]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(f.records, id)
			f.deletes++
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)

	c := vault.New(config.VaultInstanceConfig{Name: name, URL: srv.URL, Token: "root"}, "kv", "s3cret")
	return c, f
}

// fakeGateway is an in-memory stand-in for one gateway admin API.
type fakeGateway struct {
	mu        sync.Mutex
	consumers map[string]apisix.Consumer
	upserts   int

	failUpsert bool
	failDelete bool
}

func newFakeGateway(t *testing.T, name string) (*apisix.Client, *fakeGateway) {
	t.Helper()
	f := &fakeGateway{consumers: map[string]apisix.Consumer{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/apisix/admin/consumers":
			if f.failUpsert {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			var consumer apisix.Consumer
			json.NewDecoder(r.Body).Decode(&consumer)
			f.consumers[consumer.Username] = consumer
			f.upserts++
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/apisix/admin/consumers/"):
			username := strings.TrimPrefix(r.URL.Path, "/apisix/admin/consumers/")
			consumer, ok := f.consumers[username]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"value": consumer})
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/apisix/admin/consumers/"):
			if f.failDelete {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			username := strings.TrimPrefix(r.URL.Path, "/apisix/admin/consumers/")
			if _, ok := f.consumers[username]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(f.consumers, username)
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/apisix/admin/routes":
			json.NewEncoder(w).Encode(map[string]any{"list": []any{}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	c := apisix.New(config.APISixInstanceConfig{
		Name:        name,
		AdminURL:    srv.URL,
		GatewayURL:  "https://" + name + ".example.com",
		AdminAPIKey: "k",
	}, "$secret://vault/dev/", "auth_key")
	return c, f
}

func TestCompactID(t *testing.T) {
	got, err := CompactID(testUUID)
	if err != nil {
		t.Fatalf("CompactID: %v", err)
	}
	if got != testCompact {
		t.Errorf("CompactID = %q, want %q", got, testCompact)
	}

	if _, err := CompactID("not-a-uuid"); err == nil {
		t.Error("expected an error for a malformed subject")
	}
}

func TestEnsureUserCreatesEverywhereAndIsIdempotent(t *testing.T) {
	v1, f1 := newFakeVault(t, "v1")
	v2, f2 := newFakeVault(t, "v2")
	g1, fg1 := newFakeGateway(t, "g1")
	g2, fg2 := newFakeGateway(t, "g2")
	o := New([]*vault.Client{v1, v2}, []*apisix.Client{g1, g2})

	rec, err := o.EnsureUser(context.Background(), testCompact, []string{"USER"})
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if rec.AuthKey == "" {
		t.Fatal("empty auth key")
	}

	for _, f := range []*fakeVault{f1, f2} {
		stored, ok := f.records[testCompact]
		if !ok {
			t.Fatal("record missing on a vault instance")
		}
		if stored["auth_key"] != rec.AuthKey {
			t.Errorf("instance key = %q, want %q", stored["auth_key"], rec.AuthKey)
		}
	}
	for _, f := range []*fakeGateway{fg1, fg2} {
		consumer, ok := f.consumers[testCompact]
		if !ok {
			t.Fatal("consumer missing on a gateway instance")
		}
		wantKey := "$secret://vault/dev/" + testCompact + "/auth_key"
		if consumer.Plugins.KeyAuth == nil || consumer.Plugins.KeyAuth.Key != wantKey {
			t.Errorf("key-auth = %+v, want %q", consumer.Plugins.KeyAuth, wantKey)
		}
		if consumer.GroupID != "" {
			t.Errorf("group_id = %q, want empty", consumer.GroupID)
		}
	}

	// The second call finds everything in place and writes nothing.
	again, err := o.EnsureUser(context.Background(), testCompact, []string{"USER"})
	if err != nil {
		t.Fatalf("second EnsureUser: %v", err)
	}
	if again.AuthKey != rec.AuthKey {
		t.Errorf("key changed on re-request: %q vs %q", again.AuthKey, rec.AuthKey)
	}
	if f1.puts != 1 || f2.puts != 1 || fg1.upserts != 1 || fg2.upserts != 1 {
		t.Errorf("unexpected extra writes: vault %d/%d gateway %d/%d",
			f1.puts, f2.puts, fg1.upserts, fg2.upserts)
	}
}

func TestEnsureUserReplicatesExistingRecord(t *testing.T) {
	v1, f1 := newFakeVault(t, "v1")
	v2, f2 := newFakeVault(t, "v2")
	g1, _ := newFakeGateway(t, "g1")
	o := New([]*vault.Client{v1, v2}, []*apisix.Client{g1})

	f1.records[testCompact] = map[string]string{
		"auth_key": "pre-existing-key",
		"date":     "2023/06/01 00:00:00",
	}

	rec, err := o.EnsureUser(context.Background(), testCompact, nil)
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if rec.AuthKey != "pre-existing-key" {
		t.Errorf("canonical key = %q, want the existing one", rec.AuthKey)
	}
	if stored := f2.records[testCompact]; stored["auth_key"] != "pre-existing-key" {
		t.Errorf("replica key = %q, want pre-existing-key", stored["auth_key"])
	}
	if stored := f2.records[testCompact]; stored["date"] != "2023/06/01 00:00:00" {
		t.Errorf("replica date = %q, want the original", stored["date"])
	}
}

func TestEnsureUserRollsBackOnPartialFailure(t *testing.T) {
	v1, f1 := newFakeVault(t, "v1")
	v2, f2 := newFakeVault(t, "v2")
	g1, fg1 := newFakeGateway(t, "g1")
	o := New([]*vault.Client{v1, v2}, []*apisix.Client{g1})

	f2.failPut = true

	_, err := o.EnsureUser(context.Background(), testCompact, nil)
	if err == nil {
		t.Fatal("expected an error when one instance fails")
	}
	var verr *vault.Error
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want *vault.Error", err)
	}

	if len(f1.records) != 0 {
		t.Errorf("vault v1 still holds %d records after rollback", len(f1.records))
	}
	if len(fg1.consumers) != 0 {
		t.Errorf("gateway g1 still holds %d consumers after rollback", len(fg1.consumers))
	}
}

func TestDeleteUserRestoresOnPartialFailure(t *testing.T) {
	v1, f1 := newFakeVault(t, "v1")
	g1, fg1 := newFakeGateway(t, "g1")
	g2, fg2 := newFakeGateway(t, "g2")
	o := New([]*vault.Client{v1}, []*apisix.Client{g1, g2})

	if _, err := o.EnsureUser(context.Background(), testCompact, nil); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}

	fg2.failDelete = true

	err := o.DeleteUser(context.Background(), testCompact)
	if err == nil {
		t.Fatal("expected an error when one instance fails")
	}

	// Everything removed on the healthy instances was put back.
	if _, ok := f1.records[testCompact]; !ok {
		t.Error("vault record not restored after failed delete")
	}
	if _, ok := fg1.consumers[testCompact]; !ok {
		t.Error("gateway consumer not restored after failed delete")
	}
	if _, ok := fg2.consumers[testCompact]; !ok {
		t.Error("consumer on the failing gateway should be untouched")
	}
}

func TestDeleteUserAbsentEverywhereIsANoOp(t *testing.T) {
	v1, f1 := newFakeVault(t, "v1")
	g1, _ := newFakeGateway(t, "g1")
	o := New([]*vault.Client{v1}, []*apisix.Client{g1})

	if err := o.DeleteUser(context.Background(), testCompact); err != nil {
		t.Fatalf("DeleteUser on absent user: %v", err)
	}
	if f1.deletes != 0 {
		t.Errorf("vault saw %d deletes, want 0", f1.deletes)
	}
}

func TestEnsureUserUpdatesStaleGroupReference(t *testing.T) {
	v1, _ := newFakeVault(t, "v1")
	g1, fg1 := newFakeGateway(t, "g1")
	o := New([]*vault.Client{v1}, []*apisix.Client{g1})

	if _, err := o.EnsureUser(context.Background(), testCompact, nil); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}

	// Caller gained EUMETNET_USER since the consumer was written.
	if _, err := o.EnsureUser(context.Background(), testCompact, []string{"EUMETNET_USER"}); err != nil {
		t.Fatalf("EnsureUser with group: %v", err)
	}
	if got := fg1.consumers[testCompact].GroupID; got != "EUMETNET_USER" {
		t.Errorf("group_id = %q, want EUMETNET_USER", got)
	}

	// And lost it again.
	if _, err := o.EnsureUser(context.Background(), testCompact, []string{"USER"}); err != nil {
		t.Fatalf("EnsureUser without group: %v", err)
	}
	if got := fg1.consumers[testCompact].GroupID; got != "" {
		t.Errorf("group_id = %q, want empty", got)
	}
}
