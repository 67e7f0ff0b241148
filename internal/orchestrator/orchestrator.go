// Package orchestrator keeps the secret-store cluster and the gateway fleet
// in a consistent state for a user across concurrent administrative
// operations.
//
// There is no cross-backend atomicity: writes fan out to every instance, and
// a partial failure triggers a best-effort compensating rollback of the
// writes that did succeed. The user-visible error is always the first
// forward-path failure; rollback failures are logged and swallowed, because
// the next successful call converges the fleet again.
package orchestrator

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/eumetnet/apikey-manager/internal/apisix"
	"github.com/eumetnet/apikey-manager/internal/fanout"
	"github.com/eumetnet/apikey-manager/internal/keycloak"
	"github.com/eumetnet/apikey-manager/internal/metrics"
	"github.com/eumetnet/apikey-manager/internal/vault"
)

// Orchestrator fans user-record operations out across every secret-store and
// gateway instance.
type Orchestrator struct {
	vaults   []*vault.Client
	gateways []*apisix.Client
}

// New creates the orchestrator over the configured backend instances.
// Instance order is the declared config order; outcome lists and canonical
// tie-breaks follow it.
func New(vaults []*vault.Client, gateways []*apisix.Client) *Orchestrator {
	return &Orchestrator{vaults: vaults, gateways: gateways}
}

// Gateways returns the gateway clients in declared order.
func (o *Orchestrator) Gateways() []*apisix.Client { return o.gateways }

// CompactID normalises a subject UUID to hex digits only. The gateway's
// username grammar forbids dashes; the original UUID is kept for
// identity-provider calls.
func CompactID(subject string) (string, error) {
	u, err := uuid.Parse(subject)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(u.String(), "-", ""), nil
}

// GetUser reads the user's state from every instance of both backends in
// parallel. Absences come back as nils in declared instance order; the first
// backend error is returned instead.
func (o *Orchestrator) GetUser(ctx context.Context, id string) ([]*vault.KeyRecord, []*apisix.Consumer, error) {
	var (
		recordOutcomes   []fanout.Outcome[*vault.KeyRecord]
		consumerOutcomes []fanout.Outcome[*apisix.Consumer]
		wg               sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		recordOutcomes = fanout.Run(ctx, o.vaults, func(ctx context.Context, c *vault.Client) (*vault.KeyRecord, error) {
			return c.GetUser(ctx, id)
		})
	}()
	go func() {
		defer wg.Done()
		consumerOutcomes = fanout.Run(ctx, o.gateways, func(ctx context.Context, c *apisix.Client) (*apisix.Consumer, error) {
			return c.GetConsumer(ctx, id)
		})
	}()
	wg.Wait()

	if err := fanout.FirstError(recordOutcomes); err != nil {
		return nil, nil, err
	}
	if err := fanout.FirstError(consumerOutcomes); err != nil {
		return nil, nil, err
	}

	records := make([]*vault.KeyRecord, len(recordOutcomes))
	for i, o := range recordOutcomes {
		records[i] = o.Value
	}
	consumers := make([]*apisix.Consumer, len(consumerOutcomes))
	for i, o := range consumerOutcomes {
		consumers[i] = o.Value
	}
	return records, consumers, nil
}

// desiredGroupID maps the caller's identity-provider groups to the gateway
// consumer-group reference. Only EUMETNET_USER is mirrored to the gateway.
func desiredGroupID(groups []string) string {
	for _, g := range groups {
		if g == keycloak.GroupEumetnet {
			return keycloak.GroupEumetnet
		}
	}
	return ""
}

// undo is one recorded compensating action for a successful forward write.
type undo struct {
	desc string
	run  func(context.Context) error
}

// undoLog collects compensating actions during forward execution. Recording
// them as they happen, instead of reconstructing them from outcome lists,
// means a successful write can never be forgotten by rollback.
type undoLog struct {
	mu    sync.Mutex
	undos []undo
}

func (l *undoLog) add(desc string, run func(context.Context) error) {
	l.mu.Lock()
	l.undos = append(l.undos, undo{desc: desc, run: run})
	l.mu.Unlock()
}

// rollback runs every recorded compensating action concurrently. Failures
// are logged at WARN and swallowed: the caller-visible error stays the
// original forward failure. Cancellation is not propagated into
// compensation; an aborted request still gets its rollback attempt.
func (l *undoLog) rollback(ctx context.Context, operation string) {
	l.mu.Lock()
	undos := l.undos
	l.mu.Unlock()
	if len(undos) == 0 {
		return
	}

	log.Warn().Int("actions", len(undos)).Str("operation", operation).
		Msg("rolling back successful operation(s)")
	metrics.Rollbacks.WithLabelValues(operation).Inc()

	ctx = context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for _, u := range undos {
		wg.Add(1)
		go func(u undo) {
			defer wg.Done()
			if err := u.run(ctx); err != nil {
				log.Warn().Err(err).Str("action", u.desc).Msg("rollback action failed")
			}
		}(u)
	}
	wg.Wait()
}
