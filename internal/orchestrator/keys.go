package orchestrator

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/eumetnet/apikey-manager/internal/apisix"
	"github.com/eumetnet/apikey-manager/internal/fanout"
	"github.com/eumetnet/apikey-manager/internal/vault"
)

// EnsureUser makes the user's key material present and correct on every
// instance of both backends, and returns the canonical key record.
//
// If any secret-store instance already holds a record, its key is reused
// everywhere (first non-nil response in declared instance order wins), so
// two successive calls always return the same key. A partial write failure
// rolls back the writes that succeeded and returns the original error.
func (o *Orchestrator) EnsureUser(ctx context.Context, id string, groups []string) (*vault.KeyRecord, error) {
	records, consumers, err := o.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.createCombined(ctx, id, groups, records, consumers)
}

// DeleteUser removes the user's key material from every instance of both
// backends. A partial failure re-creates what was already deleted and
// returns the original error.
func (o *Orchestrator) DeleteUser(ctx context.Context, id string) error {
	records, consumers, err := o.GetUser(ctx, id)
	if err != nil {
		return err
	}
	return o.deleteCombined(ctx, id, records, consumers)
}

func (o *Orchestrator) createCombined(ctx context.Context, id string, groups []string, records []*vault.KeyRecord, consumers []*apisix.Consumer) (*vault.KeyRecord, error) {
	desired := desiredGroupID(groups)

	var canonical *vault.KeyRecord
	for _, r := range records {
		if r != nil {
			canonical = r
			break
		}
	}
	if canonical == nil {
		canonical = o.vaults[0].NewRecord(id)
	}

	puts := make(map[string]*vault.KeyRecord)
	for i, r := range records {
		if r == nil {
			puts[o.vaults[i].Name()] = canonical
		}
	}

	upserts := make(map[string]*apisix.Consumer)
	priors := make(map[string]*apisix.Consumer)
	for i, c := range consumers {
		gw := o.gateways[i]
		if c == nil || c.GroupID != desired {
			upserts[gw.Name()] = gw.NewConsumer(id, desired)
			if c != nil {
				priors[gw.Name()] = c
			}
		}
	}

	if len(puts) == 0 && len(upserts) == 0 {
		return canonical, nil
	}
	log.Debug().Str("user", id).Int("vault_writes", len(puts)).Int("apisix_writes", len(upserts)).
		Msg("creating user records")

	undos := &undoLog{}
	var (
		putOutcomes    []fanout.Outcome[*vault.KeyRecord]
		upsertOutcomes []fanout.Outcome[*apisix.Consumer]
		wg             sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		putOutcomes = fanout.RunOver(ctx, o.vaults, puts, func(ctx context.Context, c *vault.Client, rec *vault.KeyRecord) (*vault.KeyRecord, error) {
			stored, err := c.PutRecord(ctx, rec)
			if err == nil {
				undos.add("delete key record on "+c.Name(), func(ctx context.Context) error {
					return c.DeleteUser(ctx, id)
				})
			}
			return stored, err
		})
	}()
	go func() {
		defer wg.Done()
		upsertOutcomes = fanout.RunOver(ctx, o.gateways, upserts, func(ctx context.Context, c *apisix.Client, consumer *apisix.Consumer) (*apisix.Consumer, error) {
			stored, err := c.UpsertConsumer(ctx, consumer)
			if err == nil {
				if prior := priors[c.Name()]; prior != nil {
					undos.add("restore consumer on "+c.Name(), func(ctx context.Context) error {
						_, err := c.UpsertConsumer(ctx, prior)
						return err
					})
				} else {
					undos.add("delete consumer on "+c.Name(), func(ctx context.Context) error {
						return c.DeleteConsumer(ctx, id)
					})
				}
			}
			return stored, err
		})
	}()
	wg.Wait()

	err := fanout.FirstError(putOutcomes)
	if err == nil {
		err = fanout.FirstError(upsertOutcomes)
	}
	if err != nil {
		undos.rollback(ctx, "create")
		return nil, err
	}
	return canonical, nil
}

func (o *Orchestrator) deleteCombined(ctx context.Context, id string, records []*vault.KeyRecord, consumers []*apisix.Consumer) error {
	deleteRecords := make(map[string]*vault.KeyRecord)
	for i, r := range records {
		if r != nil {
			deleteRecords[o.vaults[i].Name()] = r
		}
	}
	deleteConsumers := make(map[string]*apisix.Consumer)
	for i, c := range consumers {
		if c != nil {
			deleteConsumers[o.gateways[i].Name()] = c
		}
	}

	if len(deleteRecords) == 0 && len(deleteConsumers) == 0 {
		return nil
	}
	log.Debug().Str("user", id).Int("vault_deletes", len(deleteRecords)).Int("apisix_deletes", len(deleteConsumers)).
		Msg("deleting user records")

	undos := &undoLog{}
	var (
		recordOutcomes   []fanout.Outcome[struct{}]
		consumerOutcomes []fanout.Outcome[struct{}]
		wg               sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		recordOutcomes = fanout.RunOver(ctx, o.vaults, deleteRecords, func(ctx context.Context, c *vault.Client, prior *vault.KeyRecord) (struct{}, error) {
			err := c.DeleteUser(ctx, id)
			if err == nil {
				undos.add("restore key record on "+c.Name(), func(ctx context.Context) error {
					_, err := c.PutRecord(ctx, prior)
					return err
				})
			}
			return struct{}{}, err
		})
	}()
	go func() {
		defer wg.Done()
		consumerOutcomes = fanout.RunOver(ctx, o.gateways, deleteConsumers, func(ctx context.Context, c *apisix.Client, prior *apisix.Consumer) (struct{}, error) {
			err := c.DeleteConsumer(ctx, id)
			if err == nil {
				undos.add("restore consumer on "+c.Name(), func(ctx context.Context) error {
					_, err := c.UpsertConsumer(ctx, prior)
					return err
				})
			}
			return struct{}{}, err
		})
	}()
	wg.Wait()

	err := fanout.FirstError(recordOutcomes)
	if err == nil {
		err = fanout.FirstError(consumerOutcomes)
	}
	if err != nil {
		undos.rollback(ctx, "delete")
		return err
	}
	return nil
}

// Restore re-creates previously observed state on every instance that held
// it. Best-effort: used to put key material back when an identity-provider
// change fails after the key state was already removed.
func (o *Orchestrator) Restore(ctx context.Context, records []*vault.KeyRecord, consumers []*apisix.Consumer) {
	undos := &undoLog{}
	for i, r := range records {
		if r == nil {
			continue
		}
		c, rec := o.vaults[i], r
		undos.add("restore key record on "+c.Name(), func(ctx context.Context) error {
			_, err := c.PutRecord(ctx, rec)
			return err
		})
	}
	for i, consumer := range consumers {
		if consumer == nil {
			continue
		}
		c, prior := o.gateways[i], consumer
		undos.add("restore consumer on "+c.Name(), func(ctx context.Context) error {
			_, err := c.UpsertConsumer(ctx, prior)
			return err
		})
	}
	undos.rollback(ctx, "restore")
}
