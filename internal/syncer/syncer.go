// Package syncer copies key material between backend instances. It exists
// for fleet maintenance: after standing up a fresh gateway or vault instance
// the operator runs the sync tool once to bring it level with an existing one.
package syncer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/eumetnet/apikey-manager/internal/apisix"
	"github.com/eumetnet/apikey-manager/internal/vault"
)

// Syncer copies state from one source instance pair to a target pair.
type Syncer struct {
	SourceGateway *apisix.Client
	TargetGateway *apisix.Client
	SourceVault   *vault.Client
	TargetVault   *vault.Client

	// DryRun logs what would be written without writing anything.
	DryRun bool
}

// Run performs a full one-shot sync. Consumer groups are copied before
// consumers so that group references on the target always resolve, and vault
// records are copied last so a consumer never points at a missing key.
func (s *Syncer) Run(ctx context.Context) error {
	if s.SourceVault != nil && s.TargetVault != nil {
		if err := s.syncVault(ctx); err != nil {
			return err
		}
	}
	if s.SourceGateway != nil && s.TargetGateway != nil {
		if err := s.syncGateway(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) syncGateway(ctx context.Context) error {
	groups, err := s.SourceGateway.ListConsumerGroups(ctx)
	if err != nil {
		return fmt.Errorf("list consumer groups on %s: %w", s.SourceGateway.Name(), err)
	}
	for i := range groups {
		group := groups[i]
		log.Info().Str("group", group.ID).Str("target", s.TargetGateway.Name()).
			Bool("dry_run", s.DryRun).Msg("syncing consumer group")
		if s.DryRun {
			continue
		}
		if _, err := s.TargetGateway.UpsertConsumerGroup(ctx, &group); err != nil {
			return fmt.Errorf("upsert consumer group %s on %s: %w", group.ID, s.TargetGateway.Name(), err)
		}
	}

	consumers, err := s.SourceGateway.ListConsumers(ctx)
	if err != nil {
		return fmt.Errorf("list consumers on %s: %w", s.SourceGateway.Name(), err)
	}
	for i := range consumers {
		consumer := consumers[i]
		log.Info().Str("consumer", consumer.Username).Str("target", s.TargetGateway.Name()).
			Bool("dry_run", s.DryRun).Msg("syncing consumer")
		if s.DryRun {
			continue
		}
		if _, err := s.TargetGateway.UpsertConsumer(ctx, &consumer); err != nil {
			return fmt.Errorf("upsert consumer %s on %s: %w", consumer.Username, s.TargetGateway.Name(), err)
		}
	}

	log.Info().Int("groups", len(groups)).Int("consumers", len(consumers)).
		Str("source", s.SourceGateway.Name()).Str("target", s.TargetGateway.Name()).
		Msg("gateway sync done")
	return nil
}

func (s *Syncer) syncVault(ctx context.Context) error {
	ids, err := s.SourceVault.ListUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("list key records on %s: %w", s.SourceVault.Name(), err)
	}

	synced := 0
	for _, id := range ids {
		record, err := s.SourceVault.GetUser(ctx, id)
		if err != nil {
			return fmt.Errorf("read key record %s on %s: %w", id, s.SourceVault.Name(), err)
		}
		if record == nil {
			// Listed but gone by the time we read it; nothing to copy.
			log.Warn().Str("user", id).Msg("key record vanished during sync")
			continue
		}

		log.Info().Str("user", id).Str("target", s.TargetVault.Name()).
			Bool("dry_run", s.DryRun).Msg("syncing key record")
		if s.DryRun {
			continue
		}
		if _, err := s.TargetVault.PutRecord(ctx, record); err != nil {
			return fmt.Errorf("write key record %s on %s: %w", id, s.TargetVault.Name(), err)
		}
		synced++
	}

	log.Info().Int("records", synced).
		Str("source", s.SourceVault.Name()).Str("target", s.TargetVault.Name()).
		Msg("vault sync done")
	return nil
}
