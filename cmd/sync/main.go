// One-shot sync tool for bringing a fresh backend instance level with an
// existing one. Copies APISIX consumer groups and consumers and Vault key
// records from a source instance to a target instance.
//
// Usage:
//
//	sync -source eumetsat -target ecmwf [-skip-apisix] [-skip-vault] [-dry-run]
//
// Instance names refer to the instances block of the same YAML config the
// server reads.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/eumetnet/apikey-manager/internal/apisix"
	"github.com/eumetnet/apikey-manager/internal/config"
	"github.com/eumetnet/apikey-manager/internal/syncer"
	"github.com/eumetnet/apikey-manager/internal/vault"
)

func main() {
	source := flag.String("source", "", "name of the instance to copy from")
	target := flag.String("target", "", "name of the instance to copy to")
	skipAPISix := flag.Bool("skip-apisix", false, "skip consumer and consumer group sync")
	skipVault := flag.Bool("skip-vault", false, "skip key record sync")
	dryRun := flag.Bool("dry-run", false, "log what would be copied without writing")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if *source == "" || *target == "" || *source == *target {
		log.Fatal().Str("source", *source).Str("target", *target).
			Msg("need distinct -source and -target instance names")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	s := &syncer.Syncer{DryRun: *dryRun}

	if !*skipAPISix {
		src := cfg.APISix.Instance(*source)
		dst := cfg.APISix.Instance(*target)
		if src == nil || dst == nil {
			log.Fatal().Str("source", *source).Str("target", *target).
				Msg("unknown APISIX instance name")
		}
		s.SourceGateway = apisix.New(*src, cfg.APISix.KeyPath, cfg.APISix.KeyName)
		s.TargetGateway = apisix.New(*dst, cfg.APISix.KeyPath, cfg.APISix.KeyName)
	}

	if !*skipVault {
		src := cfg.Vault.Instance(*source)
		dst := cfg.Vault.Instance(*target)
		if src == nil || dst == nil {
			log.Fatal().Str("source", *source).Str("target", *target).
				Msg("unknown Vault instance name")
		}
		s.SourceVault = vault.New(*src, cfg.Vault.BasePath, cfg.Vault.SecretPhrase)
		s.TargetVault = vault.New(*dst, cfg.Vault.BasePath, cfg.Vault.SecretPhrase)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := s.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Sync failed")
	}
	log.Info().Msg("Sync complete")
}
