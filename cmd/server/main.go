// API key manager — control plane for the API gateway fleet.
//
// The service sits between the developer portal and three kinds of backends:
//   - APISIX gateway instances (consumers, consumer groups, routes)
//   - Vault instances (the API key records themselves)
//   - Keycloak (user identities and group memberships)
//
// It keeps all instances in lockstep: a key issued through this service
// exists on every gateway and in every vault, or on none of them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/eumetnet/apikey-manager/internal/api"
	"github.com/eumetnet/apikey-manager/internal/api/handlers"
	"github.com/eumetnet/apikey-manager/internal/api/middleware"
	"github.com/eumetnet/apikey-manager/internal/apisix"
	"github.com/eumetnet/apikey-manager/internal/auth"
	"github.com/eumetnet/apikey-manager/internal/config"
	"github.com/eumetnet/apikey-manager/internal/keycloak"
	"github.com/eumetnet/apikey-manager/internal/orchestrator"
	"github.com/eumetnet/apikey-manager/internal/telemetry"
	"github.com/eumetnet/apikey-manager/internal/vault"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Server.LogLevel))
	if err != nil {
		log.Fatal().Str("log_level", cfg.Server.LogLevel).Msg("Unknown log level")
	}
	zerolog.SetGlobalLevel(level)

	// The gateways read keys out of vault by field name; both sides must
	// agree on it or issued keys would never authenticate.
	if cfg.APISix.KeyName != vault.APIKeyField {
		log.Fatal().
			Str("key_name", cfg.APISix.KeyName).
			Str("expected", vault.APIKeyField).
			Msg("apisix.key_name must match the vault record field")
	}

	log.Info().Msg("API key manager starting...")

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize telemetry")
	}

	vaults := make([]*vault.Client, 0, len(cfg.Vault.Instances))
	for _, inst := range cfg.Vault.Instances {
		vaults = append(vaults, vault.New(inst, cfg.Vault.BasePath, cfg.Vault.SecretPhrase))
		log.Info().Str("instance", inst.Name).Msg("Vault instance configured")
	}

	gateways := make([]*apisix.Client, 0, len(cfg.APISix.Instances))
	for _, inst := range cfg.APISix.Instances {
		gateways = append(gateways, apisix.New(inst, cfg.APISix.KeyPath, cfg.APISix.KeyName))
		log.Info().Str("instance", inst.Name).Msg("APISIX instance configured")
	}

	kc := keycloak.New(cfg.Keycloak)

	ctx := context.Background()
	validator, err := auth.NewOIDCValidator(ctx, cfg.Keycloak)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to discover OIDC provider")
	}

	orch := orchestrator.New(vaults, gateways)
	admin := orchestrator.NewAdmin(kc, orch)
	h := handlers.New(orch, admin)
	router := api.NewRouter(cfg, h, middleware.NewAuth(validator))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		shutdown(shutdownCtx)
	}()

	log.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Int("vaults", len(vaults)).
		Int("gateways", len(gateways)).
		Msg("API key manager listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
