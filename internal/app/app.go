// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package app is the dependency container: every component is constructed
// exactly once at startup and threaded through constructors — no hidden
// package-level state anywhere in the pipeline.
package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"buildforge/internal/api"
	"buildforge/internal/artifact"
	"buildforge/internal/bus"
	"buildforge/internal/cache"
	"buildforge/internal/collab"
	"buildforge/internal/collab/decryptor"
	"buildforge/internal/collab/deploy/digitalocean"
	"buildforge/internal/collab/repohost"
	"buildforge/internal/cost"
	"buildforge/internal/domain"
	"buildforge/internal/pipeline"
	"buildforge/internal/pipeline/handlers"
	"buildforge/internal/providers"
	"buildforge/internal/providers/anthropic"
	"buildforge/internal/providers/bedrock"
	"buildforge/internal/providers/mock"
	"buildforge/internal/ratelimit"
	"buildforge/internal/router"
	"buildforge/internal/stagerouter"
	"buildforge/internal/store/memstore"
	"buildforge/internal/store/pgbuildstore"
	"buildforge/pkg/config"
	"buildforge/pkg/executil"
	"buildforge/pkg/logging"
)

// App holds every constructed component.
type App struct {
	Config       *config.Config
	Log          logging.Logger
	Registry     *providers.Registry
	Limiter      *ratelimit.Limiter
	Cache        *cache.Cache
	Tracker      *cost.Tracker
	Controller   *cost.Controller
	Health       *providers.HealthTracker
	ModelRouter  *router.Router
	StageRouter  *stagerouter.Router
	Bus          *bus.Bus
	Artifacts    *artifact.Store
	Store        collab.BuildStore
	Orchestrator *pipeline.Orchestrator
	Server       *api.Server

	promReg *prometheus.Registry
	redis   *redis.Client
	stops   []func()
}

// New wires the full container from cfg.
func New(ctx context.Context, cfg *config.Config, log logging.Logger) (*App, error) {
	if log == nil {
		log = logging.NewNopLogger()
	}
	a := &App{Config: cfg, Log: log, promReg: prometheus.NewRegistry()}

	a.Limiter = ratelimit.New(log)
	a.Registry = providers.NewRegistry()
	if err := a.registerProviders(ctx, cfg); err != nil {
		return nil, err
	}

	if cfg.Cache.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Cache.Addr})
		a.Cache = cache.New(a.redis, cache.Config{
			MaxEntries:    cfg.Cache.MaxEntries,
			SweepSchedule: cfg.Cache.SweepSchedule,
		}, log)
		stop, err := a.Cache.StartSweep()
		if err != nil {
			return nil, err
		}
		a.stops = append(a.stops, stop)
	}

	tracker, err := cost.NewTracker(cost.Config{
		SQLitePath:    cfg.Cost.SQLitePath,
		RetentionDays: cfg.Cost.RetentionDays,
	}, cost.NewMetrics(a.promReg), log)
	if err != nil {
		return nil, err
	}
	a.Tracker = tracker
	stopSweep, err := tracker.StartRetentionSweep()
	if err != nil {
		return nil, err
	}
	a.stops = append(a.stops, stopSweep)

	a.Controller = cost.NewController(tracker, cost.Limits{
		DailyLimit:         cfg.Cost.DailyLimit,
		MonthlyLimit:       cfg.Cost.MonthlyLimit,
		PerBuildLimit:      cfg.Cost.PerBuildLimit,
		PerUserDaily:       cfg.Cost.PerUserDaily,
		PerTenantDaily:     cfg.Cost.PerTenantDaily,
		EmergencyStopDaily: cfg.Cost.EmergencyStopDaily,
	}, nil, log)

	a.Health = providers.NewHealthTracker()
	a.ModelRouter = router.New(a.Registry, a.Limiter, a.Cache, cfg.Cache.TTL, a.Controller, tracker, a.Health, router.NewMetrics(a.promReg), log)

	roleMap := a.roleMap(cfg)
	a.ModelRouter.SetRoleMap(roleMap)
	a.StageRouter = stagerouter.New(a.ModelRouter, stagerouter.DefaultTable(), stagerouter.DefaultTemplates(), log)

	a.Bus = bus.New(bus.Config{
		HistoryLength:        cfg.Bus.HistoryLength,
		SlowSubscriberDropAt: cfg.Bus.SlowSubscriberDropAt,
	}, log)
	a.Artifacts = artifact.New(cfg.Artifacts.Root, log)

	if cfg.Store.DatabaseURL != "" {
		pg, err := pgbuildstore.New(ctx, cfg.Store.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		a.Store = pg
		a.stops = append(a.stops, pg.Close)
	} else {
		log.Warn("no database configured; build records are in-memory only")
		a.Store = memstore.New()
	}

	sec, err := a.decryptor()
	if err != nil {
		return nil, err
	}
	hoster := repohost.New(executil.NewRunner(), sec, os.Getenv("BUILDFORGE_REPO_OWNER"), log)

	deployCred, err := decodeCredential("BUILDFORGE_DEPLOY_CREDENTIAL")
	if err != nil {
		return nil, err
	}
	doToken := ""
	if len(deployCred) > 0 {
		plain, err := sec.Decrypt(deployCred)
		if err != nil {
			return nil, fmt.Errorf("app: decrypting deploy credential: %w", err)
		}
		doToken = string(plain)
	}
	deployer := digitalocean.New(digitalocean.NewHTTPClient(doToken, ""), sec, "", log)

	repoCred, err := decodeCredential("BUILDFORGE_REPO_CREDENTIAL")
	if err != nil {
		return nil, err
	}

	handlerSet := handlers.Default(a.StageRouter, a.Artifacts, hoster, deployer,
		handlers.PublishConfig{CredentialCiphertext: repoCred},
		handlers.DeployConfig{CredentialCiphertext: deployCred})

	stages := pipeline.DefaultStages(cfg.Stages.DefaultTimeout, cfg.Stages.DefaultRetries)
	a.disableStagesWithoutProviders(stages, roleMap)

	a.Orchestrator = pipeline.New(pipeline.Config{
		WorkerCount: cfg.Server.WorkerCount,
		Backoff:     backoffFromSchedule(cfg.Stages.BackoffScheduleMs),
	}, stages, handlerSet, a.Store, a.Artifacts, a.Bus, a.Controller, tracker, log)

	a.Server = api.New(a.Orchestrator, a.Store, a.Bus, a.authorizer(), a.promReg, log)
	return a, nil
}

// backoffFromSchedule turns the configured millisecond schedule into a
// backoff function, deferring to the built-in schedule (with its
// geometric tail) when the config omits one.
func backoffFromSchedule(ms []int) func(int) time.Duration {
	if len(ms) == 0 {
		return domain.BackoffSchedule
	}
	return func(attempt int) time.Duration {
		if attempt < len(ms) {
			return time.Duration(ms[attempt]) * time.Millisecond
		}
		d := time.Duration(ms[len(ms)-1]) * time.Millisecond
		for i := len(ms); i <= attempt; i++ {
			d *= 3
			if d > 30*time.Second {
				return 30 * time.Second
			}
		}
		return d
	}
}

// registerProviders registers the mock adapter unconditionally (it backs
// development and any role the operator points at it) and the real
// adapters only when their configuration is present.
func (a *App) registerProviders(ctx context.Context, cfg *config.Config) error {
	a.Registry.Register(mock.New("mock"))

	for name, pc := range cfg.Providers {
		a.Limiter.Configure(name, ratelimit.ProviderConfig{
			MaxConcurrent:    pc.MaxConcurrent,
			MinInterval:      time.Duration(pc.MinIntervalMs) * time.Millisecond,
			FailureThreshold: pc.FailureThreshold,
			CooldownPeriod:   pc.CooldownPeriod,
		})

		switch name {
		case "anthropic":
			key := os.Getenv(pc.APIKeyEnv)
			if key == "" {
				a.Log.Warn("anthropic configured but its API key env is empty; adapter not registered",
					logging.NewField("env", pc.APIKeyEnv))
				continue
			}
			a.Registry.Register(anthropic.New(key, ""))
		case "bedrock":
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(pc.Region))
			if err != nil {
				return fmt.Errorf("app: loading AWS config for bedrock: %w", err)
			}
			a.Registry.Register(bedrock.New(awsCfg))
		case "mock":
			// already registered
		default:
			a.Log.Warn("unknown provider in config; only rate limits applied", logging.NewField("provider", name))
		}
	}
	return nil
}

// roleMap builds the role bindings from config, defaulting every role the
// stage table references to the mock provider when none are configured.
func (a *App) roleMap(cfg *config.Config) map[string]providers.RoleBinding {
	out := make(map[string]providers.RoleBinding)
	for role, rc := range cfg.Roles {
		binding := providers.RoleBinding{Provider: rc.Provider, Model: rc.Model}
		for _, fb := range rc.Fallback {
			binding.Fallback = append(binding.Fallback, providers.RoleBinding{Provider: fb.Provider, Model: fb.Model})
		}
		out[role] = binding
	}

	defaults := []string{
		stagerouter.RoleClarifier, stagerouter.RoleNormalizer, stagerouter.RoleRefiner,
		stagerouter.RoleDocumenter, stagerouter.RoleSchemaDesigner, stagerouter.RoleSchemaRefiner,
		stagerouter.RoleValidator, stagerouter.RolePlanner,
		stagerouter.RolePromptBuilder, stagerouter.RoleCodeGenerator,
	}
	for _, role := range defaults {
		if _, ok := out[role]; !ok {
			out[role] = providers.RoleBinding{Provider: "mock", Model: "mock-small"}
		}
	}
	return out
}

// disableStagesWithoutProviders validates the role map against the
// registry and disables (rather than failing boot) every AI stage whose
// role cannot resolve (spec.md §4.D).
func (a *App) disableStagesWithoutProviders(stages []domain.StageDescriptor, roleMap map[string]providers.RoleBinding) {
	failures := a.Registry.ValidateRoleMap(roleMap)
	if len(failures) == 0 {
		return
	}
	promptBuilder, codeGenerator := stagerouter.CodeGenBindings()
	for i, st := range stages {
		if !st.RequiresAI {
			continue
		}
		roles := []string{a.StageRouter.RoleForStage(st.Number)}
		if st.HandlerID == pipeline.HandlerCodeGen {
			roles = []string{promptBuilder.Role, codeGenerator.Role}
		}
		for _, role := range roles {
			if cause, bad := failures[role]; bad {
				stages[i].Disabled = true
				stages[i].DisabledReason = cause.Error()
				a.Log.Warn("stage disabled: role has no registered provider",
					logging.NewField("stage", domain.StageKey(st.Number)),
					logging.NewField("role", role),
					logging.NewField("cause", cause.Error()))
			}
		}
	}
}

// decryptor builds the credential decryptor from the operator-held key.
// Without a key a build still runs every stage up to publication; the
// publication stages then fail with a clear error instead of silently
// shipping without credentials.
func (a *App) decryptor() (collab.Decryptor, error) {
	key := os.Getenv("BUILDFORGE_CREDENTIALS_KEY")
	if key == "" {
		a.Log.Warn("BUILDFORGE_CREDENTIALS_KEY not set; publication stages will fail until configured")
		generated, err := decryptor.GenerateKey()
		if err != nil {
			return nil, err
		}
		key = generated
	}
	return decryptor.New(key)
}

func decodeCredential(env string) ([]byte, error) {
	raw := os.Getenv(env)
	if raw == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("app: %s is not valid base64: %w", env, err)
	}
	return data, nil
}

// authorizer parses BUILDFORGE_API_TOKENS, a semicolon-separated list of
// token:tenant|tenant entries, into a static bearer-token authorizer.
// Production deployments swap in a real identity collaborator here.
func (a *App) authorizer() collab.Authorizer {
	tokens := make(map[string]collab.Principal)
	for _, entry := range strings.Split(os.Getenv("BUILDFORGE_API_TOKENS"), ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		tokens[parts[0]] = collab.Principal{
			Subject:   parts[0],
			TenantIDs: strings.Split(parts[1], "|"),
		}
	}
	if len(tokens) == 0 {
		a.Log.Warn("BUILDFORGE_API_TOKENS not set; all API requests will be rejected")
	}
	return collab.AuthorizerFunc(func(ctx context.Context, bearer string) (collab.Principal, error) {
		p, ok := tokens[bearer]
		if !ok {
			return collab.Principal{}, errors.New("unknown bearer token")
		}
		return p, nil
	})
}

// Run starts the orchestrator workers and the HTTP listener, blocking
// until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	a.Orchestrator.Run(ctx)

	server := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           a.Server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Log.Info("control API listening", logging.NewField("addr", a.Config.Server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		a.Orchestrator.Shutdown()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// RunWorker starts only the orchestrator workers (no HTTP listener),
// blocking until ctx is cancelled.
func (a *App) RunWorker(ctx context.Context) error {
	a.Orchestrator.Run(ctx)
	<-ctx.Done()
	a.Orchestrator.Shutdown()
	return nil
}

// Close releases background tasks and connections.
func (a *App) Close() {
	for _, stop := range a.stops {
		stop()
	}
	if a.Tracker != nil {
		_ = a.Tracker.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
