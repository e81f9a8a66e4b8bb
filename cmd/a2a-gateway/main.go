package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/agentland/a2a-gateway/internal/api"
	"github.com/agentland/a2a-gateway/internal/audit"
	"github.com/agentland/a2a-gateway/internal/auth"
	"github.com/agentland/a2a-gateway/internal/circuitbreaker"
	"github.com/agentland/a2a-gateway/internal/config"
	"github.com/agentland/a2a-gateway/internal/core"
	"github.com/agentland/a2a-gateway/internal/dnsverify"
	"github.com/agentland/a2a-gateway/internal/events"
	"github.com/agentland/a2a-gateway/internal/infra"
	"github.com/agentland/a2a-gateway/internal/metrics"
	"github.com/agentland/a2a-gateway/internal/middleware"
	"github.com/agentland/a2a-gateway/internal/mission"
	"github.com/agentland/a2a-gateway/internal/priority"
	"github.com/agentland/a2a-gateway/internal/router"
	"github.com/agentland/a2a-gateway/internal/security"
	"github.com/agentland/a2a-gateway/internal/validation"
)

// EchoAgentID is a built-in agent that answers every task with its params.
const EchoAgentID = "echo"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not read .env", "error", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Redis backs the key store when selected and the audit feed when reachable.
	var rdb *infra.GoRedisAdapter
	if cfg.Auth.KeyStore == "redis" || cfg.Audit.RedisChannel != "" {
		rdb, err = infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			if cfg.Auth.KeyStore == "redis" {
				log.Fatalf("Redis key store unavailable: %v", err)
			}
			slog.Warn("Redis unavailable, audit feed disabled", "error", err)
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	var store auth.KeyStore
	switch cfg.Auth.KeyStore {
	case "redis":
		store = auth.NewRedisKeyStore(rdb, "a2a")
	case "postgres":
		pg, err := auth.NewPostgresKeyStore(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatalf("Postgres key store unavailable: %v", err)
		}
		defer pg.Close()
		store = pg
	default:
		store = auth.NewFileKeyStore(cfg.Auth.APIKeysPath)
	}

	verifier := dnsverify.NewVerifier(dnsverify.Config{
		Timeout:      cfg.DNS.Timeout,
		CacheTTL:     cfg.DNS.CacheTTL,
		DisableCache: cfg.DNS.DisableCache,
		Metrics:      m,
	})

	authCfg := auth.Config{
		Store: store,
		JWT: &auth.JWTConfig{
			Secret:    []byte(cfg.Auth.JWTSecret),
			Issuer:    cfg.Auth.JWTIssuer,
			Audience:  cfg.Auth.JWTAudience,
			ExpiresIn: cfg.Auth.JWTExpiresIn,
		},
		Metrics: m,
	}
	if cfg.DNS.Enabled {
		authCfg.DNS = &auth.DNSConfig{
			Domain:            cfg.DNS.Domain,
			AuthToken:         cfg.DNS.AuthToken,
			VerificationToken: cfg.DNS.VerificationToken,
		}
		authCfg.DNSVerifier = verifier
	}
	provider, err := auth.NewProvider(authCfg)
	if err != nil {
		log.Fatalf("Failed to build auth provider: %v", err)
	}
	if err := provider.Initialize(ctx); err != nil {
		log.Fatalf("Failed to load API keys: %v", err)
	}
	defer provider.Close()

	sinks, closeSinks := auditSinks(ctx, cfg, rdb)
	auditLog := audit.NewLog(audit.Config{
		FlushInterval: cfg.Audit.FlushInterval,
		FlushSize:     cfg.Audit.FlushSize,
		Metrics:       m,
	}, sinks...)
	auditLog.Start()

	bus := events.NewBus(100)

	mw, err := security.NewMiddleware(cfg.Security, security.Deps{
		Auth:      provider,
		Validator: validation.NewValidator(cfg.Security.MaxMessageSize),
		Audit:     auditLog,
		Events:    bus,
		Metrics:   m,
	})
	if err != nil {
		log.Fatalf("Failed to build security middleware: %v", err)
	}

	queues := priority.NewManager(priority.Config{
		MaxQueueSize:         cfg.Priority.MaxQueueSize,
		FairnessInterval:     cfg.Priority.FairnessInterval,
		QuotaRefreshInterval: cfg.Priority.QuotaRefreshInterval,
		DefaultHighQuota:     cfg.Priority.DefaultHighQuota,
		DefaultCriticalQuota: cfg.Priority.DefaultCriticalQuota,
		QuotaIdleEviction:    cfg.Priority.QuotaIdleEviction,
		Metrics:              m,
	})

	baseRules := mw.AuthorizationRules()
	policies, err := config.NewPolicyManager(cfg.Server.PolicyPath)
	if err != nil {
		log.Fatalf("Failed to load policy: %v", err)
	}
	applyPolicy(policies.Get(), mw, queues, baseRules)

	queues.Start()
	defer queues.Stop()

	rt := router.NewManager(mw, queues, router.Config{
		DrainInterval:    cfg.Router.DrainInterval,
		MaxConversations: cfg.Router.MaxConversations,
		ConversationTTL:  cfg.Router.ConversationTTL,
		HandlerTimeout:   cfg.Router.HandlerTimeout,
		Breakers:         circuitbreaker.NewRegistry(circuitbreaker.Config{}),
		Events:           bus,
		Metrics:          m,
	})

	missions := mission.NewAuthorizer(provider, auditLog)
	rt.RegisterAgent(mission.ServiceAgentID, missions)
	rt.RegisterAgent(EchoAgentID, router.HandlerFunc(echo))
	rt.Start()
	defer rt.Stop()

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: cfg.RateLimit.MaxCallsPerMinute,
		BurstSize:         cfg.RateLimit.BurstSize,
	})
	limiter.StartCleanup(5 * time.Minute)
	defer limiter.Stop()

	srv := api.NewServer(api.Deps{
		Router:         rt,
		Missions:       missions,
		Auth:           provider,
		Queues:         queues,
		Bus:            bus,
		Limiter:        limiter,
		Challenges:     verifier,
		Gatherer:       reg,
		AdminTokenHash: cfg.Server.AdminTokenHash,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE, WebSocket and await hold responses open
		IdleTimeout:  60 * time.Second,
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			p, err := policies.Reload()
			if err != nil {
				slog.Error("policy reload failed, keeping previous policy", "error", err)
				continue
			}
			applyPolicy(p, mw, queues, baseRules)
		}
	}()

	go func() {
		<-ctx.Done()
		log.Println("Received shutdown signal, shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("🚀 A2A gateway listening on :%s (env=%s, key store=%s)", cfg.Server.Port, cfg.Server.Env, cfg.Auth.KeyStore)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed: %v", err)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := auditLog.Close(flushCtx); err != nil {
		slog.Error("final audit flush failed", "error", err)
	}
	closeSinks()
	log.Println("Server stopped")
}

// auditSinks builds the audit destinations. The returned func releases them
// after the final flush.
func auditSinks(ctx context.Context, cfg *config.Config, rdb *infra.GoRedisAdapter) ([]audit.Sink, func()) {
	closeAll := func() {}
	if !cfg.Security.EnableAuditLog {
		return nil, closeAll
	}
	sinks := []audit.Sink{audit.NewFileSink(cfg.Audit.LogPath)}
	if rdb != nil && cfg.Audit.RedisChannel != "" {
		sinks = append(sinks, audit.NewRedisSink(rdb, "a2a:audit", cfg.Audit.RedisChannel, 0))
	}
	if cfg.PubSub.ProjectID != "" {
		ps, err := audit.NewPubSubSink(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			slog.Warn("Pub/Sub audit sink disabled", "error", err)
		} else {
			sinks = append(sinks, ps)
			closeAll = func() {
				if err := ps.Close(); err != nil {
					slog.Warn("Pub/Sub audit sink close failed", "error", err)
				}
			}
		}
	}
	return sinks, closeAll
}

func applyPolicy(p *config.Policy, mw *security.Middleware, queues *priority.Manager, base []config.AuthorizationRule) {
	rules := make([]config.AuthorizationRule, 0, len(p.Rules)+len(base))
	rules = append(rules, p.Rules...)
	rules = append(rules, base...)
	mw.SetAuthorizationRules(rules)
	for _, q := range p.Quotas {
		queues.SetAgentQuota(q.AgentID, q.High, q.Critical)
	}
	slog.Info("policy applied", "rules", len(p.Rules), "quotas", len(p.Quotas))
}

func echo(_ context.Context, msg *core.Message) (*core.Message, error) {
	return &core.Message{
		To:             msg.From,
		From:           EchoAgentID,
		Task:           msg.Task + ".result",
		Params:         msg.Params,
		ConversationID: msg.ConversationID,
		Timestamp:      time.Now().UnixMilli(),
	}, nil
}
