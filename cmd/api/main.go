// Command api runs the governance core: certification registry, policy
// decision point, approval service, budget accountant, execution engine,
// precedent learner and the HTTP gateway in one process.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/agentgrid/backend/internal/approval"
	"github.com/agentgrid/backend/internal/audit"
	"github.com/agentgrid/backend/internal/budget"
	"github.com/agentgrid/backend/internal/clock"
	"github.com/agentgrid/backend/internal/config"
	"github.com/agentgrid/backend/internal/engine"
	"github.com/agentgrid/backend/internal/events"
	"github.com/agentgrid/backend/internal/hiring"
	"github.com/agentgrid/backend/internal/httpapi"
	"github.com/agentgrid/backend/internal/learner"
	"github.com/agentgrid/backend/internal/metrics"
	"github.com/agentgrid/backend/internal/middleware"
	"github.com/agentgrid/backend/internal/policy"
	"github.com/agentgrid/backend/internal/registry"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	clk := clock.System{}
	m := metrics.New()

	// Audit chain: postgres when a DSN is configured, in-memory otherwise.
	var store audit.ChainStore
	if cfg.Database.PostgresDSN != "" {
		pg, err := audit.NewPostgresStore(cfg.Database.PostgresDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		store = pg
	} else {
		slog.Warn("no postgres DSN configured, audit chains are in-memory")
		store = audit.NewMemoryStore()
	}
	auditLog := audit.NewLog(store, clk, m)

	// Policy decision point and enforcement.
	denials := policy.NewDenialStore()
	enforcer := policy.NewEnforcer(policy.NewEngine(), auditLog, denials, m, clk)

	// Certification registry and the tenant-facing stores.
	genesis := registry.NewGenesis(auditLog, clk)
	instances := hiring.NewStore(genesis, auditLog, clk)
	accountant := budget.NewAccountant(instances, auditLog, clk, m)
	accountant.SetThresholds(cfg.Budget.WarnThreshold, cfg.Budget.NotifyThreshold)

	approvals := approval.NewService(approval.Defaults{
		DecisionDeadline: cfg.Approval.DefaultDeadline,
		VetoWindow:       cfg.Approval.VetoWindow,
	}, enforcer, auditLog, clk, m)
	approvals.SetNotifier(httpapi.Notifier())
	accountant.SetAuthorizer(approvals)

	// Seed distribution: redis when configured, in-memory otherwise.
	var distributor learner.Distributor
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		distributor = learner.NewRedisDistributor(rdb, 0)
	} else {
		distributor = learner.NewMemoryDistributor()
	}

	miner := learner.New(approvals, genesis, auditLog, distributor, clk, m, learner.Config{
		MinSeedApprovals:   cfg.Learner.MinSeedApprovals,
		MinSeedConfidence:  cfg.Learner.MinSeedConfidence,
		LookbackDays:       cfg.Learner.LookbackDays,
		FalsePositiveLimit: cfg.Learner.FalsePositiveLimit,
	})
	miner.SetSuspender(instances)

	// Events: the in-process bus always runs; Pub/Sub mirrors it outward
	// when a project is configured.
	bus := events.NewEventBus()
	var emitter events.EventEmitter = bus
	if cfg.Events.PubSubProject != "" {
		pubsubBus, err := events.NewPubSubEventBus(cfg.Events.PubSubProject, cfg.Events.PubSubTopic)
		if err != nil {
			log.Fatalf("pubsub: %v", err)
		}
		defer pubsubBus.Close()
		bus = pubsubBus.EventBus
		emitter = pubsubBus
	}

	tools := engine.NewAdapterRegistry()
	for _, tool := range []string{"pubmed", "composer", "linkedin"} {
		tools.Register(tool, &engine.StaticAdapter{Tool: tool, Outputs: demoOutputs(tool)})
	}

	exec := engine.New(genesis, instances, accountant, approvals, enforcer, auditLog,
		tools, &engine.KnowledgeRouter{Precedents: miner}, emitter, m, clk, engine.Config{
			GoalWorkers:      cfg.Gateway.GoalWorkers,
			StepWorkers:      cfg.Gateway.StepWorkers,
			ApprovalDeadline: cfg.Approval.DefaultDeadline,
		})
	exec.SetSeedSource(miner)
	miner.SetCompensator(exec)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Server.Env == "dev" {
		if err := registry.SeedDemoCatalog(ctx, genesis); err != nil {
			log.Fatalf("seed catalog: %v", err)
		}
	}

	keys := middleware.NewKeyStore()
	if key := os.Getenv("PLATFORM_API_KEY"); key != "" {
		if err := keys.Register("platform", "", key); err != nil {
			log.Fatalf("api key: %v", err)
		}
	}

	go approvals.Run(ctx)
	go miner.Run(ctx)

	server := httpapi.NewServer(httpapi.Deps{
		Registry:  genesis,
		Hiring:    instances,
		Budget:    accountant,
		Approvals: approvals,
		Engine:    exec,
		Learner:   miner,
		Denials:   denials,
		Log:       auditLog,
		Bus:       bus,
		Keys:      keys,
		Limiter:   middleware.NewRateLimiter(middleware.RateLimitConfig{MaxCallsPerMinute: cfg.Gateway.MaxCallsPerMinute}),
		Clock:     clk,
	})

	if err := server.Serve(ctx, ":"+cfg.Server.Port); err != nil {
		log.Fatalf("serve: %v", err)
	}
	slog.Info("shutdown complete", "time", time.Now().UTC())
}

func demoOutputs(tool string) map[string]interface{} {
	switch tool {
	case "pubmed":
		return map[string]interface{}{"sources": []string{"pubmed:38991203", "pubmed:39120044"}}
	case "composer":
		return map[string]interface{}{"deliverable": "draft article body"}
	case "linkedin":
		return map[string]interface{}{"deliverable": "published article", "url": "https://linkedin.example/post/1"}
	default:
		return nil
	}
}
