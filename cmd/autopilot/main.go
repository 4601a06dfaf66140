package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/kilnworks/autopilot/internal/audit"
	"github.com/kilnworks/autopilot/internal/auth"
	"github.com/kilnworks/autopilot/internal/capability"
	"github.com/kilnworks/autopilot/internal/config"
	"github.com/kilnworks/autopilot/internal/connector"
	"github.com/kilnworks/autopilot/internal/httpserver"
	"github.com/kilnworks/autopilot/internal/jobs"
	"github.com/kilnworks/autopilot/internal/skills"
	"github.com/kilnworks/autopilot/internal/store"
	"github.com/kilnworks/autopilot/internal/swarm"
)

const portalConnectorName = "portal"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Database (optional; memory/file stores back dev mode).
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(pingCtx); err != nil {
			cancel()
			log.Fatalf("ping postgres: %v", err)
		}
		cancel()
		log.Println("connected to postgres")
	}

	var (
		auditStore audit.Store
		govStore   store.Store
	)
	if db != nil {
		pgAudit := audit.NewPGStore(db)
		pgGov := store.NewPGStore(db)
		schemaCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := pgGov.EnsureSchema(schemaCtx); err != nil {
			cancel()
			log.Fatalf("ensure schema: %v", err)
		}
		if err := pgAudit.EnsureSchema(schemaCtx); err != nil {
			cancel()
			log.Fatalf("ensure audit schema: %v", err)
		}
		cancel()
		auditStore = pgAudit
		govStore = pgGov
	} else {
		log.Println("no postgres configured; using in-process stores (dev only)")
		auditStore = audit.NewFileStore("./archive")
		govStore = store.NewMemoryStore()
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Optional cold-copy export of audit events to S3; the relational log
	// stays primary.
	if cfg.AuditS3Bucket != "" {
		archiver, err := audit.NewS3Archiver(rootCtx, cfg.AuditS3Bucket, cfg.AuditS3Prefix)
		if err != nil {
			log.Fatalf("s3 archiver: %v", err)
		}
		auditStore = audit.NewArchivingStore(auditStore, archiver, nil)
		log.Printf("audit s3 archiver enabled (bucket=%s prefix=%s)", cfg.AuditS3Bucket, cfg.AuditS3Prefix)
	}

	// Connector registry: the only indirection to external systems.
	connectors := connector.NewRegistry()
	if cfg.PortalURL != "" {
		if err := connectors.Register(connector.NewHTTPConnector(portalConnectorName, cfg.PortalURL, 10*time.Second)); err != nil {
			log.Fatalf("register portal connector: %v", err)
		}
		log.Printf("portal connector registered (%s)", cfg.PortalURL)
	} else {
		log.Println("AUTOPILOT_PORTAL_URL not set; portal connector unavailable")
	}

	// Pilot write executor exists only when write execution is enabled, so a
	// disabled deployment structurally cannot produce external writes.
	var executor *connector.PilotWriteExecutor
	if cfg.WriteExecutionEnabled {
		executor = connector.NewPilotWriteExecutor(connectors, 30*time.Second, nil)
		log.Println("write execution ENABLED")
	} else {
		log.Println("write execution disabled; approved proposals stay unexecuted (dry-run)")
	}

	catalog := capability.NewCatalog()
	if err := capability.RegisterBuiltins(catalog, portalConnectorName); err != nil {
		log.Fatalf("register capabilities: %v", err)
	}
	runtime := capability.NewRuntime(capability.RuntimeConfig{
		RequireApprovalForExternalWrites: cfg.RequireApprovalForExternalWrite,
		AllowedTenantIDs:                 cfg.AllowedTenantIDs,
	}, catalog, govStore, auditStore, executor, nil)

	// Background jobs.
	runner := jobs.NewRunner(govStore, auditStore, nil)
	if err := runner.Register(jobs.NewSnapshotJob(govStore, auditStore)); err != nil {
		log.Fatalf("register snapshot job: %v", err)
	}
	if portal, err := connectors.Get(portalConnectorName); err == nil {
		if err := runner.Register(jobs.NewReconcileJob(portal, auditStore, 24*time.Hour)); err != nil {
			log.Fatalf("register reconcile job: %v", err)
		}
	}
	if cfg.AuditRetention > 0 {
		// Manual-only: pruning runs when an operator asks, never on the tick.
		if err := runner.RegisterManual(jobs.NewPruneJob(auditStore, cfg.AuditRetention)); err != nil {
			log.Fatalf("register prune job: %v", err)
		}
	}
	scheduler := jobs.NewScheduler(runner, jobs.SchedulerConfig{
		Interval: cfg.JobInterval,
		Jitter:   cfg.JobJitter,
	})

	// Skill ingestion.
	installer := skills.NewInstaller(skills.InstallerConfig{
		SourceDir:        cfg.SkillSourceDir,
		InstallDir:       cfg.SkillInstallDir,
		RequirePinned:    cfg.RequirePinnedSkillRefs,
		RequireChecksum:  cfg.RequireSkillChecksum,
		RequireSignature: cfg.RequireSkillSignature,
		AllowList:        cfg.SkillAllowList,
		DenyList:         cfg.SkillDenyList,
	}, skills.NewTrustAnchors(cfg.TrustAnchorKeys), auditStore, nil)

	// Swarm orchestration over Kafka, when configured.
	var publisher *swarm.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 && cfg.SwarmTopic != "" {
		publisher, err = swarm.NewKafkaPublisher(swarm.KafkaPublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.SwarmTopic,
		})
		if err != nil {
			log.Fatalf("kafka publisher: %v", err)
		}
		orchestrator := swarm.NewOrchestrator(govStore, auditStore, publisher, nil)
		consumer, err := swarm.NewConsumer(swarm.ConsumerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.SwarmTopic,
			GroupID: cfg.SwarmGroupID,
		}, orchestrator)
		if err != nil {
			log.Fatalf("kafka consumer: %v", err)
		}
		go func() {
			if err := consumer.Run(rootCtx); err != nil && err != context.Canceled {
				log.Printf("[swarm.consumer] exited: %v", err)
			}
		}()
		log.Printf("swarm consumer started (topic=%s group=%s)", cfg.SwarmTopic, cfg.SwarmGroupID)
	} else {
		log.Println("swarm consumer not started: AUTOPILOT_KAFKA_BROKERS and AUTOPILOT_SWARM_TOPIC must be set")
	}

	go func() {
		if err := scheduler.Run(rootCtx); err != nil && err != context.Canceled {
			log.Printf("[scheduler] exited: %v", err)
		}
	}()

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpserver.New(auth.Config{
			Secret:          cfg.AuthSecret,
			AllowDebugToken: cfg.AllowDebugToken,
			DebugToken:      cfg.DebugToken,
		}, runtime, govStore, auditStore, connectors, runner, installer).Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Printf("starting autopilot server on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	// Graceful shutdown.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}

	rootCancel()
	if publisher != nil {
		_ = publisher.Close()
	}
	if db != nil {
		_ = db.Close()
	}
	log.Println("stopped")
}
