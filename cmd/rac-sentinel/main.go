package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	internalhttp "github.com/EternisAI/rac-sentinel/internal/api/http"
	"github.com/EternisAI/rac-sentinel/internal/commands"
	"github.com/EternisAI/rac-sentinel/internal/db"
	"github.com/EternisAI/rac-sentinel/internal/identity"
	"github.com/EternisAI/rac-sentinel/internal/monitor"
	"github.com/EternisAI/rac-sentinel/internal/publication"
	"github.com/EternisAI/rac-sentinel/internal/rac"
	"github.com/EternisAI/rac-sentinel/internal/secret"
	"github.com/EternisAI/rac-sentinel/internal/store"
	"github.com/EternisAI/rac-sentinel/internal/sysmetrics"
	"github.com/EternisAI/rac-sentinel/internal/telemetry"
)

var AppVersion string

const shutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "protect" {
		if err := runProtect(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		return
	}

	InitConfig()

	slog.Info("RAC Sentinel", "version", AppVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("Agent stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

func run(ctx context.Context) error {
	if err := db.RunMigrations(ctx, config.DB.Url, config.DB.Schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	pool, err := db.InitDB(ctx, config.DB)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()
	st := store.NewPostgres(pool)

	agentID, err := identity.NewStore(config.Agent.IdentityFile).GetOrCreate()
	if err != nil {
		return fmt.Errorf("failed to resolve agent identity: %w", err)
	}
	protector, err := secret.LoadOrCreateKey(config.Agent.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load secret key: %w", err)
	}
	runner, err := rac.NewExecRunner(config.Rac.Encoding)
	if err != nil {
		return err
	}

	hostname, err := os.Hostname()
	if err != nil {
		slog.Warn("Failed to read host name", "error", err)
	}
	name := config.Agent.Name
	if name == "" {
		name = hostname
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.New(reg)

	apache := publication.NewApache(config.Publication, runner)
	processor := commands.NewProcessor(st, apache, metrics)

	loop := monitor.New(monitor.Config{
		AgentID:  agentID,
		Name:     name,
		Hostname: hostname,
		Version:  AppVersion,
		Defaults: store.AgentDefaults{
			PollIntervalSeconds: config.Monitor.PollInterval,
			RacPath:             config.Rac.Path,
			RasHost:             config.Rac.Host,
		},
		RacTimeout:       config.Rac.Timeout,
		MetadataInterval: config.Monitor.MetadataInterval,
	}, monitor.Deps{
		Store:     st,
		Commands:  processor,
		Metadata:  apache,
		System:    sysmetrics.NewCollector(),
		Protector: protector,
		Runner:    runner,
		Telemetry: metrics,
	})

	slog.Info("Agent starting", "agent_id", agentID, "name", name)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})

	if config.Http.Port != 0 {
		gin.SetMode(gin.ReleaseMode)
		engine := gin.New()
		engine.Use(cors.New(cors.Config{
			AllowOrigins:  []string{"*"},
			AllowMethods:  []string{"GET", "POST"},
			AllowHeaders:  []string{"Origin", "Content-Length", "Content-Type", "X-API-Key"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
		engine.Use(gin.Recovery())
		internalhttp.SetupRoute(engine, &internalhttp.Services{
			AgentID:     agentID,
			AdminAPIKey: config.Http.AdminAPIKey,
			Status:      loop,
			Commands:    st,
			Gatherer:    reg,
		})

		httpServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", config.Http.Port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			slog.Info("Starting HTTP server", "address", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("HTTP server shutdown error", "error", err)
			} else {
				slog.Info("HTTP server stopped")
			}
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
