// tallysync mirrors Tally company books into a PostgreSQL warehouse:
// an initial month-chunked snapshot per voucher kind, then CDC deltas
// keyed on the upstream alter id.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KBT0207/tally-project-sub000/config"
	"github.com/KBT0207/tally-project-sub000/engine"
	"github.com/KBT0207/tally-project-sub000/logging"
	"github.com/KBT0207/tally-project-sub000/metrics"
	"github.com/KBT0207/tally-project-sub000/model"
	"github.com/KBT0207/tally-project-sub000/parser"
	"github.com/KBT0207/tally-project-sub000/progress"
	"github.com/KBT0207/tally-project-sub000/scheduler"
	"github.com/KBT0207/tally-project-sub000/server"
	"github.com/KBT0207/tally-project-sub000/upstream"
	"github.com/KBT0207/tally-project-sub000/warehouse"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "tallysync",
		Short:         "Sync Tally company books into PostgreSQL",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to config file")

	root.AddCommand(newServeCmd(&cfgPath))
	root.AddCommand(newSyncCmd(&cfgPath))
	root.AddCommand(newInitDBCmd(&cfgPath))
	return root
}

// app holds the wired components shared by the commands.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	pool      *pgxpool.Pool
	states    *warehouse.StateStore
	bus       *progress.Bus
	hub       *progress.Hub
	collector *metrics.Collector
	orch      *engine.Orchestrator
	sched     *scheduler.Scheduler
}

func buildApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	states := warehouse.NewStateStore(pool)
	writer := warehouse.NewWriter(pool, states, logger)

	bus := progress.NewBus(256)
	bus.AddSink(progress.NewLogSink(logger))
	hub := progress.NewHub(logger)
	bus.AddSink(hub)
	if cfg.Kafka.Enabled {
		bus.AddSink(progress.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger))
	}

	collector := metrics.NewCollector()
	fetcher := newTenantFetcher(cfg, logger)

	orch := engine.NewOrchestrator(
		fetcher, writer, states,
		parser.NewClassifier(cfg.Sync.OtherChargePatterns),
		bus, collector, logger,
		engine.Options{
			Workers:     cfg.Sync.Workers,
			ChunkMonths: cfg.Sync.ChunkMonths,
			DefaultFrom: cfg.Sync.DefaultFrom,
		})

	runner := func(ctx context.Context, companyName string) error {
		co, ok := cfg.Company(companyName)
		if !ok {
			return fmt.Errorf("company %q is no longer configured", companyName)
		}
		res, err := orch.TryRun(ctx, co, nil, time.Now())
		if err != nil {
			return err
		}
		return res.Err()
	}
	sched := scheduler.New(scheduler.NewPGStore(pool), runner, bus, logger, scheduler.Options{})

	return &app{
		cfg:       cfg,
		logger:    logger,
		pool:      pool,
		states:    states,
		bus:       bus,
		hub:       hub,
		collector: collector,
		orch:      orch,
		sched:     sched,
	}, nil
}

func (a *app) close() {
	a.bus.Close()
	a.pool.Close()
	a.logger.Sync()
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := warehouse.Bootstrap(ctx, a.pool); err != nil {
				return err
			}
			for _, co := range a.cfg.Companies {
				if err := warehouse.UpsertCompany(ctx, a.pool, co); err != nil {
					return err
				}
			}

			if err := a.sched.Start(ctx); err != nil {
				return err
			}

			srv := server.New(a.cfg.Server.ListenAddr, a.orch, a.states, a.sched,
				a.hub, a.collector, a.cfg.Company, a.logger)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case <-ctx.Done():
				a.logger.Info("shutdown signal received")
			case err := <-errCh:
				if err != nil {
					return err
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("http shutdown failed", zap.Error(err))
			}
			a.sched.Stop()
			return nil
		},
	}
}

func newSyncCmd(cfgPath *string) *cobra.Command {
	var (
		companyName string
		fromStr     string
		toStr       string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and exit",
		Long: `Runs a single sync for one company (or every active company) and
exits with 0 on success, 1 when any voucher kind failed, and 2 when the
upstream was unreachable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := warehouse.Bootstrap(ctx, a.pool); err != nil {
				return err
			}

			var from *time.Time
			if fromStr != "" {
				t, err := time.Parse("2006-01-02", fromStr)
				if err != nil {
					return fmt.Errorf("--from must be YYYY-MM-DD: %w", err)
				}
				from = &t
			}
			to := time.Now()
			if toStr != "" {
				if to, err = time.Parse("2006-01-02", toStr); err != nil {
					return fmt.Errorf("--to must be YYYY-MM-DD: %w", err)
				}
			}

			companies := a.cfg.Companies
			if companyName != "" {
				co, ok := a.cfg.Company(companyName)
				if !ok {
					return fmt.Errorf("unknown company %q", companyName)
				}
				companies = []model.Company{co}
			}

			exit := 0
			for _, co := range companies {
				if !co.IsActive && companyName == "" {
					continue
				}
				res, err := a.orch.TryRun(ctx, co, from, to)
				if err != nil {
					return err
				}
				if res.ExitCode() > exit {
					exit = res.ExitCode()
				}
			}
			if exit != 0 {
				a.close()
				os.Exit(exit)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&companyName, "company", "", "sync only this company")
	cmd.Flags().StringVar(&fromStr, "from", "", "override the snapshot start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&toStr, "to", "", "sync up to this date (YYYY-MM-DD), default today")
	return cmd
}

func newInitDBCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the warehouse schema and register configured companies",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := buildApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := warehouse.Bootstrap(ctx, a.pool); err != nil {
				return err
			}
			for _, co := range a.cfg.Companies {
				if err := warehouse.UpsertCompany(ctx, a.pool, co); err != nil {
					return err
				}
			}
			a.logger.Info("warehouse schema ready",
				zap.Int("companies", len(a.cfg.Companies)))
			return nil
		},
	}
}

// tenantFetcher routes fetches to the right upstream endpoint: most
// companies share the process default, some carry their own host.
type tenantFetcher struct {
	cfg    *config.Config
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*upstream.Client
}

func newTenantFetcher(cfg *config.Config, logger *zap.Logger) *tenantFetcher {
	return &tenantFetcher{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*upstream.Client),
	}
}

func (f *tenantFetcher) clientFor(companyName string) *upstream.Client {
	co, _ := f.cfg.Company(companyName)
	endpoint := f.cfg.Upstream.Endpoint(co)

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[endpoint]; ok {
		return c
	}
	c := upstream.NewClient(upstream.Options{
		Endpoint:       endpoint,
		TemplateDir:    f.cfg.Upstream.TemplateDir,
		ConnectTimeout: f.cfg.Upstream.ConnectTimeout(),
		ReadTimeout:    f.cfg.Upstream.ReadTimeout(),
		MaxRetries:     f.cfg.Upstream.MaxRetries,
		MaxConnections: f.cfg.Upstream.MaxConnections,
	}, f.logger)
	f.clients[endpoint] = c
	return c
}

func (f *tenantFetcher) Fetch(ctx context.Context, kind model.EntityKind, req upstream.FetchRequest) ([]byte, error) {
	return f.clientFor(req.Company).Fetch(ctx, kind, req)
}

func (f *tenantFetcher) Ping(ctx context.Context, company string) error {
	return f.clientFor(company).Ping(ctx)
}
