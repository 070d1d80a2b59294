package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/haatos/simple-cd/internal"
	"github.com/haatos/simple-cd/internal/handler"
	"github.com/haatos/simple-cd/internal/logging"
	"github.com/haatos/simple-cd/internal/service"
	"github.com/haatos/simple-cd/internal/settings"
	"github.com/haatos/simple-cd/internal/store"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var consoleLog bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the deployment server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, consoleLog)
		},
	}
	cmd.Flags().BoolVar(&consoleLog, "console-log", false, "always write human readable logs")
	return cmd
}

func runServe(ctx context.Context, consoleLog bool) error {
	settings.Settings = settings.NewSettings()
	s := settings.Settings
	logger := logging.New(logging.Options{Level: s.LogLevel, File: s.LogFile, Console: consoleLog})

	if err := internal.InitializeConfiguration(internal.ConfigPath); err != nil {
		return fmt.Errorf("err reading configuration: %w", err)
	}
	cfg := internal.Config

	targets, err := service.LoadTargets(s.TargetsPath)
	if err != nil {
		return fmt.Errorf("err loading targets from %s: %w", s.TargetsPath, err)
	}
	for _, t := range targets.All() {
		for _, stage := range service.StageNames(service.ModeStaged) {
			if timeout := t.StageTimeout(stage, cfg.StageTimeout()); timeout >= cfg.LeaseTTL() {
				logger.Warn().
					Str("target", t.Name).
					Str("stage", stage).
					Dur("timeout", timeout).
					Dur("lease_ttl", cfg.LeaseTTL()).
					Msg("stage timeout is not below the lease TTL; a slow attempt will be reclaimed")
			}
		}
	}

	rdb, err := store.InitDatabase(s, true)
	if err != nil {
		return err
	}
	defer rdb.Close()
	rwdb, err := store.InitDatabase(s, false)
	if err != nil {
		return err
	}
	defer rwdb.Close()
	if err := store.RunMigrations(rwdb); err != nil {
		return fmt.Errorf("err running migrations: %w", err)
	}

	var s3Client *minio.Client
	if s.ArtifactBackend == "s3" || usesHosting(targets, service.HostingS3) {
		if err := s.S3.Validate(); err != nil {
			return err
		}
		if s3Client, err = service.NewMinIOClient(s.S3); err != nil {
			return err
		}
	}

	var artifacts service.ArtifactStore
	switch s.ArtifactBackend {
	case "s3":
		if err := service.EnsureBucket(ctx, s3Client, s.S3.Bucket, s.S3.Region); err != nil {
			return err
		}
		artifacts = service.NewS3ArtifactStore(s3Client, s.S3.Bucket, cfg.ArtifactRetention(), logger)
	case "fs":
		artifacts = service.NewFileArtifactStore(
			s.ArtifactsDir,
			cfg.ArtifactRetention(),
			store.NewArtifactSQLiteStore(rdb, rwdb),
			logger,
		)
	default:
		return fmt.Errorf("unknown artifact backend %q", s.ArtifactBackend)
	}

	deployer := service.NewDeployStage(cfg.KeepReleases)
	deployer.Register(service.HostingDirectory, service.NewDirectoryPublisher())
	deployer.Register(service.HostingSFTP, service.NewSFTPPublisher(logger))
	if s3Client != nil {
		deployer.Register(service.HostingS3, service.NewS3Publisher(s3Client, logger))
	}

	var events service.EventPublisher = service.NopEventPublisher{}
	if s.NATSURL != "" {
		if events, err = service.NewNATSEventPublisher(s.NATSURL, s.NATSSubject, logger); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ps := service.NewPipelineService(
		targets,
		store.NewRunSQLiteStore(rdb, rwdb),
		service.NewLeaseController(cfg.LeaseTTL()),
		artifacts,
		service.NewGitContentResolver(),
		service.NewBuildStage(),
		deployer,
		service.PipelineOptions{
			Workspace:    s.Workspace,
			StageTimeout: cfg.StageTimeout(),
			Logger:       logger,
			Events:       events,
			Metrics:      service.NewMetrics(reg),
		},
	)
	if n, err := ps.RecoverInterruptedRuns(ctx); err != nil {
		return fmt.Errorf("err recovering interrupted runs: %w", err)
	} else if n > 0 {
		logger.Warn().Int("runs", n).Msg("failed runs interrupted by a restart")
	}

	scheduler, err := service.NewScheduler()
	if err != nil {
		return err
	}
	if err := service.ScheduleMaintenance(scheduler, ps, service.MaintenanceIntervals{
		LeaseReap:    cfg.LeaseReapInterval(),
		Prune:        time.Hour,
		RunRetention: cfg.RunRetention(),
	}, logger); err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("err stopping scheduler")
		}
	}()

	e := setupEcho(logger)
	handler.SetupAppRoutes(e, reg)
	handler.SetupPipelineRoutes(e, ps, s.APIKey)

	logger.Info().
		Int("targets", len(ps.Targets())).
		Str("artifacts", s.ArtifactBackend).
		Msg("simplecd ready")
	return internal.GracefulShutdown(ctx, e, s.Port, logger, ps.Shutdown)
}

func setupEcho(logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.ErrorHandler(logger)
	e.Use(
		middleware.Recover(),
		handler.RequestLogger(logger),
		middleware.CORSWithConfig(internal.GetCORSConfig()),
		middleware.RateLimiterWithConfig(internal.GetRateLimiterConfig()),
	)
	return e
}

func usesHosting(targets *service.Targets, kind string) bool {
	for _, t := range targets.All() {
		if t.Hosting.Kind == kind {
			return true
		}
	}
	return false
}
