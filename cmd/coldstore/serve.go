package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zombar/coldstore/internal/admin"
	"github.com/zombar/coldstore/internal/cache"
	"github.com/zombar/coldstore/internal/config"
	"github.com/zombar/coldstore/internal/hot"
	"github.com/zombar/coldstore/internal/lifecycle"
	"github.com/zombar/coldstore/internal/logging/audit"
	"github.com/zombar/coldstore/internal/meta"
	"github.com/zombar/coldstore/internal/meta/etcdstore"
	"github.com/zombar/coldstore/internal/meta/sqlstore"
	"github.com/zombar/coldstore/internal/metrics"
	"github.com/zombar/coldstore/internal/notify"
	"github.com/zombar/coldstore/internal/objects"
	"github.com/zombar/coldstore/internal/s3"
	"github.com/zombar/coldstore/internal/scheduler"
	"github.com/zombar/coldstore/internal/svc"
	"github.com/zombar/coldstore/internal/tape"
	"github.com/zombar/coldstore/internal/tracing"
)

const (
	healthInterval    = 10 * time.Second
	collectorInterval = 15 * time.Second
	shutdownTimeout   = 10 * time.Second
	mb                = int64(1) << 20
)

func newServeCmd(serviceMode bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the storage daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serviceMode {
				return runAsService()
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfgFile)
		},
	}
}

// runAsService hands the daemon to the platform service manager.
func runAsService() error {
	cfg := svc.DefaultConfig(cfgFile)
	cfg.Logger = log.Logger
	mgr, err := svc.New(cfg, &svc.Program{ConfigPath: cfgFile, Run: runServe})
	if err != nil {
		return err
	}
	log.Info().Str("config", cfgFile).Msg("starting as service")
	return mgr.Run()
}

// runServe loads the config and runs the daemon until ctx is cancelled.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	stopLoki := applyLoggingConfig(cfg.Logging, os.Stderr)
	defer stopLoki()

	log.Info().Str("version", Version).Str("commit", Commit).Msg("coldstore starting")
	d, err := newDaemon(ctx, cfg, metrics.New(metrics.Registry), log.Logger)
	if err != nil {
		return err
	}
	defer d.close()
	return d.run(ctx)
}

// daemon holds the wired components of a running coldstore.
type daemon struct {
	cfg    *config.Config
	logger zerolog.Logger

	store      meta.Store
	tapes      *tape.Manager
	cache      *cache.Cache
	dispatcher *notify.Dispatcher
	archiver   *scheduler.Archiver
	recaller   *scheduler.Recaller
	janitor    *objects.Janitor
	objects    *objects.Service
	collector  *metrics.Collector
	s3         *s3.Server
	admin      *admin.Server
	trace      *tracing.Recorder
}

func newDaemon(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			d.close()
		}
	}()

	auditLog := audit.NewLogger(logger)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	d.store = store

	hotStore, err := hot.New(cfg.Hot.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open hot store: %w", err)
	}

	carts, err := cfg.Cartridges()
	if err != nil {
		return nil, err
	}
	libCarts := make([]tape.Cartridge, len(carts))
	for i, c := range carts {
		libCarts[i] = tape.Cartridge{ID: c.ID, Format: c.Format, CapacityBytes: c.CapacityBytes, Location: c.Location}
	}
	library, err := tape.NewFileLibrary(tape.LibraryConfig{
		Path:       cfg.Tape.Library.Path,
		Drives:     cfg.Tape.Library.Drives,
		Cartridges: libCarts,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	d.tapes = tape.NewManager(tape.ManagerConfig{
		Driver:           library,
		Store:            d.store,
		Drives:           cfg.Tape.Library.Drives,
		SupportedFormats: cfg.Tape.SupportedFormats,
		Logger:           logger,
	})
	if err := d.tapes.Register(ctx, libCarts); err != nil {
		return nil, fmt.Errorf("register tapes: %w", err)
	}

	d.dispatcher, err = newDispatcher(cfg.Notification, m, logger)
	if err != nil {
		return nil, err
	}

	lc := lifecycle.New(lifecycle.Config{
		Store:   d.store,
		Audit:   auditLog,
		Retries: 3,
		Backoff: 100 * time.Millisecond,
		Metrics: m,
	})

	blockSize, err := cfg.BlockSizeBytes()
	if err != nil {
		return nil, err
	}
	a := cfg.Scheduler.Archive
	d.archiver = scheduler.NewArchiver(scheduler.ArchiverConfig{
		Store:                 d.store,
		Lifecycle:             lc,
		Tapes:                 d.tapes,
		Hot:                   hotStore,
		Notifier:              d.dispatcher,
		Metrics:               m,
		Logger:                logger,
		ScanInterval:          config.Secs(a.ScanIntervalSecs),
		BatchSize:             a.BatchSize,
		MinBundleBytes:        a.MinArchiveSizeMB * mb,
		BundleCapBytes:        a.BundleSizeCapMB * mb,
		BlockSize:             blockSize,
		ReplicationFactor:     cfg.Tape.ReplicationFactor,
		VerifyReadability:     cfg.Tape.VerifyReadability,
		Compression:           cfg.Tape.Compression,
		ThroughputBytesPerSec: a.TargetThroughputMBps * mb,
	})

	svcCfg := objects.Config{
		Store:     d.store,
		Lifecycle: lc,
		Hot:       hotStore,
		Logger:    logger,
	}
	adminCfg := admin.Config{
		Store:       d.store,
		Tapes:       d.tapes,
		Archiver:    d.archiver,
		TokenSecret: []byte(cfg.Admin.TokenSecret),
		Audit:       auditLog,
		Logger:      logger,
	}
	collectorCfg := metrics.CollectorConfig{
		Tapes:  metrics.TapeInventoryFunc(d.tapeSnapshot),
		Logger: logger,
	}

	if cfg.Cache.Enabled {
		d.cache, err = cache.Open(cache.Config{
			Path:         cfg.Cache.Path,
			MaxSizeBytes: cfg.CacheBytes(),
			TTL:          config.Secs(cfg.Cache.TTLSecs),
			Policy:       cfg.Cache.EvictionPolicy,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		r := cfg.Scheduler.Recall
		d.recaller = scheduler.NewRecaller(scheduler.RecallerConfig{
			Store:              d.store,
			Lifecycle:          lc,
			Tapes:              d.tapes,
			Cache:              d.cache,
			Notifier:           d.dispatcher,
			Metrics:            m,
			Logger:             logger,
			QueueSize:          r.QueueSize,
			MaxConcurrent:      r.MaxConcurrentRestores,
			RestoreTimeout:     config.Secs(r.RestoreTimeoutSecs),
			MinRestoreInterval: config.Secs(r.MinRestoreIntervalSecs),
			TapePollInterval:   config.Secs(r.TapePollIntervalSecs),
			CacheTTL:           config.Secs(cfg.Cache.TTLSecs),
		})
		// Interface fields stay nil when restores are disabled.
		svcCfg.Cache = d.cache
		svcCfg.Recaller = d.recaller
		adminCfg.Cache = d.cache
		adminCfg.Recaller = d.recaller
		collectorCfg.Cache = metrics.CacheStatsFunc(d.cacheSnapshot)
	}

	if cfg.Admin.TraceBufferMB > 0 {
		d.trace, err = tracing.Start(cfg.Admin.TraceBufferMB<<20, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("start flight recorder: %w", err)
		}
		adminCfg.Trace = d.trace
	}

	d.objects = objects.New(svcCfg)
	adminCfg.Objects = d.objects
	d.janitor = objects.NewJanitor(objects.JanitorConfig{
		Store:     d.store,
		Lifecycle: lc,
		Cache:     janitorCache(d.cache),
		Interval:  config.Secs(cfg.Scheduler.JanitorIntervalSecs),
		Logger:    logger,
	})
	d.collector = metrics.NewCollector(m, collectorCfg)
	d.s3 = s3.NewServer(s3.Config{Objects: d.objects, Metrics: m, Audit: auditLog, Logger: logger})
	d.admin = admin.NewServer(adminCfg)

	ok = true
	return d, nil
}

// janitorCache keeps a disabled cache a nil interface.
func janitorCache(c *cache.Cache) objects.Cache {
	if c == nil {
		return nil
	}
	return c
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (meta.Store, error) {
	md := cfg.Metadata
	switch md.Backend {
	case config.BackendEtcd:
		s, err := etcdstore.Open(etcdstore.Config{
			Endpoints:   md.Etcd.Endpoints,
			DialTimeout: config.Secs(md.Etcd.TimeoutSecs),
			Prefix:      md.Etcd.Prefix,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open etcd metadata store: %w", err)
		}
		return s, nil
	case config.BackendPostgres:
		s, err := sqlstore.Open(ctx, sqlstore.Config{
			Driver:       sqlstore.DriverPostgres,
			DSN:          md.Postgres.URL,
			MaxOpenConns: md.Postgres.MaxConnections,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres metadata store: %w", err)
		}
		return s, nil
	default:
		if err := os.MkdirAll(filepath.Dir(md.SQLite.Path), 0755); err != nil {
			return nil, fmt.Errorf("create metadata dir: %w", err)
		}
		s, err := sqlstore.Open(ctx, sqlstore.Config{
			Driver: sqlstore.DriverSQLite,
			DSN:    md.SQLite.Path,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite metadata store: %w", err)
		}
		return s, nil
	}
}

func newDispatcher(cfg config.NotificationConfig, m *metrics.Metrics, logger zerolog.Logger) (*notify.Dispatcher, error) {
	timeout := config.Secs(cfg.TimeoutSecs)
	var sinks []notify.Sink
	if cfg.Enabled && cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL, timeout))
	}
	if cfg.Enabled && cfg.MQEndpoint != "" {
		sink, err := notify.NewMQSink(cfg.MQEndpoint, timeout)
		if err != nil {
			return nil, fmt.Errorf("notification sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	return notify.New(notify.Config{
		Enabled:    cfg.Enabled,
		Sinks:      sinks,
		MaxRetries: cfg.MaxRetries,
		Timeout:    timeout,
		Logger:     logger,
		Metrics:    m,
	}), nil
}

func (d *daemon) cacheSnapshot() metrics.CacheSnapshot {
	st := d.cache.Stats()
	return metrics.CacheSnapshot{
		Entries:              st.Entries,
		Bytes:                st.Bytes,
		MaxBytes:             st.MaxBytes,
		Hits:                 st.Hits,
		Misses:               st.Misses,
		Evictions:            st.Evictions,
		VolumeTotalBytes:     st.VolumeTotalBytes,
		VolumeUsedBytes:      st.VolumeUsedBytes,
		VolumeAvailableBytes: st.VolumeAvailableBytes,
	}
}

func (d *daemon) tapeSnapshot(ctx context.Context) ([]metrics.TapeSnapshot, error) {
	tapes, err := d.tapes.Tapes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]metrics.TapeSnapshot, len(tapes))
	for i, t := range tapes {
		out[i] = metrics.TapeSnapshot{ID: t.ID, Status: string(t.Status), UsedBytes: t.UsedBytes}
	}
	return out, nil
}

// run serves until ctx is cancelled or the metadata store stays unreachable.
func (d *daemon) run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Server.Listen, err)
	}
	return d.serve(ctx, ln)
}

func (d *daemon) serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d.cfg.Server.AdminListen != "" {
		if err := d.admin.Start(d.cfg.Server.AdminListen); err != nil {
			_ = ln.Close()
			return err
		}
		defer func() { _ = d.admin.Stop() }()
	}

	d.dispatcher.Start()
	d.archiver.Start()
	if d.recaller != nil {
		d.recaller.Start()
	}
	d.janitor.Start()
	go d.collector.Run(ctx, collectorInterval)
	defer func() {
		d.janitor.Stop()
		if d.recaller != nil {
			d.recaller.Stop()
		}
		d.archiver.Stop()
		d.dispatcher.Stop()
	}()

	srv := &http.Server{
		Handler:           d.s3.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("s3 server: %w", err)
		}
	}()
	go func() {
		if err := meta.Watch(ctx, d.store, healthInterval, d.cfg.Metadata.UnavailableThreshold, d.logger); err != nil {
			errCh <- err
		}
	}()
	d.logger.Info().Str("listen", ln.Addr().String()).Str("admin", d.cfg.Server.AdminListen).Msg("coldstore ready")

	var runErr error
	select {
	case <-ctx.Done():
		d.logger.Info().Msg("shutting down")
	case runErr = <-errCh:
		d.logger.Error().Err(runErr).Msg("fatal error, shutting down")
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn().Err(err).Msg("s3 server shutdown")
	}
	return runErr
}

func (d *daemon) close() {
	d.trace.Stop()
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("close metadata store")
		}
	}
}
