// Package daemon runs the scanfleet server process. It owns the database
// pool, the scheduler service, the agent API server and, when configured,
// the planner loop, and coordinates their startup and shutdown.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/anstrom/scanfleet/internal/api"
	"github.com/anstrom/scanfleet/internal/archive"
	"github.com/anstrom/scanfleet/internal/auth"
	"github.com/anstrom/scanfleet/internal/config"
	"github.com/anstrom/scanfleet/internal/db"
	"github.com/anstrom/scanfleet/internal/logging"
	"github.com/anstrom/scanfleet/internal/metrics"
	"github.com/anstrom/scanfleet/internal/planner"
	"github.com/anstrom/scanfleet/internal/scheduler"
	"github.com/anstrom/scanfleet/internal/storage"
)

const (
	// Health check interval.
	healthCheckInterval = 10 * time.Second
)

// File permission constants.
const (
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

// ConnectFunc opens and migrates the database.
type ConnectFunc func(ctx context.Context, cfg *db.Config) (*db.DB, error)

// Daemon represents the main daemon process.
type Daemon struct {
	config     *config.Config
	configPath string
	connect    ConnectFunc

	database  *db.DB
	outputs   *archive.OutputStore
	scheduler *scheduler.Service
	apiServer *api.Server
	planner   *planner.Planner

	pidFile   string
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	wg        sync.WaitGroup
	debugMode bool
	mu        sync.RWMutex
}

// New creates a new daemon instance. configPath is re-read on SIGHUP.
func New(cfg *config.Config, configPath string, logger *logging.Logger) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = logging.Default()
	}

	return &Daemon{
		config:     cfg,
		configPath: configPath,
		connect:    db.ConnectAndMigrate,
		pidFile:    cfg.Daemon.PIDFile,
		logger:     logger.WithComponent("daemon"),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start starts the daemon and blocks until it is stopped.
func (d *Daemon) Start() error {
	d.logger.InfoDaemon("Starting scanfleet daemon")

	if err := d.config.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if d.config.Daemon.WorkDir != "" {
		if err := os.MkdirAll(d.config.Daemon.WorkDir, DefaultDirPermissions); err != nil {
			return fmt.Errorf("failed to create working directory: %w", err)
		}
	}

	if err := d.createPIDFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}

	d.setupSignalHandlers()

	if err := d.initDatabase(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := d.initServices(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := d.initAPIServer(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize API server: %w", err)
	}

	if err := d.initPlanner(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize planner: %w", err)
	}

	d.logger.InfoDaemon("Daemon started successfully")
	err := d.run()
	d.cleanup()
	return err
}

// Stop stops the daemon gracefully.
func (d *Daemon) Stop() error {
	d.logger.InfoDaemon("Stopping daemon")
	d.cancel()

	select {
	case <-d.done:
		d.logger.InfoDaemon("Daemon stopped gracefully")
	case <-time.After(d.config.Daemon.ShutdownTimeout):
		d.logger.Warn("Shutdown timeout reached, forcing exit")
	}
	return nil
}

// createPIDFile creates the PID file.
func (d *Daemon) createPIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	dir := filepath.Dir(d.pidFile)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	if err := d.checkExistingPID(); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.logger.InfoDaemon("Created PID file", "path", d.pidFile, "pid", pid)
	return nil
}

// checkExistingPID fails if the PID file names a live process and removes
// it otherwise.
func (d *Daemon) checkExistingPID() error {
	data, err := os.ReadFile(d.pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err == nil && pid != os.Getpid() && isProcessRunning(pid) {
		return fmt.Errorf("daemon already running with PID %d", pid)
	}

	_ = os.Remove(d.pidFile)
	return nil
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// setupSignalHandlers sets up signal handling for graceful shutdown.
func (d *Daemon) setupSignalHandlers() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGHUP,
		syscall.SIGUSR1,
		syscall.SIGUSR2,
	)

	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case <-d.ctx.Done():
				return
			case sig := <-sigChan:
				d.handleSignal(sig)
			}
		}
	}()
}

func (d *Daemon) handleSignal(sig os.Signal) {
	d.logger.InfoDaemon("Received signal", "signal", sig.String())

	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		d.logger.InfoDaemon("Initiating graceful shutdown")
		d.cancel()
	case syscall.SIGHUP:
		if err := d.reloadConfiguration(); err != nil {
			d.logger.ErrorDaemon("Configuration reload failed", err)
		} else {
			d.logger.InfoDaemon("Configuration reloaded successfully")
		}
	case syscall.SIGUSR1:
		d.dumpStatus()
	case syscall.SIGUSR2:
		d.toggleDebugMode()
	}
}

// initDatabase connects to the database and applies pending migrations.
func (d *Daemon) initDatabase() error {
	d.logger.InfoDaemon("Connecting to database")

	dbConfig := d.config.Database
	database, err := d.connect(d.ctx, &dbConfig)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}

	d.database = database
	d.logger.InfoDaemon("Database connection established")
	return nil
}

// initServices builds the output store, the scheduler and the database
// metrics collector.
func (d *Daemon) initServices() error {
	outputs, err := NewOutputStore(d.ctx, d.config, d.logger)
	if err != nil {
		return err
	}
	d.outputs = outputs

	d.scheduler = scheduler.NewService(d.database, outputs, SchedulerConfig(d.config), d.logger)

	collector := metrics.NewDBCollector(d.database, d.config.Scheduler.StaleHorizon)
	if err := metrics.GetGlobalMetrics().RegisterCollector(collector); err != nil {
		// a previous daemon in the same process already registered one
		d.logger.Warn("Database collector not registered", "error", err)
	}
	return nil
}

// NewOutputStore opens the spool under the scheduler output directory and
// the configured archive backend.
func NewOutputStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*archive.OutputStore, error) {
	spool, err := archive.NewFileStore(cfg.Scheduler.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("output spool: %w", err)
	}
	backend, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("output archive: %w", err)
	}
	return archive.NewOutputStore(spool, backend, logger), nil
}

// SchedulerConfig maps the scheduler section onto service tunables.
func SchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		HotLevel:      cfg.Scheduler.HotLevel,
		LockTimeout:   cfg.Scheduler.LockTimeout,
		GCProbability: cfg.Scheduler.GCProbability,
		Maintenance:   cfg.Scheduler.Maintenance,
	}
}

// initAPIServer initializes the agent API server.
func (d *Daemon) initAPIServer() error {
	if !d.config.IsAPIEnabled() {
		d.logger.InfoDaemon("API server disabled, skipping initialization")
		return nil
	}

	apiServer, err := d.newAPIServer(d.config)
	if err != nil {
		return fmt.Errorf("API server creation failed: %w", err)
	}
	d.apiServer = apiServer
	d.logger.InfoDaemon("API server initialized", "address", d.config.GetAPIAddress())
	return nil
}

func (d *Daemon) newAPIServer(cfg *config.Config) (*api.Server, error) {
	keys := auth.NewAPIKeyRepository(d.database, d.logger)
	return api.New(cfg.API, api.Deps{
		Jobs:     d.scheduler,
		Auth:     auth.NewAuthenticator(cfg.API.APIKeys, keys, d.logger),
		Database: d.database,
		Gatherer: metrics.GetGlobalMetrics().GetRegistry(),
		Logger:   d.logger,
	})
}

// initPlanner builds the planner when the daemon is configured to run it.
// Aggregated netlists fetched earlier are merged into the configuration first.
func (d *Daemon) initPlanner() error {
	if !d.config.Daemon.RunPlanner {
		d.logger.InfoDaemon("Planner disabled, skipping initialization")
		return nil
	}

	cfg := d.config.Planner
	if err := planner.MergeAggregateNetlists(&cfg, d.config.Daemon.WorkDir, d.logger); err != nil {
		return fmt.Errorf("merge aggregate netlists: %w", err)
	}

	store := storage.NewPostgres(d.database, cfg.RescanChunkSize, d.logger)
	deps := planner.NewDeps(d.database, d.scheduler, d.outputs, store, d.logger)
	p, err := planner.New(d.ctx, &cfg, deps, false)
	if err != nil {
		return err
	}
	d.planner = p
	d.logger.InfoDaemon("Planner initialized", "stages", strings.Join(p.Stages(), ","))
	return nil
}

// run executes the main daemon loop.
func (d *Daemon) run() error {
	d.mu.RLock()
	apiServer := d.apiServer
	d.mu.RUnlock()

	if apiServer != nil {
		d.startAPIServer(apiServer)
	}

	if d.planner != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.planner.Run(d.ctx); err != nil {
				d.logger.ErrorDaemon("Planner stopped with error", err)
			}
		}()
	}

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			d.logger.InfoDaemon("Shutdown signal received")
			d.wg.Wait()
			close(d.done)
			return nil
		case <-ticker.C:
			d.performHealthCheck()
		}
	}
}

func (d *Daemon) startAPIServer(server *api.Server) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := server.Start(d.ctx); err != nil {
			d.logger.ErrorDaemon("API server error", err)
		}
	}()
}

// performHealthCheck pings the database. The pool reconnects on its own, a
// failed ping is only reported.
func (d *Daemon) performHealthCheck() {
	if d.database == nil {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, healthCheckInterval)
	defer cancel()
	if err := d.database.Ping(ctx); err != nil {
		d.logger.ErrorDaemon("Database health check failed", err)
	}
}

// cleanup releases the database and removes the PID file. The API server
// and planner stop on context cancellation.
func (d *Daemon) cleanup() {
	d.cancel()

	if d.database != nil {
		if err := d.database.Close(); err != nil {
			d.logger.ErrorDaemon("Error closing database", err)
		}
		d.database = nil
	}

	if d.pidFile != "" {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			d.logger.ErrorDaemon("Error removing PID file", err)
		}
	}

	d.logger.InfoDaemon("Cleanup completed")
}

// IsRunning checks if the daemon is running.
func (d *Daemon) IsRunning() bool {
	select {
	case <-d.ctx.Done():
		return false
	default:
		return true
	}
}

// reloadConfiguration re-reads the configuration file. Scheduler maintenance
// mode applies immediately and a changed API listener is restarted; other
// settings need a restart.
func (d *Daemon) reloadConfiguration() error {
	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new configuration: %w", err)
	}
	return d.applyConfiguration(newConfig)
}

func (d *Daemon) applyConfiguration(newConfig *config.Config) error {
	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("new configuration is invalid: %w", err)
	}

	d.mu.Lock()
	oldConfig := d.config
	d.config = newConfig
	d.mu.Unlock()

	if d.scheduler != nil {
		d.scheduler.SetMaintenance(newConfig.Scheduler.Maintenance)
	}
	if hasAPIConfigChanged(oldConfig, newConfig) {
		d.restartAPIServer(newConfig)
	}
	return nil
}

// hasAPIConfigChanged checks if API configuration has changed.
func hasAPIConfigChanged(oldConfig, newConfig *config.Config) bool {
	return oldConfig.API.Enabled != newConfig.API.Enabled ||
		oldConfig.API.ListenAddr != newConfig.API.ListenAddr ||
		oldConfig.API.Port != newConfig.API.Port ||
		oldConfig.API.AuthDisabled != newConfig.API.AuthDisabled ||
		strings.Join(oldConfig.API.APIKeys, ",") != strings.Join(newConfig.API.APIKeys, ",")
}

// restartAPIServer stops the running API server and starts one for newConfig.
func (d *Daemon) restartAPIServer(newConfig *config.Config) {
	d.logger.InfoDaemon("API configuration changed, restarting API server")

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.apiServer != nil {
		if err := d.apiServer.Stop(); err != nil {
			d.logger.ErrorDaemon("Failed to stop API server", err)
		}
		d.apiServer = nil
	}

	if !newConfig.API.Enabled || d.scheduler == nil {
		return
	}

	apiServer, err := d.newAPIServer(newConfig)
	if err != nil {
		d.logger.ErrorDaemon("Failed to create API server with new config", err)
		return
	}
	d.apiServer = apiServer
	d.startAPIServer(apiServer)
}

// dumpStatus logs the current daemon status.
func (d *Daemon) dumpStatus() {
	d.mu.RLock()
	apiServer := d.apiServer
	d.mu.RUnlock()
	cfg := d.currentConfig()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := []any{
		"pid", os.Getpid(),
		"debug", d.debugEnabled(),
		"config", d.configPath,
		"log_level", cfg.Logging.Level,
		"alloc_kb", m.Alloc / 1024,
		"sys_kb", m.Sys / 1024,
		"num_gc", m.NumGC,
		"goroutines", runtime.NumGoroutine(),
		"uptime", metrics.GetGlobalMetrics().GetUptime().Round(time.Second).String(),
	}

	switch {
	case d.database == nil:
		status = append(status, "database", "not configured")
	case d.database.Ping(d.ctx) != nil:
		status = append(status, "database", "disconnected")
	default:
		status = append(status, "database", "connected")
	}

	if apiServer != nil {
		status = append(status, "api", apiServer.GetAddress())
	} else {
		status = append(status, "api", "disabled")
	}
	if d.scheduler != nil {
		status = append(status, "maintenance", d.scheduler.Config().Maintenance)
	}
	if d.planner != nil {
		status = append(status, "planner_stages", strings.Join(d.planner.Stages(), ","))
	}

	d.logger.InfoDaemon("Daemon status", status...)
}

// toggleDebugMode toggles debug mode on/off.
func (d *Daemon) toggleDebugMode() {
	d.mu.Lock()
	d.debugMode = !d.debugMode
	newMode := d.debugMode
	d.mu.Unlock()

	d.logger.SetDebug(newMode)
	d.logger.InfoDaemon("Debug mode toggled", "debug", newMode)
}

func (d *Daemon) debugEnabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.debugMode
}

// currentConfig is the configuration of the last successful load or reload.
func (d *Daemon) currentConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}
