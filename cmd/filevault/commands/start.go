package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/filevault/filevault/internal/logger"
	"github.com/filevault/filevault/pkg/config"
	"github.com/filevault/filevault/pkg/metrics"
	"github.com/filevault/filevault/pkg/portal/api"
	"github.com/filevault/filevault/pkg/portal/api/handlers"
	"github.com/filevault/filevault/pkg/portal/store"
	"github.com/filevault/filevault/pkg/storage"
	"github.com/filevault/filevault/pkg/storage/local"
	"github.com/filevault/filevault/pkg/storage/s3"
	"github.com/filevault/filevault/pkg/upload"
	"github.com/filevault/filevault/pkg/upload/ledger/badger"
)

var (
	foreground bool
	pidFile    string
	logFile    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the FileVault server",
	Long: `Start the FileVault server with the specified configuration.

By default, the server runs in the background (daemon mode). Use --foreground
to run in the foreground for debugging or when managed by a process supervisor.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/filevault/config.yaml.

Examples:
  # Start in background (default)
  filevault start

  # Start in foreground
  filevault start --foreground

  # Start with custom config file
  filevault start --config /etc/filevault/config.yaml

  # Start with environment variable overrides
  FILEVAULT_LOGGING_LEVEL=DEBUG filevault start --foreground`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/filevault/filevault.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/filevault/filevault.log)")
}

func runStart(cmd *cobra.Command, args []string) error {
	// Handle daemon mode (background)
	if !foreground {
		return startDaemon()
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fmt.Println("FileVault - Resumable file upload portal")
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

	// Initialize portal store (users and file records)
	portalStore, err := store.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize portal store: %w", err)
	}
	defer func() {
		if err := portalStore.Close(); err != nil {
			logger.Error("portal store close error", "error", err)
		}
	}()
	logger.Info("Portal store ready", "type", cfg.Database.Type)

	// Initialize the storage backend
	backend, err := newBackend(ctx, &cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	logger.Info("Storage backend ready", "mode", backend.Mode())

	// Open the session ledger. It doubles as the dedup index.
	sessionLedger, err := badger.Open(cfg.Upload.LedgerPath)
	if err != nil {
		return fmt.Errorf("failed to open session ledger: %w", err)
	}
	defer func() {
		if err := sessionLedger.Close(); err != nil {
			logger.Error("session ledger close error", "error", err)
		}
	}()
	logger.Info("Session ledger opened", "path", cfg.Upload.LedgerPath)

	// Initialize metrics (if enabled)
	var uploadMetrics *metrics.UploadMetrics
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		registry := metrics.NewRegistry()
		uploadMetrics = metrics.NewUploadMetrics(registry)
		metricsServer = metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port), registry)
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("Metrics collection disabled")
	}

	// Create the upload engine
	engine, err := upload.NewEngine(upload.EngineConfig{
		Backend:      backend,
		Ledger:       sessionLedger,
		Dedup:        sessionLedger,
		OnComplete:   handlers.NewMergedFileRecorder(portalStore),
		Metrics:      uploadMetrics,
		SessionTTL:   cfg.Upload.SessionTTL,
		MinChunkSize: cfg.Upload.MinChunkSize.Int64(),
		MaxChunkSize: cfg.Upload.MaxChunkSize.Int64(),
		MaxChunks:    cfg.Upload.MaxChunks,
	})
	if err != nil {
		return fmt.Errorf("failed to create upload engine: %w", err)
	}

	// Start the expiry reaper
	reaper := upload.NewReaper(engine, upload.ReaperConfig{
		Interval:  cfg.Upload.ReapInterval,
		Retention: cfg.Upload.Retention,
	})
	reaper.Start(ctx)
	defer reaper.Stop()

	// Create the API server with readiness checks for its dependencies
	checks := map[string]handlers.ReadinessCheck{
		"database": func(ctx context.Context) error {
			return portalStore.Ping()
		},
		"ledger": func(ctx context.Context) error {
			_, err := sessionLedger.List(ctx)
			return err
		},
		"storage": backend.Ping,
	}

	apiServer, err := api.NewServer(cfg.API, portalStore, engine, checks)
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}
	logger.Info("API server configured", "port", apiServer.Port())

	// Write PID file if specified
	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	// Start metrics server in background (if enabled)
	if metricsServer != nil {
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := metricsServer.Stop(stopCtx); err != nil {
				logger.Error("metrics server shutdown error", "error", err)
			}
		}()
	}

	// Start API server in background
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- apiServer.Start(ctx)
	}()

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		// Wait for server to shut down gracefully
		select {
		case err := <-serverDone:
			if err != nil {
				logger.Error("Server shutdown error", "error", err)
				return err
			}
		case <-time.After(cfg.ShutdownTimeout):
			return fmt.Errorf("graceful shutdown timed out after %s", cfg.ShutdownTimeout)
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Server error", "error", err)
			return err
		}
		logger.Info("Server stopped")
	}

	return nil
}

// newBackend creates the storage backend selected by configuration.
func newBackend(ctx context.Context, cfg *config.StorageConfig) (storage.Backend, error) {
	switch cfg.Mode {
	case config.StorageModeLocal:
		return local.New(cfg.Local.Path)

	case config.StorageModeS3:
		client, err := s3.NewClient(ctx,
			cfg.S3.Endpoint,
			cfg.S3.Region,
			cfg.S3.AccessKeyID,
			cfg.S3.SecretAccessKey,
			cfg.S3.ForcePathStyle,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		return s3.New(ctx, s3.Config{
			Client:       client,
			Bucket:       cfg.S3.Bucket,
			KeyPrefix:    cfg.S3.KeyPrefix,
			SignedURLTTL: cfg.S3.SignedURLTTL,
		})

	default:
		return nil, fmt.Errorf("unknown storage mode: %s", cfg.Mode)
	}
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}

// startDaemon starts the server as a background daemon process.
func startDaemon() error {
	stateDir := GetDefaultStateDir()

	// Create state directory if it doesn't exist
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Set default PID file if not specified
	pidPath := pidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	// Check if already running
	if _, err := os.Stat(pidPath); err == nil {
		pidData, err := os.ReadFile(pidPath)
		if err == nil {
			var pid int
			if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err == nil {
				// Check if process is still running
				if process, err := os.FindProcess(pid); err == nil {
					if err := process.Signal(syscall.Signal(0)); err == nil {
						return fmt.Errorf("FileVault is already running (PID %d)\nUse 'filevault stop' to stop the running instance", pid)
					}
				}
			}
		}
		// Stale PID file, remove it
		_ = os.Remove(pidPath)
	}

	// Set default log file if not specified
	logPath := logFile
	if logPath == "" {
		logPath = GetDefaultLogFile()
	}

	// Get the executable path
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// Build arguments for the daemon process
	daemonArgs := []string{"start", "--foreground", "--pid-file", pidPath}
	if GetConfigFile() != "" {
		daemonArgs = append(daemonArgs, "--config", GetConfigFile())
	}

	// Create the daemon process
	cmd := exec.Command(executable, daemonArgs...)

	// Open log file for stdout/stderr
	logFileHandle, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	cmd.Stdout = logFileHandle
	cmd.Stderr = logFileHandle

	// Detach from parent process
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	// Start the daemon
	if err := cmd.Start(); err != nil {
		_ = logFileHandle.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	_ = logFileHandle.Close()

	fmt.Printf("FileVault started in background (PID %d)\n", cmd.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidPath)
	fmt.Printf("  Log file: %s\n", logPath)
	fmt.Println("\nUse 'filevault stop' to stop the server")

	return nil
}
