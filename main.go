package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"file-manager/blob"
	"file-manager/config"
	"file-manager/drive"
	"file-manager/identity"
	"file-manager/logging"
	"file-manager/queue"
	"file-manager/tree"
	"file-manager/upload"
)

var (
	fileOpsInProgress sync.WaitGroup // Tracks in-flight file operations
	// Version information - these will be set at build time
	version   = "0.3.0"   // Default version
	buildDate = "unknown" // Will be set during build
	gitCommit = "unknown" // Will be set during build
)

// server holds everything the HTTP handlers need.
type server struct {
	svc      *drive.Service
	users    *identity.Directory
	tree     *tree.Store
	outbox   *queue.Outbox
	cfg      *config.Config
	log      *zap.Logger
	registry *prometheus.Registry
}

// newServer opens the database, the outbox and the blob tiers and builds the
// drive service on top of them.
func newServer(ctx context.Context, cfg *config.Config, log *zap.Logger) (*server, error) {
	for _, dir := range []string{
		cfg.Storage.DataDir,
		filepath.Dir(cfg.Storage.DatabasePath),
		filepath.Dir(cfg.Storage.QueuePath),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	ts, err := tree.Open(cfg.Storage.DatabasePath, log.Named("tree"))
	if err != nil {
		return nil, err
	}
	users, err := identity.New(ts.DB())
	if err != nil {
		ts.Close()
		return nil, err
	}
	outbox, err := queue.Open(cfg.Storage.QueuePath, log.Named("queue"))
	if err != nil {
		ts.Close()
		return nil, err
	}
	blobs, err := openBlobs(ctx, cfg, log)
	if err != nil {
		outbox.Close()
		ts.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, kind := range []queue.Kind{queue.KindMigration, queue.KindNotification} {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "drive_outbox_pending",
			Help:        "Tasks waiting in the outbox",
			ConstLabels: prometheus.Labels{"kind": string(kind)},
		}, func() float64 {
			n, err := outbox.Len(kind)
			if err != nil {
				return 0
			}
			return float64(n)
		}))
	}

	svc := drive.New(drive.Deps{
		Tree:       ts,
		Blobs:      blobs,
		Users:      users,
		Migrations: outbox,
		Notifier:   outbox,
		Metrics:    drive.NewMetrics(registry),
		Log:        log.Named("drive"),
	}, drive.Options{
		PageSize:          cfg.Paging.PageSize,
		AsyncArchiveBytes: cfg.Archive.AsyncBytes,
	})

	return &server{
		svc:      svc,
		users:    users,
		tree:     ts,
		outbox:   outbox,
		cfg:      cfg,
		log:      log,
		registry: registry,
	}, nil
}

func openBlobs(ctx context.Context, cfg *config.Config, log *zap.Logger) (*blob.Resolver, error) {
	local, err := blob.NewDisk(cfg.Storage.LocalDir, "")
	if err != nil {
		return nil, err
	}
	public, err := blob.NewDisk(cfg.Storage.PublicDir, cfg.Storage.PublicURL)
	if err != nil {
		return nil, err
	}
	r := &blob.Resolver{Local: local, Public: public}

	if cfg.Cloud.Enabled {
		cloud, err := blob.NewMinio(ctx, blob.MinioConfig{
			Endpoint:  cfg.Cloud.Endpoint,
			AccessKey: cfg.Cloud.AccessKey,
			SecretKey: cfg.Cloud.SecretKey,
			Bucket:    cfg.Cloud.Bucket,
			UseSSL:    cfg.Cloud.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("cloud tier: %w", err)
		}
		r.Cloud = cloud
		log.Info("cloud tier enabled",
			zap.String("endpoint", cfg.Cloud.Endpoint),
			zap.String("bucket", cfg.Cloud.Bucket))
	} else {
		log.Info("cloud tier disabled, files stay on the local tier")
	}
	return r, nil
}

// Close stops background archive builds and closes the stores.
func (s *server) Close() {
	s.svc.Close()
	if err := s.outbox.Close(); err != nil {
		s.log.Warn("failed to close outbox", zap.Error(err))
	}
	if err := s.tree.Close(); err != nil {
		s.log.Warn("failed to close database", zap.Error(err))
	}
}

// sweepArtifacts removes expired staged downloads and archives until stop is
// closed.
func (s *server) sweepArtifacts(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Archive.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := s.svc.Sweep(s.cfg.Archive.ArtifactTTL); err != nil {
				s.log.Warn("artifact sweep failed", zap.Error(err))
			}
		}
	}
}

// importDir copies a local directory tree into the root folder of the user
// with the given email, registering the user when needed.
func (s *server) importDir(ctx context.Context, dir, email string) error {
	user, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		user, err = s.users.Register(ctx, email, "")
		if err != nil {
			return err
		}
	}
	if _, err := s.svc.Provision(ctx, user); err != nil {
		return err
	}

	start := time.Now()
	root, err := upload.FromDir(dir, upload.DefaultConcurrency())
	if err != nil {
		return err
	}
	folders, files := root.Count()
	s.log.Info("scanned import directory",
		zap.String("dir", dir),
		zap.Int("folders", folders),
		zap.Int("files", files),
		zap.Int64("bytes", root.Size()),
		zap.Duration("elapsed", time.Since(start)))

	stored, err := s.svc.UploadTree(ctx, user.ID, 0, root)
	if err != nil {
		return err
	}
	s.log.Info("import complete",
		zap.String("owner", user.Email),
		zap.Int("files", len(stored)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func main() {
	// Parse command line arguments
	var showVersion bool
	var importFrom, importOwner string
	flag.BoolVar(&showVersion, "version", false, "Show version information and exit")
	flag.StringVar(&importFrom, "import-dir", "", "Import a local directory into a user's root folder before serving")
	flag.StringVar(&importOwner, "import-owner", "", "Email of the user that receives the imported files")
	flag.Parse()

	// Handle version flag
	if showVersion {
		fmt.Printf("file-manager version %s\n", version)
		fmt.Printf("Build date: %s\n", buildDate)
		fmt.Printf("Git commit: %s\n", gitCommit)
		return
	}

	if importFrom != "" && importOwner == "" {
		fmt.Fprintln(os.Stderr, "Error: --import-dir requires --import-owner")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()
	srv, err := newServer(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to start", zap.Error(err))
	}
	defer srv.Close()

	if importFrom != "" {
		if err := srv.importDir(ctx, importFrom, importOwner); err != nil {
			log.Error("import failed", zap.String("dir", importFrom), zap.Error(err))
		}
	}

	app := newApp(srv)
	setupTusUpload(app, srv)

	stop := make(chan struct{})
	go srv.sweepArtifacts(stop)

	// Setup signal handler for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		log.Info("server starting",
			zap.String("addr", cfg.Addr()),
			zap.String("version", version),
			zap.Bool("write_mode", cfg.Server.WriteMode))
		if err := app.Listen(cfg.Addr()); err != nil {
			log.Error("server error", zap.Error(err))
		}
	}()

	// Block on signal channel
	<-sigChan
	log.Info("received interrupt signal, waiting for in-progress operations")
	close(stop)

	// Wait for all file operations to complete
	fileOpsInProgress.Wait()
	log.Info("all file operations completed")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	log.Info("shutting down")
}
