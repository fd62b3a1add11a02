// Package app provides the application lifecycle for a colspec node: it
// opens storage, catalog and replication log from configuration, recovers
// the working group and checkpoints it.
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/arkilian/colspec/internal/catalog"
	"github.com/arkilian/colspec/internal/config"
	"github.com/arkilian/colspec/internal/group"
	"github.com/arkilian/colspec/internal/replication"
	"github.com/arkilian/colspec/internal/server"
	"github.com/arkilian/colspec/internal/snapshot"
	"github.com/arkilian/colspec/internal/storage"
)

// App manages the lifecycle of one node.
type App struct {
	cfg *config.Config

	// Shared resources
	storage   storage.ObjectStorage
	catalog   *catalog.SQLiteCatalog
	replLog   *replication.Log
	changelog *replication.Changelog
	publisher *snapshot.Publisher
	shutdown  *server.Shutdown

	// Working group, guarded by mu between checkpoints
	group *group.Group

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg: cfg,
	}, nil
}

// Start opens shared resources, recovers the working group and starts
// periodic checkpoints when configured.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	if err := a.recoverGroup(); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to recover group: %w", err)
	}

	a.shutdown.Add(server.StageHalt, "checkpoints", func(context.Context) error {
		a.stopBackground()
		return nil
	})
	a.shutdown.Add(server.StageFlush, "group", func(context.Context) error { return a.saveGroup() })
	if a.replLog != nil {
		a.shutdown.Add(server.StageRelease, "replication log", func(context.Context) error { return a.replLog.Close() })
	}
	a.shutdown.Add(server.StageRelease, "catalog", func(context.Context) error { return a.catalog.Close() })

	if a.cfg.Snapshot.Interval > 0 {
		a.wg.Add(1)
		go a.runCheckpoints(ctx, a.cfg.Snapshot.Interval)
	}

	log.Printf("colspec started: group %s, %d tables", a.group.ID(), a.group.TableCount())
	return nil
}

// initSharedResources opens storage, the snapshot catalog and the
// replication log.
func (a *App) initSharedResources(ctx context.Context) error {
	var err error

	switch a.cfg.Storage.Type {
	case "local":
		a.storage, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Storage.S3.Region != "" {
			s3Cfg.Region = a.cfg.Storage.S3.Region
		}
		s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
		s3Cfg.UsePathStyle = a.cfg.Storage.S3.UsePathStyle
		s3Cfg.MultipartConfig.PartSize = a.cfg.Storage.PartSize
		a.storage, err = storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3Cfg)
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Printf("Storage initialized: type=%s", a.cfg.Storage.Type)

	a.catalog, err = catalog.NewCatalog(a.cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize catalog: %w", err)
	}
	log.Printf("Snapshot catalog initialized: %s", a.cfg.Catalog.Path)

	a.publisher = snapshot.NewPublisher(a.storage, a.catalog,
		snapshot.WithPruneConcurrency(a.cfg.Snapshot.PruneConcurrency))

	if a.cfg.Replication.Enabled {
		a.replLog, err = replication.OpenLog(a.cfg.Replication.Dir, a.cfg.Replication.MaxSegmentSize)
		if err != nil {
			return fmt.Errorf("failed to open replication log: %w", err)
		}
		log.Printf("Replication log opened: %s (seq %d)", a.cfg.Replication.Dir, a.replLog.Seq())
	}
	a.changelog = replication.NewChangelog(a.replLog)

	a.shutdown = server.NewShutdown(server.DefaultConfig())
	return nil
}

// recoverGroup loads the working group file, replays logged instructions
// the file does not reflect yet, and reopens the group with change
// tracking.
func (a *App) recoverGroup() error {
	path := a.cfg.GroupPath()

	var g *group.Group
	if _, err := os.Stat(path); err == nil {
		g, err = group.Open(path)
		if err != nil {
			return err
		}
	} else if os.IsNotExist(err) {
		g = group.New()
	} else {
		return fmt.Errorf("failed to stat group file: %w", err)
	}

	if a.replLog != nil {
		instrs, err := replication.ReadAll(a.cfg.Replication.Dir)
		if err != nil {
			return err
		}
		done := g.ReplicatedSeq()
		var pending []*replication.Instruction
		for _, in := range instrs {
			if in.Seq > done {
				pending = append(pending, in)
			}
		}
		if len(pending) > 0 {
			if err := g.Apply(pending); err != nil {
				return fmt.Errorf("failed to replay replication log: %w", err)
			}
			g.SetReplicatedSeq(pending[len(pending)-1].Seq)
			log.Printf("app: replayed %d instructions into group %s", len(pending), g.ID())
		}
		a.replLog.AdvanceTo(g.ReplicatedSeq())
	}

	if err := g.Save(path); err != nil {
		return err
	}
	tracked, err := group.Open(path, group.WithReplication(a.changelog))
	if err != nil {
		return err
	}
	a.group = tracked
	return nil
}

// Group returns the working group.
func (a *App) Group() *group.Group {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.group
}

// Publisher returns the snapshot publisher.
func (a *App) Publisher() *snapshot.Publisher {
	return a.publisher
}

// Checkpoint commits the working group, saves it, publishes a snapshot
// and prunes old snapshots and log segments.
func (a *App) Checkpoint(ctx context.Context) (*catalog.SnapshotRecord, error) {
	done, ok := a.shutdown.Begin("checkpoint")
	if !ok {
		return nil, fmt.Errorf("app is shutting down")
	}
	defer done()

	a.mu.Lock()
	defer a.mu.Unlock()

	g := a.group
	if a.replLog != nil {
		g.SetReplicatedSeq(a.replLog.Seq())
	}
	g.Commit()
	if err := g.Save(a.cfg.GroupPath()); err != nil {
		return nil, err
	}

	if a.replLog != nil {
		if err := a.replLog.Rotate(); err != nil {
			return nil, err
		}
		a.changelog.Drain()
		if n, err := a.replLog.Prune(); err != nil {
			log.Printf("app: [WARN] failed to prune replication log: %v", err)
		} else if n > 0 {
			log.Printf("app: removed %d replication segments", n)
		}
	} else {
		a.changelog.Drain()
	}

	rec, err := a.publisher.Publish(ctx, g)
	if err != nil {
		return nil, err
	}
	if _, err := a.publisher.Prune(ctx, rec.GroupID, a.cfg.Snapshot.Keep); err != nil {
		log.Printf("app: [WARN] failed to prune snapshots: %v", err)
	}
	return rec, nil
}

func (a *App) runCheckpoints(ctx context.Context, interval time.Duration) {
	defer a.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Checkpoint(ctx); err != nil {
				log.Printf("app: [WARN] checkpoint failed: %v", err)
			}
		}
	}
}

// Run blocks until a termination signal or ctx cancellation, then shuts
// the node down.
func (a *App) Run(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}

// Shutdown stops periodic checkpoints, waits for running ones, saves the
// group and closes the catalog and replication log.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	err := a.shutdown.Run(ctx, "shutdown requested")

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	log.Printf("colspec stopped")
	return err
}

func (a *App) stopBackground() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *App) saveGroup() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.group == nil {
		return nil
	}
	if a.replLog != nil {
		a.group.SetReplicatedSeq(a.replLog.Seq())
	}
	return a.group.Save(a.cfg.GroupPath())
}

// cleanup releases whatever Start managed to open.
func (a *App) cleanup() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.replLog != nil {
		a.replLog.Close()
	}
	if a.catalog != nil {
		a.catalog.Close()
	}
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}
