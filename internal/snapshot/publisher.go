// Package snapshot publishes encoded groups to object storage and records
// them in the catalog so they can be found and restored later.
package snapshot

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/arkilian/colspec/internal/catalog"
	"github.com/arkilian/colspec/internal/errors"
	"github.com/arkilian/colspec/internal/group"
	"github.com/arkilian/colspec/internal/storage"
)

// ObjectPrefix is the storage prefix for snapshot blobs.
const ObjectPrefix = "snapshots/"

// DefaultPruneConcurrency bounds concurrent deletes during Prune.
const DefaultPruneConcurrency = 4

// Publisher uploads group snapshots and tracks them in a catalog.
type Publisher struct {
	storage     storage.ObjectStorage
	catalog     catalog.Catalog
	concurrency int
	now         func() time.Time
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPruneConcurrency sets how many blobs Prune deletes in parallel.
func WithPruneConcurrency(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// NewPublisher creates a publisher over the given storage and catalog.
func NewPublisher(store storage.ObjectStorage, cat catalog.Catalog, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		storage:     store,
		catalog:     cat,
		concurrency: DefaultPruneConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ObjectPath returns the storage path for a snapshot id.
func ObjectPath(snapshotID string) string {
	return ObjectPrefix + snapshotID + ".cspec"
}

// Publish encodes g, uploads it and registers it. The blob is uploaded
// before the catalog row is written, so a registered snapshot always has
// its object.
func (p *Publisher) Publish(ctx context.Context, g *group.Group) (*catalog.SnapshotRecord, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.NewInternalError("failed to generate snapshot id", err)
	}
	snapshotID := id.String()
	objectPath := ObjectPath(snapshotID)

	data := g.Encode()
	etag, err := p.storage.Put(ctx, objectPath, data)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeUploadFailed,
			fmt.Sprintf("failed to upload snapshot %s", snapshotID), err)
	}

	rec := &catalog.SnapshotRecord{
		SnapshotID: snapshotID,
		GroupID:    g.ID().String(),
		ObjectPath: objectPath,
		Version:    g.Version(),
		SizeBytes:  int64(len(data)),
		Checksum:   etag,
		TableCount: g.TableCount(),
		CreatedAt:  p.now(),
		Tables:     catalog.DescribeGroup(g),
	}
	if err := p.catalog.RegisterSnapshot(ctx, rec); err != nil {
		// best effort; an orphaned blob is harmless but wastes space
		if delErr := p.storage.Delete(ctx, objectPath); delErr != nil {
			log.Printf("snapshot: [WARN] failed to remove orphaned %s: %v", objectPath, delErr)
		}
		return nil, err
	}

	log.Printf("snapshot: published %s for group %s (version %d, %d bytes)",
		snapshotID, rec.GroupID, rec.Version, rec.SizeBytes)
	return rec, nil
}

// Restore downloads and decodes the snapshot with the given id.
func (p *Publisher) Restore(ctx context.Context, snapshotID string, opts ...group.Option) (*group.Group, error) {
	rec, err := p.catalog.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	return p.restore(ctx, rec, opts)
}

// RestoreLatest restores the newest snapshot of a group.
func (p *Publisher) RestoreLatest(ctx context.Context, groupID string, opts ...group.Option) (*group.Group, error) {
	rec, err := p.catalog.LatestSnapshot(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return p.restore(ctx, rec, opts)
}

func (p *Publisher) restore(ctx context.Context, rec *catalog.SnapshotRecord, opts []group.Option) (*group.Group, error) {
	data, err := p.storage.Get(ctx, rec.ObjectPath)
	if err != nil {
		if stderrors.Is(err, storage.ErrObjectNotFound) {
			return nil, errors.NewStorageError(errors.CodeObjectNotFound,
				fmt.Sprintf("snapshot %s is registered but %s is missing", rec.SnapshotID, rec.ObjectPath), err)
		}
		return nil, errors.NewStorageError(errors.CodeDownloadFailed,
			fmt.Sprintf("failed to download snapshot %s", rec.SnapshotID), err)
	}
	if int64(len(data)) != rec.SizeBytes {
		return nil, errors.NewSnapshotError(errors.CodeChecksumMismatch,
			fmt.Sprintf("snapshot %s is %d bytes, catalog says %d", rec.SnapshotID, len(data), rec.SizeBytes), nil)
	}

	g, err := group.Decode(data, opts...)
	if err != nil {
		return nil, err
	}
	if g.ID().String() != rec.GroupID {
		return nil, errors.NewSnapshotError(errors.CodeCorruptionDetected,
			fmt.Sprintf("snapshot %s holds group %s, catalog says %s", rec.SnapshotID, g.ID(), rec.GroupID), nil)
	}

	log.Printf("snapshot: restored %s (group %s, %d tables)", rec.SnapshotID, rec.GroupID, g.TableCount())
	return g, nil
}

// Latest returns the catalog record of the newest snapshot of a group.
func (p *Publisher) Latest(ctx context.Context, groupID string) (*catalog.SnapshotRecord, error) {
	return p.catalog.LatestSnapshot(ctx, groupID)
}

// PruneResult reports what Prune removed.
type PruneResult struct {
	Deleted []string
	Failed  map[string]error
}

// Prune keeps the newest keep snapshots of a group and removes the rest.
// Blobs are deleted first; a catalog row is only removed once its blob is
// gone, so a failed delete is retried by the next Prune.
func (p *Publisher) Prune(ctx context.Context, groupID string, keep int) (*PruneResult, error) {
	if keep < 0 {
		keep = 0
	}
	records, err := p.catalog.ListSnapshots(ctx, groupID)
	if err != nil {
		return nil, err
	}

	result := &PruneResult{Failed: make(map[string]error)}
	if len(records) <= keep {
		return result, nil
	}
	stale := records[keep:]

	paths := make([]string, len(stale))
	byPath := make(map[string]string, len(stale))
	for i, rec := range stale {
		paths[i] = rec.ObjectPath
		byPath[rec.ObjectPath] = rec.SnapshotID
	}

	batch := storage.DeleteBatch(ctx, p.storage, paths, p.concurrency)
	for path, err := range batch.Errors {
		id := byPath[path]
		result.Failed[id] = err
		log.Printf("snapshot: [WARN] failed to delete %s: %v", path, err)
	}

	for _, rec := range stale {
		if _, failed := result.Failed[rec.SnapshotID]; failed {
			continue
		}
		if err := p.catalog.DeleteSnapshot(ctx, rec.SnapshotID); err != nil {
			result.Failed[rec.SnapshotID] = err
			continue
		}
		result.Deleted = append(result.Deleted, rec.SnapshotID)
	}

	log.Printf("snapshot: pruned %d of %d snapshots for group %s (%d failed)",
		len(result.Deleted), len(records), groupID, len(result.Failed))
	return result, nil
}
