// Package dedup gates reprocessing of unchanged payloads by raw-content hash.
// Skipping is an optimization, not a correctness requirement: when the last
// hash cannot be determined the payload is processed anyway.
package dedup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"trustcheck/internal/domain"
	"trustcheck/internal/platform/redis"
)

// SnapshotSource is the slice of the repository the deduplicator needs.
type SnapshotSource interface {
	LatestSnapshot(ctx context.Context, source domain.Source) (*domain.ContentSnapshot, error)
}

// Deduplicator compares a payload's digest against the most recent snapshot
// for the source. A Redis cache fronts the repository lookup when configured;
// both misses fall back to processing.
type Deduplicator struct {
	snapshots SnapshotSource
	cache     *redis.Client
	cacheTTL  time.Duration
	logger    *slog.Logger
}

// New builds a Deduplicator. cache may be nil.
func New(snapshots SnapshotSource, cache *redis.Client, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{
		snapshots: snapshots,
		cache:     cache,
		cacheTTL:  7 * 24 * time.Hour,
		logger:    logger,
	}
}

// HashContent digests raw payload bytes after normalizing line endings and
// trailing whitespace, so that transport artifacts do not defeat dedup.
func HashContent(raw []byte) string {
	normalized := bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	normalized = bytes.TrimRight(normalized, " \t\n")
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:])
}

// ShouldSkip reports whether the payload matches the last observed snapshot
// for the source. It always returns the computed hash so callers can record
// the snapshot for this run.
func (d *Deduplicator) ShouldSkip(ctx context.Context, source domain.Source, raw []byte) (bool, string) {
	hash := HashContent(raw)

	last, ok := d.lastHash(ctx, source)
	if !ok {
		return false, hash
	}
	if last == hash {
		d.logger.Info("content unchanged, skipping processing", "source", source, "hash", hash[:12])
		return true, hash
	}
	return false, hash
}

// Remember caches the hash of a processed payload for the next run.
func (d *Deduplicator) Remember(ctx context.Context, source domain.Source, hash string) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Set(ctx, cacheKey(source), hash, d.cacheTTL).Err(); err != nil {
		d.logger.Warn("could not cache content hash", "source", source, "error", err)
	}
}

func (d *Deduplicator) lastHash(ctx context.Context, source domain.Source) (string, bool) {
	if d.cache != nil {
		if hash, err := d.cache.Get(ctx, cacheKey(source)).Result(); err == nil && hash != "" {
			return hash, true
		}
	}

	snap, err := d.snapshots.LatestSnapshot(ctx, source)
	if err != nil || snap == nil {
		if err != nil {
			d.logger.Warn("could not check previous content hash", "source", source, "error", err)
		}
		return "", false
	}
	return snap.ContentHash, true
}

func cacheKey(source domain.Source) string {
	return "trustcheck:dedup:" + string(source)
}
