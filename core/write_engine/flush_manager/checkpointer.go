// Package flushmanager moves committed WAL frames into the main database
// file.
package flushmanager

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/write_engine/bufferpool"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojolite/internal/telemetry"
)

// Checkpointer applies page images to the main file and truncates the WAL
// once they are durable there.
type Checkpointer struct {
	pool    *bufferpool.Pool
	log     *wal.Log
	logger  *zap.Logger
	metrics *internaltelemetry.EngineMetrics
}

// New returns a checkpointer. log may be nil when the database runs without
// a journal.
func New(pool *bufferpool.Pool, log *wal.Log, logger *zap.Logger, metrics *internaltelemetry.EngineMetrics) *Checkpointer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopEngineMetrics()
	}
	return &Checkpointer{pool: pool, log: log, logger: logger, metrics: metrics}
}

// Stage identifies a point inside Checkpoint.
type Stage int

const (
	StageApply Stage = iota
	StageSyncMain
	StageTruncate
)

// Hook is called before each stage. A non-nil error aborts the checkpoint
// at that point, leaving files as they are.
type Hook func(Stage) error

// Checkpoint writes images in page order, publishes header, fsyncs the main
// file when sync is set and finally truncates the WAL. The main file is made
// durable before the log is cut, so a crash anywhere in between replays.
func (c *Checkpointer) Checkpoint(images []pagemanager.PageImage, header pagemanager.FileHeader, sync bool, hook Hook) error {
	if hook == nil {
		hook = func(Stage) error { return nil }
	}
	start := time.Now()
	if err := hook(StageApply); err != nil {
		return err
	}
	if err := c.pool.Apply(images, header); err != nil {
		return err
	}
	if sync {
		if err := hook(StageSyncMain); err != nil {
			return err
		}
		if err := c.pool.Sync(); err != nil {
			return dberror.Wrap(dberror.KindIO, "checkpoint sync", err)
		}
	}
	if c.log != nil {
		if err := hook(StageTruncate); err != nil {
			return err
		}
		if err := c.log.Reset(); err != nil {
			return err
		}
	}
	c.metrics.CheckpointHistogram.Record(context.Background(), time.Since(start).Microseconds())
	c.logger.Debug("checkpoint complete",
		zap.Int("pages", len(images)),
		zap.Uint64("change_counter", header.ChangeCounter))
	return nil
}

// Recover replays every committed transaction found in the WAL into the main
// file and truncates the log. It returns the number of transactions replayed.
func (c *Checkpointer) Recover() (int, error) {
	if c.log == nil {
		return 0, nil
	}
	rec, err := c.log.Recover()
	if err != nil {
		return 0, err
	}
	if len(rec.Committed) == 0 {
		if rec.Discarded > 0 || rec.Torn {
			c.logger.Info("wal held no committed transactions", zap.Int("discarded_frames", rec.Discarded))
		}
		return 0, c.log.Reset()
	}

	images, _ := rec.Merge()
	var header pagemanager.FileHeader
	found := false
	for _, img := range images {
		if img.ID == pagemanager.HeaderPageID {
			header, err = pagemanager.DecodeFileHeader(img.Data)
			if err != nil {
				return 0, err
			}
			found = true
			break
		}
	}
	if !found {
		return 0, dberror.Wrap(dberror.KindCorruption, "recover", ErrMissingHeaderFrame)
	}

	c.logger.Info("replaying committed wal transactions",
		zap.Int("transactions", len(rec.Committed)),
		zap.Int("pages", len(images)),
		zap.Int("discarded_frames", rec.Discarded))
	if err := c.pool.Apply(images, header); err != nil {
		return 0, fmt.Errorf("replay: %w", err)
	}
	if err := c.pool.Sync(); err != nil {
		return 0, dberror.Wrap(dberror.KindIO, "recover sync", err)
	}
	if err := c.log.Reset(); err != nil {
		return 0, err
	}
	if err := c.log.Sync(); err != nil {
		return 0, err
	}
	return len(rec.Committed), nil
}
