// Package tiler copies tile pyramids between providers in bulk: it
// enumerates every tile covering a bounding box over a zoom range, reads
// each from the source, and writes it to the target in bounded concurrent
// batches.
package tiler

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gopkg.in/cheggaaa/pb.v1"

	"pengubin/provider"
	"pengubin/tilepack"
)

const defaultBatchSize = 8

// Task is one bulk run from a source provider into a writable target.
type Task struct {
	ID     string
	Source provider.Provider
	Target provider.Provider

	Bounds  tilepack.Bounds
	MinZoom int
	MaxZoom int

	// BatchSize caps how many tiles are in flight at once.
	BatchSize int

	// Name overrides the metadata name written at finalization.
	Name string

	// Journal, when set, records per-tile failures for later replay.
	Journal *Journal

	// Progress draws a console bar; off by default so tests stay quiet.
	Progress bool

	empty *placeholders

	stopped   atomic.Bool
	total     int64
	completed int64
	failed    int64
	absent    int64
}

// NewTask builds a run with a fresh ID. The zoom range is inclusive on
// both ends.
func NewTask(source, target provider.Provider, bounds tilepack.Bounds, minZoom, maxZoom int) *Task {
	return &Task{
		ID:        uuid.New().String(),
		Source:    source,
		Target:    target,
		Bounds:    bounds,
		MinZoom:   minZoom,
		MaxZoom:   maxZoom,
		BatchSize: defaultBatchSize,
		empty:     newPlaceholders(),
	}
}

func (t *Task) Total() int64     { return atomic.LoadInt64(&t.total) }
func (t *Task) Completed() int64 { return atomic.LoadInt64(&t.completed) }
func (t *Task) Failed() int64    { return atomic.LoadInt64(&t.failed) }
func (t *Task) Absent() int64    { return atomic.LoadInt64(&t.absent) }

// Processed counts every tile the run has finished with, success or not.
func (t *Task) Processed() int64 { return t.Completed() + t.Failed() }

// Stop abandons the run at the next batch boundary. In-flight tiles of the
// current batch still finish; there is no mid-batch cancellation.
func (t *Task) Stop() { t.stopped.Store(true) }

// Run executes the whole job. Per-tile failures are counted, logged and
// journaled but never abort the run; Run errors only when the job cannot
// proceed at all or the final metadata write fails.
func (t *Task) Run() error {
	if t.MinZoom > t.MaxZoom {
		return fmt.Errorf("zoom range %d-%d is inverted", t.MinZoom, t.MaxZoom)
	}
	if t.BatchSize <= 0 {
		t.BatchSize = defaultBatchSize
	}
	if t.empty == nil {
		t.empty = newPlaceholders()
	}

	tiles := tilepack.TilesFromBounds(t.Bounds, t.MinZoom, t.MaxZoom)
	atomic.StoreInt64(&t.total, int64(len(tiles)))
	log.Infof("task %s: %d tiles over zoom %d-%d", t.ID, len(tiles), t.MinZoom, t.MaxZoom)

	var bar *pb.ProgressBar
	if t.Progress {
		bar = pb.New(len(tiles)).Prefix(fmt.Sprintf("zoom %d-%d: ", t.MinZoom, t.MaxZoom))
		bar.Start()
	}

	start := time.Now()
	for lo := 0; lo < len(tiles); lo += t.BatchSize {
		if t.stopped.Load() {
			log.Warnf("task %s stopped after %d/%d tiles", t.ID, t.Processed(), t.Total())
			break
		}
		hi := lo + t.BatchSize
		if hi > len(tiles) {
			hi = len(tiles)
		}
		var wg sync.WaitGroup
		for _, tile := range tiles[lo:hi] {
			wg.Add(1)
			go func(tile tilepack.Tile) {
				defer wg.Done()
				t.copyTile(tile)
				if bar != nil {
					bar.Increment()
				}
			}(tile)
		}
		wg.Wait()
	}
	if bar != nil {
		bar.FinishPrint(fmt.Sprintf("task %s finished in %s", t.ID, time.Since(start)))
	}

	if err := t.finalize(); err != nil {
		return fmt.Errorf("finalize task %s: %w", t.ID, err)
	}
	log.Infof("task %s: %d/%d tiles written, %d failed, %d substituted, took %s",
		t.ID, t.Completed(), t.Total(), t.Failed(), t.Absent(), time.Since(start))
	return nil
}

// copyTile moves one tile. Absent source tiles get a format-appropriate
// placeholder so the target pyramid stays dense.
func (t *Task) copyTile(tile tilepack.Tile) {
	data, err := t.Source.GetTile(tile.X, tile.Y, tile.Z)
	if err != nil {
		t.fail(tile, fmt.Sprintf("read: %s", err))
		return
	}
	if data == nil {
		p, perr := t.empty.For(t.Source.Format())
		if perr != nil {
			t.fail(tile, fmt.Sprintf("placeholder: %s", perr))
			return
		}
		data = p
		atomic.AddInt64(&t.absent, 1)
	}

	if t.Source.Format() == provider.PBF && len(data) > 0 && !isGzipped(data) {
		data, err = gzipTile(data)
		if err != nil {
			t.fail(tile, fmt.Sprintf("compress: %s", err))
			return
		}
	}

	if err := t.Target.UpdateTile(tile.X, tile.Y, tile.Z, data); err != nil {
		t.fail(tile, fmt.Sprintf("write: %s", err))
		return
	}
	atomic.AddInt64(&t.completed, 1)
}

func (t *Task) fail(tile tilepack.Tile, reason string) {
	atomic.AddInt64(&t.failed, 1)
	log.Errorf("task %s tile %s ~ %s", t.ID, tile, reason)
	t.Journal.Record(tile, reason)
}

// finalize stamps the target with metadata describing what was written:
// the run's bounding box, zoom range and format, plus the source's layer
// description when it has one.
func (t *Task) finalize() error {
	meta := provider.Metadata{
		Name:    t.Name,
		Bounds:  [4]float64{t.Bounds.West, t.Bounds.South, t.Bounds.East, t.Bounds.North},
		MinZoom: t.MinZoom,
		MaxZoom: t.MaxZoom,
		Format:  t.Source.Format(),
		Version: "1",
	}
	if src, err := t.Source.GetMetadata(); err == nil {
		if meta.Name == "" {
			meta.Name = src.Name
		}
		meta.Description = src.Description
		meta.Attribution = src.Attribution
		meta.VectorLayers = src.VectorLayers
	} else {
		log.Warnf("task %s: source metadata unavailable ~ %s", t.ID, err)
	}
	if meta.Name == "" {
		meta.Name = t.ID
	}
	if meta.Format == provider.PBF {
		meta.LayerType = "overlay"
	}
	return t.Target.SetMetadata(meta)
}

func isGzipped(data []byte) bool {
	return len(data) > 1 && data[0] == 0x1f && data[1] == 0x8b
}

func gzipTile(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
