package sink

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/provider-ranking/internal/types"
)

// Writer defaults
const (
	DefaultBufferSize    = 1000
	DefaultBatchSize     = 100
	DefaultFlushInterval = 10 * time.Second
	DefaultWriteTimeout  = 5 * time.Second
)

// WriterConfig controls buffering between the engine and a Sink
type WriterConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// Writer buffers outcomes and snapshots and hands them to a Sink from a
// single background goroutine. Enqueue never blocks; when the buffer is
// full the entry is dropped with a warning.
type Writer struct {
	sink     Sink
	config   WriterConfig
	logger   *logrus.Logger
	observer Observer

	outcomes  chan OutcomeEntry
	snapshots chan *types.RankingSnapshot
	stopChan  chan struct{}
	wg        sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// NewWriter starts a writer in front of s
func NewWriter(s Sink, config WriterConfig, logger *logrus.Logger, observer Observer) *Writer {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}

	w := &Writer{
		sink:      s,
		config:    config,
		logger:    logger,
		observer:  observer,
		outcomes:  make(chan OutcomeEntry, config.BufferSize),
		snapshots: make(chan *types.RankingSnapshot, 16),
		stopChan:  make(chan struct{}),
	}

	w.wg.Add(1)
	go w.process()
	return w
}

// EnqueueOutcome queues one outcome for the sink
func (w *Writer) EnqueueOutcome(id types.ProviderID, rec types.OutcomeRecord) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return
	}

	select {
	case w.outcomes <- OutcomeEntry{ProviderID: id, Record: rec}:
	default:
		w.logger.WithField("provider", id).Warn("Sink buffer full, dropping outcome")
		w.dropped(KindOutcome, 1)
	}
}

// EnqueueSnapshot queues a published snapshot for the sink
func (w *Writer) EnqueueSnapshot(snap *types.RankingSnapshot) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return
	}

	select {
	case w.snapshots <- snap:
	default:
		w.logger.WithField("snapshot_version", snap.Version).Warn("Sink buffer full, dropping snapshot")
		w.dropped(KindSnapshot, 1)
	}
}

// Stop flushes everything queued, then closes the sink
func (w *Writer) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()
	return w.sink.Close()
}

func (w *Writer) process() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]OutcomeEntry, 0, w.config.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.writeOutcomes(batch)
		batch = make([]OutcomeEntry, 0, w.config.BatchSize)
	}

	for {
		select {
		case entry := <-w.outcomes:
			batch = append(batch, entry)
			if len(batch) >= w.config.BatchSize {
				flush()
			}

		case snap := <-w.snapshots:
			// Outcomes that fed this snapshot go out first.
			flush()
			w.writeSnapshot(snap)

		case <-ticker.C:
			flush()

		case <-w.stopChan:
		drain:
			for {
				select {
				case entry := <-w.outcomes:
					batch = append(batch, entry)
					if len(batch) >= w.config.BatchSize {
						flush()
					}
				case snap := <-w.snapshots:
					flush()
					w.writeSnapshot(snap)
				default:
					break drain
				}
			}
			flush()
			return
		}
	}
}

func (w *Writer) writeOutcomes(batch []OutcomeEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), w.config.WriteTimeout)
	defer cancel()

	if err := w.sink.WriteOutcomes(ctx, batch); err != nil {
		w.logger.WithError(err).WithField("count", len(batch)).Error("Failed to write outcomes to sink")
		if w.observer != nil {
			w.observer.SinkFailed(KindOutcome, len(batch))
		}
		return
	}
	if w.observer != nil {
		w.observer.SinkWritten(KindOutcome, len(batch))
	}
}

func (w *Writer) writeSnapshot(snap *types.RankingSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), w.config.WriteTimeout)
	defer cancel()

	if err := w.sink.WriteSnapshot(ctx, snap); err != nil {
		w.logger.WithError(err).WithField("snapshot_version", snap.Version).Error("Failed to write snapshot to sink")
		if w.observer != nil {
			w.observer.SinkFailed(KindSnapshot, 1)
		}
		return
	}
	if w.observer != nil {
		w.observer.SinkWritten(KindSnapshot, 1)
	}
}

func (w *Writer) dropped(kind string, n int) {
	if w.observer != nil {
		w.observer.SinkDropped(kind, n)
	}
}
