// Package sink persists capture events: at most one store write per source
// per throttle slot. The slot width is tunable at runtime from a fixed
// allowed set, and the per-source slot marker only advances after the store
// accepted the write.
package sink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appconfig "shopflow/config"
	"shopflow/internal/channel"
	"shopflow/internal/timegrid"
	"shopflow/logger"
	"shopflow/models"
	"shopflow/registry"
)

// StoreWriter is the slice of the store client the sink needs.
type StoreWriter interface {
	Insert(ctx context.Context, table string, record models.Record) error
	BatchInsert(ctx context.Context, table string, records []models.Record) error
}

type Sink struct {
	config   *appconfig.Config
	registry *registry.Registry
	markers  MarkerStore
	writer   StoreWriter
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	throttleMinutes int64

	// Metrics
	eventsProcessed int64
	rowsWritten     int64
	eventsSkipped   int64
	errorsCount     int64
}

func NewSink(cfg *appconfig.Config, reg *registry.Registry, markers MarkerStore, writer StoreWriter, channels *channel.Channels) *Sink {
	s := &Sink{
		config:   cfg,
		registry: reg,
		markers:  markers,
		writer:   writer,
		channels: channels,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
	atomic.StoreInt64(&s.throttleMinutes, int64(cfg.Sink.ThrottleMinutes))
	return s
}

// ThrottleMinutes returns the current slot width.
func (s *Sink) ThrottleMinutes() int {
	return int(atomic.LoadInt64(&s.throttleMinutes))
}

// SetThrottleMinutes changes the slot width at runtime. Only widths from
// the configured allowed set are accepted.
func (s *Sink) SetThrottleMinutes(minutes int) error {
	if !s.config.Sink.ThrottleAllowed(minutes) {
		return fmt.Errorf("throttle width %d not in allowed set %v", minutes, s.config.Sink.AllowedMinutes)
	}
	atomic.StoreInt64(&s.throttleMinutes, int64(minutes))
	s.log.WithComponent("sink").WithFields(logger.Fields{"throttle_minutes": minutes}).Info("throttle width changed")
	return nil
}

func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sink already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	log := s.log.WithComponent("sink").WithFields(logger.Fields{"operation": "start"})

	numWorkers := s.config.Sink.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}

	log.WithFields(logger.Fields{
		"workers":          numWorkers,
		"throttle_minutes": s.ThrottleMinutes(),
	}).Info("starting sink")

	for i := 0; i < numWorkers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	go s.metricsReporter(ctx)

	log.Info("sink started successfully")
	return nil
}

func (s *Sink) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.log.WithComponent("sink").Info("stopping sink")
	s.wg.Wait()
	s.log.WithComponent("sink").Info("sink stopped")
}

func (s *Sink) worker(workerID int) {
	defer s.wg.Done()

	log := s.log.WithComponent("sink").WithFields(logger.Fields{"worker_id": workerID})
	log.Info("starting sink worker")

	for {
		select {
		case <-s.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case ev, ok := <-s.channels.Events:
			if !ok {
				log.Info("event channel closed, worker stopping")
				return
			}

			start := time.Now()
			s.processEvent(ev)
			duration := time.Since(start)

			atomic.AddInt64(&s.eventsProcessed, 1)

			logger.LogPerformanceEntry(log, "sink", "process_event", duration, logger.Fields{
				"worker_id": workerID,
				"source":    ev.SourceID,
			})
		}
	}
}

// processEvent applies the slot throttle and writes the event's record(s).
// Marker and last-write state move only after the store accepted the write,
// so a failed write leaves the slot open for the next event.
func (s *Sink) processEvent(ev models.CaptureEvent) {
	log := s.log.WithComponent("sink").WithFields(logger.Fields{
		"source":      ev.SourceID,
		"recorded_at": ev.RecordedAt,
	})

	src, ok := s.registry.ByID(ev.SourceID)
	if !ok {
		atomic.AddInt64(&s.errorsCount, 1)
		log.Warn("event references unknown source, dropped")
		return
	}

	throttle := s.ThrottleMinutes()
	slotKey := timegrid.SlotKey(ev.RecordedAt, throttle)
	if slotKey == "" {
		atomic.AddInt64(&s.errorsCount, 1)
		log.Warn("event timestamp not in the expected encoding, dropped")
		return
	}

	lastSlot, err := s.markers.LastSlot(ev.SourceID)
	if err != nil {
		atomic.AddInt64(&s.errorsCount, 1)
		log.WithError(err).Warn("failed to read slot marker, event dropped")
		return
	}
	if lastSlot == slotKey {
		atomic.AddInt64(&s.eventsSkipped, 1)
		logger.IncrementSinkSkip()
		s.markers.AppendDiagnostic("log", fmt.Sprintf("captured [%s], slot %s already written", ev.SourceID, slotKey))
		log.WithFields(logger.Fields{"slot": slotKey}).Debug("slot already written, event skipped")
		return
	}

	records, err := s.buildRecords(src, ev)
	if err != nil {
		atomic.AddInt64(&s.errorsCount, 1)
		log.WithError(err).Warn("event carries no usable record, dropped")
		return
	}

	if src.MultiRows {
		err = s.writer.BatchInsert(s.ctx, src.Table, records)
	} else {
		err = s.writer.Insert(s.ctx, src.Table, records[0])
	}
	if err != nil {
		atomic.AddInt64(&s.errorsCount, 1)
		s.markers.AppendDiagnostic("warn", fmt.Sprintf("store write failed for [%s]: %v", ev.SourceID, err))
		log.WithError(err).Warn("store write failed, slot marker not advanced")
		return
	}

	if err := s.markers.SetLastSlot(ev.SourceID, slotKey); err != nil {
		log.WithError(err).Warn("failed to persist slot marker")
	}
	if err := s.markers.SetLastWrite(LastWrite{
		At:       time.Now().UTC().Format(time.RFC3339),
		SlotKey:  slotKey,
		SourceID: ev.SourceID,
	}); err != nil {
		log.WithError(err).Warn("failed to persist last-write record")
	}
	s.markers.AppendDiagnostic("log", fmt.Sprintf("captured [%s], %d row(s) written", ev.SourceID, len(records)))

	atomic.AddInt64(&s.rowsWritten, int64(len(records)))
	logger.IncrementSinkWrite(len(records))
	logger.LogDataFlowEntry(log, "events", src.Table, len(records), "store_rows")
}

// buildRecords turns one event into its store rows: a batch for multi-row
// sources, a payload copy for full-record sources, otherwise a single
// valueKey column. Every row carries the ISO form of the capture time.
func (s *Sink) buildRecords(src *registry.Source, ev models.CaptureEvent) ([]models.Record, error) {
	createdAt := timegrid.CustomToISO(ev.RecordedAt)

	switch {
	case src.MultiRows:
		if len(ev.Items) == 0 {
			return nil, fmt.Errorf("multi-row event without items")
		}
		records := make([]models.Record, 0, len(ev.Items))
		for _, item := range ev.Items {
			record := make(models.Record, len(item)+1)
			for k, v := range item {
				record[k] = v
			}
			record["created_at"] = createdAt
			records = append(records, record)
		}
		return records, nil

	case src.FullRecord:
		if len(ev.Payload) == 0 {
			return nil, fmt.Errorf("full-record event without payload")
		}
		record := make(models.Record, len(ev.Payload)+1)
		for k, v := range ev.Payload {
			record[k] = v
		}
		record["created_at"] = createdAt
		return []models.Record{record}, nil

	default:
		if ev.Value == nil {
			return nil, fmt.Errorf("single-value event without value")
		}
		return []models.Record{{
			src.ValueKey: *ev.Value,
			"created_at": createdAt,
		}}, nil
	}
}

func (s *Sink) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reportMetrics()
		}
	}
}

func (s *Sink) reportMetrics() {
	events := atomic.LoadInt64(&s.eventsProcessed)
	rows := atomic.LoadInt64(&s.rowsWritten)
	skipped := atomic.LoadInt64(&s.eventsSkipped)
	errors := atomic.LoadInt64(&s.errorsCount)

	s.log.LogMetric("sink", "events_processed", events, "counter", logger.Fields{})
	s.log.LogMetric("sink", "rows_written", rows, "counter", logger.Fields{})
	s.log.LogMetric("sink", "events_skipped", skipped, "counter", logger.Fields{})
	s.log.LogMetric("sink", "errors_count", errors, "counter", logger.Fields{})

	s.log.WithComponent("sink").WithFields(logger.Fields{
		"events_processed": events,
		"rows_written":     rows,
		"events_skipped":   skipped,
		"errors_count":     errors,
		"throttle_minutes": s.ThrottleMinutes(),
	}).Info("sink metrics")
}
