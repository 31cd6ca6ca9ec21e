// Package capture turns intercepted dashboard responses into typed capture
// events: match the URL against the source registry, decode the body, run
// the source's extractor and stamp the result with the business timezone.
package capture

import (
	"context"
	"encoding/json"
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

type Agent struct {
	config   *appconfig.Config
	registry *registry.Registry
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	// Metrics
	observationsProcessed int64
	eventsEmitted         int64
	errorsCount           int64
}

func NewAgent(cfg *appconfig.Config, reg *registry.Registry, channels *channel.Channels) *Agent {
	return &Agent{
		config:   cfg,
		registry: reg,
		channels: channels,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("capture agent already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	log := a.log.WithComponent("capture_agent").WithFields(logger.Fields{"operation": "start"})

	numWorkers := a.config.Capture.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}

	log.WithFields(logger.Fields{
		"workers": numWorkers,
		"sources": len(a.registry.Sources()),
	}).Info("starting capture agent")

	for i := 0; i < numWorkers; i++ {
		a.wg.Add(1)
		go a.worker(i)
	}

	go a.metricsReporter(ctx)

	log.Info("capture agent started successfully")
	return nil
}

func (a *Agent) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	a.log.WithComponent("capture_agent").Info("stopping capture agent")
	a.wg.Wait()
	a.log.WithComponent("capture_agent").Info("capture agent stopped")
}

func (a *Agent) worker(workerID int) {
	defer a.wg.Done()

	log := a.log.WithComponent("capture_agent").WithFields(logger.Fields{
		"worker_id": workerID,
	})

	log.Info("starting capture worker")

	for {
		select {
		case <-a.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case obs, ok := <-a.channels.Observations:
			if !ok {
				log.Info("observation channel closed, worker stopping")
				return
			}

			start := time.Now()
			emitted := a.processObservation(obs)
			duration := time.Since(start)

			atomic.AddInt64(&a.observationsProcessed, 1)
			if emitted {
				atomic.AddInt64(&a.eventsEmitted, 1)
			}

			logger.LogPerformanceEntry(log, "capture_agent", "process_observation", duration, logger.Fields{
				"worker_id": workerID,
				"url":       obs.URL,
				"emitted":   emitted,
			})
		}
	}
}

// processObservation runs one observation through the registry. Returns
// whether a capture event was emitted. Extraction failures are contained
// per observation and never stop the worker.
func (a *Agent) processObservation(obs models.Observation) bool {
	logger.IncrementCaptureRead(len(obs.Body))

	src, ok := a.registry.Match(obs.URL)
	if !ok {
		return false
	}

	log := a.log.WithComponent("capture_agent").WithFields(logger.Fields{
		"source": src.ID,
		"url":    obs.URL,
	})

	var data interface{}
	if err := json.Unmarshal(obs.Body, &data); err != nil {
		atomic.AddInt64(&a.errorsCount, 1)
		log.WithError(err).Warn("failed to decode observation body")
		return false
	}

	ext, ok := a.extract(src, data, log)
	if !ok {
		return false
	}

	recordedAt := obs.RecordedAt
	if recordedAt == "" {
		recordedAt = timegrid.Now()
	}

	ev := models.CaptureEvent{
		SourceID:   src.ID,
		RecordedAt: recordedAt,
		Value:      ext.Value,
		Payload:    ext.Payload,
		Items:      ext.Items,
	}

	if !a.channels.SendEvent(a.ctx, ev) {
		log.Warn("event channel is full, capture event dropped")
		return false
	}

	logger.LogDataFlowEntry(log, "observations", "events", 1, "capture_event")
	return true
}

// extract shields the pipeline from a panicking extractor: the observation
// is dropped and counted as an error.
func (a *Agent) extract(src *registry.Source, data interface{}, log *logger.Entry) (ext models.Extraction, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&a.errorsCount, 1)
			log.WithFields(logger.Fields{"panic": fmt.Sprint(r)}).Warn("extractor panicked, observation dropped")
			ext, ok = models.Extraction{}, false
		}
	}()
	return src.Extract(data)
}

func (a *Agent) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reportMetrics()
		}
	}
}

func (a *Agent) reportMetrics() {
	observations := atomic.LoadInt64(&a.observationsProcessed)
	events := atomic.LoadInt64(&a.eventsEmitted)
	errors := atomic.LoadInt64(&a.errorsCount)

	a.log.LogMetric("capture_agent", "observations_processed", observations, "counter", logger.Fields{})
	a.log.LogMetric("capture_agent", "events_emitted", events, "counter", logger.Fields{})
	a.log.LogMetric("capture_agent", "errors_count", errors, "counter", logger.Fields{})

	a.log.WithComponent("capture_agent").WithFields(logger.Fields{
		"observations_processed": observations,
		"events_emitted":         events,
		"errors_count":           errors,
	}).Info("capture agent metrics")
}
