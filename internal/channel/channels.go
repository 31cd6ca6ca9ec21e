package channel

import (
	"context"
	"sync"
	"time"

	"shopflow/logger"
	"shopflow/models"
)

type ChannelStats struct {
	ObservationsSent    int64
	EventsSent          int64
	ObservationsDropped int64
	EventsDropped       int64
}

// Channels carries data between the ingest surface, the capture agent and
// the throttled sink. Sends never block: a full buffer drops the message and
// counts the drop.
type Channels struct {
	Observations chan models.Observation
	Events       chan models.CaptureEvent

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(observationBuffer, eventBuffer int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Observations: make(chan models.Observation, observationBuffer),
		Events:       make(chan models.CaptureEvent, eventBuffer),
		log:          log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"observation_buffer": observationBuffer,
		"event_buffer":       eventBuffer,
	}).Info("channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Observations)
	close(c.Events)
	c.log.WithComponent("channels").Info("channels closed")
}

func (c *Channels) SendObservation(ctx context.Context, obs models.Observation) bool {
	select {
	case c.Observations <- obs:
		c.statsMutex.Lock()
		c.stats.ObservationsSent++
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("observations", len(obs.Body))
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.ObservationsDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) SendEvent(ctx context.Context, ev models.CaptureEvent) bool {
	select {
	case c.Events <- ev:
		c.statsMutex.Lock()
		c.stats.EventsSent++
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("events", 1)
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.EventsDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting logs channel utilisation and drop counts every
// 30 seconds until the context is cancelled.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	log := c.log.WithComponent("channels")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			log.WithFields(logger.Fields{
				"observations_sent":    stats.ObservationsSent,
				"observations_dropped": stats.ObservationsDropped,
				"events_sent":          stats.EventsSent,
				"events_dropped":       stats.EventsDropped,
				"observation_len":      len(c.Observations),
				"observation_cap":      cap(c.Observations),
				"event_len":            len(c.Events),
				"event_cap":            cap(c.Events),
			}).Info("channel metrics")
		}
	}
}
