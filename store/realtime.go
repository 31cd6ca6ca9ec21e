package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "shopflow/config"
	"shopflow/logger"
	"shopflow/models"
)

const (
	realtimeReconnectDelay   = 5 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
)

// InsertHandler receives every row-insert notification. Handlers must not
// block; slow consumers stall the read loop.
type InsertHandler func(table string, record models.Record)

// Listener subscribes to the store's Phoenix-style realtime channel and
// surfaces INSERT events for the given tables. Best effort: on any failure
// it reconnects and resumes, consumers fall back to polling in between.
type Listener struct {
	cfg     appconfig.StoreConfig
	tables  []string
	handler InsertHandler
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

func NewListener(cfg appconfig.StoreConfig, tables []string, handler InsertHandler) *Listener {
	return &Listener{
		cfg:     cfg,
		tables:  tables,
		handler: handler,
		wg:      &sync.WaitGroup{},
		log:     logger.GetLogger(),
	}
}

func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("realtime listener already running")
	}
	l.running = true
	l.ctx = ctx
	l.mu.Unlock()

	log := l.log.WithComponent("realtime_listener")
	log.WithFields(logger.Fields{"tables": strings.Join(l.tables, ",")}).Info("starting realtime listener")

	l.wg.Add(1)
	go l.run()

	return nil
}

func (l *Listener) Stop() {
	l.mu.Lock()
	l.running = false
	l.mu.Unlock()

	l.log.WithComponent("realtime_listener").Info("stopping realtime listener")
	l.wg.Wait()
	l.log.WithComponent("realtime_listener").Info("realtime listener stopped")
}

func (l *Listener) websocketURL() string {
	base := strings.TrimRight(l.cfg.URL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/realtime/v1/websocket?apikey=" + l.cfg.APIKey + "&vsn=1.0.0"
}

func (l *Listener) run() {
	defer l.wg.Done()

	log := l.log.WithComponent("realtime_listener")
	url := l.websocketURL()

	for {
		if l.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(l.ctx, url, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect to realtime websocket")
			if waitForReconnect(l.ctx, realtimeReconnectDelay) {
				return
			}
			continue
		}

		if err := l.join(conn); err != nil {
			log.WithError(err).Warn("failed to join realtime topics")
			conn.Close()
			if waitForReconnect(l.ctx, realtimeReconnectDelay) {
				return
			}
			continue
		}

		heartbeatCancel := l.startHeartbeat(conn, log)

		// ReadJSON has no context hook; closing the connection is the only
		// way to unblock a pending read when the listener shuts down.
		readDone := make(chan struct{})
		go func() {
			select {
			case <-l.ctx.Done():
				conn.Close()
			case <-readDone:
			}
		}()

		if err := l.readLoop(conn); err != nil && l.ctx.Err() == nil {
			log.WithError(err).Warn("realtime read loop ended")
		}
		close(readDone)

		heartbeatCancel()
		conn.Close()

		if l.ctx.Err() != nil {
			return
		}
		if waitForReconnect(l.ctx, realtimeReconnectDelay) {
			return
		}
	}
}

func (l *Listener) join(conn *websocket.Conn) error {
	for i, table := range l.tables {
		msg := phxMessage{
			Topic:   "realtime:public:" + table,
			Event:   "phx_join",
			Payload: json.RawMessage(`{}`),
			Ref:     strconv.Itoa(i + 1),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

func (l *Listener) startHeartbeat(conn *websocket.Conn, log *logger.Entry) context.CancelFunc {
	interval := l.cfg.Realtime.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}

	hbCtx, cancel := context.WithCancel(l.ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		ref := 0
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				ref++
				msg := phxMessage{
					Topic:   "phoenix",
					Event:   "heartbeat",
					Payload: json.RawMessage(`{}`),
					Ref:     "hb-" + strconv.Itoa(ref),
				}
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					log.WithError(err).Warn("failed to send realtime heartbeat")
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}

func (l *Listener) readLoop(conn *websocket.Conn) error {
	log := l.log.WithComponent("realtime_listener")

	for {
		if l.ctx.Err() != nil {
			return l.ctx.Err()
		}
		var msg phxMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Event != "INSERT" {
			continue
		}

		var payload struct {
			Table  string        `json:"table"`
			Record models.Record `json:"record"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			log.WithError(err).Warn("failed to decode realtime payload")
			continue
		}

		table := payload.Table
		if table == "" {
			table = strings.TrimPrefix(msg.Topic, "realtime:public:")
		}
		if l.handler != nil && payload.Record != nil {
			l.handler(table, payload.Record)
		}
	}
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
