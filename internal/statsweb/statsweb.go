// Package statsweb implements the stats streaming endpoint named in
// SPEC_FULL.md §4.I/§6: a one-way websocket broadcast of Channel Manager
// snapshots.
//
// A heavily adapted descendant of web/conn.go's concurrentConn: the
// mutex-guarded single-writer WriteMessage pattern is kept, but the
// bidirectional flow-editing protocol (break points, wait-for-intercept
// channels) is discarded in favor of a periodic one-way broadcast. The
// websocket.Upgrader construction follows the pack's general shape for
// upgrading an http.ResponseWriter/Request pair.
package statsweb

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/owlnet/portmux/internal/channel"
)

// BroadcastInterval is how often a ChannelSnapshot frame is pushed to
// each connected client (SPEC_FULL.md §6).
const BroadcastInterval = 2 * time.Second

// ChannelSnapshot is the JSON frame streamed to websocket clients.
type ChannelSnapshot struct {
	Channels []channel.Stats `json:"channels"`
}

// Server serves GET /stats, upgrading to a websocket and streaming
// ChannelSnapshot frames every BroadcastInterval until the client
// disconnects.
type Server struct {
	// Interval overrides BroadcastInterval; exposed so tests don't have
	// to wait out the production cadence.
	Interval time.Duration

	manager  *channel.Manager
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer constructs a Server reading counters from manager.
func NewServer(manager *channel.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Interval: BroadcastInterval,
		manager:  manager,
		logger:   logger.With("in", "statsweb.Server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler; mount at GET /stats.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	wc := &writerConn{conn: conn}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := wc.writeSnapshot(s.manager.Snapshot()); err != nil {
				s.logger.Debug("write websocket message failed", "error", err)
				return
			}
		}
	}
}

// writerConn serializes concurrent writes to a single *websocket.Conn
// (gorilla/websocket only permits one writer at a time), matching
// web/conn.go's concurrentConn.writeMessage mutex discipline.
type writerConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *writerConn) writeSnapshot(stats []channel.Stats) error {
	body, err := json.Marshal(ChannelSnapshot{Channels: stats})
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, body)
}
