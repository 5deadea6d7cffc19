package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kode4food/sortie/internal/broadcast"
	"github.com/kode4food/sortie/pkg/api"
	"github.com/kode4food/sortie/pkg/log"
)

type (
	// wsSink adapts a WebSocket connection to the broadcast.Sink
	// interface. The read pump exists only to detect disconnects and to
	// answer pings
	wsSink struct {
		conn *websocket.Conn
		mu   sync.Mutex
		done chan struct{}
		once sync.Once
	}

	wsFrame struct {
		Seq     int64           `json:"seq,omitempty"`
		Retry   int             `json:"retry,omitempty"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 512
	wsBufferSize   = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsBufferSize,
	WriteBufferSize: wsBufferSize,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWebSocket upgrades the connection and attaches it to the
// mission's live event feed
func (s *Server) handleWebSocket(c *gin.Context) {
	id := api.MissionID(c.Param("missionID"))
	if _, err := s.engine.GetMission(c.Request.Context(), id); err != nil {
		s.missionError(c, id, err, ErrGetMission)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed",
			log.Error(err))
		return
	}

	sink := newWSSink(conn)
	go sink.readPump()
	s.broadcaster.AddClient(string(id), sink)
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{
		conn: conn,
		done: make(chan struct{}),
	}
}

func (w *wsSink) Hello() error {
	return w.writeJSON(&wsFrame{
		Type:  "hello",
		Retry: broadcast.RetryHintMS,
	})
}

func (w *wsSink) Deliver(seq int64, payload []byte) error {
	return w.writeJSON(&wsFrame{
		Type:    "event",
		Seq:     seq,
		Payload: payload,
	})
}

func (w *wsSink) Notify(payload []byte) error {
	return w.writeJSON(&wsFrame{
		Type:    "notice",
		Payload: payload,
	})
}

func (w *wsSink) Close() {
	w.once.Do(func() {
		close(w.done)
		_ = w.conn.Close()
	})
}

func (w *wsSink) Done() <-chan struct{} {
	return w.done
}

func (w *wsSink) writeJSON(frame *wsFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(frame)
}

func (w *wsSink) readPump() {
	defer w.Close()

	w.conn.SetReadLimit(maxMessageSize)
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
		_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}
