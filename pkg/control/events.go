package control

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const eventWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents отдает события контроллера по WebSocket.
// Первое сообщение - текущее состояние.
func (s *Server) handleEvents(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("не удалось открыть websocket событий")
		return
	}
	defer ws.Close()

	events, unsubscribe := s.cfg.Phone.Subscribe()
	defer unsubscribe()

	// читаем только ради close и pong
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) error {
		_ = ws.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
		return ws.WriteJSON(v)
	}
	if err := write(gin.H{"kind": "hello", "snapshot": s.cfg.Phone.Snapshot()}); err != nil {
		return
	}

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-s.base.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(eventWriteTimeout))
			return
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := write(ev); err != nil {
				s.logger.Debug().Err(err).Msg("клиент событий отключился")
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout)); err != nil {
				return
			}
		}
	}
}
