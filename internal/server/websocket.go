package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/amirphl/simple-backtester/internal/backtest"
)

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is one frame of the progress stream. The final frame has type
// "result" and carries the finished run.
type wsMessage struct {
	Type   string            `json:"type"`
	Update *backtest.Update  `json:"update,omitempty"`
	Run    *backtest.RunInfo `json:"run,omitempty"`
}

func (s *Server) streamBacktest(c *gin.Context) {
	id := c.Param("id")
	updates, unsubscribe, err := s.manager.Subscribe(id)
	if err != nil {
		errorJSON(c, statusFor(err), err)
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("streamBacktest | upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go readPump(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case u, ok := <-updates:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				msg := wsMessage{Type: "result"}
				if info, err := s.manager.Get(id); err == nil {
					msg.Run = &info
				}
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
				return
			}
			if err := conn.WriteJSON(wsMessage{Type: "progress", Update: &u}); err != nil {
				s.logger.Printf("streamBacktest | write error: %v", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-closed:
			return
		}
	}
}

// readPump discards client frames and keeps the read deadline alive on
// pongs. It closes closed when the client goes away.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
