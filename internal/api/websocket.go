package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tradecouncil/council/internal/analyzer"
)

const (
	// writeWait bounds a single frame write to the peer
	writeWait = 10 * time.Second
	// pongWait is how long the peer has to answer a ping
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait
	pingPeriod = (pongWait * 9) / 10
	// maxStreamMessageSize caps inbound frames; clients only ever pong
	maxStreamMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS policy is already wide open on the REST surface
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamMessage is one websocket frame of the progress stream
type streamMessage struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Data      analyzer.Progress `json:"data"`
}

// handleAnalysisStream upgrades the connection and forwards progress
// updates until the analysis reaches a terminal state or the peer
// disconnects
func (s *Server) handleAnalysisStream(c *gin.Context) {
	id := c.Param("id")
	updates, cancel, err := s.analyzer.Watch(id)
	if err != nil {
		fail(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cancel()
		s.log.Warn().Err(err).Str("analysis_id", id).Msg("Websocket upgrade failed")
		return
	}

	client := &streamClient{
		conn:    conn,
		updates: updates,
		cancel:  cancel,
		log:     s.log.With().Str("analysis_id", id).Logger(),
	}
	go client.readPump()
	client.writePump()
}

// streamClient is one subscriber connection
type streamClient struct {
	conn    *websocket.Conn
	updates <-chan analyzer.Progress
	cancel  func()
	log     zerolog.Logger
}

// readPump drains the connection so pongs and close frames are
// processed. Peers send nothing else.
func (c *streamClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxStreamMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug().Err(err).Msg("Websocket read ended")
			}
			return
		}
	}
}

// writePump forwards progress frames and keeps the connection alive
// with pings. It returns when the update stream closes or a write
// fails.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.conn.Close()
	}()

	for {
		select {
		case p, ok := <-c.updates:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "analysis finished"))
				return
			}
			msg := streamMessage{Type: "progress", Timestamp: time.Now(), Data: p}
			if p.Status.Terminal() {
				msg.Type = "final"
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Debug().Err(err).Msg("Websocket write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
