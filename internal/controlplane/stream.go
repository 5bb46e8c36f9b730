package controlplane

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fentz26/agentplane/internal/models"
)

const (
	streamBuffer    = 64
	streamWriteWait = 10 * time.Second
	streamPingEvery = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The API binds to localhost by default.
		return true
	},
}

// streamEvents handles GET /events/stream. Each event is sent as one JSON
// text frame; ?type= narrows the stream to one event type. Slow clients lose
// events rather than stalling the bus.
func (s *Server) streamEvents(c *gin.Context) {
	var filter models.EventType
	if t := c.Query("type"); t != "" {
		filter = models.EventType(t)
		if !filter.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event type: " + t})
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", zap.Error(err))
		return
	}
	defer conn.Close()

	queue := make(chan models.Event, streamBuffer)
	unsubscribe, err := s.service.SubscribeEvents(func(ctx context.Context, ev models.Event) error {
		if filter != "" && ev.Type != filter {
			return nil
		}
		select {
		case queue <- ev:
		default:
		}
		return nil
	})
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
			time.Now().Add(streamWriteWait))
		return
	}
	defer unsubscribe()

	log := s.logger.With(zap.String("request_id", c.GetString("request_id")))
	log.Info("event_stream_opened", zap.String("filter", string(filter)))
	defer log.Info("event_stream_closed")

	// Reads only detect the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case ev := <-queue:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("event_stream_write_failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
