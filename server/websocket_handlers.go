package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/haasonsaas/tether/pkg/broadcast"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// registerStreamRoutes exposes live updates. Both streams are admin only.
func (s *Server) registerStreamRoutes(r *gin.Engine) {
	ws := r.Group("/v1/ws", s.requireAdmin)
	ws.GET("/dashboard", s.handleDashboardStream)
	ws.GET("/devices/:id", s.handleDeviceStream)
}

func (s *Server) handleDashboardStream(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load stats", s.logger)
		return
	}
	s.stream(c, broadcast.TopicDashboard, broadcast.Event{Type: broadcast.EventDashboardStats, Payload: stats})
}

func (s *Server) handleDeviceStream(c *gin.Context) {
	device, ok := s.loadDevice(c)
	if !ok {
		return
	}
	services, software, err := s.store.InventoryCounts(c.Request.Context(), device.ID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to count inventory", s.logger)
		return
	}
	s.stream(c, broadcast.DeviceTopic(device.ID), broadcast.Event{
		Type:    broadcast.EventDeviceUpdated,
		Payload: broadcast.Summarize(*device, services, software),
	})
}

// stream upgrades the request and forwards every event on topic, starting
// with initial, until the client goes away or the hub shuts down.
func (s *Server) stream(c *gin.Context, topic string, initial broadcast.Event) {
	logger := requestLogger(c, s.logger).With().Str("topic", topic).Logger()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe(topic)
	defer sub.Close()
	logger.Info().Str("subscriber", sub.ID).Msg("stream subscriber connected")

	done := make(chan struct{})
	go readUntilClosed(conn, done, logger)

	initial.SentAt = time.Now().UTC()
	if err := writeEvent(conn, initial); err != nil {
		logger.Debug().Err(err).Msg("initial write failed")
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				logger.Debug().Err(err).Msg("stream write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			logger.Info().Str("subscriber", sub.ID).Msg("stream subscriber disconnected")
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev broadcast.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(ev)
}

// readUntilClosed discards client messages and keeps the read deadline moving
// on pongs. done is closed when the connection fails.
func readUntilClosed(conn *websocket.Conn, done chan<- struct{}, logger zerolog.Logger) {
	defer close(done)
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("stream read failed")
			}
			return
		}
	}
}
