package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/tether/pkg/broadcast"
	"github.com/haasonsaas/tether/pkg/config"
	"github.com/haasonsaas/tether/pkg/deviceauth"
	"github.com/haasonsaas/tether/pkg/heartbeat"
	"github.com/haasonsaas/tether/pkg/registration"
	"github.com/haasonsaas/tether/pkg/store"
	"github.com/rs/zerolog"
)

type Server struct {
	store         *store.Store
	hub           *broadcast.Hub
	fanout        *broadcast.Fanout
	workflow      *registration.Workflow
	authenticator *deviceauth.Authenticator
	processor     *heartbeat.Processor
	rateLimiter   *RateLimiter
	adminToken    string
	registerLimit int
	logger        zerolog.Logger
}

func newServer(st *store.Store, hub *broadcast.Hub, cfg *config.ServerConfig, logger zerolog.Logger) *Server {
	fanout := broadcast.NewFanout(hub, st, logger)
	return &Server{
		store:         st,
		hub:           hub,
		fanout:        fanout,
		workflow:      registration.New(st, fanout, logger),
		authenticator: deviceauth.New(st, cfg.Security.MismatchThreshold, logger),
		processor:     heartbeat.NewProcessor(st, fanout, logger),
		rateLimiter:   NewRateLimiter(),
		adminToken:    cfg.Admin.Token,
		registerLimit: cfg.Security.RegisterRateLimit,
		logger:        logger.With().Str("component", "http").Logger(),
	}
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), withRequestContext(s.logger))

	r.GET("/v1/health", s.handleHealth)
	s.registerAgentRoutes(r)
	s.registerAdminRoutes(r)
	s.registerStreamRoutes(r)
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		logger := requestLogger(c, s.logger)
		logger.Error().Err(err).Msg("database ping failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "version": Version})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": Version})
}

// runOfflineSweep marks devices offline once they miss heartbeats for
// olderThan and clears stale rate limiter windows.
func (s *Server) runOfflineSweep(ctx context.Context, every, olderThan time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.processor.SweepOffline(ctx, olderThan)
			if err != nil {
				s.logger.Warn().Err(err).Msg("offline sweep failed")
			} else if n > 0 {
				s.logger.Info().Int("devices", n).Msg("devices marked offline")
			}
			s.rateLimiter.Prune()
		}
	}
}

// runStatsBroadcast pushes dashboard counters while anyone is watching.
func (s *Server) runStatsBroadcast(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.Subscribers(broadcast.TopicDashboard) == 0 {
				continue
			}
			if err := s.fanout.BroadcastStats(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("stats broadcast failed")
			}
		}
	}
}
