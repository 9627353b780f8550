package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/tether/pkg/apperr"
	"github.com/haasonsaas/tether/pkg/auth"
	"github.com/haasonsaas/tether/pkg/deviceauth"
	"github.com/haasonsaas/tether/pkg/heartbeat"
	"github.com/haasonsaas/tether/pkg/registration"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// registerAgentRoutes exposes the endpoints agents call. Registration and
// status polling happen before the agent holds a token and are unauthenticated.
func (s *Server) registerAgentRoutes(r *gin.Engine) {
	agents := r.Group("/v1/agents")
	agents.POST("/register", s.limitByClientIP("register", s.registerLimit), s.handleRegister)
	agents.GET("/register/:agent_id/status", s.handleRegistrationStatus)
	r.POST("/v1/heartbeat", s.handleHeartbeat)
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registration.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err, s.logger)
		return
	}

	outcome, err := s.workflow.Register(c.Request.Context(), req)
	if err != nil {
		respondAppError(c, err, s.logger)
		return
	}

	reg := outcome.Registration
	message := "registration submitted, waiting for admin approval"
	if !outcome.Created {
		message = "registration is pending admin approval"
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":          registration.StatePending,
		"message":         message,
		"registration_id": reg.ID,
		"agent_id":        reg.AgentID,
		"agent_name":      reg.AgentName,
		"requested_at":    reg.RequestedAt,
	})
}

func (s *Server) handleRegistrationStatus(c *gin.Context) {
	status, err := s.workflow.CheckStatus(c.Request.Context(), c.Param("agent_id"))
	if err != nil {
		respondAppError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	bearer, err := auth.ParseBearer(c.GetHeader("Authorization"))
	if err != nil {
		respondAppError(c, apperr.Authentication(err.Error()), s.logger)
		return
	}

	var payload heartbeat.Payload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondBindError(c, err, s.logger)
		return
	}

	ctx := c.Request.Context()
	creds := deviceauth.Credentials{
		Token:       bearer,
		Fingerprint: payload.DeviceFingerprint,
		Hostname:    payload.Hostname,
		AgentID:     payload.AgentID,
	}
	token, err := s.authenticator.Verify(ctx, creds)
	if err != nil {
		respondAppError(c, err, s.logger)
		return
	}
	// a rejected payload must not use up the token's first-use bind
	if err := payload.Validate(); err != nil {
		respondAppError(c, err, s.logger)
		return
	}
	token, err = s.authenticator.Confirm(ctx, token, creds)
	if err != nil {
		respondAppError(c, err, s.logger)
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("agent.id", token.AgentID))

	res, err := s.processor.Process(ctx, token, payload)
	if err != nil {
		respondAppError(c, err, s.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"device_id": res.Device.ID,
		"services":  res.Services,
		"software":  res.Software,
	})
}
