package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/haasonsaas/tether/pkg/auth"
	"github.com/haasonsaas/tether/pkg/broadcast"
	"github.com/haasonsaas/tether/pkg/store"
)

// approverHeader names the administrator recorded on approvals and rejections.
const approverHeader = "X-Tether-Admin"

func (s *Server) registerAdminRoutes(r *gin.Engine) {
	admin := r.Group("/v1/admin", s.requireAdmin)
	admin.POST("/tokens", s.handleCreateToken)
	admin.GET("/tokens", s.handleListTokens)
	admin.POST("/tokens/:id/activate", s.handleSetTokenActive(true))
	admin.POST("/tokens/:id/deactivate", s.handleSetTokenActive(false))

	admin.GET("/registrations", s.handleListRegistrations)
	admin.POST("/registrations/approve", s.handleBulkApprove)
	admin.POST("/registrations/reject", s.handleBulkReject)
	admin.POST("/registrations/:id/approve", s.handleApprove)
	admin.POST("/registrations/:id/reject", s.handleReject)

	admin.GET("/stats", s.handleStats)
	admin.GET("/devices", s.handleListDevices)
	admin.GET("/devices/:id", s.handleGetDevice)
	admin.GET("/devices/:id/services", s.handleDeviceServices)
	admin.GET("/devices/:id/software", s.handleDeviceSoftware)
}

// requireAdmin checks the admin bearer token. WebSocket upgrades may pass it
// as the token query parameter since browsers cannot set headers on them.
func (s *Server) requireAdmin(c *gin.Context) {
	token, err := auth.ParseBearer(c.GetHeader("Authorization"))
	if err != nil && websocket.IsWebSocketUpgrade(c.Request) {
		token, err = c.Query("token"), nil
	}
	if err != nil {
		respondError(c, http.StatusUnauthorized, err.Error(), s.logger)
		return
	}
	if token == "" || !auth.SecureCompare(token, s.adminToken) {
		respondError(c, http.StatusUnauthorized, "invalid admin token", s.logger)
		return
	}
	c.Next()
}

func approver(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(approverHeader))
}

func (s *Server) handleCreateToken(c *gin.Context) {
	var req struct {
		AgentID   string `json:"agent_id"`
		AgentName string `json:"agent_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err, s.logger)
		return
	}

	token, err := s.workflow.CreateToken(c.Request.Context(), req.AgentID, req.AgentName)
	if err != nil {
		respondAppError(c, err, s.logger)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         token.ID,
		"agent_id":   token.AgentID,
		"agent_name": token.AgentName,
		"token":      token.Token,
		"is_active":  token.IsActive,
		"created_at": token.CreatedAt,
	})
}

func (s *Server) handleListTokens(c *gin.Context) {
	tokens, err := s.workflow.ListTokens(c.Request.Context())
	if err != nil {
		respondAppError(c, err, s.logger)
		return
	}

	resp := make([]gin.H, 0, len(tokens))
	for _, t := range tokens {
		resp = append(resp, gin.H{
			"id":                         t.ID,
			"agent_id":                   t.AgentID,
			"agent_name":                 t.AgentName,
			"is_active":                  t.IsActive,
			"created_at":                 t.CreatedAt,
			"last_used":                  t.LastUsed,
			"bound_to_device":            t.Bound(),
			"bound_hostname":             t.BoundHostname,
			"bound_at":                   t.BoundAt,
			"fingerprint_mismatch_count": t.FingerprintMismatchCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(resp), "tokens": resp})
}

func (s *Server) handleSetTokenActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseUintParam(c.Param("id"))
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid token id", s.logger)
			return
		}
		if err := s.workflow.SetTokenActive(c.Request.Context(), id, active); err != nil {
			respondAppError(c, err, s.logger)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "is_active": active})
	}
}

func (s *Server) handleListRegistrations(c *gin.Context) {
	regs, err := s.workflow.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		respondAppError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(regs), "registrations": regs})
}

func (s *Server) handleApprove(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid registration id", s.logger)
		return
	}

	token, err := s.workflow.Approve(c.Request.Context(), id, approver(c))
	if err != nil {
		respondAppError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "approved",
		"registration_id": id,
		"agent_id":        token.AgentID,
		"token_id":        token.ID,
		"bound_hostname":  token.BoundHostname,
	})
}

func (s *Server) handleReject(c *gin.Context) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid registration id", s.logger)
		return
	}

	if err := s.workflow.Reject(c.Request.Context(), id, approver(c)); err != nil {
		respondAppError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected", "registration_id": id})
}

type bulkRequest struct {
	IDs []uint `json:"ids"`
}

func (s *Server) handleBulkApprove(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err, s.logger)
		return
	}
	result, err := s.workflow.BulkApprove(c.Request.Context(), req.IDs, approver(c))
	if err != nil {
		respondAppError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleBulkReject(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err, s.logger)
		return
	}
	result, err := s.workflow.BulkReject(c.Request.Context(), req.IDs, approver(c))
	if err != nil {
		respondAppError(c, err, s.logger)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load stats", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"devices": stats,
		"subscribers": gin.H{
			"dashboard": s.hub.Subscribers(broadcast.TopicDashboard),
		},
		"rate_limiter": s.rateLimiter.Stats(),
	})
}

func (s *Server) handleListDevices(c *gin.Context) {
	ctx := c.Request.Context()
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list devices", s.logger)
		return
	}

	resp := make([]broadcast.DeviceSummary, 0, len(devices))
	for _, d := range devices {
		services, software, err := s.store.InventoryCounts(ctx, d.ID)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "failed to count inventory", s.logger)
			return
		}
		resp = append(resp, broadcast.Summarize(d, services, software))
	}
	c.JSON(http.StatusOK, gin.H{"count": len(resp), "devices": resp})
}

func (s *Server) handleGetDevice(c *gin.Context) {
	device, ok := s.loadDevice(c)
	if !ok {
		return
	}
	services, software, err := s.store.InventoryCounts(c.Request.Context(), device.ID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to count inventory", s.logger)
		return
	}
	c.JSON(http.StatusOK, broadcast.Summarize(*device, services, software))
}

func (s *Server) handleDeviceServices(c *gin.Context) {
	device, ok := s.loadDevice(c)
	if !ok {
		return
	}
	services, err := s.store.ServicesForDevice(c.Request.Context(), device.ID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load services", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(services), "services": services})
}

func (s *Server) handleDeviceSoftware(c *gin.Context) {
	device, ok := s.loadDevice(c)
	if !ok {
		return
	}
	software, err := s.store.SoftwareForDevice(c.Request.Context(), device.ID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load software", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(software), "software": software})
}

// loadDevice resolves the :id parameter, responding itself on failure.
func (s *Server) loadDevice(c *gin.Context) (*store.Device, bool) {
	id, err := parseUintParam(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid device id", s.logger)
		return nil, false
	}
	device, err := s.store.DeviceByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, http.StatusNotFound, "device not found", s.logger)
		} else {
			respondError(c, http.StatusInternalServerError, "failed to load device", s.logger)
		}
		return nil, false
	}
	return device, true
}

func parseUintParam(raw string) (uint, error) {
	if raw == "" {
		return 0, fmt.Errorf("empty")
	}
	id64, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	if id64 == 0 {
		return 0, fmt.Errorf("zero id")
	}
	return uint(id64), nil
}
