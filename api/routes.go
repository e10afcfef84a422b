package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) registerRoutes(r gin.IRouter) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/metrics", s.handleMetrics)

	v1 := r.Group("/api/v1")

	// Administration
	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.POST("/sessions/:id/options", s.handleAddOption)
	v1.GET("/sessions/:id/options", s.handleListOptions)
	v1.PUT("/sessions/:id/eligibility", s.handleSetEligibility)
	v1.POST("/sessions/:id/eligibility/compute", s.handleComputeEligibility)
	v1.POST("/sessions/:id/open", s.handleOpen)
	v1.POST("/sessions/:id/close", s.handleClose)
	v1.POST("/sessions/:id/tally", s.handleTally)
	v1.GET("/sessions/:id/tally", s.handleGetTally)
	v1.POST("/sessions/:id/cancel", s.handleCancel)
	v1.POST("/sessions/:id/reminders", s.handleReminders)
	v1.GET("/sessions/:id/statistics", s.handleStatistics)
	v1.GET("/sessions/:id/key-access", s.handleKeyAccess)
	v1.GET("/sessions/:id/anchors", s.handleAnchors)

	// Voters
	v1.POST("/sessions/:id/ballots", s.handleCast)
	v1.GET("/sessions/:id/ballots", s.handlePublishedBallots)
	v1.GET("/sessions/:id/voted", s.handleHasVoted)
	v1.GET("/sessions/:id/root", s.handleRoot)
	v1.GET("/sessions/:id/proofs/:sequence", s.handleProof)

	// Custodians
	v1.GET("/sessions/:id/shares/:custodian", s.handleWrappedShare)
	v1.POST("/sessions/:id/shares", s.handleSubmitShare)

	// Auditors
	v1.POST("/auditors", s.handleRegisterAuditor)
	v1.POST("/sessions/:id/auditors", s.handleAssignAuditor)
	v1.GET("/sessions/:id/audit/root", s.handleAuditRoot)
	v1.GET("/sessions/:id/audit/proofs/:sequence", s.handleAuditProof)
	v1.POST("/sessions/:id/audit/verify", s.handleAuditVerify)
	v1.POST("/sessions/:id/audit/anchors/:anchor", s.handleAuditAnchor)
	v1.POST("/sessions/:id/findings", s.handleSubmitFinding)
	v1.GET("/sessions/:id/findings", s.handleFindings)
}
