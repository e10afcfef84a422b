package api

import (
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"secure-voting/models"
	"secure-voting/service"
)

type registerAuditorRequest struct {
	Name         string `json:"name" binding:"required"`
	Organization string `json:"organization"`
	PublicKey    string `json:"publicKey" binding:"required"` // hex, uncompressed secp256k1
}

type assignRequest struct {
	AuditorID   string             `json:"auditorId" binding:"required"`
	AccessLevel models.AccessLevel `json:"accessLevel"`
}

type verifyRequest struct {
	BallotHash string                 `json:"ballotHash" binding:"required"`
	Proof      *models.InclusionProof `json:"proof" binding:"required"`
	Root       string                 `json:"root"`
}

type verifyResponse struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleRegisterAuditor(c *gin.Context) {
	var req registerAuditorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.manager.Authorize(c.Request.Context(), actor(c), service.ActionManageSession, ""); err != nil {
		fail(c, err)
		return
	}
	pub, err := hex.DecodeString(strings.TrimPrefix(req.PublicKey, "0x"))
	if err != nil {
		badRequest(c, err)
		return
	}
	a, err := s.auditor.RegisterAuditor(c.Request.Context(), req.Name, req.Organization, pub)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) handleAssignAuditor(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sessionID := c.Param("id")
	if err := s.manager.Authorize(c.Request.Context(), actor(c), service.ActionManageSession, sessionID); err != nil {
		fail(c, err)
		return
	}
	if _, err := s.manager.GetSession(c.Request.Context(), sessionID); err != nil {
		fail(c, err)
		return
	}
	a, err := s.auditor.Assign(c.Request.Context(), sessionID, req.AuditorID, req.AccessLevel)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) handleAuditRoot(c *gin.Context) {
	root, size, err := s.auditor.CurrentRoot(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"root": root, "treeSize": size})
}

func (s *Server) handleAuditProof(c *gin.Context) {
	seq, ok := sequenceParam(c)
	if !ok {
		return
	}
	proof, err := s.auditor.ProofFor(c.Request.Context(), c.Param("id"), actor(c), seq)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, proof)
}

// handleAuditVerify answers 200 with verified=false on a mismatch; the
// finding is already recorded by then.
func (s *Server) handleAuditVerify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	err := s.auditor.Verify(c.Request.Context(), c.Param("id"), actor(c), req.BallotHash, req.Proof, req.Root)
	s.verifyResult(c, err)
}

func (s *Server) handleAuditAnchor(c *gin.Context) {
	err := s.auditor.VerifyAnchor(c.Request.Context(), c.Param("id"), actor(c), c.Param("anchor"))
	s.verifyResult(c, err)
}

func (s *Server) verifyResult(c *gin.Context, err error) {
	var mismatch *models.AuditorVerificationError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, verifyResponse{Verified: true})
	case errors.As(err, &mismatch):
		c.JSON(http.StatusOK, verifyResponse{Verified: false, Reason: mismatch.Reason})
	default:
		fail(c, err)
	}
}

func (s *Server) handleSubmitFinding(c *gin.Context) {
	var f models.Finding
	if err := c.ShouldBindJSON(&f); err != nil {
		badRequest(c, err)
		return
	}
	f.SessionID = c.Param("id")
	f.AuditorID = actor(c)
	stored, err := s.auditor.SubmitFinding(c.Request.Context(), &f)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (s *Server) handleFindings(c *gin.Context) {
	findings, err := s.auditor.Findings(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, findings)
}
