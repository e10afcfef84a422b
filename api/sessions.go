package api

import (
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"secure-voting/escrow"
	"secure-voting/models"
	"secure-voting/service"
)

type optionRequest struct {
	Label string `json:"label" binding:"required"`
}

type custodianKey struct {
	ID        string `json:"id" binding:"required"`
	PublicKey string `json:"publicKey" binding:"required"` // hex, uncompressed secp256k1
}

type openRequest struct {
	Custodians []custodianKey `json:"custodians"`
	Threshold  int            `json:"threshold"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type closeResponse struct {
	Session *models.VotingSession    `json:"session"`
	Quorum  *models.QuorumNotMetError `json:"quorum,omitempty"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req service.SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	session, err := s.manager.CreateSession(c.Request.Context(), actor(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) handleListSessions(c *gin.Context) {
	var statuses []models.SessionStatus
	if q := c.Query("status"); q != "" {
		for _, st := range strings.Split(q, ",") {
			statuses = append(statuses, models.SessionStatus(st))
		}
	}
	sessions, err := s.manager.ListSessions(c.Request.Context(), statuses...)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleGetSession(c *gin.Context) {
	session, err := s.manager.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleAddOption(c *gin.Context) {
	var req optionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	option, err := s.manager.AddOption(c.Request.Context(), actor(c), c.Param("id"), req.Label)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, option)
}

func (s *Server) handleListOptions(c *gin.Context) {
	options, err := s.manager.Options(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, options)
}

func (s *Server) handleSetEligibility(c *gin.Context) {
	var rows []*models.VoterEligibility
	if err := c.ShouldBindJSON(&rows); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.manager.SetEligibility(c.Request.Context(), actor(c), c.Param("id"), rows); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleComputeEligibility(c *gin.Context) {
	rows, err := s.manager.ComputeEligibility(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleOpen(c *gin.Context) {
	var req openRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	custodians := s.cfg.Custodians
	threshold := s.cfg.Threshold
	if len(req.Custodians) > 0 {
		custodians = custodians[:0:0]
		for _, ck := range req.Custodians {
			raw, err := hex.DecodeString(strings.TrimPrefix(ck.PublicKey, "0x"))
			if err != nil {
				badRequest(c, errors.Wrapf(err, "custodian %s public key", ck.ID))
				return
			}
			pub, err := crypto.UnmarshalPubkey(raw)
			if err != nil {
				badRequest(c, errors.Wrapf(err, "custodian %s public key", ck.ID))
				return
			}
			custodians = append(custodians, escrow.Custodian{ID: ck.ID, PublicKey: pub})
		}
	}
	if req.Threshold > 0 {
		threshold = req.Threshold
	}
	session, err := s.manager.OpenVoting(c.Request.Context(), actor(c), c.Param("id"), custodians, threshold)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleClose(c *gin.Context) {
	session, err := s.manager.CloseVoting(c.Request.Context(), actor(c), c.Param("id"))
	var quorum *models.QuorumNotMetError
	if errors.As(err, &quorum) {
		c.JSON(http.StatusOK, closeResponse{Session: session, Quorum: quorum})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, closeResponse{Session: session})
}

func (s *Server) handleTally(c *gin.Context) {
	report, err := s.manager.Tally(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleGetTally(c *gin.Context) {
	report, err := s.manager.TallyReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleCancel(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	session, err := s.manager.CancelSession(c.Request.Context(), actor(c), c.Param("id"), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleReminders(c *gin.Context) {
	n, err := s.manager.SendReminders(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reminded": n})
}

func (s *Server) handleStatistics(c *gin.Context) {
	st, err := s.manager.Statistics(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleKeyAccess(c *gin.Context) {
	entries, err := s.manager.KeyAccessLog(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) handleAnchors(c *gin.Context) {
	if s.anchors == nil {
		c.JSON(http.StatusOK, []*models.BlockchainAuditAnchor{})
		return
	}
	anchors, err := s.anchors.Anchors(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, anchors)
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Metrics().GetMetrics())
}
