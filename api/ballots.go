package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"secure-voting/models"
	"secure-voting/service"
)

type castRequest struct {
	OnBehalfOf string            `json:"onBehalfOf"`
	OptionID   string            `json:"optionId" binding:"required"`
	Metadata   map[string]string `json:"metadata"`
}

type shareRequest struct {
	CustodianID string `json:"custodianId" binding:"required"`
	Share       []byte `json:"share" binding:"required"` // base64 in JSON
}

type shareResponse struct {
	Have int `json:"have"`
	Need int `json:"need"`
}

func sequenceParam(c *gin.Context) (int64, bool) {
	seq, err := strconv.ParseInt(c.Param("sequence"), 10, 64)
	if err != nil || seq < 0 {
		badRequest(c, errors.Errorf("invalid sequence %q", c.Param("sequence")))
		return 0, false
	}
	return seq, true
}

// handleCast casts for the acting member. Casts go through the worker queue
// when one is configured.
func (s *Server) handleCast(c *gin.Context) {
	var req castRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cast := service.CastRequest{
		SessionID:  c.Param("id"),
		MemberID:   actor(c),
		OnBehalfOf: req.OnBehalfOf,
		OptionID:   req.OptionID,
		Metadata:   req.Metadata,
	}
	if cast.MemberID == "" {
		fail(c, errors.Wrap(models.ErrUnauthorized, "no acting member"))
		return
	}
	var (
		receipt *models.CastReceipt
		err     error
	)
	if s.queue != nil {
		receipt, err = s.queue.Cast(c.Request.Context(), cast)
	} else {
		receipt, err = s.manager.CastBallot(c.Request.Context(), cast)
	}
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

func (s *Server) handlePublishedBallots(c *gin.Context) {
	ballots, err := s.manager.PublishedBallots(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ballots)
}

func (s *Server) handleHasVoted(c *gin.Context) {
	voted, err := s.manager.HasVoted(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"voted": voted})
}

func (s *Server) handleRoot(c *gin.Context) {
	root, size, err := s.manager.CurrentRoot(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"root": root, "treeSize": size})
}

func (s *Server) handleProof(c *gin.Context) {
	seq, ok := sequenceParam(c)
	if !ok {
		return
	}
	proof, err := s.manager.ProofFor(c.Request.Context(), c.Param("id"), seq)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, proof)
}

func (s *Server) handleWrappedShare(c *gin.Context) {
	custodian := c.Param("custodian")
	if actor(c) != custodian {
		fail(c, errors.Wrapf(models.ErrUnauthorized, "share of %s requested by %q", custodian, actor(c)))
		return
	}
	rec, err := s.manager.WrappedShare(c.Request.Context(), c.Param("id"), custodian)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleSubmitShare(c *gin.Context) {
	var req shareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	defer func() {
		for i := range req.Share {
			req.Share[i] = 0
		}
	}()
	if actor(c) != req.CustodianID {
		fail(c, errors.Wrapf(models.ErrUnauthorized, "share of %s submitted by %q", req.CustodianID, actor(c)))
		return
	}
	have, need, err := s.manager.SubmitShare(c.Request.Context(), c.Param("id"), req.CustodianID, req.Share)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, shareResponse{Have: have, Need: need})
}
