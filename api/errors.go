package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"secure-voting/models"
	"secure-voting/service"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) (int, string) {
	var (
		eligibility *models.EligibilityError
		quorum      *models.QuorumNotMetError
		reconstruct *models.KeyReconstructionError
		tamper      *models.TamperDetectedError
		verify      *models.AuditorVerificationError
		anchorErr   *models.AnchorSubmissionError
	)
	switch {
	case errors.As(err, &eligibility):
		return http.StatusForbidden, "eligibility"
	case errors.As(err, &quorum):
		return http.StatusConflict, "quorum_not_met"
	case errors.As(err, &reconstruct):
		return http.StatusConflict, "key_reconstruction"
	case errors.As(err, &tamper):
		return http.StatusConflict, "tamper_detected"
	case errors.As(err, &verify):
		return http.StatusUnprocessableEntity, "verification_failed"
	case errors.As(err, &anchorErr):
		return http.StatusBadGateway, "anchor_submission"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrSessionNotOpen):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, models.ErrKeysDestroyed):
		return http.StatusGone, "keys_destroyed"
	case errors.Is(err, service.ErrQueueFull), errors.Is(err, service.ErrQueueClosed):
		return http.StatusServiceUnavailable, "busy"
	}
	return http.StatusBadRequest, ""
}

func fail(c *gin.Context, err error) {
	status, kind := statusFor(err)
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error(), Kind: kind})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
}
