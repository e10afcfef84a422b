package service

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"secure-voting/models"
)

// AnonymizationService prepares ballots for publication. Voter hashes are
// dropped and cast times are truncated to the mixing window so that the
// published list cannot be joined against access logs.
type AnonymizationService struct {
	mixWindow time.Duration
}

func NewAnonymizationService(mixWindow time.Duration) *AnonymizationService {
	if mixWindow <= 0 {
		mixWindow = time.Hour
	}
	return &AnonymizationService{mixWindow: mixWindow}
}

func (as *AnonymizationService) Publish(ballots []*models.Ballot) []models.PublishedBallot {
	out := make([]models.PublishedBallot, 0, len(ballots))
	for _, b := range ballots {
		out = append(out, as.RemoveVoterLink(b))
	}
	return out
}

func (as *AnonymizationService) RemoveVoterLink(b *models.Ballot) models.PublishedBallot {
	return models.PublishedBallot{
		SessionID:        b.SessionID,
		Sequence:         b.Sequence,
		EncryptedPayload: b.EncryptedPayload,
		IV:               b.IV,
		Tag:              b.Tag,
		BallotHash:       b.BallotHash,
		CastWindow:       b.CastAt.UTC().Truncate(as.mixWindow),
	}
}

// PublishedBallots returns the anonymized ballot list of a closed or tallied session.
func (m *Manager) PublishedBallots(ctx context.Context, sessionID string) ([]models.PublishedBallot, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != models.StatusClosed && s.Status != models.StatusTallied {
		return nil, errors.Wrapf(models.ErrInvalidTransition, "ballots of session %s are published after close, status is %s", sessionID, s.Status)
	}
	ballots, err := m.store.ListBallots(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.anonymizer.Publish(ballots), nil
}
