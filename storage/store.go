package storage

import (
	"context"

	"secure-voting/models"
)

// ErrNotFound is returned by every getter when no record exists.
var ErrNotFound = models.ErrNotFound

type SessionStore interface {
	SaveSession(ctx context.Context, s *models.VotingSession) error
	GetSession(ctx context.Context, id string) (*models.VotingSession, error)
	ListSessions(ctx context.Context, statuses ...models.SessionStatus) ([]*models.VotingSession, error)

	SaveOption(ctx context.Context, o *models.VotingOption) error
	ListOptions(ctx context.Context, sessionID string) ([]*models.VotingOption, error)

	SaveEligibility(ctx context.Context, rows []*models.VoterEligibility) error
	GetEligibility(ctx context.Context, sessionID, memberID string) (*models.VoterEligibility, error)
	ListEligibility(ctx context.Context, sessionID string) ([]*models.VoterEligibility, error)
}

// BallotStore is append-only for ballots and revocations.
type BallotStore interface {
	AppendBallot(ctx context.Context, b *models.Ballot) error
	GetBallot(ctx context.Context, sessionID string, sequence int64) (*models.Ballot, error)
	ListBallots(ctx context.Context, sessionID string) ([]*models.Ballot, error)

	AppendRevocation(ctx context.Context, r *models.BallotRevocation) error
	ListRevocations(ctx context.Context, sessionID string) ([]*models.BallotRevocation, error)

	SaveNodes(ctx context.Context, sessionID string, nodes []models.MerkleNode) error
	ListNodes(ctx context.Context, sessionID string) ([]models.MerkleNode, error)
}

type KeyStore interface {
	SaveKeys(ctx context.Context, k *models.VotingSessionKeys) error
	GetKeys(ctx context.Context, sessionID string) (*models.VotingSessionKeys, error)
	ListKeys(ctx context.Context) ([]*models.VotingSessionKeys, error)

	AppendKeyAccess(ctx context.Context, entry *models.KeyAccessLog) error
	ListKeyAccess(ctx context.Context, sessionID string) ([]*models.KeyAccessLog, error)
}

type AuditStore interface {
	SaveAuditor(ctx context.Context, a *models.VotingAuditor) error
	GetAuditor(ctx context.Context, id string) (*models.VotingAuditor, error)

	SaveAssignment(ctx context.Context, a *models.SessionAuditor) error
	GetAssignment(ctx context.Context, sessionID, auditorID string) (*models.SessionAuditor, error)
	ListAssignments(ctx context.Context, sessionID string) ([]*models.SessionAuditor, error)

	AppendFinding(ctx context.Context, f *models.Finding) error
	ListFindings(ctx context.Context, sessionID string) ([]*models.Finding, error)
}

type AnchorStore interface {
	SaveAnchor(ctx context.Context, a *models.BlockchainAuditAnchor) error
	GetAnchor(ctx context.Context, id string) (*models.BlockchainAuditAnchor, error)
	ListAnchors(ctx context.Context, sessionID string) ([]*models.BlockchainAuditAnchor, error)
}

type TallyStore interface {
	SaveTally(ctx context.Context, r *models.TallyReport) error
	GetTally(ctx context.Context, sessionID string) (*models.TallyReport, error)
}

// Store is the full persistence surface used by the voting daemon.
type Store interface {
	SessionStore
	BallotStore
	KeyStore
	AuditStore
	AnchorStore
	TallyStore
	Close() error
}
