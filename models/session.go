package models

import (
	"time"

	"github.com/pkg/errors"
)

type SessionStatus string

const (
	StatusDraft        SessionStatus = "draft"
	StatusOpen         SessionStatus = "open"
	StatusClosed       SessionStatus = "closed"
	StatusTallied      SessionStatus = "tallied"
	StatusCancelled    SessionStatus = "cancelled"
	StatusFailedQuorum SessionStatus = "failed_quorum"
)

type SessionType string

const (
	SessionCertification SessionType = "certification"
	SessionStrike        SessionType = "strike"
	SessionRatification  SessionType = "ratification"
)

// EncryptionAlgorithm names the hybrid scheme applied to every ballot.
const EncryptionAlgorithm = "RSA-OAEP-SHA256+AES-256-GCM"

// transitions lists every status reachable from a given status.
var transitions = map[SessionStatus][]SessionStatus{
	StatusDraft:  {StatusOpen, StatusCancelled},
	StatusOpen:   {StatusClosed, StatusFailedQuorum, StatusCancelled},
	StatusClosed: {StatusTallied, StatusCancelled},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to SessionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

func (t SessionType) Valid() bool {
	switch t {
	case SessionCertification, SessionStrike, SessionRatification:
		return true
	}
	return false
}

type VotingSession struct {
	ID                  string        `json:"id"`
	OrganizationID      string        `json:"organizationId"`
	Title               string        `json:"title"`
	Description         string        `json:"description,omitempty"`
	Type                SessionType   `json:"type"`
	Status              SessionStatus `json:"status"`
	QuorumThreshold     float64       `json:"quorumThreshold"` // percent of eligible voters
	TotalEligibleVoters int           `json:"totalEligibleVoters"`
	AllowRevote         bool          `json:"allowRevote"`
	AllowProxyVoting    bool          `json:"allowProxyVoting"`

	EncryptionAlgorithm string `json:"encryptionAlgorithm,omitempty"`
	PublicKey           string `json:"publicKey,omitempty"` // PEM, frozen at open
	KeyFingerprint      string `json:"keyFingerprint,omitempty"`
	AuditHash           string `json:"auditHash,omitempty"` // Merkle root at freeze
	AnchorID            string `json:"anchorId,omitempty"`
	VoterHashSalt       []byte `json:"-"`

	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	OpenedAt  time.Time `json:"openedAt,omitempty"`
	ClosedAt  time.Time `json:"closedAt,omitempty"`
	TalliedAt time.Time `json:"talliedAt,omitempty"`
}

// Transition moves the session to the next status or returns ErrInvalidTransition.
func (s *VotingSession) Transition(to SessionStatus, at time.Time) error {
	if !CanTransition(s.Status, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", s.Status, to)
	}
	s.Status = to
	switch to {
	case StatusOpen:
		s.OpenedAt = at
	case StatusClosed, StatusFailedQuorum:
		s.ClosedAt = at
	case StatusTallied:
		s.TalliedAt = at
	}
	return nil
}

// Turnout returns the percentage of eligible voters that cast at least one ballot.
func (s *VotingSession) Turnout(distinctVoters int) float64 {
	if s.TotalEligibleVoters == 0 {
		return 0
	}
	return float64(distinctVoters) * 100 / float64(s.TotalEligibleVoters)
}

type VotingOption struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Label     string `json:"label"`
	Position  int    `json:"position"`
}
