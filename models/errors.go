package models

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrSessionNotOpen    = errors.New("session is not accepting ballots")
	ErrLedgerFrozen      = errors.New("ledger is frozen")
	ErrKeysDestroyed     = errors.New("session keys destroyed")
)

// EligibilityError is returned when a member may not cast a ballot.
type EligibilityError struct {
	SessionID string
	MemberID  string
	Reason    string
}

func (e *EligibilityError) Error() string {
	return fmt.Sprintf("member %s not eligible in session %s: %s", e.MemberID, e.SessionID, e.Reason)
}

// QuorumNotMetError is returned by close when turnout is below the session threshold.
type QuorumNotMetError struct {
	SessionID string
	Turnout   float64
	Threshold float64
}

func (e *QuorumNotMetError) Error() string {
	return fmt.Sprintf("session %s: quorum not met (turnout %.2f%% < %.2f%%)", e.SessionID, e.Turnout, e.Threshold)
}

// KeyReconstructionError blocks a tally until enough valid custodian shares arrive.
type KeyReconstructionError struct {
	SessionID string
	Have      int
	Need      int
	Reason    string
}

func (e *KeyReconstructionError) Error() string {
	return fmt.Sprintf("session %s: key reconstruction failed (%d/%d shares): %s", e.SessionID, e.Have, e.Need, e.Reason)
}

// TamperDetectedError marks a ballot whose stored hash, leaf or proof does not match.
type TamperDetectedError struct {
	SessionID string
	Sequence  int64
	Reason    string
}

func (e *TamperDetectedError) Error() string {
	return fmt.Sprintf("session %s: tamper detected on ballot %d: %s", e.SessionID, e.Sequence, e.Reason)
}

// AnchorSubmissionError wraps a ledger failure for a single anchoring attempt.
type AnchorSubmissionError struct {
	AnchorID string
	Attempt  int
	Err      error
}

func (e *AnchorSubmissionError) Error() string {
	return fmt.Sprintf("anchor %s attempt %d: %v", e.AnchorID, e.Attempt, e.Err)
}

func (e *AnchorSubmissionError) Unwrap() error { return e.Err }

// AuditorVerificationError reports a proof inconsistency found by an auditor.
type AuditorVerificationError struct {
	SessionID string
	AuditorID string
	Sequence  int64
	Reason    string
}

func (e *AuditorVerificationError) Error() string {
	return fmt.Sprintf("auditor %s on session %s ballot %d: %s", e.AuditorID, e.SessionID, e.Sequence, e.Reason)
}
