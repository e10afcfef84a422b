package models

import "time"

type AccessLevel string

const (
	AccessObserver AccessLevel = "observer"
	AccessVerifier AccessLevel = "verifier"
)

// VotingAuditor is a registered third party. PublicKey is an uncompressed
// secp256k1 key used to check signed findings.
type VotingAuditor struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Organization string    `json:"organization,omitempty"`
	PublicKey    []byte    `json:"publicKey"`
	RegisteredAt time.Time `json:"registeredAt"`
}

type SessionAuditor struct {
	SessionID   string      `json:"sessionId"`
	AuditorID   string      `json:"auditorId"`
	AccessLevel AccessLevel `json:"accessLevel"`
	AssignedAt  time.Time   `json:"assignedAt"`
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type FindingKind string

const (
	FindingProofMismatch  FindingKind = "proof_mismatch"
	FindingAnchorMismatch FindingKind = "anchor_mismatch"
	FindingTamper         FindingKind = "tamper_detected"
	FindingManual         FindingKind = "manual"
)

// Finding is a discrepancy recorded against a session. Signature is present
// when the auditor submitted the finding themselves.
type Finding struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionId"`
	AuditorID string      `json:"auditorId"`
	Sequence  *int64      `json:"sequence,omitempty"`
	Severity  Severity    `json:"severity"`
	Kind      FindingKind `json:"kind"`
	Detail    string      `json:"detail"`
	Signature []byte      `json:"signature,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// SigningPayload is the byte string an auditor signs when submitting a finding.
func (f *Finding) SigningPayload() []byte {
	seq := ""
	if f.Sequence != nil {
		seq = formatInt(*f.Sequence)
	}
	return []byte(f.SessionID + "|" + f.AuditorID + "|" + seq + "|" + string(f.Severity) + "|" + string(f.Kind) + "|" + f.Detail)
}
