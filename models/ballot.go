package models

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationRejected VerificationStatus = "rejected"
)

type VoterEligibility struct {
	SessionID    string             `json:"sessionId"`
	MemberID     string             `json:"memberId"`
	Weight       int                `json:"weight"`
	DelegateTo   string             `json:"delegateTo,omitempty"` // proxy member id
	Verification VerificationStatus `json:"verification"`
	ComputedAt   time.Time          `json:"computedAt"`
}

// Ballot is the persisted, immutable record of one cast vote. EncryptedPayload
// is the RSA-wrapped content key followed by the AES-GCM ciphertext; Tag is
// the detached GCM authentication tag.
type Ballot struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"sessionId"`
	Sequence         int64     `json:"sequence"`
	EncryptedPayload []byte    `json:"encryptedPayload"`
	IV               []byte    `json:"iv"`
	Tag              []byte    `json:"tag"`
	BallotHash       string    `json:"ballotHash"`
	VoterHash        string    `json:"voterHash,omitempty"`
	CastAt           time.Time `json:"castAt"`
}

type BallotRevocation struct {
	SessionID            string    `json:"sessionId"`
	RevokedSequence      int64     `json:"revokedSequence"`
	SupersededBySequence int64     `json:"supersededBySequence"`
	Reason               string    `json:"reason"`
	CreatedAt            time.Time `json:"createdAt"`
}

// CastReceipt is handed back to the voter so an inclusion proof can be requested later.
type CastReceipt struct {
	BallotID   string `json:"ballotId"`
	SessionID  string `json:"sessionId"`
	Sequence   int64  `json:"sequence"`
	BallotHash string `json:"ballotHash"`
	RootAfter  string `json:"rootAfterCast"`
	Revoked    *int64 `json:"revokedSequence,omitempty"`
}

// BallotPayloadVersion is the only payload layout currently accepted.
const BallotPayloadVersion = 1

const maxMetadataEntries = 16

// BallotPayload is the plaintext sealed inside every ballot.
type BallotPayload struct {
	Version  int               `json:"v"`
	OptionID string            `json:"optionId"`
	Weight   int               `json:"weight"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (p *BallotPayload) Validate() error {
	if p.Version != BallotPayloadVersion {
		return errors.Errorf("unsupported ballot payload version %d", p.Version)
	}
	if p.OptionID == "" {
		return errors.New("ballot payload missing option id")
	}
	if p.Weight < 1 {
		return errors.Errorf("ballot payload weight must be positive, got %d", p.Weight)
	}
	if len(p.Metadata) > maxMetadataEntries {
		return errors.Errorf("ballot payload carries %d metadata entries (max %d)", len(p.Metadata), maxMetadataEntries)
	}
	return nil
}

// MarshalPayload validates and encodes a payload.
func MarshalPayload(p *BallotPayload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// UnmarshalPayload decodes and validates a payload.
func UnmarshalPayload(data []byte) (*BallotPayload, error) {
	var p BallotPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "decode ballot payload")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// PublishedBallot is the auditor-facing form of a ballot. It carries no voter
// hash and only a coarse cast time.
type PublishedBallot struct {
	SessionID        string    `json:"sessionId"`
	Sequence         int64     `json:"sequence"`
	EncryptedPayload []byte    `json:"encryptedPayload"`
	IV               []byte    `json:"iv"`
	Tag              []byte    `json:"tag"`
	BallotHash       string    `json:"ballotHash"`
	CastWindow       time.Time `json:"castWindow"`
}
