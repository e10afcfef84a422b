package models

import (
	"strconv"
	"time"
)

// ExcludedBallot is a ballot left out of the count and the reason why.
type ExcludedBallot struct {
	Sequence int64  `json:"sequence"`
	Reason   string `json:"reason"`
}

// SignedTallyResult is the signed count for a single option.
type SignedTallyResult struct {
	SessionID         string `json:"sessionId"`
	OptionID          string `json:"optionId"`
	Label             string `json:"label"`
	Count             int    `json:"count"`
	Weight            int    `json:"weight"`
	MerkleRootAtClose string `json:"merkleRootAtClose"`
	Signature         []byte `json:"signature"`
}

// SigningPayload is the byte string covered by Signature.
func (r *SignedTallyResult) SigningPayload() []byte {
	return []byte(r.SessionID + "|" + r.OptionID + "|" + strconv.Itoa(r.Count) + "|" + strconv.Itoa(r.Weight) + "|" + r.MerkleRootAtClose)
}

type TallyReport struct {
	SessionID     string              `json:"sessionId"`
	MerkleRoot    string              `json:"merkleRoot"`
	LeafCount     int64               `json:"leafCount"`
	Counted       int                 `json:"counted"`
	Revoked       int                 `json:"revoked"`
	Results       []SignedTallyResult `json:"results"`
	Excluded      []ExcludedBallot    `json:"excluded,omitempty"`
	Turnout       float64             `json:"turnout"`
	SignerAddress string              `json:"signerAddress"`
	TalliedAt     time.Time           `json:"talliedAt"`
}

// Statistics is a live participation snapshot; it never decrypts anything.
type Statistics struct {
	SessionID      string        `json:"sessionId"`
	Status         SessionStatus `json:"status"`
	EligibleVoters int           `json:"eligibleVoters"`
	BallotsCast    int64         `json:"ballotsCast"`
	DistinctVoters int           `json:"distinctVoters"`
	Revocations    int           `json:"revocations"`
	Turnout        float64       `json:"turnout"`
	QuorumMet      bool          `json:"quorumMet"`
	MerkleRoot     string        `json:"merkleRoot"`
}

func formatInt(n int64) string { return strconv.FormatInt(n, 10) }
