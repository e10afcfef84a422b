package models

import "time"

type AnchorStatus string

const (
	AnchorPending   AnchorStatus = "pending"
	AnchorSubmitted AnchorStatus = "submitted"
	AnchorConfirmed AnchorStatus = "confirmed"
	AnchorFailed    AnchorStatus = "failed"
	AnchorCancelled AnchorStatus = "cancelled"
)

// Terminal reports whether the anchor needs no more work.
func (s AnchorStatus) Terminal() bool {
	return s == AnchorConfirmed || s == AnchorFailed || s == AnchorCancelled
}

// BlockchainAuditAnchor records one Merkle root committed to the external ledger.
type BlockchainAuditAnchor struct {
	ID                  string       `json:"id"`
	SessionID           string       `json:"sessionId"`
	Network             string       `json:"network"`
	ContractAddress     string       `json:"contractAddress"`
	Method              string       `json:"method"`
	MerkleRootHash      string       `json:"merkleRootHash"`
	SessionMetadataHash string       `json:"sessionMetadataHash"`
	TreeSize            int64        `json:"treeSize"`
	TransactionHash     string       `json:"transactionHash,omitempty"`
	BlockNumber         uint64       `json:"blockNumber,omitempty"`
	Confirmations       uint64       `json:"confirmations"`
	Status              AnchorStatus `json:"status"`
	Attempts            int          `json:"attempts"`
	LastError           string       `json:"lastError,omitempty"`
	CreatedAt           time.Time    `json:"createdAt"`
	SubmittedAt         time.Time    `json:"submittedAt,omitempty"`
	ConfirmedAt         time.Time    `json:"confirmedAt,omitempty"`
}
