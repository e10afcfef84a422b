package models

import "time"

type Direction string

const (
	// DirectionLeft means the sibling sits to the left of the running hash.
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
)

// InclusionProof is handed to auditors and voters. Hashes are hex encoded.
type InclusionProof struct {
	LeafHash       string      `json:"leafHash"`
	SiblingHashes  []string    `json:"siblingHashes"`
	PathDirections []Direction `json:"pathDirections"`
	LeafIndex      int64       `json:"leafIndex"`
	TreeSize       int64       `json:"treeSize"`
	Root           string      `json:"root"`
}

// MerkleNode is one entry of a session's node arena. Left and Right are arena
// ids, -1 when absent. Sequence is the ballot sequence for leaves, -1 otherwise.
type MerkleNode struct {
	SessionID string `json:"sessionId"`
	ID        int    `json:"id"`
	Level     int    `json:"level"`
	Index     int64  `json:"index"`
	Hash      string `json:"hash"`
	Left      int    `json:"left"`
	Right     int    `json:"right"`
	Sequence  int64  `json:"sequence"`
}

// RootSnapshot is a point-in-time record of a session's root taken while voting is open.
type RootSnapshot struct {
	SessionID string    `json:"sessionId"`
	Root      string    `json:"root"`
	TreeSize  int64     `json:"treeSize"`
	Frozen    bool      `json:"frozen"`
	TakenAt   time.Time `json:"takenAt"`
}
