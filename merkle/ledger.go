// Package merkle keeps an append-only Merkle tree of ballot hashes per session.
//
// The tree has the RFC 6962 shape: leaves are H(0x00 || ballotHash), interior
// nodes are H(0x01 || left || right), and a tree of n leaves is the fold of its
// perfect-subtree peaks from right to left. Only complete subtrees are ever
// materialized, so an append touches O(log n) nodes and existing nodes never change.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"

	"secure-voting/models"
)

const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

type node struct {
	level    int
	index    int64
	hash     []byte
	left     int
	right    int
	sequence int64
}

// Ledger is safe for concurrent use. Appends are serialized; proofs and
// roots may be read concurrently.
type Ledger struct {
	mu        sync.RWMutex
	sessionID string
	arena     []node
	levels    [][]int // node ids per level, left to right
	leaves    []string
	frozen    bool
}

func NewLedger(sessionID string) *Ledger {
	return &Ledger{sessionID: sessionID}
}

func (l *Ledger) SessionID() string { return l.sessionID }

// AppendLeaf adds a ballot hash as the next leaf and returns its sequence and the new root.
func (l *Ledger) AppendLeaf(ballotHash string) (int64, string, error) {
	raw, err := decodeHash(ballotHash)
	if err != nil {
		return 0, "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frozen {
		return 0, "", errors.Wrapf(models.ErrLedgerFrozen, "session %s", l.sessionID)
	}
	seq := l.appendLocked(ballotHash, raw)
	return seq, hex.EncodeToString(l.rootLocked()), nil
}

func (l *Ledger) appendLocked(ballotHash string, raw []byte) int64 {
	seq := int64(len(l.leaves))
	l.leaves = append(l.leaves, ballotHash)

	id := l.push(node{level: 0, index: seq, hash: leafHash(raw), left: -1, right: -1, sequence: seq})
	// Merge while the new node closes a pair on its level.
	for level := 0; ; level++ {
		row := l.levels[level]
		if len(row)%2 == 1 {
			break
		}
		left, right := row[len(row)-2], id
		id = l.push(node{
			level:    level + 1,
			index:    int64(len(row)/2 - 1),
			hash:     nodeHash(l.arena[left].hash, l.arena[right].hash),
			left:     left,
			right:    right,
			sequence: -1,
		})
	}
	return seq
}

func (l *Ledger) push(n node) int {
	id := len(l.arena)
	l.arena = append(l.arena, n)
	for len(l.levels) <= n.level {
		l.levels = append(l.levels, nil)
	}
	l.levels[n.level] = append(l.levels[n.level], id)
	return id
}

// peaks returns the roots of the perfect subtrees, left to right.
func (l *Ledger) peaks() []int {
	var out []int
	for level := len(l.levels) - 1; level >= 0; level-- {
		if row := l.levels[level]; len(row)%2 == 1 {
			out = append(out, row[len(row)-1])
		}
	}
	return out
}

func (l *Ledger) foldPeaks(peaks []int) []byte {
	acc := l.arena[peaks[len(peaks)-1]].hash
	for i := len(peaks) - 2; i >= 0; i-- {
		acc = nodeHash(l.arena[peaks[i]].hash, acc)
	}
	return acc
}

func (l *Ledger) rootLocked() []byte {
	if len(l.leaves) == 0 {
		return emptyRoot()
	}
	return l.foldPeaks(l.peaks())
}

// Root returns the hex root over all current leaves.
func (l *Ledger) Root() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return hex.EncodeToString(l.rootLocked())
}

func (l *Ledger) Size() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.leaves))
}

// Leaf returns the ballot hash stored at a sequence.
func (l *Ledger) Leaf(sequence int64) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if sequence < 0 || sequence >= int64(len(l.leaves)) {
		return "", false
	}
	return l.leaves[sequence], true
}

// Leaves returns a copy of all ballot hashes in sequence order.
func (l *Ledger) Leaves() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.leaves...)
}

// Freeze stops further appends and returns the final root.
func (l *Ledger) Freeze() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frozen = true
	return hex.EncodeToString(l.rootLocked())
}

func (l *Ledger) Frozen() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.frozen
}

// Rebuild discards the tree and replays the given ballot hashes in order.
// The rebuilt ledger is unfrozen.
func (l *Ledger) Rebuild(ballotHashes []string) error {
	raws := make([][]byte, len(ballotHashes))
	for i, h := range ballotHashes {
		raw, err := decodeHash(h)
		if err != nil {
			return errors.Wrapf(err, "leaf %d", i)
		}
		raws[i] = raw
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.arena, l.levels, l.leaves, l.frozen = nil, nil, nil, false
	for i, raw := range raws {
		l.appendLocked(ballotHashes[i], raw)
	}
	return nil
}

// Snapshot captures the current root for periodic persistence.
func (l *Ledger) Snapshot(at time.Time) models.RootSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return models.RootSnapshot{
		SessionID: l.sessionID,
		Root:      hex.EncodeToString(l.rootLocked()),
		TreeSize:  int64(len(l.leaves)),
		Frozen:    l.frozen,
		TakenAt:   at,
	}
}

// Nodes exports the node arena.
func (l *Ledger) Nodes() []models.MerkleNode {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.MerkleNode, len(l.arena))
	for id, n := range l.arena {
		out[id] = models.MerkleNode{
			SessionID: l.sessionID,
			ID:        id,
			Level:     n.level,
			Index:     n.index,
			Hash:      hex.EncodeToString(n.hash),
			Left:      n.left,
			Right:     n.right,
			Sequence:  n.sequence,
		}
	}
	return out
}

// ProofFor returns the inclusion proof of a leaf against the current root.
func (l *Ledger) ProofFor(sequence int64) (*models.InclusionProof, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if sequence < 0 || sequence >= int64(len(l.leaves)) {
		return nil, errors.Wrapf(models.ErrNotFound, "session %s has no leaf %d", l.sessionID, sequence)
	}
	proof := &models.InclusionProof{
		LeafHash:  l.leaves[sequence],
		LeafIndex: sequence,
		TreeSize:  int64(len(l.leaves)),
		Root:      hex.EncodeToString(l.rootLocked()),
	}
	add := func(h []byte, d models.Direction) {
		proof.SiblingHashes = append(proof.SiblingHashes, hex.EncodeToString(h))
		proof.PathDirections = append(proof.PathDirections, d)
	}

	// Climb inside the perfect subtree holding the leaf.
	level, idx := 0, sequence
	for {
		row := l.levels[level]
		sib := idx ^ 1
		if sib >= int64(len(row)) {
			break
		}
		if sib < idx {
			add(l.arena[row[sib]].hash, models.DirectionLeft)
		} else {
			add(l.arena[row[sib]].hash, models.DirectionRight)
		}
		level++
		idx >>= 1
	}

	// Then across the peaks.
	peaks := l.peaks()
	peakID := l.levels[level][idx]
	pos := 0
	for i, p := range peaks {
		if p == peakID {
			pos = i
		}
	}
	if pos < len(peaks)-1 {
		add(l.foldPeaks(peaks[pos+1:]), models.DirectionRight)
	}
	for i := pos - 1; i >= 0; i-- {
		add(l.arena[peaks[i]].hash, models.DirectionLeft)
	}
	return proof, nil
}

// RootFromProof recomputes the root implied by a ballot hash and its proof.
func RootFromProof(ballotHash string, proof *models.InclusionProof) (string, error) {
	if proof == nil {
		return "", errors.New("nil proof")
	}
	if len(proof.SiblingHashes) != len(proof.PathDirections) {
		return "", errors.Errorf("proof has %d siblings but %d directions", len(proof.SiblingHashes), len(proof.PathDirections))
	}
	raw, err := decodeHash(ballotHash)
	if err != nil {
		return "", err
	}
	acc := leafHash(raw)
	for i, s := range proof.SiblingHashes {
		sib, err := hex.DecodeString(s)
		if err != nil || len(sib) != sha256.Size {
			return "", errors.Errorf("sibling %d is not a sha-256 hex hash", i)
		}
		switch proof.PathDirections[i] {
		case models.DirectionLeft:
			acc = nodeHash(sib, acc)
		case models.DirectionRight:
			acc = nodeHash(acc, sib)
		default:
			return "", errors.Errorf("unknown direction %q at step %d", proof.PathDirections[i], i)
		}
	}
	return hex.EncodeToString(acc), nil
}

// Verify reports whether the proof links the ballot hash to root.
func Verify(ballotHash string, proof *models.InclusionProof, root string) bool {
	got, err := RootFromProof(ballotHash, proof)
	return err == nil && got == root
}

// ComputeRoot recomputes a root from scratch, independent of any Ledger state.
func ComputeRoot(ballotHashes []string) (string, error) {
	hashes := make([][]byte, len(ballotHashes))
	for i, h := range ballotHashes {
		raw, err := decodeHash(h)
		if err != nil {
			return "", errors.Wrapf(err, "leaf %d", i)
		}
		hashes[i] = leafHash(raw)
	}
	if len(hashes) == 0 {
		return hex.EncodeToString(emptyRoot()), nil
	}
	return hex.EncodeToString(subtreeHash(hashes)), nil
}

func subtreeHash(hashes [][]byte) []byte {
	if len(hashes) == 1 {
		return hashes[0]
	}
	k := 1
	for k*2 < len(hashes) {
		k *= 2
	}
	return nodeHash(subtreeHash(hashes[:k]), subtreeHash(hashes[k:]))
}

func decodeHash(h string) ([]byte, error) {
	raw, err := hex.DecodeString(h)
	if err != nil {
		return nil, errors.Wrap(err, "decode ballot hash")
	}
	if len(raw) != sha256.Size {
		return nil, errors.Errorf("ballot hash has %d bytes, want %d", len(raw), sha256.Size)
	}
	return raw, nil
}

func leafHash(data []byte) []byte {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(data)
	return h.Sum(nil)
}

func nodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

func emptyRoot() []byte {
	sum := sha256.Sum256(nil)
	return sum[:]
}
