package anchor

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

type simulatedTx struct {
	root     string
	metadata string
	block    uint64
	reverted bool
}

// SimulatedSubmitter is an in-process ledger. Blocks advance only when Mine is called.
type SimulatedSubmitter struct {
	mu       sync.Mutex
	network  string
	contract common.Address
	head     uint64
	nonce    uint64
	txs      map[string]*simulatedTx
	failures []error
}

func NewSimulatedSubmitter() *SimulatedSubmitter {
	return &SimulatedSubmitter{
		network:  "simulated",
		contract: common.HexToAddress("0x00000000000000000000000000000000000a11ce"),
		txs:      make(map[string]*simulatedTx),
	}
}

func (s *SimulatedSubmitter) Network() string { return s.network }

func (s *SimulatedSubmitter) ContractAddress() string { return s.contract.Hex() }

func (s *SimulatedSubmitter) Method() string { return anchorMethod }

// FailNext makes the next len(errs) submissions fail with the given errors in order.
func (s *SimulatedSubmitter) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

func (s *SimulatedSubmitter) Submit(ctx context.Context, merkleRoot, metadataHash string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := toBytes32("merkle root", merkleRoot); err != nil {
		return "", err
	}
	if _, err := toBytes32("metadata hash", metadataHash); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return "", err
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], s.nonce)
	s.nonce++
	hash := crypto.Keccak256Hash(common.FromHex(merkleRoot), common.FromHex(metadataHash), n[:]).Hex()
	s.head++
	s.txs[hash] = &simulatedTx{root: merkleRoot, metadata: metadataHash, block: s.head}
	return hash, nil
}

func (s *SimulatedSubmitter) Confirmations(ctx context.Context, txHash string) (uint64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txHash]
	if !ok {
		return 0, 0, nil
	}
	if tx.reverted {
		return 0, tx.block, errors.Wrapf(ErrTxReverted, "tx %s", txHash)
	}
	return s.head - tx.block + 1, tx.block, nil
}

// Mine advances the head by n blocks.
func (s *SimulatedSubmitter) Mine(n uint64) {
	s.mu.Lock()
	s.head += n
	s.mu.Unlock()
}

// Revert marks a mined transaction as failed.
func (s *SimulatedSubmitter) Revert(txHash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.txs[txHash]; ok {
		tx.reverted = true
	}
}

// Lookup returns the root and metadata hash recorded by a transaction.
func (s *SimulatedSubmitter) Lookup(txHash string) (root, metadata string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txHash]
	if !ok {
		return "", "", false
	}
	return tx.root, tx.metadata, true
}
