package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"secure-voting/encryption"
	"secure-voting/merkle"
	"secure-voting/models"
	"secure-voting/storage"
)

// TallyEngine decrypts and counts the ballots of a closed session with the
// reconstructed private key. It never touches key shares itself.
type TallyEngine struct {
	ballots storage.BallotStore
	engine  *encryption.BallotEngine
	crypto  *encryption.CryptoService
	signer  *ecdsa.PrivateKey
	log     log.Logger
	now     func() time.Time
}

func NewTallyEngine(ballots storage.BallotStore, signer *ecdsa.PrivateKey) *TallyEngine {
	return &TallyEngine{
		ballots: ballots,
		engine:  encryption.NewBallotEngine(),
		crypto:  encryption.NewCryptoService(),
		signer:  signer,
		log:     log.New("module", "tally"),
		now:     time.Now,
	}
}

// SignerAddress is the account whose signatures cover every tally result.
func (t *TallyEngine) SignerAddress() string {
	return t.crypto.Address(&t.signer.PublicKey)
}

// Count checks every stored ballot against its hash and the frozen leaf set,
// decrypts the survivors and signs one result per option. Tampered ballots are
// excluded and returned; a ballot count that differs from the leaf count is a
// hard error.
func (t *TallyEngine) Count(ctx context.Context, session *models.VotingSession, options []*models.VotingOption, leaves []string, key *rsa.PrivateKey) (*models.TallyReport, []*models.TamperDetectedError, error) {
	root, err := merkle.ComputeRoot(leaves)
	if err != nil {
		return nil, nil, errors.Wrap(err, "recompute frozen root")
	}
	if root != session.AuditHash {
		return nil, nil, &models.TamperDetectedError{SessionID: session.ID, Sequence: -1, Reason: "frozen leaves do not reproduce the audit hash"}
	}

	ballots, err := t.ballots.ListBallots(ctx, session.ID)
	if err != nil {
		return nil, nil, err
	}
	revocations, err := t.ballots.ListRevocations(ctx, session.ID)
	if err != nil {
		return nil, nil, err
	}
	revoked := make(map[int64]bool, len(revocations))
	for _, r := range revocations {
		revoked[r.RevokedSequence] = true
	}
	// Only a voter's latest frozen ballot counts, even if a revocation record
	// was never written.
	latest := make(map[string]int64, len(ballots))
	for _, b := range ballots {
		if b.VoterHash != "" && b.Sequence < int64(len(leaves)) {
			latest[b.VoterHash] = b.Sequence
		}
	}
	for _, b := range ballots {
		if seq, ok := latest[b.VoterHash]; ok && seq != b.Sequence {
			revoked[b.Sequence] = true
		}
	}

	known := make(map[string]bool, len(options))
	for _, o := range options {
		known[o.ID] = true
	}
	counts := make(map[string]int, len(options))
	weights := make(map[string]int, len(options))

	report := &models.TallyReport{
		SessionID:     session.ID,
		MerkleRoot:    root,
		LeafCount:     int64(len(leaves)),
		SignerAddress: t.SignerAddress(),
	}
	var tampered []*models.TamperDetectedError
	exclude := func(seq int64, reason string) {
		report.Excluded = append(report.Excluded, models.ExcludedBallot{Sequence: seq, Reason: reason})
		tampered = append(tampered, &models.TamperDetectedError{SessionID: session.ID, Sequence: seq, Reason: reason})
		t.log.Warn("Excluded ballot", "session", session.ID, "sequence", seq, "reason", reason)
	}

	processed := 0
	for i, b := range ballots {
		if b.Sequence != int64(i) {
			return nil, nil, errors.Errorf("session %s: ballot at position %d has sequence %d", session.ID, i, b.Sequence)
		}
		if i >= len(leaves) {
			break
		}
		processed++

		hash := encryption.BallotHash(b.EncryptedPayload, b.IV, b.Tag)
		if hash != b.BallotHash {
			exclude(b.Sequence, "ciphertext does not match stored ballot hash")
			continue
		}
		if hash != leaves[i] {
			exclude(b.Sequence, "ballot hash does not match frozen leaf")
			continue
		}
		if revoked[b.Sequence] {
			report.Revoked++
			continue
		}
		payload, err := t.engine.Open(session.ID, key, b.EncryptedPayload, b.IV, b.Tag)
		if err != nil {
			exclude(b.Sequence, "decryption failed")
			continue
		}
		if !known[payload.OptionID] {
			exclude(b.Sequence, "unknown option "+payload.OptionID)
			continue
		}
		counts[payload.OptionID]++
		weights[payload.OptionID] += payload.Weight
		report.Counted++
	}
	if processed != len(leaves) || len(ballots) != len(leaves) {
		return nil, nil, errors.Errorf("session %s: processed %d of %d stored ballots against %d frozen leaves", session.ID, processed, len(ballots), len(leaves))
	}

	for _, o := range options {
		r := models.SignedTallyResult{
			SessionID:         session.ID,
			OptionID:          o.ID,
			Label:             o.Label,
			Count:             counts[o.ID],
			Weight:            weights[o.ID],
			MerkleRootAtClose: root,
		}
		sig, err := t.crypto.Sign(r.SigningPayload(), t.signer)
		if err != nil {
			return nil, nil, err
		}
		r.Signature = sig
		report.Results = append(report.Results, r)
	}
	report.TalliedAt = t.now()
	t.log.Info("Tally computed", "session", session.ID, "leaves", len(leaves), "counted", report.Counted, "revoked", report.Revoked, "excluded", len(report.Excluded))
	return report, tampered, nil
}

// VerifyResult checks a signed result against the tally signer's address.
func (t *TallyEngine) VerifyResult(r *models.SignedTallyResult) bool {
	return t.crypto.VerifySignature(r.SigningPayload(), r.Signature, &t.signer.PublicKey)
}
