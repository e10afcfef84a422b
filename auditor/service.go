// Package auditor gives third-party auditors read-only access to session
// roots and inclusion proofs. Auditors never see plaintext ballots or keys.
package auditor

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"secure-voting/encryption"
	"secure-voting/merkle"
	"secure-voting/models"
	"secure-voting/storage"
)

// ProofSource serves the live root and proofs of a session ledger.
type ProofSource interface {
	CurrentRoot(ctx context.Context, sessionID string) (root string, size int64, err error)
	ProofFor(ctx context.Context, sessionID string, sequence int64) (*models.InclusionProof, error)
}

// Alerter surfaces findings to session administrators.
type Alerter interface {
	Alert(ctx context.Context, sessionID, message string)
}

type Service struct {
	audits  storage.AuditStore
	ballots storage.BallotStore
	anchors storage.AnchorStore
	proofs  ProofSource
	alerter Alerter
	crypto  *encryption.CryptoService
	log     log.Logger
	now     func() time.Time
}

func NewService(audits storage.AuditStore, ballots storage.BallotStore, anchors storage.AnchorStore, proofs ProofSource, alerter Alerter) *Service {
	return &Service{
		audits:  audits,
		ballots: ballots,
		anchors: anchors,
		proofs:  proofs,
		alerter: alerter,
		crypto:  encryption.NewCryptoService(),
		log:     log.New("module", "auditor"),
		now:     time.Now,
	}
}

// RegisterAuditor stores a new auditor identity. publicKey must be an
// uncompressed secp256k1 key.
func (s *Service) RegisterAuditor(ctx context.Context, name, organization string, publicKey []byte) (*models.VotingAuditor, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("auditor name is required")
	}
	if _, err := s.crypto.UnmarshalPubkey(publicKey); err != nil {
		return nil, err
	}
	a := &models.VotingAuditor{
		ID:           uuid.New().String(),
		Name:         name,
		Organization: organization,
		PublicKey:    append([]byte(nil), publicKey...),
		RegisteredAt: s.now(),
	}
	if err := s.audits.SaveAuditor(ctx, a); err != nil {
		return nil, errors.Wrap(err, "save auditor")
	}
	s.log.Info("Registered auditor", "auditor", a.ID, "organization", organization)
	return a, nil
}

// Assign grants an auditor access to a session. An empty level means observer.
func (s *Service) Assign(ctx context.Context, sessionID, auditorID string, level models.AccessLevel) (*models.SessionAuditor, error) {
	if level == "" {
		level = models.AccessObserver
	}
	if level != models.AccessObserver && level != models.AccessVerifier {
		return nil, errors.Errorf("unknown access level %q", level)
	}
	if _, err := s.audits.GetAuditor(ctx, auditorID); err != nil {
		return nil, errors.Wrapf(err, "auditor %s", auditorID)
	}
	a := &models.SessionAuditor{SessionID: sessionID, AuditorID: auditorID, AccessLevel: level, AssignedAt: s.now()}
	if err := s.audits.SaveAssignment(ctx, a); err != nil {
		return nil, errors.Wrap(err, "save assignment")
	}
	s.log.Info("Assigned auditor", "session", sessionID, "auditor", auditorID, "level", level)
	return a, nil
}

func (s *Service) authorize(ctx context.Context, sessionID, auditorID string, need models.AccessLevel) (*models.SessionAuditor, error) {
	a, err := s.audits.GetAssignment(ctx, sessionID, auditorID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.Wrapf(models.ErrUnauthorized, "auditor %s is not assigned to session %s", auditorID, sessionID)
	}
	if err != nil {
		return nil, err
	}
	if need == models.AccessVerifier && a.AccessLevel != models.AccessVerifier {
		return nil, errors.Wrapf(models.ErrUnauthorized, "auditor %s has %s access", auditorID, a.AccessLevel)
	}
	return a, nil
}

func (s *Service) CurrentRoot(ctx context.Context, sessionID, auditorID string) (string, int64, error) {
	if _, err := s.authorize(ctx, sessionID, auditorID, models.AccessObserver); err != nil {
		return "", 0, err
	}
	return s.proofs.CurrentRoot(ctx, sessionID)
}

func (s *Service) ProofFor(ctx context.Context, sessionID, auditorID string, sequence int64) (*models.InclusionProof, error) {
	if _, err := s.authorize(ctx, sessionID, auditorID, models.AccessObserver); err != nil {
		return nil, err
	}
	return s.proofs.ProofFor(ctx, sessionID, sequence)
}

// Verify recomputes the hash chain of proof from ballotHash and compares it
// with root, or with the current root when root is empty. A mismatch is
// recorded as a critical finding and returned as an AuditorVerificationError;
// voting is never interrupted.
func (s *Service) Verify(ctx context.Context, sessionID, auditorID, ballotHash string, proof *models.InclusionProof, root string) error {
	if _, err := s.authorize(ctx, sessionID, auditorID, models.AccessObserver); err != nil {
		return err
	}
	if proof == nil {
		return errors.New("proof is required")
	}
	if root == "" {
		current, _, err := s.proofs.CurrentRoot(ctx, sessionID)
		if err != nil {
			return err
		}
		root = current
	}
	root = normalizeHex(root)
	ballotHash = normalizeHex(ballotHash)

	var reason string
	switch got, err := merkle.RootFromProof(ballotHash, proof); {
	case err != nil:
		reason = "malformed proof: " + err.Error()
	case proof.LeafHash != "" && normalizeHex(proof.LeafHash) != ballotHash:
		reason = "proof is for a different ballot hash"
	case normalizeHex(got) != root:
		reason = "recomputed root " + got + " does not match " + root
	}
	if reason == "" {
		if stored, err := s.ballots.GetBallot(ctx, sessionID, proof.LeafIndex); err == nil && stored.BallotHash != ballotHash {
			reason = "ballot hash differs from the stored ballot at this sequence"
		}
	}
	if reason == "" {
		s.log.Debug("Proof verified", "session", sessionID, "auditor", auditorID, "sequence", proof.LeafIndex)
		return nil
	}

	seq := proof.LeafIndex
	s.record(ctx, &models.Finding{
		SessionID: sessionID,
		AuditorID: auditorID,
		Sequence:  &seq,
		Severity:  models.SeverityCritical,
		Kind:      models.FindingProofMismatch,
		Detail:    reason,
	})
	return &models.AuditorVerificationError{SessionID: sessionID, AuditorID: auditorID, Sequence: seq, Reason: reason}
}

// VerifyAnchor recomputes the root over the first TreeSize stored ballots and
// compares it with the anchored root.
func (s *Service) VerifyAnchor(ctx context.Context, sessionID, auditorID, anchorID string) error {
	if _, err := s.authorize(ctx, sessionID, auditorID, models.AccessObserver); err != nil {
		return err
	}
	a, err := s.anchors.GetAnchor(ctx, anchorID)
	if err != nil {
		return errors.Wrapf(err, "anchor %s", anchorID)
	}
	if a.SessionID != sessionID {
		return errors.Wrapf(models.ErrNotFound, "anchor %s does not belong to session %s", anchorID, sessionID)
	}
	ballots, err := s.ballots.ListBallots(ctx, sessionID)
	if err != nil {
		return err
	}

	var reason string
	if a.TreeSize > int64(len(ballots)) {
		reason = "anchor covers more ballots than are stored"
	} else {
		hashes := make([]string, a.TreeSize)
		for i := range hashes {
			hashes[i] = ballots[i].BallotHash
		}
		got, err := merkle.ComputeRoot(hashes)
		if err != nil {
			reason = "stored ballot hash is malformed: " + err.Error()
		} else if got != normalizeHex(a.MerkleRootHash) {
			reason = "recomputed root " + got + " does not match anchored root " + a.MerkleRootHash
		}
	}
	if reason == "" {
		s.log.Debug("Anchor verified", "session", sessionID, "anchor", anchorID, "size", a.TreeSize)
		return nil
	}
	s.record(ctx, &models.Finding{
		SessionID: sessionID,
		AuditorID: auditorID,
		Severity:  models.SeverityCritical,
		Kind:      models.FindingAnchorMismatch,
		Detail:    reason,
	})
	return &models.AuditorVerificationError{SessionID: sessionID, AuditorID: auditorID, Sequence: -1, Reason: reason}
}

// SubmitFinding accepts a finding signed by a verifier-level auditor.
func (s *Service) SubmitFinding(ctx context.Context, f *models.Finding) (*models.Finding, error) {
	if _, err := s.authorize(ctx, f.SessionID, f.AuditorID, models.AccessVerifier); err != nil {
		return nil, err
	}
	switch f.Severity {
	case models.SeverityInfo, models.SeverityWarning, models.SeverityCritical:
	default:
		return nil, errors.Errorf("unknown severity %q", f.Severity)
	}
	if f.Kind == "" {
		f.Kind = models.FindingManual
	}
	auditor, err := s.audits.GetAuditor(ctx, f.AuditorID)
	if err != nil {
		return nil, err
	}
	pub, err := s.crypto.UnmarshalPubkey(auditor.PublicKey)
	if err != nil {
		return nil, err
	}
	if !s.crypto.VerifySignature(f.SigningPayload(), f.Signature, pub) {
		return nil, errors.Wrap(models.ErrUnauthorized, "finding signature does not match auditor key")
	}
	s.record(ctx, f)
	return f, nil
}

func (s *Service) Findings(ctx context.Context, sessionID string) ([]*models.Finding, error) {
	return s.audits.ListFindings(ctx, sessionID)
}

// RecordTamper files a system finding for a ballot excluded from the tally.
func (s *Service) RecordTamper(ctx context.Context, sessionID string, sequence int64, detail string) {
	seq := sequence
	s.record(ctx, &models.Finding{
		SessionID: sessionID,
		AuditorID: "system",
		Sequence:  &seq,
		Severity:  models.SeverityCritical,
		Kind:      models.FindingTamper,
		Detail:    detail,
	})
}

func (s *Service) record(ctx context.Context, f *models.Finding) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	f.CreatedAt = s.now()
	if err := s.audits.AppendFinding(ctx, f); err != nil {
		s.log.Error("Failed to store finding", "session", f.SessionID, "kind", f.Kind, "err", err)
	}
	s.log.Warn("Audit finding", "session", f.SessionID, "auditor", f.AuditorID, "kind", f.Kind, "severity", f.Severity, "detail", f.Detail)
	if s.alerter != nil && f.Severity != models.SeverityInfo {
		s.alerter.Alert(ctx, f.SessionID, string(f.Kind)+": "+f.Detail)
	}
}

func normalizeHex(h string) string {
	return strings.TrimPrefix(strings.ToLower(h), "0x")
}
