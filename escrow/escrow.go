// Package escrow mints per-session RSA keys and keeps the private half
// recoverable only through a threshold of custodian shares.
//
// The PKCS#8 private key is sealed with AES-256-GCM under a key-encryption key
// derived from a random Ed25519 scalar. That scalar is split with Feldman
// verifiable secret sharing, and each share is ECIES-wrapped for exactly one
// custodian. Nothing that can open the private key is ever stored in the clear.
package escrow

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/binary"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/share"

	"secure-voting/encryption"
	"secure-voting/models"
	"secure-voting/storage"
)

// Custodian is a named key holder. PublicKey is the secp256k1 key its share is wrapped under.
type Custodian struct {
	ID        string
	PublicKey *ecdsa.PublicKey
}

type Config struct {
	RSABits              int
	ReconstructionWindow time.Duration
	RetentionPeriod      time.Duration
}

func DefaultConfig() Config {
	return Config{
		RSABits:              4096,
		ReconstructionWindow: 30 * time.Minute,
		RetentionPeriod:      90 * 24 * time.Hour,
	}
}

// MintResult is the public output of Mint.
type MintResult struct {
	PublicKey   *rsa.PublicKey
	PEM         string
	Fingerprint string
}

type Service struct {
	keys     storage.KeyStore
	sessions storage.SessionStore
	crypto   *encryption.CryptoService
	suite    *edwards25519.SuiteEd25519
	cfg      Config
	log      log.Logger
	now      func() time.Time

	mu     sync.Mutex
	rounds map[string]*Reconstruction
}

func NewService(keys storage.KeyStore, sessions storage.SessionStore, cfg Config) *Service {
	return &Service{
		keys:     keys,
		sessions: sessions,
		crypto:   encryption.NewCryptoService(),
		suite:    edwards25519.NewBlakeSHA256Ed25519(),
		cfg:      cfg,
		log:      log.New("module", "escrow"),
		now:      time.Now,
		rounds:   make(map[string]*Reconstruction),
	}
}

func (s *Service) record(ctx context.Context, sessionID, requester string, action models.KeyAccessAction, outcome models.KeyAccessOutcome, reason string) {
	entry := &models.KeyAccessLog{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		RequesterID: requester,
		Action:      action,
		Outcome:     outcome,
		Reason:      reason,
		At:          s.now(),
	}
	if err := s.keys.AppendKeyAccess(ctx, entry); err != nil {
		s.log.Error("Failed to write key access log", "session", sessionID, "action", action, "err", err)
	}
}

func (s *Service) fail(ctx context.Context, sessionID, requester string, action models.KeyAccessAction, err error) error {
	s.record(ctx, sessionID, requester, action, models.OutcomeFailure, err.Error())
	return err
}

// Mint creates the session key pair and distributes threshold shares to the custodians.
// Nothing is persisted unless every step succeeds.
func (s *Service) Mint(ctx context.Context, sessionID string, custodians []Custodian, threshold int, requester string) (*MintResult, error) {
	if err := validateCustodians(custodians, threshold); err != nil {
		return nil, s.fail(ctx, sessionID, requester, models.KeyActionMint, err)
	}
	if existing, err := s.keys.GetKeys(ctx, sessionID); err == nil && existing != nil {
		return nil, s.fail(ctx, sessionID, requester, models.KeyActionMint, errors.Errorf("session %s already has keys", sessionID))
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, errors.Wrap(err, "load existing keys")
	}

	key, err := encryption.GenerateSessionKey(s.cfg.RSABits)
	if err != nil {
		return nil, s.fail(ctx, sessionID, requester, models.KeyActionMint, err)
	}
	defer encryption.WipeKey(key)

	pemData, err := encryption.EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	fingerprint, err := encryption.Fingerprint(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	der, err := encryption.MarshalPrivateKey(key)
	if err != nil {
		return nil, err
	}
	defer encryption.Wipe(der)

	secret := s.suite.Scalar().Pick(s.suite.RandomStream())
	defer secret.Zero()
	secretBytes, err := secret.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "encode secret scalar")
	}
	defer encryption.Wipe(secretBytes)

	kek, err := encryption.DeriveKEK(secretBytes, sessionID)
	if err != nil {
		return nil, err
	}
	defer encryption.Wipe(kek)

	nonce, sealed, err := encryption.SealKey(kek, der, sessionID)
	if err != nil {
		return nil, s.fail(ctx, sessionID, requester, models.KeyActionMint, err)
	}

	poly := share.NewPriPoly(s.suite, threshold, secret, s.suite.RandomStream())
	shares := poly.Shares(len(custodians))
	commitments, err := marshalCommitments(poly.Commit(s.suite.Point().Base()))
	if err != nil {
		return nil, err
	}

	records := make([]models.KeyShareRecord, len(custodians))
	for i, c := range custodians {
		raw, err := encodeShare(shares[i])
		shares[i].V.Zero()
		if err != nil {
			return nil, err
		}
		wrapped, err := s.crypto.WrapForCustodian(c.PublicKey, raw, sessionID, c.ID)
		encryption.Wipe(raw)
		if err != nil {
			return nil, s.fail(ctx, sessionID, requester, models.KeyActionMint, err)
		}
		records[i] = models.KeyShareRecord{CustodianID: c.ID, EncryptedShare: wrapped, ShareIndex: shares[i].I}
	}

	keys := &models.VotingSessionKeys{
		SessionID:           sessionID,
		Algorithm:           models.EncryptionAlgorithm,
		PublicKey:           pemData,
		Fingerprint:         fingerprint,
		EncryptedPrivateKey: sealed,
		KEKNonce:            nonce,
		SharesTotal:         len(custodians),
		SharesThreshold:     threshold,
		Commitments:         commitments,
		Shares:              records,
		Status:              models.KeyStatusActive,
		CreatedAt:           s.now(),
	}
	if err := s.keys.SaveKeys(ctx, keys); err != nil {
		return nil, s.fail(ctx, sessionID, requester, models.KeyActionMint, errors.Wrap(err, "persist session keys"))
	}
	s.record(ctx, sessionID, requester, models.KeyActionMint, models.OutcomeSuccess, "")
	s.log.Info("Minted session keys", "session", sessionID, "shares", len(custodians), "threshold", threshold, "fingerprint", fingerprint)

	return &MintResult{
		PublicKey:   &rsa.PublicKey{N: key.PublicKey.N, E: key.PublicKey.E},
		PEM:         pemData,
		Fingerprint: fingerprint,
	}, nil
}

func validateCustodians(custodians []Custodian, threshold int) error {
	if len(custodians) == 0 {
		return errors.New("at least one custodian is required")
	}
	if threshold < 1 || threshold > len(custodians) {
		return errors.Errorf("threshold %d out of range for %d custodians", threshold, len(custodians))
	}
	seen := make(map[string]bool, len(custodians))
	for _, c := range custodians {
		if c.ID == "" || c.PublicKey == nil {
			return errors.New("custodian needs an id and a public key")
		}
		if seen[c.ID] {
			return errors.Errorf("duplicate custodian %s", c.ID)
		}
		seen[c.ID] = true
	}
	return nil
}

// WrappedShare returns the custodian's encrypted share record. Only the
// custodian's own key can unwrap it.
func (s *Service) WrappedShare(ctx context.Context, sessionID, custodianID string) (*models.KeyShareRecord, error) {
	keys, err := s.keys.GetKeys(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if keys.Status != models.KeyStatusActive {
		return nil, errors.Wrapf(models.ErrKeysDestroyed, "session %s", sessionID)
	}
	rec, ok := keys.ShareFor(custodianID)
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "custodian %s holds no share for session %s", custodianID, sessionID)
	}
	cp := *rec
	return &cp, nil
}

// OpenShare runs on the custodian side: it unwraps the custodian's share with
// their own private key so it can be submitted to a reconstruction round.
func (s *Service) OpenShare(ctx context.Context, sessionID, custodianID string, priv *ecdsa.PrivateKey) ([]byte, error) {
	rec, err := s.WrappedShare(ctx, sessionID, custodianID)
	if err != nil {
		return nil, err
	}
	return s.crypto.UnwrapShare(priv, rec.EncryptedShare, sessionID, custodianID)
}

// PublicKey returns the frozen session public key.
func (s *Service) PublicKey(ctx context.Context, sessionID string) (*rsa.PublicKey, error) {
	keys, err := s.keys.GetKeys(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if keys.Status != models.KeyStatusActive {
		return nil, errors.Wrapf(models.ErrKeysDestroyed, "session %s", sessionID)
	}
	return encryption.ParsePublicKeyPEM(keys.PublicKey)
}

// BeginReconstruction opens a share collection round. Only closed sessions may
// reconstruct. An unfinished round for the same session is returned as is
// until its window closes; an expired round is failed and replaced.
func (s *Service) BeginReconstruction(ctx context.Context, sessionID, requester string) (*Reconstruction, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.StatusClosed {
		return nil, s.fail(ctx, sessionID, requester, models.KeyActionReconstruct,
			&models.KeyReconstructionError{SessionID: sessionID, Reason: "session status is " + string(session.Status)})
	}
	keys, err := s.keys.GetKeys(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if keys.Status != models.KeyStatusActive {
		return nil, s.fail(ctx, sessionID, requester, models.KeyActionReconstruct, errors.Wrapf(models.ErrKeysDestroyed, "session %s", sessionID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rounds[sessionID]; ok && !r.finished() {
		if !r.expired(s.now()) {
			return r, nil
		}
		r.failRound(ctx, "reconstruction window expired")
	}
	pub, err := unmarshalCommitments(s.suite, keys.Commitments)
	if err != nil {
		return nil, err
	}
	r := newReconstruction(s, keys, pub, requester, s.now().Add(s.cfg.ReconstructionWindow))
	s.rounds[sessionID] = r
	s.log.Info("Key reconstruction round opened", "session", sessionID, "threshold", keys.SharesThreshold, "deadline", r.deadline)
	return r, nil
}

// Round returns the current reconstruction round of a session, if any.
func (s *Service) Round(sessionID string) (*Reconstruction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[sessionID]
	return r, ok
}

// Destroy discards the encrypted private key, commitments and all shares.
func (s *Service) Destroy(ctx context.Context, sessionID, requester, reason string) error {
	s.mu.Lock()
	if r, ok := s.rounds[sessionID]; ok {
		r.Abort("keys destroyed")
		delete(s.rounds, sessionID)
	}
	s.mu.Unlock()

	keys, err := s.keys.GetKeys(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if keys.Status == models.KeyStatusDestroyed {
		return nil
	}
	encryption.Wipe(keys.EncryptedPrivateKey)
	keys.EncryptedPrivateKey = nil
	keys.KEKNonce = nil
	keys.Commitments = nil
	keys.Shares = nil
	keys.Status = models.KeyStatusDestroyed
	keys.DestroyedAt = s.now()
	if err := s.keys.SaveKeys(ctx, keys); err != nil {
		return s.fail(ctx, sessionID, requester, models.KeyActionDestroy, errors.Wrap(err, "persist destroyed keys"))
	}
	s.record(ctx, sessionID, requester, models.KeyActionDestroy, models.OutcomeSuccess, reason)
	s.log.Info("Destroyed session keys", "session", sessionID, "reason", reason)
	return nil
}

// ScheduleDestruction starts the retention window after a tally.
func (s *Service) ScheduleDestruction(ctx context.Context, sessionID string, from time.Time) error {
	keys, err := s.keys.GetKeys(ctx, sessionID)
	if err != nil {
		return err
	}
	keys.ExpiresAt = from.Add(s.cfg.RetentionPeriod)
	return s.keys.SaveKeys(ctx, keys)
}

// SweepExpired destroys every active key set whose retention window has passed.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	all, err := s.keys.ListKeys(ctx)
	if err != nil {
		return 0, err
	}
	destroyed := 0
	for _, k := range all {
		if k.Status != models.KeyStatusActive || k.ExpiresAt.IsZero() || now.Before(k.ExpiresAt) {
			continue
		}
		if err := s.Destroy(ctx, k.SessionID, "retention", "retention window elapsed"); err != nil {
			return destroyed, err
		}
		destroyed++
	}
	return destroyed, nil
}

// AccessLog lists every key access attempt for a session.
func (s *Service) AccessLog(ctx context.Context, sessionID string) ([]*models.KeyAccessLog, error) {
	return s.keys.ListKeyAccess(ctx, sessionID)
}

// encodeShare serializes a share as a 4-byte index followed by the scalar.
func encodeShare(ps *share.PriShare) ([]byte, error) {
	v, err := ps.V.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "encode share")
	}
	out := make([]byte, 4+len(v))
	binary.BigEndian.PutUint32(out, uint32(ps.I))
	copy(out[4:], v)
	encryption.Wipe(v)
	return out, nil
}

func decodeShare(suite *edwards25519.SuiteEd25519, raw []byte) (*share.PriShare, error) {
	if len(raw) != 4+suite.ScalarLen() {
		return nil, errors.Errorf("share has %d bytes, want %d", len(raw), 4+suite.ScalarLen())
	}
	v := suite.Scalar()
	if err := v.UnmarshalBinary(raw[4:]); err != nil {
		return nil, errors.Wrap(err, "decode share scalar")
	}
	return &share.PriShare{I: int(binary.BigEndian.Uint32(raw)), V: v}, nil
}

// marshalCommitments stores the base point first, then the polynomial commitments.
func marshalCommitments(pub *share.PubPoly) ([][]byte, error) {
	base, commits := pub.Info()
	out := make([][]byte, 0, len(commits)+1)
	for _, p := range append([]kyber.Point{base}, commits...) {
		b, err := p.MarshalBinary()
		if err != nil {
			return nil, errors.Wrap(err, "encode commitment")
		}
		out = append(out, b)
	}
	return out, nil
}

func unmarshalCommitments(suite *edwards25519.SuiteEd25519, raw [][]byte) (*share.PubPoly, error) {
	if len(raw) < 2 {
		return nil, errors.New("missing share commitments")
	}
	points := make([]kyber.Point, len(raw))
	for i, b := range raw {
		p := suite.Point()
		if err := p.UnmarshalBinary(b); err != nil {
			return nil, errors.Wrapf(err, "decode commitment %d", i)
		}
		points[i] = p
	}
	return share.NewPubPoly(suite, points[0], points[1:]), nil
}
