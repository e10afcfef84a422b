package escrow

import (
	"context"
	"crypto/rsa"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3/share"

	"secure-voting/encryption"
	"secure-voting/models"
)

// Reconstruction collects custodian shares for one session until the
// threshold is reached or the window closes. Collected shares are wiped on
// every exit path.
type Reconstruction struct {
	svc       *Service
	keys      *models.VotingSessionKeys
	pub       *share.PubPoly
	requester string
	deadline  time.Time

	mu     sync.Mutex
	shares map[string]*share.PriShare
	ready  chan struct{}
	abort  chan struct{}
	reason string
	done   bool
	// failedWith is the share count at the moment the round failed.
	failedWith int
	expiry     *time.Timer
}

// newReconstruction arms a timer that fails the round at the deadline, so
// collected shares are wiped even when nobody waits in Recover.
func newReconstruction(svc *Service, keys *models.VotingSessionKeys, pub *share.PubPoly, requester string, deadline time.Time) *Reconstruction {
	r := &Reconstruction{
		svc:       svc,
		keys:      keys,
		pub:       pub,
		requester: requester,
		deadline:  deadline,
		shares:    make(map[string]*share.PriShare),
		ready:     make(chan struct{}),
		abort:     make(chan struct{}),
	}
	r.mu.Lock()
	r.expiry = time.AfterFunc(deadline.Sub(svc.now()), func() {
		r.failRound(context.Background(), "reconstruction window expired")
	})
	r.mu.Unlock()
	return r
}

func (r *Reconstruction) SessionID() string { return r.keys.SessionID }

func (r *Reconstruction) Threshold() int { return r.keys.SharesThreshold }

func (r *Reconstruction) Deadline() time.Time { return r.deadline }

// Have returns the number of accepted shares.
func (r *Reconstruction) Have() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.shares)
}

func (r *Reconstruction) finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *Reconstruction) expired(now time.Time) bool {
	return !now.Before(r.deadline)
}

func (r *Reconstruction) stopExpiryLocked() {
	if r.expiry != nil {
		r.expiry.Stop()
	}
}

// Submit accepts one custodian's plaintext share after checking it against the
// public commitments. Each custodian may contribute once.
func (r *Reconstruction) Submit(ctx context.Context, custodianID string, raw []byte) error {
	sessionID := r.keys.SessionID
	reject := func(reason string) error {
		err := errors.Errorf("share from %s rejected: %s", custodianID, reason)
		r.svc.record(ctx, sessionID, custodianID, models.KeyActionSubmitShare, models.OutcomeFailure, reason)
		r.svc.log.Warn("Rejected custodian share", "session", sessionID, "custodian", custodianID, "reason", reason)
		return err
	}

	if r.expired(r.svc.now()) {
		r.failRound(ctx, "reconstruction window expired")
		return reject("reconstruction window expired")
	}
	rec, ok := r.keys.ShareFor(custodianID)
	if !ok {
		return reject("not a custodian of this session")
	}
	ps, err := decodeShare(r.svc.suite, raw)
	if err != nil {
		return reject(err.Error())
	}
	if ps.I != rec.ShareIndex {
		ps.V.Zero()
		return reject("share index does not belong to this custodian")
	}
	if !r.pub.Check(ps) {
		ps.V.Zero()
		return reject("share fails commitment check")
	}

	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		ps.V.Zero()
		return reject("round already finished")
	}
	if _, dup := r.shares[custodianID]; dup {
		r.mu.Unlock()
		ps.V.Zero()
		return reject("duplicate submission")
	}
	r.shares[custodianID] = ps
	have := len(r.shares)
	if have == r.keys.SharesThreshold {
		close(r.ready)
	}
	r.mu.Unlock()

	r.svc.record(ctx, sessionID, custodianID, models.KeyActionSubmitShare, models.OutcomeSuccess, "")
	r.svc.log.Info("Accepted custodian share", "session", sessionID, "custodian", custodianID, "have", have, "need", r.keys.SharesThreshold)
	return nil
}

// Recover blocks until the threshold is met, the window expires, the round is
// aborted or ctx is done. On success the caller owns the returned key and must
// wipe it with encryption.WipeKey.
func (r *Reconstruction) Recover(ctx context.Context) (*rsa.PrivateKey, error) {
	wait := time.Until(r.deadline)
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-r.ready:
		return r.combine(ctx)
	case <-timer.C:
		select {
		case <-r.ready:
			return r.combine(ctx)
		default:
		}
		return nil, r.failRound(ctx, "reconstruction window expired")
	case <-ctx.Done():
		return nil, r.failRound(context.Background(), ctx.Err().Error())
	case <-r.abort:
		r.mu.Lock()
		reason := r.reason
		have := r.failedWith
		r.mu.Unlock()
		return nil, &models.KeyReconstructionError{SessionID: r.keys.SessionID, Have: have, Need: r.keys.SharesThreshold, Reason: reason}
	}
}

// Abort ends the round without reconstructing.
func (r *Reconstruction) Abort(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.reason = reason
	r.failedWith = len(r.shares)
	r.stopExpiryLocked()
	r.wipeLocked()
	close(r.abort)
}

func (r *Reconstruction) wipeLocked() {
	for id, ps := range r.shares {
		ps.V.Zero()
		delete(r.shares, id)
	}
}

// failRound ends the round and wipes its shares. Only the call that actually
// ends the round writes the access log entry.
func (r *Reconstruction) failRound(ctx context.Context, reason string) error {
	r.mu.Lock()
	first := !r.done
	if first {
		r.done = true
		r.reason = reason
		r.failedWith = len(r.shares)
		r.stopExpiryLocked()
		r.wipeLocked()
		close(r.abort)
	}
	have := r.failedWith
	if r.reason != "" {
		reason = r.reason
	}
	r.mu.Unlock()

	err := &models.KeyReconstructionError{SessionID: r.keys.SessionID, Have: have, Need: r.keys.SharesThreshold, Reason: reason}
	if first {
		r.svc.record(ctx, r.keys.SessionID, r.requester, models.KeyActionReconstruct, models.OutcomeFailure, reason)
		r.svc.log.Error("Key reconstruction failed", "session", r.keys.SessionID, "have", have, "need", r.keys.SharesThreshold, "reason", reason)
	}
	return err
}

func (r *Reconstruction) combine(ctx context.Context) (*rsa.PrivateKey, error) {
	r.mu.Lock()
	if r.done {
		reason := r.reason
		r.mu.Unlock()
		return nil, &models.KeyReconstructionError{SessionID: r.keys.SessionID, Need: r.keys.SharesThreshold, Reason: reason}
	}
	r.done = true
	r.stopExpiryLocked()
	collected := make([]*share.PriShare, 0, len(r.shares))
	for _, ps := range r.shares {
		collected = append(collected, ps)
	}
	have := len(collected)
	defer func() {
		r.mu.Lock()
		r.wipeLocked()
		r.mu.Unlock()
	}()
	r.mu.Unlock()

	sessionID := r.keys.SessionID
	fail := func(reason string, err error) (*rsa.PrivateKey, error) {
		r.svc.record(ctx, sessionID, r.requester, models.KeyActionReconstruct, models.OutcomeFailure, reason)
		r.svc.log.Error("Key reconstruction failed", "session", sessionID, "reason", reason, "err", err)
		return nil, &models.KeyReconstructionError{SessionID: sessionID, Have: have, Need: r.keys.SharesThreshold, Reason: reason}
	}

	secret, err := share.RecoverSecret(r.svc.suite, collected, r.keys.SharesThreshold, r.keys.SharesTotal)
	if err != nil {
		return fail("lagrange interpolation failed", err)
	}
	secretBytes, err := secret.MarshalBinary()
	secret.Zero()
	if err != nil {
		return fail("encode recovered secret", err)
	}
	kek, err := encryption.DeriveKEK(secretBytes, sessionID)
	encryption.Wipe(secretBytes)
	if err != nil {
		return fail("derive key-encryption key", err)
	}
	der, err := encryption.OpenKey(kek, r.keys.KEKNonce, r.keys.EncryptedPrivateKey, sessionID)
	encryption.Wipe(kek)
	if err != nil {
		return fail("decrypt private key", err)
	}
	key, err := encryption.ParsePrivateKey(der)
	encryption.Wipe(der)
	if err != nil {
		return fail("parse private key", err)
	}
	fp, err := encryption.Fingerprint(&key.PublicKey)
	if err != nil || fp != r.keys.Fingerprint {
		encryption.WipeKey(key)
		return fail("fingerprint mismatch", err)
	}

	r.svc.record(ctx, sessionID, r.requester, models.KeyActionReconstruct, models.OutcomeSuccess, "")
	r.svc.log.Info("Reconstructed session key", "session", sessionID, "shares", have)
	return key, nil
}
