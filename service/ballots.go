package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"secure-voting/blockchain/anchor"
	"secure-voting/encryption"
	"secure-voting/models"
	"secure-voting/storage"
)

// CastRequest is one member's vote. OnBehalfOf names the delegating member
// when MemberID casts as a proxy.
type CastRequest struct {
	SessionID  string            `json:"sessionId"`
	MemberID   string            `json:"memberId"`
	OnBehalfOf string            `json:"onBehalfOf,omitempty"`
	OptionID   string            `json:"optionId"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func notEligible(sessionID, memberID, reason string) error {
	return &models.EligibilityError{SessionID: sessionID, MemberID: memberID, Reason: reason}
}

// resolveVoter returns the member whose vote is being cast and their roll entry.
func (m *Manager) resolveVoter(ctx context.Context, s *models.VotingSession, req CastRequest) (string, *models.VoterEligibility, error) {
	lookup := func(memberID string) (*models.VoterEligibility, error) {
		e, err := m.store.GetEligibility(ctx, s.ID, memberID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notEligible(s.ID, memberID, "not on the voter roll")
		}
		if err != nil {
			return nil, err
		}
		if e.Verification != models.VerificationVerified {
			return nil, notEligible(s.ID, memberID, "eligibility is "+string(e.Verification))
		}
		return e, nil
	}

	if req.OnBehalfOf == "" || req.OnBehalfOf == req.MemberID {
		e, err := lookup(req.MemberID)
		if err != nil {
			return "", nil, err
		}
		if s.AllowProxyVoting && e.DelegateTo != "" {
			return "", nil, notEligible(s.ID, req.MemberID, "vote delegated to proxy "+e.DelegateTo)
		}
		return req.MemberID, e, nil
	}

	if !s.AllowProxyVoting {
		return "", nil, notEligible(s.ID, req.MemberID, "proxy voting is disabled")
	}
	if _, err := lookup(req.MemberID); err != nil {
		return "", nil, err
	}
	principal, err := lookup(req.OnBehalfOf)
	if err != nil {
		return "", nil, err
	}
	if principal.DelegateTo != req.MemberID {
		return "", nil, notEligible(s.ID, req.MemberID, "holds no proxy for "+req.OnBehalfOf)
	}
	return req.OnBehalfOf, principal, nil
}

// CastBallot validates eligibility, seals the vote and appends it to the
// ledger. The sequence is allocated under the session cast lock together with
// the leaf append, so ballot sequence and leaf index always agree.
func (m *Manager) CastBallot(ctx context.Context, req CastRequest) (receipt *models.CastReceipt, err error) {
	started := m.now()
	defer func() { m.metrics.RecordCast(started, err) }()

	s, err := m.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != models.StatusOpen {
		return nil, errors.Wrapf(models.ErrSessionNotOpen, "session %s is %s", s.ID, s.Status)
	}
	rt, ok := m.runtime(s.ID)
	if !ok {
		return nil, errors.Wrapf(models.ErrSessionNotOpen, "session %s has no ledger loaded", s.ID)
	}
	voter, elig, err := m.resolveVoter(ctx, s, req)
	if err != nil {
		return nil, err
	}
	if err := m.checkOption(ctx, s.ID, req.OptionID); err != nil {
		return nil, err
	}

	payload := &models.BallotPayload{Version: models.BallotPayloadVersion, OptionID: req.OptionID, Weight: elig.Weight, Metadata: req.Metadata}
	sealed, err := m.engine.Seal(s.ID, rt.pub, payload)
	if err != nil {
		return nil, err
	}
	voterHash := m.crypto.VoterHash(s.ID, s.VoterHashSalt, voter)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.ledger.Frozen() {
		return nil, errors.Wrapf(models.ErrSessionNotOpen, "session %s is closing", s.ID)
	}
	prev, revote := rt.voters[voterHash]
	if revote && !s.AllowRevote {
		return nil, notEligible(s.ID, voter, "ballot already cast")
	}

	now := m.now()
	ballot := &models.Ballot{
		ID:               uuid.New().String(),
		SessionID:        s.ID,
		Sequence:         rt.ledger.Size(),
		EncryptedPayload: sealed.Payload,
		IV:               sealed.IV,
		Tag:              sealed.Tag,
		BallotHash:       sealed.Hash,
		VoterHash:        voterHash,
		CastAt:           now,
	}
	if err := m.store.AppendBallot(ctx, ballot); err != nil {
		return nil, errors.Wrap(err, "store ballot")
	}
	seq, root, err := rt.ledger.AppendLeaf(sealed.Hash)
	if err != nil {
		m.log.Error("Ballot stored but leaf append failed", "session", s.ID, "sequence", ballot.Sequence, "err", err)
		return nil, err
	}
	if seq != ballot.Sequence {
		m.log.Error("Ledger out of step with ballot store", "session", s.ID, "sequence", ballot.Sequence, "leaf", seq)
		return nil, errors.Errorf("session %s: leaf %d does not match ballot sequence %d", s.ID, seq, ballot.Sequence)
	}

	// The ballot is committed from here on; later failures must not hide it.
	receipt = &models.CastReceipt{BallotID: ballot.ID, SessionID: s.ID, Sequence: seq, BallotHash: sealed.Hash, RootAfter: root}
	rt.voters[voterHash] = seq
	if revote {
		rt.revocations++
		receipt.Revoked = &prev
		rev := &models.BallotRevocation{SessionID: s.ID, RevokedSequence: prev, SupersededBySequence: seq, Reason: "superseded by revote", CreatedAt: now}
		if err := m.store.AppendRevocation(ctx, rev); err != nil {
			m.log.Error("Failed to store revocation", "session", s.ID, "revoked", prev, "sequence", seq, "err", err)
		}
	}
	m.log.Debug("Ballot cast", "session", s.ID, "sequence", seq, "revote", revote)
	return receipt, nil
}

func (m *Manager) checkOption(ctx context.Context, sessionID, optionID string) error {
	options, err := m.store.ListOptions(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, o := range options {
		if o.ID == optionID {
			return nil
		}
	}
	return errors.Errorf("session %s has no option %q", sessionID, optionID)
}

// HasVoted reports whether a ballot was cast for the member, directly or by proxy.
func (m *Manager) HasVoted(ctx context.Context, sessionID, memberID string) (bool, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	rt, ok := m.runtime(sessionID)
	if !ok {
		return false, nil
	}
	return rt.hasVoted(m.crypto.VoterHash(s.ID, s.VoterHashSalt, memberID)), nil
}

// Statistics reports participation without decrypting anything.
func (m *Manager) Statistics(ctx context.Context, sessionID string) (*models.Statistics, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st := &models.Statistics{
		SessionID:      s.ID,
		Status:         s.Status,
		EligibleVoters: s.TotalEligibleVoters,
		MerkleRoot:     s.AuditHash,
	}
	if rt, ok := m.runtime(sessionID); ok {
		rt.mu.Lock()
		st.BallotsCast = rt.ledger.Size()
		st.DistinctVoters = len(rt.voters)
		st.Revocations = rt.revocations
		st.MerkleRoot = rt.ledger.Root()
		rt.mu.Unlock()
	}
	st.Turnout = s.Turnout(st.DistinctVoters)
	st.QuorumMet = st.Turnout >= s.QuorumThreshold
	return st, nil
}

// SendReminders notifies verified members who have not voted yet. Members
// represented by a proxy are skipped.
func (m *Manager) SendReminders(ctx context.Context, actor, sessionID string) (int, error) {
	if err := m.authz.Authorize(ctx, actor, ActionRemind, sessionID); err != nil {
		return 0, err
	}
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if s.Status != models.StatusOpen {
		return 0, errors.Wrapf(models.ErrSessionNotOpen, "session %s is %s", sessionID, s.Status)
	}
	rt, ok := m.runtime(sessionID)
	if !ok {
		return 0, errors.Errorf("session %s has no ledger loaded", sessionID)
	}
	roll, err := m.store.ListEligibility(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	var pending []string
	for _, r := range roll {
		if r.Verification != models.VerificationVerified {
			continue
		}
		if s.AllowProxyVoting && r.DelegateTo != "" {
			continue
		}
		if rt.hasVoted(m.crypto.VoterHash(s.ID, s.VoterHashSalt, r.MemberID)) {
			continue
		}
		pending = append(pending, r.MemberID)
	}
	if len(pending) > 0 {
		m.notifier.Reminder(ctx, s, pending)
	}
	return len(pending), nil
}

// CurrentRoot returns the live root and leaf count of a session ledger.
func (m *Manager) CurrentRoot(_ context.Context, sessionID string) (string, int64, error) {
	rt, ok := m.runtime(sessionID)
	if !ok {
		return "", 0, errors.Wrapf(models.ErrNotFound, "no ledger for session %s", sessionID)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.ledger.Root(), rt.ledger.Size(), nil
}

// ProofFor returns the inclusion proof of a ballot against the current root.
func (m *Manager) ProofFor(_ context.Context, sessionID string, sequence int64) (*models.InclusionProof, error) {
	rt, ok := m.runtime(sessionID)
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "no ledger for session %s", sessionID)
	}
	return rt.ledger.ProofFor(sequence)
}

// SnapshotRoots persists the root and node arena of every open session and
// queues the current root for anchoring.
func (m *Manager) SnapshotRoots(ctx context.Context) (int, error) {
	open, err := m.store.ListSessions(ctx, models.StatusOpen)
	if err != nil {
		return 0, err
	}
	taken := 0
	for _, s := range open {
		rt, ok := m.runtime(s.ID)
		if !ok {
			continue
		}
		rt.mu.Lock()
		snap := rt.ledger.Snapshot(m.now())
		nodes := rt.ledger.Nodes()
		rt.mu.Unlock()
		if snap.TreeSize == 0 {
			continue
		}

		if m.snapshots != nil {
			if err := m.snapshots.Save(snap); err != nil {
				return taken, errors.Wrapf(err, "snapshot session %s", s.ID)
			}
		}
		if err := m.store.SaveNodes(ctx, s.ID, nodes); err != nil {
			return taken, errors.Wrapf(err, "save nodes of session %s", s.ID)
		}
		if m.anchors != nil {
			if _, err := m.anchors.Enqueue(ctx, anchor.Request{SessionID: s.ID, MerkleRoot: snap.Root, TreeSize: snap.TreeSize, MetadataHash: m.metadataHash(s, snap.TreeSize)}); err != nil {
				m.log.Warn("Failed to queue periodic anchor", "session", s.ID, "err", err)
			}
		}
		taken++
	}
	return taken, nil
}

// Restore rebuilds the ledgers of open and closed sessions from stored
// ballots. A closed session whose rebuilt root differs from its audit hash
// is loaded anyway and raised as an alert; its tally will refuse to run.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	sessions, err := m.store.ListSessions(ctx, models.StatusOpen, models.StatusClosed)
	if err != nil {
		return 0, err
	}
	for _, s := range sessions {
		pub, err := encryption.ParsePublicKeyPEM(s.PublicKey)
		if err != nil {
			return 0, errors.Wrapf(err, "session %s public key", s.ID)
		}
		ballots, err := m.store.ListBallots(ctx, s.ID)
		if err != nil {
			return 0, err
		}
		revocations, err := m.store.ListRevocations(ctx, s.ID)
		if err != nil {
			return 0, err
		}

		rt := newSessionRuntime(s.ID, pub)
		hashes := make([]string, len(ballots))
		for i, b := range ballots {
			hashes[i] = b.BallotHash
			if b.VoterHash != "" {
				rt.voters[b.VoterHash] = b.Sequence
			}
		}
		if err := rt.ledger.Rebuild(hashes); err != nil {
			return 0, errors.Wrapf(err, "rebuild ledger of session %s", s.ID)
		}
		rt.revocations = len(revocations)
		if s.Status == models.StatusClosed {
			if root := rt.ledger.Freeze(); root != s.AuditHash {
				m.log.Error("Rebuilt root differs from audit hash", "session", s.ID, "root", root, "auditHash", s.AuditHash)
				m.notifier.Alert(ctx, s.ID, "rebuilt ledger root does not match the stored audit hash")
			}
		}
		m.setRuntime(s.ID, rt)
		if m.anchors != nil {
			if err := m.anchors.Resume(ctx, s.ID); err != nil {
				m.log.Warn("Failed to resume anchors", "session", s.ID, "err", err)
			}
		}
		m.log.Info("Session restored", "session", s.ID, "status", s.Status, "ballots", len(ballots))
	}
	return len(sessions), nil
}

// sweepInterval is how often RunMaintenance snapshots roots and expires keys.
const sweepInterval = time.Minute

// RunMaintenance snapshots open sessions and destroys expired keys until ctx is done.
func (m *Manager) RunMaintenance(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = sweepInterval
	}
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if n, err := m.SnapshotRoots(ctx); err != nil {
				m.log.Error("Root snapshot failed", "err", err)
			} else if n > 0 {
				m.log.Debug("Root snapshots taken", "sessions", n)
			}
			if n, err := m.escrow.SweepExpired(ctx, m.now()); err != nil {
				m.log.Error("Key sweep failed", "err", err)
			} else if n > 0 {
				m.log.Info("Expired session keys destroyed", "sessions", n)
			}
		}
	}
}
