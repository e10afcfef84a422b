package service

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secure-voting/auditor"
	"secure-voting/blockchain/anchor"
	"secure-voting/encryption"
	"secure-voting/escrow"
	"secure-voting/merkle"
	"secure-voting/models"
	"secure-voting/storage"
)

// tamperingStore flips a ciphertext byte of chosen ballots on read and can
// refuse revocation writes.
type tamperingStore struct {
	*storage.MemoryStore
	mu            sync.Mutex
	flipped       map[int64]bool
	revocationErr error
}

func (s *tamperingStore) failRevocations(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revocationErr = err
}

func (s *tamperingStore) AppendRevocation(ctx context.Context, r *models.BallotRevocation) error {
	s.mu.Lock()
	err := s.revocationErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.AppendRevocation(ctx, r)
}

func (s *tamperingStore) flip(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flipped[seq] = true
}

func (s *tamperingStore) ListBallots(ctx context.Context, sessionID string) ([]*models.Ballot, error) {
	out, err := s.MemoryStore.ListBallots(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range out {
		if s.flipped[b.Sequence] {
			payload := append([]byte(nil), b.EncryptedPayload...)
			payload[len(payload)-1] ^= 0x01
			b.EncryptedPayload = payload
		}
	}
	return out, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	opened   int
	closed   int
	reminded []string
	alerts   []string
}

func (n *recordingNotifier) SessionOpened(context.Context, *models.VotingSession, []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opened++
}

func (n *recordingNotifier) SessionClosed(context.Context, *models.VotingSession) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed++
}

func (n *recordingNotifier) Reminder(_ context.Context, _ *models.VotingSession, ids []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reminded = append(n.reminded, ids...)
}

func (n *recordingNotifier) Alert(_ context.Context, _ string, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, msg)
}

type fixture struct {
	mgr        *Manager
	store      *tamperingStore
	escrow     *escrow.Service
	anchors    *anchor.Service
	chain      *anchor.SimulatedSubmitter
	auditor    *auditor.Service
	notifier   *recordingNotifier
	custodians []escrow.Custodian
	privs      map[string]*ecdsa.PrivateKey
}

func newFixture(t *testing.T, custodians int) *fixture {
	t.Helper()
	store := &tamperingStore{MemoryStore: storage.NewMemoryStore(), flipped: map[int64]bool{}}
	cfg := escrow.DefaultConfig()
	cfg.RSABits = encryption.MinRSABits
	cfg.RetentionPeriod = time.Hour

	signer, err := crypto.GenerateKey()
	require.NoError(t, err)

	f := &fixture{
		store:    store,
		escrow:   escrow.NewService(store, store, cfg),
		chain:    anchor.NewSimulatedSubmitter(),
		notifier: &recordingNotifier{},
		privs:    map[string]*ecdsa.PrivateKey{},
	}
	f.anchors = anchor.NewService(store, f.chain, f.notifier, anchor.DefaultConfig())
	f.mgr, err = NewManager(Deps{
		Store:      store,
		Escrow:     f.escrow,
		Tally:      NewTallyEngine(store, signer),
		Anchors:    f.anchors,
		Notifier:   f.notifier,
		Authorizer: AllowAll,
	}, DefaultConfig())
	require.NoError(t, err)
	f.auditor = auditor.NewService(store, store, store, f.mgr, f.notifier)
	f.mgr.SetTamperRecorder(f.auditor)

	for i := 0; i < custodians; i++ {
		priv, err := crypto.GenerateKey()
		require.NoError(t, err)
		id := fmt.Sprintf("custodian-%d", i)
		f.privs[id] = priv
		f.custodians = append(f.custodians, escrow.Custodian{ID: id, PublicKey: &priv.PublicKey})
	}
	return f
}

type sessionSpec struct {
	options   int
	voters    int
	quorum    float64
	revote    bool
	proxy     bool
	threshold int
	roll      []*models.VoterEligibility
}

func member(i int) string { return fmt.Sprintf("member-%02d", i) }

// openSession creates, populates and opens a session, returning its id and option ids.
func (f *fixture) openSession(t *testing.T, spec sessionSpec) (string, []string) {
	t.Helper()
	ctx := context.Background()
	s, err := f.mgr.CreateSession(ctx, "admin", SessionRequest{
		OrganizationID:   "org-1",
		Title:            "Strike authorization",
		Type:             models.SessionStrike,
		QuorumThreshold:  spec.quorum,
		AllowRevote:      spec.revote,
		AllowProxyVoting: spec.proxy,
	})
	require.NoError(t, err)

	var options []string
	for i := 0; i < spec.options; i++ {
		o, err := f.mgr.AddOption(ctx, "admin", s.ID, fmt.Sprintf("Option %d", i))
		require.NoError(t, err)
		options = append(options, o.ID)
	}
	roll := spec.roll
	if roll == nil {
		for i := 0; i < spec.voters; i++ {
			roll = append(roll, &models.VoterEligibility{MemberID: member(i)})
		}
	}
	require.NoError(t, f.mgr.SetEligibility(ctx, "admin", s.ID, roll))

	threshold := spec.threshold
	if threshold == 0 {
		threshold = len(f.custodians)
	}
	_, err = f.mgr.OpenVoting(ctx, "admin", s.ID, f.custodians, threshold)
	require.NoError(t, err)
	return s.ID, options
}

func (f *fixture) cast(t *testing.T, sessionID, memberID, optionID string) *models.CastReceipt {
	t.Helper()
	r, err := f.mgr.CastBallot(context.Background(), CastRequest{SessionID: sessionID, MemberID: memberID, OptionID: optionID})
	require.NoError(t, err)
	return r
}

func (f *fixture) submitShares(t *testing.T, sessionID string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		raw, err := f.escrow.OpenShare(context.Background(), sessionID, id, f.privs[id])
		require.NoError(t, err)
		_, _, err = f.mgr.SubmitShare(context.Background(), sessionID, id, raw)
		require.NoError(t, err)
	}
}

func TestQuorumDecidesCloseOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	short, options := f.openSession(t, sessionSpec{options: 5, voters: 10, quorum: 50})
	for i := 0; i < 4; i++ {
		f.cast(t, short, member(i), options[i%5])
	}
	s, err := f.mgr.CloseVoting(ctx, "admin", short)
	var qe *models.QuorumNotMetError
	require.True(t, errors.As(err, &qe))
	assert.InDelta(t, 40.0, qe.Turnout, 0.001)
	assert.Equal(t, models.StatusFailedQuorum, s.Status)
	keys, err := f.store.GetKeys(ctx, short)
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusDestroyed, keys.Status)

	met, options := f.openSession(t, sessionSpec{options: 5, voters: 10, quorum: 50})
	for i := 0; i < 5; i++ {
		f.cast(t, met, member(i), options[i%5])
	}
	s, err = f.mgr.CloseVoting(ctx, "admin", met)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, s.Status)
	assert.Len(t, s.AuditHash, 64)
	require.NotEmpty(t, s.AnchorID)

	a, err := f.anchors.Get(ctx, s.AnchorID)
	require.NoError(t, err)
	assert.Equal(t, s.AuditHash, a.MerkleRootHash)
	assert.Equal(t, int64(5), a.TreeSize)

	_, err = f.mgr.CastBallot(ctx, CastRequest{SessionID: met, MemberID: member(7), OptionID: options[0]})
	assert.True(t, errors.Is(err, models.ErrSessionNotOpen))
}

func TestAnyThresholdOfSharesTallies(t *testing.T) {
	subsets := [][]string{
		{"custodian-0", "custodian-1", "custodian-2"},
		{"custodian-2", "custodian-3", "custodian-4"},
		{"custodian-4", "custodian-0", "custodian-3"},
	}
	f := newFixture(t, 5)
	for _, subset := range subsets {
		sid, options := f.openSession(t, sessionSpec{options: 3, voters: 8, threshold: 3})
		want := map[string]int{}
		for i := 0; i < 8; i++ {
			opt := options[i%3]
			want[opt]++
			f.cast(t, sid, member(i), opt)
		}
		_, err := f.mgr.CloseVoting(context.Background(), "admin", sid)
		require.NoError(t, err)
		f.submitShares(t, sid, subset...)

		report, err := f.mgr.Tally(context.Background(), "admin", sid)
		require.NoError(t, err, "subset %v", subset)
		assert.Equal(t, 8, report.Counted)
		assert.Empty(t, report.Excluded)
		assert.InDelta(t, 100.0, report.Turnout, 0.001)
		for _, r := range report.Results {
			assert.Equal(t, want[r.OptionID], r.Count)
			assert.True(t, f.mgr.tally.VerifyResult(&r))
		}

		s, err := f.mgr.GetSession(context.Background(), sid)
		require.NoError(t, err)
		assert.Equal(t, models.StatusTallied, s.Status)
		stored, err := f.mgr.TallyReport(context.Background(), sid)
		require.NoError(t, err)
		assert.Equal(t, report.MerkleRoot, stored.MerkleRoot)
	}
}

func TestTallyBlockedBelowThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	sid, options := f.openSession(t, sessionSpec{options: 2, voters: 3, threshold: 3})
	f.cast(t, sid, member(0), options[0])
	f.cast(t, sid, member(1), options[1])
	_, err := f.mgr.CloseVoting(ctx, "admin", sid)
	require.NoError(t, err)

	f.submitShares(t, sid, "custodian-0", "custodian-1")
	_, err = f.mgr.Tally(ctx, "admin", sid)
	var ke *models.KeyReconstructionError
	require.True(t, errors.As(err, &ke))
	assert.Equal(t, 2, ke.Have)
	assert.Equal(t, 3, ke.Need)

	s, err := f.mgr.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, s.Status)
	_, err = f.mgr.TallyReport(ctx, sid)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	f.submitShares(t, sid, "custodian-3")
	report, err := f.mgr.Tally(ctx, "admin", sid)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Counted)
}

func TestProxyVoting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	roll := []*models.VoterEligibility{
		{MemberID: member(0), DelegateTo: member(1)},
		{MemberID: member(1)},
		{MemberID: member(2)},
	}
	sid, options := f.openSession(t, sessionSpec{options: 2, roll: roll, proxy: true})

	_, err := f.mgr.CastBallot(ctx, CastRequest{SessionID: sid, MemberID: member(0), OptionID: options[0]})
	var ee *models.EligibilityError
	require.True(t, errors.As(err, &ee))

	_, err = f.mgr.CastBallot(ctx, CastRequest{SessionID: sid, MemberID: member(2), OnBehalfOf: member(0), OptionID: options[0]})
	require.True(t, errors.As(err, &ee))

	_, err = f.mgr.CastBallot(ctx, CastRequest{SessionID: sid, MemberID: member(1), OnBehalfOf: member(0), OptionID: options[0]})
	require.NoError(t, err)

	voted, err := f.mgr.HasVoted(ctx, sid, member(0))
	require.NoError(t, err)
	assert.True(t, voted)
	voted, err = f.mgr.HasVoted(ctx, sid, member(1))
	require.NoError(t, err)
	assert.False(t, voted)

	f.cast(t, sid, member(1), options[1])
	st, err := f.mgr.Statistics(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 2, st.DistinctVoters)
}

func TestOpenRejectsProxyOutsideRoll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	s, err := f.mgr.CreateSession(ctx, "admin", SessionRequest{OrganizationID: "org-1", Title: "Bylaws", Type: models.SessionRatification, AllowProxyVoting: true})
	require.NoError(t, err)
	for _, label := range []string{"Yes", "No"} {
		_, err := f.mgr.AddOption(ctx, "admin", s.ID, label)
		require.NoError(t, err)
	}
	require.NoError(t, f.mgr.SetEligibility(ctx, "admin", s.ID, []*models.VoterEligibility{
		{MemberID: member(0), DelegateTo: member(9)},
	}))
	_, err = f.mgr.OpenVoting(ctx, "admin", s.ID, f.custodians, 2)
	var ee *models.EligibilityError
	assert.True(t, errors.As(err, &ee))
}

func TestRevote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	strict, options := f.openSession(t, sessionSpec{options: 2, voters: 2})
	f.cast(t, strict, member(0), options[0])
	_, err := f.mgr.CastBallot(ctx, CastRequest{SessionID: strict, MemberID: member(0), OptionID: options[1]})
	var ee *models.EligibilityError
	require.True(t, errors.As(err, &ee))

	sid, options := f.openSession(t, sessionSpec{options: 2, voters: 2, revote: true})
	first := f.cast(t, sid, member(0), options[0])
	second := f.cast(t, sid, member(0), options[1])
	require.NotNil(t, second.Revoked)
	assert.Equal(t, first.Sequence, *second.Revoked)
	assert.Equal(t, int64(1), second.Sequence)

	st, err := f.mgr.Statistics(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.BallotsCast)
	assert.Equal(t, 1, st.DistinctVoters)
	assert.Equal(t, 1, st.Revocations)

	_, err = f.mgr.CloseVoting(ctx, "admin", sid)
	require.NoError(t, err)
	f.submitShares(t, sid, "custodian-0", "custodian-1", "custodian-2")
	report, err := f.mgr.Tally(ctx, "admin", sid)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Counted)
	assert.Equal(t, 1, report.Revoked)
	for _, r := range report.Results {
		if r.OptionID == options[1] {
			assert.Equal(t, 1, r.Count)
		} else {
			assert.Equal(t, 0, r.Count)
		}
	}
}

func TestRevoteSurvivesRevocationWriteFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	sid, options := f.openSession(t, sessionSpec{options: 2, voters: 2, revote: true})
	first := f.cast(t, sid, member(0), options[0])

	f.store.failRevocations(errors.New("disk full"))
	second := f.cast(t, sid, member(0), options[1])
	require.NotNil(t, second.Revoked)
	assert.Equal(t, first.Sequence, *second.Revoked)

	third := f.cast(t, sid, member(0), options[0])
	require.NotNil(t, third.Revoked)
	assert.Equal(t, second.Sequence, *third.Revoked, "voter index follows the committed ballot")
	f.store.failRevocations(nil)

	_, err := f.mgr.CloseVoting(ctx, "admin", sid)
	require.NoError(t, err)
	f.submitShares(t, sid, "custodian-0", "custodian-1", "custodian-2")
	report, err := f.mgr.Tally(ctx, "admin", sid)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Counted)
	assert.Equal(t, 2, report.Revoked)
	for _, r := range report.Results {
		if r.OptionID == options[0] {
			assert.Equal(t, 1, r.Count)
		} else {
			assert.Equal(t, 0, r.Count)
		}
	}
}

func TestConcurrentCastsKeepSequenceAndRoot(t *testing.T) {
	ctx := context.Background()
	const voters = 40
	f := newFixture(t, 3)
	sid, options := f.openSession(t, sessionSpec{options: 3, voters: voters})

	receipts := make([]*models.CastReceipt, voters)
	errs := make([]error, voters)
	var wg sync.WaitGroup
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			receipts[i], errs[i] = f.mgr.CastBallot(ctx, CastRequest{SessionID: sid, MemberID: member(i), OptionID: options[i%3]})
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, voters)
	for i := 0; i < voters; i++ {
		require.NoError(t, errs[i], member(i))
		seen[receipts[i].Sequence] = true
	}
	for seq := int64(0); seq < voters; seq++ {
		assert.True(t, seen[seq], "sequence %d missing", seq)
	}

	s, err := f.mgr.CloseVoting(ctx, "admin", sid)
	require.NoError(t, err)
	ballots, err := f.store.ListBallots(ctx, sid)
	require.NoError(t, err)
	require.Len(t, ballots, voters)
	hashes := make([]string, voters)
	for _, b := range ballots {
		hashes[b.Sequence] = b.BallotHash
	}
	root, err := merkle.ComputeRoot(hashes)
	require.NoError(t, err)
	assert.Equal(t, s.AuditHash, root)

	f.submitShares(t, sid, "custodian-0", "custodian-1", "custodian-2")
	report, err := f.mgr.Tally(ctx, "admin", sid)
	require.NoError(t, err)
	assert.Equal(t, voters, report.Counted)
	assert.Empty(t, report.Excluded)
}

func TestReceiptProofVerifiesForAuditor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	sid, options := f.openSession(t, sessionSpec{options: 2, voters: 5})
	var receipts []*models.CastReceipt
	for i := 0; i < 5; i++ {
		receipts = append(receipts, f.cast(t, sid, member(i), options[i%2]))
	}
	for i, r := range receipts {
		assert.Equal(t, int64(i), r.Sequence)
	}

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	aud, err := f.auditor.RegisterAuditor(ctx, "Observer", "Ballot League", crypto.FromECDSAPub(&key.PublicKey))
	require.NoError(t, err)
	_, err = f.auditor.Assign(ctx, sid, aud.ID, "")
	require.NoError(t, err)

	proof, err := f.auditor.ProofFor(ctx, sid, aud.ID, receipts[2].Sequence)
	require.NoError(t, err)
	assert.NoError(t, f.auditor.Verify(ctx, sid, aud.ID, receipts[2].BallotHash, proof, ""))

	// A receipt's root stays provable after later casts.
	early, err := f.mgr.ProofFor(ctx, sid, receipts[0].Sequence)
	require.NoError(t, err)
	root, size, err := f.mgr.CurrentRoot(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	assert.Equal(t, root, early.Root)
}

func TestTamperedBallotExcluded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	sid, options := f.openSession(t, sessionSpec{options: 2, voters: 4})
	for i := 0; i < 4; i++ {
		f.cast(t, sid, member(i), options[0])
	}
	_, err := f.mgr.CloseVoting(ctx, "admin", sid)
	require.NoError(t, err)

	f.store.flip(2)
	f.submitShares(t, sid, "custodian-0", "custodian-1", "custodian-2")
	report, err := f.mgr.Tally(ctx, "admin", sid)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Counted)
	require.Len(t, report.Excluded, 1)
	assert.Equal(t, int64(2), report.Excluded[0].Sequence)

	findings, err := f.auditor.Findings(ctx, sid)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, models.FindingTamper, findings[0].Kind)
}

func TestCancelDiscardsKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	sid, options := f.openSession(t, sessionSpec{options: 2, voters: 3})
	f.cast(t, sid, member(0), options[0])

	s, err := f.mgr.CancelSession(ctx, "admin", sid, "called off")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, s.Status)

	keys, err := f.store.GetKeys(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusDestroyed, keys.Status)

	_, err = f.mgr.CastBallot(ctx, CastRequest{SessionID: sid, MemberID: member(1), OptionID: options[0]})
	assert.True(t, errors.Is(err, models.ErrSessionNotOpen))
	_, err = f.mgr.CancelSession(ctx, "admin", sid, "again")
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))
}

func TestRestoreRebuildsLedgers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	open, options := f.openSession(t, sessionSpec{options: 2, voters: 4, revote: true})
	f.cast(t, open, member(0), options[0])
	f.cast(t, open, member(1), options[1])
	f.cast(t, open, member(0), options[1])
	closed, closedOptions := f.openSession(t, sessionSpec{options: 2, voters: 2})
	f.cast(t, closed, member(0), closedOptions[0])
	_, err := f.mgr.CloseVoting(ctx, "admin", closed)
	require.NoError(t, err)

	wantRoot, wantSize, err := f.mgr.CurrentRoot(ctx, open)
	require.NoError(t, err)

	restarted, err := NewManager(Deps{
		Store:      f.store,
		Escrow:     f.escrow,
		Tally:      f.mgr.tally,
		Anchors:    f.anchors,
		Notifier:   f.notifier,
		Authorizer: AllowAll,
	}, DefaultConfig())
	require.NoError(t, err)
	n, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	root, size, err := restarted.CurrentRoot(ctx, open)
	require.NoError(t, err)
	assert.Equal(t, wantRoot, root)
	assert.Equal(t, wantSize, size)

	st, err := restarted.Statistics(ctx, open)
	require.NoError(t, err)
	assert.Equal(t, 2, st.DistinctVoters)
	assert.Equal(t, 1, st.Revocations)

	r, err := restarted.CastBallot(ctx, CastRequest{SessionID: open, MemberID: member(2), OptionID: options[0]})
	require.NoError(t, err)
	assert.Equal(t, int64(3), r.Sequence)

	f.submitShares(t, closed, "custodian-0", "custodian-1", "custodian-2")
	report, err := restarted.Tally(ctx, "admin", closed)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Counted)
	assert.Empty(t, f.notifier.alerts)
}

func TestRemindersSkipVotersAndDelegators(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	roll := []*models.VoterEligibility{
		{MemberID: member(0)},
		{MemberID: member(1), DelegateTo: member(0)},
		{MemberID: member(2)},
		{MemberID: member(3), Verification: models.VerificationRejected},
		{MemberID: member(4)},
	}
	sid, options := f.openSession(t, sessionSpec{options: 2, roll: roll, proxy: true})
	f.cast(t, sid, member(0), options[0])

	n, err := f.mgr.SendReminders(ctx, "admin", sid)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{member(2), member(4)}, f.notifier.reminded)

	st, err := f.mgr.Statistics(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 4, st.EligibleVoters)
	assert.Equal(t, int64(1), st.BallotsCast)
	assert.InDelta(t, 25.0, st.Turnout, 0.001)
}

func TestSnapshotRootsQueuesAnchor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	snaps, err := storage.NewSnapshotStore(t.TempDir(), 3)
	require.NoError(t, err)
	f.mgr.snapshots = snaps

	sid, options := f.openSession(t, sessionSpec{options: 2, voters: 3})
	n, err := f.mgr.SnapshotRoots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.cast(t, sid, member(0), options[0])
	n, err = f.mgr.SnapshotRoots(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	latest, err := snaps.Latest(sid)
	require.NoError(t, err)
	root, _, err := f.mgr.CurrentRoot(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, root, latest.Root)

	anchors, err := f.anchors.Anchors(ctx, sid)
	require.NoError(t, err)
	require.Len(t, anchors, 1)
	assert.Equal(t, models.AnchorPending, anchors[0].Status)
}

func TestRunMaintenanceSnapshotsOpenSessions(t *testing.T) {
	f := newFixture(t, 3)
	snaps, err := storage.NewSnapshotStore(t.TempDir(), 3)
	require.NoError(t, err)
	f.mgr.snapshots = snaps

	sid, options := f.openSession(t, sessionSpec{options: 2, voters: 3})
	f.cast(t, sid, member(1), options[1])

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.mgr.RunMaintenance(ctx, 10*time.Millisecond)
		close(done)
	}()
	assert.Eventually(t, func() bool {
		_, err := snaps.Latest(sid)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestPublishedBallotsCarryNoVoterLink(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	sid, options := f.openSession(t, sessionSpec{options: 2, voters: 2})
	f.cast(t, sid, member(0), options[0])

	_, err := f.mgr.PublishedBallots(ctx, sid)
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))

	_, err = f.mgr.CloseVoting(ctx, "admin", sid)
	require.NoError(t, err)
	published, err := f.mgr.PublishedBallots(ctx, sid)
	require.NoError(t, err)
	require.Len(t, published, 1)
	stored, err := f.store.GetBallot(ctx, sid, 0)
	require.NoError(t, err)
	assert.Equal(t, stored.BallotHash, published[0].BallotHash)
	assert.Equal(t, stored.CastAt.UTC().Truncate(time.Hour), published[0].CastWindow)
}

func TestDraftEditsRejectedAfterOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	sid, _ := f.openSession(t, sessionSpec{options: 2, voters: 2})
	_, err := f.mgr.AddOption(ctx, "admin", sid, "Late option")
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))
	err = f.mgr.SetEligibility(ctx, "admin", sid, []*models.VoterEligibility{{MemberID: "late"}})
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))
}

func TestOpenRequiresOptionsAndVoters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	s, err := f.mgr.CreateSession(ctx, "admin", SessionRequest{OrganizationID: "org-1", Title: "Officers", Type: models.SessionCertification})
	require.NoError(t, err)
	_, err = f.mgr.AddOption(ctx, "admin", s.ID, "Only")
	require.NoError(t, err)
	_, err = f.mgr.OpenVoting(ctx, "admin", s.ID, f.custodians, 2)
	assert.Error(t, err)

	_, err = f.mgr.AddOption(ctx, "admin", s.ID, "Other")
	require.NoError(t, err)
	_, err = f.mgr.OpenVoting(ctx, "admin", s.ID, f.custodians, 2)
	assert.ErrorContains(t, err, "no verified voters")
}

func TestUnauthorizedActor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	f.mgr.authz = AuthorizerFunc(func(_ context.Context, actor string, _ Action, _ string) error {
		if actor != "admin" {
			return errors.Wrapf(models.ErrUnauthorized, "actor %s", actor)
		}
		return nil
	})
	_, err := f.mgr.CreateSession(ctx, "member-01", SessionRequest{OrganizationID: "org-1", Title: "x", Type: models.SessionStrike})
	assert.True(t, errors.Is(err, models.ErrUnauthorized))
}
