package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secure-voting/models"
)

func stores(t *testing.T) map[string]Store {
	sqlStore, err := OpenSQLite(filepath.Join(t.TempDir(), "votes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			s := &models.VotingSession{
				ID:                  "s1",
				OrganizationID:      "local-12",
				Title:               "Contract ratification",
				Type:                models.SessionRatification,
				Status:              models.StatusDraft,
				QuorumThreshold:     50,
				TotalEligibleVoters: 10,
				VoterHashSalt:       []byte{1, 2, 3},
				CreatedAt:           created,
			}
			require.NoError(t, st.SaveSession(ctx, s))

			got, err := st.GetSession(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, s.Title, got.Title)
			assert.Equal(t, []byte{1, 2, 3}, got.VoterHashSalt)
			assert.True(t, got.CreatedAt.Equal(created))

			s.Status = models.StatusOpen
			require.NoError(t, st.SaveSession(ctx, s))
			open, err := st.ListSessions(ctx, models.StatusOpen)
			require.NoError(t, err)
			require.Len(t, open, 1)
			none, err := st.ListSessions(ctx, models.StatusTallied)
			require.NoError(t, err)
			assert.Empty(t, none)

			_, err = st.GetSession(ctx, "missing")
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestOptionsAndEligibility(t *testing.T) {
	ctx := context.Background()
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.SaveOption(ctx, &models.VotingOption{ID: "o2", SessionID: "s1", Label: "No", Position: 2}))
			require.NoError(t, st.SaveOption(ctx, &models.VotingOption{ID: "o1", SessionID: "s1", Label: "Yes", Position: 1}))
			opts, err := st.ListOptions(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, opts, 2)
			assert.Equal(t, "o1", opts[0].ID)

			rows := []*models.VoterEligibility{
				{SessionID: "s1", MemberID: "m1", Weight: 1, Verification: models.VerificationVerified},
				{SessionID: "s1", MemberID: "m2", Weight: 2, DelegateTo: "m1", Verification: models.VerificationVerified},
			}
			require.NoError(t, st.SaveEligibility(ctx, rows))
			rows[0].Weight = 3
			require.NoError(t, st.SaveEligibility(ctx, rows[:1]))

			e, err := st.GetEligibility(ctx, "s1", "m1")
			require.NoError(t, err)
			assert.Equal(t, 3, e.Weight)
			e, err = st.GetEligibility(ctx, "s1", "m2")
			require.NoError(t, err)
			assert.Equal(t, "m1", e.DelegateTo)

			all, err := st.ListEligibility(ctx, "s1")
			require.NoError(t, err)
			assert.Len(t, all, 2)

			_, err = st.GetEligibility(ctx, "s1", "m9")
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestBallotsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := int64(0); i < 3; i++ {
				require.NoError(t, st.AppendBallot(ctx, &models.Ballot{
					ID:               "b" + string(rune('0'+i)),
					SessionID:        "s1",
					Sequence:         i,
					EncryptedPayload: []byte{byte(i)},
					IV:               []byte("iv"),
					Tag:              []byte("tag"),
					BallotHash:       "h",
					CastAt:           time.Now(),
				}))
			}
			err := st.AppendBallot(ctx, &models.Ballot{ID: "dup", SessionID: "s1", Sequence: 1, EncryptedPayload: []byte{9}, IV: []byte("iv"), Tag: []byte("t")})
			assert.Error(t, err)

			list, err := st.ListBallots(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, list, 3)
			for i, b := range list {
				assert.Equal(t, int64(i), b.Sequence)
			}
			b, err := st.GetBallot(ctx, "s1", 2)
			require.NoError(t, err)
			assert.Equal(t, []byte{2}, b.EncryptedPayload)
			_, err = st.GetBallot(ctx, "s1", 7)
			assert.True(t, errors.Is(err, ErrNotFound))

			require.NoError(t, st.AppendRevocation(ctx, &models.BallotRevocation{SessionID: "s1", RevokedSequence: 0, SupersededBySequence: 2, Reason: "revote"}))
			revs, err := st.ListRevocations(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, revs, 1)
			assert.Equal(t, int64(2), revs[0].SupersededBySequence)
		})
	}
}

func TestNodesReplace(t *testing.T) {
	ctx := context.Background()
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			nodes := []models.MerkleNode{
				{SessionID: "s1", ID: 0, Level: 0, Index: 0, Hash: "a", Left: -1, Right: -1, Sequence: 0},
				{SessionID: "s1", ID: 1, Level: 0, Index: 1, Hash: "b", Left: -1, Right: -1, Sequence: 1},
				{SessionID: "s1", ID: 2, Level: 1, Index: 0, Hash: "c", Left: 0, Right: 1, Sequence: -1},
			}
			require.NoError(t, st.SaveNodes(ctx, "s1", nodes[:2]))
			require.NoError(t, st.SaveNodes(ctx, "s1", nodes))
			got, err := st.ListNodes(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, nodes, got)
		})
	}
}

func TestKeysWithShareCollection(t *testing.T) {
	ctx := context.Background()
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			k := &models.VotingSessionKeys{
				SessionID:       "s1",
				Algorithm:       models.EncryptionAlgorithm,
				PublicKey:       "pem",
				Fingerprint:     "fp",
				SharesTotal:     3,
				SharesThreshold: 2,
				Commitments:     [][]byte{{1}, {2}},
				Status:          models.KeyStatusActive,
				Shares: []models.KeyShareRecord{
					{CustodianID: "c1", ShareIndex: 0, EncryptedShare: []byte("x")},
					{CustodianID: "c2", ShareIndex: 1, EncryptedShare: []byte("y")},
					{CustodianID: "c3", ShareIndex: 2, EncryptedShare: []byte("z")},
				},
			}
			require.NoError(t, st.SaveKeys(ctx, k))
			got, err := st.GetKeys(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, k.Shares, got.Shares)
			assert.Equal(t, k.Commitments, got.Commitments)

			k.Status = models.KeyStatusDestroyed
			k.Shares = nil
			require.NoError(t, st.SaveKeys(ctx, k))
			got, err = st.GetKeys(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, models.KeyStatusDestroyed, got.Status)
			assert.Empty(t, got.Shares)

			all, err := st.ListKeys(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)

			require.NoError(t, st.AppendKeyAccess(ctx, &models.KeyAccessLog{ID: "l1", SessionID: "s1", Action: models.KeyActionMint, Outcome: models.OutcomeSuccess, At: time.Now()}))
			require.NoError(t, st.AppendKeyAccess(ctx, &models.KeyAccessLog{ID: "l2", SessionID: "s2", Action: models.KeyActionMint, Outcome: models.OutcomeSuccess, At: time.Now()}))
			logs, err := st.ListKeyAccess(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, logs, 1)
			assert.Equal(t, models.KeyActionMint, logs[0].Action)
		})
	}
}

func TestAuditAnchorAndTallyRecords(t *testing.T) {
	ctx := context.Background()
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.SaveAuditor(ctx, &models.VotingAuditor{ID: "a1", Name: "Observer Co", PublicKey: []byte{4}}))
			a, err := st.GetAuditor(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, "Observer Co", a.Name)

			require.NoError(t, st.SaveAssignment(ctx, &models.SessionAuditor{SessionID: "s1", AuditorID: "a1", AccessLevel: models.AccessObserver}))
			as, err := st.GetAssignment(ctx, "s1", "a1")
			require.NoError(t, err)
			assert.Equal(t, models.AccessObserver, as.AccessLevel)
			_, err = st.GetAssignment(ctx, "s1", "a2")
			assert.True(t, errors.Is(err, ErrNotFound))
			list, err := st.ListAssignments(ctx, "s1")
			require.NoError(t, err)
			assert.Len(t, list, 1)

			require.NoError(t, st.AppendFinding(ctx, &models.Finding{ID: "f1", SessionID: "s1", AuditorID: "a1", Severity: models.SeverityCritical, Kind: models.FindingProofMismatch, CreatedAt: time.Now()}))
			findings, err := st.ListFindings(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, findings, 1)
			assert.Equal(t, models.SeverityCritical, findings[0].Severity)

			anchor := &models.BlockchainAuditAnchor{ID: "an1", SessionID: "s1", MerkleRootHash: "r", Status: models.AnchorPending, CreatedAt: time.Now()}
			require.NoError(t, st.SaveAnchor(ctx, anchor))
			anchor.Status = models.AnchorConfirmed
			anchor.Confirmations = 6
			require.NoError(t, st.SaveAnchor(ctx, anchor))
			got, err := st.GetAnchor(ctx, "an1")
			require.NoError(t, err)
			assert.Equal(t, models.AnchorConfirmed, got.Status)
			anchors, err := st.ListAnchors(ctx, "s1")
			require.NoError(t, err)
			assert.Len(t, anchors, 1)

			_, err = st.GetTally(ctx, "s1")
			assert.True(t, errors.Is(err, ErrNotFound))
			require.NoError(t, st.SaveTally(ctx, &models.TallyReport{SessionID: "s1", Counted: 8, LeafCount: 8}))
			tally, err := st.GetTally(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, 8, tally.Counted)
		})
	}
}
