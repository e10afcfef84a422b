package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"secure-voting/auditor"
	"secure-voting/blockchain/anchor"
	"secure-voting/encryption"
	"secure-voting/escrow"
	"secure-voting/models"
	"secure-voting/service"
	"secure-voting/storage"
)

var simulateOpts struct {
	voters     int
	turnout    float64
	custodians int
	threshold  int
	quorum     float64
	options    []string
	seed       int64
}

func init() {
	f := simulateCmd.Flags()
	f.IntVar(&simulateOpts.voters, "voters", 25, "eligible voters")
	f.Float64Var(&simulateOpts.turnout, "turnout", 0.8, "fraction of voters who cast a ballot")
	f.IntVar(&simulateOpts.custodians, "custodians", 5, "key custodians")
	f.IntVar(&simulateOpts.threshold, "threshold", 3, "shares needed to rebuild the session key")
	f.Float64Var(&simulateOpts.quorum, "quorum", 50, "quorum as a percentage of eligible voters")
	f.StringSliceVar(&simulateOpts.options, "options", []string{"Accept", "Reject"}, "ballot options")
	f.Int64Var(&simulateOpts.seed, "seed", time.Now().UnixNano(), "random seed for voter choices")
	rootCmd.AddCommand(simulateCmd)
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a complete election in memory and audit it",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging("warn", "terminal"); err != nil {
			return err
		}
		return simulate(cmd.Context())
	},
}

type simCustodian struct {
	id   string
	priv *ecdsa.PrivateKey
}

func simulate(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	o := simulateOpts
	rng := rand.New(rand.NewSource(o.seed))

	color.Cyan("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	color.Cyan("  Secure voting simulation (seed %d)", o.seed)
	color.Cyan("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	store := storage.NewMemoryStore()
	escCfg := escrow.DefaultConfig()
	escCfg.RSABits = encryption.MinRSABits
	esc := escrow.NewService(store, store, escCfg)

	sim := anchor.NewSimulatedSubmitter()
	anchorCfg := anchor.DefaultConfig()
	anchors := anchor.NewService(store, sim, nil, anchorCfg)

	signer, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	tally := service.NewTallyEngine(store, signer)
	manager, err := service.NewManager(service.Deps{
		Store:      store,
		Escrow:     esc,
		Tally:      tally,
		Anchors:    anchors,
		Authorizer: service.AllowAll,
	}, service.DefaultConfig())
	if err != nil {
		return err
	}
	aud := auditor.NewService(store, store, store, manager, nil)
	manager.SetTamperRecorder(aud)

	custodians := make([]simCustodian, o.custodians)
	escrowed := make([]escrow.Custodian, o.custodians)
	for i := range custodians {
		priv, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		custodians[i] = simCustodian{id: fmt.Sprintf("custodian-%d", i+1), priv: priv}
		escrowed[i] = escrow.Custodian{ID: custodians[i].id, PublicKey: &priv.PublicKey}
	}

	const admin = "election-committee"
	session, err := manager.CreateSession(ctx, admin, service.SessionRequest{
		OrganizationID:  "local-1",
		Title:           "Simulated ratification vote",
		Type:            models.SessionRatification,
		QuorumThreshold: o.quorum,
	})
	if err != nil {
		return err
	}
	var options []*models.VotingOption
	for _, label := range o.options {
		opt, err := manager.AddOption(ctx, admin, session.ID, strings.TrimSpace(label))
		if err != nil {
			return err
		}
		options = append(options, opt)
	}
	roll := make([]*models.VoterEligibility, o.voters)
	for i := range roll {
		roll[i] = &models.VoterEligibility{MemberID: fmt.Sprintf("member-%03d", i+1)}
	}
	if err := manager.SetEligibility(ctx, admin, session.ID, roll); err != nil {
		return err
	}
	if session, err = manager.OpenVoting(ctx, admin, session.ID, escrowed, o.threshold); err != nil {
		return err
	}
	color.Green("✓ Session %s open, key %s", session.ID, session.KeyFingerprint)
	color.White("  %d voters, %d options, %d-of-%d custodians", o.voters, len(options), o.threshold, o.custodians)

	expected := make(map[string]int)
	var receipts []*models.CastReceipt
	for _, v := range roll {
		if rng.Float64() >= o.turnout {
			continue
		}
		choice := options[rng.Intn(len(options))]
		r, err := manager.CastBallot(ctx, service.CastRequest{SessionID: session.ID, MemberID: v.MemberID, OptionID: choice.ID})
		if err != nil {
			return errors.Wrapf(err, "cast for %s", v.MemberID)
		}
		expected[choice.ID]++
		receipts = append(receipts, r)
	}
	color.Green("✓ %d ballots cast", len(receipts))

	session, err = manager.CloseVoting(ctx, admin, session.ID)
	var quorum *models.QuorumNotMetError
	if errors.As(err, &quorum) {
		color.Yellow("✗ Quorum not met: turnout %.1f%% below %.1f%%, keys discarded", quorum.Turnout, quorum.Threshold)
		return nil
	}
	if err != nil {
		return err
	}
	color.Green("✓ Voting closed, audit root %s", session.AuditHash)

	anchors.Flush(ctx)
	sim.Mine(anchorCfg.RequiredConfirmations)
	anchors.Flush(ctx)
	if a, err := anchors.Get(ctx, session.AnchorID); err == nil {
		color.Green("✓ Anchor %s %s in block %d (%s)", a.ID, a.Status, a.BlockNumber, a.TransactionHash)
	}

	for _, c := range custodians[:o.threshold] {
		share, err := esc.OpenShare(ctx, session.ID, c.id, c.priv)
		if err != nil {
			return err
		}
		have, need, err := manager.SubmitShare(ctx, session.ID, c.id, share)
		encryption.Wipe(share)
		if err != nil {
			return err
		}
		color.White("  %s submitted share (%d/%d)", c.id, have, need)
	}

	report, err := manager.Tally(ctx, admin, session.ID)
	if err != nil {
		return err
	}
	color.Cyan("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	color.Cyan("  Results (turnout %.1f%%, signer %s)", report.Turnout, report.SignerAddress)
	mismatch := false
	for i := range report.Results {
		r := &report.Results[i]
		status := color.GreenString("signed")
		if !tally.VerifyResult(r) {
			status = color.RedString("BAD SIGNATURE")
			mismatch = true
		}
		if r.Count != expected[r.OptionID] {
			status += color.RedString(" expected %d", expected[r.OptionID])
			mismatch = true
		}
		fmt.Printf("  %-20s %5d  %s\n", r.Label, r.Count, status)
	}
	if len(report.Excluded) > 0 {
		color.Red("  %d ballots excluded", len(report.Excluded))
	}

	if err := auditSample(ctx, aud, session, receipts, rng); err != nil {
		return err
	}
	if mismatch {
		return errors.New("tally does not match the simulated choices")
	}
	return nil
}

// auditSample registers an auditor and checks one random receipt and the anchor.
func auditSample(ctx context.Context, aud *auditor.Service, session *models.VotingSession, receipts []*models.CastReceipt, rng *rand.Rand) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	observer, err := aud.RegisterAuditor(ctx, "Simulated observer", "", crypto.FromECDSAPub(&key.PublicKey))
	if err != nil {
		return err
	}
	if _, err := aud.Assign(ctx, session.ID, observer.ID, models.AccessVerifier); err != nil {
		return err
	}
	if len(receipts) > 0 {
		r := receipts[rng.Intn(len(receipts))]
		proof, err := aud.ProofFor(ctx, session.ID, observer.ID, r.Sequence)
		if err != nil {
			return err
		}
		if err := aud.Verify(ctx, session.ID, observer.ID, r.BallotHash, proof, session.AuditHash); err != nil {
			color.Red("✗ Receipt %d: %v", r.Sequence, err)
		} else {
			color.Green("✓ Receipt %d included (%d siblings)", r.Sequence, len(proof.SiblingHashes))
		}
	}
	if session.AnchorID != "" {
		if err := aud.VerifyAnchor(ctx, session.ID, observer.ID, session.AnchorID); err != nil {
			color.Red("✗ Anchor: %v", err)
		} else {
			color.Green("✓ Anchored root matches the stored ballots")
		}
	}
	return nil
}
