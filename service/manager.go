// Package service composes escrow, ballot encryption, the Merkle ledger,
// anchoring and the tally into the voting session lifecycle.
package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"secure-voting/blockchain/anchor"
	"secure-voting/encryption"
	"secure-voting/escrow"
	"secure-voting/models"
	"secure-voting/storage"
)

// AnchorQueue accepts roots for background anchoring.
type AnchorQueue interface {
	Enqueue(ctx context.Context, req anchor.Request) (*models.BlockchainAuditAnchor, error)
	CancelSession(ctx context.Context, sessionID string) error
	Resume(ctx context.Context, sessionID string) error
}

// TamperRecorder files a finding for a ballot excluded from the tally.
type TamperRecorder interface {
	RecordTamper(ctx context.Context, sessionID string, sequence int64, detail string)
}

type Config struct {
	MinOptions int
	// MixWindow is the granularity of cast times in published ballots.
	MixWindow time.Duration
}

func DefaultConfig() Config {
	return Config{MinOptions: 2, MixWindow: time.Hour}
}

// Deps are the collaborators of a Manager. Anchors, Eligibility and
// Snapshots are optional.
type Deps struct {
	Store       storage.Store
	Escrow      *escrow.Service
	Tally       *TallyEngine
	Anchors     AnchorQueue
	Eligibility *EligibilityCalculator
	Snapshots   *storage.SnapshotStore
	Notifier    Notifier
	Authorizer  Authorizer
	Metrics     *MetricsCollector
}

// Manager owns the session state machine. Each session has its own cast lock;
// sessions never contend with each other.
type Manager struct {
	store       storage.Store
	escrow      *escrow.Service
	tally       *TallyEngine
	anchors     AnchorQueue
	findings    TamperRecorder
	eligibility *EligibilityCalculator
	snapshots   *storage.SnapshotStore
	notifier    Notifier
	authz       Authorizer
	metrics     *MetricsCollector
	anonymizer  *AnonymizationService
	engine      *encryption.BallotEngine
	crypto      *encryption.CryptoService
	cfg         Config
	log         log.Logger
	now         func() time.Time

	mu       sync.RWMutex
	runtimes map[string]*sessionRuntime
}

func NewManager(deps Deps, cfg Config) (*Manager, error) {
	if deps.Store == nil || deps.Escrow == nil || deps.Tally == nil {
		return nil, errors.New("store, escrow and tally engine are required")
	}
	if deps.Notifier == nil {
		deps.Notifier = NewLogNotifier()
	}
	if deps.Authorizer == nil {
		return nil, errors.New("authorizer is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetricsCollector()
	}
	if cfg.MinOptions < 1 {
		cfg.MinOptions = DefaultConfig().MinOptions
	}
	return &Manager{
		store:       deps.Store,
		escrow:      deps.Escrow,
		tally:       deps.Tally,
		anchors:     deps.Anchors,
		eligibility: deps.Eligibility,
		snapshots:   deps.Snapshots,
		notifier:    deps.Notifier,
		authz:       deps.Authorizer,
		metrics:     deps.Metrics,
		anonymizer:  NewAnonymizationService(cfg.MixWindow),
		engine:      encryption.NewBallotEngine(),
		crypto:      encryption.NewCryptoService(),
		cfg:         cfg,
		log:         log.New("module", "manager"),
		now:         time.Now,
		runtimes:    make(map[string]*sessionRuntime),
	}, nil
}

// SetTamperRecorder wires the sink for tally exclusions. The auditor service
// depends on the manager for proofs, so it is attached after construction.
func (m *Manager) SetTamperRecorder(r TamperRecorder) {
	m.findings = r
}

func (m *Manager) Metrics() *MetricsCollector { return m.metrics }

func (m *Manager) runtime(sessionID string) (*sessionRuntime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.runtimes[sessionID]
	return rt, ok
}

func (m *Manager) setRuntime(sessionID string, rt *sessionRuntime) {
	m.mu.Lock()
	m.runtimes[sessionID] = rt
	m.mu.Unlock()
}

type SessionRequest struct {
	OrganizationID   string             `json:"organizationId"`
	Title            string             `json:"title"`
	Description      string             `json:"description"`
	Type             models.SessionType `json:"type"`
	QuorumThreshold  float64            `json:"quorumThreshold"`
	AllowRevote      bool               `json:"allowRevote"`
	AllowProxyVoting bool               `json:"allowProxyVoting"`
}

func (m *Manager) CreateSession(ctx context.Context, actor string, req SessionRequest) (*models.VotingSession, error) {
	if err := m.authz.Authorize(ctx, actor, ActionManageSession, ""); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, errors.New("session title is required")
	}
	if req.OrganizationID == "" {
		return nil, errors.New("organization is required")
	}
	if !req.Type.Valid() {
		return nil, errors.Errorf("unknown session type %q", req.Type)
	}
	if req.QuorumThreshold < 0 || req.QuorumThreshold > 100 {
		return nil, errors.Errorf("quorum threshold %.2f outside 0-100", req.QuorumThreshold)
	}
	salt, err := m.crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}
	s := &models.VotingSession{
		ID:               uuid.New().String(),
		OrganizationID:   req.OrganizationID,
		Title:            req.Title,
		Description:      req.Description,
		Type:             req.Type,
		Status:           models.StatusDraft,
		QuorumThreshold:  req.QuorumThreshold,
		AllowRevote:      req.AllowRevote,
		AllowProxyVoting: req.AllowProxyVoting,
		VoterHashSalt:    salt,
		CreatedBy:        actor,
		CreatedAt:        m.now(),
	}
	if err := m.store.SaveSession(ctx, s); err != nil {
		return nil, errors.Wrap(err, "save session")
	}
	m.log.Info("Session created", "session", s.ID, "type", s.Type, "quorum", s.QuorumThreshold)
	return s, nil
}

func (m *Manager) GetSession(ctx context.Context, sessionID string) (*models.VotingSession, error) {
	return m.store.GetSession(ctx, sessionID)
}

func (m *Manager) ListSessions(ctx context.Context, statuses ...models.SessionStatus) ([]*models.VotingSession, error) {
	return m.store.ListSessions(ctx, statuses...)
}

func (m *Manager) Options(ctx context.Context, sessionID string) ([]*models.VotingOption, error) {
	return m.store.ListOptions(ctx, sessionID)
}

func (m *Manager) draftSession(ctx context.Context, actor, sessionID string) (*models.VotingSession, error) {
	if err := m.authz.Authorize(ctx, actor, ActionManageSession, sessionID); err != nil {
		return nil, err
	}
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != models.StatusDraft {
		return nil, errors.Wrapf(models.ErrInvalidTransition, "session %s is %s and can no longer be edited", sessionID, s.Status)
	}
	return s, nil
}

// AddOption appends a ballot option. Options are frozen once voting opens.
func (m *Manager) AddOption(ctx context.Context, actor, sessionID, label string) (*models.VotingOption, error) {
	if strings.TrimSpace(label) == "" {
		return nil, errors.New("option label is required")
	}
	if _, err := m.draftSession(ctx, actor, sessionID); err != nil {
		return nil, err
	}
	existing, err := m.store.ListOptions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, o := range existing {
		if o.Label == label {
			return nil, errors.Errorf("option %q already exists", label)
		}
	}
	o := &models.VotingOption{ID: uuid.New().String(), SessionID: sessionID, Label: label, Position: len(existing)}
	if err := m.store.SaveOption(ctx, o); err != nil {
		return nil, errors.Wrap(err, "save option")
	}
	return o, nil
}

// SetEligibility stores the voter roll. Rows without a verification status
// are taken as verified; a zero weight means 1.
func (m *Manager) SetEligibility(ctx context.Context, actor, sessionID string, rows []*models.VoterEligibility) error {
	if _, err := m.draftSession(ctx, actor, sessionID); err != nil {
		return err
	}
	seen := make(map[string]bool, len(rows))
	now := m.now()
	for _, r := range rows {
		if r.MemberID == "" {
			return errors.New("eligibility row without member id")
		}
		if seen[r.MemberID] {
			return errors.Errorf("member %s listed twice", r.MemberID)
		}
		seen[r.MemberID] = true
		if r.Weight == 0 {
			r.Weight = 1
		}
		if r.Weight < 0 {
			return errors.Errorf("member %s has negative weight", r.MemberID)
		}
		switch r.Verification {
		case "":
			r.Verification = models.VerificationVerified
		case models.VerificationPending, models.VerificationVerified, models.VerificationRejected:
		default:
			return errors.Errorf("member %s has unknown verification status %q", r.MemberID, r.Verification)
		}
		if r.DelegateTo == r.MemberID {
			r.DelegateTo = ""
		}
		r.SessionID = sessionID
		if r.ComputedAt.IsZero() {
			r.ComputedAt = now
		}
	}
	if err := m.store.SaveEligibility(ctx, rows); err != nil {
		return errors.Wrap(err, "save eligibility")
	}
	m.log.Info("Eligibility set", "session", sessionID, "rows", len(rows))
	return nil
}

// ComputeEligibility builds the roll from the member directory.
func (m *Manager) ComputeEligibility(ctx context.Context, actor, sessionID string) ([]*models.VoterEligibility, error) {
	if m.eligibility == nil {
		return nil, errors.New("no eligibility calculator configured")
	}
	s, err := m.draftSession(ctx, actor, sessionID)
	if err != nil {
		return nil, err
	}
	rows, err := m.eligibility.Compute(ctx, sessionID, s.OrganizationID)
	if err != nil {
		return nil, err
	}
	if err := m.SetEligibility(ctx, actor, sessionID, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// OpenVoting mints the session key, splits it across custodians and starts
// accepting ballots. The public key is frozen from here on.
func (m *Manager) OpenVoting(ctx context.Context, actor, sessionID string, custodians []escrow.Custodian, threshold int) (*models.VotingSession, error) {
	s, err := m.draftSession(ctx, actor, sessionID)
	if err != nil {
		return nil, err
	}
	options, err := m.store.ListOptions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(options) < m.cfg.MinOptions {
		return nil, errors.Errorf("session %s has %d options, need at least %d", sessionID, len(options), m.cfg.MinOptions)
	}
	roll, err := m.store.ListEligibility(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	verified := make(map[string]bool, len(roll))
	var members []string
	for _, r := range roll {
		if r.Verification == models.VerificationVerified {
			verified[r.MemberID] = true
			members = append(members, r.MemberID)
		}
	}
	if len(members) == 0 {
		return nil, errors.Errorf("session %s has no verified voters", sessionID)
	}
	if s.AllowProxyVoting {
		for _, r := range roll {
			if r.DelegateTo != "" && !verified[r.DelegateTo] {
				return nil, &models.EligibilityError{SessionID: sessionID, MemberID: r.MemberID, Reason: "proxy " + r.DelegateTo + " is not a verified voter"}
			}
		}
	}

	mint, err := m.escrow.Mint(ctx, sessionID, custodians, threshold, actor)
	if err != nil {
		return nil, err
	}
	s.PublicKey = mint.PEM
	s.KeyFingerprint = mint.Fingerprint
	s.EncryptionAlgorithm = models.EncryptionAlgorithm
	s.TotalEligibleVoters = len(members)
	if err := s.Transition(models.StatusOpen, m.now()); err != nil {
		return nil, err
	}
	if err := m.store.SaveSession(ctx, s); err != nil {
		if derr := m.escrow.Destroy(ctx, sessionID, actor, "open failed"); derr != nil {
			m.log.Error("Failed to discard keys after open failure", "session", sessionID, "err", derr)
		}
		return nil, errors.Wrap(err, "save session")
	}
	m.setRuntime(sessionID, newSessionRuntime(sessionID, mint.PublicKey))
	m.log.Info("Voting opened", "session", sessionID, "eligible", len(members), "custodians", len(custodians), "threshold", threshold)
	m.notifier.SessionOpened(ctx, s, members)
	return s, nil
}

// CloseVoting stops accepting ballots and checks quorum. Below quorum the
// session ends as failed_quorum and its keys are discarded. Otherwise the
// ledger is frozen, its root stored as the audit hash and anchored, and a key
// reconstruction round is opened for the tally.
func (m *Manager) CloseVoting(ctx context.Context, actor, sessionID string) (*models.VotingSession, error) {
	if err := m.authz.Authorize(ctx, actor, ActionCloseSession, sessionID); err != nil {
		return nil, err
	}
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != models.StatusOpen {
		return nil, errors.Wrapf(models.ErrInvalidTransition, "session %s is %s", sessionID, s.Status)
	}
	rt, ok := m.runtime(sessionID)
	if !ok {
		return nil, errors.Errorf("session %s has no ledger loaded", sessionID)
	}

	rt.mu.Lock()
	root := rt.ledger.Freeze()
	size := rt.ledger.Size()
	distinct := len(rt.voters)
	nodes := rt.ledger.Nodes()
	rt.mu.Unlock()

	now := m.now()
	turnout := s.Turnout(distinct)
	if turnout < s.QuorumThreshold {
		if err := s.Transition(models.StatusFailedQuorum, now); err != nil {
			return nil, err
		}
		if err := m.store.SaveSession(ctx, s); err != nil {
			return nil, errors.Wrap(err, "save session")
		}
		m.metrics.RecordClose(false)
		if err := m.escrow.Destroy(ctx, sessionID, actor, "quorum not met"); err != nil {
			m.log.Error("Failed to discard keys", "session", sessionID, "err", err)
		}
		m.log.Warn("Quorum not met", "session", sessionID, "turnout", turnout, "threshold", s.QuorumThreshold)
		m.notifier.SessionClosed(ctx, s)
		return s, &models.QuorumNotMetError{SessionID: sessionID, Turnout: turnout, Threshold: s.QuorumThreshold}
	}

	if err := m.store.SaveNodes(ctx, sessionID, nodes); err != nil {
		return nil, errors.Wrap(err, "save merkle nodes")
	}
	s.AuditHash = root
	if err := s.Transition(models.StatusClosed, now); err != nil {
		return nil, err
	}
	if err := m.store.SaveSession(ctx, s); err != nil {
		return nil, errors.Wrap(err, "save session")
	}
	m.metrics.RecordClose(true)
	m.log.Info("Voting closed", "session", sessionID, "ballots", size, "turnout", turnout, "auditHash", root)

	if m.anchors != nil {
		a, err := m.anchors.Enqueue(ctx, anchor.Request{SessionID: sessionID, MerkleRoot: root, TreeSize: size, MetadataHash: m.metadataHash(s, size)})
		if err != nil {
			m.log.Error("Failed to queue anchor", "session", sessionID, "err", err)
		} else {
			s.AnchorID = a.ID
			if err := m.store.SaveSession(ctx, s); err != nil {
				m.log.Error("Failed to record anchor", "session", sessionID, "err", err)
			}
		}
	}
	if _, err := m.escrow.BeginReconstruction(ctx, sessionID, actor); err != nil {
		m.log.Error("Failed to open key reconstruction", "session", sessionID, "err", err)
	}
	m.notifier.SessionClosed(ctx, s)
	return s, nil
}

// SubmitShare hands a custodian's plaintext share to the open reconstruction round.
func (m *Manager) SubmitShare(ctx context.Context, sessionID, custodianID string, share []byte) (have, need int, err error) {
	round, err := m.escrow.BeginReconstruction(ctx, sessionID, custodianID)
	if err != nil {
		return 0, 0, err
	}
	if err := round.Submit(ctx, custodianID, share); err != nil {
		return round.Have(), round.Threshold(), err
	}
	return round.Have(), round.Threshold(), nil
}

// Tally requires the reconstruction round to have reached its threshold,
// then decrypts and counts. A failed reconstruction leaves the session closed so
// the tally can be retried; it never proceeds without the key.
func (m *Manager) Tally(ctx context.Context, actor, sessionID string) (*models.TallyReport, error) {
	if err := m.authz.Authorize(ctx, actor, ActionTally, sessionID); err != nil {
		return nil, err
	}
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != models.StatusClosed {
		return nil, errors.Wrapf(models.ErrInvalidTransition, "session %s is %s", sessionID, s.Status)
	}
	rt, ok := m.runtime(sessionID)
	if !ok {
		return nil, errors.Errorf("session %s has no ledger loaded", sessionID)
	}
	started := m.now()

	round, err := m.escrow.BeginReconstruction(ctx, sessionID, actor)
	if err != nil {
		return nil, err
	}
	if have, need := round.Have(), round.Threshold(); have < need {
		err := &models.KeyReconstructionError{SessionID: sessionID, Have: have, Need: need, Reason: "awaiting custodian shares"}
		m.notifier.Alert(ctx, sessionID, "tally blocked: "+err.Error())
		return nil, err
	}
	key, err := round.Recover(ctx)
	if err != nil {
		m.notifier.Alert(ctx, sessionID, "tally blocked: "+err.Error())
		return nil, err
	}
	defer encryption.WipeKey(key)

	options, err := m.store.ListOptions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	report, tampered, err := m.tally.Count(ctx, s, options, rt.ledger.Leaves(), key)
	if err != nil {
		m.notifier.Alert(ctx, sessionID, "tally failed: "+err.Error())
		return nil, err
	}
	for _, t := range tampered {
		if m.findings != nil {
			m.findings.RecordTamper(ctx, sessionID, t.Sequence, t.Reason)
		}
	}
	report.Turnout = s.Turnout(rt.distinctVoters())
	if err := m.store.SaveTally(ctx, report); err != nil {
		return nil, errors.Wrap(err, "save tally")
	}
	if err := s.Transition(models.StatusTallied, report.TalliedAt); err != nil {
		return nil, err
	}
	if err := m.store.SaveSession(ctx, s); err != nil {
		return nil, errors.Wrap(err, "save session")
	}
	if err := m.escrow.ScheduleDestruction(ctx, sessionID, report.TalliedAt); err != nil {
		m.log.Error("Failed to schedule key destruction", "session", sessionID, "err", err)
	}
	m.metrics.RecordTally(started, report.Counted, len(report.Excluded))
	m.log.Info("Session tallied", "session", sessionID, "counted", report.Counted, "excluded", len(report.Excluded))
	return report, nil
}

func (m *Manager) TallyReport(ctx context.Context, sessionID string) (*models.TallyReport, error) {
	return m.store.GetTally(ctx, sessionID)
}

// CancelSession ends a session before it is tallied. Key material is
// discarded without any decryption.
func (m *Manager) CancelSession(ctx context.Context, actor, sessionID, reason string) (*models.VotingSession, error) {
	if err := m.authz.Authorize(ctx, actor, ActionCancelSession, sessionID); err != nil {
		return nil, err
	}
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.Transition(models.StatusCancelled, m.now()); err != nil {
		return nil, err
	}
	if rt, ok := m.runtime(sessionID); ok {
		rt.mu.Lock()
		rt.ledger.Freeze()
		rt.mu.Unlock()
	}
	if err := m.store.SaveSession(ctx, s); err != nil {
		return nil, errors.Wrap(err, "save session")
	}
	if err := m.escrow.Destroy(ctx, sessionID, actor, "session cancelled: "+reason); err != nil {
		return s, err
	}
	if m.anchors != nil {
		if err := m.anchors.CancelSession(ctx, sessionID); err != nil {
			m.log.Warn("Failed to cancel pending anchor", "session", sessionID, "err", err)
		}
	}
	m.log.Info("Session cancelled", "session", sessionID, "reason", reason)
	m.notifier.SessionClosed(ctx, s)
	return s, nil
}

// metadataHash commits to the session parameters alongside the root.
func (m *Manager) metadataHash(s *models.VotingSession, size int64) string {
	meta := struct {
		ID             string             `json:"id"`
		OrganizationID string             `json:"organizationId"`
		Title          string             `json:"title"`
		Type           models.SessionType `json:"type"`
		Quorum         float64            `json:"quorumThreshold"`
		Eligible       int                `json:"totalEligibleVoters"`
		Fingerprint    string             `json:"keyFingerprint"`
		TreeSize       int64              `json:"treeSize"`
	}{s.ID, s.OrganizationID, s.Title, s.Type, s.QuorumThreshold, s.TotalEligibleVoters, s.KeyFingerprint, size}
	data, _ := json.Marshal(meta)
	return hex.EncodeToString(m.crypto.Keccak256(data))
}

// KeyAccessLog returns every attempt to mint, open, reconstruct or destroy the session key.
func (m *Manager) KeyAccessLog(ctx context.Context, actor, sessionID string) ([]*models.KeyAccessLog, error) {
	if err := m.authz.Authorize(ctx, actor, ActionManageSession, sessionID); err != nil {
		return nil, err
	}
	return m.escrow.AccessLog(ctx, sessionID)
}

// Authorize exposes the configured authorizer to outer surfaces.
func (m *Manager) Authorize(ctx context.Context, actor string, action Action, sessionID string) error {
	return m.authz.Authorize(ctx, actor, action, sessionID)
}

// WrappedShare hands a custodian their encrypted share for offline unwrapping.
func (m *Manager) WrappedShare(ctx context.Context, sessionID, custodianID string) (*models.KeyShareRecord, error) {
	return m.escrow.WrappedShare(ctx, sessionID, custodianID)
}
