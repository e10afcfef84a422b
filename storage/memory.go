package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"secure-voting/models"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps everything in process memory. It is used by tests and by
// the simulate command. Records are copied on the way in and out.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]models.VotingSession
	options     map[string][]models.VotingOption
	eligibility map[string]map[string]models.VoterEligibility
	ballots     map[string][]models.Ballot
	revocations map[string][]models.BallotRevocation
	nodes       map[string][]models.MerkleNode
	keys        map[string]models.VotingSessionKeys
	keyAccess   []models.KeyAccessLog
	auditors    map[string]models.VotingAuditor
	assignments map[string]map[string]models.SessionAuditor
	findings    map[string][]models.Finding
	anchors     map[string]models.BlockchainAuditAnchor
	tallies     map[string]models.TallyReport
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    map[string]models.VotingSession{},
		options:     map[string][]models.VotingOption{},
		eligibility: map[string]map[string]models.VoterEligibility{},
		ballots:     map[string][]models.Ballot{},
		revocations: map[string][]models.BallotRevocation{},
		nodes:       map[string][]models.MerkleNode{},
		keys:        map[string]models.VotingSessionKeys{},
		auditors:    map[string]models.VotingAuditor{},
		assignments: map[string]map[string]models.SessionAuditor{},
		findings:    map[string][]models.Finding{},
		anchors:     map[string]models.BlockchainAuditAnchor{},
		tallies:     map[string]models.TallyReport{},
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) SaveSession(_ context.Context, s *models.VotingSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.VoterHashSalt = append([]byte(nil), s.VoterHashSalt...)
	m.sessions[s.ID] = cp
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.VotingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "session %s", id)
	}
	s.VoterHashSalt = append([]byte(nil), s.VoterHashSalt...)
	return &s, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, statuses ...models.SessionStatus) ([]*models.VotingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.VotingSession
	for _, s := range m.sessions {
		if len(statuses) > 0 && !hasStatus(statuses, s.Status) {
			continue
		}
		s := s
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func hasStatus(list []models.SessionStatus, s models.SessionStatus) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func (m *MemoryStore) SaveOption(_ context.Context, o *models.VotingOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	opts := m.options[o.SessionID]
	for i := range opts {
		if opts[i].ID == o.ID {
			opts[i] = *o
			return nil
		}
	}
	m.options[o.SessionID] = append(opts, *o)
	return nil
}

func (m *MemoryStore) ListOptions(_ context.Context, sessionID string) ([]*models.VotingOption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.VotingOption, 0, len(m.options[sessionID]))
	for _, o := range m.options[sessionID] {
		o := o
		out = append(out, &o)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *MemoryStore) SaveEligibility(_ context.Context, rows []*models.VoterEligibility) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		bySession, ok := m.eligibility[r.SessionID]
		if !ok {
			bySession = map[string]models.VoterEligibility{}
			m.eligibility[r.SessionID] = bySession
		}
		bySession[r.MemberID] = *r
	}
	return nil
}

func (m *MemoryStore) GetEligibility(_ context.Context, sessionID, memberID string) (*models.VoterEligibility, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.eligibility[sessionID][memberID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "eligibility %s/%s", sessionID, memberID)
	}
	return &e, nil
}

func (m *MemoryStore) ListEligibility(_ context.Context, sessionID string) ([]*models.VoterEligibility, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.VoterEligibility, 0, len(m.eligibility[sessionID]))
	for _, e := range m.eligibility[sessionID] {
		e := e
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out, nil
}

func (m *MemoryStore) AppendBallot(_ context.Context, b *models.Ballot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.ballots[b.SessionID]
	if b.Sequence != int64(len(existing)) {
		return errors.Errorf("session %s: ballot sequence %d out of order (next %d)", b.SessionID, b.Sequence, len(existing))
	}
	m.ballots[b.SessionID] = append(existing, *b)
	return nil
}

func (m *MemoryStore) GetBallot(_ context.Context, sessionID string, sequence int64) (*models.Ballot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.ballots[sessionID]
	if sequence < 0 || sequence >= int64(len(list)) {
		return nil, errors.Wrapf(ErrNotFound, "ballot %s/%d", sessionID, sequence)
	}
	b := list[sequence]
	return &b, nil
}

func (m *MemoryStore) ListBallots(_ context.Context, sessionID string) ([]*models.Ballot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ballot, 0, len(m.ballots[sessionID]))
	for _, b := range m.ballots[sessionID] {
		b := b
		out = append(out, &b)
	}
	return out, nil
}

func (m *MemoryStore) AppendRevocation(_ context.Context, r *models.BallotRevocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revocations[r.SessionID] = append(m.revocations[r.SessionID], *r)
	return nil
}

func (m *MemoryStore) ListRevocations(_ context.Context, sessionID string) ([]*models.BallotRevocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.BallotRevocation, 0, len(m.revocations[sessionID]))
	for _, r := range m.revocations[sessionID] {
		r := r
		out = append(out, &r)
	}
	return out, nil
}

func (m *MemoryStore) SaveNodes(_ context.Context, sessionID string, nodes []models.MerkleNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[sessionID] = append([]models.MerkleNode(nil), nodes...)
	return nil
}

func (m *MemoryStore) ListNodes(_ context.Context, sessionID string) ([]models.MerkleNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.MerkleNode(nil), m.nodes[sessionID]...), nil
}

func cloneKeys(k models.VotingSessionKeys) models.VotingSessionKeys {
	k.Shares = append([]models.KeyShareRecord(nil), k.Shares...)
	k.Commitments = append([][]byte(nil), k.Commitments...)
	return k
}

func (m *MemoryStore) SaveKeys(_ context.Context, k *models.VotingSessionKeys) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[k.SessionID] = cloneKeys(*k)
	return nil
}

func (m *MemoryStore) GetKeys(_ context.Context, sessionID string) (*models.VotingSessionKeys, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[sessionID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "keys for session %s", sessionID)
	}
	k = cloneKeys(k)
	return &k, nil
}

func (m *MemoryStore) ListKeys(_ context.Context) ([]*models.VotingSessionKeys, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.VotingSessionKeys, 0, len(m.keys))
	for _, k := range m.keys {
		k = cloneKeys(k)
		out = append(out, &k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (m *MemoryStore) AppendKeyAccess(_ context.Context, entry *models.KeyAccessLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyAccess = append(m.keyAccess, *entry)
	return nil
}

func (m *MemoryStore) ListKeyAccess(_ context.Context, sessionID string) ([]*models.KeyAccessLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.KeyAccessLog
	for _, e := range m.keyAccess {
		if e.SessionID == sessionID {
			e := e
			out = append(out, &e)
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveAuditor(_ context.Context, a *models.VotingAuditor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditors[a.ID] = *a
	return nil
}

func (m *MemoryStore) GetAuditor(_ context.Context, id string) (*models.VotingAuditor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.auditors[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "auditor %s", id)
	}
	return &a, nil
}

func (m *MemoryStore) SaveAssignment(_ context.Context, a *models.SessionAuditor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bySession, ok := m.assignments[a.SessionID]
	if !ok {
		bySession = map[string]models.SessionAuditor{}
		m.assignments[a.SessionID] = bySession
	}
	bySession[a.AuditorID] = *a
	return nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, sessionID, auditorID string) (*models.SessionAuditor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[sessionID][auditorID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "auditor %s on session %s", auditorID, sessionID)
	}
	return &a, nil
}

func (m *MemoryStore) ListAssignments(_ context.Context, sessionID string) ([]*models.SessionAuditor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.SessionAuditor, 0, len(m.assignments[sessionID]))
	for _, a := range m.assignments[sessionID] {
		a := a
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AuditorID < out[j].AuditorID })
	return out, nil
}

func (m *MemoryStore) AppendFinding(_ context.Context, f *models.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findings[f.SessionID] = append(m.findings[f.SessionID], *f)
	return nil
}

func (m *MemoryStore) ListFindings(_ context.Context, sessionID string) ([]*models.Finding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Finding, 0, len(m.findings[sessionID]))
	for _, f := range m.findings[sessionID] {
		f := f
		out = append(out, &f)
	}
	return out, nil
}

func (m *MemoryStore) SaveAnchor(_ context.Context, a *models.BlockchainAuditAnchor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anchors[a.ID] = *a
	return nil
}

func (m *MemoryStore) GetAnchor(_ context.Context, id string) (*models.BlockchainAuditAnchor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.anchors[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "anchor %s", id)
	}
	return &a, nil
}

func (m *MemoryStore) ListAnchors(_ context.Context, sessionID string) ([]*models.BlockchainAuditAnchor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.BlockchainAuditAnchor
	for _, a := range m.anchors {
		if a.SessionID == sessionID {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SaveTally(_ context.Context, r *models.TallyReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tallies[r.SessionID] = *r
	return nil
}

func (m *MemoryStore) GetTally(_ context.Context, sessionID string) (*models.TallyReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.tallies[sessionID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "tally for session %s", sessionID)
	}
	return &r, nil
}
