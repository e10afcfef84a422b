package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"secure-voting/models"
)

var _ Store = (*SQLStore)(nil)

type sessionRow struct {
	ID        string `gorm:"primaryKey;column:id"`
	Status    string `gorm:"column:status;index;not null"`
	Salt      []byte `gorm:"column:voter_hash_salt"`
	Data      []byte `gorm:"column:data;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (sessionRow) TableName() string { return "voting_sessions" }

type optionRow struct {
	ID        string `gorm:"primaryKey;column:id"`
	SessionID string `gorm:"column:session_id;index;not null"`
	Label     string `gorm:"column:label;not null"`
	Position  int    `gorm:"column:position;not null"`
}

func (optionRow) TableName() string { return "voting_options" }

type eligibilityRow struct {
	SessionID    string    `gorm:"primaryKey;column:session_id"`
	MemberID     string    `gorm:"primaryKey;column:member_id"`
	Weight       int       `gorm:"column:weight;not null"`
	DelegateTo   string    `gorm:"column:delegate_to"`
	Verification string    `gorm:"column:verification;not null"`
	ComputedAt   time.Time `gorm:"column:computed_at"`
}

func (eligibilityRow) TableName() string { return "voter_eligibility" }

type ballotRow struct {
	SessionID        string    `gorm:"primaryKey;column:session_id;autoIncrement:false"`
	Sequence         int64     `gorm:"primaryKey;column:sequence;autoIncrement:false"`
	ID               string    `gorm:"column:id;uniqueIndex;not null"`
	EncryptedPayload []byte    `gorm:"column:encrypted_payload;not null"`
	IV               []byte    `gorm:"column:iv;not null"`
	Tag              []byte    `gorm:"column:tag;not null"`
	BallotHash       string    `gorm:"column:ballot_hash;not null"`
	VoterHash        string    `gorm:"column:voter_hash;index"`
	CastAt           time.Time `gorm:"column:cast_at"`
}

func (ballotRow) TableName() string { return "votes" }

type revocationRow struct {
	ID                   uint      `gorm:"primaryKey"`
	SessionID            string    `gorm:"column:session_id;index;not null"`
	RevokedSequence      int64     `gorm:"column:revoked_sequence;not null"`
	SupersededBySequence int64     `gorm:"column:superseded_by_sequence;not null"`
	Reason               string    `gorm:"column:reason"`
	CreatedAt            time.Time `gorm:"column:created_at"`
}

func (revocationRow) TableName() string { return "ballot_revocations" }

type nodeRow struct {
	SessionID string `gorm:"primaryKey;column:session_id"`
	NodeID    int    `gorm:"primaryKey;column:node_id;autoIncrement:false"`
	Level     int    `gorm:"column:level"`
	Index     int64  `gorm:"column:node_index"`
	Hash      string `gorm:"column:hash;not null"`
	Left      int    `gorm:"column:left_id"`
	Right     int    `gorm:"column:right_id"`
	Sequence  int64  `gorm:"column:sequence"`
}

func (nodeRow) TableName() string { return "vote_merkle_tree" }

// keysRow holds the session key material. Custodian shares live in their own
// table, one row per custodian.
type keysRow struct {
	SessionID   string `gorm:"primaryKey;column:session_id"`
	Status      string `gorm:"column:status;not null"`
	Data        []byte `gorm:"column:data;not null"`
	SharesTotal int    `gorm:"column:shares_total"`
	Threshold   int    `gorm:"column:shares_threshold"`
}

func (keysRow) TableName() string { return "voting_session_keys" }

type keyShareRow struct {
	SessionID      string `gorm:"primaryKey;column:session_id"`
	CustodianID    string `gorm:"primaryKey;column:custodian_id"`
	ShareIndex     int    `gorm:"column:share_index;not null"`
	EncryptedShare []byte `gorm:"column:encrypted_share;not null"`
}

func (keyShareRow) TableName() string { return "voting_key_shares" }

type keyAccessRow struct {
	ID          string    `gorm:"primaryKey;column:id"`
	SessionID   string    `gorm:"column:session_id;index;not null"`
	RequesterID string    `gorm:"column:requester_id"`
	Action      string    `gorm:"column:action;not null"`
	Outcome     string    `gorm:"column:outcome;not null"`
	Reason      string    `gorm:"column:reason"`
	At          time.Time `gorm:"column:at;index"`
}

func (keyAccessRow) TableName() string { return "voting_key_access_log" }

type auditorRow struct {
	ID   string `gorm:"primaryKey;column:id"`
	Data []byte `gorm:"column:data;not null"`
}

func (auditorRow) TableName() string { return "voting_auditors" }

type assignmentRow struct {
	SessionID string `gorm:"primaryKey;column:session_id"`
	AuditorID string `gorm:"primaryKey;column:auditor_id"`
	Data      []byte `gorm:"column:data;not null"`
}

func (assignmentRow) TableName() string { return "voting_session_auditors" }

type findingRow struct {
	ID        string    `gorm:"primaryKey;column:id"`
	SessionID string    `gorm:"column:session_id;index;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
	Data      []byte    `gorm:"column:data;not null"`
}

func (findingRow) TableName() string { return "voting_findings" }

type anchorRow struct {
	ID        string    `gorm:"primaryKey;column:id"`
	SessionID string    `gorm:"column:session_id;index;not null"`
	Status    string    `gorm:"column:status;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
	Data      []byte    `gorm:"column:data;not null"`
}

func (anchorRow) TableName() string { return "blockchain_audit_anchors" }

type tallyRow struct {
	SessionID string `gorm:"primaryKey;column:session_id"`
	Data      []byte `gorm:"column:data;not null"`
}

func (tallyRow) TableName() string { return "voting_tallies" }

// SQLStore persists to SQLite through gorm.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLite opens (and migrates) the database at dsn, e.g. "votes.db" or
// "file::memory:?cache=shared".
func OpenSQLite(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %s", dsn)
	}
	return NewSQLStore(db)
}

func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	err := db.AutoMigrate(
		&sessionRow{}, &optionRow{}, &eligibilityRow{}, &ballotRow{}, &revocationRow{}, &nodeRow{},
		&keysRow{}, &keyShareRow{}, &keyAccessRow{},
		&auditorRow{}, &assignmentRow{}, &findingRow{}, &anchorRow{}, &tallyRow{},
	)
	if err != nil {
		return nil, errors.Wrap(err, "migrate schema")
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(ErrNotFound, format, args...)
	}
	return errors.Wrapf(err, format, args...)
}

func (s *SQLStore) SaveSession(ctx context.Context, v *models.VotingSession) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode session")
	}
	row := sessionRow{ID: v.ID, Status: string(v.Status), Salt: v.VoterHashSalt, Data: data, CreatedAt: v.CreatedAt}
	return errors.Wrapf(s.db.WithContext(ctx).Save(&row).Error, "save session %s", v.ID)
}

func decodeSession(row *sessionRow) (*models.VotingSession, error) {
	var v models.VotingSession
	if err := json.Unmarshal(row.Data, &v); err != nil {
		return nil, errors.Wrapf(err, "decode session %s", row.ID)
	}
	v.VoterHashSalt = row.Salt
	return &v, nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*models.VotingSession, error) {
	var row sessionRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "session %s", id)
	}
	return decodeSession(&row)
}

func (s *SQLStore) ListSessions(ctx context.Context, statuses ...models.SessionStatus) ([]*models.VotingSession, error) {
	q := s.db.WithContext(ctx).Order("created_at")
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		q = q.Where("status IN ?", names)
	}
	var rows []sessionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	out := make([]*models.VotingSession, 0, len(rows))
	for i := range rows {
		v, err := decodeSession(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *SQLStore) SaveOption(ctx context.Context, o *models.VotingOption) error {
	row := optionRow{ID: o.ID, SessionID: o.SessionID, Label: o.Label, Position: o.Position}
	return errors.Wrapf(s.db.WithContext(ctx).Save(&row).Error, "save option %s", o.ID)
}

func (s *SQLStore) ListOptions(ctx context.Context, sessionID string) ([]*models.VotingOption, error) {
	var rows []optionRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("position").Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "list options of %s", sessionID)
	}
	out := make([]*models.VotingOption, len(rows))
	for i, r := range rows {
		out[i] = &models.VotingOption{ID: r.ID, SessionID: r.SessionID, Label: r.Label, Position: r.Position}
	}
	return out, nil
}

func (s *SQLStore) SaveEligibility(ctx context.Context, rows []*models.VoterEligibility) error {
	if len(rows) == 0 {
		return nil
	}
	out := make([]eligibilityRow, len(rows))
	for i, e := range rows {
		out[i] = eligibilityRow{
			SessionID:    e.SessionID,
			MemberID:     e.MemberID,
			Weight:       e.Weight,
			DelegateTo:   e.DelegateTo,
			Verification: string(e.Verification),
			ComputedAt:   e.ComputedAt,
		}
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&out).Error
	return errors.Wrap(err, "save eligibility")
}

func fromEligibilityRow(r *eligibilityRow) *models.VoterEligibility {
	return &models.VoterEligibility{
		SessionID:    r.SessionID,
		MemberID:     r.MemberID,
		Weight:       r.Weight,
		DelegateTo:   r.DelegateTo,
		Verification: models.VerificationStatus(r.Verification),
		ComputedAt:   r.ComputedAt,
	}
}

func (s *SQLStore) GetEligibility(ctx context.Context, sessionID, memberID string) (*models.VoterEligibility, error) {
	var row eligibilityRow
	err := s.db.WithContext(ctx).First(&row, "session_id = ? AND member_id = ?", sessionID, memberID).Error
	if err != nil {
		return nil, notFound(err, "eligibility %s/%s", sessionID, memberID)
	}
	return fromEligibilityRow(&row), nil
}

func (s *SQLStore) ListEligibility(ctx context.Context, sessionID string) ([]*models.VoterEligibility, error) {
	var rows []eligibilityRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("member_id").Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "list eligibility of %s", sessionID)
	}
	out := make([]*models.VoterEligibility, len(rows))
	for i := range rows {
		out[i] = fromEligibilityRow(&rows[i])
	}
	return out, nil
}

// AppendBallot inserts a ballot. A second ballot at the same sequence fails on the primary key.
func (s *SQLStore) AppendBallot(ctx context.Context, b *models.Ballot) error {
	row := ballotRow{
		SessionID:        b.SessionID,
		Sequence:         b.Sequence,
		ID:               b.ID,
		EncryptedPayload: b.EncryptedPayload,
		IV:               b.IV,
		Tag:              b.Tag,
		BallotHash:       b.BallotHash,
		VoterHash:        b.VoterHash,
		CastAt:           b.CastAt,
	}
	return errors.Wrapf(s.db.WithContext(ctx).Create(&row).Error, "append ballot %s/%d", b.SessionID, b.Sequence)
}

func fromBallotRow(r *ballotRow) *models.Ballot {
	return &models.Ballot{
		ID:               r.ID,
		SessionID:        r.SessionID,
		Sequence:         r.Sequence,
		EncryptedPayload: r.EncryptedPayload,
		IV:               r.IV,
		Tag:              r.Tag,
		BallotHash:       r.BallotHash,
		VoterHash:        r.VoterHash,
		CastAt:           r.CastAt,
	}
}

func (s *SQLStore) GetBallot(ctx context.Context, sessionID string, sequence int64) (*models.Ballot, error) {
	var row ballotRow
	if err := s.db.WithContext(ctx).First(&row, "session_id = ? AND sequence = ?", sessionID, sequence).Error; err != nil {
		return nil, notFound(err, "ballot %s/%d", sessionID, sequence)
	}
	return fromBallotRow(&row), nil
}

func (s *SQLStore) ListBallots(ctx context.Context, sessionID string) ([]*models.Ballot, error) {
	var rows []ballotRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("sequence").Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "list ballots of %s", sessionID)
	}
	out := make([]*models.Ballot, len(rows))
	for i := range rows {
		out[i] = fromBallotRow(&rows[i])
	}
	return out, nil
}

func (s *SQLStore) AppendRevocation(ctx context.Context, r *models.BallotRevocation) error {
	row := revocationRow{
		SessionID:            r.SessionID,
		RevokedSequence:      r.RevokedSequence,
		SupersededBySequence: r.SupersededBySequence,
		Reason:               r.Reason,
		CreatedAt:            r.CreatedAt,
	}
	return errors.Wrap(s.db.WithContext(ctx).Create(&row).Error, "append revocation")
}

func (s *SQLStore) ListRevocations(ctx context.Context, sessionID string) ([]*models.BallotRevocation, error) {
	var rows []revocationRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("id").Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "list revocations of %s", sessionID)
	}
	out := make([]*models.BallotRevocation, len(rows))
	for i, r := range rows {
		out[i] = &models.BallotRevocation{
			SessionID:            r.SessionID,
			RevokedSequence:      r.RevokedSequence,
			SupersededBySequence: r.SupersededBySequence,
			Reason:               r.Reason,
			CreatedAt:            r.CreatedAt,
		}
	}
	return out, nil
}

// SaveNodes replaces the stored arena of a session.
func (s *SQLStore) SaveNodes(ctx context.Context, sessionID string, nodes []models.MerkleNode) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&nodeRow{}).Error; err != nil {
			return errors.Wrap(err, "clear merkle nodes")
		}
		if len(nodes) == 0 {
			return nil
		}
		rows := make([]nodeRow, len(nodes))
		for i, n := range nodes {
			rows[i] = nodeRow{
				SessionID: sessionID,
				NodeID:    n.ID,
				Level:     n.Level,
				Index:     n.Index,
				Hash:      n.Hash,
				Left:      n.Left,
				Right:     n.Right,
				Sequence:  n.Sequence,
			}
		}
		return errors.Wrap(tx.CreateInBatches(rows, 200).Error, "insert merkle nodes")
	})
}

func (s *SQLStore) ListNodes(ctx context.Context, sessionID string) ([]models.MerkleNode, error) {
	var rows []nodeRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("node_id").Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "list merkle nodes of %s", sessionID)
	}
	out := make([]models.MerkleNode, len(rows))
	for i, r := range rows {
		out[i] = models.MerkleNode{
			SessionID: r.SessionID,
			ID:        r.NodeID,
			Level:     r.Level,
			Index:     r.Index,
			Hash:      r.Hash,
			Left:      r.Left,
			Right:     r.Right,
			Sequence:  r.Sequence,
		}
	}
	return out, nil
}

// SaveKeys writes the key row and replaces its share rows in one transaction.
func (s *SQLStore) SaveKeys(ctx context.Context, k *models.VotingSessionKeys) error {
	shares := k.Shares
	body := *k
	body.Shares = nil
	data, err := json.Marshal(&body)
	if err != nil {
		return errors.Wrap(err, "encode session keys")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := keysRow{SessionID: k.SessionID, Status: string(k.Status), Data: data, SharesTotal: k.SharesTotal, Threshold: k.SharesThreshold}
		if err := tx.Save(&row).Error; err != nil {
			return errors.Wrapf(err, "save keys of %s", k.SessionID)
		}
		if err := tx.Where("session_id = ?", k.SessionID).Delete(&keyShareRow{}).Error; err != nil {
			return errors.Wrap(err, "clear key shares")
		}
		if len(shares) == 0 {
			return nil
		}
		rows := make([]keyShareRow, len(shares))
		for i, sh := range shares {
			rows[i] = keyShareRow{SessionID: k.SessionID, CustodianID: sh.CustodianID, ShareIndex: sh.ShareIndex, EncryptedShare: sh.EncryptedShare}
		}
		return errors.Wrap(tx.Create(&rows).Error, "insert key shares")
	})
}

func (s *SQLStore) loadKeys(ctx context.Context, row *keysRow) (*models.VotingSessionKeys, error) {
	var k models.VotingSessionKeys
	if err := json.Unmarshal(row.Data, &k); err != nil {
		return nil, errors.Wrapf(err, "decode keys of %s", row.SessionID)
	}
	var shares []keyShareRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", row.SessionID).Order("share_index").Find(&shares).Error; err != nil {
		return nil, errors.Wrapf(err, "list key shares of %s", row.SessionID)
	}
	for _, sh := range shares {
		k.Shares = append(k.Shares, models.KeyShareRecord{CustodianID: sh.CustodianID, EncryptedShare: sh.EncryptedShare, ShareIndex: sh.ShareIndex})
	}
	return &k, nil
}

func (s *SQLStore) GetKeys(ctx context.Context, sessionID string) (*models.VotingSessionKeys, error) {
	var row keysRow
	if err := s.db.WithContext(ctx).First(&row, "session_id = ?", sessionID).Error; err != nil {
		return nil, notFound(err, "keys for session %s", sessionID)
	}
	return s.loadKeys(ctx, &row)
}

func (s *SQLStore) ListKeys(ctx context.Context) ([]*models.VotingSessionKeys, error) {
	var rows []keysRow
	if err := s.db.WithContext(ctx).Order("session_id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list keys")
	}
	out := make([]*models.VotingSessionKeys, 0, len(rows))
	for i := range rows {
		k, err := s.loadKeys(ctx, &rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func (s *SQLStore) AppendKeyAccess(ctx context.Context, e *models.KeyAccessLog) error {
	row := keyAccessRow{
		ID:          e.ID,
		SessionID:   e.SessionID,
		RequesterID: e.RequesterID,
		Action:      string(e.Action),
		Outcome:     string(e.Outcome),
		Reason:      e.Reason,
		At:          e.At,
	}
	return errors.Wrap(s.db.WithContext(ctx).Create(&row).Error, "append key access")
}

func (s *SQLStore) ListKeyAccess(ctx context.Context, sessionID string) ([]*models.KeyAccessLog, error) {
	var rows []keyAccessRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("at").Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "list key access of %s", sessionID)
	}
	out := make([]*models.KeyAccessLog, len(rows))
	for i, r := range rows {
		out[i] = &models.KeyAccessLog{
			ID:          r.ID,
			SessionID:   r.SessionID,
			RequesterID: r.RequesterID,
			Action:      models.KeyAccessAction(r.Action),
			Outcome:     models.KeyAccessOutcome(r.Outcome),
			Reason:      r.Reason,
			At:          r.At,
		}
	}
	return out, nil
}

func (s *SQLStore) SaveAuditor(ctx context.Context, a *models.VotingAuditor) error {
	data, err := json.Marshal(a)
	if err != nil {
		return errors.Wrap(err, "encode auditor")
	}
	return errors.Wrapf(s.db.WithContext(ctx).Save(&auditorRow{ID: a.ID, Data: data}).Error, "save auditor %s", a.ID)
}

func (s *SQLStore) GetAuditor(ctx context.Context, id string) (*models.VotingAuditor, error) {
	var row auditorRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "auditor %s", id)
	}
	var a models.VotingAuditor
	return &a, errors.Wrap(json.Unmarshal(row.Data, &a), "decode auditor")
}

func (s *SQLStore) SaveAssignment(ctx context.Context, a *models.SessionAuditor) error {
	data, err := json.Marshal(a)
	if err != nil {
		return errors.Wrap(err, "encode assignment")
	}
	row := assignmentRow{SessionID: a.SessionID, AuditorID: a.AuditorID, Data: data}
	return errors.Wrap(s.db.WithContext(ctx).Save(&row).Error, "save assignment")
}

func (s *SQLStore) GetAssignment(ctx context.Context, sessionID, auditorID string) (*models.SessionAuditor, error) {
	var row assignmentRow
	if err := s.db.WithContext(ctx).First(&row, "session_id = ? AND auditor_id = ?", sessionID, auditorID).Error; err != nil {
		return nil, notFound(err, "auditor %s on session %s", auditorID, sessionID)
	}
	var a models.SessionAuditor
	return &a, errors.Wrap(json.Unmarshal(row.Data, &a), "decode assignment")
}

func (s *SQLStore) ListAssignments(ctx context.Context, sessionID string) ([]*models.SessionAuditor, error) {
	var rows []assignmentRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("auditor_id").Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "list assignments of %s", sessionID)
	}
	out := make([]*models.SessionAuditor, len(rows))
	for i, r := range rows {
		out[i] = &models.SessionAuditor{}
		if err := json.Unmarshal(r.Data, out[i]); err != nil {
			return nil, errors.Wrap(err, "decode assignment")
		}
	}
	return out, nil
}

func (s *SQLStore) AppendFinding(ctx context.Context, f *models.Finding) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "encode finding")
	}
	row := findingRow{ID: f.ID, SessionID: f.SessionID, CreatedAt: f.CreatedAt, Data: data}
	return errors.Wrap(s.db.WithContext(ctx).Create(&row).Error, "append finding")
}

func (s *SQLStore) ListFindings(ctx context.Context, sessionID string) ([]*models.Finding, error) {
	var rows []findingRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at").Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "list findings of %s", sessionID)
	}
	out := make([]*models.Finding, len(rows))
	for i, r := range rows {
		out[i] = &models.Finding{}
		if err := json.Unmarshal(r.Data, out[i]); err != nil {
			return nil, errors.Wrap(err, "decode finding")
		}
	}
	return out, nil
}

func (s *SQLStore) SaveAnchor(ctx context.Context, a *models.BlockchainAuditAnchor) error {
	data, err := json.Marshal(a)
	if err != nil {
		return errors.Wrap(err, "encode anchor")
	}
	row := anchorRow{ID: a.ID, SessionID: a.SessionID, Status: string(a.Status), CreatedAt: a.CreatedAt, Data: data}
	return errors.Wrapf(s.db.WithContext(ctx).Save(&row).Error, "save anchor %s", a.ID)
}

func (s *SQLStore) GetAnchor(ctx context.Context, id string) (*models.BlockchainAuditAnchor, error) {
	var row anchorRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "anchor %s", id)
	}
	var a models.BlockchainAuditAnchor
	return &a, errors.Wrap(json.Unmarshal(row.Data, &a), "decode anchor")
}

func (s *SQLStore) ListAnchors(ctx context.Context, sessionID string) ([]*models.BlockchainAuditAnchor, error) {
	var rows []anchorRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at").Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "list anchors of %s", sessionID)
	}
	out := make([]*models.BlockchainAuditAnchor, len(rows))
	for i, r := range rows {
		out[i] = &models.BlockchainAuditAnchor{}
		if err := json.Unmarshal(r.Data, out[i]); err != nil {
			return nil, errors.Wrap(err, "decode anchor")
		}
	}
	return out, nil
}

func (s *SQLStore) SaveTally(ctx context.Context, r *models.TallyReport) error {
	data, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode tally")
	}
	return errors.Wrapf(s.db.WithContext(ctx).Save(&tallyRow{SessionID: r.SessionID, Data: data}).Error, "save tally %s", r.SessionID)
}

func (s *SQLStore) GetTally(ctx context.Context, sessionID string) (*models.TallyReport, error) {
	var row tallyRow
	if err := s.db.WithContext(ctx).First(&row, "session_id = ?", sessionID).Error; err != nil {
		return nil, notFound(err, "tally for session %s", sessionID)
	}
	var r models.TallyReport
	return &r, errors.Wrap(json.Unmarshal(row.Data, &r), "decode tally")
}
