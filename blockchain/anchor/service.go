// Package anchor commits session Merkle roots to an external ledger in the
// background. Casting and closing never wait on it.
package anchor

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"secure-voting/models"
	"secure-voting/storage"
)

// ErrTxReverted marks a mined anchoring transaction that did not succeed.
var ErrTxReverted = errors.New("anchor transaction reverted")

// Submitter publishes a root to a ledger and reports how deep it is buried.
type Submitter interface {
	Network() string
	ContractAddress() string
	Method() string
	Submit(ctx context.Context, merkleRoot, metadataHash string) (txHash string, err error)
	// Confirmations returns 0 while the transaction is not yet mined.
	Confirmations(ctx context.Context, txHash string) (confirmations, blockNumber uint64, err error)
}

// Alerter receives operational alerts for anchors that could not be committed.
type Alerter interface {
	Alert(ctx context.Context, sessionID, message string)
}

type Config struct {
	FlushInterval         time.Duration
	MaxAttempts           int
	InitialBackoff        time.Duration
	MaxBackoff            time.Duration
	RequiredConfirmations uint64
	ConfirmTimeout        time.Duration
	SubmitTimeout         time.Duration
}

func DefaultConfig() Config {
	return Config{
		FlushInterval:         15 * time.Second,
		MaxAttempts:           5,
		InitialBackoff:        5 * time.Second,
		MaxBackoff:            5 * time.Minute,
		RequiredConfirmations: 6,
		ConfirmTimeout:        time.Hour,
		SubmitTimeout:         30 * time.Second,
	}
}

// Request describes one root to anchor.
type Request struct {
	SessionID    string
	MerkleRoot   string
	TreeSize     int64
	MetadataHash string
}

type job struct {
	anchorID    string
	sessionID   string
	nextAttempt time.Time
}

// Service batches anchor requests per session (the latest root wins while a
// request is still waiting), submits them with exponential backoff and then
// polls for confirmations.
type Service struct {
	store     storage.AnchorStore
	submitter Submitter
	alerter   Alerter
	cfg       Config
	log       log.Logger
	now       func() time.Time

	mu       sync.Mutex
	queued   map[string]*job // session id -> unsubmitted anchor
	inflight map[string]bool // anchor id
	watching map[string]bool // anchor id awaiting confirmations

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func NewService(store storage.AnchorStore, submitter Submitter, alerter Alerter, cfg Config) *Service {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultConfig().SubmitTimeout
	}
	return &Service{
		store:     store,
		submitter: submitter,
		alerter:   alerter,
		cfg:       cfg,
		log:       log.New("module", "anchor", "network", submitter.Network()),
		now:       time.Now,
		queued:    make(map[string]*job),
		inflight:  make(map[string]bool),
		watching:  make(map[string]bool),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the background worker. Stop waits for the current pass to finish.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.loop()
}

func (s *Service) Stop() {
	close(s.done)
	s.wg.Wait()
}

func (s *Service) loop() {
	defer s.wg.Done()
	tick := time.NewTicker(s.cfg.FlushInterval)
	defer tick.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-tick.C:
			s.Flush(context.Background())
		case <-s.kick:
			s.Flush(context.Background())
		}
	}
}

// Enqueue records a pending anchor and returns immediately. If the session
// already has an anchor waiting for submission, that anchor is updated to the
// newer root instead of queueing a second one.
func (s *Service) Enqueue(ctx context.Context, req Request) (*models.BlockchainAuditAnchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.queued[req.SessionID]; ok && !s.inflight[j.anchorID] {
		a, err := s.store.GetAnchor(ctx, j.anchorID)
		if err != nil {
			return nil, err
		}
		a.MerkleRootHash = req.MerkleRoot
		a.SessionMetadataHash = req.MetadataHash
		a.TreeSize = req.TreeSize
		if err := s.store.SaveAnchor(ctx, a); err != nil {
			return nil, errors.Wrap(err, "update pending anchor")
		}
		s.log.Debug("Coalesced anchor request", "session", req.SessionID, "anchor", a.ID, "size", req.TreeSize)
		s.poke()
		return a, nil
	}

	a := &models.BlockchainAuditAnchor{
		ID:                  uuid.New().String(),
		SessionID:           req.SessionID,
		Network:             s.submitter.Network(),
		ContractAddress:     s.submitter.ContractAddress(),
		Method:              s.submitter.Method(),
		MerkleRootHash:      req.MerkleRoot,
		SessionMetadataHash: req.MetadataHash,
		TreeSize:            req.TreeSize,
		Status:              models.AnchorPending,
		CreatedAt:           s.now(),
	}
	if err := s.store.SaveAnchor(ctx, a); err != nil {
		return nil, errors.Wrap(err, "save anchor")
	}
	s.queued[req.SessionID] = &job{anchorID: a.ID, sessionID: req.SessionID}
	s.log.Info("Queued anchor", "session", req.SessionID, "anchor", a.ID, "root", req.MerkleRoot, "size", req.TreeSize)
	s.poke()
	return a, nil
}

func (s *Service) poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Cancel withdraws an anchor that has not been submitted yet.
func (s *Service) Cancel(ctx context.Context, anchorID string) error {
	a, err := s.store.GetAnchor(ctx, anchorID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, queued := s.queued[a.SessionID]
	if !queued || j.anchorID != anchorID || s.inflight[anchorID] {
		return errors.Errorf("anchor %s is %s and can no longer be cancelled", anchorID, a.Status)
	}
	delete(s.queued, a.SessionID)
	a.Status = models.AnchorCancelled
	if err := s.store.SaveAnchor(ctx, a); err != nil {
		return errors.Wrap(err, "save cancelled anchor")
	}
	s.log.Info("Cancelled anchor", "session", a.SessionID, "anchor", anchorID)
	return nil
}

// CancelSession cancels the session's waiting anchor, if any. Submitted anchors are kept.
func (s *Service) CancelSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	j, ok := s.queued[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Cancel(ctx, j.anchorID)
}

// Anchors lists every anchor of a session, oldest first.
func (s *Service) Anchors(ctx context.Context, sessionID string) ([]*models.BlockchainAuditAnchor, error) {
	return s.store.ListAnchors(ctx, sessionID)
}

func (s *Service) Get(ctx context.Context, anchorID string) (*models.BlockchainAuditAnchor, error) {
	return s.store.GetAnchor(ctx, anchorID)
}

// Resume re-registers unfinished anchors of a session after a restart.
func (s *Service) Resume(ctx context.Context, sessionID string) error {
	anchors, err := s.store.ListAnchors(ctx, sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range anchors {
		switch a.Status {
		case models.AnchorPending:
			s.queued[a.SessionID] = &job{anchorID: a.ID, sessionID: a.SessionID}
		case models.AnchorSubmitted:
			s.watching[a.ID] = true
		}
	}
	return nil
}

// Flush runs one pass: due submissions first, then confirmation polls.
func (s *Service) Flush(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	var due []*job
	for _, j := range s.queued {
		if !s.inflight[j.anchorID] && !now.Before(j.nextAttempt) {
			s.inflight[j.anchorID] = true
			due = append(due, j)
		}
	}
	var watch []string
	for id := range s.watching {
		watch = append(watch, id)
	}
	s.mu.Unlock()

	for _, j := range due {
		s.submit(ctx, j)
	}
	for _, id := range watch {
		s.poll(ctx, id)
	}
}

func (s *Service) backoff(attempt int) time.Duration {
	d := s.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	return d
}

func (s *Service) submit(ctx context.Context, j *job) {
	defer func() {
		s.mu.Lock()
		delete(s.inflight, j.anchorID)
		s.mu.Unlock()
	}()

	a, err := s.store.GetAnchor(ctx, j.anchorID)
	if err != nil {
		s.log.Error("Failed to load anchor", "anchor", j.anchorID, "err", err)
		return
	}
	a.Attempts++

	subCtx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	txHash, err := s.submitter.Submit(subCtx, a.MerkleRootHash, a.SessionMetadataHash)
	cancel()

	if err != nil {
		serr := &models.AnchorSubmissionError{AnchorID: a.ID, Attempt: a.Attempts, Err: err}
		a.LastError = serr.Error()
		s.mu.Lock()
		superseded := s.queued[j.sessionID] != j
		s.mu.Unlock()
		if superseded {
			// A newer root replaced this job while it was in flight.
			a.Status = models.AnchorCancelled
			a.LastError = "superseded by newer root: " + serr.Error()
			if err := s.store.SaveAnchor(ctx, a); err != nil {
				s.log.Error("Failed to save anchor", "anchor", a.ID, "err", err)
			}
			s.log.Info("Dropped superseded anchor after failed submission", "session", a.SessionID, "anchor", a.ID, "attempt", a.Attempts, "err", err)
			return
		}
		if a.Attempts >= s.cfg.MaxAttempts {
			s.dequeue(j)
			s.markFailed(ctx, a, "retry budget exhausted: "+err.Error())
			return
		}
		wait := s.backoff(a.Attempts)
		s.mu.Lock()
		j.nextAttempt = s.now().Add(wait)
		s.mu.Unlock()
		if err := s.store.SaveAnchor(ctx, a); err != nil {
			s.log.Error("Failed to save anchor", "anchor", a.ID, "err", err)
		}
		s.log.Warn("Anchor submission failed, will retry", "session", a.SessionID, "anchor", a.ID, "attempt", a.Attempts, "backoff", wait, "err", err)
		return
	}

	a.TransactionHash = txHash
	a.Status = models.AnchorSubmitted
	a.SubmittedAt = s.now()
	a.LastError = ""
	s.dequeue(j)
	s.mu.Lock()
	s.watching[a.ID] = true
	s.mu.Unlock()
	if err := s.store.SaveAnchor(ctx, a); err != nil {
		s.log.Error("Failed to save anchor", "anchor", a.ID, "err", err)
	}
	s.log.Info("Anchor submitted", "session", a.SessionID, "anchor", a.ID, "tx", txHash, "attempt", a.Attempts)
}

// dequeue drops j unless a newer request already replaced it.
func (s *Service) dequeue(j *job) {
	s.mu.Lock()
	if s.queued[j.sessionID] == j {
		delete(s.queued, j.sessionID)
	}
	s.mu.Unlock()
}

func (s *Service) poll(ctx context.Context, anchorID string) {
	a, err := s.store.GetAnchor(ctx, anchorID)
	if err != nil {
		s.log.Error("Failed to load anchor", "anchor", anchorID, "err", err)
		return
	}
	confs, block, err := s.submitter.Confirmations(ctx, a.TransactionHash)
	switch {
	case errors.Is(err, ErrTxReverted):
		s.stopWatching(anchorID)
		s.markFailed(ctx, a, "transaction reverted")
		return
	case err != nil:
		s.log.Warn("Confirmation poll failed", "anchor", anchorID, "tx", a.TransactionHash, "err", err)
		return
	}

	a.Confirmations = confs
	a.BlockNumber = block
	if confs >= s.cfg.RequiredConfirmations && confs > 0 {
		a.Status = models.AnchorConfirmed
		a.ConfirmedAt = s.now()
		s.stopWatching(anchorID)
		s.log.Info("Anchor confirmed", "session", a.SessionID, "anchor", anchorID, "block", block, "confirmations", confs)
	} else if s.cfg.ConfirmTimeout > 0 && s.now().Sub(a.SubmittedAt) > s.cfg.ConfirmTimeout {
		s.stopWatching(anchorID)
		s.markFailed(ctx, a, "confirmation timeout")
		return
	}
	if err := s.store.SaveAnchor(ctx, a); err != nil {
		s.log.Error("Failed to save anchor", "anchor", anchorID, "err", err)
	}
}

func (s *Service) stopWatching(anchorID string) {
	s.mu.Lock()
	delete(s.watching, anchorID)
	s.mu.Unlock()
}

func (s *Service) markFailed(ctx context.Context, a *models.BlockchainAuditAnchor, reason string) {
	a.Status = models.AnchorFailed
	if a.LastError == "" {
		a.LastError = reason
	}
	if err := s.store.SaveAnchor(ctx, a); err != nil {
		s.log.Error("Failed to save anchor", "anchor", a.ID, "err", err)
	}
	s.log.Error("Anchor failed", "session", a.SessionID, "anchor", a.ID, "attempts", a.Attempts, "reason", reason)
	if s.alerter != nil {
		s.alerter.Alert(ctx, a.SessionID, "anchor "+a.ID+" failed: "+reason)
	}
}
