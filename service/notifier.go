package service

import (
	"context"

	"github.com/ethereum/go-ethereum/log"

	"secure-voting/models"
)

// Notifier delivers lifecycle messages to members and alerts to session
// administrators. Delivery itself happens outside the voting core.
type Notifier interface {
	SessionOpened(ctx context.Context, s *models.VotingSession, memberIDs []string)
	SessionClosed(ctx context.Context, s *models.VotingSession)
	Reminder(ctx context.Context, s *models.VotingSession, memberIDs []string)
	Alert(ctx context.Context, sessionID, message string)
}

// LogNotifier writes every notification to the log.
type LogNotifier struct {
	log log.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: log.New("module", "notify")}
}

func (n *LogNotifier) SessionOpened(_ context.Context, s *models.VotingSession, memberIDs []string) {
	n.log.Info("Voting opened", "session", s.ID, "title", s.Title, "recipients", len(memberIDs))
}

func (n *LogNotifier) SessionClosed(_ context.Context, s *models.VotingSession) {
	n.log.Info("Voting closed", "session", s.ID, "status", s.Status, "auditHash", s.AuditHash)
}

func (n *LogNotifier) Reminder(_ context.Context, s *models.VotingSession, memberIDs []string) {
	n.log.Info("Voting reminder", "session", s.ID, "recipients", len(memberIDs))
}

func (n *LogNotifier) Alert(_ context.Context, sessionID, message string) {
	n.log.Warn("Session alert", "session", sessionID, "message", message)
}
