package service

import (
	"context"

	"github.com/pkg/errors"

	"secure-voting/models"
	"secure-voting/registry"
)

type Action string

const (
	ActionManageSession Action = "manage_session"
	ActionCloseSession  Action = "close_session"
	ActionTally         Action = "tally"
	ActionCancelSession Action = "cancel_session"
	ActionRemind        Action = "remind"
)

// Authorizer decides whether the acting user may perform a privileged operation.
type Authorizer interface {
	Authorize(ctx context.Context, actorID string, action Action, sessionID string) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, actorID string, action Action, sessionID string) error

func (f AuthorizerFunc) Authorize(ctx context.Context, actorID string, action Action, sessionID string) error {
	return f(ctx, actorID, action, sessionID)
}

// AllowAll authorizes every actor. Intended for the simulator and tests.
var AllowAll = AuthorizerFunc(func(context.Context, string, Action, string) error { return nil })

// RoleAuthorizer grants actions by directory role. Suspended or inactive
// members are refused regardless of role.
type RoleAuthorizer struct {
	directory registry.Directory
	roles     map[Action][]string
}

// DefaultRoles gives officers every administrative action.
func DefaultRoles() map[Action][]string {
	officers := []string{"president", "secretary", "officer", "admin"}
	return map[Action][]string{
		ActionManageSession: officers,
		ActionCloseSession:  officers,
		ActionTally:         officers,
		ActionCancelSession: officers,
		ActionRemind:        append(officers, "steward"),
	}
}

func NewRoleAuthorizer(directory registry.Directory, roles map[Action][]string) *RoleAuthorizer {
	if roles == nil {
		roles = DefaultRoles()
	}
	return &RoleAuthorizer{directory: directory, roles: roles}
}

func (a *RoleAuthorizer) Authorize(ctx context.Context, actorID string, action Action, sessionID string) error {
	if actorID == "" {
		return errors.Wrap(models.ErrUnauthorized, "no acting user")
	}
	m, err := a.directory.Member(ctx, actorID)
	if errors.Is(err, models.ErrNotFound) {
		return errors.Wrapf(models.ErrUnauthorized, "unknown actor %s", actorID)
	}
	if err != nil {
		return err
	}
	if m.Status != registry.MemberActive {
		return errors.Wrapf(models.ErrUnauthorized, "actor %s is %s", actorID, m.Status)
	}
	for _, role := range a.roles[action] {
		if role == m.Role {
			return nil
		}
	}
	return errors.Wrapf(models.ErrUnauthorized, "role %s may not %s on session %s", m.Role, action, sessionID)
}
