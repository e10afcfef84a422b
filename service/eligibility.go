package service

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"secure-voting/models"
	"secure-voting/registry"
)

// EligibilityRules control who may vote in a session and with what weight.
type EligibilityRules struct {
	// AllowedRoles restricts the roll to these roles; empty admits every role.
	AllowedRoles       []string       `yaml:"allowedRoles" toml:"allowed_roles"`
	RequireDuesCurrent bool           `yaml:"requireDuesCurrent" toml:"require_dues_current"`
	RoleWeights        map[string]int `yaml:"roleWeights" toml:"role_weights"`
	// MinimumTenure is how long a member must have belonged before the session.
	MinimumTenure time.Duration `yaml:"minimumTenure" toml:"minimum_tenure"`
}

// EligibilityCalculator builds the voter roll of a session from the member directory.
type EligibilityCalculator struct {
	directory registry.Directory
	rules     EligibilityRules
	now       func() time.Time
}

func NewEligibilityCalculator(directory registry.Directory, rules EligibilityRules) *EligibilityCalculator {
	return &EligibilityCalculator{directory: directory, rules: rules, now: time.Now}
}

// Compute returns one eligibility row per member of the organization. Members
// failing a rule are kept with a rejected status so the roll shows why.
func (c *EligibilityCalculator) Compute(ctx context.Context, sessionID, organizationID string) ([]*models.VoterEligibility, error) {
	members, err := c.directory.Members(ctx, organizationID)
	if err != nil {
		return nil, errors.Wrapf(err, "list members of %s", organizationID)
	}
	now := c.now()
	verified := make(map[string]bool, len(members))
	rows := make([]*models.VoterEligibility, 0, len(members))
	for _, m := range members {
		row := &models.VoterEligibility{
			SessionID:    sessionID,
			MemberID:     m.ID,
			Weight:       c.weight(m.Role),
			Verification: models.VerificationVerified,
			ComputedAt:   now,
		}
		if err := c.Check(m, now); err != nil {
			row.Verification = models.VerificationRejected
		} else {
			verified[m.ID] = true
		}
		rows = append(rows, row)
	}

	// A delegation only stands when both sides are on the verified roll.
	byID := make(map[string]*registry.Member, len(members))
	for _, m := range members {
		byID[m.ID] = m
	}
	for _, row := range rows {
		m := byID[row.MemberID]
		if m.DelegateTo != "" && m.DelegateTo != m.ID && verified[m.ID] && verified[m.DelegateTo] {
			row.DelegateTo = m.DelegateTo
		}
	}
	return rows, nil
}

// Check applies every rule to one member and reports the first failure.
func (c *EligibilityCalculator) Check(m *registry.Member, at time.Time) error {
	// 1. Membership must be in force
	if m.Status != registry.MemberActive {
		return errors.Errorf("membership is %s", m.Status)
	}

	// 2. Dues standing
	if c.rules.RequireDuesCurrent && !m.DuesCurrent {
		return errors.New("dues are not current")
	}

	// 3. Role filter
	if len(c.rules.AllowedRoles) > 0 && !contains(c.rules.AllowedRoles, m.Role) {
		return errors.Errorf("role %s may not vote", m.Role)
	}

	// 4. Tenure
	if c.rules.MinimumTenure > 0 && !m.JoinedAt.IsZero() && at.Sub(m.JoinedAt) < c.rules.MinimumTenure {
		return errors.Errorf("member for less than %s", c.rules.MinimumTenure)
	}
	return nil
}

func (c *EligibilityCalculator) weight(role string) int {
	if w, ok := c.rules.RoleWeights[role]; ok && w > 0 {
		return w
	}
	return 1
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
