// Package registry is the member directory the voting core consults for
// identity, role and standing.
package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"secure-voting/models"
)

type MemberStatus string

const (
	MemberActive    MemberStatus = "active"
	MemberSuspended MemberStatus = "suspended"
	MemberInactive  MemberStatus = "inactive"
)

// Member is the directory record of one union member.
type Member struct {
	ID             string       `json:"id" yaml:"id"`
	OrganizationID string       `json:"organizationId" yaml:"organizationId"`
	Name           string       `json:"name" yaml:"name"`
	Email          string       `json:"email,omitempty" yaml:"email,omitempty"`
	Role           string       `json:"role" yaml:"role"`
	Status         MemberStatus `json:"status" yaml:"status"`
	DuesCurrent    bool         `json:"duesCurrent" yaml:"duesCurrent"`
	// DelegateTo names the member holding this member's proxy, if any.
	DelegateTo string    `json:"delegateTo,omitempty" yaml:"delegateTo,omitempty"`
	JoinedAt   time.Time `json:"joinedAt" yaml:"joinedAt"`
}

// Directory is the read side used by eligibility computation and reminders.
type Directory interface {
	Member(ctx context.Context, memberID string) (*Member, error)
	Members(ctx context.Context, organizationID string) ([]*Member, error)
}

// FileDirectory keeps members in memory and loads them from a JSON or YAML
// file chosen by extension.
type FileDirectory struct {
	mu      sync.RWMutex
	path    string
	members map[string]*Member
}

func NewFileDirectory(path string) *FileDirectory {
	return &FileDirectory{path: path, members: make(map[string]*Member)}
}

type memberFile struct {
	Members []*Member `json:"members" yaml:"members"`
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load replaces the in-memory members with the file contents.
func (d *FileDirectory) Load() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return errors.Wrapf(err, "read member directory %s", d.path)
	}
	var f memberFile
	if isYAML(d.path) {
		err = yaml.Unmarshal(data, &f)
	} else {
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return errors.Wrapf(err, "decode member directory %s", d.path)
	}

	members := make(map[string]*Member, len(f.Members))
	for _, m := range f.Members {
		if err := validateMember(m); err != nil {
			return errors.Wrapf(err, "member %q", m.ID)
		}
		members[m.ID] = m
	}
	d.mu.Lock()
	d.members = members
	d.mu.Unlock()
	return nil
}

// Save writes the directory back to its file.
func (d *FileDirectory) Save() error {
	d.mu.RLock()
	f := memberFile{Members: d.sortedLocked("")}
	d.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	if isYAML(d.path) {
		data, err = yaml.Marshal(f)
	} else {
		data, err = json.MarshalIndent(f, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "encode member directory")
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0755); err != nil {
		return errors.Wrap(err, "create directory")
	}
	return errors.Wrap(os.WriteFile(d.path, data, 0644), "write member directory")
}

func validateMember(m *Member) error {
	if m.ID == "" {
		return errors.New("id is required")
	}
	if m.OrganizationID == "" {
		return errors.New("organization is required")
	}
	switch m.Status {
	case MemberActive, MemberSuspended, MemberInactive:
	case "":
		m.Status = MemberActive
	default:
		return errors.Errorf("unknown status %q", m.Status)
	}
	return nil
}

// Put adds or replaces a member.
func (d *FileDirectory) Put(m *Member) error {
	cp := *m
	if err := validateMember(&cp); err != nil {
		return err
	}
	d.mu.Lock()
	d.members[cp.ID] = &cp
	d.mu.Unlock()
	return nil
}

func (d *FileDirectory) Remove(memberID string) {
	d.mu.Lock()
	delete(d.members, memberID)
	d.mu.Unlock()
}

func (d *FileDirectory) Member(_ context.Context, memberID string) (*Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.members[memberID]
	if !ok {
		return nil, errors.Wrapf(models.ErrNotFound, "member %s", memberID)
	}
	cp := *m
	return &cp, nil
}

// Members lists the members of an organization ordered by id. An empty
// organization id lists everyone.
func (d *FileDirectory) Members(_ context.Context, organizationID string) ([]*Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sortedLocked(organizationID), nil
}

func (d *FileDirectory) sortedLocked(organizationID string) []*Member {
	out := make([]*Member, 0, len(d.members))
	for _, m := range d.members {
		if organizationID != "" && m.OrganizationID != organizationID {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
