package auth

import (
	"fmt"
	"slices"

	"gateflow/internal/domain"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	Required   []string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Level is the workflow authorization tier of a participant.
type Level int

const (
	LevelNone Level = iota
	LevelUser
	LevelManager
	LevelAdmin
)

func (l Level) String() string {
	switch l {
	case LevelUser:
		return "user"
	case LevelManager:
		return "manager"
	case LevelAdmin:
		return "admin"
	default:
		return "none"
	}
}

// Permissions checked by the engine and dispatch layer.
const (
	PermStart          = "workflow.start"
	PermParticipate    = "workflow.participate"
	PermVerify         = "workflow.verify"
	PermManageChannels = "channels.manage"
	PermManageThreads  = "threads.manage"
	PermSetupRoles     = "roles.setup"
)

// Tiers lists the role names that grant each level.
type Tiers struct {
	Admin         []string
	Manager       []string
	User          []string
	AnyRoleIsUser bool
}

// Merge returns a copy of t with extra names appended to each tier.
func (t Tiers) Merge(extra Tiers) Tiers {
	out := Tiers{AnyRoleIsUser: t.AnyRoleIsUser || extra.AnyRoleIsUser}
	out.Admin = union(t.Admin, extra.Admin)
	out.Manager = union(t.Manager, extra.Manager)
	out.User = union(t.User, extra.User)
	return out
}

func union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	for _, v := range b {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// Evaluator answers authorization questions from a participant snapshot.
// It holds no state beyond the tier lists and never caches participants.
type Evaluator struct {
	Tiers Tiers
}

func hasAny(p domain.Participant, names []string) bool {
	for _, r := range p.Roles {
		if slices.Contains(names, r.Name) {
			return true
		}
	}
	return false
}

func (e Evaluator) IsAdmin(p domain.Participant) bool {
	return p.Permissions.Administrator || hasAny(p, e.Tiers.Admin)
}

func (e Evaluator) IsManager(p domain.Participant) bool {
	return hasAny(p, e.Tiers.Manager)
}

func (e Evaluator) IsUser(p domain.Participant) bool {
	if hasAny(p, e.Tiers.User) {
		return true
	}
	return e.Tiers.AnyRoleIsUser && len(p.RoleNames()) > 0
}

// Level returns the highest tier p qualifies for.
func (e Evaluator) Level(p domain.Participant) Level {
	switch {
	case e.IsAdmin(p):
		return LevelAdmin
	case e.IsManager(p):
		return LevelManager
	case e.IsUser(p):
		return LevelUser
	}
	return LevelNone
}

func (e Evaluator) CanStartWorkflow(p domain.Participant) bool {
	return e.Level(p) >= LevelManager
}

func (e Evaluator) CanParticipate(p domain.Participant) bool {
	return e.Level(p) >= LevelUser
}

func (e Evaluator) CanVerify(p domain.Participant) bool {
	return e.Level(p) >= LevelManager
}

func (e Evaluator) CanManageChannels(p domain.Participant) bool {
	return p.Permissions.ManageChannels || e.Level(p) == LevelAdmin
}

func (e Evaluator) CanManageThreads(p domain.Participant) bool {
	return p.Permissions.ManageThreads || e.Level(p) >= LevelManager
}

// IsWorkflowRole reports whether role appears in any tier list.
func (e Evaluator) IsWorkflowRole(role domain.Role) bool {
	return slices.Contains(e.Tiers.Admin, role.Name) ||
		slices.Contains(e.Tiers.Manager, role.Name) ||
		slices.Contains(e.Tiers.User, role.Name)
}

// WorkflowRoles filters p's roles to those named in a tier list.
func (e Evaluator) WorkflowRoles(p domain.Participant) []domain.Role {
	var out []domain.Role
	for _, r := range p.Roles {
		if e.IsWorkflowRole(r) {
			out = append(out, r)
		}
	}
	return out
}

// CheckHierarchy reports whether p outranks target.
func (e Evaluator) CheckHierarchy(p domain.Participant, target domain.Role) bool {
	if p.Permissions.Administrator {
		return true
	}
	return p.TopPosition() > target.Position
}

// Allowed evaluates the predicate behind a permission name.
func (e Evaluator) Allowed(p domain.Participant, perm string) bool {
	switch perm {
	case PermStart:
		return e.CanStartWorkflow(p)
	case PermParticipate:
		return e.CanParticipate(p)
	case PermVerify:
		return e.CanVerify(p)
	case PermManageChannels:
		return e.CanManageChannels(p)
	case PermManageThreads:
		return e.CanManageThreads(p)
	case PermSetupRoles:
		return p.Permissions.Administrator
	}
	return false
}

// Require returns a ForbiddenError when p lacks perm.
func (e Evaluator) Require(p domain.Participant, perm string) error {
	if e.Allowed(p, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm, Required: e.RequiredRoles(perm)}
}

// RequiredRoles lists role names that would satisfy perm.
func (e Evaluator) RequiredRoles(perm string) []string {
	switch perm {
	case PermStart, PermVerify, PermManageThreads:
		return union(e.Tiers.Admin, e.Tiers.Manager)
	case PermParticipate:
		return union(union(e.Tiers.Admin, e.Tiers.Manager), e.Tiers.User)
	case PermManageChannels:
		return union(nil, e.Tiers.Admin)
	}
	return nil
}
