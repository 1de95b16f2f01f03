package rbac

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/ssdp-platform/trust/trust/internal/models"
)

// RoleDefinition is the declarative form of a role, as read from a roles
// file.
type RoleDefinition struct {
	Permissions []string `yaml:"permissions"`
	SelfService bool     `yaml:"self_service"`
}

type roleEntry struct {
	wildcard    bool
	exact       map[string]struct{}
	raw         []string
	selfService bool
}

// RoleTable maps roles to parsed permission sets. It is built once and never
// mutated, so lookups need no locking.
type RoleTable struct {
	roles map[models.Role]*roleEntry
}

// NewRoleTable parses every permission up front and rejects malformed ones.
func NewRoleTable(defs map[models.Role]RoleDefinition) (*RoleTable, error) {
	t := &RoleTable{roles: make(map[models.Role]*roleEntry, len(defs))}
	for role, def := range defs {
		if role == "" {
			return nil, models.NewValidationError("role", "must not be empty")
		}
		entry := &roleEntry{
			exact:       make(map[string]struct{}, len(def.Permissions)),
			selfService: def.SelfService,
		}
		for _, raw := range def.Permissions {
			p, err := ParsePermission(raw)
			if err != nil {
				return nil, fmt.Errorf("role %s: %w", role, err)
			}
			if p.Kind == KindWildcard {
				entry.wildcard = true
			} else {
				entry.exact[p.String()] = struct{}{}
			}
			if !slices.Contains(entry.raw, p.String()) {
				entry.raw = append(entry.raw, p.String())
			}
		}
		slices.Sort(entry.raw)
		t.roles[role] = entry
	}
	return t, nil
}

// DefaultRoleTable returns the platform's built-in roles.
func DefaultRoleTable() *RoleTable {
	t, err := NewRoleTable(defaultRoles())
	if err != nil {
		panic(fmt.Sprintf("rbac: built-in role table is invalid: %v", err))
	}
	return t
}

func defaultRoles() map[models.Role]RoleDefinition {
	return map[models.Role]RoleDefinition{
		models.RoleSuperAdmin: {Permissions: []string{Wildcard}},
		models.RoleRegionalManager: {Permissions: []string{
			"read:outlet", "read:order", "read:sales_rep", "read:driver", "read:vehicle",
			"read:report", "read:invoice", "create:sales_rep", "update:sales_rep",
			"create:route", "update:route", "approve:order", "read:financial",
		}},
		models.RoleSalesRep: {Permissions: []string{
			"read:outlet", "read:product", "create:order", "read:order", "update:order",
			"read:route", "create:outlet", "read:sales_rep",
		}},
		models.RoleDriver: {Permissions: []string{
			"read:route", "read:order", "update:order", "read:vehicle", "read:outlet",
		}},
		models.RoleFinanceOfficer: {Permissions: []string{
			"read:invoice", "create:invoice", "update:invoice", "read:payment", "create:payment",
			"read:order", "read:outlet", "read:financial", "export:financial", "read:report",
		}},
		models.RoleOutletOwner: {
			Permissions: []string{
				"read:outlet", "read:order", "create:order", "read:invoice", "read:payment", "read:product",
			},
			SelfService: true,
		},
	}
}

type roleFile struct {
	Roles map[models.Role]RoleDefinition `yaml:"roles"`
}

// LoadRoleTable reads a YAML roles file of the form
//
//	roles:
//	  sales_rep:
//	    permissions: ["read:outlet", "create:order"]
//	  outlet_owner:
//	    permissions: ["read:order"]
//	    self_service: true
func LoadRoleTable(path string) (*RoleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roles file: %w", err)
	}
	var f roleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse roles file: %w", err)
	}
	if len(f.Roles) == 0 {
		return nil, models.NewValidationError("roles", "roles file %s defines no roles", path)
	}
	return NewRoleTable(f.Roles)
}

// Roles returns the known roles, sorted.
func (t *RoleTable) Roles() []models.Role {
	out := make([]models.Role, 0, len(t.roles))
	for r := range t.roles {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// Permissions returns the role's permission strings, sorted. Unknown roles
// yield nil.
func (t *RoleTable) Permissions(role models.Role) []string {
	e, ok := t.roles[role]
	if !ok {
		return nil
	}
	return slices.Clone(e.raw)
}

// IsSelfService reports whether grants for role also require ownership.
func (t *RoleTable) IsSelfService(role models.Role) bool {
	e, ok := t.roles[role]
	return ok && e.selfService
}

// Known reports whether role is in the table.
func (t *RoleTable) Known(role models.Role) bool {
	_, ok := t.roles[role]
	return ok
}

// match returns the kind of permission that grants perm to role.
func (t *RoleTable) match(role models.Role, perm string) (PermissionKind, bool) {
	e, ok := t.roles[role]
	if !ok {
		return 0, false
	}
	if e.wildcard {
		return KindWildcard, true
	}
	if _, ok := e.exact[perm]; ok {
		return KindExact, true
	}
	return 0, false
}
