// Package rbac decides access from an immutable role table.
package rbac

import (
	"strings"

	"github.com/ssdp-platform/trust/trust/internal/models"
)

// Wildcard grants every permission.
const Wildcard = "*"

// PermissionKind tags a parsed permission.
type PermissionKind int

const (
	KindExact PermissionKind = iota
	KindWildcard
)

// Permission is a parsed role permission: either the wildcard or an exact
// action on a resource type.
type Permission struct {
	Kind     PermissionKind
	Action   string
	Resource models.ResourceType
}

// ParsePermission parses "*" or "action:resource". The resource must be a
// known resource type.
func ParsePermission(s string) (Permission, error) {
	if s == Wildcard {
		return Permission{Kind: KindWildcard}, nil
	}
	action, resource, ok := strings.Cut(s, ":")
	if !ok {
		return Permission{}, models.NewValidationError("permission", "%q is not in action:resource form", s)
	}
	if err := validateAction(action); err != nil {
		return Permission{}, err
	}
	rt := models.ResourceType(resource)
	if !rt.Valid() {
		return Permission{}, models.NewValidationError("permission", "unknown resource type %q in %q", resource, s)
	}
	return Permission{Kind: KindExact, Action: action, Resource: rt}, nil
}

func (p Permission) String() string {
	if p.Kind == KindWildcard {
		return Wildcard
	}
	return p.Action + ":" + string(p.Resource)
}

func validateAction(action string) error {
	if action == "" {
		return models.NewValidationError("action", "must not be empty")
	}
	if strings.ContainsAny(action, ": \t\n*") {
		return models.NewValidationError("action", "%q contains reserved characters", action)
	}
	return nil
}
