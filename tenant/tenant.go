// Package tenant provides the tenant context that scopes every storage operation.
//
// A [Context] is a capability token: storage contracts take it as their first
// argument, so no operation is constructible without one. Contexts are created
// by the authentication/authorization layer and passed by value through every
// call. They are immutable and safe for concurrent use.
//
// Tenant identifiers may be hierarchical, separated by '/':
//
//	org
//	org/facility
//
// A parent tenant contains its sub-tenants for the purpose of shared-resource
// visibility checks.
//
// The reserved system tenant (empty identifier) owns resources shared across
// tenants, such as terminology and conformance definitions. It is obtained via
// [System], never via [New].
package tenant

import (
	"fmt"
	"strings"
)

// Permission is a coarse-grained right carried by a tenant context.
type Permission string

const (
	PermissionRead   Permission = "read"
	PermissionWrite  Permission = "write"
	PermissionDelete Permission = "delete"
	PermissionSearch Permission = "search"
)

// AllPermissions contains every defined permission.
var AllPermissions = []Permission{PermissionRead, PermissionWrite, PermissionDelete, PermissionSearch}

// Context identifies the tenant an operation executes for.
//
// The zero value is not a valid context; operations receiving one must fail
// validation. Use [New] or [System].
type Context struct {
	id          string
	permissions map[Permission]struct{}
	shared      bool
	valid       bool
}

// New creates a context for the given tenant identifier.
//
// This constructor is reserved for the authentication/authorization
// collaborator; backend and router code never creates contexts itself.
// The identifier may be hierarchical ("org/facility"). An empty identifier is
// rejected, the system tenant is only available through [System].
func New(id string, permissions ...Permission) (Context, error) {
	if id == "" {
		return Context{}, fmt.Errorf("tenant: empty tenant identifier")
	}
	for _, segment := range strings.Split(id, "/") {
		if segment == "" {
			return Context{}, fmt.Errorf("tenant: malformed tenant identifier %q", id)
		}
	}
	return Context{id: id, permissions: permissionSet(permissions), valid: true}, nil
}

// WithSharedAccess returns a copy of the context that may read resources owned
// by the system tenant in addition to its own.
func (c Context) WithSharedAccess() Context {
	c.shared = true
	return c
}

// System returns the reserved system tenant context.
//
// The system tenant owns resources shared across tenants (terminology,
// conformance definitions). It carries all permissions.
func System() Context {
	return Context{id: "", permissions: permissionSet(AllPermissions), shared: true, valid: true}
}

// ID returns the tenant identifier. Empty for the system tenant.
func (c Context) ID() string {
	return c.id
}

// IsSystem reports whether this is the reserved system tenant.
func (c Context) IsSystem() bool {
	return c.valid && c.id == ""
}

// IsValid reports whether the context was produced by [New] or [System].
func (c Context) IsValid() bool {
	return c.valid
}

// Allows reports whether the context carries the given permission.
func (c Context) Allows(p Permission) bool {
	if !c.valid {
		return false
	}
	_, ok := c.permissions[p]
	return ok
}

// SharedAccess reports whether the context may read system-tenant resources.
func (c Context) SharedAccess() bool {
	return c.shared || c.IsSystem()
}

// Contains reports whether the other tenant is this tenant or one of its
// sub-tenants in the hierarchical identifier scheme.
func (c Context) Contains(other Context) bool {
	if !c.valid || !other.valid {
		return false
	}
	if c.id == other.id {
		return true
	}
	return strings.HasPrefix(other.id, c.id+"/")
}

// Owns reports whether a resource stored under ownerID is visible to this
// context: the context's own resources always are, system-tenant resources
// are when shared access is granted.
func (c Context) Owns(ownerID string) bool {
	if !c.valid {
		return false
	}
	if ownerID == c.id {
		return true
	}
	return ownerID == "" && c.SharedAccess()
}

func (c Context) String() string {
	if c.IsSystem() {
		return "tenant(system)"
	}
	return fmt.Sprintf("tenant(%s)", c.id)
}

func permissionSet(permissions []Permission) map[Permission]struct{} {
	set := make(map[Permission]struct{}, len(permissions))
	for _, p := range permissions {
		set[p] = struct{}{}
	}
	return set
}
