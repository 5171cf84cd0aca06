package tokenauth

import (
	"strings"
	"sync"

	"github.com/opencrate/registry"
)

// PermissionSource evaluates what actions a user holds over a scope's
// resource, at token-issuance time. Its concrete backing store is the
// external admin API's database; this module ships an in-memory
// implementation behind the same interface, good enough to drive the
// protocol handlers and test suite.
type PermissionSource interface {
	// Actions returns the subset of {pull, push, *} that user holds over a
	// repository path scope, given the path's owning namespace role and any
	// Distribution.Private flag.
	Actions(user string, scopeType, resource string) []string
}

// InMemoryPermissions is the minimal PermissionSource this module ships: a
// namespace-role table plus per-distribution private overrides.
type InMemoryPermissions struct {
	mu sync.RWMutex
	// namespaceRoles[namespace][user] = role
	namespaceRoles map[string]map[string]registry.NamespaceRole
	// privateGrants[basePath][user] = true means explicit per-
	// distribution pull/view permission has been granted.
	privateGrants map[string]map[string]bool
	privatePaths  map[string]bool
}

func NewInMemoryPermissions() *InMemoryPermissions {
	return &InMemoryPermissions{
		namespaceRoles: make(map[string]map[string]registry.NamespaceRole),
		privateGrants:  make(map[string]map[string]bool),
		privatePaths:   make(map[string]bool),
	}
}

func (p *InMemoryPermissions) SetRole(namespace, user string, role registry.NamespaceRole) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.namespaceRoles[namespace]
	if !ok {
		m = make(map[string]registry.NamespaceRole)
		p.namespaceRoles[namespace] = m
	}
	m[user] = role
}

func (p *InMemoryPermissions) MarkPrivate(basePath string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.privatePaths[basePath] = true
}

func (p *InMemoryPermissions) GrantPrivateView(basePath, user string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.privateGrants[basePath]
	if !ok {
		m = make(map[string]bool)
		p.privateGrants[basePath] = m
	}
	m[user] = true
}

// namespaceOf extracts "ns" from an "ns/name" repository path.
func namespaceOf(resource string) string {
	if i := strings.IndexByte(resource, '/'); i >= 0 {
		return resource[:i]
	}
	return resource
}

func (p *InMemoryPermissions) Actions(user, scopeType, resource string) []string {
	if scopeType == "registry" && resource == "catalog" {
		// Catalog scope: any non-anonymous user gets the catalog scope
		// itself; per-repository filtering happens in the handler, which
		// lists only names the token also carries pull for.
		if user == "" {
			return nil
		}
		return []string{"*"}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	ns := namespaceOf(resource)

	if p.privatePaths[resource] {
		if user == "" || !p.privateGrants[resource][user] {
			return nil
		}
	}

	if user != "" && user == ns {
		// A user may always act on a namespace equal to their own
		// username, even before any role row exists.
		return []string{"pull", "push", "*"}
	}

	role, ok := p.namespaceRoles[ns][user]
	if !ok {
		// Public, unowned-by-this-user namespace, or a private path this
		// user holds a view grant for (checked above): pull only.
		// Pull-through caches rely on this for already-cached content.
		return []string{"pull"}
	}

	switch role {
	case registry.RoleOwner:
		return []string{"pull", "push", "*"}
	case registry.RoleCollaborator:
		return []string{"pull", "push"}
	case registry.RoleConsumer:
		return []string{"pull"}
	default:
		return nil
	}
}
