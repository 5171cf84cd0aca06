package repoengine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/opencrate/registry"
)

// Store holds the mutable Namespace/Repository/Distribution/Remote
// records that a real deployment would keep in a relational database. It
// is an in-memory stand-in behind the shape a SQL-backed store would
// implement, sized to drive the protocol handlers and test suite.
type Store struct {
	mu            sync.RWMutex
	namespaces    map[string]*registry.Namespace
	repositories  map[string]*registry.Repository // key: "ns/name"
	distributions map[string]*registry.Distribution
	remotes       map[string]*registry.Remote
}

func NewStore() *Store {
	return &Store{
		namespaces:    make(map[string]*registry.Namespace),
		repositories:  make(map[string]*registry.Repository),
		distributions: make(map[string]*registry.Distribution),
		remotes:       make(map[string]*registry.Remote),
	}
}

// EnsureNamespace creates ns if absent; creation is either pre-authorized
// by the caller (model permission, checked by tokenauth before this is
// called) or implicit when ns equals the requesting user's username.
func (s *Store) EnsureNamespace(name string) *registry.Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespaces[name]
	if !ok {
		ns = &registry.Namespace{Name: name}
		s.namespaces[name] = ns
	}
	return ns
}

// EnsureRepository creates the named repository with the given type if
// absent, or returns the existing one. A repository that exists with a
// different type is a conflict.
func (s *Store) EnsureRepository(fullName string, typ registry.RepositoryType) (*registry.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.repositories[fullName]; ok {
		if r.Type != typ {
			return nil, registry.NewError(registry.KindConflict, "repository exists with incompatible type", map[string]string{"name": fullName, "existing_type": string(r.Type)})
		}
		return r, nil
	}
	r := &registry.Repository{ID: fullName, Name: fullName, Type: typ}
	s.repositories[fullName] = r
	return r, nil
}

func (s *Store) GetRepository(fullName string) (*registry.Repository, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.repositories[fullName]
	return r, ok
}

// AdvanceLatest sets repo.LatestVersion to n, enforcing the strictly
// monotone invariant; for push repositories, rollback (n < current) is
// rejected outright.
func (s *Store) AdvanceLatest(fullName string, n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repositories[fullName]
	if !ok {
		return registry.ErrRepositoryUnknown
	}
	if n <= r.LatestVersion && !(n == 0 && r.LatestVersion == 0) {
		if r.Type == registry.RepositoryTypePush {
			return registry.NewError(registry.KindConflict, "repository version rollback is not permitted", map[string]string{"name": fullName})
		}
	}
	r.LatestVersion = n
	return nil
}

func (s *Store) PutDistribution(d *registry.Distribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.distributions[d.BasePath]; ok && existing.RepositoryID != d.RepositoryID {
		return registry.NewError(registry.KindConflict, "base_path already bound to a different repository", map[string]string{"base_path": d.BasePath})
	}
	s.distributions[d.BasePath] = d
	return nil
}

func (s *Store) GetDistribution(basePath string) (*registry.Distribution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.distributions[basePath]
	return d, ok
}

func (s *Store) PutRemote(r *registry.Remote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remotes[r.Name] = r
}

func (s *Store) GetRemote(name string) (*registry.Remote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.remotes[name]
	return r, ok
}

// ReplacePullThroughRepository atomically swaps the repository backing a
// pull-through Distribution for a freshly synced one, so successive pulls
// of new tags replace the previous single-version repository.
func (s *Store) ReplacePullThroughRepository(basePath, newRepoFullName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.distributions[basePath]
	if !ok {
		return fmt.Errorf("repoengine: distribution %q not found", basePath)
	}
	d.RepositoryID = newRepoFullName
	return nil
}

// ListRepositories returns every repository full name, sorted, for catalog
// pagination upstream in protocol.
func (s *Store) ListRepositories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.repositories))
	for name := range s.repositories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
