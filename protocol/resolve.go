package protocol

import (
	"strings"

	"github.com/opencrate/registry"
	"github.com/opencrate/registry/reference"
	"github.com/opencrate/registry/repoengine"
)

// resolveRepository finds the Repository backing a request path; it never
// creates one, and an unknown name yields ErrRepositoryUnknown. A Distribution
// bound to basePath == name takes precedence, pinning a specific version
// when Distribution.PinnedVersion is set; absent a
// Distribution, name is taken directly as the Repository's full name, the
// common case for a repository pushed to without ever registering a
// separate publishing endpoint.
func resolveRepository(app *App, name string) (*registry.Repository, *repoengine.Version, error) {
	if !reference.NameRegexp.MatchString(name) {
		return nil, nil, registry.ErrNameInvalid
	}

	repoID := name
	var pinned *uint64
	if dist, ok := app.Store.GetDistribution(name); ok {
		repoID = dist.RepositoryID
		pinned = dist.PinnedVersion
	}

	repo, ok := app.Store.GetRepository(repoID)
	if !ok {
		return nil, nil, registry.ErrRepositoryUnknown
	}

	if pinned != nil {
		v, ok := app.Engine.Version(repo.ID, *pinned)
		if !ok {
			return nil, nil, registry.ErrRepositoryUnknown
		}
		return repo, v, nil
	}
	return repo, app.Engine.Latest(repo.ID), nil
}

// isDigestReference reports whether ref looks like a content digest
// (algo:hex) rather than a tag name.
func isDigestReference(ref string) bool {
	return strings.Contains(ref, ":")
}
