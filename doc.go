// Package registry defines the core domain shared by every subsystem of the
// opencrate registry: content descriptors, manifest variants, repositories
// and their versioned snapshots, namespaces, distributions and remotes.
//
// The goal is the same one docker/distribution states for its own root
// package: give every other package (contentgraph, repoengine, protocol,
// syncer, tokenauth) a single, stable vocabulary to describe content and
// its ownership, so that the wire protocol, the sync engine and the storage
// layer never need to agree on anything beyond a digest.
package registry
