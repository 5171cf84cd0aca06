package main

import (
	"context"
	"fmt"
	"os"

	digest "github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"github.com/opencrate/registry"
)

var migrateDryRun bool

// MigrateVersionCmd re-stamps every repository's latest RepositoryVersion
// as a newly committed version, after verifying that every manifest and
// blob it references is still present in ContentGraph. It is the
// maintenance path an operator runs after a storage layout or version
// numbering change, to bring every repository's version history onto the
// current baseline without altering its visible content.
var MigrateVersionCmd = &cobra.Command{
	Use:   "migrate-version <config>",
	Short: "migrate-version re-commits every repository onto the current version baseline",
	Long:  "migrate-version re-commits every repository onto the current version baseline",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			// nolint:errcheck
			cmd.Usage()
			os.Exit(1)
		}
		configureLogging(config)

		core, err := buildCore(config)
		if err != nil {
			fatalf("error building registry: %v", err)
		}

		ctx := context.Background()
		migrated, failed := 0, 0

		for _, repoID := range core.store.ListRepositories() {
			version := core.engine.Latest(repoID)
			if version == nil {
				continue
			}

			if err := verifyVersionContent(core, version); err != nil {
				fmt.Fprintf(os.Stderr, "migrate-version: %s: %v\n", repoID, err)
				failed++
				continue
			}

			if migrateDryRun {
				migrated++
				continue
			}

			nv, err := core.engine.RecursiveAdd(ctx, version, nil, nil)
			if err != nil {
				fmt.Fprintf(os.Stderr, "migrate-version: %s: %v\n", repoID, err)
				failed++
				continue
			}
			if err := core.store.AdvanceLatest(repoID, nv.Number); err != nil {
				fmt.Fprintf(os.Stderr, "migrate-version: %s: %v\n", repoID, err)
				failed++
				continue
			}
			migrated++
		}

		verb := "migrated"
		if migrateDryRun {
			verb = "verified"
		}
		fmt.Printf("migrate-version: %s %d repositories, %d failed\n", verb, migrated, failed)
		if failed > 0 {
			os.Exit(1)
		}
	},
}

// verifyVersionContent checks that every manifest and blob version claims
// to retain is still resolvable in graph, catching corruption before it is
// carried forward onto a newly committed version.
func verifyVersionContent(core *registryCore, version interface {
	Entries() []registry.ContentKey
}) error {
	for _, key := range version.Entries() {
		d, err := digest.Parse(key.ContentID)
		if err != nil {
			continue
		}
		switch key.Type {
		case registry.ContentTypeManifest:
			if _, err := core.graph.GetManifest(d); err != nil {
				return fmt.Errorf("manifest %s: %w", d, err)
			}
		case registry.ContentTypeBlob:
			if !core.graph.HasBlob(d) {
				return fmt.Errorf("blob %s missing", d)
			}
		}
	}
	return nil
}
