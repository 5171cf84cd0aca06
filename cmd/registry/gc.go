package main

import (
	"context"
	"fmt"
	"os"

	digest "github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"github.com/opencrate/registry"
)

var gcDryRun bool

// GCCmd is the cobra command that corresponds to the gc subcommand: it
// marks every blob and manifest reachable from the latest version of every
// repository, then reclaims everything else from the content graph.
var GCCmd = &cobra.Command{
	Use:   "gc <config>",
	Short: "gc deletes content unreferenced by any repository's latest version",
	Long:  "gc deletes content unreferenced by any repository's latest version",
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

		keepBlobs := make(map[digest.Digest]struct{})
		keepManifests := make(map[digest.Digest]struct{})

		for _, repoID := range core.store.ListRepositories() {
			version := core.engine.Latest(repoID)
			if version == nil {
				continue
			}
			for _, key := range version.Entries() {
				d, err := digest.Parse(key.ContentID)
				if err != nil {
					// Tag entries carry a tag name, not a digest; they mark
					// nothing directly since their bound manifest digest is
					// already present as its own ContentTypeManifest entry.
					continue
				}
				switch key.Type {
				case registry.ContentTypeBlob:
					keepBlobs[d] = struct{}{}
				case registry.ContentTypeManifest:
					keepManifests[d] = struct{}{}
				}
			}
		}

		result, err := core.graph.Reclaim(context.Background(), keepBlobs, keepManifests, gcDryRun)
		if err != nil {
			fatalf("gc: %v", err)
		}

		verb := "removed"
		if gcDryRun {
			verb = "would remove"
		}
		fmt.Printf("gc: %s %d blob(s), %d manifest(s), %d signature(s)\n", verb, len(result.Blobs), len(result.Manifests), len(result.Signatures))
	},
}
