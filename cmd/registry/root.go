package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opencrate/registry/protocol"
)

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(GCCmd)
	RootCmd.AddCommand(MigrateVersionCmd)
	GCCmd.Flags().BoolVarP(&gcDryRun, "dry-run", "d", false, "do everything except remove the blobs/manifests")
	MigrateVersionCmd.Flags().BoolVarP(&migrateDryRun, "dry-run", "d", false, "report what would migrate without advancing any version")
}

// RootCmd is the main command for the registry binary.
var RootCmd = &cobra.Command{
	Use:   "registry",
	Short: "registry runs and maintains a content-addressed OCI/Docker registry",
	Long:  "registry runs and maintains a content-addressed OCI/Docker registry",
	Run: func(cmd *cobra.Command, args []string) {
		// nolint:errcheck
		cmd.Usage()
	},
}

// ServeCmd is the cobra command that corresponds to the serve subcommand.
var ServeCmd = &cobra.Command{
	Use:   "serve <config>",
	Short: "serve stores and distributes OCI/Docker images",
	Long:  "serve stores and distributes OCI/Docker images",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			// nolint:errcheck
			cmd.Usage()
			os.Exit(1)
		}

		configureLogging(config)

		app, err := buildApp(config)
		if err != nil {
			fatalf("error building registry: %v", err)
		}

		handler := protocol.NewHandler(app, os.Stdout)

		if config.HTTP.Debug.Addr != "" {
			go debugServer(config.HTTP.Debug.Addr)
		}

		serve(config, handler)
	},
}
