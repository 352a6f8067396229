package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gowthamrao/neo-umls-syncer/internal/umls/pipeline"
)

var initMetaVersion string

var initMetaCmd = &cobra.Command{
	Use:   "init-meta",
	Short: "Stamp a bulk-imported graph with its release version",
	Long: `Creates the uniqueness constraints and writes the UmlsMeta singleton that
incremental-sync checks before applying a release. Run it once after
neo4j-admin import, with the version that was imported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newRuntimeEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.stop()

		graph, err := env.openGraph(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = graph.Close(context.Background()) }()

		if err := pipeline.InitMeta(cmd.Context(), pipeline.InitMetaDeps{
			Log:   env.log,
			Graph: graph,
		}, pipeline.InitMetaInput{Version: initMetaVersion}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Graph stamped at %s.\n", initMetaVersion)
		return nil
	},
}

func init() {
	initMetaCmd.Flags().StringVar(&initMetaVersion, "version", "", "release version the graph currently holds, e.g. 2025AA (required)")
	_ = initMetaCmd.MarkFlagRequired("version")
	rootCmd.AddCommand(initMetaCmd)
}
