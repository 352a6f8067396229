package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gowthamrao/neo-umls-syncer/internal/umls/pipeline"
)

var (
	fullImportVersion   string
	fullImportInputDir  string
	fullImportOutputDir string
	fullImportSABFilter string
)

var fullImportCmd = &cobra.Command{
	Use:   "full-import",
	Short: "Build neo4j-admin import CSVs from a UMLS release",
	Long: `Parses a UMLS release (downloaded from UTS, or read from --input-dir),
aggregates the concept snapshot, and writes importer CSVs plus the
neo4j-admin command that loads them. The database itself is never touched;
run the printed command against a stopped instance.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newRuntimeEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.stop()

		if cmd.Flags().Changed("sab-filter") {
			env.cfg.SABFilter = splitCSV(fullImportSABFilter)
		}
		fetcher, err := env.newFetcher(fullImportInputDir)
		if err != nil {
			return err
		}
		importDir := fullImportOutputDir
		if importDir == "" {
			importDir = env.cfg.Neo4jImportDir
		}

		out, err := pipeline.FullImport(cmd.Context(), pipeline.FullImportDeps{
			Log:     env.log,
			Parser:  env.newParser(),
			Biolink: env.biolink,
			Fetcher: fetcher,
		}, pipeline.FullImportInput{
			Version:     fullImportVersion,
			InputDir:    fullImportInputDir,
			ImportDir:   importDir,
			Database:    env.cfg.Neo4jDatabase,
			SABPriority: env.cfg.SABPriority,
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "CSV files written to %s.\n", importDir)
		fmt.Fprintln(cmd.OutOrStdout(), "Run the import from that directory with the database stopped:")
		fmt.Fprintln(cmd.OutOrStdout())
		fmt.Fprintln(cmd.OutOrStdout(), out.Command)
		return nil
	},
}

func init() {
	fullImportCmd.Flags().StringVar(&fullImportVersion, "version", "", "UMLS release version, e.g. 2025AA (required)")
	fullImportCmd.Flags().StringVar(&fullImportInputDir, "input-dir", "", "local META directory; skips the UTS download")
	fullImportCmd.Flags().StringVar(&fullImportOutputDir, "output-dir", "", "CSV output directory (defaults to the configured Neo4j import dir)")
	fullImportCmd.Flags().StringVar(&fullImportSABFilter, "sab-filter", "", "comma-separated SAB allowlist; empty keeps every vocabulary")
	_ = fullImportCmd.MarkFlagRequired("version")
	rootCmd.AddCommand(fullImportCmd)
}
