package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gowthamrao/neo-umls-syncer/internal/app"
	"github.com/gowthamrao/neo-umls-syncer/internal/observability"
	"github.com/gowthamrao/neo-umls-syncer/internal/platform/logger"
	"github.com/gowthamrao/neo-umls-syncer/internal/platform/neo4jdb"
	"github.com/gowthamrao/neo-umls-syncer/internal/umls/biolink"
	"github.com/gowthamrao/neo-umls-syncer/internal/umls/download"
	"github.com/gowthamrao/neo-umls-syncer/internal/umls/pipeline"
	"github.com/gowthamrao/neo-umls-syncer/internal/umls/rrf"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "neo-umls-syncer",
	Short: "UMLS to Neo4j bulk import and incremental sync",
	Long: `neo-umls-syncer maintains a UMLS concept graph in Neo4j.

full-import turns a release into neo4j-admin import CSVs for the initial
load, incremental-sync applies later releases to the live graph, and
init-meta stamps a freshly imported graph so syncs know their starting
version. Configuration comes from PYNEOUMLSSYNCER_* environment variables
or a .env file in the working directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runtimeEnv is the bootstrap every subcommand shares: config, logger,
// tracing, and the mapping table. Graph and downloader clients are opened
// per command since not every command needs them.
type runtimeEnv struct {
	cfg     app.Config
	log     *logger.Logger
	biolink *biolink.Map
	stop    func()
}

func newRuntimeEnv(ctx context.Context) (*runtimeEnv, error) {
	cfg, err := app.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	shutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "neo-umls-syncer",
		Version:     version,
	})

	bm, err := biolink.Load(log)
	if err != nil {
		return nil, err
	}

	env := &runtimeEnv{cfg: cfg, log: log, biolink: bm}
	env.stop = func() {
		if shutdown != nil {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(flushCtx)
		}
		log.Sync()
	}
	return env, nil
}

// newParser builds the RRF parser from the current config, so flags that
// mutate cfg (like --sab-filter) take effect.
func (e *runtimeEnv) newParser() *rrf.Parser {
	workers := e.cfg.MaxParallelProcesses
	if n := runtime.NumCPU(); n < workers {
		workers = n
	}
	return rrf.NewParser(e.log, rrf.Options{
		Workers:        workers,
		MalformedLimit: e.cfg.MalformedRowLimit,
		SABFilter:      e.cfg.SABFilter,
		Suppression:    e.cfg.SuppressionHandling,
	})
}

// newFetcher returns a UTS downloader, or nil when a local input dir makes
// downloading unnecessary.
func (e *runtimeEnv) newFetcher(inputDir string) (pipeline.ReleaseFetcher, error) {
	if strings.TrimSpace(inputDir) != "" {
		return nil, nil
	}
	if err := e.cfg.RequireDownload(); err != nil {
		return nil, err
	}
	return download.New(e.log, download.Config{
		APIKey:      e.cfg.UMLSAPIKey,
		DownloadDir: e.cfg.DownloadDir,
	})
}

// openGraph connects to Neo4j and fails fast when the server or its APOC
// plugin is unreachable.
func (e *runtimeEnv) openGraph(ctx context.Context) (*neo4jdb.Client, error) {
	if err := e.cfg.RequireGraph(); err != nil {
		return nil, err
	}
	client, err := neo4jdb.New(e.log, neo4jdb.Config{
		URI:        e.cfg.Neo4jURI,
		User:       e.cfg.Neo4jUser,
		Password:   e.cfg.Neo4jPassword,
		Database:   e.cfg.Neo4jDatabase,
		TxTimeout:  e.cfg.Neo4jTxTimeout,
		MaxRetries: e.cfg.Neo4jMaxRetries,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx); err != nil {
		_ = client.Close(ctx)
		return nil, err
	}
	return client, nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
