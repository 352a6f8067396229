package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	types "github.com/gowthamrao/neo-umls-syncer/internal/domain"
	"github.com/gowthamrao/neo-umls-syncer/internal/platform/logger"
	"github.com/gowthamrao/neo-umls-syncer/internal/umls/biolink"
	"github.com/gowthamrao/neo-umls-syncer/internal/umls/bulk"
	"github.com/gowthamrao/neo-umls-syncer/internal/umls/rrf"
)

type FullImportDeps struct {
	Log     *logger.Logger
	Parser  *rrf.Parser
	Biolink *biolink.Map
	// Fetcher may be nil when Input.InputDir points at local release files.
	Fetcher ReleaseFetcher
}

type FullImportInput struct {
	Version     string
	InputDir    string
	ImportDir   string
	Database    string
	SABPriority []string
}

type FullImportOutput struct {
	RunID     uuid.UUID
	MetaDir   string
	Files     []types.FileStats
	Transform types.TransformStats
	CSVFiles  []string
	Command   string
}

// FullImport turns a release into neo4j-admin import CSVs. It never touches
// the database; the returned command is printed for the operator to run
// against a stopped instance.
func FullImport(ctx context.Context, deps FullImportDeps, in FullImportInput) (FullImportOutput, error) {
	out := FullImportOutput{}
	if deps.Log == nil || deps.Parser == nil || deps.Biolink == nil {
		return out, fmt.Errorf("pipeline: missing deps")
	}
	if strings.TrimSpace(in.Version) == "" {
		return out, fmt.Errorf("pipeline: version required")
	}
	out.RunID = uuid.New()
	log := deps.Log.With("component", "FullImport", "version", in.Version, "run_id", out.RunID.String())
	log.Info("starting full import")

	metaDir, err := resolveMetaDir(ctx, log, deps.Fetcher, in.InputDir, in.Version)
	if err != nil {
		return out, err
	}
	out.MetaDir = metaDir

	files, err := parseRelease(ctx, deps.Parser, metaDir, false)
	if err != nil {
		return out, err
	}
	out.Files = files.stats

	agg, err := buildSnapshot(ctx, deps.Log, deps.Biolink, files, in.SABPriority)
	if err != nil {
		return out, err
	}
	out.Transform = agg.Stats

	written, err := writeBulk(ctx, deps.Log, agg.Snapshot, in)
	if err != nil {
		return out, err
	}
	out.CSVFiles = written.Files
	out.Command = written.Command

	log.Info("full import ready",
		"concepts", agg.Stats.Concepts,
		"codes", agg.Stats.Codes,
		"code_links", agg.Stats.CodeLinks,
		"edges", agg.Stats.Edges,
		"import_dir", in.ImportDir,
	)
	return out, nil
}

func writeBulk(ctx context.Context, log *logger.Logger, snap types.Snapshot, in FullImportInput) (_ bulk.Output, err error) {
	ctx, span := startSpan(ctx, "umls.bulk_write", attribute.String("umls.import_dir", in.ImportDir))
	defer func() { endSpan(span, err) }()
	return bulk.Write(ctx, bulk.Deps{Log: log}, bulk.Input{
		Snapshot:  snap,
		Version:   in.Version,
		ImportDir: in.ImportDir,
		Database:  in.Database,
	})
}
