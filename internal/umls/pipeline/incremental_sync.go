package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	types "github.com/gowthamrao/neo-umls-syncer/internal/domain"
	"github.com/gowthamrao/neo-umls-syncer/internal/platform/logger"
	"github.com/gowthamrao/neo-umls-syncer/internal/umls/biolink"
	"github.com/gowthamrao/neo-umls-syncer/internal/umls/delta"
	"github.com/gowthamrao/neo-umls-syncer/internal/umls/rrf"
)

type SyncDeps struct {
	Log     *logger.Logger
	Parser  *rrf.Parser
	Biolink *biolink.Map
	Graph   delta.GraphOps
	// Fetcher may be nil when Input.InputDir points at local release files.
	Fetcher ReleaseFetcher
}

type SyncInput struct {
	Version     string
	InputDir    string
	SABPriority []string
	BatchSize   int
	Reapply     bool
}

// IncrementalSync applies one release to the live graph. The report is
// returned alongside any error so callers can surface partial progress.
func IncrementalSync(ctx context.Context, deps SyncDeps, in SyncInput) (types.SyncReport, error) {
	report := types.SyncReport{
		RunID:     uuid.New(),
		Version:   in.Version,
		StartedAt: time.Now().UTC(),
	}
	if deps.Log == nil || deps.Parser == nil || deps.Biolink == nil || deps.Graph == nil {
		return report, fmt.Errorf("pipeline: missing deps")
	}
	if strings.TrimSpace(in.Version) == "" {
		return report, fmt.Errorf("pipeline: version required")
	}
	log := deps.Log.With("component", "IncrementalSync", "version", in.Version, "run_id", report.RunID.String())
	log.Info("starting incremental sync", "reapply", in.Reapply)

	metaDir, err := resolveMetaDir(ctx, log, deps.Fetcher, in.InputDir, in.Version)
	if err != nil {
		return report, err
	}

	files, err := parseRelease(ctx, deps.Parser, metaDir, true)
	if err != nil {
		return report, err
	}
	report.Files = files.stats

	agg, err := buildSnapshot(ctx, deps.Log, deps.Biolink, files, in.SABPriority)
	if err != nil {
		return report, err
	}
	report.Transform = agg.Stats

	strategy, err := delta.New(deps.Log, deps.Graph, delta.Options{
		Version:   in.Version,
		BatchSize: in.BatchSize,
		Reapply:   in.Reapply,
	})
	if err != nil {
		return report, err
	}

	err = runDelta(ctx, strategy, agg.Snapshot, files.changes, &report)
	report.FinishedAt = time.Now().UTC()
	if err != nil {
		return report, err
	}

	logReport(log, &report)
	return report, nil
}

func runDelta(ctx context.Context, strategy *delta.Strategy, snap types.Snapshot, changes types.ChangeSet, report *types.SyncReport) (err error) {
	ctx, span := startSpan(ctx, "umls.delta",
		attribute.String("umls.version", report.Version),
		attribute.String("umls.run_id", report.RunID.String()),
	)
	defer func() { endSpan(span, err) }()
	return strategy.Run(ctx, snap, changes, report)
}

func logReport(log *logger.Logger, r *types.SyncReport) {
	fields := []any{
		"previous_version", r.PreviousVersion,
		"duration", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
		"concepts_deleted", r.ConceptsDeleted,
		"merges_applied", r.MergesApplied,
		"merges_skipped", r.MergesSkipped,
		"concepts_upserted", r.ConceptsUpserted,
		"codes_upserted", r.CodesUpserted,
		"links_upserted", r.LinksUpserted,
		"edges_upserted", r.EdgesUpserted,
		"edges_swept", r.EdgesSwept,
		"codes_swept", r.CodesSwept,
		"links_reassigned", r.LinksReassigned,
		"phases", phaseSummary(r.Phases),
	}
	if r.HasFailures() {
		fields = append(fields, "failed_batches", r.FailedBatches)
		log.Warn("sync finished with failed batches", fields...)
		return
	}
	log.Info("sync complete", fields...)
}

func phaseSummary(phases []types.PhaseTiming) string {
	parts := make([]string, 0, len(phases))
	for _, p := range phases {
		parts = append(parts, fmt.Sprintf("%s=%s", p.Phase, p.Duration.Round(time.Millisecond)))
	}
	return strings.Join(parts, " ")
}
