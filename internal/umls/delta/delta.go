// Package delta applies one UMLS release to a live graph as a sequence of
// idempotent phases: explicit deletes, merges, snapshot upsert, stale sweep,
// and a single-transaction version commit. Re-running a failed sync for the
// same target version converges to the same state.
package delta

import (
	"context"
	"fmt"
	"strings"
	"time"

	types "github.com/gowthamrao/neo-umls-syncer/internal/domain"
	"github.com/gowthamrao/neo-umls-syncer/internal/platform/logger"
)

// Merges fan out to every edge of the retired concept, so they run in much
// smaller transactions than the row-shaped upserts.
const mergeBatchSize = 100

const (
	readVersionQuery = `MATCH (m:UmlsMeta {id: 'singleton'}) RETURN m.version AS version`
	finalizeQuery    = `MERGE (m:UmlsMeta {id: 'singleton'}) SET m.version = $version, m.synced_at = datetime()`

	deleteOuter = `UNWIND $cuis AS cui RETURN cui`
	deleteInner = `MATCH (c:Concept {cui: cui}) DETACH DELETE c`

	mergeOuter = `UNWIND $merges AS m RETURN m`
	// Re-points everything hanging off the retired concept before removing
	// it. Migrating an edge onto an existing one unions asserted_by_sabs and
	// keeps the newer last_seen_version; edges that would become self-loops
	// are dropped with the retired node.
	mergeInner = `MATCH (old:Concept {cui: m.old_cui})
MERGE (new:Concept {cui: m.new_cui})
ON CREATE SET new.last_seen_version = $version
WITH old, new
CALL {
  WITH old, new
  MATCH (old)-[:HAS_CODE]->(k:Code)
  MERGE (new)-[:HAS_CODE]->(k)
}
CALL {
  WITH old, new
  MATCH (old)-[r]->(t:Concept)
  WHERE type(r) <> 'HAS_CODE' AND t.cui <> new.cui
  CALL apoc.merge.relationship(new, type(r), {source_rela: r.source_rela},
    {asserted_by_sabs: r.asserted_by_sabs, last_seen_version: r.last_seen_version}, t) YIELD rel
  SET rel.asserted_by_sabs = apoc.coll.sort(apoc.coll.union(coalesce(rel.asserted_by_sabs, []), coalesce(r.asserted_by_sabs, []))),
      rel.last_seen_version = CASE WHEN coalesce(rel.last_seen_version, '') < coalesce(r.last_seen_version, '')
        THEN r.last_seen_version ELSE rel.last_seen_version END
  RETURN count(*) AS migrated_out
}
CALL {
  WITH old, new
  MATCH (src:Concept)-[r]->(old)
  WHERE type(r) <> 'HAS_CODE' AND src.cui <> new.cui
  CALL apoc.merge.relationship(src, type(r), {source_rela: r.source_rela},
    {asserted_by_sabs: r.asserted_by_sabs, last_seen_version: r.last_seen_version}, new) YIELD rel
  SET rel.asserted_by_sabs = apoc.coll.sort(apoc.coll.union(coalesce(rel.asserted_by_sabs, []), coalesce(r.asserted_by_sabs, []))),
      rel.last_seen_version = CASE WHEN coalesce(rel.last_seen_version, '') < coalesce(r.last_seen_version, '')
        THEN r.last_seen_version ELSE rel.last_seen_version END
  RETURN count(*) AS migrated_in
}
DETACH DELETE old`

	rowsOuter = `UNWIND $rows AS row RETURN row`

	// row.labels is the full replacement set (generic label first), so
	// categories dropped by the new release disappear instead of piling up.
	conceptUpsertInner = `MERGE (c:Concept {cui: row.cui})
SET c.preferred_name = row.preferred_name, c.last_seen_version = $version
WITH c, row
CALL apoc.create.setLabels(c, row.labels) YIELD node
RETURN count(*)`

	codeUpsertInner = `MERGE (k:Code {code_id: row.code_id})
SET k.sab = row.sab, k.code = row.code, k.name = row.name, k.last_seen_version = $version`

	linkUpsertInner = `MATCH (c:Concept {cui: row.cui})
MATCH (k:Code {code_id: row.code_id})
MERGE (c)-[:HAS_CODE]->(k)`

	edgeUpsertInner = `MATCH (s:Concept {cui: row.source_cui})
MATCH (t:Concept {cui: row.target_cui})
CALL apoc.merge.relationship(s, row.predicate, {source_rela: row.source_rela},
  {asserted_by_sabs: row.asserted_by_sabs, last_seen_version: $version}, t) YIELD rel
SET rel.last_seen_version = $version,
    rel.asserted_by_sabs = apoc.coll.sort(apoc.coll.union(coalesce(rel.asserted_by_sabs, []), row.asserted_by_sabs))`

	edgeSweepOuter = `MATCH (:Concept)-[r]->(:Concept)
WHERE type(r) <> 'HAS_CODE' AND (r.last_seen_version IS NULL OR r.last_seen_version <> $version)
RETURN r`
	edgeSweepInner = `DELETE r`

	codeSweepOuter = `MATCH (k:Code)
WHERE k.last_seen_version IS NULL OR k.last_seen_version <> $version
RETURN k`
	codeSweepInner = `DETACH DELETE k`

	// Merges can leave a code attached to both its old and new owner; the
	// snapshot says who owns it now.
	ownershipSweepOuter = `UNWIND $links AS link
MATCH (other:Concept)-[r:HAS_CODE]->(:Code {code_id: link.code_id})
WHERE other.cui <> link.cui
RETURN r`
	ownershipSweepInner = `DELETE r`
)

var schemaStatements = []string{
	`CREATE CONSTRAINT concept_cui IF NOT EXISTS FOR (c:Concept) REQUIRE c.cui IS UNIQUE`,
	`CREATE CONSTRAINT code_code_id IF NOT EXISTS FOR (k:Code) REQUIRE k.code_id IS UNIQUE`,
	`CREATE CONSTRAINT umls_meta_id IF NOT EXISTS FOR (m:UmlsMeta) REQUIRE m.id IS UNIQUE`,
}

// GraphOps is the slice of the graph client the engine needs. Tests drive the
// phases with a fake.
type GraphOps interface {
	ExecuteSingle(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
	ExecuteBatched(ctx context.Context, outer, inner string, params map[string]any, batchSize int) (types.BatchResult, error)
}

type Options struct {
	Version   string
	BatchSize int
	Reapply   bool
}

type Strategy struct {
	log   *logger.Logger
	graph GraphOps
	opts  Options
}

func New(log *logger.Logger, graph GraphOps, opts Options) (*Strategy, error) {
	if log == nil || graph == nil {
		return nil, fmt.Errorf("delta: missing deps")
	}
	if strings.TrimSpace(opts.Version) == "" {
		return nil, fmt.Errorf("delta: version required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10000
	}
	return &Strategy{
		log:   log.With("component", "DeltaStrategy"),
		graph: graph,
		opts:  opts,
	}, nil
}

// Run applies the release to the graph. Batch-level failures are accumulated
// in the report rather than aborting the run; transport errors and violated
// preconditions abort immediately.
func (s *Strategy) Run(ctx context.Context, snap types.Snapshot, changes types.ChangeSet, report *types.SyncReport) error {
	if report == nil {
		return fmt.Errorf("delta: report required")
	}

	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	prev, err := s.checkPrecondition(ctx)
	if err != nil {
		return err
	}
	report.PreviousVersion = prev
	s.log.Info("starting sync", "from", prev, "to", s.opts.Version,
		"deletes", len(changes.DeletedCUIs), "merges", len(changes.Merges))

	if err := s.timed(ctx, report, "delete", func(ctx context.Context) error {
		return s.phaseDeletes(ctx, changes.DeletedCUIs, report)
	}); err != nil {
		return err
	}
	if err := s.timed(ctx, report, "merge", func(ctx context.Context) error {
		return s.phaseMerges(ctx, changes.Merges, report)
	}); err != nil {
		return err
	}
	if err := s.timed(ctx, report, "upsert", func(ctx context.Context) error {
		return s.phaseUpsert(ctx, snap, report)
	}); err != nil {
		return err
	}
	if err := s.timed(ctx, report, "sweep", func(ctx context.Context) error {
		return s.phaseSweep(ctx, snap.Links, report)
	}); err != nil {
		return err
	}
	return s.timed(ctx, report, "finalize", func(ctx context.Context) error {
		return s.WriteMeta(ctx)
	})
}

// EnsureSchema creates the uniqueness constraints best-effort: the schema may
// already exist under different names, so failures only warn.
func (s *Strategy) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.graph.ExecuteSingle(ctx, stmt, nil); err != nil {
			s.log.Warn("constraint create failed, continuing", "statement", stmt, "error", err)
		}
	}
	return nil
}

// WriteMeta commits the version marker. For a sync this is the only visible
// commit point; init-meta uses it to stamp a freshly bulk-imported graph.
func (s *Strategy) WriteMeta(ctx context.Context) error {
	if _, err := s.graph.ExecuteSingle(ctx, finalizeQuery, map[string]any{"version": s.opts.Version}); err != nil {
		return fmt.Errorf("delta: write meta: %w", err)
	}
	s.log.Info("version committed", "version", s.opts.Version)
	return nil
}

func (s *Strategy) checkPrecondition(ctx context.Context) (string, error) {
	rows, err := s.graph.ExecuteSingle(ctx, readVersionQuery, nil)
	if err != nil {
		return "", fmt.Errorf("delta: read meta version: %w", err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("delta: no UmlsMeta node found; run init-meta (after a bulk import) before syncing")
	}
	prev, _ := rows[0]["version"].(string)
	// Release names sort lexicographically (2024AB < 2025AA).
	switch {
	case prev == s.opts.Version && !s.opts.Reapply:
		return "", fmt.Errorf("delta: graph is already at version %s (use --reapply to force)", prev)
	case prev > s.opts.Version:
		return "", fmt.Errorf("delta: graph version %s is newer than requested version %s", prev, s.opts.Version)
	}
	return prev, nil
}

func (s *Strategy) phaseDeletes(ctx context.Context, cuis []string, report *types.SyncReport) error {
	if len(cuis) == 0 {
		s.log.Info("no explicit deletes in this release")
		return nil
	}
	res, err := s.graph.ExecuteBatched(ctx, deleteOuter, deleteInner,
		map[string]any{"cuis": cuis}, s.opts.BatchSize)
	if err != nil {
		return err
	}
	report.ConceptsDeleted = res.Committed
	s.recordBatch(report, res)
	return nil
}

func (s *Strategy) phaseMerges(ctx context.Context, merges []types.MergePair, report *types.SyncReport) error {
	collapsed, skipped, err := collapseMerges(merges, s.log)
	if err != nil {
		return err
	}
	report.MergesSkipped = int64(skipped)
	if len(collapsed) == 0 {
		s.log.Info("no merges in this release")
		return nil
	}

	rows := make([]map[string]any, 0, len(collapsed))
	for _, m := range collapsed {
		rows = append(rows, map[string]any{"old_cui": m.OldCUI, "new_cui": m.NewCUI})
	}
	res, err := s.graph.ExecuteBatched(ctx, mergeOuter, mergeInner,
		map[string]any{"merges": rows, "version": s.opts.Version}, mergeBatchSize)
	if err != nil {
		return err
	}
	report.MergesApplied = res.Committed
	s.recordBatch(report, res)
	return nil
}

func (s *Strategy) phaseUpsert(ctx context.Context, snap types.Snapshot, report *types.SyncReport) error {
	steps := []struct {
		name  string
		inner string
		rows  []map[string]any
		count *int64
	}{
		{"concepts", conceptUpsertInner, conceptRows(snap.Concepts), &report.ConceptsUpserted},
		{"codes", codeUpsertInner, codeRows(snap.Codes), &report.CodesUpserted},
		{"links", linkUpsertInner, linkRows(snap.Links), &report.LinksUpserted},
		{"edges", edgeUpsertInner, edgeRows(snap.Edges), &report.EdgesUpserted},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(step.rows) == 0 {
			continue
		}
		res, err := s.graph.ExecuteBatched(ctx, rowsOuter, step.inner,
			map[string]any{"rows": step.rows, "version": s.opts.Version}, s.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", step.name, err)
		}
		*step.count = res.Committed
		s.recordBatch(report, res)
		s.log.Info("upserted", "kind", step.name, "rows", res.Committed, "batches", res.Batches)
	}
	return nil
}

func (s *Strategy) phaseSweep(ctx context.Context, links []types.CodeLink, report *types.SyncReport) error {
	version := map[string]any{"version": s.opts.Version}

	res, err := s.graph.ExecuteBatched(ctx, edgeSweepOuter, edgeSweepInner, version, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("sweep edges: %w", err)
	}
	report.EdgesSwept = res.Committed
	s.recordBatch(report, res)

	res, err = s.graph.ExecuteBatched(ctx, codeSweepOuter, codeSweepInner, version, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("sweep codes: %w", err)
	}
	report.CodesSwept = res.Committed
	s.recordBatch(report, res)

	if len(links) == 0 {
		return nil
	}
	res, err = s.graph.ExecuteBatched(ctx, ownershipSweepOuter, ownershipSweepInner,
		map[string]any{"links": linkRows(links)}, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("sweep code ownership: %w", err)
	}
	report.LinksReassigned = res.Committed
	s.recordBatch(report, res)
	return nil
}

func (s *Strategy) timed(ctx context.Context, report *types.SyncReport, phase string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	if err := fn(ctx); err != nil {
		return fmt.Errorf("delta: %s phase: %w", phase, err)
	}
	elapsed := time.Since(start)
	report.Phases = append(report.Phases, types.PhaseTiming{Phase: phase, Duration: elapsed})
	s.log.Info("phase complete", "phase", phase, "duration", elapsed)
	return nil
}

func (s *Strategy) recordBatch(report *types.SyncReport, res types.BatchResult) {
	report.FailedBatches += res.FailedBatches
	report.BatchErrors = append(report.BatchErrors, res.Errors...)
}

func conceptRows(concepts []types.Concept) []map[string]any {
	rows := make([]map[string]any, 0, len(concepts))
	for _, c := range concepts {
		rows = append(rows, map[string]any{
			"cui":            c.CUI,
			"preferred_name": c.PreferredName,
			"labels":         c.Labels(),
		})
	}
	return rows
}

func codeRows(codes []types.Code) []map[string]any {
	rows := make([]map[string]any, 0, len(codes))
	for _, k := range codes {
		rows = append(rows, map[string]any{
			"code_id": k.CodeID,
			"sab":     k.SAB,
			"code":    k.Code,
			"name":    k.Name,
		})
	}
	return rows
}

func linkRows(links []types.CodeLink) []map[string]any {
	rows := make([]map[string]any, 0, len(links))
	for _, l := range links {
		rows = append(rows, map[string]any{
			"cui":     l.CUI,
			"code_id": l.CodeID,
		})
	}
	return rows
}

func edgeRows(edges []types.Edge) []map[string]any {
	rows := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		rows = append(rows, map[string]any{
			"source_cui":       e.SourceCUI,
			"target_cui":       e.TargetCUI,
			"source_rela":      e.SourceRela,
			"predicate":        e.Predicate,
			"asserted_by_sabs": e.AssertedBySabs,
		})
	}
	return rows
}
