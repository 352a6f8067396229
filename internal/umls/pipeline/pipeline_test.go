package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	types "github.com/gowthamrao/neo-umls-syncer/internal/domain"
	"github.com/gowthamrao/neo-umls-syncer/internal/platform/logger"
	"github.com/gowthamrao/neo-umls-syncer/internal/umls/biolink"
	"github.com/gowthamrao/neo-umls-syncer/internal/umls/bulk"
	"github.com/gowthamrao/neo-umls-syncer/internal/umls/rrf"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func testBiolink(t *testing.T) *biolink.Map {
	t.Helper()
	bm, err := biolink.Load(testLogger(t))
	if err != nil {
		t.Fatalf("biolink: %v", err)
	}
	return bm
}

func testParser(t *testing.T) *rrf.Parser {
	t.Helper()
	return rrf.NewParser(testLogger(t), rrf.Options{
		Workers:        2,
		MalformedLimit: 10,
		SABFilter:      []string{"RXNORM", "SNOMEDCT_US"},
		Suppression:    []string{"O", "Y"},
	})
}

func consoLine(cui, ts, stt, ispref, sab, code, name, suppress string) string {
	f := make([]string, 18)
	f[0] = cui
	f[1] = "ENG"
	f[2] = ts
	f[3] = "L0000001"
	f[4] = stt
	f[5] = "S0000001"
	f[6] = ispref
	f[7] = "A0000001"
	f[11] = sab
	f[12] = "PT"
	f[13] = code
	f[14] = name
	f[16] = suppress
	f[17] = "256"
	return strings.Join(f, "|") + "|"
}

func relLine(cui1, rel, cui2, rela, sab string) string {
	f := make([]string, 16)
	f[0] = cui1
	f[3] = rel
	f[4] = cui2
	f[7] = rela
	f[10] = sab
	return strings.Join(f, "|") + "|"
}

func styLine(cui, tui, sty string) string {
	f := make([]string, 6)
	f[0] = cui
	f[1] = tui
	f[3] = sty
	return strings.Join(f, "|") + "|"
}

// writeMetaDir lays out a tiny release: aspirin (RXNORM, chemical), headache
// (SNOMED, disease), and one may_treat edge between them.
func writeMetaDir(t *testing.T, withChanges bool) string {
	t.Helper()
	dir := t.TempDir()
	write := func(name string, lines ...string) {
		t.Helper()
		data := strings.Join(lines, "\n") + "\n"
		if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write(consoFile,
		consoLine("C0004057", "P", "PF", "Y", "RXNORM", "1191", "Aspirin", "N"),
		consoLine("C0018681", "P", "PF", "Y", "SNOMEDCT_US", "25064002", "Headache", "N"),
	)
	write(relFile,
		relLine("C0004057", "RO", "C0018681", "may_treat", "RXNORM"),
	)
	write(styFile,
		styLine("C0004057", "T121", "Pharmacologic Substance"),
		styLine("C0018681", "T047", "Disease or Syndrome"),
	)
	if withChanges {
		write(deletedFile, "C0099999|Retired concept|")
		write(mergedFile, "C0088888|C0004057|")
	}
	return dir
}

type fakeFetcher struct {
	dir     string
	err     error
	calls   int
	version string
}

func (f *fakeFetcher) FetchRelease(_ context.Context, version string) (string, error) {
	f.calls++
	f.version = version
	if f.err != nil {
		return "", f.err
	}
	return f.dir, nil
}

// fakeGraph answers the delta engine's queries well enough to exercise the
// pipeline plumbing: it tracks the meta version and reports every mutation
// row as committed. Sweep queries commit nothing, as on a clean graph.
type fakeGraph struct {
	version string
	singles []string
	inners  []string
}

func (g *fakeGraph) ExecuteSingle(_ context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	g.singles = append(g.singles, cypher)
	switch {
	case strings.Contains(cypher, "RETURN m.version"):
		if g.version == "" {
			return nil, nil
		}
		return []map[string]any{{"version": g.version}}, nil
	case strings.Contains(cypher, "MERGE (m:UmlsMeta"):
		g.version, _ = params["version"].(string)
	}
	return nil, nil
}

func (g *fakeGraph) ExecuteBatched(_ context.Context, outer, inner string, params map[string]any, batchSize int) (types.BatchResult, error) {
	g.inners = append(g.inners, inner)
	var committed int64
	for _, key := range []string{"cuis", "merges", "rows"} {
		switch v := params[key].(type) {
		case []string:
			committed += int64(len(v))
		case []map[string]any:
			committed += int64(len(v))
		}
	}
	return types.BatchResult{Batches: 1, Committed: committed}, nil
}

func TestFullImportFromLocalDir(t *testing.T) {
	metaDir := writeMetaDir(t, false)
	importDir := t.TempDir()

	out, err := FullImport(context.Background(), FullImportDeps{
		Log:     testLogger(t),
		Parser:  testParser(t),
		Biolink: testBiolink(t),
	}, FullImportInput{
		Version:     "2025AA",
		InputDir:    metaDir,
		ImportDir:   importDir,
		Database:    "umls",
		SABPriority: []string{"RXNORM", "SNOMEDCT_US"},
	})
	if err != nil {
		t.Fatalf("FullImport: %v", err)
	}
	if out.RunID == uuid.Nil {
		t.Fatalf("expected a run id")
	}
	if out.MetaDir != metaDir {
		t.Fatalf("expected meta dir %s, got %s", metaDir, out.MetaDir)
	}
	if len(out.Files) != 3 {
		t.Fatalf("expected 3 file stats, got %d: %+v", len(out.Files), out.Files)
	}
	if out.Files[0].File != consoFile || out.Files[0].Kept != 2 {
		t.Fatalf("unexpected conso stats: %+v", out.Files[0])
	}
	if out.Transform.Concepts != 2 || out.Transform.Codes != 2 || out.Transform.Edges != 1 {
		t.Fatalf("unexpected transform stats: %+v", out.Transform)
	}
	if len(out.CSVFiles) != 4 {
		t.Fatalf("expected 4 csv files, got %v", out.CSVFiles)
	}
	concepts, err := os.ReadFile(filepath.Join(importDir, bulk.ConceptNodesFile))
	if err != nil {
		t.Fatalf("read concepts csv: %v", err)
	}
	if !strings.Contains(string(concepts), "Concept;biolink:ChemicalEntity") {
		t.Fatalf("concepts csv missing aspirin labels:\n%s", concepts)
	}
	if !strings.Contains(string(concepts), "Concept;biolink:Disease") {
		t.Fatalf("concepts csv missing headache labels:\n%s", concepts)
	}
	if !strings.Contains(out.Command, "neo4j-admin database import full") {
		t.Fatalf("unexpected command: %s", out.Command)
	}
	if !strings.HasSuffix(out.Command, "umls") {
		t.Fatalf("expected command to target the umls database: %s", out.Command)
	}
}

func TestFullImportDownloadsRelease(t *testing.T) {
	metaDir := writeMetaDir(t, false)
	fetcher := &fakeFetcher{dir: metaDir}

	out, err := FullImport(context.Background(), FullImportDeps{
		Log:     testLogger(t),
		Parser:  testParser(t),
		Biolink: testBiolink(t),
		Fetcher: fetcher,
	}, FullImportInput{
		Version:   "2025AA",
		ImportDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("FullImport: %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("expected 1 fetch, got %d", fetcher.calls)
	}
	if fetcher.version != "2025AA" {
		t.Fatalf("expected fetch of 2025AA, got %s", fetcher.version)
	}
	if out.MetaDir != metaDir {
		t.Fatalf("expected meta dir %s, got %s", metaDir, out.MetaDir)
	}
}

func TestFullImportRequiresSourceOrFetcher(t *testing.T) {
	_, err := FullImport(context.Background(), FullImportDeps{
		Log:     testLogger(t),
		Parser:  testParser(t),
		Biolink: testBiolink(t),
	}, FullImportInput{Version: "2025AA", ImportDir: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), "no input dir") {
		t.Fatalf("expected missing-source error, got %v", err)
	}
}

func TestFullImportRejectsDirWithoutConso(t *testing.T) {
	_, err := FullImport(context.Background(), FullImportDeps{
		Log:     testLogger(t),
		Parser:  testParser(t),
		Biolink: testBiolink(t),
	}, FullImportInput{
		Version:   "2025AA",
		InputDir:  t.TempDir(),
		ImportDir: t.TempDir(),
	})
	if err == nil || !strings.Contains(err.Error(), consoFile) {
		t.Fatalf("expected missing MRCONSO error, got %v", err)
	}
}

func TestIncrementalSyncEndToEnd(t *testing.T) {
	metaDir := writeMetaDir(t, true)
	graph := &fakeGraph{version: "2025AA"}

	report, err := IncrementalSync(context.Background(), SyncDeps{
		Log:     testLogger(t),
		Parser:  testParser(t),
		Biolink: testBiolink(t),
		Graph:   graph,
	}, SyncInput{
		Version:     "2025AB",
		InputDir:    metaDir,
		SABPriority: []string{"RXNORM", "SNOMEDCT_US"},
		BatchSize:   500,
	})
	if err != nil {
		t.Fatalf("IncrementalSync: %v", err)
	}
	if report.RunID == uuid.Nil {
		t.Fatalf("expected a run id")
	}
	if report.Version != "2025AB" || report.PreviousVersion != "2025AA" {
		t.Fatalf("unexpected versions: %s -> %s", report.PreviousVersion, report.Version)
	}
	wantFiles := []string{consoFile, relFile, styFile, deletedFile, mergedFile}
	if len(report.Files) != len(wantFiles) {
		t.Fatalf("expected %d file stats, got %+v", len(wantFiles), report.Files)
	}
	for i, want := range wantFiles {
		if report.Files[i].File != want {
			t.Fatalf("file %d: expected %s, got %s", i, want, report.Files[i].File)
		}
	}
	if report.ConceptsDeleted != 1 {
		t.Fatalf("expected 1 deleted concept, got %d", report.ConceptsDeleted)
	}
	if report.MergesApplied != 1 || report.MergesSkipped != 0 {
		t.Fatalf("unexpected merge counts: applied=%d skipped=%d", report.MergesApplied, report.MergesSkipped)
	}
	if report.ConceptsUpserted != 2 || report.CodesUpserted != 2 || report.LinksUpserted != 2 || report.EdgesUpserted != 1 {
		t.Fatalf("unexpected upsert counts: %+v", report)
	}
	if len(report.Phases) != 5 {
		t.Fatalf("expected 5 phase timings, got %+v", report.Phases)
	}
	if report.FinishedAt.Before(report.StartedAt) {
		t.Fatalf("finished %v before started %v", report.FinishedAt, report.StartedAt)
	}
	if graph.version != "2025AB" {
		t.Fatalf("expected finalize to stamp 2025AB, got %s", graph.version)
	}
	if report.HasFailures() {
		t.Fatalf("expected clean run, got %d failed batches", report.FailedBatches)
	}
}

func TestIncrementalSyncRequiresMeta(t *testing.T) {
	metaDir := writeMetaDir(t, true)
	graph := &fakeGraph{}

	report, err := IncrementalSync(context.Background(), SyncDeps{
		Log:     testLogger(t),
		Parser:  testParser(t),
		Biolink: testBiolink(t),
		Graph:   graph,
	}, SyncInput{Version: "2025AB", InputDir: metaDir})
	if err == nil || !strings.Contains(err.Error(), "init-meta") {
		t.Fatalf("expected init-meta hint, got %v", err)
	}
	if len(report.Files) != 5 {
		t.Fatalf("expected parse stats on the partial report, got %+v", report.Files)
	}
	if graph.version != "" {
		t.Fatalf("no version should be committed, got %s", graph.version)
	}
}

func TestInitMetaWritesVersionAndSchema(t *testing.T) {
	graph := &fakeGraph{}

	err := InitMeta(context.Background(), InitMetaDeps{Log: testLogger(t), Graph: graph}, InitMetaInput{Version: "2025AA"})
	if err != nil {
		t.Fatalf("InitMeta: %v", err)
	}
	if graph.version != "2025AA" {
		t.Fatalf("expected version 2025AA, got %s", graph.version)
	}
	var constraints int
	for _, q := range graph.singles {
		if strings.HasPrefix(q, "CREATE CONSTRAINT") {
			constraints++
		}
	}
	if constraints != 3 {
		t.Fatalf("expected 3 constraint statements, got %d", constraints)
	}
}

func TestInitMetaValidatesInput(t *testing.T) {
	if err := InitMeta(context.Background(), InitMetaDeps{Log: testLogger(t), Graph: &fakeGraph{}}, InitMetaInput{}); err == nil {
		t.Fatalf("expected error for missing version")
	}
	if err := InitMeta(context.Background(), InitMetaDeps{Log: testLogger(t)}, InitMetaInput{Version: "2025AA"}); err == nil {
		t.Fatalf("expected error for missing graph")
	}
}
