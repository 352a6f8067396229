package transform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/gowthamrao/neo-umls-syncer/internal/platform/logger"
	"github.com/gowthamrao/neo-umls-syncer/internal/umls/biolink"
	"github.com/gowthamrao/neo-umls-syncer/internal/umls/rrf"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	bm, err := biolink.Load(log)
	if err != nil {
		t.Fatalf("biolink: %v", err)
	}
	return Deps{Log: log, Biolink: bm}
}

func conso(cui, sab, code, name, ts, stt, ispref string) rrf.ConsoRow {
	return rrf.ConsoRow{CUI: cui, SAB: sab, Code: code, Name: name, TS: ts, STT: stt, IsPref: ispref}
}

func aggregate(t *testing.T, in Input) Output {
	t.Helper()
	out, err := Aggregate(context.Background(), testDeps(t), in)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	return out
}

func TestAggregateSABPriorityDominatesTermStatus(t *testing.T) {
	out := aggregate(t, Input{
		Conso: []rrf.ConsoRow{
			conso("C0004057", "MSH", "D001241", "Aspirin (MeSH)", "P", "PF", "Y"),
			conso("C0004057", "RXNORM", "1191", "aspirin", "S", "VO", "N"),
		},
		SABPriority: []string{"RXNORM", "MSH"},
	})
	if len(out.Snapshot.Concepts) != 1 {
		t.Fatalf("expected 1 concept, got %+v", out.Snapshot.Concepts)
	}
	if got := out.Snapshot.Concepts[0].PreferredName; got != "aspirin" {
		t.Fatalf("expected the priority vocabulary's atom, got %q", got)
	}
}

func TestAggregateTermStatusBeatsStringType(t *testing.T) {
	out := aggregate(t, Input{
		Conso: []rrf.ConsoRow{
			conso("C0004057", "RXNORM", "1191", "synonym form", "S", "PF", "Y"),
			conso("C0004057", "RXNORM", "1191", "preferred form", "P", "VO", "N"),
		},
		SABPriority: []string{"RXNORM"},
	})
	if got := out.Snapshot.Concepts[0].PreferredName; got != "preferred form" {
		t.Fatalf("expected TS=P to win, got %q", got)
	}
}

func TestAggregateStringTypeThenIsprefBreakTies(t *testing.T) {
	out := aggregate(t, Input{
		Conso: []rrf.ConsoRow{
			conso("C0004057", "RXNORM", "1191", "variant", "P", "VO", "Y"),
			conso("C0004057", "RXNORM", "1191", "preferred form", "P", "PF", "N"),
		},
		SABPriority: []string{"RXNORM"},
	})
	if got := out.Snapshot.Concepts[0].PreferredName; got != "preferred form" {
		t.Fatalf("expected STT=PF to win over ISPREF=Y, got %q", got)
	}

	out = aggregate(t, Input{
		Conso: []rrf.ConsoRow{
			conso("C0004057", "RXNORM", "1191", "other atom", "P", "PF", "N"),
			conso("C0004057", "RXNORM", "1191", "preferred atom", "P", "PF", "Y"),
		},
		SABPriority: []string{"RXNORM"},
	})
	if got := out.Snapshot.Concepts[0].PreferredName; got != "preferred atom" {
		t.Fatalf("expected ISPREF=Y to win, got %q", got)
	}
}

func TestAggregateExactTieKeepsFirstRow(t *testing.T) {
	out := aggregate(t, Input{
		Conso: []rrf.ConsoRow{
			conso("C0004057", "RXNORM", "1191", "first atom", "P", "PF", "Y"),
			conso("C0004057", "RXNORM", "1191", "second atom", "P", "PF", "Y"),
		},
		SABPriority: []string{"RXNORM"},
	})
	if got := out.Snapshot.Concepts[0].PreferredName; got != "first atom" {
		t.Fatalf("ties must keep the earlier row, got %q", got)
	}
}

func TestAggregateUnlistedSABRanksAfterListed(t *testing.T) {
	out := aggregate(t, Input{
		Conso: []rrf.ConsoRow{
			conso("C0004057", "LNC", "LP16110-3", "Aspirin (LOINC)", "P", "PF", "Y"),
			conso("C0004057", "RXNORM", "1191", "aspirin", "S", "VO", "N"),
		},
		SABPriority: []string{"RXNORM"},
	})
	if got := out.Snapshot.Concepts[0].PreferredName; got != "aspirin" {
		t.Fatalf("expected listed vocabulary to beat unlisted, got %q", got)
	}
}

func TestAggregateMapsSemanticTypesToSortedLabels(t *testing.T) {
	out := aggregate(t, Input{
		Conso: []rrf.ConsoRow{
			conso("C0004057", "RXNORM", "1191", "aspirin", "P", "PF", "Y"),
		},
		Stys: []rrf.StyRow{
			{CUI: "C0004057", TUI: "T121", STY: "Pharmacologic Substance"},
			{CUI: "C0004057", TUI: "T103", STY: "Chemical"},
			{CUI: "C0004057", TUI: "T999", STY: "Unmapped"},
			{CUI: "C9999999", TUI: "T047", STY: "Orphan row"},
		},
	})
	c := out.Snapshot.Concepts[0]
	want := []string{"biolink:ChemicalEntity", "biolink:NamedThing"}
	if !reflect.DeepEqual(c.Categories, want) {
		t.Fatalf("expected categories %v, got %v", want, c.Categories)
	}
	if got := c.Labels(); got[0] != "Concept" {
		t.Fatalf("expected Concept as the first label, got %v", got)
	}
}

func TestAggregateSkipsAtomsWithoutCodes(t *testing.T) {
	out := aggregate(t, Input{
		Conso: []rrf.ConsoRow{
			conso("C0004057", "MTH", "NOCODE", "aspirin", "P", "PF", "Y"),
			conso("C0018681", "MTH", "", "headache", "P", "PF", "Y"),
		},
	})
	if len(out.Snapshot.Concepts) != 2 {
		t.Fatalf("expected both concepts, got %+v", out.Snapshot.Concepts)
	}
	if len(out.Snapshot.Codes) != 0 || len(out.Snapshot.Links) != 0 {
		t.Fatalf("expected no codes or links, got %+v / %+v", out.Snapshot.Codes, out.Snapshot.Links)
	}
}

func TestAggregateFirstConceptOwnsSharedCode(t *testing.T) {
	out := aggregate(t, Input{
		Conso: []rrf.ConsoRow{
			conso("C0000001", "RXNORM", "1191", "owner atom", "P", "PF", "Y"),
			conso("C0000001", "RXNORM", "1191", "owner again", "S", "VO", "N"),
			conso("C0000002", "RXNORM", "1191", "late claimant", "P", "PF", "Y"),
		},
	})
	if len(out.Snapshot.Codes) != 1 {
		t.Fatalf("expected 1 code, got %+v", out.Snapshot.Codes)
	}
	if len(out.Snapshot.Links) != 1 || out.Snapshot.Links[0].CUI != "C0000001" {
		t.Fatalf("expected C0000001 to own the code, got %+v", out.Snapshot.Links)
	}
	if out.Stats.CodeOwnershipConflicts != 1 {
		t.Fatalf("expected 1 ownership conflict, got %d", out.Stats.CodeOwnershipConflicts)
	}
}

func TestAggregateUnionsEdgeProvenance(t *testing.T) {
	out := aggregate(t, Input{
		Conso: []rrf.ConsoRow{
			conso("C0004057", "RXNORM", "1191", "aspirin", "P", "PF", "Y"),
			conso("C0018681", "SNOMEDCT_US", "25064002", "headache", "P", "PF", "Y"),
		},
		Rels: []rrf.RelRow{
			{CUI1: "C0004057", REL: "RO", CUI2: "C0018681", RELA: "may_treat", SAB: "SNOMEDCT_US"},
			{CUI1: "C0004057", REL: "RO", CUI2: "C0018681", RELA: "may_treat", SAB: "RXNORM"},
			{CUI1: "C0004057", REL: "RO", CUI2: "C0018681", RELA: "may_prevent", SAB: "RXNORM"},
		},
	})
	if len(out.Snapshot.Edges) != 2 {
		t.Fatalf("expected 2 edges, got %+v", out.Snapshot.Edges)
	}
	treat := out.Snapshot.Edges[0]
	if treat.SourceRela != "may_treat" || treat.Predicate != "biolink:treats" {
		t.Fatalf("unexpected first edge: %+v", treat)
	}
	if !reflect.DeepEqual(treat.AssertedBySabs, []string{"RXNORM", "SNOMEDCT_US"}) {
		t.Fatalf("expected sorted provenance union, got %v", treat.AssertedBySabs)
	}
	prevent := out.Snapshot.Edges[1]
	if prevent.SourceRela != "may_prevent" || prevent.Predicate != "biolink:prevents" {
		t.Fatalf("unexpected second edge: %+v", prevent)
	}
}

func TestAggregateFallsBackToRELWhenRELAMissing(t *testing.T) {
	out := aggregate(t, Input{
		Conso: []rrf.ConsoRow{
			conso("C0004057", "RXNORM", "1191", "aspirin", "P", "PF", "Y"),
			conso("C0018681", "SNOMEDCT_US", "25064002", "headache", "P", "PF", "Y"),
		},
		Rels: []rrf.RelRow{
			{CUI1: "C0004057", REL: "RO", CUI2: "C0018681", RELA: "", SAB: "MTH"},
			{CUI1: "C0018681", REL: "", CUI2: "C0004057", RELA: "", SAB: "MTH"},
		},
	})
	if len(out.Snapshot.Edges) != 1 {
		t.Fatalf("expected 1 edge, got %+v", out.Snapshot.Edges)
	}
	e := out.Snapshot.Edges[0]
	if e.SourceRela != "RO" || e.Predicate != "biolink:related_to" {
		t.Fatalf("expected REL fallback, got %+v", e)
	}
	if out.Stats.EdgeRowsMissingRel != 1 {
		t.Fatalf("expected 1 dropped row without REL or RELA, got %d", out.Stats.EdgeRowsMissingRel)
	}
}

func TestAggregateDropsEdgesWithUnknownEndpoints(t *testing.T) {
	out := aggregate(t, Input{
		Conso: []rrf.ConsoRow{
			conso("C0004057", "RXNORM", "1191", "aspirin", "P", "PF", "Y"),
		},
		Rels: []rrf.RelRow{
			{CUI1: "C0004057", REL: "RO", CUI2: "C9999999", RELA: "may_treat", SAB: "RXNORM"},
			{CUI1: "C9999999", REL: "RO", CUI2: "C0004057", RELA: "may_treat", SAB: "RXNORM"},
		},
	})
	if len(out.Snapshot.Edges) != 0 {
		t.Fatalf("expected no edges, got %+v", out.Snapshot.Edges)
	}
	if out.Stats.EdgeRowsUnknownCUI != 2 {
		t.Fatalf("expected 2 dropped rows, got %d", out.Stats.EdgeRowsUnknownCUI)
	}
}

func TestAggregateRequiresDeps(t *testing.T) {
	if _, err := Aggregate(context.Background(), Deps{}, Input{}); err == nil {
		t.Fatalf("expected error for missing deps")
	}
}

// Snapshots must not depend on parser parallelism: same files, different
// worker counts, identical output.
func TestAggregateDeterministicAcrossWorkerCounts(t *testing.T) {
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	dir := t.TempDir()
	writeFixture(t, dir)

	var outs []Output
	for _, workers := range []int{1, 2, 5} {
		p := rrf.NewParser(log, rrf.Options{Workers: workers})
		ctx := context.Background()

		consoRows, _, err := p.ParseConso(ctx, filepath.Join(dir, "MRCONSO.RRF"))
		if err != nil {
			t.Fatalf("workers=%d: ParseConso: %v", workers, err)
		}
		relRows, _, err := p.ParseRel(ctx, filepath.Join(dir, "MRREL.RRF"))
		if err != nil {
			t.Fatalf("workers=%d: ParseRel: %v", workers, err)
		}
		styRows, _, err := p.ParseSty(ctx, filepath.Join(dir, "MRSTY.RRF"))
		if err != nil {
			t.Fatalf("workers=%d: ParseSty: %v", workers, err)
		}

		out, err := Aggregate(ctx, testDeps(t), Input{
			Conso:       consoRows,
			Rels:        relRows,
			Stys:        styRows,
			SABPriority: []string{"RXNORM", "MSH", "SNOMEDCT_US"},
		})
		if err != nil {
			t.Fatalf("workers=%d: Aggregate: %v", workers, err)
		}
		outs = append(outs, out)
	}

	for i := 1; i < len(outs); i++ {
		if !reflect.DeepEqual(outs[0], outs[i]) {
			t.Fatalf("snapshot differs between worker counts 1 and %d", []int{1, 2, 5}[i])
		}
	}
	if outs[0].Stats.Concepts != 6 {
		t.Fatalf("expected 6 concepts in the fixture, got %d", outs[0].Stats.Concepts)
	}
}

func writeFixture(t *testing.T, dir string) {
	t.Helper()
	sabs := []string{"RXNORM", "MSH", "SNOMEDCT_US", "LNC", "MTH"}
	tuis := []string{"T121", "T047", "T103", "T116", "T109", "T999"}

	var consoLines, relLines, styLines []string
	for i := 1; i <= 6; i++ {
		cui := fmt.Sprintf("C%07d", i)
		for j, sab := range sabs {
			ts, stt, ispref := "S", "VO", "N"
			if j == i%len(sabs) {
				ts, stt, ispref = "P", "PF", "Y"
			}
			name := fmt.Sprintf("%s term %d from %s", cui, j, sab)
			code := fmt.Sprintf("%s%d", sab[:2], i*10+j)
			consoLines = append(consoLines, consoLine(cui, ts, stt, ispref, sab, code, name))
		}
		styLines = append(styLines, styLine(cui, tuis[i-1]))
	}
	for i := 1; i < 6; i++ {
		src := fmt.Sprintf("C%07d", i)
		dst := fmt.Sprintf("C%07d", i+1)
		relLines = append(relLines, rrfRelLine(src, "RO", dst, "may_treat", sabs[i%len(sabs)]))
		relLines = append(relLines, rrfRelLine(src, "RO", dst, "may_treat", sabs[(i+1)%len(sabs)]))
		relLines = append(relLines, rrfRelLine(dst, "RB", src, "", "MTH"))
	}

	writeLines(t, filepath.Join(dir, "MRCONSO.RRF"), consoLines)
	writeLines(t, filepath.Join(dir, "MRREL.RRF"), relLines)
	writeLines(t, filepath.Join(dir, "MRSTY.RRF"), styLines)
}

func writeLines(t *testing.T, path string, lines []string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func consoLine(cui, ts, stt, ispref, sab, code, name string) string {
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
	f[16] = "N"
	f[17] = "256"
	return strings.Join(f, "|") + "|"
}

func rrfRelLine(cui1, rel, cui2, rela, sab string) string {
	f := make([]string, 16)
	f[0] = cui1
	f[3] = rel
	f[4] = cui2
	f[7] = rela
	f[10] = sab
	return strings.Join(f, "|") + "|"
}

func styLine(cui, tui string) string {
	f := make([]string, 6)
	f[0] = cui
	f[1] = tui
	f[3] = "Semantic Type"
	return strings.Join(f, "|") + "|"
}
