package biolink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gowthamrao/neo-umls-syncer/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func loadEmbedded(t *testing.T) *Map {
	t.Helper()
	t.Setenv(mapFileEnv, "")
	m, err := Load(testLogger(t))
	if err != nil {
		t.Fatalf("load embedded tables: %v", err)
	}
	return m
}

func TestCategoryForTUI(t *testing.T) {
	m := loadEmbedded(t)

	cases := map[string]string{
		"T047": "biolink:Disease",
		"T121": "biolink:ChemicalEntity",
		"T028": "biolink:Gene",
		"T116": "biolink:Protein",
		"T184": "biolink:PhenotypicFeature",
	}
	for tui, want := range cases {
		if got := m.CategoryForTUI(tui); got != want {
			t.Fatalf("expected %s for %s got %s", want, tui, got)
		}
	}
	if got := m.CategoryForTUI("T999"); got != DefaultCategory {
		t.Fatalf("expected default category for unknown TUI, got %s", got)
	}
}

func TestPredicateForRela(t *testing.T) {
	m := loadEmbedded(t)

	cases := map[string]string{
		"isa":        "biolink:subclass_of",
		"may_treat":  "biolink:treats",
		"treated_by": "biolink:treated_by",
		"CHD":        "biolink:subclass_of",
		"RO":         "biolink:related_to",
		"ISA":        "biolink:subclass_of",
	}
	for rela, want := range cases {
		if got := m.PredicateForRela(rela); got != want {
			t.Fatalf("expected %s for %s got %s", want, rela, got)
		}
	}
}

func TestPredicateKeywordScan(t *testing.T) {
	m := loadEmbedded(t)

	// "may_be_treated_by" is not a table key; the scan must resolve it
	// through "treated_by", not the shorter "treats".
	if got := m.PredicateForRela("may_be_treated_by"); got != "biolink:treated_by" {
		t.Fatalf("expected biolink:treated_by got %s", got)
	}
	if got := m.PredicateForRela("has_ingredient_of_kind"); got != "biolink:has_part" {
		t.Fatalf("expected biolink:has_part got %s", got)
	}
}

func TestPredicateDefaults(t *testing.T) {
	m := loadEmbedded(t)

	if got := m.PredicateForRela(""); got != DefaultPredicate {
		t.Fatalf("expected default predicate for empty rela, got %s", got)
	}
	if got := m.PredicateForRela("no_such_rela_zzz"); got != DefaultPredicate {
		t.Fatalf("expected default predicate for unknown rela, got %s", got)
	}
	// Repeat lookups must stay stable after the warn-once path fires.
	if got := m.PredicateForRela("no_such_rela_zzz"); got != DefaultPredicate {
		t.Fatalf("expected default predicate on repeat lookup, got %s", got)
	}
}

func TestLoadOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.yaml")
	body := []byte("default_category: biolink:Custom\ncategories:\n  T001: biolink:Organism\npredicates:\n  isa: biolink:subclass_of\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}
	t.Setenv(mapFileEnv, path)

	m, err := Load(testLogger(t))
	if err != nil {
		t.Fatalf("load override: %v", err)
	}
	if got := m.CategoryForTUI("T001"); got != "biolink:Organism" {
		t.Fatalf("expected override category got %s", got)
	}
	if got := m.CategoryForTUI("T047"); got != "biolink:Custom" {
		t.Fatalf("expected override default category got %s", got)
	}
}

func TestLoadBrokenOverrideFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.yaml")
	if err := os.WriteFile(path, []byte("categories: {}\n"), 0o644); err != nil {
		t.Fatalf("write override: %v", err)
	}
	t.Setenv(mapFileEnv, path)

	m, err := Load(testLogger(t))
	if err != nil {
		t.Fatalf("load with broken override: %v", err)
	}
	if got := m.CategoryForTUI("T047"); got != "biolink:Disease" {
		t.Fatalf("expected embedded tables after fallback, got %s", got)
	}
}
