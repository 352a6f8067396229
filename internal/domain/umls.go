package domain

import (
	"time"

	"github.com/google/uuid"
)

// Concept is one UMLS concept row bound for the graph. Categories holds the
// Biolink category labels (sorted, deduplicated); the generic Concept label
// is implicit and prepended by Labels.
type Concept struct {
	CUI           string   `json:"cui"`
	PreferredName string   `json:"preferred_name"`
	Categories    []string `json:"categories,omitempty"`
}

// Labels returns the full label set for upsert, generic label first.
func (c Concept) Labels() []string {
	out := make([]string, 0, len(c.Categories)+1)
	out = append(out, "Concept")
	out = append(out, c.Categories...)
	return out
}

// Code is one source-vocabulary code row. CodeID is "{SAB}:{code}".
type Code struct {
	CodeID string `json:"code_id"`
	SAB    string `json:"sab"`
	Code   string `json:"code"`
	Name   string `json:"name"`
}

func CodeID(sab, code string) string {
	return sab + ":" + code
}

// CodeLink is a HAS_CODE edge: the owning concept for a code. A code has
// exactly one owner after a completed sync.
type CodeLink struct {
	CUI    string `json:"cui"`
	CodeID string `json:"code_id"`
}

// Edge is an aggregated inter-concept relationship. Identity is the triple
// (SourceCUI, TargetCUI, SourceRela); Predicate is the Biolink relationship
// type; AssertedBySabs is sorted and duplicate-free.
type Edge struct {
	SourceCUI      string   `json:"source_cui"`
	TargetCUI      string   `json:"target_cui"`
	SourceRela     string   `json:"source_rela"`
	Predicate      string   `json:"predicate"`
	AssertedBySabs []string `json:"asserted_by_sabs"`
}

// Snapshot is the transformed view of one release, ready for bulk export or
// delta upsert.
type Snapshot struct {
	Concepts []Concept
	Codes    []Code
	Links    []CodeLink
	Edges    []Edge
}

// MergePair is one MERGEDCUI row: Old was retired into New.
type MergePair struct {
	OldCUI string `json:"old_cui"`
	NewCUI string `json:"new_cui"`
}

// ChangeSet carries the release change files that drive delta phases D and M.
type ChangeSet struct {
	DeletedCUIs []string
	Merges      []MergePair
}

// FileStats counts one parsed RRF file.
type FileStats struct {
	File      string `json:"file"`
	Rows      int64  `json:"rows"`
	Kept      int64  `json:"kept"`
	Filtered  int64  `json:"filtered"`
	Malformed int64  `json:"malformed"`
}

// TransformStats counts snapshot aggregation outcomes.
type TransformStats struct {
	Concepts               int64 `json:"concepts"`
	Codes                  int64 `json:"codes"`
	CodeLinks              int64 `json:"code_links"`
	Edges                  int64 `json:"edges"`
	EdgeRowsUnknownCUI     int64 `json:"edge_rows_unknown_cui"`
	EdgeRowsMissingRel     int64 `json:"edge_rows_missing_rel"`
	CodeOwnershipConflicts int64 `json:"code_ownership_conflicts"`
}

// BatchResult is the summary of one server-side batched mutation. Failed
// counts operations, FailedBatches whole batches; both come straight from the
// procedure summary.
type BatchResult struct {
	Batches       int64    `json:"batches"`
	Committed     int64    `json:"committed"`
	Failed        int64    `json:"failed"`
	FailedBatches int64    `json:"failed_batches"`
	Errors        []string `json:"errors,omitempty"`
}

// PhaseTiming records wall time for one delta phase.
type PhaseTiming struct {
	Phase    string        `json:"phase"`
	Duration time.Duration `json:"duration"`
}

// SyncReport is the final accounting for one incremental-sync run.
type SyncReport struct {
	RunID           uuid.UUID     `json:"run_id"`
	Version         string        `json:"version"`
	PreviousVersion string        `json:"previous_version"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`

	Files     []FileStats    `json:"files"`
	Transform TransformStats `json:"transform"`

	ConceptsDeleted  int64 `json:"concepts_deleted"`
	MergesApplied    int64 `json:"merges_applied"`
	MergesSkipped    int64 `json:"merges_skipped"`
	ConceptsUpserted int64 `json:"concepts_upserted"`
	CodesUpserted    int64 `json:"codes_upserted"`
	LinksUpserted    int64 `json:"links_upserted"`
	EdgesUpserted    int64 `json:"edges_upserted"`
	EdgesSwept       int64 `json:"edges_swept"`
	CodesSwept       int64 `json:"codes_swept"`
	LinksReassigned  int64 `json:"links_reassigned"`

	FailedBatches int64         `json:"failed_batches"`
	BatchErrors   []string      `json:"batch_errors,omitempty"`
	Phases        []PhaseTiming `json:"phases"`
}

// HasFailures reports whether any batch failed anywhere in the run.
func (r SyncReport) HasFailures() bool {
	return r.FailedBatches > 0
}
