package bulk

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	types "github.com/gowthamrao/neo-umls-syncer/internal/domain"
	"github.com/gowthamrao/neo-umls-syncer/internal/platform/logger"
)

// CSV filenames consumed by neo4j-admin database import. ID spaces and extra
// labels are declared in the headers, so the emitted command only needs the
// base label per node file.
const (
	ConceptNodesFile = "nodes_concepts.csv"
	CodeNodesFile    = "nodes_codes.csv"
	HasCodeRelsFile  = "rels_has_code.csv"
	ConceptRelsFile  = "rels_inter_concept.csv"
)

type Deps struct {
	Log *logger.Logger
}

type Input struct {
	Snapshot  types.Snapshot
	Version   string
	ImportDir string
	Database  string
}

type Output struct {
	Files   []string
	Command string
}

// Write exports the snapshot as four importer-shaped CSVs under ImportDir and
// returns the neo4j-admin invocation. The command is for the operator to run
// against a stopped database; it is never executed here.
func Write(ctx context.Context, deps Deps, in Input) (Output, error) {
	if deps.Log == nil {
		return Output{}, fmt.Errorf("bulk: missing deps")
	}
	if strings.TrimSpace(in.Version) == "" {
		return Output{}, fmt.Errorf("bulk: version required")
	}
	if strings.TrimSpace(in.ImportDir) == "" {
		return Output{}, fmt.Errorf("bulk: import dir required")
	}
	if err := os.MkdirAll(in.ImportDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("bulk: create import dir: %w", err)
	}
	log := deps.Log.With("component", "BulkWriter")

	files := []struct {
		name   string
		header []string
		rows   func(w *csv.Writer) (int64, error)
	}{
		{
			name:   ConceptNodesFile,
			header: []string{"cui:ID(Concept-ID)", "preferred_name:string", "last_seen_version:string", ":LABEL"},
			rows: func(w *csv.Writer) (int64, error) {
				for _, c := range in.Snapshot.Concepts {
					if err := w.Write([]string{c.CUI, c.PreferredName, in.Version, strings.Join(c.Labels(), ";")}); err != nil {
						return 0, err
					}
				}
				return int64(len(in.Snapshot.Concepts)), nil
			},
		},
		{
			name:   CodeNodesFile,
			header: []string{"code_id:ID(Code-ID)", "sab:string", "code:string", "name:string", "last_seen_version:string"},
			rows: func(w *csv.Writer) (int64, error) {
				for _, k := range in.Snapshot.Codes {
					if err := w.Write([]string{k.CodeID, k.SAB, k.Code, k.Name, in.Version}); err != nil {
						return 0, err
					}
				}
				return int64(len(in.Snapshot.Codes)), nil
			},
		},
		{
			name:   HasCodeRelsFile,
			header: []string{":START_ID(Concept-ID)", ":END_ID(Code-ID)", ":TYPE"},
			rows: func(w *csv.Writer) (int64, error) {
				for _, l := range in.Snapshot.Links {
					if err := w.Write([]string{l.CUI, l.CodeID, "HAS_CODE"}); err != nil {
						return 0, err
					}
				}
				return int64(len(in.Snapshot.Links)), nil
			},
		},
		{
			name:   ConceptRelsFile,
			header: []string{":START_ID(Concept-ID)", ":END_ID(Concept-ID)", "source_rela:string", "asserted_by_sabs:string[]", "last_seen_version:string", ":TYPE"},
			rows: func(w *csv.Writer) (int64, error) {
				for _, e := range in.Snapshot.Edges {
					row := []string{e.SourceCUI, e.TargetCUI, e.SourceRela, strings.Join(e.AssertedBySabs, ";"), in.Version, e.Predicate}
					if err := w.Write(row); err != nil {
						return 0, err
					}
				}
				return int64(len(in.Snapshot.Edges)), nil
			},
		},
	}

	out := Output{Files: make([]string, 0, len(files))}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		path := filepath.Join(in.ImportDir, f.name)
		n, err := writeCSV(path, f.header, f.rows)
		if err != nil {
			return Output{}, fmt.Errorf("bulk: write %s: %w", f.name, err)
		}
		log.Info("wrote import file", "file", path, "rows", n)
		out.Files = append(out.Files, path)
	}

	out.Command = importCommand(in.Database)
	return out, nil
}

func writeCSV(path string, header []string, rows func(w *csv.Writer) (int64, error)) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		_ = f.Close()
		return 0, err
	}
	n, err := rows(w)
	if err != nil {
		_ = f.Close()
		return 0, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return 0, err
	}
	return n, f.Close()
}

// importCommand builds the offline importer invocation. Filenames are
// relative: the operator runs the command from the import directory against a
// stopped database.
func importCommand(database string) string {
	if strings.TrimSpace(database) == "" {
		database = "neo4j"
	}
	parts := []string{
		"neo4j-admin database import full",
		fmt.Sprintf("--nodes=Concept=%q", ConceptNodesFile),
		fmt.Sprintf("--nodes=Code=%q", CodeNodesFile),
		fmt.Sprintf("--relationships=%q", HasCodeRelsFile),
		fmt.Sprintf("--relationships=%q", ConceptRelsFile),
		"--overwrite-destination=true",
		database,
	}
	return strings.Join(parts, " \\\n    ")
}
