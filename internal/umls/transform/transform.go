// Package transform aggregates parsed RRF rows into the snapshot the bulk
// writer and the delta engine consume: concepts with deterministic preferred
// names and Biolink labels, codes with a single owning concept, and
// provenance-unioned inter-concept edges.
package transform

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gowthamrao/neo-umls-syncer/internal/umls/biolink"
	"github.com/gowthamrao/neo-umls-syncer/internal/umls/rrf"

	types "github.com/gowthamrao/neo-umls-syncer/internal/domain"
	"github.com/gowthamrao/neo-umls-syncer/internal/platform/logger"
)

const cancelCheckRows = 8192

// noCode marks MRCONSO rows that carry no source identifier; they produce a
// concept term but no Code node.
const noCode = "NOCODE"

type Deps struct {
	Log     *logger.Logger
	Biolink *biolink.Map
}

type Input struct {
	Conso []rrf.ConsoRow
	Rels  []rrf.RelRow
	Stys  []rrf.StyRow
	// SABPriority orders vocabularies for preferred-name selection;
	// vocabularies not listed rank after every listed one.
	SABPriority []string
}

type Output struct {
	Snapshot types.Snapshot
	Stats    types.TransformStats
}

// nameKey is the Preferred-Name Rule's lexicographic sort key. Smaller is
// better; ties keep the earlier row.
type nameKey [4]int

func lessKey(a, b nameKey) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Aggregate builds the snapshot. Output ordering follows first appearance in
// the input, so a deterministic parse yields a deterministic snapshot.
func Aggregate(ctx context.Context, deps Deps, in Input) (Output, error) {
	out := Output{}
	if deps.Log == nil || deps.Biolink == nil {
		return out, fmt.Errorf("transform: missing deps")
	}
	log := deps.Log.With("component", "transform")

	rank := make(map[string]int, len(in.SABPriority))
	for i, sab := range in.SABPriority {
		sab = strings.TrimSpace(sab)
		if sab == "" {
			continue
		}
		if _, ok := rank[sab]; !ok {
			rank[sab] = i
		}
	}
	unranked := len(rank)

	type best struct {
		name string
		key  nameKey
	}
	bestName := make(map[string]*best)
	conceptOrder := make([]string, 0, 1024)

	codeIndex := make(map[string]int)
	codes := make([]types.Code, 0, 1024)
	linkOwner := make(map[string]string)
	links := make([]types.CodeLink, 0, 1024)

	for i, row := range in.Conso {
		if i%cancelCheckRows == 0 {
			if err := ctx.Err(); err != nil {
				return out, err
			}
		}

		key := candidateKey(row, rank, unranked)
		if cur, ok := bestName[row.CUI]; !ok {
			bestName[row.CUI] = &best{name: row.Name, key: key}
			conceptOrder = append(conceptOrder, row.CUI)
		} else if lessKey(key, cur.key) {
			cur.name = row.Name
			cur.key = key
		}

		if row.Code == "" || row.Code == noCode {
			continue
		}
		codeID := types.CodeID(row.SAB, row.Code)
		if _, ok := codeIndex[codeID]; !ok {
			codeIndex[codeID] = len(codes)
			codes = append(codes, types.Code{
				CodeID: codeID,
				SAB:    row.SAB,
				Code:   row.Code,
				Name:   row.Name,
			})
		}
		switch owner, ok := linkOwner[codeID]; {
		case !ok:
			linkOwner[codeID] = row.CUI
			links = append(links, types.CodeLink{CUI: row.CUI, CodeID: codeID})
		case owner != row.CUI:
			out.Stats.CodeOwnershipConflicts++
		}
	}

	// Biolink labels from MRSTY; rows for concepts outside the snapshot are
	// ignored.
	labelSets := make(map[string]map[string]struct{})
	for _, sty := range in.Stys {
		if _, ok := bestName[sty.CUI]; !ok {
			continue
		}
		set := labelSets[sty.CUI]
		if set == nil {
			set = make(map[string]struct{}, 2)
			labelSets[sty.CUI] = set
		}
		set[deps.Biolink.CategoryForTUI(sty.TUI)] = struct{}{}
	}

	concepts := make([]types.Concept, 0, len(conceptOrder))
	for _, cui := range conceptOrder {
		concepts = append(concepts, types.Concept{
			CUI:           cui,
			PreferredName: bestName[cui].name,
			Categories:    sortedSet(labelSets[cui]),
		})
	}

	type edgeAccum struct {
		edge types.Edge
		sabs map[string]struct{}
	}
	type edgeKey struct {
		src, dst, rela string
	}
	edgeIndex := make(map[edgeKey]int)
	edgeAccums := make([]*edgeAccum, 0, 1024)

	for i, row := range in.Rels {
		if i%cancelCheckRows == 0 {
			if err := ctx.Err(); err != nil {
				return out, err
			}
		}
		if _, ok := bestName[row.CUI1]; !ok {
			out.Stats.EdgeRowsUnknownCUI++
			continue
		}
		if _, ok := bestName[row.CUI2]; !ok {
			out.Stats.EdgeRowsUnknownCUI++
			continue
		}
		rela := row.RELA
		if rela == "" {
			rela = row.REL
		}
		if rela == "" {
			out.Stats.EdgeRowsMissingRel++
			continue
		}
		k := edgeKey{src: row.CUI1, dst: row.CUI2, rela: rela}
		if idx, ok := edgeIndex[k]; ok {
			edgeAccums[idx].sabs[row.SAB] = struct{}{}
			continue
		}
		edgeIndex[k] = len(edgeAccums)
		edgeAccums = append(edgeAccums, &edgeAccum{
			edge: types.Edge{
				SourceCUI:  row.CUI1,
				TargetCUI:  row.CUI2,
				SourceRela: rela,
				Predicate:  deps.Biolink.PredicateForRela(rela),
			},
			sabs: map[string]struct{}{row.SAB: {}},
		})
	}

	edges := make([]types.Edge, 0, len(edgeAccums))
	for _, acc := range edgeAccums {
		acc.edge.AssertedBySabs = sortedSet(acc.sabs)
		edges = append(edges, acc.edge)
	}

	out.Snapshot = types.Snapshot{
		Concepts: concepts,
		Codes:    codes,
		Links:    links,
		Edges:    edges,
	}
	out.Stats.Concepts = int64(len(concepts))
	out.Stats.Codes = int64(len(codes))
	out.Stats.CodeLinks = int64(len(links))
	out.Stats.Edges = int64(len(edges))

	log.Info("snapshot aggregated",
		"concepts", out.Stats.Concepts,
		"codes", out.Stats.Codes,
		"code_links", out.Stats.CodeLinks,
		"edges", out.Stats.Edges,
		"edge_rows_unknown_cui", out.Stats.EdgeRowsUnknownCUI,
		"edge_rows_missing_rel", out.Stats.EdgeRowsMissingRel,
		"code_ownership_conflicts", out.Stats.CodeOwnershipConflicts,
	)
	return out, nil
}

func candidateKey(row rrf.ConsoRow, rank map[string]int, unranked int) nameKey {
	k := nameKey{unranked, 1, 1, 1}
	if r, ok := rank[row.SAB]; ok {
		k[0] = r
	}
	if row.TS == "P" {
		k[1] = 0
	}
	if row.STT == "PF" {
		k[2] = 0
	}
	if row.IsPref == "Y" {
		k[3] = 0
	}
	return k
}

func sortedSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
