package delta

import (
	"fmt"
	"strings"

	types "github.com/gowthamrao/neo-umls-syncer/internal/domain"
	"github.com/gowthamrao/neo-umls-syncer/internal/platform/logger"
)

// collapseMerges resolves transitive merge chains so every retired CUI points
// directly at its final survivor (A→B, B→C becomes A→C, B→C). After
// collapsing, execution order within the set no longer matters. Self-merges
// and duplicate retired CUIs are dropped and counted; a cycle means the
// release file is unusable and is fatal.
func collapseMerges(pairs []types.MergePair, log *logger.Logger) ([]types.MergePair, int, error) {
	next := make(map[string]string, len(pairs))
	order := make([]string, 0, len(pairs))
	skipped := 0

	for _, p := range pairs {
		old, nw := strings.TrimSpace(p.OldCUI), strings.TrimSpace(p.NewCUI)
		switch {
		case old == "" || nw == "":
			skipped++
		case old == nw:
			log.Warn("dropping self-merge", "cui", old)
			skipped++
		default:
			if _, dup := next[old]; dup {
				log.Warn("dropping duplicate merge row for retired cui", "cui", old)
				skipped++
				continue
			}
			next[old] = nw
			order = append(order, old)
		}
	}

	out := make([]types.MergePair, 0, len(order))
	for _, old := range order {
		target, cycle := resolveTarget(old, next)
		if cycle != nil {
			return nil, 0, fmt.Errorf("delta: merge cycle detected: %s", strings.Join(cycle, " -> "))
		}
		out = append(out, types.MergePair{OldCUI: old, NewCUI: target})
	}
	return out, skipped, nil
}

// resolveTarget walks the chain from start until it reaches a CUI that is not
// itself retired. A revisited CUI means a cycle; the returned slice names its
// members in walk order, closing on the repeated CUI.
func resolveTarget(start string, next map[string]string) (string, []string) {
	seen := map[string]bool{start: true}
	path := []string{start}
	cur := start
	for {
		nw, ok := next[cur]
		if !ok {
			return cur, nil
		}
		if seen[nw] {
			i := 0
			for idx, v := range path {
				if v == nw {
					i = idx
					break
				}
			}
			return "", append(path[i:], nw)
		}
		seen[nw] = true
		path = append(path, nw)
		cur = nw
	}
}
