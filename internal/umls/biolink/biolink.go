// Package biolink resolves UMLS semantic types and relationship attributes
// to Biolink Model category labels and predicates. Tables ship embedded and
// can be replaced wholesale through an environment override; unknown keys
// fall back to the model's generic category/predicate.
package biolink

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/gowthamrao/neo-umls-syncer/internal/platform/logger"
)

const mapFileEnv = "PYNEOUMLSSYNCER_BIOLINK_MAP_FILE"

const (
	DefaultCategory  = "biolink:NamedThing"
	DefaultPredicate = "biolink:related_to"
)

//go:embed biolink_map.yaml
var mapFS embed.FS

type yamlTables struct {
	DefaultCategory  string            `yaml:"default_category"`
	DefaultPredicate string            `yaml:"default_predicate"`
	Categories       map[string]string `yaml:"categories"`
	Predicates       map[string]string `yaml:"predicates"`
}

// Map holds the immutable lookup tables. Lookups are safe for concurrent
// use; the only mutable state is the warn-once set for unknown keys.
type Map struct {
	defaultCategory  string
	defaultPredicate string
	categories       map[string]string
	predicates       map[string]string
	predicatesLower  map[string]string
	keywords         []string // predicate keys, longest first, for the substring scan

	log *logger.Logger

	mu     sync.Mutex
	warned map[string]struct{}
}

// Load builds the Map from the override file when set, otherwise from the
// embedded tables. A broken override logs a warning and falls back to the
// embedded copy rather than failing the run.
func Load(log *logger.Logger) (*Map, error) {
	data, fromOverride, err := readTables()
	if err != nil {
		return nil, fmt.Errorf("biolink: read tables: %w", err)
	}
	t, err := parseTables(data)
	if err != nil {
		if !fromOverride {
			return nil, fmt.Errorf("biolink: embedded tables: %w", err)
		}
		log.Warn("biolink map override invalid; using embedded tables", "error", err)
		if data, _, err = readEmbedded(); err != nil {
			return nil, fmt.Errorf("biolink: read embedded tables: %w", err)
		}
		if t, err = parseTables(data); err != nil {
			return nil, fmt.Errorf("biolink: embedded tables: %w", err)
		}
	}
	return newMap(t, log), nil
}

func readTables() (data []byte, fromOverride bool, err error) {
	if path := strings.TrimSpace(os.Getenv(mapFileEnv)); path != "" {
		data, err = os.ReadFile(path)
		return data, true, err
	}
	return readEmbedded()
}

func readEmbedded() ([]byte, bool, error) {
	data, err := mapFS.ReadFile("biolink_map.yaml")
	return data, false, err
}

func parseTables(data []byte) (*yamlTables, error) {
	var t yamlTables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if len(t.Categories) == 0 {
		return nil, errors.New("no categories defined")
	}
	if len(t.Predicates) == 0 {
		return nil, errors.New("no predicates defined")
	}
	return &t, nil
}

func newMap(t *yamlTables, log *logger.Logger) *Map {
	m := &Map{
		defaultCategory:  strings.TrimSpace(t.DefaultCategory),
		defaultPredicate: strings.TrimSpace(t.DefaultPredicate),
		categories:       make(map[string]string, len(t.Categories)),
		predicates:       make(map[string]string, len(t.Predicates)),
		predicatesLower:  make(map[string]string, len(t.Predicates)),
		log:              log,
		warned:           make(map[string]struct{}),
	}
	if m.defaultCategory == "" {
		m.defaultCategory = DefaultCategory
	}
	if m.defaultPredicate == "" {
		m.defaultPredicate = DefaultPredicate
	}
	for k, v := range t.Categories {
		m.categories[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	for k, v := range t.Predicates {
		key := strings.TrimSpace(k)
		m.predicates[key] = strings.TrimSpace(v)
		m.predicatesLower[strings.ToLower(key)] = strings.TrimSpace(v)
	}
	m.keywords = make([]string, 0, len(m.predicatesLower))
	for k := range m.predicatesLower {
		m.keywords = append(m.keywords, k)
	}
	// Longest key first so a scan for "may_be_treated_by" resolves through
	// "treated_by" rather than a shorter key; ties break lexicographically
	// to keep the scan deterministic.
	sort.Slice(m.keywords, func(i, j int) bool {
		if len(m.keywords[i]) != len(m.keywords[j]) {
			return len(m.keywords[i]) > len(m.keywords[j])
		}
		return m.keywords[i] < m.keywords[j]
	})
	return m
}

// CategoryForTUI returns the Biolink category label for a UMLS semantic
// type identifier.
func (m *Map) CategoryForTUI(tui string) string {
	if c, ok := m.categories[strings.TrimSpace(tui)]; ok {
		return c
	}
	m.warnOnce("tui", tui)
	return m.defaultCategory
}

// PredicateForRela returns the Biolink predicate for a RELA value, or for a
// REL code when the row carried no RELA.
func (m *Map) PredicateForRela(relaOrRel string) string {
	key := strings.TrimSpace(relaOrRel)
	if key == "" {
		return m.defaultPredicate
	}
	if p, ok := m.predicates[key]; ok {
		return p
	}
	lower := strings.ToLower(key)
	if p, ok := m.predicatesLower[lower]; ok {
		return p
	}
	for _, kw := range m.keywords {
		if strings.Contains(lower, kw) {
			return m.predicatesLower[kw]
		}
	}
	m.warnOnce("rela", key)
	return m.defaultPredicate
}

func (m *Map) warnOnce(kind, key string) {
	key = strings.TrimSpace(key)
	if key == "" || m.log == nil {
		return
	}
	id := kind + ":" + key
	m.mu.Lock()
	_, seen := m.warned[id]
	if !seen {
		m.warned[id] = struct{}{}
	}
	m.mu.Unlock()
	if !seen {
		m.log.Warn("unmapped "+kind+"; using default", kind, key)
	}
}
