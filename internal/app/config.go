// Package app loads runtime configuration. Every option is an environment
// variable with the PYNEOUMLSSYNCER_ prefix; a .env file in the working
// directory is merged in first without overriding variables already set.
package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

const envPrefix = "PYNEOUMLSSYNCER"

// Viper keys. The matching environment variable is the upper-cased key with
// the prefix, e.g. umls_api_key -> PYNEOUMLSSYNCER_UMLS_API_KEY.
const (
	keyUMLSAPIKey           = "umls_api_key"
	keyNeo4jURI             = "neo4j_uri"
	keyNeo4jUser            = "neo4j_user"
	keyNeo4jPassword        = "neo4j_password"
	keyNeo4jDatabase        = "neo4j_database"
	keyNeo4jImportDir       = "neo4j_import_dir"
	keyNeo4jTxTimeoutSecs   = "neo4j_tx_timeout_seconds"
	keyNeo4jMaxRetries      = "neo4j_max_retries"
	keySABFilter            = "sab_filter"
	keySABPriority          = "sab_priority"
	keySuppressionHandling  = "suppression_handling"
	keyMaxParallelProcesses = "max_parallel_processes"
	keyAPOCBatchSize        = "apoc_batch_size"
	keyMalformedRowLimit    = "malformed_row_limit"
	keyDownloadDir          = "download_dir"
	keyLogMode              = "log_mode"
)

type Config struct {
	UMLSAPIKey string

	Neo4jURI        string
	Neo4jUser       string
	Neo4jPassword   string
	Neo4jDatabase   string
	Neo4jImportDir  string
	Neo4jTxTimeout  time.Duration
	Neo4jMaxRetries int

	// SABFilter keeps only atoms and relations from these vocabularies;
	// empty means all. SABPriority orders preferred-name selection.
	SABFilter           []string
	SABPriority         []string
	SuppressionHandling []string

	MaxParallelProcesses int
	APOCBatchSize        int
	MalformedRowLimit    int64

	DownloadDir string
	LogMode     string
}

// Load reads configuration from the environment and validates the values
// that have sane bounds. Credentials are checked later, per command, via
// RequireGraph and RequireDownload.
func Load() (Config, error) {
	_ = gotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	cfg := Config{
		UMLSAPIKey:           strings.TrimSpace(v.GetString(keyUMLSAPIKey)),
		Neo4jURI:             strings.TrimSpace(v.GetString(keyNeo4jURI)),
		Neo4jUser:            strings.TrimSpace(v.GetString(keyNeo4jUser)),
		Neo4jPassword:        v.GetString(keyNeo4jPassword),
		Neo4jDatabase:        strings.TrimSpace(v.GetString(keyNeo4jDatabase)),
		Neo4jImportDir:       strings.TrimSpace(v.GetString(keyNeo4jImportDir)),
		Neo4jTxTimeout:       time.Duration(v.GetInt(keyNeo4jTxTimeoutSecs)) * time.Second,
		Neo4jMaxRetries:      v.GetInt(keyNeo4jMaxRetries),
		SABFilter:            splitList(v.GetString(keySABFilter)),
		SABPriority:          splitList(v.GetString(keySABPriority)),
		SuppressionHandling:  splitList(v.GetString(keySuppressionHandling)),
		MaxParallelProcesses: v.GetInt(keyMaxParallelProcesses),
		APOCBatchSize:        v.GetInt(keyAPOCBatchSize),
		MalformedRowLimit:    v.GetInt64(keyMalformedRowLimit),
		DownloadDir:          strings.TrimSpace(v.GetString(keyDownloadDir)),
		LogMode:              strings.TrimSpace(v.GetString(keyLogMode)),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyNeo4jURI, "neo4j://localhost:7687")
	v.SetDefault(keyNeo4jUser, "neo4j")
	v.SetDefault(keyNeo4jDatabase, "neo4j")
	v.SetDefault(keyNeo4jImportDir, "./import")
	v.SetDefault(keyNeo4jTxTimeoutSecs, 300)
	v.SetDefault(keyNeo4jMaxRetries, 5)
	v.SetDefault(keySABFilter, "RXNORM,SNOMEDCT_US,MTH,MSH,LNC")
	v.SetDefault(keySABPriority, "RXNORM,SNOMEDCT_US,MTH,MSH,LNC,GO,HGNC,NCBI,OMIM,ICD10CM,CPT")
	v.SetDefault(keySuppressionHandling, "O,Y")
	v.SetDefault(keyMaxParallelProcesses, 4)
	v.SetDefault(keyAPOCBatchSize, 10000)
	v.SetDefault(keyMalformedRowLimit, 1000)
	v.SetDefault(keyDownloadDir, "./umls_download")
	v.SetDefault(keyLogMode, "prod")
}

func (c Config) validate() error {
	if c.MaxParallelProcesses < 1 {
		return fmt.Errorf("config: %s must be >= 1, got %d", keyMaxParallelProcesses, c.MaxParallelProcesses)
	}
	if c.APOCBatchSize < 1 {
		return fmt.Errorf("config: %s must be >= 1, got %d", keyAPOCBatchSize, c.APOCBatchSize)
	}
	if c.MalformedRowLimit < 0 {
		return fmt.Errorf("config: %s must be >= 0, got %d", keyMalformedRowLimit, c.MalformedRowLimit)
	}
	if c.Neo4jMaxRetries < 0 {
		return fmt.Errorf("config: %s must be >= 0, got %d", keyNeo4jMaxRetries, c.Neo4jMaxRetries)
	}
	if c.Neo4jTxTimeout <= 0 {
		return fmt.Errorf("config: %s must be > 0", keyNeo4jTxTimeoutSecs)
	}
	for _, s := range c.SuppressionHandling {
		switch s {
		case "O", "Y", "E":
		default:
			return fmt.Errorf("config: %s values must be O, Y or E, got %q", keySuppressionHandling, s)
		}
	}
	return nil
}

// RequireGraph checks the settings every command that talks to Neo4j needs.
func (c Config) RequireGraph() error {
	if c.Neo4jURI == "" {
		return fmt.Errorf("config: neo4j uri required (set %s_NEO4J_URI)", envPrefix)
	}
	if c.Neo4jPassword == "" {
		return fmt.Errorf("config: neo4j password required (set %s_NEO4J_PASSWORD)", envPrefix)
	}
	return nil
}

// RequireDownload checks the UTS credential needed to fetch releases.
func (c Config) RequireDownload() error {
	if c.UMLSAPIKey == "" {
		return fmt.Errorf("config: UMLS api key required (set %s_UMLS_API_KEY or pass --input-dir)", envPrefix)
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
