// Package config loads the declarative YAML document that describes one
// replicator process: source and index connections, group membership,
// per-type routing rules, bulk-dispatch tuning, metrics, and logging.
// Parsing uses go.yaml.in/yaml/v2, the same YAML library pulled into the
// dependency graph transitively elsewhere in this module, promoted here to
// a direct import since this package owns the only top-level config
// surface. CLI flag parsing is a documented boundary left to main.
package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v2"
)

// TLSConfig names a CA certificate file for verifying a server's
// certificate. Loading and parsing the PEM itself is left to the caller
// that turns this into a *tls.Config.
type TLSConfig struct {
	PathToCACertificate string `yaml:"pathToCaCertificate"`
}

// SourceConfig describes the partitioned source document database.
type SourceConfig struct {
	Driver       string `yaml:"driver"` // "mysql" or "sqlite"
	DSN          string `yaml:"dsn"`
	PollInterval string `yaml:"pollInterval"` // duration string, e.g. "500ms"
	PageSize     int    `yaml:"pageSize"`
	TLSConfig    `yaml:",inline"`
}

// IndexConfig describes the downstream bulk-indexing cluster.
type IndexConfig struct {
	BaseURL   string `yaml:"baseUrl"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Timeout   string `yaml:"timeout"` // duration string, e.g. "30s"
	TLSConfig `yaml:",inline"`
}

// StaticMembership pins this process to a fixed position in its peer group.
type StaticMembership struct {
	MemberNumber int `yaml:"memberNumber"`
	ClusterSize  int `yaml:"clusterSize"`
}

// GroupConfig names this replication group and its static membership.
// Dynamic membership (derived from environment variables) is resolved
// separately by ResolveMembership.
type GroupConfig struct {
	Name             string            `yaml:"name"`
	StaticMembership *StaticMembership `yaml:"staticMembership"`
}

// DocStructureConfig mirrors request.DocStructure's YAML shape.
type DocStructureConfig struct {
	Whitelist  []string          `yaml:"whitelist"`
	Rename     map[string]string `yaml:"rename"`
	InjectType bool              `yaml:"injectType"`
	InjectCas  bool              `yaml:"injectCas"`
	InjectRev  bool              `yaml:"injectRev"`
}

// TypeRuleConfig mirrors request.TypeRule's YAML shape.
type TypeRuleConfig struct {
	KeyPattern    string             `yaml:"keyPattern"`
	IndexName     string             `yaml:"indexName"`
	Routing       string             `yaml:"routing"`
	Pipeline      string             `yaml:"pipeline"`
	Ignore        bool               `yaml:"ignore"`
	IgnoreDeletes bool               `yaml:"ignoreDeletes"`
	DocIDFormat   string             `yaml:"docIdFormat"`
	TypeName      string             `yaml:"typeName"`
	DocStructure  DocStructureConfig `yaml:"docStructure"`
}

// BulkRequestConfig tunes WorkerGroup's batching and backpressure.
type BulkRequestConfig struct {
	MaxDocs         int `yaml:"maxDocs"`
	MaxBytes        int `yaml:"maxBytes"`
	MaxPendingBytes int `yaml:"maxPendingBytes"`
}

// MetricsConfig configures the metrics HTTP surface.
type MetricsConfig struct {
	HTTPPort   int `yaml:"httpPort"`
	LogInterval int `yaml:"logInterval"` // seconds
}

// LoggingConfig controls event emission verbosity.
type LoggingConfig struct {
	RedactionLevel       string `yaml:"redactionLevel"` // "none", "body", "full"
	LogDocumentLifecycle bool   `yaml:"logDocumentLifecycle"`
	JSON                 bool   `yaml:"json"`
	// RejectLogPath names the append-only JSON Lines file malformed events
	// are routed to (spec.md §6 "reject log"). Defaults to "reject.log" in
	// the working directory when empty.
	RejectLogPath string `yaml:"rejectLogPath"`
}

// Config is the parsed shape of the replicator's YAML config file.
type Config struct {
	Source          SourceConfig      `yaml:"source"`
	Index           IndexConfig       `yaml:"index"`
	Group           GroupConfig       `yaml:"group"`
	TypeRuleConfigs []TypeRuleConfig  `yaml:"typeRules"`
	BulkRequest     BulkRequestConfig `yaml:"bulkRequest"`
	Metrics         MetricsConfig     `yaml:"metrics"`
	Logging         LoggingConfig     `yaml:"logging"`

	// Truststore is the deprecated top-level TLS block. Its replacement is
	// the per-section pathToCaCertificate field; Load warns when this is set.
	Truststore *TLSConfig `yaml:"truststore"`
}

// ConfigWarning reports a non-fatal problem in a loaded config, e.g. use of
// a deprecated field. Load never returns these as errors.
type ConfigWarning struct {
	Message string
}

// Load reads and parses the YAML config file at path. Warnings (deprecated
// fields, etc.) are returned alongside a valid Config rather than as errors;
// callers typically route them through an emit.Emitter.
func Load(path string) (*Config, []ConfigWarning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	var warnings []ConfigWarning
	if cfg.Truststore != nil {
		warnings = append(warnings, ConfigWarning{
			Message: "top-level truststore block is deprecated; set pathToCaCertificate under source/index instead",
		})
		if cfg.Source.PathToCACertificate == "" {
			cfg.Source.PathToCACertificate = cfg.Truststore.PathToCACertificate
		}
		if cfg.Index.PathToCACertificate == "" {
			cfg.Index.PathToCACertificate = cfg.Truststore.PathToCACertificate
		}
	}

	return &cfg, warnings, nil
}
