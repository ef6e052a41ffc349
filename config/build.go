package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/mvarga/vbreplicator/checkpoint/sqlstore"
	"github.com/mvarga/vbreplicator/dcp/sqlsource"
	"github.com/mvarga/vbreplicator/index"
	"github.com/mvarga/vbreplicator/internal/emit"
	"github.com/mvarga/vbreplicator/request"
	"github.com/mvarga/vbreplicator/worker"
)

// TypeRules converts the parsed YAML rule list into request.TypeRule,
// first-match-wins order preserved.
func (c *Config) TypeRules() []request.TypeRule {
	rules := make([]request.TypeRule, len(c.TypeRuleConfigs))
	for i, r := range c.TypeRuleConfigs {
		rules[i] = request.TypeRule{
			KeyPattern:    r.KeyPattern,
			IndexName:     r.IndexName,
			Routing:       r.Routing,
			Pipeline:      r.Pipeline,
			Ignore:        r.Ignore,
			IgnoreDeletes: r.IgnoreDeletes,
			DocIDFormat:   r.DocIDFormat,
			TypeName:      r.TypeName,
			DocStructure: request.DocStructure{
				Whitelist:  r.DocStructure.Whitelist,
				Rename:     r.DocStructure.Rename,
				InjectType: r.DocStructure.InjectType,
				InjectCas:  r.DocStructure.InjectCas,
				InjectRev:  r.DocStructure.InjectRev,
			},
		}
	}
	return rules
}

// WorkerConfig converts bulkRequest tuning into worker.Config.
// maxPendingBytes has no direct worker.Config analogue (the queue is
// depth-bounded, not byte-bounded); it is approximated as a queue depth by
// dividing by a typical 4KiB document, giving operators a knob that behaves
// the way the config file describes it without adding a second bound to
// WorkerGroup's inbox.
func (c *Config) WorkerConfig() worker.Config {
	cfg := worker.Config{
		MaxBatchDocs:  c.BulkRequest.MaxDocs,
		MaxBatchBytes: c.BulkRequest.MaxBytes,
	}
	if c.BulkRequest.MaxPendingBytes > 0 {
		cfg.QueueDepth = c.BulkRequest.MaxPendingBytes / 4096
	}
	return cfg
}

// buildTLSConfig loads a CA certificate file into a *tls.Config, or returns
// nil if no path is configured. Verification then trusts both the system
// pool and the configured CA.
func buildTLSConfig(pathToCACertificate string) (*tls.Config, error) {
	if pathToCACertificate == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(pathToCACertificate)
	if err != nil {
		return nil, fmt.Errorf("config: read CA certificate %s: %w", pathToCACertificate, err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("config: %s contains no usable PEM certificates", pathToCACertificate)
	}
	return &tls.Config{RootCAs: pool}, nil
}

// IndexClient builds the configured index.Client.
func (c *Config) IndexClient() (*index.HTTPClient, error) {
	var opts []index.Option
	if c.Index.Username != "" {
		opts = append(opts, index.WithBasicAuth(c.Index.Username, c.Index.Password))
	}
	if c.Index.Timeout != "" {
		d, err := time.ParseDuration(c.Index.Timeout)
		if err != nil {
			return nil, fmt.Errorf("config: index.timeout: %w", err)
		}
		opts = append(opts, index.WithTimeout(d))
	}
	tlsCfg, err := buildTLSConfig(c.Index.PathToCACertificate)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts = append(opts, index.WithTLSConfig(tlsCfg))
	}
	return index.NewHTTPClient(c.Index.BaseURL, opts...), nil
}

// SourceClient builds the configured dcp.SourceClient.
func (c *Config) SourceClient() (*sqlsource.Client, error) {
	var opts []sqlsource.Option
	if c.Source.PollInterval != "" {
		d, err := time.ParseDuration(c.Source.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("config: source.pollInterval: %w", err)
		}
		opts = append(opts, sqlsource.WithPollInterval(d))
	}
	if c.Source.PageSize > 0 {
		opts = append(opts, sqlsource.WithPageSize(c.Source.PageSize))
	}

	switch c.Source.Driver {
	case "sqlite":
		return sqlsource.NewSQLite(c.Source.DSN, opts...)
	default:
		return sqlsource.New(c.Source.DSN, opts...)
	}
}

// CheckpointStore builds the configured checkpoint.Store.
func (c *Config) CheckpointStore() (*sqlstore.Store, error) {
	switch c.Source.Driver {
	case "sqlite":
		return sqlstore.NewSQLite(c.Source.DSN, c.Group.Name)
	default:
		return sqlstore.NewMySQL(c.Source.DSN, c.Group.Name)
	}
}

// RedactionLevel converts the logging.redactionLevel string into
// emit.RedactionLevel, defaulting to RedactNone for an empty or unknown
// value.
func (c *Config) RedactionLevel() emit.RedactionLevel {
	switch c.Logging.RedactionLevel {
	case "body":
		return emit.RedactBody
	case "full":
		return emit.RedactFull
	default:
		return emit.RedactNone
	}
}
