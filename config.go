package agencyhost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/hupe1980/agencyhost/core"
	"github.com/hupe1980/agencyhost/credential"
	"github.com/hupe1980/agencyhost/engine"
	"github.com/hupe1980/agencyhost/logging"
	"github.com/hupe1980/agencyhost/persona"
	"github.com/hupe1980/agencyhost/runtime"
	"github.com/hupe1980/agencyhost/storage"
	"github.com/hupe1980/agencyhost/storage/badgerstore"
	"github.com/hupe1980/agencyhost/storage/postgres"
)

// Storage drivers accepted by StorageConfig.Driver.
const (
	DriverMemory   = "memory"
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

// Config is the file-based host configuration.
//
// Example:
//
//	log_level: info
//	model: gpt-4o-mini
//	tier: pro
//	personas_dir: ./personas
//	storage:
//	  driver: badger
//	  path: ./data
//	credentials:
//	  openai.apiKey: $OPENAI_API_KEY
type Config struct {
	LogLevel  string `yaml:"log_level,omitempty"`
	LogFormat string `yaml:"log_format,omitempty"`

	UserID         string `yaml:"user_id,omitempty"`
	Tier           string `yaml:"tier,omitempty"`
	Model          string `yaml:"model,omitempty"`
	DefaultPersona string `yaml:"default_persona,omitempty"`

	// PersonasDir replaces the builtin personas with every YAML file found
	// in the directory.
	PersonasDir string `yaml:"personas_dir,omitempty"`

	MaxAgencyConcurrency int `yaml:"max_agency_concurrency,omitempty"`
	HistoryLimit         int `yaml:"history_limit,omitempty"`

	Storage StorageConfig `yaml:"storage,omitempty"`

	// Credentials are merged over the environment. A value of the form
	// "$NAME" is read from the environment variable NAME.
	Credentials map[string]string `yaml:"credentials,omitempty"`
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Driver string `yaml:"driver,omitempty"`
	// Path is the badger data directory.
	Path string `yaml:"path,omitempty"`
	// DSN is the postgres connection string.
	DSN   string `yaml:"dsn,omitempty"`
	Table string `yaml:"table,omitempty"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration data.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	switch cfg.Storage.Driver {
	case "", DriverMemory, DriverBadger, DriverPostgres:
	default:
		return Config{}, &core.ConfigurationError{Reason: fmt.Sprintf("unknown storage driver %q", cfg.Storage.Driver)}
	}
	return cfg, nil
}

// CredentialSet returns the environment credentials overlaid with the
// configured ones. A nil lookup reads the process environment.
func (c Config) CredentialSet(lookup func(string) (string, bool)) credential.Set {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := credential.FromEnv(lookup)
	for k, v := range c.Credentials {
		if name, ok := strings.CutPrefix(v, "$"); ok {
			v, _ = lookup(name)
		}
		if strings.TrimSpace(v) != "" {
			set[k] = v
		}
	}
	return set
}

// Logger builds the host logger described by the configuration.
func (c Config) Logger() *logging.HostLogger {
	format := c.LogFormat
	if format == "" {
		format = "text"
	}
	return logging.NewSlogLogger(logging.ParseLevel(c.LogLevel), format, false)
}

// Factory returns a storage factory for the engine and, separately, an
// adapter for persistent host state. Badger keeps the two in sibling
// directories, postgres in sibling tables.
func (s StorageConfig) Factory(logger logging.Logger) (storage.Factory, storage.Adapter, error) {
	switch s.Driver {
	case "", DriverMemory:
		return storage.MemoryFactory, storage.NewMemory(), nil
	case DriverBadger:
		if s.Path == "" {
			return nil, nil, &core.ConfigurationError{Reason: "storage.path is required for badger"}
		}
		engineOpts := func(o *badgerstore.Options) {
			o.Dir = filepath.Join(s.Path, "engine")
			o.Logger = logger
		}
		state := badgerstore.New(func(o *badgerstore.Options) {
			o.Dir = filepath.Join(s.Path, "state")
			o.Logger = logger
		})
		return badgerstore.Factory(engineOpts), state, nil
	case DriverPostgres:
		if s.DSN == "" {
			return nil, nil, &core.ConfigurationError{Reason: "storage.dsn is required for postgres"}
		}
		table := s.Table
		if table == "" {
			table = "agencyhost_kv"
		}
		engineOpts := func(o *postgres.Options) {
			o.DSN = s.DSN
			o.Table = table
		}
		state := postgres.New(func(o *postgres.Options) {
			o.DSN = s.DSN
			o.Table = table + "_state"
		})
		return postgres.Factory(engineOpts), state, nil
	default:
		return nil, nil, &core.ConfigurationError{Reason: fmt.Sprintf("unknown storage driver %q", s.Driver)}
	}
}

// Options translates the configuration into host options.
func (c Config) Options(lookup func(string) (string, bool)) (func(o *Options), error) {
	logger := c.Logger()

	var catalog core.PersonaCatalog = persona.Builtin()
	if c.PersonasDir != "" {
		cat, err := persona.LoadDir(c.PersonasDir)
		if err != nil {
			return nil, err
		}
		if cat.Len() == 0 {
			return nil, &core.ConfigurationError{Reason: "no personas in " + c.PersonasDir}
		}
		catalog = cat
	}

	factory, state, err := c.Storage.Factory(logger)
	if err != nil {
		return nil, err
	}

	creds := c.CredentialSet(lookup)
	ec := engine.DefaultConfig
	if c.HistoryLimit > 0 {
		ec.HistoryLimit = c.HistoryLimit
	}

	return func(o *Options) {
		o.Catalog = catalog
		o.StorageFactory = factory
		o.State = state
		o.EngineConfig = ec
		o.Defaults = runtime.Defaults{
			UserID:           c.UserID,
			Tier:             c.Tier,
			Model:            c.Model,
			DefaultPersonaID: c.DefaultPersona,
		}
		o.Credentials = func() credential.Set { return creds.Clone() }
		o.MaxAgencyConcurrency = c.MaxAgencyConcurrency
		o.Logger = logger
	}, nil
}

// NewFromConfig creates a Host from a configuration.
func NewFromConfig(ctx context.Context, c Config, lookup func(string) (string, bool)) (*Host, error) {
	opt, err := c.Options(lookup)
	if err != nil {
		return nil, err
	}
	return New(ctx, opt)
}
