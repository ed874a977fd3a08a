// Package config provides configuration loading and validation for the
// reconciliation service. Supports YAML files with environment variable
// overrides.
//
// Every field tagged `env:"NAME"` can be overridden by that variable. Lists
// are comma separated. Overrides apply after the file is parsed, so the
// precedence is env > file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the variable Load reads the config file path from.
const EnvConfigPath = "RECONCILE_CONFIG"

// Config holds all configuration for the reconciliation service.
type Config struct {
	Docstore      DocstoreConfig      `yaml:"docstore"`
	Engine        EngineConfig        `yaml:"engine"`
	Sweep         SweepConfig         `yaml:"sweep"`
	Checkpoint    CheckpointConfig    `yaml:"checkpoint"`
	Reports       ReportsConfig       `yaml:"reports"`
	Notify        NotifyConfig        `yaml:"notify"`
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`

	// RegistryPath optionally points at a YAML reference map. Empty uses
	// the built-in map.
	RegistryPath string `yaml:"registryPath" env:"RECONCILE_REGISTRY"`
}

type DocstoreConfig struct {
	// Backend is "mongo" or "memory".
	Backend          string `yaml:"backend" env:"RECONCILE_DOCSTORE"`
	URI              string `yaml:"uri" env:"RECONCILE_MONGO_URI"`
	Database         string `yaml:"database" env:"RECONCILE_MONGO_DATABASE"`
	ConnectTimeoutMs int64  `yaml:"connectTimeoutMs" env:"RECONCILE_MONGO_CONNECT_TIMEOUT_MS"`
}

type EngineConfig struct {
	Concurrency    int `yaml:"concurrency" env:"RECONCILE_CONCURRENCY"`
	BatchSize      int `yaml:"batchSize" env:"RECONCILE_BATCH_SIZE"`
	RemoveBatchCap int `yaml:"removeBatchCap" env:"RECONCILE_REMOVE_BATCH_CAP"`
	ScanPageSize   int `yaml:"scanPageSize" env:"RECONCILE_SCAN_PAGE_SIZE"`

	// Probe is "auto", "join" or "fullscan".
	Probe string `yaml:"probe" env:"RECONCILE_PROBE"`
}

type SweepConfig struct {
	// Enabled runs the background sweep scheduler in serve mode.
	Enabled       bool   `yaml:"enabled" env:"RECONCILE_SWEEP_ENABLED"`
	Name          string `yaml:"name" env:"RECONCILE_SWEEP_NAME"`
	BatchSize     int    `yaml:"batchSize" env:"RECONCILE_SWEEP_BATCH_SIZE"`
	MaxDurationMs int64  `yaml:"maxDurationMs" env:"RECONCILE_SWEEP_MAX_DURATION_MS"`
	IntervalMs    int64  `yaml:"intervalMs" env:"RECONCILE_SWEEP_INTERVAL_MS"`
	StepPauseMs   int64  `yaml:"stepPauseMs" env:"RECONCILE_SWEEP_STEP_PAUSE_MS"`
}

type CheckpointConfig struct {
	// Backend is "oxia", "redis" or "memory".
	Backend        string `yaml:"backend" env:"RECONCILE_CHECKPOINT_BACKEND"`
	OxiaEndpoint   string `yaml:"oxiaEndpoint" env:"RECONCILE_OXIA_ENDPOINT"`
	OxiaNamespace  string `yaml:"oxiaNamespace" env:"RECONCILE_OXIA_NAMESPACE"`
	RedisURL       string `yaml:"redisUrl" env:"RECONCILE_REDIS_URL"`
	RedisKeyPrefix string `yaml:"redisKeyPrefix" env:"RECONCILE_REDIS_PREFIX"`
}

type ReportsConfig struct {
	Enabled bool `yaml:"enabled" env:"RECONCILE_REPORTS_ENABLED"`

	// URL is the archive location, s3://bucket/prefix.
	URL          string `yaml:"url" env:"RECONCILE_REPORTS_URL"`
	Endpoint     string `yaml:"endpoint" env:"RECONCILE_S3_ENDPOINT"`
	Region       string `yaml:"region" env:"RECONCILE_S3_REGION"`
	AccessKey    string `yaml:"accessKey" env:"RECONCILE_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secretKey" env:"RECONCILE_S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"usePathStyle" env:"RECONCILE_S3_PATH_STYLE"`

	// Format is "json" or "parquet".
	Format string `yaml:"format" env:"RECONCILE_REPORTS_FORMAT"`

	// Compression is "none", "gzip", "snappy", "lz4" or "zstd".
	Compression string `yaml:"compression" env:"RECONCILE_REPORTS_COMPRESSION"`

	// CreateBucket creates the bucket at startup when it is missing. Meant
	// for local S3-compatible endpoints.
	CreateBucket bool `yaml:"createBucket" env:"RECONCILE_REPORTS_CREATE_BUCKET"`

	// RetentionDays deletes reports older than this many days after each
	// archive. 0 keeps every report.
	RetentionDays int `yaml:"retentionDays" env:"RECONCILE_REPORTS_RETENTION_DAYS"`
}

type NotifyConfig struct {
	// CounterVersions bumps a version document per counter in the
	// document store.
	CounterVersions   bool   `yaml:"counterVersions" env:"RECONCILE_NOTIFY_COUNTER_VERSIONS"`
	CounterCollection string `yaml:"counterCollection" env:"RECONCILE_NOTIFY_COUNTER_COLLECTION"`

	// KafkaBrokers enables the Kafka publisher when non-empty.
	KafkaBrokers []string `yaml:"kafkaBrokers" env:"RECONCILE_KAFKA_BROKERS"`
	KafkaTopic   string   `yaml:"kafkaTopic" env:"RECONCILE_KAFKA_TOPIC"`
}

type ServerConfig struct {
	ListenAddr        string `yaml:"listenAddr" env:"RECONCILE_LISTEN_ADDR"`
	ShutdownTimeoutMs int64  `yaml:"shutdownTimeoutMs" env:"RECONCILE_SHUTDOWN_TIMEOUT_MS"`
	TLSCertFile       string `yaml:"tlsCertFile" env:"RECONCILE_TLS_CERT_FILE"`
	TLSKeyFile        string `yaml:"tlsKeyFile" env:"RECONCILE_TLS_KEY_FILE"`
}

type ObservabilityConfig struct {
	// MetricsAddr serves /metrics on a dedicated port. Empty mounts it on
	// the admin router instead.
	MetricsAddr string `yaml:"metricsAddr" env:"RECONCILE_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"RECONCILE_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"RECONCILE_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Docstore: DocstoreConfig{
			Backend:          "mongo",
			URI:              "mongodb://localhost:27017",
			Database:         "members",
			ConnectTimeoutMs: 10000,
		},
		Engine: EngineConfig{
			Concurrency:    3,
			BatchSize:      100,
			RemoveBatchCap: 500,
			ScanPageSize:   200,
			Probe:          "auto",
		},
		Sweep: SweepConfig{
			Name:          "profiles",
			BatchSize:     50,
			MaxDurationMs: 20000,
			IntervalMs:    3600000, // 1 hour
			StepPauseMs:   1000,
		},
		Checkpoint: CheckpointConfig{
			Backend:        "oxia",
			OxiaEndpoint:   "localhost:6648",
			OxiaNamespace:  "reconcile",
			RedisKeyPrefix: "reconcile:meta:",
		},
		Reports: ReportsConfig{
			Region:      "us-east-1",
			Format:      "json",
			Compression: "zstd",
		},
		Notify: NotifyConfig{
			CounterVersions:   true,
			CounterCollection: "counterVersions",
			KafkaTopic:        "member-counter-events",
		},
		Server: ServerConfig{
			ListenAddr:        ":8080",
			ShutdownTimeoutMs: 15000,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load reads the file named by RECONCILE_CONFIG, or starts from defaults
// when it is unset, then applies env overrides and validates.
func Load() (*Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return LoadFromPath(path)
	}
	cfg := Default()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads a YAML file over the defaults, applies env overrides
// and validates.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults, applies env overrides and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var (
	docstoreBackends   = []string{"mongo", "memory"}
	checkpointBackends = []string{"oxia", "redis", "memory"}
	probeModes         = []string{"auto", "join", "fullscan"}
	reportFormats      = []string{"json", "parquet"}
	reportCodecs       = []string{"none", "gzip", "snappy", "lz4", "zstd"}
	logLevels          = []string{"debug", "info", "warn", "error"}
	logFormats         = []string{"json", "text"}
)

// Validate checks the configuration and returns every problem at once.
func (c *Config) Validate() error {
	var errs []error
	oneOf := func(field, value string, allowed []string) {
		for _, a := range allowed {
			if strings.EqualFold(value, a) {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: %q is not one of %s", field, value, strings.Join(allowed, ", ")))
	}
	positive := func(field string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %d", field, v))
		}
	}

	oneOf("docstore.backend", c.Docstore.Backend, docstoreBackends)
	if strings.EqualFold(c.Docstore.Backend, "mongo") {
		if c.Docstore.URI == "" {
			errs = append(errs, errors.New("docstore.uri: required for the mongo backend"))
		}
		if c.Docstore.Database == "" {
			errs = append(errs, errors.New("docstore.database: required for the mongo backend"))
		}
	}

	positive("engine.concurrency", int64(c.Engine.Concurrency))
	positive("engine.batchSize", int64(c.Engine.BatchSize))
	positive("engine.removeBatchCap", int64(c.Engine.RemoveBatchCap))
	positive("engine.scanPageSize", int64(c.Engine.ScanPageSize))
	oneOf("engine.probe", c.Engine.Probe, probeModes)

	positive("sweep.batchSize", int64(c.Sweep.BatchSize))
	positive("sweep.maxDurationMs", c.Sweep.MaxDurationMs)
	positive("sweep.intervalMs", c.Sweep.IntervalMs)
	if c.Sweep.Name == "" {
		errs = append(errs, errors.New("sweep.name: required"))
	}

	oneOf("checkpoint.backend", c.Checkpoint.Backend, checkpointBackends)
	switch strings.ToLower(c.Checkpoint.Backend) {
	case "oxia":
		if c.Checkpoint.OxiaEndpoint == "" || c.Checkpoint.OxiaNamespace == "" {
			errs = append(errs, errors.New("checkpoint: oxiaEndpoint and oxiaNamespace are required for the oxia backend"))
		}
	case "redis":
		if c.Checkpoint.RedisURL == "" {
			errs = append(errs, errors.New("checkpoint.redisUrl: required for the redis backend"))
		}
	}

	if c.Reports.Enabled {
		if !strings.HasPrefix(c.Reports.URL, "s3://") {
			errs = append(errs, fmt.Errorf("reports.url: %q must be an s3:// url", c.Reports.URL))
		}
		oneOf("reports.format", c.Reports.Format, reportFormats)
		oneOf("reports.compression", c.Reports.Compression, reportCodecs)
		if c.Reports.RetentionDays < 0 {
			errs = append(errs, fmt.Errorf("reports.retentionDays: must not be negative, got %d", c.Reports.RetentionDays))
		}
	}

	if len(c.Notify.KafkaBrokers) > 0 && c.Notify.KafkaTopic == "" {
		errs = append(errs, errors.New("notify.kafkaTopic: required when kafkaBrokers is set"))
	}

	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listenAddr: required"))
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("server: tlsCertFile and tlsKeyFile must be set together"))
	}

	oneOf("observability.logLevel", c.Observability.LogLevel, logLevels)
	oneOf("observability.logFormat", c.Observability.LogFormat, logFormats)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid:\n%w", err)
	}
	return nil
}

// applyEnv overrides every env-tagged field whose variable is set.
func applyEnv(cfg *Config) error {
	return applyEnvValue(reflect.ValueOf(cfg).Elem())
}

func applyEnvValue(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)
		if field.Type.Kind() == reflect.Struct {
			if err := applyEnvValue(fv); err != nil {
				return err
			}
			continue
		}
		name := field.Tag.Get("env")
		if name == "" {
			continue
		}
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := setField(fv, raw); err != nil {
			return fmt.Errorf("config: env %s: %w", name, err)
		}
	}
	return nil
}

func setField(fv reflect.Value, raw string) error {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", fv.Type())
		}
		var items []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		fv.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported field type %s", fv.Type())
	}
	return nil
}
