package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Flags override file-provided values after Load.
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	VerboseFlag    = flag.Bool("verbose", false, "Enable debug logging")
	DryRunFlag     = flag.Bool("dry-run", false, "Plan migrations without executing them")
	DataDirFlag    = flag.String("data-dir", "", "Override data directory")
)

type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"`
}

type SourceConfiguration struct {
	Kind    string            `toml:"kind"`
	DSN     string            `toml:"dsn"`
	Options map[string]string `toml:"options"`
}

type DestinationConfiguration struct {
	Kind    string            `toml:"kind"`
	DSN     string            `toml:"dsn"`
	Options map[string]string `toml:"options"`
}

type TableConfiguration struct {
	Name             string `toml:"name"`
	Enabled          *bool  `toml:"enabled"`
	MaxParallel      int    `toml:"max_parallel"`
	WriteBatchSize   int    `toml:"write_batch_size"`
	DeletionStrategy string `toml:"deletion_strategy"`
	SoftDeleteColumn string `toml:"soft_delete_column"`
	Strategy         string `toml:"strategy"`
}

type SchemaConfiguration struct {
	Name        string               `toml:"name"`
	MaxParallel int                  `toml:"max_parallel"`
	Whitelist   []string             `toml:"whitelist"`
	Blacklist   []string             `toml:"blacklist"`
	Tables      []TableConfiguration `toml:"tables"`
}

type EvolutionConfiguration struct {
	Strategy                 string   `toml:"strategy"`
	DetectionIntervalSeconds int      `toml:"detection_interval_seconds"`
	MaxConcurrentMigrations  int      `toml:"max_concurrent_migrations"`
	DataLossThresholdPct     float64  `toml:"data_loss_threshold_pct"`
	ExcludedTables           []string `toml:"excluded_tables"`
	ExcludedColumns          []string `toml:"excluded_columns"`
	NoRemovalTables          []string `toml:"no_removal_tables"`
	DryRun                   bool     `toml:"dry_run"`
}

type SyncConfiguration struct {
	PollingIntervalSeconds int `toml:"polling_interval_seconds"`
	StreamBatchSize        int `toml:"stream_batch_size"`
	WriteBatchSize         int `toml:"write_batch_size"`
	FullLoadBatchSize      int `toml:"full_load_batch_size"`
	MaxParallelStreams     int `toml:"max_parallel_streams"`
}

type ErrorsConfiguration struct {
	MaxRetries         int     `toml:"max_retries"`
	BackoffFactor      float64 `toml:"backoff_factor"`
	MaxBackoffSeconds  int     `toml:"max_backoff_seconds"`
	RetryWindowSeconds int     `toml:"retry_window_seconds"`
	DeadLetter         bool    `toml:"dead_letter"`
}

type RetentionConfiguration struct {
	RunDays            int `toml:"run_days"`
	ErrorDays          int `toml:"error_days"`
	SchemaVersionsKeep int `toml:"schema_versions_keep"`
	IntervalSeconds    int `toml:"interval_seconds"`
	StuckRunSeconds    int `toml:"stuck_run_seconds"`
}

type EventsConfiguration struct {
	Sink         string   `toml:"sink"`
	NatsURL      string   `toml:"nats_url"`
	KafkaBrokers []string `toml:"kafka_brokers"`
	TopicPrefix  string   `toml:"topic_prefix"`
}

type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Bind    string `toml:"bind"`
	Port    int    `toml:"port"`
}

type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

type Configuration struct {
	DataDir    string `toml:"data_dir"`
	InstanceID uint64 `toml:"instance_id"`
	Mode       string `toml:"mode"`

	Logging     LoggingConfiguration     `toml:"logging"`
	Source      SourceConfiguration      `toml:"source"`
	Destination DestinationConfiguration `toml:"destination"`
	Schemas     []SchemaConfiguration    `toml:"schemas"`
	Evolution   EvolutionConfiguration   `toml:"evolution"`
	Sync        SyncConfiguration        `toml:"sync"`
	Errors      ErrorsConfiguration      `toml:"errors"`
	Retention   RetentionConfiguration   `toml:"retention"`
	Events      EventsConfiguration      `toml:"events"`
	Admin       AdminConfiguration       `toml:"admin"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
}

// Config is the global configuration, populated with defaults and
// overwritten by Load.
var Config = &Configuration{
	DataDir: "/tmp/driftsync",
	Mode:    "multi",
	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},
	Source:      SourceConfiguration{Kind: "memory"},
	Destination: DestinationConfiguration{Kind: "memory"},
	Evolution: EvolutionConfiguration{
		Strategy:                 "CONSERVATIVE",
		DetectionIntervalSeconds: 30,
		MaxConcurrentMigrations:  4,
		DataLossThresholdPct:     5,
	},
	Sync: SyncConfiguration{
		PollingIntervalSeconds: 5,
		StreamBatchSize:        1000,
		WriteBatchSize:         500,
		FullLoadBatchSize:      10000,
		MaxParallelStreams:     8,
	},
	Errors: ErrorsConfiguration{
		MaxRetries:         3,
		BackoffFactor:      2.0,
		MaxBackoffSeconds:  300,
		RetryWindowSeconds: 3600,
		DeadLetter:         true,
	},
	Retention: RetentionConfiguration{
		RunDays:            30,
		ErrorDays:          14,
		SchemaVersionsKeep: 10,
		IntervalSeconds:    3600,
		StuckRunSeconds:    1800,
	},
	Events: EventsConfiguration{
		TopicPrefix: "driftsync",
	},
	Admin: AdminConfiguration{
		Enabled: false,
		Bind:    "0.0.0.0",
		Port:    8190,
	},
	Prometheus: PrometheusConfiguration{Enabled: false},
}

// Load reads the TOML file at path into Config and applies flag overrides.
// A missing file is not an error; defaults plus flags apply.
func Load(path string) error {
	_, err := toml.DecodeFile(path, Config)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	if os.IsNotExist(err) {
		log.Warn().Str("path", path).Msg("Config file not found, using defaults")
	}

	if *VerboseFlag {
		Config.Logging.Verbose = true
	}
	if *DryRunFlag {
		Config.Evolution.DryRun = true
	}
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}

	if Config.InstanceID == 0 {
		Config.InstanceID = generateInstanceID()
	}

	return nil
}

// generateInstanceID derives a stable 64-bit ID from the machine identity,
// falling back to the hostname when machine ID lookup fails.
func generateInstanceID() uint64 {
	machineID, err := machineid.ProtectedID("driftsync")
	if err != nil {
		log.Warn().Err(err).Msg("Unable to read machine ID, falling back to hostname")
		host, herr := os.Hostname()
		if herr != nil {
			host = "driftsync-unknown"
		}
		machineID = host
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(machineID))
	return h.Sum64()
}

var validStrategies = map[string]struct{}{
	"STRICT": {}, "CONSERVATIVE": {}, "PERMISSIVE": {}, "AGGRESSIVE": {},
}

// Validate checks cross-field constraints. Call after Load.
func Validate() error {
	if Config.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if Config.Mode != "single" && Config.Mode != "multi" {
		return fmt.Errorf("mode must be single or multi, got %q", Config.Mode)
	}
	if Config.Mode == "single" && len(Config.Schemas) > 1 {
		return fmt.Errorf("single mode allows exactly one schema, got %d", len(Config.Schemas))
	}

	if _, ok := validStrategies[Config.Evolution.Strategy]; !ok {
		return fmt.Errorf("unknown evolution strategy %q", Config.Evolution.Strategy)
	}
	if Config.Evolution.DetectionIntervalSeconds <= 0 {
		return fmt.Errorf("evolution detection_interval_seconds must be positive")
	}
	if Config.Evolution.MaxConcurrentMigrations <= 0 {
		return fmt.Errorf("evolution max_concurrent_migrations must be positive")
	}
	if Config.Evolution.DataLossThresholdPct < 0 || Config.Evolution.DataLossThresholdPct > 100 {
		return fmt.Errorf("evolution data_loss_threshold_pct must be in [0,100]")
	}

	if Config.Sync.PollingIntervalSeconds <= 0 {
		return fmt.Errorf("sync polling_interval_seconds must be positive")
	}
	if Config.Sync.StreamBatchSize <= 0 || Config.Sync.WriteBatchSize <= 0 || Config.Sync.FullLoadBatchSize <= 0 {
		return fmt.Errorf("sync batch sizes must be positive")
	}
	if Config.Sync.MaxParallelStreams <= 0 {
		return fmt.Errorf("sync max_parallel_streams must be positive")
	}

	if Config.Errors.MaxRetries < 0 {
		return fmt.Errorf("errors max_retries must not be negative")
	}
	if Config.Errors.BackoffFactor < 1 {
		return fmt.Errorf("errors backoff_factor must be >= 1")
	}

	if Config.Retention.SchemaVersionsKeep < 1 {
		return fmt.Errorf("retention schema_versions_keep must be >= 1")
	}

	switch Config.Events.Sink {
	case "", "mock":
	case "nats":
		if Config.Events.NatsURL == "" {
			return fmt.Errorf("events sink nats requires nats_url")
		}
	case "kafka":
		if len(Config.Events.KafkaBrokers) == 0 {
			return fmt.Errorf("events sink kafka requires kafka_brokers")
		}
	default:
		return fmt.Errorf("unknown events sink %q", Config.Events.Sink)
	}

	if Config.Admin.Enabled && (Config.Admin.Port <= 0 || Config.Admin.Port > 65535) {
		return fmt.Errorf("admin port %d out of range", Config.Admin.Port)
	}

	seen := make(map[string]struct{}, len(Config.Schemas))
	for i := range Config.Schemas {
		sc := &Config.Schemas[i]
		if sc.Name == "" {
			return fmt.Errorf("schemas[%d] missing name", i)
		}
		if _, dup := seen[sc.Name]; dup {
			return fmt.Errorf("duplicate schema %q", sc.Name)
		}
		seen[sc.Name] = struct{}{}

		for j := range sc.Tables {
			tc := &sc.Tables[j]
			if tc.Name == "" {
				return fmt.Errorf("schema %q tables[%d] missing name", sc.Name, j)
			}
			switch tc.DeletionStrategy {
			case "", "hard":
			case "soft":
				if tc.SoftDeleteColumn == "" {
					return fmt.Errorf("schema %q table %q: soft deletion requires soft_delete_column", sc.Name, tc.Name)
				}
			default:
				return fmt.Errorf("schema %q table %q: unknown deletion_strategy %q", sc.Name, tc.Name, tc.DeletionStrategy)
			}
			if tc.Strategy != "" {
				if _, ok := validStrategies[tc.Strategy]; !ok {
					return fmt.Errorf("schema %q table %q: unknown strategy %q", sc.Name, tc.Name, tc.Strategy)
				}
			}
		}
	}

	return nil
}
