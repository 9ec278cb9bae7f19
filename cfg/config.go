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

// SnapshotMode controls whether an initial table snapshot is taken before
// streaming starts.
type SnapshotMode string

const (
	SnapshotInitial SnapshotMode = "initial" // snapshot tables, then stream
	SnapshotNever   SnapshotMode = "never"   // stream only
)

// SourceConfiguration describes the Postgres logical replication source.
type SourceConfiguration struct {
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	Database        string   `toml:"database"`
	SlotName        string   `toml:"slot_name"`
	PublicationName string   `toml:"publication_name"`
	Tables          []string `toml:"tables"` // allow-list, glob patterns
	SnapshotMode    string   `toml:"snapshot_mode"`
	DropSlotOnStop  bool     `toml:"drop_slot_on_stop"`
}

// DSN builds a replication connection string for the source.
func (s SourceConfiguration) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable replication=database",
		s.Host, s.Port, s.User, s.Password, s.Database)
}

// QueryDSN builds a regular (non-replication) connection string, used for
// slot inspection and snapshot reads.
func (s SourceConfiguration) QueryDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		s.Host, s.Port, s.User, s.Password, s.Database)
}

// SinkConfiguration describes the destination broker.
type SinkConfiguration struct {
	Type              string   `toml:"type"`   // "kafka" or "nats"
	Format            string   `toml:"format"` // "debezium"
	Brokers           []string `toml:"brokers"`
	NatsURL           string   `toml:"nats_url"`
	TopicPrefix       string   `toml:"topic_prefix"`
	StripSchemaPrefix bool     `toml:"strip_schema_prefix"` // drop "public." from topic names
	TombstoneOnDelete bool     `toml:"tombstone_on_delete"`
	BatchSize         int      `toml:"batch_size"`
	BatchBytes        int64    `toml:"batch_bytes"`
}

// PipelineConfiguration bounds the in-process queues between stages.
type PipelineConfiguration struct {
	RecordQueueSize         int `toml:"record_queue_size"`
	BatchQueueSize          int `toml:"batch_queue_size"`
	MaxBufferedChanges      int `toml:"max_buffered_changes"` // soft memory ceiling across open txn buffers
	StandbyUpdateIntervalMS int `toml:"standby_update_interval_ms"`
	ReceiveTimeoutMS        int `toml:"receive_timeout_ms"`
}

// RetryConfiguration is the supervisor's backoff policy for transient
// failures. Terminal failures (protocol corruption, purged WAL) never retry.
type RetryConfiguration struct {
	InitialMS  int     `toml:"initial_ms"`
	MaxMS      int     `toml:"max_ms"`
	Multiplier float64 `toml:"multiplier"`
}

// AdminConfiguration for the management HTTP surface.
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	AuthKey     string `toml:"auth_key"` // empty disables auth
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	ConnectorName string `toml:"connector_name"`
	ConnectorID   uint64 `toml:"connector_id"` // 0 = derive from machine id
	DataDir       string `toml:"data_dir"`

	Source     SourceConfiguration     `toml:"source"`
	Sink       SinkConfiguration       `toml:"sink"`
	Pipeline   PipelineConfiguration   `toml:"pipeline"`
	Retry      RetryConfiguration      `toml:"retry"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	SlotNameFlag   = flag.String("slot", "", "Replication slot name (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin API port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	ConnectorName: "floodgate",
	DataDir:       "./floodgate-data",

	Source: SourceConfiguration{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Database:        "postgres",
		SlotName:        "floodgate",
		PublicationName: "floodgate",
		Tables:          []string{"customers", "products", "orders"},
		SnapshotMode:    string(SnapshotInitial),
		DropSlotOnStop:  false,
	},

	Sink: SinkConfiguration{
		Type:              "kafka",
		Format:            "debezium",
		Brokers:           []string{"localhost:9092"},
		TopicPrefix:       "floodgate",
		StripSchemaPrefix: true,
		TombstoneOnDelete: true,
		BatchSize:         100,
		BatchBytes:        1 << 20,
	},

	Pipeline: PipelineConfiguration{
		RecordQueueSize:         1024,
		BatchQueueSize:          64,
		MaxBufferedChanges:      100_000,
		StandbyUpdateIntervalMS: 5000,
		ReceiveTimeoutMS:        10_000,
	},

	Retry: RetryConfiguration{
		InitialMS:  100,
		MaxMS:      30_000,
		Multiplier: 2.0,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8083,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *SlotNameFlag != "" {
		Config.Source.SlotName = *SlotNameFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate connector ID if not set
	if Config.ConnectorID == 0 {
		var err error
		Config.ConnectorID, err = generateConnectorID()
		if err != nil {
			return fmt.Errorf("failed to generate connector ID: %w", err)
		}
		log.Info().Uint64("connector_id", Config.ConnectorID).Msg("Auto-generated connector ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateConnectorID creates a stable connector ID based on machine ID
func generateConnectorID() (uint64, error) {
	id, err := machineid.ProtectedID("floodgate")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	h.Write([]byte(Config.ConnectorName))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.ConnectorName == "" {
		return fmt.Errorf("connector_name is required")
	}

	if Config.Source.Host == "" {
		return fmt.Errorf("source host is required")
	}
	if Config.Source.Port < 1 || Config.Source.Port > 65535 {
		return fmt.Errorf("invalid source port: %d", Config.Source.Port)
	}
	if Config.Source.SlotName == "" {
		return fmt.Errorf("source slot_name is required")
	}
	if Config.Source.PublicationName == "" {
		return fmt.Errorf("source publication_name is required")
	}

	switch SnapshotMode(Config.Source.SnapshotMode) {
	case SnapshotInitial, SnapshotNever:
	default:
		return fmt.Errorf("invalid snapshot_mode: %s", Config.Source.SnapshotMode)
	}

	switch Config.Sink.Type {
	case "kafka":
		if len(Config.Sink.Brokers) == 0 {
			return fmt.Errorf("kafka sink requires at least one broker")
		}
	case "nats":
		if Config.Sink.NatsURL == "" {
			return fmt.Errorf("nats sink requires nats_url")
		}
	default:
		return fmt.Errorf("invalid sink type: %s", Config.Sink.Type)
	}

	if Config.Sink.Format != "debezium" {
		return fmt.Errorf("invalid sink format: %s", Config.Sink.Format)
	}

	if Config.Pipeline.RecordQueueSize < 1 {
		return fmt.Errorf("record queue size must be >= 1")
	}
	if Config.Pipeline.BatchQueueSize < 1 {
		return fmt.Errorf("batch queue size must be >= 1")
	}
	if Config.Pipeline.MaxBufferedChanges < 1 {
		return fmt.Errorf("max buffered changes must be >= 1")
	}
	if Config.Pipeline.StandbyUpdateIntervalMS < 1 {
		return fmt.Errorf("standby update interval must be >= 1ms")
	}
	if Config.Pipeline.ReceiveTimeoutMS < 1 {
		return fmt.Errorf("receive timeout must be >= 1ms")
	}

	if Config.Retry.InitialMS < 1 {
		return fmt.Errorf("retry initial delay must be >= 1ms")
	}
	if Config.Retry.MaxMS < Config.Retry.InitialMS {
		return fmt.Errorf("retry max delay must be >= initial delay")
	}
	if Config.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// IsAdminAuthEnabled reports whether admin endpoints require a key.
func IsAdminAuthEnabled() bool {
	return Config.Admin.AuthKey != ""
}

// GetAdminAuthKey returns the configured admin auth key.
func GetAdminAuthKey() string {
	return Config.Admin.AuthKey
}
