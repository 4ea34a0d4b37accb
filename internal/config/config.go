// Package config loads the service configuration from a YAML file, the
// environment and defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-digitaltwin/citytwin/normalize"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables overriding configuration keys;
// CITYTWIN_SERVER_ADDR overrides server.addr.
const EnvPrefix = "CITYTWIN"

// Config holds the full service configuration.
type Config struct {
	City      CityConfig      `yaml:"city" mapstructure:"city"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Neo4j     Neo4jConfig     `yaml:"neo4j" mapstructure:"neo4j"`
	Flush     FlushConfig     `yaml:"flush" mapstructure:"flush"`
	Snapshot  SnapshotConfig  `yaml:"snapshot" mapstructure:"snapshot"`
	Broadcast BroadcastConfig `yaml:"broadcast" mapstructure:"broadcast"`
}

// CityConfig identifies the city and names its districts.
type CityConfig struct {
	ID        string           `yaml:"id" mapstructure:"id"`
	Name      string           `yaml:"name" mapstructure:"name"`
	Version   string           `yaml:"version" mapstructure:"version"`
	Districts []DistrictConfig `yaml:"districts" mapstructure:"districts"`
	// StateTTL prunes vehicles not heard from for this long. Zero disables
	// pruning.
	StateTTL time.Duration `yaml:"state_ttl" mapstructure:"state_ttl"`
}

// DistrictConfig names a district. Ids are kept in a list because viper
// lower-cases map keys.
type DistrictConfig struct {
	ID   string `yaml:"id" mapstructure:"id"`
	Name string `yaml:"name" mapstructure:"name"`
}

// DistrictNames returns the district name table.
func (c CityConfig) DistrictNames() map[string]string {
	names := make(map[string]string, len(c.Districts))
	for _, d := range c.Districts {
		names[d.ID] = d.Name
	}
	return names
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or text
}

// Handler returns the slog handler writing to w.
func (c LogConfig) Handler(w io.Writer) (slog.Handler, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch c.Format {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Format)
	}
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// IngestConfig configures the subscriptions and the batching of the ingestion
// loop.
type IngestConfig struct {
	// Subscriptions default to an in-memory subscription per default topic.
	Subscriptions    []SubscriptionConfig `yaml:"subscriptions" mapstructure:"subscriptions"`
	BatchWindow      time.Duration        `yaml:"batch_window" mapstructure:"batch_window"`
	MaxBatch         int                  `yaml:"max_batch" mapstructure:"max_batch"`
	LivenessInterval time.Duration        `yaml:"liveness_interval" mapstructure:"liveness_interval"`
	// MaxSilence is how long the loop may go without a beat before the
	// health check fails.
	MaxSilence       time.Duration `yaml:"max_silence" mapstructure:"max_silence"`
	DefaultElevation float64       `yaml:"default_elevation" mapstructure:"default_elevation"`
}

// SubscriptionConfig binds a topic to a gocloud pubsub subscription URL, such
// as kafka://group?topic=city-speed-sensors or mem://city-speed-sensors.
type SubscriptionConfig struct {
	Topic string `yaml:"topic" mapstructure:"topic"`
	// Kind defaults to the kind of the topic among the default topics.
	Kind string `yaml:"kind" mapstructure:"kind"`
	URL  string `yaml:"url" mapstructure:"url"`
}

// Topics returns the topic table of the normaliser.
func (c IngestConfig) Topics() map[string]normalize.Kind {
	topics := make(map[string]normalize.Kind, len(c.Subscriptions))
	for _, s := range c.Subscriptions {
		topics[s.Topic] = normalize.Kind(s.Kind)
	}
	return topics
}

// RedisConfig configures the Redis flush sink. An empty URL disables it.
type RedisConfig struct {
	URL    string `yaml:"url" mapstructure:"url"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

// Neo4jConfig configures the graph mirror. An empty URI disables it.
type Neo4jConfig struct {
	URI      string `yaml:"uri" mapstructure:"uri"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
}

// FlushConfig configures the flush timer.
type FlushConfig struct {
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
	// Timeout bounds the final flush at shutdown.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// SnapshotConfig configures the snapshot store and trigger.
type SnapshotConfig struct {
	CollectionURL string        `yaml:"collection_url" mapstructure:"collection_url"`
	Threshold     int           `yaml:"threshold" mapstructure:"threshold"`
	CheckInterval time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	MaxInterval   time.Duration `yaml:"max_interval" mapstructure:"max_interval"`
	// NotifyURL is a gocloud pubsub topic URL announcing new snapshots. Empty
	// disables notifications.
	NotifyURL string `yaml:"notify_url" mapstructure:"notify_url"`
}

// BroadcastConfig configures the broadcast hub.
type BroadcastConfig struct {
	Interval   time.Duration `yaml:"interval" mapstructure:"interval"`
	BufferSize int           `yaml:"buffer_size" mapstructure:"buffer_size"`
}

// Load reads the configuration. An empty path searches for config.yaml in the
// working directory and /etc/citytwin, and a missing file is not an error.
// Environment variables override both the file and the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/citytwin")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.fill()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("city.id", "city-01")
	v.SetDefault("city.name", "City")
	v.SetDefault("city.version", "1.0")
	v.SetDefault("city.state_ttl", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("ingest.batch_window", 50*time.Millisecond)
	v.SetDefault("ingest.max_batch", 500)
	v.SetDefault("ingest.liveness_interval", 5*time.Second)
	v.SetDefault("ingest.max_silence", 30*time.Second)
	v.SetDefault("ingest.default_elevation", 0)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.prefix", "citytwin")
	v.SetDefault("neo4j.uri", "")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "")
	v.SetDefault("neo4j.database", "citytwin")
	v.SetDefault("flush.interval", 5*time.Second)
	v.SetDefault("flush.timeout", 10*time.Second)
	v.SetDefault("snapshot.collection_url", "mem://snapshots/id")
	v.SetDefault("snapshot.threshold", 1000)
	v.SetDefault("snapshot.check_interval", 10*time.Second)
	v.SetDefault("snapshot.max_interval", 5*time.Minute)
	v.SetDefault("snapshot.notify_url", "")
	v.SetDefault("broadcast.interval", time.Second)
	v.SetDefault("broadcast.buffer_size", 64)
}

// fill completes the values viper cannot default: list entries.
func (c *Config) fill() {
	defaults := normalize.DefaultTopics()
	if len(c.Ingest.Subscriptions) == 0 {
		for topic := range defaults {
			c.Ingest.Subscriptions = append(c.Ingest.Subscriptions, SubscriptionConfig{URL: "mem://" + topic, Topic: topic})
		}
		slices.SortFunc(c.Ingest.Subscriptions, func(a, b SubscriptionConfig) int {
			return strings.Compare(a.Topic, b.Topic)
		})
	}
	for i, s := range c.Ingest.Subscriptions {
		if s.Kind == "" {
			c.Ingest.Subscriptions[i].Kind = string(defaults[s.Topic])
		}
	}
}

// Validate reports every invalid value of c.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.City.ID != "", "city.id is required")
	if _, err := c.Log.Handler(io.Discard); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	check(c.Server.Addr != "", "server.addr is required")
	check(c.City.StateTTL >= 0, "city.state_ttl must not be negative")

	check(len(c.Ingest.Subscriptions) > 0, "ingest.subscriptions must not be empty")
	seen := make(map[string]bool)
	for _, s := range c.Ingest.Subscriptions {
		check(s.Topic != "", "ingest.subscriptions: topic is required")
		check(!seen[s.Topic], "ingest.subscriptions: duplicate topic %q", s.Topic)
		seen[s.Topic] = true
		check(s.URL != "", "ingest.subscriptions: %q has no url", s.Topic)
		check(slices.Contains(normalize.Kinds, normalize.Kind(s.Kind)), "ingest.subscriptions: %q has unknown kind %q", s.Topic, s.Kind)
	}
	check(c.Ingest.BatchWindow > 0, "ingest.batch_window must be positive")
	check(c.Ingest.MaxBatch > 0, "ingest.max_batch must be positive")
	check(c.Ingest.LivenessInterval > 0, "ingest.liveness_interval must be positive")
	check(c.Ingest.MaxSilence > c.Ingest.LivenessInterval, "ingest.max_silence must exceed ingest.liveness_interval")

	check(c.Flush.Interval > 0, "flush.interval must be positive")
	check(c.Flush.Timeout > 0, "flush.timeout must be positive")
	check(c.Snapshot.CollectionURL != "", "snapshot.collection_url is required")
	check(c.Snapshot.Threshold > 0, "snapshot.threshold must be positive")
	check(c.Snapshot.CheckInterval > 0, "snapshot.check_interval must be positive")
	check(c.Snapshot.MaxInterval >= c.Snapshot.CheckInterval, "snapshot.max_interval must not be shorter than snapshot.check_interval")
	check(c.Broadcast.Interval > 0, "broadcast.interval must be positive")
	check(c.Broadcast.BufferSize > 0, "broadcast.buffer_size must be positive")
	if c.Neo4j.URI != "" {
		check(c.Neo4j.Database != "", "neo4j.database is required with neo4j.uri")
	}
	return errors.Join(errs...)
}
