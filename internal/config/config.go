package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mehmetymw/delta2dwh/internal/types"
)

const (
	DefaultBatchSize    = 1000
	DefaultWorkers      = 1
	DefaultRetries      = 3
	DefaultRetryDelayMs = 5000
	DefaultSourceSchema = "public"
	DefaultSinkSchema   = "raw"
	DefaultEpoch        = "1970-01-01T00:00:00Z"
)

type SourceConfig struct {
	DSN    string `yaml:"dsn"`
	Schema string `yaml:"schema"`
}

type SinkConfig struct {
	DSN    string `yaml:"dsn"`
	Schema string `yaml:"schema"`
}

type Batching struct {
	BatchSize int `yaml:"batch_size"`
}

type Retry struct {
	Attempts int `yaml:"attempts"`
	DelayMs  int `yaml:"delay_ms"`
}

// Delay returns the pause between retry attempts.
func (r Retry) Delay() time.Duration {
	return time.Duration(r.DelayMs) * time.Millisecond
}

type KafkaNotify struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Notify struct {
	Kafka KafkaNotify `yaml:"kafka"`
}

// Enabled reports whether a notification target is configured.
func (n Notify) Enabled() bool {
	return len(n.Kafka.Brokers) > 0 && n.Kafka.Topic != ""
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Source   SourceConfig      `yaml:"source"`
	Sink     SinkConfig        `yaml:"sink"`
	Epoch    string            `yaml:"epoch"`
	Workers  int               `yaml:"workers"`
	Batching Batching          `yaml:"batching"`
	Retry    Retry             `yaml:"retry"`
	Notify   Notify            `yaml:"notify"`
	Log      Logging           `yaml:"log"`
	Tables   []types.TableSpec `yaml:"tables"`

	// EpochAt is Epoch parsed during validation.
	EpochAt time.Time `yaml:"-"`
}

// Load reads and validates the config file at path, falling back to the
// CONFIG_PATH environment variable when path is empty. The SOURCE_DSN and
// TARGET_DSN environment variables override the DSNs from the file so
// credentials can stay out of version control.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		return Config{}, errors.New("no config file: pass --config or set CONFIG_PATH")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	c.applyDefaults()
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Source.Schema == "" {
		c.Source.Schema = DefaultSourceSchema
	}
	if c.Sink.Schema == "" {
		c.Sink.Schema = DefaultSinkSchema
	}
	if c.Epoch == "" {
		c.Epoch = DefaultEpoch
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Batching.BatchSize <= 0 {
		c.Batching.BatchSize = DefaultBatchSize
	}
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = DefaultRetries
	}
	if c.Retry.DelayMs <= 0 {
		c.Retry.DelayMs = DefaultRetryDelayMs
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func (c *Config) applyEnv() {
	if dsn := os.Getenv("SOURCE_DSN"); dsn != "" {
		c.Source.DSN = dsn
	}
	if dsn := os.Getenv("TARGET_DSN"); dsn != "" {
		c.Sink.DSN = dsn
	}
}

// Validate checks the config and normalizes the table specs in place:
// destinations default to the source name and per-table batch sizes fall
// back to the global one.
func (c *Config) Validate() error {
	if c.Source.DSN == "" {
		return errors.New("source.dsn is required (or set SOURCE_DSN)")
	}
	if c.Sink.DSN == "" {
		return errors.New("sink.dsn is required (or set TARGET_DSN)")
	}

	epoch, err := time.Parse(time.RFC3339, c.Epoch)
	if err != nil {
		return fmt.Errorf("epoch %q is not RFC 3339: %w", c.Epoch, err)
	}
	c.EpochAt = epoch.UTC()

	if len(c.Tables) == 0 {
		return errors.New("no tables configured")
	}

	seen := make(map[string]bool, len(c.Tables))
	for i := range c.Tables {
		t := &c.Tables[i]
		if t.Source == "" {
			return fmt.Errorf("tables[%d]: source is required", i)
		}
		if t.Destination == "" {
			t.Destination = t.Source
		}
		if t.WatermarkColumn == "" {
			return fmt.Errorf("table %s: watermark_column is required", t.Source)
		}
		if len(t.PrimaryKey) == 0 {
			return fmt.Errorf("table %s: primary_key is required", t.Source)
		}
		for _, col := range t.PrimaryKey {
			if col == "" {
				return fmt.Errorf("table %s: empty primary_key column", t.Source)
			}
		}
		if t.BatchSize <= 0 {
			t.BatchSize = c.Batching.BatchSize
		}
		if seen[t.Destination] {
			return fmt.Errorf("duplicate destination table %s", t.Destination)
		}
		seen[t.Destination] = true
	}

	for _, t := range c.Tables {
		for _, dep := range t.DependsOn {
			if dep == t.Destination {
				return fmt.Errorf("table %s depends on itself", t.Destination)
			}
			if !seen[dep] {
				return fmt.Errorf("table %s depends on unknown table %s", t.Destination, dep)
			}
		}
	}
	if err := checkCycles(c.Tables); err != nil {
		return err
	}
	return nil
}

// Select returns the specs whose destination names appear in names,
// preserving config order. Unknown names are an error.
func (c *Config) Select(names []string) ([]types.TableSpec, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []types.TableSpec
	for _, t := range c.Tables {
		if want[t.Destination] {
			out = append(out, t)
			delete(want, t.Destination)
		}
	}
	for n := range want {
		return nil, fmt.Errorf("unknown table %s", n)
	}
	return out, nil
}

// checkCycles rejects configs whose depends_on graph is not a DAG.
func checkCycles(tables []types.TableSpec) error {
	deps := make(map[string][]string, len(tables))
	for _, t := range tables {
		deps[t.Destination] = t.DependsOn
	}

	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(tables))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("dependency cycle through table %s", name)
		case done:
			return nil
		}
		state[name] = visiting
		for _, dep := range deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for _, t := range tables {
		if err := visit(t.Destination); err != nil {
			return err
		}
	}
	return nil
}
