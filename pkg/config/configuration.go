// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
	"github.com/matrixorigin/hybridjoin/pkg/logutil"
)

const (
	defaultBucketCount         = 10000
	defaultLoadFactor          = 1.0
	defaultBufferCapacity      = 5000
	defaultAdmissionTimeout    = 10 * time.Second
	defaultPartitionTupleBound = 500
	defaultMaxGenerations      = 8
	defaultFalsePositive       = 0.001
	defaultSinkBatchSize       = 500
)

// AdmissionMode selects what the stream buffer does with a tuple when full.
type AdmissionMode string

const (
	// AdmissionBlocking suspends the producer until a slot frees.
	AdmissionBlocking AdmissionMode = "blocking"
	// AdmissionReject returns the tuple to the producer immediately.
	AdmissionReject AdmissionMode = "reject"
)

// Duration is a time.Duration that decodes from strings like "10s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// JoinConfig is the tuning surface of one hybrid join.
type JoinConfig struct {
	// BucketCount is the number of hash index buckets. 0 sizes the index from
	// the estimated number of distinct build keys and LoadFactor.
	BucketCount int `toml:"bucket-count"`

	// LoadFactor is the target average chain length used when BucketCount is 0.
	LoadFactor float64 `toml:"load-factor"`

	// MemoryBudget bounds the number of build tuples indexed per generation.
	// 0 means unbounded.
	MemoryBudget int `toml:"memory-budget"`

	BufferCapacity int `toml:"buffer-capacity"`

	AdmissionMode AdmissionMode `toml:"admission-mode"`

	// AdmissionTimeout bounds a blocking admission wait. 0 waits forever.
	AdmissionTimeout Duration `toml:"admission-timeout"`

	// RemovalTimeout bounds the consumer's wait on an empty buffer. 0 waits forever.
	RemovalTimeout Duration `toml:"removal-timeout"`

	PartitionTupleBound int `toml:"partition-tuple-bound"`

	MaxGenerations int `toml:"max-generations"`

	// ReportNonMatches keeps every genuinely unmatched probe tuple in the result.
	ReportNonMatches bool `toml:"report-non-matches"`

	// RemainderFalsePositive is the false positive rate of the filter over
	// build keys not indexed in the current generation.
	RemainderFalsePositive float64 `toml:"remainder-false-positive"`
}

// SpillConfig configures where overflow partitions live.
type SpillConfig struct {
	Dir string `toml:"dir"`

	// Backend is "file" or "pebble".
	Backend string `toml:"backend"`

	// Compress enables lz4 for file partitions.
	Compress bool `toml:"compress"`
}

// SinkConfig configures the destination of joined records.
type SinkConfig struct {
	// Kind is "sql", "json" or "memory".
	Kind string `toml:"kind"`

	// DSN is the MySQL data source name for the sql sink.
	DSN string `toml:"dsn"`

	Table string `toml:"table"`

	// Columns restricts and orders the inserted fields. Empty means every
	// field of the first record, in record order.
	Columns []string `toml:"columns"`

	BatchSize int `toml:"batch-size"`

	// Output is the file the json sink writes to, "-" or empty for stdout.
	Output string `toml:"output"`
}

// SourceConfig configures a build or probe source.
type SourceConfig struct {
	// Kind is "json" or "sql".
	Kind string `toml:"kind"`

	Path string `toml:"path"`

	DSN string `toml:"dsn"`

	Query string `toml:"query"`

	KeyColumn string `toml:"key-column"`

	// KeyType is "int" or "string".
	KeyType string `toml:"key-type"`
}

// JobConfig is one named join of the ETL run.
type JobConfig struct {
	Name  string       `toml:"name"`
	Build SourceConfig `toml:"build"`
	Probe SourceConfig `toml:"probe"`
	Sink  SinkConfig   `toml:"sink"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set.
	Addr string `toml:"addr"`
}

// Config is the configuration file of the hybridjoin binary.
type Config struct {
	Log     logutil.LogConfig `toml:"log"`
	Join    JoinConfig        `toml:"join"`
	Spill   SpillConfig       `toml:"spill"`
	Metrics MetricsConfig     `toml:"metrics"`
	Jobs    []JobConfig       `toml:"job"`

	// Workers is the number of jobs run at once.
	Workers int `toml:"workers"`
}

// LoadFromFile decodes the toml file at path into a Config with defaults
// applied and validates it.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, hjerr.NewBadConfig(context.TODO(), "decode %s: %v", path, err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	c.Join.SetDefaults()
	c.Spill.SetDefaults()
	for i := range c.Jobs {
		c.Jobs[i].Sink.SetDefaults()
		c.Jobs[i].Build.SetDefaults()
		c.Jobs[i].Probe.SetDefaults()
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
}

func (c *Config) Validate() error {
	if err := c.Join.Validate(); err != nil {
		return err
	}
	if err := c.Spill.Validate(); err != nil {
		return err
	}
	names := make(map[string]struct{}, len(c.Jobs))
	for _, job := range c.Jobs {
		if job.Name == "" {
			return hjerr.NewBadConfig(context.TODO(), "job without name")
		}
		if _, ok := names[job.Name]; ok {
			return hjerr.NewBadConfig(context.TODO(), "duplicate job %s", job.Name)
		}
		names[job.Name] = struct{}{}
		if err := job.Build.Validate(); err != nil {
			return err
		}
		if err := job.Probe.Validate(); err != nil {
			return err
		}
		if err := job.Sink.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *JoinConfig) SetDefaults() {
	if c.BucketCount == 0 && c.LoadFactor == 0 {
		c.BucketCount = defaultBucketCount
	}
	if c.LoadFactor == 0 {
		c.LoadFactor = defaultLoadFactor
	}
	if c.BufferCapacity == 0 {
		c.BufferCapacity = defaultBufferCapacity
	}
	if c.AdmissionMode == "" {
		c.AdmissionMode = AdmissionBlocking
	}
	if c.AdmissionTimeout.Duration == 0 && c.AdmissionMode == AdmissionBlocking {
		c.AdmissionTimeout.Duration = defaultAdmissionTimeout
	}
	if c.PartitionTupleBound == 0 {
		c.PartitionTupleBound = defaultPartitionTupleBound
	}
	if c.MaxGenerations == 0 {
		c.MaxGenerations = defaultMaxGenerations
	}
	if c.RemainderFalsePositive == 0 {
		c.RemainderFalsePositive = defaultFalsePositive
	}
}

func (c *JoinConfig) Validate() error {
	ctx := context.TODO()
	switch {
	case c.BucketCount < 0:
		return hjerr.NewBadConfig(ctx, "bucket-count must not be negative, got %d", c.BucketCount)
	case c.LoadFactor <= 0:
		return hjerr.NewBadConfig(ctx, "load-factor must be positive, got %v", c.LoadFactor)
	case c.MemoryBudget < 0:
		return hjerr.NewBadConfig(ctx, "memory-budget must not be negative, got %d", c.MemoryBudget)
	case c.BufferCapacity <= 0:
		return hjerr.NewBadConfig(ctx, "buffer-capacity must be positive, got %d", c.BufferCapacity)
	case c.PartitionTupleBound <= 0:
		return hjerr.NewBadConfig(ctx, "partition-tuple-bound must be positive, got %d", c.PartitionTupleBound)
	case c.MaxGenerations < 1:
		return hjerr.NewBadConfig(ctx, "max-generations must be at least 1, got %d", c.MaxGenerations)
	case c.AdmissionTimeout.Duration < 0 || c.RemovalTimeout.Duration < 0:
		return hjerr.NewBadConfig(ctx, "timeouts must not be negative")
	case c.RemainderFalsePositive <= 0 || c.RemainderFalsePositive >= 1:
		return hjerr.NewBadConfig(ctx, "remainder-false-positive must be in (0, 1), got %v", c.RemainderFalsePositive)
	}
	switch c.AdmissionMode {
	case AdmissionBlocking, AdmissionReject:
	default:
		return hjerr.NewBadConfig(ctx, "unknown admission-mode %q", c.AdmissionMode)
	}
	return nil
}

func (c *SpillConfig) SetDefaults() {
	if c.Dir == "" {
		c.Dir = os.TempDir()
	}
	if c.Backend == "" {
		c.Backend = "file"
	}
}

func (c *SpillConfig) Validate() error {
	switch c.Backend {
	case "file", "pebble":
		return nil
	}
	return hjerr.NewBadConfig(context.TODO(), "unknown spill backend %q", c.Backend)
}

func (c *SinkConfig) SetDefaults() {
	if c.Kind == "" {
		c.Kind = "json"
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultSinkBatchSize
	}
}

func (c *SinkConfig) Validate() error {
	ctx := context.TODO()
	if c.BatchSize <= 0 {
		return hjerr.NewBadConfig(ctx, "sink batch-size must be positive, got %d", c.BatchSize)
	}
	switch c.Kind {
	case "sql":
		if c.DSN == "" || c.Table == "" {
			return hjerr.NewBadConfig(ctx, "sql sink needs dsn and table")
		}
	case "json", "memory":
	default:
		return hjerr.NewBadConfig(ctx, "unknown sink kind %q", c.Kind)
	}
	return nil
}

func (c *SourceConfig) SetDefaults() {
	if c.KeyType == "" {
		c.KeyType = "string"
	}
}

func (c *SourceConfig) Validate() error {
	ctx := context.TODO()
	if c.KeyColumn == "" {
		return hjerr.NewBadConfig(ctx, "source needs key-column")
	}
	switch c.KeyType {
	case "int", "string":
	default:
		return hjerr.NewBadConfig(ctx, "unknown key-type %q", c.KeyType)
	}
	switch c.Kind {
	case "json":
		if c.Path == "" {
			return hjerr.NewBadConfig(ctx, "json source needs path")
		}
	case "sql":
		if c.DSN == "" || c.Query == "" {
			return hjerr.NewBadConfig(ctx, "sql source needs dsn and query")
		}
	default:
		return hjerr.NewBadConfig(ctx, "unknown source kind %q", c.Kind)
	}
	return nil
}
