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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
)

const sampleConfig = `
workers = 2

[log]
level = "debug"
format = "json"

[join]
memory-budget = 1000
buffer-capacity = 64
admission-mode = "reject"
removal-timeout = "250ms"
partition-tuple-bound = 100
max-generations = 4
report-non-matches = true

[spill]
dir = "/tmp/hj"
backend = "pebble"
compress = true

[metrics]
addr = ":9100"

[[job]]
name = "customers"

[job.build]
kind = "sql"
dsn = "root:pwd@tcp(127.0.0.1:3306)/dw"
query = "SELECT customer_id, gender FROM customer"
key-column = "customer_id"
key-type = "int"

[job.probe]
kind = "json"
path = "transactions.jsonl"
key-column = "customer_id"
key-type = "int"

[job.sink]
kind = "sql"
dsn = "root:pwd@tcp(127.0.0.1:3306)/dw"
table = "fact_sales"
columns = ["order_id", "customer_id", "gender"]
`

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "hj.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Equal(t, 2, cfg.Workers)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)

	require.Equal(t, defaultBucketCount, cfg.Join.BucketCount)
	require.Equal(t, 1000, cfg.Join.MemoryBudget)
	require.Equal(t, 64, cfg.Join.BufferCapacity)
	require.Equal(t, AdmissionReject, cfg.Join.AdmissionMode)
	require.Equal(t, time.Duration(0), cfg.Join.AdmissionTimeout.Duration)
	require.Equal(t, 250*time.Millisecond, cfg.Join.RemovalTimeout.Duration)
	require.Equal(t, 100, cfg.Join.PartitionTupleBound)
	require.Equal(t, 4, cfg.Join.MaxGenerations)
	require.True(t, cfg.Join.ReportNonMatches)

	require.Equal(t, "pebble", cfg.Spill.Backend)
	require.True(t, cfg.Spill.Compress)
	require.Equal(t, ":9100", cfg.Metrics.Addr)

	require.Len(t, cfg.Jobs, 1)
	job := cfg.Jobs[0]
	require.Equal(t, "customers", job.Name)
	require.Equal(t, "int", job.Build.KeyType)
	require.Equal(t, "transactions.jsonl", job.Probe.Path)
	require.Equal(t, []string{"order_id", "customer_id", "gender"}, job.Sink.Columns)
	require.Equal(t, defaultSinkBatchSize, job.Sink.BatchSize)
}

func TestJoinDefaults(t *testing.T) {
	var c JoinConfig
	c.SetDefaults()
	require.NoError(t, c.Validate())
	require.Equal(t, defaultBucketCount, c.BucketCount)
	require.Equal(t, defaultBufferCapacity, c.BufferCapacity)
	require.Equal(t, AdmissionBlocking, c.AdmissionMode)
	require.Equal(t, defaultAdmissionTimeout, c.AdmissionTimeout.Duration)
	require.Equal(t, defaultPartitionTupleBound, c.PartitionTupleBound)
	require.Equal(t, defaultMaxGenerations, c.MaxGenerations)

	// an explicit load factor keeps automatic bucket sizing
	auto := JoinConfig{LoadFactor: 0.75}
	auto.SetDefaults()
	require.Equal(t, 0, auto.BucketCount)
	require.NoError(t, auto.Validate())
}

func TestJoinValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *JoinConfig)
	}{
		{"negative buckets", func(c *JoinConfig) { c.BucketCount = -1 }},
		{"zero capacity", func(c *JoinConfig) { c.BufferCapacity = -5 }},
		{"zero bound", func(c *JoinConfig) { c.PartitionTupleBound = -1 }},
		{"zero generations", func(c *JoinConfig) { c.MaxGenerations = -1 }},
		{"bad mode", func(c *JoinConfig) { c.AdmissionMode = "drop" }},
		{"negative timeout", func(c *JoinConfig) { c.RemovalTimeout.Duration = -time.Second }},
		{"bad fp rate", func(c *JoinConfig) { c.RemainderFalsePositive = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c JoinConfig
			c.SetDefaults()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			require.True(t, hjerr.IsErrCode(err, hjerr.ErrBadConfig))
		})
	}
}

func TestConfigValidateJobs(t *testing.T) {
	_, err := LoadFromFile(writeConfig(t, `
[[job]]
name = "a"
[job.build]
kind = "json"
path = "a.jsonl"
key-column = "id"
[job.probe]
kind = "json"
path = "b.jsonl"
key-column = "id"

[[job]]
name = "a"
[job.build]
kind = "json"
path = "a.jsonl"
key-column = "id"
[job.probe]
kind = "json"
path = "b.jsonl"
key-column = "id"
`))
	require.True(t, hjerr.IsErrCode(err, hjerr.ErrBadConfig))

	_, err = LoadFromFile(writeConfig(t, `
[[job]]
name = "a"
[job.build]
kind = "csv"
key-column = "id"
`))
	require.True(t, hjerr.IsErrCode(err, hjerr.ErrBadConfig))

	_, err = LoadFromFile(writeConfig(t, "[join\n"))
	require.True(t, hjerr.IsErrCode(err, hjerr.ErrBadConfig))
}
