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
package etl

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
	"github.com/matrixorigin/hybridjoin/pkg/config"
	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
	"github.com/matrixorigin/hybridjoin/pkg/hybridjoin"
	"github.com/matrixorigin/hybridjoin/pkg/sink"
	"github.com/matrixorigin/hybridjoin/pkg/source"
)

type closeRecorder struct {
	closed *[]string
	name   string
}

func (c closeRecorder) Close() error {
	*c.closed = append(*c.closed, c.name)
	return nil
}

func newSliceJob(t *testing.T, name string, build, probe []tuple.Tuple) (Job, *sink.MemorySink) {
	eng, err := hybridjoin.New(name, config.JoinConfig{}, config.SpillConfig{Dir: t.TempDir()}, 4)
	require.NoError(t, err)
	out := sink.NewMemorySink()
	probeSrc := source.NewSliceSource(probe)
	return Job{
		Name:   name,
		Engine: eng,
		Build:  source.NewSliceSource(build),
		Probe: func(context.Context) (source.ProbeSource, error) {
			return probeSrc.Iter(), nil
		},
		Sink: out,
	}, out
}

func tup(k int64, field, value string) tuple.Tuple {
	return tuple.Tuple{Key: tuple.IntKey(k), Payload: tuple.Payload{{Name: field, Value: value}}}
}

func TestOrchestratorRun(t *testing.T) {
	build := []tuple.Tuple{tup(1, "name", "A"), tup(2, "name", "B")}
	probe := []tuple.Tuple{tup(1, "amount", "x"), tup(3, "amount", "y"), tup(2, "amount", "z")}

	var jobs []Job
	var outs []*sink.MemorySink
	for _, name := range []string{"first", "second", "third"} {
		job, out := newSliceJob(t, name, build, probe)
		jobs = append(jobs, job)
		outs = append(outs, out)
	}

	o, err := NewOrchestrator(2)
	require.NoError(t, err)
	defer o.Close()

	results := o.Run(context.Background(), jobs)
	require.Len(t, results, 3)
	for i, res := range results {
		require.Equal(t, jobs[i].Name, res.Name)
		require.NoError(t, res.Err)
		require.Equal(t, hybridjoin.Resolved, res.Result.Outcome)
		require.Equal(t, uint64(2), res.Result.Stats.Joined)
		require.Equal(t, uint64(1), res.Result.Stats.NonMatched)
		require.Len(t, outs[i].Records(), 2)
	}
}

func TestOrchestratorJobFailures(t *testing.T) {
	var closed []string
	good, _ := newSliceJob(t, "good", []tuple.Tuple{tup(1, "n", "a")}, []tuple.Tuple{tup(1, "m", "b")})
	good.closers = []io.Closer{closeRecorder{&closed, "good"}}

	openErr := errors.New("stream unavailable")
	broken, _ := newSliceJob(t, "broken", nil, nil)
	broken.Probe = func(context.Context) (source.ProbeSource, error) { return nil, openErr }
	broken.closers = []io.Closer{closeRecorder{&closed, "broken-src"}, closeRecorder{&closed, "broken-sink"}}

	panicking, _ := newSliceJob(t, "panicking", nil, nil)
	panicking.Engine = nil

	o, err := NewOrchestrator(1)
	require.NoError(t, err)
	defer o.Close()

	results := o.Run(context.Background(), []Job{good, broken, panicking})
	require.NoError(t, results[0].Err)
	require.Equal(t, hybridjoin.Resolved, results[0].Result.Outcome)
	require.ErrorIs(t, results[1].Err, openErr)
	require.Nil(t, results[1].Result)
	require.True(t, hjerr.IsErrCode(results[2].Err, hjerr.ErrInternal))

	// one worker runs jobs in submission order, closers in reverse
	require.Equal(t, []string{"good", "broken-sink", "broken-src"}, closed)
}

func writeFile(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestJobsFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Spill: config.SpillConfig{Dir: dir},
		Jobs: []config.JobConfig{{
			Name: "customers",
			Build: config.SourceConfig{
				Kind:      "json",
				Path:      writeFile(t, dir, "customers.jsonl", "{\"id\":1,\"name\":\"Ann\"}\n{\"id\":2,\"name\":\"Bob\"}\n"),
				KeyColumn: "id",
				KeyType:   "int",
			},
			Probe: config.SourceConfig{
				Kind:      "json",
				Path:      writeFile(t, dir, "sales.jsonl", "{\"id\":2,\"amount\":5}\n{\"id\":9,\"amount\":1}\n{\"id\":1,\"amount\":3}\n"),
				KeyColumn: "id",
				KeyType:   "int",
			},
			Sink: config.SinkConfig{Kind: "memory"},
		}},
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	jobs, err := JobsFromConfig(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	out := jobs[0].Sink.(*sink.MemorySink)

	o, err := NewOrchestrator(cfg.Workers)
	require.NoError(t, err)
	defer o.Close()

	results := o.Run(context.Background(), jobs)
	require.NoError(t, results[0].Err)
	require.Equal(t, uint64(1), results[0].Result.Stats.NonMatched)
	require.True(t, out.Closed())

	recs := out.Records()
	require.Len(t, recs, 2)
	require.Equal(t, tuple.IntKey(2), recs[0].Key)
	name, _ := recs[0].Build.Get("name")
	require.Equal(t, "Bob", name)
	require.Equal(t, tuple.IntKey(1), recs[1].Key)
}

func TestSinkFromConfig(t *testing.T) {
	s, err := SinkFromConfig(context.Background(), config.SinkConfig{Kind: "memory"})
	require.NoError(t, err)
	require.IsType(t, &sink.MemorySink{}, s)

	_, err = SinkFromConfig(context.Background(), config.SinkConfig{Kind: "kafka"})
	require.True(t, hjerr.IsErrCode(err, hjerr.ErrBadConfig))
}
