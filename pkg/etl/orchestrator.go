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
	"io"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
	"github.com/matrixorigin/hybridjoin/pkg/config"
	"github.com/matrixorigin/hybridjoin/pkg/hybridjoin"
	"github.com/matrixorigin/hybridjoin/pkg/logutil"
	"github.com/matrixorigin/hybridjoin/pkg/sink"
	"github.com/matrixorigin/hybridjoin/pkg/source"
)

// Job is one enrichment join of the load: a stream joined against one
// master relation into one sink.
type Job struct {
	Name   string
	Engine *hybridjoin.Engine
	Build  source.BuildSource
	// Probe opens the stream when the job starts.
	Probe func(ctx context.Context) (source.ProbeSource, error)
	Sink  sink.Sink

	// closers are released after the job ran, sink last.
	closers []io.Closer
}

type JobResult struct {
	Name   string
	Result *hybridjoin.Result
	Err    error
}

// Orchestrator runs jobs on a bounded goroutine pool.
type Orchestrator struct {
	pool   *ants.Pool
	logger *zap.Logger
}

func NewOrchestrator(workers int) (*Orchestrator, error) {
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(v interface{}) {
		logutil.Errorf("etl worker panicked: %v", v)
	}))
	if err != nil {
		return nil, hjerr.NewInternalErrorNoCtx("create worker pool: %v", err)
	}
	return &Orchestrator{pool: pool, logger: logutil.Named("etl")}, nil
}

// Run runs every job and returns their results in job order.
func (o *Orchestrator) Run(ctx context.Context, jobs []Job) []JobResult {
	results := make([]JobResult, len(jobs))
	var wg sync.WaitGroup
	for i := range jobs {
		i := i
		results[i].Name = jobs[i].Name
		wg.Add(1)
		err := o.pool.Submit(func() {
			defer wg.Done()
			results[i].Result, results[i].Err = o.runJob(ctx, &jobs[i])
		})
		if err != nil {
			wg.Done()
			results[i].Err = hjerr.NewInternalError(ctx, "submit job %s: %v", jobs[i].Name, err)
		}
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) runJob(ctx context.Context, job *Job) (res *hybridjoin.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = hjerr.ConvertPanicError(ctx, r)
			o.logger.Error("job panicked", zap.String("job", job.Name), zap.Error(err))
		}
		for i := len(job.closers) - 1; i >= 0; i-- {
			if cerr := job.closers[i].Close(); cerr != nil {
				o.logger.Warn("close job resource", zap.String("job", job.Name), zap.Error(cerr))
			}
		}
	}()

	o.logger.Info("job started", zap.String("job", job.Name))
	probe, err := job.Probe(ctx)
	if err != nil {
		return nil, err
	}
	defer probe.Close()
	return job.Engine.Run(ctx, job.Build, probe, job.Sink)
}

// Close releases the pool.
func (o *Orchestrator) Close() {
	o.pool.Release()
}

// JobsFromConfig builds the jobs of cfg, with their sources and sinks.
func JobsFromConfig(ctx context.Context, cfg *config.Config) ([]Job, error) {
	jobs := make([]Job, 0, len(cfg.Jobs))
	release := func() {
		for _, j := range jobs {
			for _, c := range j.closers {
				_ = c.Close()
			}
		}
	}
	for _, jc := range cfg.Jobs {
		job, err := newJob(ctx, cfg, jc)
		if err != nil {
			release()
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func newJob(ctx context.Context, cfg *config.Config, jc config.JobConfig) (job Job, err error) {
	job.Name = jc.Name
	defer func() {
		if err != nil {
			for _, c := range job.closers {
				_ = c.Close()
			}
		}
	}()

	if job.Engine, err = hybridjoin.New(jc.Name, cfg.Join, cfg.Spill, jc.Sink.BatchSize); err != nil {
		return job, err
	}
	if job.Build, err = source.FromConfig(ctx, jc.Build); err != nil {
		return job, err
	}
	if c, ok := job.Build.(io.Closer); ok {
		job.closers = append(job.closers, c)
	}
	probe, err := source.FromConfig(ctx, jc.Probe)
	if err != nil {
		return job, err
	}
	if c, ok := probe.(io.Closer); ok {
		job.closers = append(job.closers, c)
	}
	job.Probe = func(ctx context.Context) (source.ProbeSource, error) {
		return probe.Open(ctx)
	}
	if job.Sink, err = SinkFromConfig(ctx, jc.Sink); err != nil {
		return job, err
	}
	job.closers = append(job.closers, job.Sink)
	return job, nil
}

// SinkFromConfig opens the sink described by cfg.
func SinkFromConfig(ctx context.Context, cfg config.SinkConfig) (sink.Sink, error) {
	switch cfg.Kind {
	case "sql":
		return sink.OpenSQLSink(ctx, cfg.DSN, cfg.Table, cfg.Columns)
	case "json", "":
		return sink.OpenJSONSink(cfg.Output)
	case "memory":
		return sink.NewMemorySink(), nil
	}
	return nil, hjerr.NewBadConfig(ctx, "unknown sink kind %q", cfg.Kind)
}
