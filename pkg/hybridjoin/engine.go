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
package hybridjoin

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
	"github.com/matrixorigin/hybridjoin/pkg/config"
	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
	"github.com/matrixorigin/hybridjoin/pkg/hashindex"
	"github.com/matrixorigin/hybridjoin/pkg/logutil"
	"github.com/matrixorigin/hybridjoin/pkg/sink"
	"github.com/matrixorigin/hybridjoin/pkg/source"
	"github.com/matrixorigin/hybridjoin/pkg/spill"
	"github.com/matrixorigin/hybridjoin/pkg/stream"
	v2 "github.com/matrixorigin/hybridjoin/pkg/util/metric/v2"
)

const (
	carryPartitions = "carry"
	shedPartitions  = "shed"
)

// newSpillRun opens the spill directory of a run.
var newSpillRun = spill.NewRun

// Engine runs hybrid joins of one job.
type Engine struct {
	job       string
	cfg       config.JoinConfig
	spill     config.SpillConfig
	batchSize int
	logger    *zap.Logger
}

func New(job string, cfg config.JoinConfig, spillCfg config.SpillConfig, batchSize int) (*Engine, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	spillCfg.SetDefaults()
	if err := spillCfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		job:       job,
		cfg:       cfg,
		spill:     spillCfg,
		batchSize: batchSize,
		logger:    logutil.Named("hybridjoin").With(zap.String("job", job)),
	}, nil
}

// Run joins the probe relation against the build relation and hands every
// joined record to out. The build relation is indexed whole when it fits
// the memory budget, otherwise one budget-sized slice per generation.
// Probe tuples that cannot be resolved against the current index are
// spilled and replayed in the next generation, up to MaxGenerations.
//
// The returned Result is never nil. The error is ErrUnresolvedTuples when
// the generation limit was reached, ErrCancelled when ctx was cancelled,
// and the failure otherwise.
func (e *Engine) Run(ctx context.Context, build source.BuildSource, probe source.ProbeSource, out sink.Sink) (*Result, error) {
	ctr := &container{}
	err := e.run(ctx, ctr, build, probe, out)
	ctr.cleanup(e.logger)

	switch {
	case err == nil:
		ctr.result.Outcome = Resolved
	case hjerr.IsErrCode(err, hjerr.ErrUnresolvedTuples):
		ctr.result.Outcome = Unresolved
	case ctx.Err() != nil || hjerr.IsErrCode(err, hjerr.ErrCancelled):
		ctr.result.Outcome = Cancelled
		err = hjerr.NewCancelled(ctx)
	default:
		ctr.result.Outcome = Failed
	}
	e.logger.Info("hybrid join done",
		zap.Stringer("outcome", ctr.result.Outcome),
		zap.Int("generations", ctr.result.Stats.Generations),
		zap.Uint64("joined", ctr.result.Stats.Joined),
		zap.Uint64("non-matched", ctr.result.Stats.NonMatched),
		zap.Uint64("spilled", ctr.result.Stats.Spilled),
		zap.Uint64("shed", ctr.result.Stats.Shed),
		zap.Error(err))
	return &ctr.result, err
}

func (e *Engine) run(ctx context.Context, ctr *container, build source.BuildSource, probe source.ProbeSource, out sink.Sink) (err error) {
	if ctr.run, err = newSpillRun(ctx, e.spill); err != nil {
		return err
	}
	opts := spill.Options{
		Bound:            e.cfg.PartitionTupleBound,
		TupleCounter:     v2.SpillCarryCounter(e.job),
		PartitionCounter: v2.SpillPartitionCounter.WithLabelValues(e.job),
	}
	if ctr.carry, err = ctr.run.Partitioner(ctx, carryPartitions, opts); err != nil {
		return err
	}
	opts.TupleCounter = v2.SpillShedCounter(e.job)
	if ctr.shed, err = ctr.run.Partitioner(ctx, shedPartitions, opts); err != nil {
		return err
	}
	ctr.emitter = sink.NewEmitter(out, e.batchSize)
	ctr.emitter.OK = v2.SinkRecordCounter.WithLabelValues(e.job, "ok")
	ctr.emitter.Failed = v2.SinkRecordCounter.WithLabelValues(e.job, "failed")

	for {
		switch ctr.state {
		case Build:
			if err := e.build(ctx, ctr, build); err != nil {
				return err
			}
			ctr.state = Probe

		case Probe:
			var src source.Iterator = probe
			if ctr.gen > 0 {
				if src, err = ctr.carry.Open(ctx, ctr.gen); err != nil {
					return err
				}
			}
			err := e.probe(ctx, ctr, src)
			if ctr.gen > 0 {
				_ = src.Close()
			}
			if err != nil {
				return err
			}
			ctr.state = ReplayShed

		case ReplayShed:
			if err := e.replayShed(ctx, ctr); err != nil {
				return err
			}
			ctr.state = Finish

		case Finish:
			done, err := e.finish(ctx, ctr)
			if err != nil {
				return err
			}
			if done {
				ctr.state = End
				continue
			}
			ctr.gen++
			ctr.state = Build

		case End:
			return nil
		}
	}
}

// build indexes the build relation for the current generation. The first
// generation tries the whole relation and falls back to slices once it
// exceeds the memory budget.
func (e *Engine) build(ctx context.Context, ctr *container, src source.BuildSource) (err error) {
	start := time.Now()
	b := &hashindex.Builder{
		BucketCount:   e.cfg.BucketCount,
		LoadFactor:    e.cfg.LoadFactor,
		Budget:        e.cfg.MemoryBudget,
		FalsePositive: e.cfg.RemainderFalsePositive,
	}
	if ctr.index != nil {
		ctr.index.Free()
		ctr.index = nil
	}

	if !ctr.multiPass {
		ctr.index, err = b.Build(ctx, src)
		if hjerr.IsErrCode(err, hjerr.ErrCapacityExceeded) {
			e.logger.Info("build relation exceeds memory budget, switching to multi-pass",
				zap.Int("budget", e.cfg.MemoryBudget))
			ctr.multiPass = true
			ctr.result.Stats.MultiPass = true
		} else if err != nil {
			return err
		}
	}
	if ctr.multiPass {
		if ctr.index, err = b.BuildSlice(ctx, src, ctr.gen); err != nil {
			return err
		}
	}

	ctr.result.Stats.BuildTuples += ctr.index.Len()
	v2.JoinRemainderFilterBytesGauge.WithLabelValues(e.job).Set(float64(ctr.index.RemainderSize()))
	v2.JoinBuildDurationHistogram.WithLabelValues(e.job).Observe(time.Since(start).Seconds())
	e.logger.Debug("hash index built",
		zap.Int("generation", ctr.gen),
		zap.Int("tuples", ctr.index.Len()),
		zap.Int("buckets", ctr.index.BucketCount()),
		zap.Bool("partial", ctr.index.Partial()),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// probe runs the ingester over src and the consumer draining the buffer as
// a producer/consumer pair.
func (e *Engine) probe(ctx context.Context, ctr *container, src source.Iterator) error {
	buf, err := stream.NewBuffer(ctx, stream.Options{
		Capacity:         e.cfg.BufferCapacity,
		Mode:             e.cfg.AdmissionMode,
		AdmissionTimeout: e.cfg.AdmissionTimeout.Duration,
		RemovalTimeout:   e.cfg.RemovalTimeout.Duration,
		SizeGauge:        v2.StreamBufferSizeGauge.WithLabelValues(e.job),
	})
	if err != nil {
		return err
	}
	gen := ctr.gen
	ingester := stream.NewIngester(buf, gen == 0, func(ctx context.Context, t tuple.Tuple) error {
		v2.StreamRejectCounter.WithLabelValues(e.job).Inc()
		return ctr.shed.Spill(ctx, t, gen)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ingester.Run(gctx, src)
	})
	g.Go(func() error {
		return e.drainAndProbe(gctx, ctr, buf)
	})
	err = g.Wait()

	if peak := buf.Peak(); peak > ctr.result.Stats.PeakBuffer {
		ctr.result.Stats.PeakBuffer = peak
	}
	ctr.result.Stats.Shed += ingester.Rejected()
	return err
}

// drainAndProbe probes every tuple removed from buf until the producer
// closed it and it is empty.
func (e *Engine) drainAndProbe(ctx context.Context, ctr *container, buf *stream.Buffer) error {
	for {
		t, ok, err := buf.Remove(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := e.probeTuple(ctx, ctr, t); err != nil {
			return err
		}
	}
}

// probeTuple emits one record per build tuple sharing the key of t, in
// chain order, then reports or carries t as classify decides.
func (e *Engine) probeTuple(ctx context.Context, ctr *container, t tuple.Tuple) error {
	stats := &ctr.result.Stats
	stats.Probes++
	v2.JoinProbeTupleCounter.WithLabelValues(e.job).Inc()

	ctr.matches = ctr.matches[:0]
	n := ctr.index.Lookup(t.Key, func(bt *tuple.Tuple) {
		ctr.matches = append(ctr.matches, tuple.JoinedRecord{
			Key:        t.Key,
			Build:      bt.Payload,
			Probe:      t.Payload,
			Generation: ctr.gen,
		})
	})
	for _, rec := range ctr.matches {
		if err := ctr.emitter.Emit(ctx, rec); err != nil {
			return err
		}
	}
	if n > 0 {
		t.Matched = true
		stats.Joined += uint64(n)
		v2.JoinRecordCounter.WithLabelValues(e.job).Add(float64(n))
	}

	switch classify(ctr.index, t) {
	case nonMatch:
		e.reportNonMatch(ctr, t)
	case carried:
		stats.Spilled++
		return ctr.carry.Spill(ctx, t, ctr.gen+1)
	}
	return nil
}

// classify decides the fate of a probed tuple. Against a complete index, or
// with a null key, t is resolved and a non-match if it never matched.
// Against a partial index t is carried when it never matched or its key may
// occur in a later slice.
func classify(idx *hashindex.Index, t tuple.Tuple) disposition {
	switch {
	case t.Key.IsNull() || !idx.Partial():
		if !t.Matched {
			return nonMatch
		}
		return resolved
	case !t.Matched || idx.MaybeRemaining(t.Key):
		return carried
	}
	return resolved
}

func (e *Engine) reportNonMatch(ctr *container, t tuple.Tuple) {
	ctr.result.Stats.NonMatched++
	v2.JoinNonMatchCounter.WithLabelValues(e.job).Inc()
	if e.cfg.ReportNonMatches {
		ctr.result.NonMatches = append(ctr.result.NonMatches, t)
	}
	if ce := e.logger.Check(zap.DebugLevel, "probe tuple without match"); ce != nil {
		ce.Write(zap.Uint64("seq", t.Seq), zap.Stringer("key", t.Key))
	}
}

// replayShed probes the tuples a full buffer rejected in this generation
// against the same index.
func (e *Engine) replayShed(ctx context.Context, ctr *container) error {
	if err := ctr.shed.Seal(ctx, ctr.gen); err != nil {
		return err
	}
	ctr.result.Stats.Partitions += len(ctr.shed.Partitions(ctr.gen))
	if err := ctr.shed.Replay(ctx, ctr.gen, func(t tuple.Tuple) error {
		return e.probeTuple(ctx, ctr, t)
	}); err != nil {
		return err
	}
	return ctr.shed.Remove(ctx, ctr.gen)
}

// finish flushes the generation's records and seals the next generation.
// It reports whether the run is over.
func (e *Engine) finish(ctx context.Context, ctr *container) (bool, error) {
	if err := ctr.emitter.Flush(ctx); err != nil {
		return false, err
	}
	next := ctr.gen + 1
	if err := ctr.carry.Seal(ctx, next); err != nil {
		return false, err
	}
	if err := ctr.carry.Remove(ctx, ctr.gen); err != nil {
		return false, err
	}

	stats := &ctr.result.Stats
	stats.Generations++
	stats.Partitions += len(ctr.carry.Partitions(next))
	v2.JoinGenerationCounter.WithLabelValues(e.job).Inc()

	pending := ctr.carry.Count(next)
	e.logger.Info("generation done",
		zap.Int("generation", ctr.gen),
		zap.Bool("partial", ctr.index.Partial()),
		zap.Uint64("joined", stats.Joined),
		zap.Int("carried", pending))
	if pending == 0 {
		return true, nil
	}
	if next < e.cfg.MaxGenerations {
		return false, nil
	}

	if err := ctr.carry.Replay(ctx, next, func(t tuple.Tuple) error {
		ctr.result.Unresolved = append(ctr.result.Unresolved, t)
		return nil
	}); err != nil {
		return false, err
	}
	return true, hjerr.NewUnresolvedTuples(ctx, pending, e.cfg.MaxGenerations)
}

// cleanup releases the index and removes every partition of the run.
func (ctr *container) cleanup(logger *zap.Logger) {
	if ctr.index != nil {
		ctr.index.Free()
		ctr.index = nil
	}
	for _, p := range []*spill.Partitioner{ctr.carry, ctr.shed} {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			logger.Warn("close partitioner", zap.Error(err))
		}
	}
	if ctr.run != nil {
		if err := ctr.run.Close(); err != nil {
			logger.Warn("remove spill directory", zap.Error(err))
		}
	}
}
