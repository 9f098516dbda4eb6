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
package spill

import (
	"context"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
	"github.com/matrixorigin/hybridjoin/pkg/source"
)

type generation struct {
	parts  []Partition
	active Writer
	sealed bool
	// seen holds the Seq of every tuple spilled into the generation.
	seen *roaring64.Bitmap
}

// Partitioner spills tuples into bounded partitions per generation and
// replays them in write order.
type Partitioner struct {
	sync.Mutex
	opts    Options
	storage Storage
	gens    map[int]*generation
	// removed is the highest generation already removed, -1 if none.
	removed int
}

func NewPartitioner(ctx context.Context, storage Storage, opts Options) (*Partitioner, error) {
	if opts.Bound <= 0 {
		return nil, hjerr.NewInvalidInput(ctx, "partition bound must be positive, got %d", opts.Bound)
	}
	return &Partitioner{
		opts:    opts,
		storage: storage,
		gens:    make(map[int]*generation),
		removed: -1,
	}, nil
}

func (p *Partitioner) generation(ctx context.Context, gen int) (*generation, error) {
	if gen <= p.removed {
		return nil, hjerr.NewInvalidState(ctx, "generation %d already removed", gen)
	}
	g, ok := p.gens[gen]
	if !ok {
		g = &generation{seen: roaring64.New()}
		p.gens[gen] = g
	}
	return g, nil
}

// Spill appends t to the active partition of gen, starting a new partition
// when the active one is full. A tuple is spilled at most once per
// generation.
func (p *Partitioner) Spill(ctx context.Context, t tuple.Tuple, gen int) error {
	p.Lock()
	defer p.Unlock()
	if gen < 0 {
		return hjerr.NewInvalidInput(ctx, "negative generation %d", gen)
	}
	g, err := p.generation(ctx, gen)
	if err != nil {
		return err
	}
	if g.sealed {
		return hjerr.NewInvalidState(ctx, "generation %d is sealed", gen)
	}
	if g.seen.Contains(t.Seq) {
		return hjerr.NewDuplicateSpill(ctx, t.Seq, gen)
	}

	if g.active == nil || g.parts[len(g.parts)-1].Count >= p.opts.Bound {
		if err := p.sealActive(g); err != nil {
			return err
		}
		id := PartitionID{Generation: gen, Seq: len(g.parts)}
		w, err := p.storage.Create(ctx, id)
		if err != nil {
			return err
		}
		g.active = w
		g.parts = append(g.parts, Partition{ID: id})
		if p.opts.PartitionCounter != nil {
			p.opts.PartitionCounter.Inc()
		}
	}
	if err := g.active.Append(t); err != nil {
		return err
	}
	g.seen.Add(t.Seq)
	g.parts[len(g.parts)-1].Count++
	if p.opts.TupleCounter != nil {
		p.opts.TupleCounter.Inc()
	}
	return nil
}

func (p *Partitioner) sealActive(g *generation) error {
	if g.active == nil {
		return nil
	}
	w := g.active
	g.active = nil
	if err := w.Seal(); err != nil {
		return err
	}
	g.parts[len(g.parts)-1].Sealed = true
	return nil
}

// Seal closes the input of gen. Its partitions become replayable and no
// further tuple can be spilled into it.
func (p *Partitioner) Seal(ctx context.Context, gen int) error {
	p.Lock()
	defer p.Unlock()
	g, err := p.generation(ctx, gen)
	if err != nil {
		return err
	}
	if err := p.sealActive(g); err != nil {
		return err
	}
	g.sealed = true
	return nil
}

// Partitions returns the partitions of gen in write order.
func (p *Partitioner) Partitions(gen int) []Partition {
	p.Lock()
	defer p.Unlock()
	g, ok := p.gens[gen]
	if !ok {
		return nil
	}
	return append([]Partition(nil), g.parts...)
}

// Count returns the number of tuples spilled into gen.
func (p *Partitioner) Count(gen int) int {
	p.Lock()
	defer p.Unlock()
	g, ok := p.gens[gen]
	if !ok {
		return 0
	}
	return int(g.seen.GetCardinality())
}

// Open returns an iterator over every tuple of the sealed generation gen,
// partition by partition, in write order.
func (p *Partitioner) Open(ctx context.Context, gen int) (source.Iterator, error) {
	p.Lock()
	defer p.Unlock()
	g, ok := p.gens[gen]
	if !ok {
		if gen <= p.removed {
			return nil, hjerr.NewInvalidState(ctx, "generation %d already removed", gen)
		}
		return &replayIterator{storage: p.storage}, nil
	}
	if !g.sealed {
		return nil, hjerr.NewInvalidState(ctx, "generation %d is not sealed", gen)
	}
	return &replayIterator{storage: p.storage, parts: append([]Partition(nil), g.parts...)}, nil
}

// Replay calls fn for every tuple of the sealed generation gen in write
// order.
func (p *Partitioner) Replay(ctx context.Context, gen int, fn func(t tuple.Tuple) error) error {
	it, err := p.Open(ctx, gen)
	if err != nil {
		return err
	}
	defer it.Close()
	for {
		t, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(t); err != nil {
			return err
		}
	}
}

// Remove deletes every partition of gen and every earlier generation.
func (p *Partitioner) Remove(ctx context.Context, gen int) error {
	p.Lock()
	defer p.Unlock()
	for n, g := range p.gens {
		if n > gen {
			continue
		}
		if g.active != nil {
			_ = g.active.Abort()
			g.active = nil
		}
		for _, part := range g.parts {
			if err := p.storage.Remove(ctx, part.ID); err != nil {
				return err
			}
		}
		delete(p.gens, n)
	}
	if gen > p.removed {
		p.removed = gen
	}
	return nil
}

// Close aborts partitions still being written and closes the storage.
func (p *Partitioner) Close() error {
	p.Lock()
	defer p.Unlock()
	for _, g := range p.gens {
		if g.active != nil {
			_ = g.active.Abort()
			g.active = nil
		}
	}
	return p.storage.Close()
}

type replayIterator struct {
	storage Storage
	parts   []Partition
	cur     source.Iterator
}

func (it *replayIterator) Next(ctx context.Context) (tuple.Tuple, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return tuple.Tuple{}, false, hjerr.ConvertGoError(ctx, err)
		}
		if it.cur == nil {
			if len(it.parts) == 0 {
				return tuple.Tuple{}, false, nil
			}
			cur, err := it.storage.Open(ctx, it.parts[0].ID)
			if err != nil {
				return tuple.Tuple{}, false, err
			}
			it.cur = cur
			it.parts = it.parts[1:]
		}
		t, ok, err := it.cur.Next(ctx)
		if err != nil {
			return tuple.Tuple{}, false, err
		}
		if ok {
			return t, true, nil
		}
		if err := it.cur.Close(); err != nil {
			return tuple.Tuple{}, false, err
		}
		it.cur = nil
	}
}

func (it *replayIterator) Close() error {
	if it.cur == nil {
		return nil
	}
	err := it.cur.Close()
	it.cur = nil
	return err
}
