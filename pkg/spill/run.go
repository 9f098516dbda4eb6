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
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
	"github.com/matrixorigin/hybridjoin/pkg/config"
)

// Run is the spill directory of one join run, <dir>/run-<uuid>. Every
// partition set of the run lives below it.
type Run struct {
	Dir string
	cfg config.SpillConfig
}

func NewRun(ctx context.Context, cfg config.SpillConfig) (*Run, error) {
	dir := filepath.Join(cfg.Dir, "run-"+uuid.New().String())
	if err := os.MkdirAll(dir, os.FileMode(0775)); err != nil {
		return nil, hjerr.NewPartitionIO(ctx, dir, err)
	}
	return &Run{Dir: dir, cfg: cfg}, nil
}

// Storage opens the storage of the partition set name on the configured
// backend.
func (r *Run) Storage(ctx context.Context, name string) (Storage, error) {
	dir := filepath.Join(r.Dir, name)
	switch r.cfg.Backend {
	case "", "file":
		return NewFileStorage(dir, r.cfg.Compress)
	case "pebble":
		return NewPebbleStorage(dir)
	}
	return nil, hjerr.NewBadConfig(ctx, "unknown spill backend %q", r.cfg.Backend)
}

// Partitioner opens a partitioner over a new storage named name.
func (r *Run) Partitioner(ctx context.Context, name string, opts Options) (*Partitioner, error) {
	s, err := r.Storage(ctx, name)
	if err != nil {
		return nil, err
	}
	p, err := NewPartitioner(ctx, s, opts)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return p, nil
}

// Close removes the run directory and everything below it.
func (r *Run) Close() error {
	if err := os.RemoveAll(r.Dir); err != nil {
		return hjerr.NewPartitionIO(context.TODO(), r.Dir, err)
	}
	return nil
}
