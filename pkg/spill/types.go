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
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
	"github.com/matrixorigin/hybridjoin/pkg/source"
)

// PartitionID names one partition: its generation and its sequence number
// within the generation.
type PartitionID struct {
	Generation int `json:"generation"`
	Seq        int `json:"seq"`
}

func (id PartitionID) String() string {
	return fmt.Sprintf("g%d-p%d", id.Generation, id.Seq)
}

// Partition describes a written partition.
type Partition struct {
	ID     PartitionID
	Count  int
	Sealed bool
}

// Writer appends tuples to one partition.
type Writer interface {
	Append(t tuple.Tuple) error
	// Seal records the tuple count and closes the partition. Only sealed
	// partitions can be replayed.
	Seal() error
	// Abort closes the partition without sealing it.
	Abort() error
}

// Storage is where partitions live.
type Storage interface {
	Create(ctx context.Context, id PartitionID) (Writer, error)
	// Open reads a sealed partition back in write order.
	Open(ctx context.Context, id PartitionID) (source.Iterator, error)
	Remove(ctx context.Context, id PartitionID) error
	Close() error
}

// Options configures a Partitioner.
type Options struct {
	// Bound is the most tuples one partition holds.
	Bound int

	TupleCounter     prometheus.Counter
	PartitionCounter prometheus.Counter
}

type header struct {
	ID PartitionID `json:"id"`
}

type trailer struct {
	Count int `json:"count"`
}
