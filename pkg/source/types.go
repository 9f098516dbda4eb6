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

package source

import (
	"context"

	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
)

// Iterator yields tuples in order. Next returns ok=false exactly once the
// sequence is exhausted; every later call keeps returning ok=false.
type Iterator interface {
	Next(ctx context.Context) (t tuple.Tuple, ok bool, err error)
	Close() error
}

// BuildSource is the reference relation. Open may be called once per
// generation, every iterator must yield the same tuples in the same order.
type BuildSource interface {
	Open(ctx context.Context) (Iterator, error)
}

// ProbeSource is the streaming relation, consumed once.
type ProbeSource interface {
	Iterator
}
