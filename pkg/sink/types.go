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
package sink

import (
	"context"

	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
)

// Sink is the destination of joined records. Write may fail for the whole
// batch; what a failed batch leaves behind is up to the sink.
type Sink interface {
	Write(ctx context.Context, records []tuple.JoinedRecord) error
	Flush(ctx context.Context) error
	Close() error
}
