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
	"strconv"
	"strings"

	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
	"github.com/matrixorigin/hybridjoin/pkg/config"
	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
)

// KeySpec names the key column of a source and how its text converts to a
// join key.
type KeySpec struct {
	Column string
	// Type is "int" or "string".
	Type string
}

// Key converts the text of the key column. A missing value is the NULL key.
func (ks KeySpec) Key(ctx context.Context, v string, valid bool) (tuple.Key, error) {
	if !valid {
		return tuple.Key{}, nil
	}
	switch ks.Type {
	case "int":
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return tuple.Key{}, hjerr.NewInvalidInput(ctx, "key %s: %q is not an integer", ks.Column, v)
		}
		return tuple.IntKey(i), nil
	case "", "string":
		return tuple.StringKey(v), nil
	}
	return tuple.Key{}, hjerr.NewInvalidInput(ctx, "unknown key type %q", ks.Type)
}

// FromConfig opens the source described by cfg. The result serves both as
// build source and, through Open, as probe source.
func FromConfig(ctx context.Context, cfg config.SourceConfig) (BuildSource, error) {
	ks := KeySpec{Column: cfg.KeyColumn, Type: cfg.KeyType}
	switch cfg.Kind {
	case "json":
		return NewJSONLinesSource(cfg.Path, ks), nil
	case "sql":
		return OpenSQLSource(ctx, cfg.DSN, cfg.Query, ks)
	}
	return nil, hjerr.NewBadConfig(ctx, "unknown source kind %q", cfg.Kind)
}
