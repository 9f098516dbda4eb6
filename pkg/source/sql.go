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
	"database/sql"

	_ "github.com/go-sql-driver/mysql"

	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
)

// SQLSource runs a query per Open. Every non-NULL column becomes a payload
// field in select order; the key column also gives the join key.
type SQLSource struct {
	db    *sql.DB
	query string
	key   KeySpec
	owned bool
}

var _ BuildSource = (*SQLSource)(nil)

func NewSQLSource(db *sql.DB, query string, key KeySpec) *SQLSource {
	return &SQLSource{db: db, query: query, key: key}
}

// OpenSQLSource connects to the MySQL server at dsn.
func OpenSQLSource(ctx context.Context, dsn, query string, key KeySpec) (*SQLSource, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, hjerr.NewBadConfig(ctx, "sql source: %v", err)
	}
	s := NewSQLSource(db, query, key)
	s.owned = true
	return s, nil
}

func (s *SQLSource) Open(ctx context.Context) (Iterator, error) {
	rows, err := s.db.QueryContext(ctx, s.query)
	if err != nil {
		return nil, hjerr.ConvertGoError(ctx, err)
	}
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, hjerr.ConvertGoError(ctx, err)
	}
	keyPos := -1
	for i, c := range cols {
		if c == s.key.Column {
			keyPos = i
		}
	}
	if keyPos < 0 {
		_ = rows.Close()
		return nil, hjerr.NewInvalidInput(ctx, "query has no column %s", s.key.Column)
	}
	return &sqlIterator{rows: rows, cols: cols, keyPos: keyPos, key: s.key}, nil
}

// Close closes the connection pool when the source opened it.
func (s *SQLSource) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

type sqlIterator struct {
	rows   *sql.Rows
	cols   []string
	keyPos int
	key    KeySpec
}

func (it *sqlIterator) Next(ctx context.Context) (tuple.Tuple, bool, error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return tuple.Tuple{}, false, hjerr.ConvertGoError(ctx, err)
		}
		return tuple.Tuple{}, false, nil
	}
	vals := make([]sql.NullString, len(it.cols))
	dest := make([]any, len(vals))
	for i := range vals {
		dest[i] = &vals[i]
	}
	if err := it.rows.Scan(dest...); err != nil {
		return tuple.Tuple{}, false, hjerr.ConvertGoError(ctx, err)
	}

	var t tuple.Tuple
	for i, v := range vals {
		if v.Valid {
			t.Payload = append(t.Payload, tuple.Field{Name: it.cols[i], Value: v.String})
		}
	}
	key := vals[it.keyPos]
	var err error
	if t.Key, err = it.key.Key(ctx, key.String, key.Valid); err != nil {
		return tuple.Tuple{}, false, err
	}
	return t, true, nil
}

func (it *sqlIterator) Close() error {
	return it.rows.Close()
}
