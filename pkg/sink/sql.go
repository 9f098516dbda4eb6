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
	"database/sql"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
	"github.com/matrixorigin/hybridjoin/pkg/logutil"
)

// MaxChunkSize bounds the length of one INSERT statement, below the default
// 16MB MySQL packet limit.
const MaxChunkSize = 1024 * 1024 * 15

// SQLSink loads records into a table with multi-row INSERT statements.
type SQLSink struct {
	db      *sql.DB
	table   string
	columns []string
	owned   bool
	maxLen  int
}

var _ Sink = (*SQLSink)(nil)

// NewSQLSink writes into table over db. Empty columns take the field names
// of the first record written.
func NewSQLSink(db *sql.DB, table string, columns []string) *SQLSink {
	return &SQLSink{
		db:      db,
		table:   table,
		columns: append([]string(nil), columns...),
		maxLen:  MaxChunkSize,
	}
}

// OpenSQLSink connects to the MySQL server at dsn.
func OpenSQLSink(ctx context.Context, dsn, table string, columns []string) (*SQLSink, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, hjerr.NewBadConfig(ctx, "sql sink: %v", err)
	}
	s := NewSQLSink(db, table, columns)
	s.owned = true
	return s, nil
}

func (s *SQLSink) Write(ctx context.Context, records []tuple.JoinedRecord) error {
	if len(records) == 0 {
		return nil
	}
	if len(s.columns) == 0 {
		s.columns = records[0].Fields().Names()
	}
	rows := make([][]*string, len(records))
	for i, r := range records {
		fields := r.Fields()
		row := make([]*string, len(s.columns))
		for j, col := range s.columns {
			if v, ok := fields.Get(col); ok {
				row[j] = &v
			}
		}
		rows[i] = row
	}
	preamble := len(insertPreamble(s.table, s.columns))
	for _, chunk := range chunkRows(preamble, rows, s.maxLen) {
		stmt := generateInsertStatement(s.table, s.columns, chunk)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			logutil.Error("sql sink exec failed",
				zap.String("table", s.table),
				zap.Int("rows", len(chunk)),
				zap.Error(err))
			return err
		}
	}
	return nil
}

func (s *SQLSink) Flush(context.Context) error {
	return nil
}

func (s *SQLSink) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// quoteValue escapes backslash and single quote; nil is NULL.
func quoteValue(v *string) string {
	if v == nil {
		return "NULL"
	}
	escaped := strings.ReplaceAll(strings.ReplaceAll(*v, "\\", "\\\\"), "'", "\\'")
	return "'" + escaped + "'"
}

// insertPreamble is the statement text before the first row.
func insertPreamble(table string, columns []string) string {
	sb := strings.Builder{}
	sb.WriteString("INSERT INTO ")
	sb.WriteString(quoteIdent(table))
	sb.WriteString(" (")
	for i, col := range columns {
		if i != 0 {
			sb.WriteString(",")
		}
		sb.WriteString(quoteIdent(col))
	}
	sb.WriteString(") VALUES ")
	return sb.String()
}

func generateInsertStatement(table string, columns []string, rows [][]*string) string {
	sb := strings.Builder{}
	sb.WriteString(insertPreamble(table, columns))
	for i, row := range rows {
		if i != 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(")
		for j, v := range row {
			if j != 0 {
				sb.WriteString(",")
			}
			sb.WriteString(quoteValue(v))
		}
		sb.WriteString(")")
	}
	return sb.String()
}

// rowLen is the length of row rendered as a VALUES tuple.
func rowLen(row []*string) int {
	n := 2
	for j, v := range row {
		if j != 0 {
			n++
		}
		n += len(quoteValue(v))
	}
	return n
}

// chunkRows splits rows into chunks whose INSERT statement, preamble
// bytes included, stays within maxLen. A single oversized row still gets a
// chunk of its own.
func chunkRows(preamble int, rows [][]*string, maxLen int) [][][]*string {
	var chunks [][][]*string
	var chunk [][]*string
	size := preamble
	for _, row := range rows {
		n := rowLen(row)
		if len(chunk) > 0 {
			if size+1+n > maxLen {
				chunks = append(chunks, chunk)
				chunk = nil
				size = preamble
			} else {
				n++
			}
		}
		chunk = append(chunk, row)
		size += n
	}
	if len(chunk) > 0 {
		chunks = append(chunks, chunk)
	}
	return chunks
}
