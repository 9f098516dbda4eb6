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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
	"github.com/matrixorigin/hybridjoin/pkg/config"
	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
)

func drain(t *testing.T, it Iterator) []tuple.Tuple {
	defer it.Close()
	var out []tuple.Tuple
	for {
		tup, ok, err := it.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			// exhausted iterators stay exhausted
			_, ok, err = it.Next(context.Background())
			require.NoError(t, err)
			require.False(t, ok)
			return out
		}
		out = append(out, tup)
	}
}

func TestSliceSource(t *testing.T) {
	tuples := []tuple.Tuple{{Key: tuple.IntKey(1)}, {Key: tuple.IntKey(2)}}
	s := NewSliceSource(tuples)
	for i := 0; i < 2; i++ {
		it, err := s.Open(context.Background())
		require.NoError(t, err)
		require.Equal(t, tuples, drain(t, it))
	}
	require.Equal(t, 2, s.Opens())
	require.Equal(t, tuples, drain(t, s.Iter()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := s.Iter().Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestChanSource(t *testing.T) {
	ch := make(chan tuple.Tuple, 2)
	ch <- tuple.Tuple{Key: tuple.StringKey("a")}
	close(ch)
	require.Len(t, drain(t, ChanSource{C: ch}), 1)
}

func TestKeySpec(t *testing.T) {
	ctx := context.Background()
	k, err := KeySpec{Column: "id", Type: "int"}.Key(ctx, " 42", true)
	require.NoError(t, err)
	require.Equal(t, tuple.IntKey(42), k)

	k, err = KeySpec{Column: "id"}.Key(ctx, "42", true)
	require.NoError(t, err)
	require.Equal(t, tuple.StringKey("42"), k)

	k, err = KeySpec{Column: "id", Type: "int"}.Key(ctx, "", false)
	require.NoError(t, err)
	require.True(t, k.IsNull())

	_, err = KeySpec{Column: "id", Type: "int"}.Key(ctx, "4x", true)
	require.True(t, hjerr.IsErrCode(err, hjerr.ErrInvalidInput))
	_, err = KeySpec{Column: "id", Type: "uuid"}.Key(ctx, "4", true)
	require.True(t, hjerr.IsErrCode(err, hjerr.ErrInvalidInput))
}

func TestJSONLinesSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transactions.jsonl")
	content := `{"order_id": 7, "customer_id": "12", "gift": true, "note": null}

{"order_id": 8.5, "customer_id": 13, "store": "S-1"}
{"order_id": 9}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s := NewJSONLinesSource(path, KeySpec{Column: "customer_id", Type: "int"})
	it, err := s.Open(context.Background())
	require.NoError(t, err)
	got := drain(t, it)
	require.Equal(t, []tuple.Tuple{
		{
			Key:     tuple.IntKey(12),
			Payload: tuple.Payload{{Name: "order_id", Value: "7"}, {Name: "customer_id", Value: "12"}, {Name: "gift", Value: "true"}},
		},
		{
			Key:     tuple.IntKey(13),
			Payload: tuple.Payload{{Name: "order_id", Value: "8.5"}, {Name: "customer_id", Value: "13"}, {Name: "store", Value: "S-1"}},
		},
		{
			Payload: tuple.Payload{{Name: "order_id", Value: "9"}},
		},
	}, got)

	_, err = NewJSONLinesSource(filepath.Join(t.TempDir(), "missing"), KeySpec{}).Open(context.Background())
	require.True(t, hjerr.IsErrCode(err, hjerr.ErrInvalidInput))
}

func TestJSONLinesInvalid(t *testing.T) {
	for _, line := range []string{`[1, 2]`, `{"a": {"b": 1}}`, `{"a": 1`, `{"id": "x"}`} {
		it := NewJSONLinesReader("bad", strings.NewReader(line+"\n"), KeySpec{Column: "id", Type: "int"})
		_, _, err := it.Next(context.Background())
		require.True(t, hjerr.IsErrCode(err, hjerr.ErrInvalidInput), line)
	}
}

func TestSQLSource(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	query := "SELECT customer_id, gender FROM customer"
	mock.ExpectQuery(query).WillReturnRows(
		sqlmock.NewRows([]string{"customer_id", "gender"}).
			AddRow("1", "F").
			AddRow("2", nil).
			AddRow(nil, "M"))

	s := NewSQLSource(db, query, KeySpec{Column: "customer_id", Type: "int"})
	it, err := s.Open(context.Background())
	require.NoError(t, err)
	require.Equal(t, []tuple.Tuple{
		{Key: tuple.IntKey(1), Payload: tuple.Payload{{Name: "customer_id", Value: "1"}, {Name: "gender", Value: "F"}}},
		{Key: tuple.IntKey(2), Payload: tuple.Payload{{Name: "customer_id", Value: "2"}}},
		{Payload: tuple.Payload{{Name: "gender", Value: "M"}}},
	}, drain(t, it))
	require.NoError(t, s.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSourceErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("1"))
	mock.ExpectQuery("SELECT").WillReturnError(errors.New("server gone"))

	s := NewSQLSource(db, "SELECT id FROM t", KeySpec{Column: "customer_id"})
	_, err = s.Open(context.Background())
	require.True(t, hjerr.IsErrCode(err, hjerr.ErrInvalidInput))

	_, err = s.Open(context.Background())
	require.True(t, hjerr.IsErrCode(err, hjerr.ErrInternal))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFromConfig(t *testing.T) {
	ctx := context.Background()
	src, err := FromConfig(ctx, config.SourceConfig{Kind: "json", Path: "a.jsonl", KeyColumn: "id", KeyType: "int"})
	require.NoError(t, err)
	require.Equal(t, &JSONLinesSource{Path: "a.jsonl", Key: KeySpec{Column: "id", Type: "int"}}, src)

	sqlSrc, err := FromConfig(ctx, config.SourceConfig{Kind: "sql", DSN: "root@tcp(127.0.0.1:3306)/dw", Query: "SELECT 1", KeyColumn: "id"})
	require.NoError(t, err)
	require.NoError(t, sqlSrc.(*SQLSource).Close())

	_, err = FromConfig(ctx, config.SourceConfig{Kind: "csv"})
	require.True(t, hjerr.IsErrCode(err, hjerr.ErrBadConfig))
}
