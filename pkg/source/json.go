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
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
	"github.com/matrixorigin/hybridjoin/pkg/container/tuple"
)

const maxLineSize = 4 << 20

// JSONLinesSource reads one flat JSON object per line. Every non-null
// member becomes a payload field in member order; the key column also
// gives the join key.
type JSONLinesSource struct {
	Path string
	Key  KeySpec
}

var _ BuildSource = (*JSONLinesSource)(nil)

func NewJSONLinesSource(path string, key KeySpec) *JSONLinesSource {
	return &JSONLinesSource{Path: path, Key: key}
}

func (s *JSONLinesSource) Open(ctx context.Context) (Iterator, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, hjerr.NewInvalidInput(ctx, "open %s: %v", s.Path, err)
	}
	return newJSONLinesIterator(s.Path, f, s.Key), nil
}

// NewJSONLinesReader reads JSON lines from r, closing it on Close when it
// is an io.Closer.
func NewJSONLinesReader(name string, r io.Reader, key KeySpec) Iterator {
	return newJSONLinesIterator(name, r, key)
}

type jsonLinesIterator struct {
	name    string
	r       io.Reader
	scanner *bufio.Scanner
	key     KeySpec
	line    int
}

func newJSONLinesIterator(name string, r io.Reader, key KeySpec) *jsonLinesIterator {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	return &jsonLinesIterator{name: name, r: r, scanner: scanner, key: key}
}

func (it *jsonLinesIterator) Next(ctx context.Context) (tuple.Tuple, bool, error) {
	for it.scanner.Scan() {
		it.line++
		line := bytes.TrimSpace(it.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		t, err := it.parse(ctx, line)
		if err != nil {
			return tuple.Tuple{}, false, err
		}
		return t, true, nil
	}
	if err := it.scanner.Err(); err != nil {
		return tuple.Tuple{}, false, hjerr.NewInvalidInput(ctx, "%s: %v", it.name, err)
	}
	return tuple.Tuple{}, false, nil
}

func (it *jsonLinesIterator) parse(ctx context.Context, line []byte) (tuple.Tuple, error) {
	bad := func(msg string) error {
		return hjerr.NewInvalidInput(ctx, "%s:%d: %s", it.name, it.line, msg)
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return tuple.Tuple{}, bad("not a JSON object")
	}

	var (
		t        tuple.Tuple
		keyValue string
		hasKey   bool
	)
	for {
		tok, err := dec.Token()
		if err != nil {
			return tuple.Tuple{}, bad(err.Error())
		}
		if tok == json.Delim('}') {
			break
		}
		name, ok := tok.(string)
		if !ok {
			return tuple.Tuple{}, bad("expected member name")
		}
		val, err := dec.Token()
		if err != nil {
			return tuple.Tuple{}, bad(err.Error())
		}
		var text string
		switch v := val.(type) {
		case nil:
			continue
		case string:
			text = v
		case json.Number:
			text = strings.Clone(string(v))
		case bool:
			text = "false"
			if v {
				text = "true"
			}
		default:
			return tuple.Tuple{}, bad("nested value of " + name)
		}
		if name == it.key.Column {
			keyValue, hasKey = text, true
		}
		t.Payload = append(t.Payload, tuple.Field{Name: name, Value: text})
	}

	t.Key, err = it.key.Key(ctx, keyValue, hasKey)
	if err != nil {
		return tuple.Tuple{}, err
	}
	return t, nil
}

func (it *jsonLinesIterator) Close() error {
	if c, ok := it.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
