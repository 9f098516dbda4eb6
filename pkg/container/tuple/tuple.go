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

package tuple

import (
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"

	"github.com/matrixorigin/hybridjoin/pkg/common/hjerr"
)

func IntKey(v int64) Key {
	return Key{typ: KeyInt, i: v}
}

func StringKey(v string) Key {
	return Key{typ: KeyString, s: v}
}

func (k Key) Type() KeyType { return k.typ }

func (k Key) IsNull() bool { return k.typ == KeyNull }

func (k Key) Int() int64 { return k.i }

func (k Key) Str() string { return k.s }

func (k Key) String() string {
	switch k.typ {
	case KeyInt:
		return strconv.FormatInt(k.i, 10)
	case KeyString:
		return k.s
	}
	return "NULL"
}

// AppendBytes appends the type-tagged encoding of k to buf. Keys of
// different types never share an encoding.
func (k Key) AppendBytes(buf []byte) []byte {
	buf = append(buf, byte(k.typ))
	switch k.typ {
	case KeyInt:
		buf = binary.BigEndian.AppendUint64(buf, uint64(k.i))
	case KeyString:
		buf = append(buf, k.s...)
	}
	return buf
}

// Hash returns the 64 bit xxhash of the key encoding.
func (k Key) Hash() uint64 {
	var scratch [16]byte
	if k.typ == KeyString && len(k.s) > 15 {
		d := xxhash.New()
		_, _ = d.Write([]byte{byte(k.typ)})
		_, _ = d.WriteString(k.s)
		return d.Sum64()
	}
	return xxhash.Sum64(k.AppendBytes(scratch[:0]))
}

type keyJSON struct {
	I *int64  `json:"i,omitempty"`
	S *string `json:"s,omitempty"`
}

func (k Key) MarshalJSON() ([]byte, error) {
	switch k.typ {
	case KeyInt:
		return json.Marshal(keyJSON{I: &k.i})
	case KeyString:
		return json.Marshal(keyJSON{S: &k.s})
	}
	return []byte("null"), nil
}

func (k *Key) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*k = Key{}
		return nil
	}
	var kj keyJSON
	if err := json.Unmarshal(data, &kj); err != nil {
		return err
	}
	switch {
	case kj.I != nil && kj.S != nil:
		return hjerr.NewInvalidInputNoCtx("key %s carries both int and string", data)
	case kj.I != nil:
		*k = IntKey(*kj.I)
	case kj.S != nil:
		*k = StringKey(*kj.S)
	default:
		*k = Key{}
	}
	return nil
}

// Get returns the value of the first field named name.
func (p Payload) Get(name string) (string, bool) {
	for _, f := range p {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Names returns the field names in order.
func (p Payload) Names() []string {
	names := make([]string, len(p))
	for i, f := range p {
		names[i] = f.Name
	}
	return names
}

// Fields flattens the record into one field set: build fields first, then
// probe fields. A probe field replaces a build field of the same name in
// place, so enrichment never duplicates a column.
func (r JoinedRecord) Fields() Payload {
	out := make(Payload, 0, len(r.Build)+len(r.Probe))
	pos := make(map[string]int, len(r.Build)+len(r.Probe))
	for _, f := range r.Build {
		if i, ok := pos[f.Name]; ok {
			out[i] = f
			continue
		}
		pos[f.Name] = len(out)
		out = append(out, f)
	}
	for _, f := range r.Probe {
		if i, ok := pos[f.Name]; ok {
			out[i] = f
			continue
		}
		pos[f.Name] = len(out)
		out = append(out, f)
	}
	return out
}
