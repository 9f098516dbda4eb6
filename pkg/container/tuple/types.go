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

type KeyType uint8

const (
	KeyNull KeyType = iota
	KeyInt
	KeyString
)

func (t KeyType) String() string {
	switch t {
	case KeyInt:
		return "int"
	case KeyString:
		return "string"
	}
	return "null"
}

// Key is a join key. It is comparable, two keys are equal iff both their
// type and value are equal, so IntKey(1) != StringKey("1").
type Key struct {
	typ KeyType
	i   int64
	s   string
}

// Field is one named column of a payload.
type Field struct {
	Name  string `json:"n"`
	Value string `json:"v"`
}

// Payload is the opaque, ordered field set carried by a tuple.
type Payload []Field

// Tuple is one record of either relation. Build tuples only use Key and
// Payload; probe tuples additionally carry the arrival sequence number
// assigned on admission and whether any record was emitted for them yet.
type Tuple struct {
	Key     Key     `json:"k"`
	Payload Payload `json:"p,omitempty"`
	Seq     uint64  `json:"q"`
	Matched bool    `json:"m,omitempty"`
}

// JoinedRecord is the concatenation of a build payload and a probe payload
// sharing Key.
type JoinedRecord struct {
	Key        Key
	Build      Payload
	Probe      Payload
	Generation int
}
