// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package heaptable

// EphemeronHashTable is the storage of weak maps. A key does not keep its
// referent alive, and the value of an entry is reachable only while the key
// is. Key stores are reported through Barrier.RecordEphemeronKeyWrite;
// entries whose key dies are removed by the collector with
// Storage.RemoveEntries.
type EphemeronHashTable struct {
	objectHashTableBase
}

// NewEphemeronHashTable constructs a table with room for at least
// atLeastSpaceFor entries.
func NewEphemeronHashTable(
	objs Objects, atLeastSpaceFor int, options ...Option,
) (*EphemeronHashTable, error) {
	options = append(options[:len(options):len(options)], weakKeysOption{})
	t, err := NewHashTable[ObjectHashTableShape](objs, atLeastSpaceFor, options...)
	if err != nil {
		return nil, err
	}
	return &EphemeronHashTable{objectHashTableBase{table: t}}, nil
}
