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

package gcsim

import (
	"fmt"

	"github.com/cockroachdb/heaptable"
)

// ephemeron is an entry of weak-key storage whose values must be marked once
// its key is found reachable.
type ephemeron struct {
	host  *heaptable.Storage
	entry heaptable.InternalIndex
}

// Marking returns true while a marking cycle is in progress.
func (h *Heap) Marking() bool {
	return h.marking
}

// RecordWrite implements heaptable.Barrier. It is a Dijkstra insertion
// barrier: a reference stored into an already scanned host is greyed.
// Values stored into weak-key storage are queued as ephemerons instead.
func (h *Heap) RecordWrite(host *heaptable.Storage, offset int, v heaptable.Value) {
	h.Stats.Writes++
	if !h.marking || !h.scanned(host) {
		return
	}
	if host.Layout().WeakKeys {
		if entry, slot, ok := host.EntryForOffset(offset); ok && slot > 0 {
			h.recordEphemeron(host, entry)
			return
		}
	}
	if h.shade(v) {
		h.Stats.Shaded++
	}
}

// RecordEphemeronKeyWrite implements heaptable.Barrier. The key is not
// marked; the entry is queued and resolved when marking finishes.
func (h *Heap) RecordEphemeronKeyWrite(host *heaptable.Storage, offset int, v heaptable.Value) {
	h.Stats.EphemeronKeyWrites++
	if !h.marking || !h.scanned(host) {
		return
	}
	entry, _, ok := host.EntryForOffset(offset)
	if !ok {
		panic(fmt.Sprintf("gcsim: ephemeron key write to header slot %d", offset))
	}
	h.recordEphemeron(host, entry)
}

func (h *Heap) recordEphemeron(host *heaptable.Storage, entry heaptable.InternalIndex) {
	h.ephemerons = append(h.ephemerons, ephemeron{host: host, entry: entry})
	h.Stats.EphemeronsRecorded++
}

// scanned returns true if host is black. Grey and white hosts will still be
// scanned, so stores into them need no recording.
func (h *Heap) scanned(host *heaptable.Storage) bool {
	o := h.objects[host.Ref().Address()]
	return o != nil && o.storage == host && o.color == black
}

// shade greys v if it is a white heap object, returning whether it did.
func (h *Heap) shade(v heaptable.Value) bool {
	if !v.IsHeapObject() || v.IsReadOnly() {
		return false
	}
	o, ok := h.objects[v.Address()]
	if !ok || o.color != white {
		return false
	}
	o.color = grey
	h.worklist = append(h.worklist, v.Address())
	return true
}

// isMarked returns true if v is known reachable in the current cycle.
func (h *Heap) isMarked(v heaptable.Value) bool {
	if !v.IsHeapObject() || v.IsReadOnly() {
		return true
	}
	o, ok := h.objects[v.Address()]
	return ok && o.color != white
}

// StartMarking begins a marking cycle by greying the roots.
func (h *Heap) StartMarking() {
	if h.marking || h.sweepPending {
		panic("gcsim: previous cycle not finished")
	}
	for _, o := range h.objects {
		o.color = white
	}
	h.marking = true
	h.worklist = h.worklist[:0]
	h.ephemerons = h.ephemerons[:0]
	for _, root := range h.roots {
		h.shade(root())
	}
}

// Step scans up to budget grey objects. It returns true if the worklist is
// empty.
func (h *Heap) Step(budget int) bool {
	if !h.marking {
		panic("gcsim: not marking")
	}
	for ; budget > 0 && len(h.worklist) > 0; budget-- {
		n := len(h.worklist) - 1
		addr := h.worklist[n]
		h.worklist = h.worklist[:n]
		h.scan(addr)
	}
	return len(h.worklist) == 0
}

func (h *Heap) scan(addr uint32) {
	o := h.objects[addr]
	o.color = black
	switch o.kind {
	case kindPlain:
		for _, f := range o.fields {
			h.shade(f)
		}
	case kindStorage:
		s := o.storage
		layout := s.Layout()
		for e, capacity := 0, s.Capacity(); e < capacity; e++ {
			entry := heaptable.InternalIndex(e)
			key := s.KeyAt(entry)
			if !heaptable.IsKey(key) {
				continue
			}
			if layout.WeakKeys && !h.isMarked(key) {
				h.ephemerons = append(h.ephemerons, ephemeron{host: s, entry: entry})
				continue
			}
			h.markEntry(s, entry)
		}
	}
	if debug {
		fmt.Printf("scan: %#x kind=%d\n", addr, o.kind)
	}
}

// markEntry greys every slot of entry, the key included.
func (h *Heap) markEntry(s *heaptable.Storage, entry heaptable.InternalIndex) {
	base := s.EntryToIndex(entry)
	for i := 0; i < s.Layout().EntrySize; i++ {
		h.shade(s.Slot(base + i))
	}
}

// FinishMarking completes the cycle: it drains the worklist, then repeatedly
// marks the values of queued ephemerons whose key has become reachable until
// no new key becomes reachable. Entries of live weak-key storage whose key
// remains unmarked are removed.
func (h *Heap) FinishMarking() {
	if !h.marking {
		panic("gcsim: not marking")
	}
	for {
		h.Step(len(h.worklist))
		progress := false
		pending := h.ephemerons[:0]
		for _, eph := range h.ephemerons {
			key := eph.host.KeyAt(eph.entry)
			if !heaptable.IsKey(key) {
				continue
			}
			if h.isMarked(key) {
				h.markEntry(eph.host, eph.entry)
				progress = true
				continue
			}
			pending = append(pending, eph)
		}
		h.ephemerons = pending
		if !progress && len(h.worklist) == 0 {
			break
		}
	}
	if debug {
		fmt.Printf("finish: %d unresolved ephemerons\n", len(h.ephemerons))
	}

	var dead []heaptable.InternalIndex
	for _, o := range h.objects {
		if o.kind != kindStorage || o.color != black || !o.storage.Layout().WeakKeys {
			continue
		}
		s := o.storage
		dead = dead[:0]
		for e, capacity := 0, s.Capacity(); e < capacity; e++ {
			entry := heaptable.InternalIndex(e)
			if key := s.KeyAt(entry); heaptable.IsKey(key) && !h.isMarked(key) {
				dead = append(dead, entry)
			}
		}
		s.RemoveEntries(dead)
		h.Stats.ClearedEntries += len(dead)
	}
	h.ephemerons = h.ephemerons[:0]
	h.marking = false
	h.sweepPending = true
}

// Sweep frees every object left white by the last marking cycle.
func (h *Heap) Sweep() {
	if !h.sweepPending {
		panic("gcsim: sweep without a finished marking cycle")
	}
	h.sweepPending = false
	for addr, o := range h.objects {
		if o.color == white {
			delete(h.objects, addr)
			h.used -= o.size
			h.Stats.Freed++
			continue
		}
		o.color = white
	}
}

// Collect runs a complete non-incremental cycle.
func (h *Heap) Collect() {
	h.StartMarking()
	h.FinishMarking()
	h.Sweep()
}
