// Package crdt implements a replicated text sequence. Every replica can
// apply the same set of updates in any order, and any number of times, and
// converge on the same text.
package crdt

import (
	"strings"
	"sync"
)

// OriginLocal tags updates produced by Insert and Delete on this replica.
const OriginLocal = "local"

// UpdateObserver is notified with the encoded delta of every change and the
// origin it was applied with.
type UpdateObserver func(update []byte, origin string)

type item struct {
	id      ID
	lamport uint64
	origin  *ID
	value   rune
	deleted bool
}

func (it *item) wire() wireItem {
	return wireItem{ID: it.id, Lamport: it.lamport, Origin: it.origin, Value: it.value}
}

// before reports whether it sorts ahead of a sibling with the given clock.
// Concurrent inserts at the same position order by descending Lamport time,
// ties broken by descending client id.
func (it *item) before(lamport uint64, client string) bool {
	if it.lamport != lamport {
		return it.lamport > lamport
	}
	return it.id.Client > client
}

// Doc is one replica of a text sequence. It is safe for concurrent use.
// Observers run after the document lock is released.
type Doc struct {
	mu      sync.Mutex
	client  string
	lamport uint64

	items []*item
	index map[ID]*item
	sv    StateVector

	pendingItems   []wireItem
	pendingDeletes map[ID]struct{}

	observers map[int]UpdateObserver
	nextObs   int
}

// New returns an empty document that creates items under clientID.
// clientID must be unique among replicas that ever edit this document.
func New(clientID string) *Doc {
	return &Doc{
		client:         clientID,
		index:          make(map[ID]*item),
		sv:             StateVector{},
		pendingDeletes: make(map[ID]struct{}),
		observers:      make(map[int]UpdateObserver),
	}
}

// ClientID returns the id new items are created under.
func (d *Doc) ClientID() string {
	return d.client
}

// OnUpdate registers fn for every change. The returned func unregisters it.
func (d *Doc) OnUpdate(fn UpdateObserver) func() {
	d.mu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// Text returns the visible content.
func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var b strings.Builder
	for _, it := range d.items {
		if !it.deleted {
			b.WriteRune(it.value)
		}
	}
	return b.String()
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visibleLen()
}

func (d *Doc) visibleLen() int {
	n := 0
	for _, it := range d.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

// StateVector returns a copy of the replica's state vector.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()

	sv := make(StateVector, len(d.sv))
	for k, v := range d.sv {
		sv[k] = v
	}
	return sv
}

// Insert places text before the visible rune at pos. pos is clamped to the
// document bounds.
func (d *Doc) Insert(pos int, text string) {
	if text == "" {
		return
	}

	d.mu.Lock()
	pos = clamp(pos, 0, d.visibleLen())

	var left *ID
	if pos > 0 {
		l := d.visibleAt(pos - 1)
		left = &l.id
	}

	var delta update
	for _, r := range text {
		d.lamport++
		w := wireItem{
			ID:      ID{Client: d.client, Seq: d.sv[d.client] + 1},
			Lamport: d.lamport,
			Origin:  left,
			Value:   r,
		}
		d.integrate(w)
		delta.Items = append(delta.Items, w)
		id := w.ID
		left = &id
	}
	d.unlockAndNotify(delta, OriginLocal)
}

// Delete removes up to length visible runes starting at pos.
func (d *Doc) Delete(pos, length int) {
	if pos < 0 {
		length += pos
		pos = 0
	}
	if length <= 0 {
		return
	}

	d.mu.Lock()

	var delta update
	seen := 0
	for _, it := range d.items {
		if len(delta.Deletes) == length {
			break
		}
		if it.deleted {
			continue
		}
		if seen >= pos {
			it.deleted = true
			delta.Deletes = append(delta.Deletes, it.id)
		}
		seen++
	}
	d.unlockAndNotify(delta, OriginLocal)
}

// EncodeStateAsUpdate returns everything this replica has that a replica at
// sv lacks. A nil sv encodes the full state.
func (d *Doc) EncodeStateAsUpdate(sv StateVector) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var u update
	for _, it := range d.items {
		if it.id.Seq > sv[it.id.Client] {
			u.Items = append(u.Items, it.wire())
		}
		if it.deleted {
			u.Deletes = append(u.Deletes, it.id)
		}
	}
	sortByCausality(u.Items)
	return encodeUpdate(u)
}

// ApplyUpdate integrates an encoded update received with the given origin.
// It reports whether the visible or tombstone state changed. Items whose
// dependencies are still missing are held back and integrated once those
// arrive.
func (d *Doc) ApplyUpdate(data []byte, origin string) (bool, error) {
	u, err := decodeUpdate(data)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	var delta update
	for _, w := range u.Items {
		switch {
		case d.integrate(w):
			d.recordIntegrated(&delta, w)
		case !d.known(w.ID) && !d.isPending(w.ID):
			d.pendingItems = append(d.pendingItems, w)
		}
	}
	for _, id := range u.Deletes {
		if d.markDeleted(id) {
			delta.Deletes = append(delta.Deletes, id)
		}
	}
	d.drainPending(&delta)

	changed := !delta.empty()
	d.unlockAndNotify(delta, origin)
	return changed, nil
}

// integrate inserts w if it is new and its dependencies are present.
// Callers hold d.mu.
func (d *Doc) integrate(w wireItem) bool {
	if d.known(w.ID) || w.ID.Seq != d.sv[w.ID.Client]+1 {
		return false
	}

	start := 0
	if w.Origin != nil {
		o, ok := d.index[*w.Origin]
		if !ok {
			return false
		}
		start = d.position(o) + 1
	}

	j := start
	for j < len(d.items) && d.items[j].before(w.Lamport, w.ID.Client) {
		j++
	}

	it := &item{id: w.ID, lamport: w.Lamport, origin: w.Origin, value: w.Value}
	if _, ok := d.pendingDeletes[w.ID]; ok {
		it.deleted = true
		delete(d.pendingDeletes, w.ID)
	}
	d.items = append(d.items, nil)
	copy(d.items[j+1:], d.items[j:])
	d.items[j] = it
	d.index[w.ID] = it
	d.sv[w.ID.Client] = w.ID.Seq
	if w.Lamport > d.lamport {
		d.lamport = w.Lamport
	}
	return true
}

func (d *Doc) markDeleted(id ID) bool {
	it, ok := d.index[id]
	if !ok {
		d.pendingDeletes[id] = struct{}{}
		return false
	}
	if it.deleted {
		return false
	}
	it.deleted = true
	return true
}

// drainPending retries buffered items until no more can be integrated.
func (d *Doc) drainPending(delta *update) {
	for progress := true; progress && len(d.pendingItems) > 0; {
		progress = false
		rest := d.pendingItems[:0]
		for _, w := range d.pendingItems {
			switch {
			case d.integrate(w):
				d.recordIntegrated(delta, w)
				progress = true
			case d.known(w.ID):
			default:
				rest = append(rest, w)
			}
		}
		d.pendingItems = rest
	}
}

// recordIntegrated adds w to delta, along with its tombstone when a delete
// for it arrived first.
func (d *Doc) recordIntegrated(delta *update, w wireItem) {
	delta.Items = append(delta.Items, w)
	if d.index[w.ID].deleted {
		delta.Deletes = append(delta.Deletes, w.ID)
	}
}

func (d *Doc) isPending(id ID) bool {
	for _, w := range d.pendingItems {
		if w.ID == id {
			return true
		}
	}
	return false
}

func (d *Doc) known(id ID) bool {
	return id.Seq <= d.sv[id.Client]
}

func (d *Doc) position(it *item) int {
	for i, x := range d.items {
		if x == it {
			return i
		}
	}
	return -1
}

func (d *Doc) visibleAt(pos int) *item {
	n := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		if n == pos {
			return it
		}
		n++
	}
	return nil
}

// unlockAndNotify releases d.mu and hands delta to the observers.
func (d *Doc) unlockAndNotify(delta update, origin string) {
	if delta.empty() {
		d.mu.Unlock()
		return
	}
	observers := make([]UpdateObserver, 0, len(d.observers))
	for _, fn := range d.observers {
		observers = append(observers, fn)
	}
	d.mu.Unlock()

	if len(observers) == 0 {
		return
	}
	data := encodeUpdate(delta)
	for _, fn := range observers {
		fn(data, origin)
	}
}

// sortByCausality orders items so every origin precedes its dependents when
// both are present, which keeps the receiver's pending buffer small.
func sortByCausality(items []wireItem) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && less(items[j], items[j-1]); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

func less(a, b wireItem) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport < b.Lamport
	}
	if a.ID.Client != b.ID.Client {
		return a.ID.Client < b.ID.Client
	}
	return a.ID.Seq < b.ID.Seq
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
