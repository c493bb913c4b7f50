// Package canvas holds the whiteboard model and keeps it in step with the
// other clients in the room by broadcasting full snapshots.
package canvas

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/ksuid"

	"github.com/mossy-p/collab-relay/internal/models"
)

// Object is one drawable on the board. Props holds the drawing attributes
// (geometry, stroke, fill, path data) that this package does not interpret.
type Object struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Props          json.RawMessage `json:"props,omitempty"`
	CreatedBy      string          `json:"createdBy,omitempty"`
	CreatedByName  string          `json:"createdByName,omitempty"`
	ModifiedBy     string          `json:"modifiedBy,omitempty"`
	ModifiedByName string          `json:"modifiedByName,omitempty"`
	ModifiedAt     time.Time       `json:"modifiedAt,omitzero"`
}

// Snapshot is the serialized board as sent in canvas:update.
type Snapshot struct {
	Objects []Object `json:"objects"`
}

// EventKind names a board change.
type EventKind string

const (
	ObjectAdded    EventKind = "object:added"
	ObjectModified EventKind = "object:modified"
	ObjectRemoved  EventKind = "object:removed"
	PathCreated    EventKind = "path:created"
)

// Event is a board mutation.
type Event struct {
	Kind   EventKind
	Object Object
}

// Board is the local set of drawable objects.
type Board struct {
	author models.User
	clock  clockwork.Clock

	mu       sync.Mutex
	objects  []Object
	handlers []handler
	nextID   uint64
}

type handler struct {
	id uint64
	fn func(Event)
}

// BoardOpt configures a Board.
type BoardOpt func(*Board)

// WithBoardClock stamps modifications with clock.
func WithBoardClock(c clockwork.Clock) BoardOpt {
	return func(b *Board) {
		b.clock = c
	}
}

// NewBoard returns an empty board whose local edits are attributed to
// author.
func NewBoard(author models.User, opts ...BoardOpt) *Board {
	b := &Board{author: author, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Author is the user local changes are attributed to.
func (b *Board) Author() models.User {
	return b.author
}

// OnChange registers fn for every mutation, local or loaded. fn runs on the
// goroutine that changed the board, after the board lock is released.
func (b *Board) OnChange(fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, handler{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers = slices.DeleteFunc(b.handlers, func(h handler) bool { return h.id == id })
	}
}

func (b *Board) emit(events ...Event) {
	b.mu.Lock()
	hs := slices.Clone(b.handlers)
	b.mu.Unlock()
	for _, ev := range events {
		for _, h := range hs {
			h.fn(ev)
		}
	}
}

func (b *Board) stamp(obj *Object, created bool) {
	if created {
		obj.CreatedBy = b.author.ID
		obj.CreatedByName = b.author.Name
	}
	obj.ModifiedBy = b.author.ID
	obj.ModifiedByName = b.author.Name
	obj.ModifiedAt = b.clock.Now().UTC()
}

// Add places a new object on the board and returns it with its id and
// authorship filled in.
func (b *Board) Add(obj Object) Object {
	return b.add(obj, ObjectAdded)
}

// AddPath records a completed freehand stroke.
func (b *Board) AddPath(obj Object) Object {
	if obj.Type == "" {
		obj.Type = "path"
	}
	return b.add(obj, PathCreated)
}

func (b *Board) add(obj Object, kind EventKind) Object {
	if obj.ID == "" {
		obj.ID = ksuid.New().String()
	}
	b.stamp(&obj, true)

	b.mu.Lock()
	b.objects = append(b.objects, obj)
	b.mu.Unlock()

	b.emit(Event{Kind: kind, Object: obj})
	return obj
}

// Modify replaces the drawing attributes of id.
func (b *Board) Modify(id string, props json.RawMessage) (Object, error) {
	b.mu.Lock()
	i := b.index(id)
	if i < 0 {
		b.mu.Unlock()
		return Object{}, fmt.Errorf("canvas: no object %q", id)
	}
	obj := b.objects[i]
	obj.Props = props
	b.stamp(&obj, false)
	b.objects[i] = obj
	b.mu.Unlock()

	b.emit(Event{Kind: ObjectModified, Object: obj})
	return obj, nil
}

// Remove deletes id. It reports whether the object existed.
func (b *Board) Remove(id string) bool {
	b.mu.Lock()
	i := b.index(id)
	if i < 0 {
		b.mu.Unlock()
		return false
	}
	obj := b.objects[i]
	b.objects = slices.Delete(b.objects, i, i+1)
	b.mu.Unlock()

	b.emit(Event{Kind: ObjectRemoved, Object: obj})
	return true
}

// Get returns the object with id.
func (b *Board) Get(id string) (Object, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.index(id); i >= 0 {
		return b.objects[i], true
	}
	return Object{}, false
}

// Objects returns the board content in drawing order.
func (b *Board) Objects() []Object {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.objects)
}

// Len returns the number of objects.
func (b *Board) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// Snapshot returns the board as it is now.
func (b *Board) Snapshot() Snapshot {
	return Snapshot{Objects: b.Objects()}
}

// Load replaces the whole board with snap. Like a canvas library loading
// JSON it fires one removed event per dropped object and one added event
// per loaded object. Authorship is kept as sent.
func (b *Board) Load(snap Snapshot) {
	b.mu.Lock()
	old := b.objects
	b.objects = slices.Clone(snap.Objects)
	b.mu.Unlock()

	events := make([]Event, 0, len(old)+len(snap.Objects))
	for _, obj := range old {
		events = append(events, Event{Kind: ObjectRemoved, Object: obj})
	}
	for _, obj := range snap.Objects {
		events = append(events, Event{Kind: ObjectAdded, Object: obj})
	}
	b.emit(events...)
}

func (b *Board) index(id string) int {
	return slices.IndexFunc(b.objects, func(o Object) bool { return o.ID == id })
}
