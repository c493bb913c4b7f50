package docsync

import (
	"github.com/mossy-p/collab-relay/internal/crdt"
)

// OriginLocal is the origin a Doc reports for edits made on it directly.
const OriginLocal = crdt.OriginLocal

// Doc is the replica a Session keeps in sync. The session only moves
// encoded state vectors and updates between replicas; merging them is the
// Doc's job and must converge regardless of order or repetition.
type Doc interface {
	ClientID() string
	Text() string
	Len() int
	Insert(pos int, text string)
	Delete(pos, length int)

	// EncodeStateVector summarizes which updates the replica holds.
	EncodeStateVector() []byte
	// EncodeDiff returns what the replica holds beyond an encoded state
	// vector. An empty vector asks for the whole state.
	EncodeDiff(stateVector []byte) ([]byte, error)
	// ApplyUpdate merges an update and reports whether anything changed.
	ApplyUpdate(update []byte, origin string) (bool, error)
	// MergeUpdates combines updates into one equivalent update.
	MergeUpdates(updates ...[]byte) ([]byte, error)
	// OnUpdate observes every change with the update that caused it.
	OnUpdate(fn func(update []byte, origin string)) func()
}

// NewDoc returns an empty text replica editing as clientID.
func NewDoc(clientID string) Doc {
	return WrapCRDT(crdt.New(clientID))
}

// WrapCRDT adapts an existing crdt replica.
func WrapCRDT(d *crdt.Doc) Doc {
	return crdtDoc{d}
}

type crdtDoc struct {
	*crdt.Doc
}

func (d crdtDoc) EncodeStateVector() []byte {
	return crdt.EncodeStateVector(d.StateVector())
}

func (d crdtDoc) EncodeDiff(stateVector []byte) ([]byte, error) {
	sv, err := crdt.DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	return d.EncodeStateAsUpdate(sv), nil
}

func (d crdtDoc) MergeUpdates(updates ...[]byte) ([]byte, error) {
	return crdt.MergeUpdates(updates...)
}

func (d crdtDoc) OnUpdate(fn func(update []byte, origin string)) func() {
	return d.Doc.OnUpdate(fn)
}
