package crdt

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformed is returned when update or state vector bytes do not decode.
var ErrMalformed = errors.New("crdt: malformed encoding")

// encMode uses Core Deterministic Encoding so the same logical update
// always produces the same bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crdt: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic("crdt: CBOR decoder initialization failed: " + err.Error())
	}
}

// ID identifies one inserted element: the replica that created it and that
// replica's contiguous sequence number.
type ID struct {
	Client string `cbor:"1,keyasint"`
	Seq    uint64 `cbor:"2,keyasint"`
}

func (id ID) String() string {
	return fmt.Sprintf("%s:%d", id.Client, id.Seq)
}

type wireItem struct {
	ID      ID     `cbor:"1,keyasint"`
	Lamport uint64 `cbor:"2,keyasint"`
	Origin  *ID    `cbor:"3,keyasint,omitempty"`
	Value   rune   `cbor:"4,keyasint"`
}

type update struct {
	Items   []wireItem `cbor:"1,keyasint,omitempty"`
	Deletes []ID       `cbor:"2,keyasint,omitempty"`
}

func (u *update) empty() bool {
	return len(u.Items) == 0 && len(u.Deletes) == 0
}

// StateVector maps a replica to the highest sequence number seen from it.
type StateVector map[string]uint64

func encodeUpdate(u update) []byte {
	b, err := encMode.Marshal(u)
	if err != nil {
		// Only plain structs of strings and integers are encoded here.
		panic("crdt: encoding update: " + err.Error())
	}
	return b
}

func decodeUpdate(data []byte) (update, error) {
	var u update
	if len(data) == 0 {
		return u, nil
	}
	if err := decMode.Unmarshal(data, &u); err != nil {
		return u, errors.Join(ErrMalformed, err)
	}
	for _, it := range u.Items {
		if it.ID.Client == "" || it.ID.Seq == 0 {
			return u, fmt.Errorf("%w: item without id", ErrMalformed)
		}
	}
	return u, nil
}

// EncodeStateVector serializes sv for a sync step 1 message.
func EncodeStateVector(sv StateVector) []byte {
	if sv == nil {
		sv = StateVector{}
	}
	b, err := encMode.Marshal(map[string]uint64(sv))
	if err != nil {
		panic("crdt: encoding state vector: " + err.Error())
	}
	return b
}

// DecodeStateVector parses bytes produced by EncodeStateVector. Empty input
// is the empty vector.
func DecodeStateVector(data []byte) (StateVector, error) {
	sv := StateVector{}
	if len(data) == 0 {
		return sv, nil
	}
	if err := decMode.Unmarshal(data, (*map[string]uint64)(&sv)); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	return sv, nil
}

// MergeUpdates combines several encoded updates into one. Duplicate items
// and deletions are kept once.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	var (
		merged  update
		items   = make(map[ID]struct{})
		deletes = make(map[ID]struct{})
	)
	for _, data := range updates {
		u, err := decodeUpdate(data)
		if err != nil {
			return nil, err
		}
		for _, it := range u.Items {
			if _, ok := items[it.ID]; ok {
				continue
			}
			items[it.ID] = struct{}{}
			merged.Items = append(merged.Items, it)
		}
		for _, id := range u.Deletes {
			if _, ok := deletes[id]; ok {
				continue
			}
			deletes[id] = struct{}{}
			merged.Deletes = append(merged.Deletes, id)
		}
	}
	return encodeUpdate(merged), nil
}

// EmptyUpdate is an update that changes nothing.
func EmptyUpdate() []byte {
	return encodeUpdate(update{})
}
