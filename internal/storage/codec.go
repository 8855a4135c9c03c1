package storage

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/snehjoshi/levelq/internal/types"
)

// Record is the envelope a backend persists for one queue item. Version is the
// CAS token: every successful write stores a value the key has never held
// before, including after a delete. Redis relies on WATCH instead.
type Record struct {
	Version uint64           `cbor:"1,keyasint"`
	Item    *types.QueueItem `cbor:"2,keyasint"`
}

// DeadLetterRecord is the envelope for one dead-letter entry.
type DeadLetterRecord struct {
	Version uint64                 `cbor:"1,keyasint"`
	Entry   *types.DeadLetterEntry `cbor:"2,keyasint"`
}

// Timestamps are encoded as RFC 3339 strings with nanoseconds so the
// millisecond-precision clock values round-trip exactly.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("storage: cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("storage: cbor dec mode: %v", err))
	}
}

// EncodeRecord serialises r.
func EncodeRecord(r Record) ([]byte, error) {
	b, err := encMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("storage: encode record: %w", err)
	}
	return b, nil
}

// DecodeRecord parses a record produced by EncodeRecord.
func DecodeRecord(b []byte) (Record, error) {
	var r Record
	if err := decMode.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if r.Item == nil {
		return Record{}, fmt.Errorf("%w: record without item", ErrCorrupted)
	}
	return r, nil
}

// EncodeDeadLetter serialises r.
func EncodeDeadLetter(r DeadLetterRecord) ([]byte, error) {
	b, err := encMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("storage: encode dead letter: %w", err)
	}
	return b, nil
}

// DecodeDeadLetter parses a record produced by EncodeDeadLetter.
func DecodeDeadLetter(b []byte) (DeadLetterRecord, error) {
	var r DeadLetterRecord
	if err := decMode.Unmarshal(b, &r); err != nil {
		return DeadLetterRecord{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if r.Entry == nil {
		return DeadLetterRecord{}, fmt.Errorf("%w: record without entry", ErrCorrupted)
	}
	return r, nil
}
