package replication

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"geocache/pkg/clock"
	"geocache/pkg/compression"
	"geocache/pkg/replog"
	"geocache/pkg/store"

	"github.com/google/uuid"
)

var (
	ErrInvalidBatch  = errors.New("replication: invalid batch")
	ErrInvalidRecord = errors.New("replication: invalid record")
)

// WireRecord is one mutation as it travels between regions.
type WireRecord struct {
	Seq       uint64        `json:"seq,omitempty"`
	Key       string        `json:"key"`
	Value     []byte        `json:"value,omitempty"`
	Type      string        `json:"type,omitempty"`
	Tombstone bool          `json:"tombstone,omitempty"`
	ExpiresAt int64         `json:"expires_at,omitempty"`
	Version   clock.Version `json:"version"`
}

// Batch carries records of one origin. Regular batches hold contiguous log records of the
// origin's incarnation; snapshot batches hold the origin's whole store and reset the
// receiver's cursor to BaseSeq.
type Batch struct {
	ID          uuid.UUID    `json:"id"`
	Origin      string       `json:"origin"`
	Incarnation uuid.UUID    `json:"incarnation"`
	Records     []WireRecord `json:"records"`
	Snapshot    bool         `json:"snapshot,omitempty"`
	BaseSeq     uint64       `json:"base_seq,omitempty"`
}

// Ack is the cumulative acknowledgement returned for a batch.
type Ack struct {
	Seq      uint64 `json:"seq"`
	Resync   bool   `json:"resync,omitempty"`
	Rejected int    `json:"rejected,omitempty"`
}

func FromRecord(rec replog.Record) WireRecord {
	w := FromEntry(rec.Entry)
	w.Seq = rec.Seq
	return w
}

func FromEntry(e store.Entry) WireRecord {
	w := WireRecord{
		Key:       e.Key,
		Tombstone: e.Tombstone,
		Version:   e.Version,
	}
	if e.Tombstone {
		// the purge deadline of a tombstone is local to each node
		return w
	}
	w.Value = e.Value.Data
	w.Type = e.Value.Type
	if !e.ExpiresAt.IsZero() {
		w.ExpiresAt = e.ExpiresAt.UnixNano()
	}
	return w
}

func (w WireRecord) Entry() store.Entry {
	e := store.Entry{
		Key:       w.Key,
		Version:   w.Version,
		Tombstone: w.Tombstone,
	}
	if !w.Tombstone {
		e.Value = store.Value{Data: w.Value, Type: w.Type}
		if w.ExpiresAt != 0 {
			e.ExpiresAt = time.Unix(0, w.ExpiresAt)
		}
	}
	return e
}

// Validate checks a record of a batch sent by origin. Only snapshot batches may carry
// versions stamped by other regions.
func (w WireRecord) Validate(origin string, snapshot bool) error {
	switch {
	case w.Key == "":
		return fmt.Errorf("%w: empty key", ErrInvalidRecord)
	case w.Version.Region == "":
		return fmt.Errorf("%w: key %q has no version region", ErrInvalidRecord, w.Key)
	case w.Version.Counter == 0:
		return fmt.Errorf("%w: key %q has zero counter", ErrInvalidRecord, w.Key)
	case !snapshot && w.Version.Region != origin:
		return fmt.Errorf("%w: key %q stamped by %s in a batch from %s", ErrInvalidRecord, w.Key,
			w.Version.Region, origin)
	case !snapshot && w.Seq == 0:
		return fmt.Errorf("%w: key %q has no sequence number", ErrInvalidRecord, w.Key)
	}
	return nil
}

// EncodeBatch serializes b to JSON and compresses it with codec.
func EncodeBatch(b Batch, codec compression.Codec) ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}
	return codec.Encode(raw)
}

// DecodeBatch reverses EncodeBatch; encoding is the Content-Encoding of the request and
// limit bounds the decompressed size (0 = unbounded).
func DecodeBatch(r io.Reader, encoding string, limit int64) (Batch, error) {
	codec, err := compression.ByName(encoding)
	if err != nil {
		return Batch{}, err
	}
	raw, err := codec.Decode(r, limit)
	if err != nil {
		return Batch{}, fmt.Errorf("%w: decompress: %v", ErrInvalidBatch, err)
	}

	var b Batch
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&b); err != nil {
		return Batch{}, fmt.Errorf("%w: decode: %v", ErrInvalidBatch, err)
	}
	if b.Origin == "" {
		return Batch{}, fmt.Errorf("%w: missing origin", ErrInvalidBatch)
	}

	return b, nil
}
