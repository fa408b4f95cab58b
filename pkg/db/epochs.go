package db

import (
	"encoding/binary"
	"fmt"

	"github.com/certusone/wormhole/witnessd/pkg/epochs"
	"github.com/dgraph-io/badger/v3"
)

const (
	epochPrefix = "EPOCH:V1:"

	epochFlagHasEnd   = 1 << 0
	epochFlagInactive = 1 << 1
	// flags, start, end and the number of pending consumers. Each consumer
	// name follows as a uint16 length and the name itself.
	epochHeaderLen = 1 + 8 + 8 + 4
)

// EpochDB implements epochs.Store.
type EpochDB struct {
	db *badger.DB
}

func NewEpochDB(dbConn *badger.DB) *EpochDB {
	return &EpochDB{db: dbConn}
}

func epochKey(id uint32) []byte {
	return []byte(fmt.Sprintf("%s%010d", epochPrefix, id))
}

func marshalEpoch(r epochs.Record) []byte {
	size := epochHeaderLen
	for _, c := range r.Consumers {
		size += 2 + len(c)
	}
	buf := make([]byte, epochHeaderLen, size)
	if r.End != nil {
		buf[0] |= epochFlagHasEnd
		binary.BigEndian.PutUint64(buf[9:17], *r.End)
	}
	if r.Inactive {
		buf[0] |= epochFlagInactive
	}
	binary.BigEndian.PutUint64(buf[1:9], r.Start)
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(r.Consumers)))
	for _, c := range r.Consumers {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(c)))
		buf = append(buf, c...)
	}
	return buf
}

func unmarshalEpoch(id uint32, data []byte) (epochs.Record, error) {
	if len(data) < epochHeaderLen {
		return epochs.Record{}, fmt.Errorf("%w: epoch record %d has length %d", ErrStorageCorruption, id, len(data))
	}
	r := epochs.Record{
		ID:       id,
		Start:    binary.BigEndian.Uint64(data[1:9]),
		Inactive: data[0]&epochFlagInactive != 0,
	}
	n := binary.BigEndian.Uint32(data[17:21])
	rest := data[epochHeaderLen:]
	for i := uint32(0); i < n; i++ {
		if len(rest) < 2 {
			return epochs.Record{}, fmt.Errorf("%w: epoch record %d is truncated", ErrStorageCorruption, id)
		}
		l := int(binary.BigEndian.Uint16(rest))
		if len(rest) < 2+l {
			return epochs.Record{}, fmt.Errorf("%w: epoch record %d is truncated", ErrStorageCorruption, id)
		}
		r.Consumers = append(r.Consumers, string(rest[2:2+l]))
		rest = rest[2+l:]
	}
	if len(rest) != 0 {
		return epochs.Record{}, fmt.Errorf("%w: epoch record %d has %d trailing bytes", ErrStorageCorruption, id, len(rest))
	}
	if data[0]&epochFlagHasEnd != 0 {
		end := binary.BigEndian.Uint64(data[9:17])
		r.End = &end
	}
	if r.Inactive && r.End == nil {
		return epochs.Record{}, fmt.Errorf("%w: inactive epoch %d has no end", ErrStorageCorruption, id)
	}
	return r, nil
}

func (d *EpochDB) StoreEpoch(r epochs.Record) error {
	key := epochKey(r.ID)
	if err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, marshalEpoch(r))
	}); err != nil {
		return &DBError{Op: OpUpdate, Key: key, Err: err}
	}
	return nil
}

func (d *EpochDB) LoadEpochs() ([]epochs.Record, error) {
	var out []epochs.Record
	prefix := []byte(epochPrefix)
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var id uint32
			if _, err := fmt.Sscanf(string(item.Key()[len(prefix):]), "%d", &id); err != nil {
				return fmt.Errorf("%w: malformed epoch key %q", ErrStorageCorruption, item.Key())
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			r, err := unmarshalEpoch(id, val)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, &DBError{Op: OpRead, Key: prefix, Err: err}
	}
	return out, nil
}
