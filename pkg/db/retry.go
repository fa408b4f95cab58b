package db

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/certusone/wormhole/witnessd/pkg/chain"
	"github.com/dgraph-io/badger/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var retryRecordsWritten = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "witnessd_db_retry_records_written_total",
		Help: "Total number of retry records written, by state",
	}, []string{"chain", "state"})

// Define prefixes used to isolate retry state in the database.
const (
	retryPrefix   = "RETRY:V1:"
	highestPrefix = "RETRY_HIGHEST:V1:"

	recordVersion = byte(1)
	recordLen     = 1 + 1 + 4 + 8
)

type RetryState byte

const (
	StatePending RetryState = iota
	StateSucceeded
	StateFailed
)

func (s RetryState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// RetryRecord is the persisted state of one (category, index). An index
// without a record below the highest seen index is pending with no attempts.
type RetryRecord struct {
	State       RetryState
	Attempts    uint32
	LastAttempt time.Time
}

func (r *RetryRecord) MarshalBinary() ([]byte, error) {
	buf := make([]byte, recordLen)
	buf[0] = recordVersion
	buf[1] = byte(r.State)
	binary.BigEndian.PutUint32(buf[2:6], r.Attempts)
	var ts int64
	if !r.LastAttempt.IsZero() {
		ts = r.LastAttempt.UnixNano()
	}
	binary.BigEndian.PutUint64(buf[6:14], uint64(ts))
	return buf, nil
}

func (r *RetryRecord) UnmarshalBinary(data []byte) error {
	if len(data) != recordLen {
		return fmt.Errorf("%w: retry record has length %d, expected %d", ErrStorageCorruption, len(data), recordLen)
	}
	if data[0] != recordVersion {
		return fmt.Errorf("%w: retry record version %d", ErrStorageCorruption, data[0])
	}
	state := RetryState(data[1])
	if state > StateFailed {
		return fmt.Errorf("%w: retry record state %d", ErrStorageCorruption, data[1])
	}
	r.State = state
	r.Attempts = binary.BigEndian.Uint32(data[2:6])
	ts := int64(binary.BigEndian.Uint64(data[6:14]))
	r.LastAttempt = time.Time{}
	if ts != 0 {
		r.LastAttempt = time.Unix(0, ts)
	}
	return nil
}

// RetryDB stores retry records for one chain. Writes are single badger
// transactions, so a crash leaves either the old or the new record.
type RetryDB struct {
	db      *badger.DB
	chainID chain.ID
	now     func() time.Time
}

func NewRetryDB(dbConn *badger.DB, chainID chain.ID) *RetryDB {
	return &RetryDB{db: dbConn, chainID: chainID, now: time.Now}
}

func (d *RetryDB) categoryPrefix(category chain.Category) string {
	return fmt.Sprintf("%s%s:%s:", retryPrefix, d.chainID, category)
}

func (d *RetryDB) recordKey(category chain.Category, index uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", d.categoryPrefix(category), index))
}

func (d *RetryDB) highestKey(category chain.Category) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", highestPrefix, d.chainID, category))
}

func (d *RetryDB) indexFromKey(category chain.Category, key []byte) (uint64, error) {
	s := strings.TrimPrefix(string(key), d.categoryPrefix(category))
	idx, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed retry key %q", ErrStorageCorruption, key)
	}
	return idx, nil
}

func (d *RetryDB) put(category chain.Category, index uint64, r RetryRecord) error {
	key := d.recordKey(category, index)
	b, _ := r.MarshalBinary()
	if err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, b)
	}); err != nil {
		return &DBError{Op: OpUpdate, Key: key, Err: err}
	}
	retryRecordsWritten.WithLabelValues(string(d.chainID), r.State.String()).Inc()
	return nil
}

// RecordSucceeded marks index as done. It is never reprocessed unless invalidated.
func (d *RetryDB) RecordSucceeded(category chain.Category, index uint64, attempts uint32) error {
	return d.put(category, index, RetryRecord{State: StateSucceeded, Attempts: attempts, LastAttempt: d.now()})
}

// RecordFailed stores a transient failure after the given number of attempts.
func (d *RetryDB) RecordFailed(category chain.Category, index uint64, attempts uint32, at time.Time) error {
	return d.put(category, index, RetryRecord{State: StatePending, Attempts: attempts, LastAttempt: at})
}

// RecordPermanentlyFailed stores a non-retryable failure. Such indices are
// retried again after a restart.
func (d *RetryDB) RecordPermanentlyFailed(category chain.Category, index uint64, attempts uint32, at time.Time) error {
	return d.put(category, index, RetryRecord{State: StateFailed, Attempts: attempts, LastAttempt: at})
}

// Record returns the stored record for index, if any.
func (d *RetryDB) Record(category chain.Category, index uint64) (RetryRecord, bool, error) {
	key := d.recordKey(category, index)
	var r RetryRecord
	found := false
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		found = true
		return r.UnmarshalBinary(val)
	})
	if err != nil {
		return RetryRecord{}, false, &DBError{Op: OpRead, Key: key, Err: err}
	}
	return r, found, nil
}

// scan calls fn for every record of category in [from, to].
func (d *RetryDB) scan(category chain.Category, from, to uint64, fn func(index uint64, r RetryRecord) error) error {
	prefix := []byte(d.categoryPrefix(category))
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(d.recordKey(category, from)); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			idx, err := d.indexFromKey(category, item.Key())
			if err != nil {
				return err
			}
			if idx > to {
				return nil
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var r RetryRecord
			if err := r.UnmarshalBinary(val); err != nil {
				return fmt.Errorf("index %d: %w", idx, err)
			}
			if err := fn(idx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &DBError{Op: OpRead, Key: prefix, Err: err}
	}
	return nil
}

// PendingIndices returns every index in [from, to] that has not succeeded.
func (d *RetryDB) PendingIndices(category chain.Category, from, to uint64) ([]uint64, error) {
	if from > to {
		return nil, nil
	}
	succeeded := make(map[uint64]struct{})
	if err := d.scan(category, from, to, func(index uint64, r RetryRecord) error {
		if r.State == StateSucceeded {
			succeeded[index] = struct{}{}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var out []uint64
	if span := to - from; span < 1<<20 {
		out = make([]uint64, 0, int(span)+1-len(succeeded))
	}
	for i := from; ; i++ {
		if _, ok := succeeded[i]; !ok {
			out = append(out, i)
		}
		if i == to {
			break
		}
	}
	return out, nil
}

// AttemptedRecords returns the stored records in [from, to] that have not
// succeeded, i.e. indices with at least one recorded failure.
func (d *RetryDB) AttemptedRecords(category chain.Category, from, to uint64) (map[uint64]RetryRecord, error) {
	out := make(map[uint64]RetryRecord)
	err := d.scan(category, from, to, func(index uint64, r RetryRecord) error {
		if r.State != StateSucceeded {
			out[index] = r
		}
		return nil
	})
	return out, err
}

// RecordInvalidated resets every index in [from, to] to pending with no
// attempts by removing its record.
func (d *RetryDB) RecordInvalidated(category chain.Category, from, to uint64) error {
	var keys [][]byte
	if err := d.scan(category, from, to, func(index uint64, _ RetryRecord) error {
		keys = append(keys, d.recordKey(category, index))
		return nil
	}); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	wb := d.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return &DBError{Op: OpDelete, Key: k, Err: err}
		}
	}
	if err := wb.Flush(); err != nil {
		return &DBError{Op: OpDelete, Key: keys[0], Err: err}
	}
	return nil
}

// HighestSeen returns the highest index ever admitted for category.
func (d *RetryDB) HighestSeen(category chain.Category) (uint64, bool, error) {
	key := d.highestKey(category)
	var v uint64
	found := false
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("%w: highest seen value has length %d", ErrStorageCorruption, len(val))
		}
		v = binary.BigEndian.Uint64(val)
		found = true
		return nil
	})
	if err != nil {
		return 0, false, &DBError{Op: OpRead, Key: key, Err: err}
	}
	return v, found, nil
}

// SetHighestSeen raises the highest seen index. Lower values are ignored.
func (d *RetryDB) SetHighestSeen(category chain.Category, index uint64) error {
	key := d.highestKey(category)
	err := d.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(val) == 8 && binary.BigEndian.Uint64(val) >= index {
				return nil
			}
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], index)
		return txn.Set(key, buf[:])
	})
	if err != nil {
		return &DBError{Op: OpUpdate, Key: key, Err: err}
	}
	return nil
}
