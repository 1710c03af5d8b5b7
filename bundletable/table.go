// Package bundletable is the durable ordered store of pending bundles
// described in spec.md §3/§6: a priority queue on eligibleAfter backed
// by an embedded KV engine instead of a SQL table with an index.
package bundletable

import (
	"encoding/binary"
	"errors"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/log"
	"github.com/mantlenetworkio/bls-bundle-aggregator/blswallet"
)

// Row is one pending bundle, keyed by a service-assigned ID, with the
// eligibility-delay bookkeeping augmentAggregateBundle needs when it
// backs a failing row off (spec.md §4.4.8).
type Row struct {
	ID                   uint64
	Bundle               blswallet.Bundle
	EligibleAfter        uint64
	NextEligibilityDelay uint64
}

var (
	rowPrefix  = []byte("row/")
	eligPrefix = []byte("elig/")
	seqKey     = []byte("meta/seq")
)

// ErrNotFound is returned by Get and Remove when no row has the given ID.
var ErrNotFound = errors.New("bundletable: row not found")

// Table is the pebble-backed ordered store. All mutating methods take
// a caller-supplied batch so the query group (package aggregator) can
// commit several table operations as one atomic unit.
type Table struct {
	db  *pebble.DB
	seq atomic.Uint64
}

// Open opens (creating if absent) the pebble database at dir and
// restores the insertion-sequence counter used to break ties between
// rows that share the same EligibleAfter.
func Open(dir string) (*Table, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	t := &Table{db: db}
	if err := t.restoreSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

func (t *Table) restoreSeq() error {
	v, closer, err := t.db.Get(seqKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	t.seq.Store(binary.BigEndian.Uint64(v))
	return nil
}

// Close releases the underlying pebble database.
func (t *Table) Close() error {
	return t.db.Close()
}

// NewBatch returns a fresh indexed batch, indexed so Update/Remove can
// read their own uncommitted writes within the same query-group
// transaction (spec.md §6 "one pebble transaction per query group").
func (t *Table) NewBatch() *pebble.Batch {
	return t.db.NewIndexedBatch()
}

// Add assigns a new ID to row and writes both its primary record and
// its eligibility-ordered index entry into batch. The same counter
// serves as both the row's ID and its insertion-sequence tiebreaker,
// since both only need to be monotonic and unique.
func (t *Table) Add(batch *pebble.Batch, row Row) (Row, error) {
	seq := t.seq.Add(1)
	if err := t.persistSeq(batch, seq); err != nil {
		return Row{}, err
	}
	row.ID = seq
	if err := t.putRow(batch, row, seq); err != nil {
		return Row{}, err
	}
	return row, nil
}

func (t *Table) persistSeq(batch *pebble.Batch, seq uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return batch.Set(seqKey, buf[:], nil)
}

// Update rewrites row in place, relocating its eligibility index entry
// if EligibleAfter changed. The row must already exist.
func (t *Table) Update(batch *pebble.Batch, row Row) error {
	old, seq, err := t.getWithSeq(batch, row.ID)
	if err != nil {
		return err
	}
	if old.EligibleAfter != row.EligibleAfter {
		if err := batch.Delete(eligKey(old.EligibleAfter, seq), nil); err != nil {
			return err
		}
		return t.putRow(batch, row, seq)
	}
	return t.putRowKeepIndex(batch, row, seq)
}

// Remove deletes row id's primary record and eligibility index entry.
func (t *Table) Remove(batch *pebble.Batch, id uint64) error {
	row, seq, err := t.getWithSeq(batch, id)
	if err != nil {
		return err
	}
	if err := batch.Delete(rowKey(id), nil); err != nil {
		return err
	}
	return batch.Delete(eligKey(row.EligibleAfter, seq), nil)
}

// Get fetches a row by ID directly from the database (not a batch),
// for read-only callers outside a query-group transaction.
func (t *Table) Get(id uint64) (Row, error) {
	v, closer, err := t.db.Get(rowKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, err
	}
	defer closer.Close()
	rec, err := decodeRecord(v)
	if err != nil {
		return Row{}, err
	}
	return rec.row, nil
}

// FindEligible returns up to limit rows whose EligibleAfter <=
// blockNumber, in FIFO order (insertion order breaks ties within the
// same EligibleAfter), per spec.md §4.4.2.
func (t *Table) FindEligible(blockNumber uint64, limit int) ([]Row, error) {
	upper := append(append([]byte{}, eligPrefix...), encodeUint64(blockNumber+1)...)
	iter, err := t.db.NewIter(&pebble.IterOptions{
		LowerBound: eligPrefix,
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var rows []Row
	for iter.First(); iter.Valid() && len(rows) < limit; iter.Next() {
		id := binary.BigEndian.Uint64(iter.Value())
		row, err := t.Get(id)
		if err != nil {
			log.Warn("bundletable: eligible index points at missing row", "id", id, "err", err)
			continue
		}
		rows = append(rows, row)
	}
	return rows, iter.Error()
}

func (t *Table) putRow(batch *pebble.Batch, row Row, seq uint64) error {
	rec := record{row: row, seq: seq}
	enc, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := batch.Set(rowKey(row.ID), enc, nil); err != nil {
		return err
	}
	idBuf := encodeUint64(row.ID)
	return batch.Set(eligKey(row.EligibleAfter, seq), idBuf, nil)
}

func (t *Table) putRowKeepIndex(batch *pebble.Batch, row Row, seq uint64) error {
	rec := record{row: row, seq: seq}
	enc, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return batch.Set(rowKey(row.ID), enc, nil)
}

func (t *Table) getWithSeq(batch *pebble.Batch, id uint64) (Row, uint64, error) {
	v, closer, err := batch.Get(rowKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return Row{}, 0, ErrNotFound
	}
	if err != nil {
		return Row{}, 0, err
	}
	defer closer.Close()
	rec, err := decodeRecord(v)
	if err != nil {
		return Row{}, 0, err
	}
	return rec.row, rec.seq, nil
}

func rowKey(id uint64) []byte {
	return append(append([]byte{}, rowPrefix...), encodeUint64(id)...)
}

func eligKey(eligibleAfter, seq uint64) []byte {
	k := append([]byte{}, eligPrefix...)
	k = append(k, encodeUint64(eligibleAfter)...)
	return append(k, encodeUint64(seq)...)
}

func encodeUint64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}
