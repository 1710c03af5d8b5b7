package aggregator

import (
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/mantlenetworkio/bls-bundle-aggregator/bundletable"
)

// queryGroup serializes every operation that reads-then-writes the
// bundle table under one mutual-exclusion scope and one underlying
// pebble transaction, per spec.md §5: "at most one query group is
// active at a time."
type queryGroup struct {
	mu    sync.Mutex
	table *bundletable.Table
}

func newQueryGroup(table *bundletable.Table) *queryGroup {
	return &queryGroup{table: table}
}

// run executes fn under the query-group lock with a fresh indexed
// batch, committing it if fn returns nil and discarding it otherwise.
func (g *queryGroup) run(fn func(batch *pebble.Batch) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	batch := g.table.NewBatch()
	defer batch.Close()

	if err := fn(batch); err != nil {
		return err
	}
	return batch.Commit(nil)
}
