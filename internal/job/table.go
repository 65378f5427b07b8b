package job

import (
	"slices"
	"sync"
)

// Table maps owners to their single live record. Atomicity is per key.
type Table struct {
	records sync.Map
}

func NewTable() *Table {
	return &Table{}
}

// TryCreate inserts r unless its owner already has a record.
func (t *Table) TryCreate(r *Record) bool {
	_, loaded := t.records.LoadOrStore(r.Owner, r)

	return !loaded
}

func (t *Table) Get(owner Owner) (*Record, bool) {
	v, ok := t.records.Load(owner)
	if !ok {
		return nil, false
	}

	return v.(*Record), true
}

// Remove deletes r only if it is still the owner's record, so a stale
// remover cannot evict a newer job.
func (t *Table) Remove(r *Record) bool {
	return t.records.CompareAndDelete(r.Owner, r)
}

// Snapshot returns every live record, oldest first.
func (t *Table) Snapshot() []*Record {
	var out []*Record

	t.records.Range(func(_, v any) bool {
		out = append(out, v.(*Record))

		return true
	})

	slices.SortFunc(out, func(a, b *Record) int {
		return a.StartedAt.Compare(b.StartedAt)
	})

	return out
}

func (t *Table) Len() int {
	n := 0

	t.records.Range(func(_, _ any) bool {
		n++

		return true
	})

	return n
}

// Contains reports whether any live record owns the given job id.
func (t *Table) Contains(jobID string) bool {
	found := false

	t.records.Range(func(_, v any) bool {
		if v.(*Record).ID == jobID {
			found = true

			return false
		}

		return true
	})

	return found
}
