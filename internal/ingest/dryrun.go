package ingest

import (
	"context"
	"errors"
)

// errDryRun rolls back a dry-run transaction after planning succeeded.
var errDryRun = errors.New("dry run")

// dryRunMutator reads through to the store and swallows every write.
// Rows it pretends to insert get negative ids, which no stored row can
// reference, so lookups below them find nothing.
type dryRunMutator struct {
	inner  Mutator
	nextID int64
}

func (m *dryRunMutator) Lookup(ctx context.Context, t *Table, key ...any) (Existing, bool, error) {
	for _, k := range key {
		if id, ok := k.(int64); ok && id < 0 {
			return Existing{}, false, nil
		}
	}
	return m.inner.Lookup(ctx, t, key...)
}

func (m *dryRunMutator) Insert(context.Context, *Table, []any) (int64, error) {
	m.nextID--
	return m.nextID, nil
}

func (m *dryRunMutator) Update(context.Context, *Table, int64, []any) error {
	return nil
}

func (m *dryRunMutator) Children(ctx context.Context, t *Table, parentID int64) ([]Existing, error) {
	if parentID < 0 {
		return nil, nil
	}
	return m.inner.Children(ctx, t, parentID)
}

func (m *dryRunMutator) DeleteChildren(ctx context.Context, t *Table, parentID int64) (int64, error) {
	existing, err := m.Children(ctx, t, parentID)
	return int64(len(existing)), err
}
