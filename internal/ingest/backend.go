package ingest

import (
	"context"
	"sort"
)

// Existing is what the store holds for one row: its id and content hash.
type Existing struct {
	ID   int64
	Hash string
}

// Mutator issues statements against one open transaction.
type Mutator interface {
	// Lookup finds a row by its natural key, in table key order.
	Lookup(ctx context.Context, t *Table, key ...any) (Existing, bool, error)
	Insert(ctx context.Context, t *Table, row []any) (int64, error)
	Update(ctx context.Context, t *Table, id int64, row []any) error
	// Children lists a lesson's child rows ordered by order_index.
	Children(ctx context.Context, t *Table, parentID int64) ([]Existing, error)
	DeleteChildren(ctx context.Context, t *Table, parentID int64) (int64, error)
}

// Backend runs transactions and reports what the store already holds.
type Backend interface {
	// InTx runs fn in one transaction, committing only when fn returns nil.
	InTx(ctx context.Context, fn func(Mutator) error) error
	Inventory(ctx context.Context) (Inventory, error)
}

// Inventory lists the entity keys present in the store.
type Inventory struct {
	Categories []string
	Topics     []string
	Lessons    []string // "<topic>/<lesson>"
}

// Keys returns every entity key, e.g. "category:basics" or
// "lesson:intro/hello", sorted.
func (inv Inventory) Keys() []string {
	keys := make([]string, 0, len(inv.Categories)+len(inv.Topics)+len(inv.Lessons))
	for _, s := range inv.Categories {
		keys = append(keys, "category:"+s)
	}
	for _, s := range inv.Topics {
		keys = append(keys, "topic:"+s)
	}
	for _, s := range inv.Lessons {
		keys = append(keys, "lesson:"+s)
	}
	sort.Strings(keys)
	return keys
}
