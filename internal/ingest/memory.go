package ingest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
)

// Fault makes a MemoryBackend operation fail. Op is one of "begin",
// "lookup", "insert", "update", "children", "delete" or "commit"; Table
// narrows statement faults to one table. Times is how often it fires,
// zero meaning every time.
type Fault struct {
	Op    string
	Table string
	Times int
	Err   error
}

// MemoryBackend is an in-process Backend holding rows in maps. It enforces
// unique keys and foreign keys, serializes transactions and discards a
// transaction's writes unless it commits. It backs dry runs against an
// empty store and tests.
type MemoryBackend struct {
	mu      sync.Mutex
	tables  map[string]*memTable
	faults  []*Fault
	commits int
	writes  int
}

type memTable struct {
	nextID int64
	rows   map[int64][]any
}

func (t *memTable) clone() *memTable {
	c := &memTable{nextID: t.nextID, rows: make(map[int64][]any, len(t.rows))}
	for id, row := range t.rows {
		c.rows[id] = slices.Clone(row)
	}
	return c
}

// NewMemoryBackend creates an empty in-memory store.
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{tables: make(map[string]*memTable)}
	for _, t := range allTables {
		b.tables[t.name] = &memTable{rows: make(map[int64][]any)}
	}
	return b
}

// Inject registers a fault.
func (b *MemoryBackend) Inject(f Fault) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = append(b.faults, &f)
}

// Rows returns a table's committed rows as column maps, ordered by id.
func (b *MemoryBackend) Rows(table string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	var spec *Table
	for _, t := range allTables {
		if t.name == table {
			spec = t
		}
	}
	mt := b.tables[table]
	if spec == nil || mt == nil {
		return nil
	}

	ids := slices.Sorted(maps.Keys(mt.rows))
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		m := map[string]any{"id": id}
		for i, c := range spec.columns {
			m[c] = mt.rows[id][i]
		}
		out = append(out, m)
	}
	return out
}

// Commits is the number of committed transactions.
func (b *MemoryBackend) Commits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commits
}

// Writes is the number of committed row mutations.
func (b *MemoryBackend) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

// fault must be called with b.mu held.
func (b *MemoryBackend) fault(op, table string) error {
	for _, f := range b.faults {
		if f.Op != op || (f.Table != "" && f.Table != table) {
			continue
		}
		if f.Times < 0 {
			continue
		}
		if f.Times > 0 {
			f.Times--
			if f.Times == 0 {
				f.Times = -1
			}
		}
		return f.Err
	}
	return nil
}

// InTx runs fn against a private copy of the tables and swaps it in on commit.
func (b *MemoryBackend) InTx(ctx context.Context, fn func(Mutator) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.fault("begin", ""); err != nil {
		return err
	}

	snapshot := make(map[string]*memTable, len(b.tables))
	for name, t := range b.tables {
		snapshot[name] = t.clone()
	}
	m := &memMutator{backend: b, tables: snapshot}
	if err := fn(m); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.fault("commit", ""); err != nil {
		return err
	}

	b.tables = snapshot
	b.commits++
	b.writes += m.writes
	return nil
}

// Inventory lists stored categories, topics and lessons.
func (b *MemoryBackend) Inventory(ctx context.Context) (Inventory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Inventory{}, err
	}
	var inv Inventory
	for _, row := range b.tables["categories"].rows {
		inv.Categories = append(inv.Categories, row[0].(string))
	}
	topics := b.tables["topics"].rows
	for _, row := range topics {
		inv.Topics = append(inv.Topics, row[0].(string))
	}
	for _, row := range b.tables["lessons"].rows {
		topic := topics[row[0].(int64)]
		inv.Lessons = append(inv.Lessons, topic[0].(string)+"/"+row[1].(string))
	}
	sort.Strings(inv.Categories)
	sort.Strings(inv.Topics)
	sort.Strings(inv.Lessons)
	return inv, nil
}

type memMutator struct {
	backend *MemoryBackend
	tables  map[string]*memTable
	writes  int
}

func (m *memMutator) Lookup(ctx context.Context, t *Table, key ...any) (Existing, bool, error) {
	if err := m.check(ctx, "lookup", t); err != nil {
		return Existing{}, false, err
	}
	for _, id := range slices.Sorted(maps.Keys(m.tables[t.name].rows)) {
		row := m.tables[t.name].rows[id]
		if matches(t, row, t.keys, key) {
			return Existing{ID: id, Hash: row[t.column("content_hash")].(string)}, true, nil
		}
	}
	return Existing{}, false, nil
}

func (m *memMutator) Insert(ctx context.Context, t *Table, row []any) (int64, error) {
	if err := m.check(ctx, "insert", t); err != nil {
		return 0, err
	}
	if err := m.constrain(t, 0, row); err != nil {
		return 0, err
	}
	mt := m.tables[t.name]
	mt.nextID++
	mt.rows[mt.nextID] = slices.Clone(row)
	m.writes++
	return mt.nextID, nil
}

func (m *memMutator) Update(ctx context.Context, t *Table, id int64, row []any) error {
	if err := m.check(ctx, "update", t); err != nil {
		return err
	}
	mt := m.tables[t.name]
	if _, ok := mt.rows[id]; !ok {
		return fmt.Errorf("updating %s id %d: 0 rows affected", t.name, id)
	}
	if err := m.constrain(t, id, row); err != nil {
		return err
	}
	mt.rows[id] = slices.Clone(row)
	m.writes++
	return nil
}

func (m *memMutator) Children(ctx context.Context, t *Table, parentID int64) ([]Existing, error) {
	if err := m.check(ctx, "children", t); err != nil {
		return nil, err
	}
	parent, order, hash := t.column(t.parent), t.column("order_index"), t.column("content_hash")
	type child struct {
		Existing
		order int
	}
	var children []child
	for id, row := range m.tables[t.name].rows {
		if row[parent] == parentID {
			children = append(children, child{Existing{ID: id, Hash: row[hash].(string)}, row[order].(int)})
		}
	}
	sort.Slice(children, func(i, j int) bool {
		if children[i].order != children[j].order {
			return children[i].order < children[j].order
		}
		return children[i].ID < children[j].ID
	})
	out := make([]Existing, len(children))
	for i, c := range children {
		out[i] = c.Existing
	}
	return out, nil
}

func (m *memMutator) DeleteChildren(ctx context.Context, t *Table, parentID int64) (int64, error) {
	if err := m.check(ctx, "delete", t); err != nil {
		return 0, err
	}
	parent := t.column(t.parent)
	var n int64
	for id, row := range m.tables[t.name].rows {
		if row[parent] == parentID {
			delete(m.tables[t.name].rows, id)
			n++
		}
	}
	m.writes += int(n)
	return n, nil
}

func (m *memMutator) check(ctx context.Context, op string, t *Table) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.backend.fault(op, t.name)
}

// constrain enforces foreign keys and the natural or (parent, order_index)
// unique key for a row about to be stored under id.
func (m *memMutator) constrain(t *Table, id int64, row []any) error {
	if len(row) != len(t.columns) {
		return fmt.Errorf("%s: %d values for %d columns", t.name, len(row), len(t.columns))
	}
	for col, ref := range t.refs {
		if _, ok := m.tables[ref].rows[row[t.column(col)].(int64)]; !ok {
			return fmt.Errorf("insert or update on table %q violates foreign key constraint on %s", t.name, col)
		}
	}

	unique := t.keys
	if t.parent != "" {
		unique = []string{t.parent, "order_index"}
	}
	want := make([]any, len(unique))
	for i, c := range unique {
		want[i] = row[t.column(c)]
	}
	for otherID, other := range m.tables[t.name].rows {
		if otherID != id && matches(t, other, unique, want) {
			return fmt.Errorf("duplicate key value violates unique constraint on %s %v", t.name, unique)
		}
	}
	return nil
}

func matches(t *Table, row []any, cols []string, vals []any) bool {
	for i, c := range cols {
		if row[t.column(c)] != vals[i] {
			return false
		}
	}
	return true
}
