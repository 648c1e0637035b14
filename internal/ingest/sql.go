package ingest

import (
	"context"
	"fmt"

	"github.com/p-n-ai/pai-content/internal/platform/database"
)

// SQLBackend runs the engine against PostgreSQL through a database.Store.
type SQLBackend struct {
	store database.Store
}

// NewSQLBackend creates a backend over store.
func NewSQLBackend(store database.Store) *SQLBackend {
	return &SQLBackend{store: store}
}

// Capacity is the number of transactions the store can hold open at once.
func (b *SQLBackend) Capacity() int {
	return b.store.Capacity()
}

// EnsureSchema creates any missing content table.
func (b *SQLBackend) EnsureSchema(ctx context.Context) error {
	return database.WithTx(ctx, b.store, func(conn database.Conn) error {
		for _, stmt := range schemaDDL {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("ensuring schema: %w", err)
			}
		}
		return nil
	})
}

// SchemaReady reports whether every content table exists.
func (b *SQLBackend) SchemaReady(ctx context.Context) (bool, error) {
	names := make([]string, len(allTables))
	for i, t := range allTables {
		names[i] = t.name
	}

	var n int
	err := database.WithConn(ctx, b.store, func(conn database.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT count(*) FROM information_schema.tables
			 WHERE table_schema = current_schema() AND table_name = ANY($1)`, names)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			if err := rows.Scan(&n); err != nil {
				return err
			}
		}
		return rows.Err()
	})
	if err != nil {
		return false, fmt.Errorf("checking schema: %w", err)
	}
	return n == len(allTables), nil
}

// InTx runs fn inside one transaction.
func (b *SQLBackend) InTx(ctx context.Context, fn func(Mutator) error) error {
	return database.WithTx(ctx, b.store, func(conn database.Conn) error {
		return fn(&sqlMutator{conn: conn})
	})
}

// Inventory lists every category, topic and lesson in the store.
func (b *SQLBackend) Inventory(ctx context.Context) (Inventory, error) {
	var inv Inventory
	err := database.WithConn(ctx, b.store, func(conn database.Conn) error {
		queries := []struct {
			sql string
			dst *[]string
		}{
			{`SELECT slug FROM categories ORDER BY slug`, &inv.Categories},
			{`SELECT slug FROM topics ORDER BY slug`, &inv.Topics},
			{`SELECT t.slug || '/' || l.slug FROM lessons l JOIN topics t ON t.id = l.topic_id ORDER BY 1`, &inv.Lessons},
		}
		for _, q := range queries {
			vals, err := queryStrings(ctx, conn, q.sql)
			if err != nil {
				return err
			}
			*q.dst = vals
		}
		return nil
	})
	if err != nil {
		return Inventory{}, fmt.Errorf("listing stored content: %w", err)
	}
	return inv, nil
}

func queryStrings(ctx context.Context, conn database.Conn, sql string, args ...any) ([]string, error) {
	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type sqlMutator struct {
	conn database.Conn
}

func (m *sqlMutator) Lookup(ctx context.Context, t *Table, key ...any) (Existing, bool, error) {
	rows, err := m.conn.Query(ctx, t.lookupSQL, key...)
	if err != nil {
		return Existing{}, false, fmt.Errorf("looking up %s: %w", t.name, err)
	}
	defer rows.Close()

	var e Existing
	found := false
	if rows.Next() {
		if err := rows.Scan(&e.ID, &e.Hash); err != nil {
			return Existing{}, false, fmt.Errorf("scanning %s: %w", t.name, err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return Existing{}, false, fmt.Errorf("looking up %s: %w", t.name, err)
	}
	return e, found, nil
}

func (m *sqlMutator) Insert(ctx context.Context, t *Table, row []any) (int64, error) {
	rows, err := m.conn.Query(ctx, t.insertSQL, row...)
	if err != nil {
		return 0, fmt.Errorf("inserting into %s: %w", t.name, err)
	}
	defer rows.Close()

	var id int64
	if rows.Next() {
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("inserting into %s: %w", t.name, err)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("inserting into %s: %w", t.name, err)
	}
	if id == 0 {
		return 0, fmt.Errorf("inserting into %s: no id returned", t.name)
	}
	return id, nil
}

func (m *sqlMutator) Update(ctx context.Context, t *Table, id int64, row []any) error {
	args := append(append(make([]any, 0, len(row)+1), row...), id)
	n, err := m.conn.Exec(ctx, t.updateSQL, args...)
	if err != nil {
		return fmt.Errorf("updating %s: %w", t.name, err)
	}
	if n != 1 {
		return fmt.Errorf("updating %s id %d: %d rows affected", t.name, id, n)
	}
	return nil
}

func (m *sqlMutator) Children(ctx context.Context, t *Table, parentID int64) ([]Existing, error) {
	rows, err := m.conn.Query(ctx, t.childrenSQL, parentID)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", t.name, err)
	}
	defer rows.Close()

	var out []Existing
	for rows.Next() {
		var e Existing
		if err := rows.Scan(&e.ID, &e.Hash); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", t.name, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing %s: %w", t.name, err)
	}
	return out, nil
}

func (m *sqlMutator) DeleteChildren(ctx context.Context, t *Table, parentID int64) (int64, error) {
	n, err := m.conn.Exec(ctx, t.deleteSQL, parentID)
	if err != nil {
		return 0, fmt.Errorf("deleting %s: %w", t.name, err)
	}
	return n, nil
}
