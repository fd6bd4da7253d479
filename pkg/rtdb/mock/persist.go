package mock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang/glog"
)

const treeSchema = `CREATE TABLE IF NOT EXISTS rtdb_tree (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Persist backs the tree with db. An existing snapshot replaces the current
// tree; afterwards every applied write saves the whole tree. The caller
// registers the driver, usually modernc.org/sqlite.
func (m *Mock) Persist(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("mock rtdb: db is nil")
	}
	if _, err := db.ExecContext(ctx, treeSchema); err != nil {
		return fmt.Errorf("mock rtdb: create schema: %w", err)
	}

	var data string
	err := db.QueryRowContext(ctx, `SELECT data FROM rtdb_tree WHERE id = 1`).Scan(&data)
	switch {
	case err == sql.ErrNoRows:
		data = ""
	case err != nil:
		return fmt.Errorf("mock rtdb: load tree: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if data != "" {
		root := map[string]any{}
		if err := json.Unmarshal([]byte(data), &root); err != nil {
			return fmt.Errorf("mock rtdb: decode stored tree: %w", err)
		}
		m.root = root
	}
	m.db = db
	return m.saveLocked()
}

func (m *Mock) saveLocked() error {
	if m.db == nil {
		return nil
	}
	_, err := m.db.Exec(
		`INSERT INTO rtdb_tree(id, data, updated_at) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(encode(m.root)), time.Now().Unix(),
	)
	if err != nil {
		glog.Infof("[mock]save tree err = %v", err)
	}
	return err
}
