package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jacentio/gachar/hierarchy"
)

// nodeColumns is the canonical SELECT column list for locations.
const nodeColumns = `id, name, type, description, address, is_active, parent_id,
		cascade_root, version, updated_by, created_at, updated_at`

const timeLayout = time.RFC3339Nano

// Store implements hierarchy.Persistence on SQLite. Name uniqueness and
// parent existence are enforced by the schema.
type Store struct {
	db *sql.DB
}

var _ hierarchy.Persistence = (*Store)(nil)

// Open opens (creating if needed) the database at path and migrates it.
// Use MemoryPath for a throwaway database.
func Open(path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// BatchLimit is unlimited; SetActive runs in one transaction.
func (s *Store) BatchLimit() int {
	return 0
}

func (s *Store) Insert(ctx context.Context, n *hierarchy.Node) error {
	query := `INSERT INTO locations (id, name, type, description, address, is_active,
		parent_id, cascade_root, version, updated_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		n.ID,
		n.Name,
		string(n.Type),
		n.Description,
		n.Address,
		boolToInt(n.IsActive),
		nullableString(n.ParentID),
		n.CascadeRoot,
		n.Version,
		n.UpdatedBy,
		n.CreatedAt.UTC().Format(timeLayout),
		n.UpdatedAt.UTC().Format(timeLayout),
	)
	return mapError("inserting location", err)
}

func (s *Store) Get(ctx context.Context, id string) (*hierarchy.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM locations WHERE id = ?`
	return s.scanNode(s.db.QueryRowContext(ctx, query, id))
}

func (s *Store) GetByName(ctx context.Context, name string) (*hierarchy.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM locations WHERE name = ?`
	return s.scanNode(s.db.QueryRowContext(ctx, query, name))
}

func (s *Store) ListByParent(ctx context.Context, parentID string) ([]*hierarchy.Node, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if parentID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM locations WHERE parent_id IS NULL`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM locations WHERE parent_id = ?`, parentID)
	}
	if err != nil {
		return nil, mapError("listing locations", err)
	}
	defer rows.Close()
	return s.scanNodes(rows)
}

func (s *Store) Update(ctx context.Context, n *hierarchy.Node, expectedVersion int64, guards []hierarchy.Guard) error {
	return withinTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, g := range guards {
			var version int64
			err := tx.QueryRowContext(ctx, `SELECT version FROM locations WHERE id = ?`, g.ID).Scan(&version)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: guarded node %s is gone", hierarchy.ErrConcurrentModification, g.ID)
			}
			if err != nil {
				return mapError("checking guard", err)
			}
			if version != g.Version {
				return fmt.Errorf("%w: %s is at version %d, expected %d",
					hierarchy.ErrConcurrentModification, g.ID, version, g.Version)
			}
		}

		query := `UPDATE locations SET name = ?, type = ?, description = ?, address = ?,
			parent_id = ?, updated_by = ?, updated_at = ?, version = version + 1
			WHERE id = ? AND version = ?`
		res, err := tx.ExecContext(ctx, query,
			n.Name,
			string(n.Type),
			n.Description,
			n.Address,
			nullableString(n.ParentID),
			n.UpdatedBy,
			n.UpdatedAt.UTC().Format(timeLayout),
			n.ID,
			expectedVersion,
		)
		if err != nil {
			return mapError("updating location", err)
		}
		if err := s.checkAffected(ctx, tx, res, n.ID, hierarchy.ErrConcurrentModification); err != nil {
			return err
		}
		n.Version = expectedVersion + 1
		return nil
	})
}

func (s *Store) SetActive(ctx context.Context, change hierarchy.ActiveChange) error {
	if len(change.IDs) == 0 {
		return nil
	}
	return withinTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE locations SET is_active = ?, cascade_root = ?,
			updated_by = ?, updated_at = ?, version = version + 1 WHERE id = ?`)
		if err != nil {
			return mapError("preparing activation", err)
		}
		defer stmt.Close()

		at := change.At.UTC().Format(timeLayout)
		for _, id := range change.IDs {
			res, err := stmt.ExecContext(ctx, boolToInt(change.Active), change.CascadeRoot, change.By, at, id)
			if err != nil {
				return mapError("setting active", err)
			}
			if err := s.checkAffected(ctx, tx, res, id, hierarchy.ErrNodeNotFound); err != nil {
				return err
			}
		}
		return nil
	})
}

// checkAffected turns a zero-row update into ErrNodeNotFound when id does
// not exist, and into otherwise when it does.
func (s *Store) checkAffected(ctx context.Context, tx *sql.Tx, res sql.Result, id string, otherwise error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return mapError("reading rows affected", err)
	}
	if affected > 0 {
		return nil
	}
	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM locations WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", hierarchy.ErrNodeNotFound, id)
	}
	if err != nil {
		return mapError("checking existence", err)
	}
	return fmt.Errorf("%w: %s", otherwise, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanNode(row scanner) (*hierarchy.Node, error) {
	var (
		n                    hierarchy.Node
		typ                  string
		active               int
		parentID             sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&n.ID, &n.Name, &typ, &n.Description, &n.Address, &active, &parentID,
		&n.CascadeRoot, &n.Version, &n.UpdatedBy, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, hierarchy.ErrNodeNotFound
	}
	if err != nil {
		return nil, mapError("scanning location", err)
	}

	n.Type = hierarchy.NodeType(typ)
	n.IsActive = active != 0
	n.ParentID = parentID.String
	if n.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at %q: %w", createdAt, err)
	}
	if n.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at %q: %w", updatedAt, err)
	}
	return &n, nil
}

func (s *Store) scanNodes(rows *sql.Rows) ([]*hierarchy.Node, error) {
	var nodes []*hierarchy.Node
	for rows.Next() {
		n, err := s.scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterating locations", err)
	}
	return nodes, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
