package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"dagline/internal/domain"
	"dagline/internal/events"
)

// Repo is the SQLite persistence collaborator. Every mutating method runs in
// its own transaction together with the matching audit event.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var ErrNotFound = domain.ErrNotFound

func New(db *sql.DB) Repo {
	return Repo{DB: db, Events: events.Writer{Now: time.Now}, Now: time.Now}
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func timePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r Repo) CreateWorkspace(ctx context.Context, key, name string) (domain.Workspace, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Workspace{}, fmt.Errorf("%w: workspace key is required", domain.ErrInvalid)
	}
	if name == "" {
		name = key
	}
	ws := domain.Workspace{Key: key, Name: name, CreatedAt: r.now()}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return ws, err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO workspaces(key,name,created_at) VALUES (?,?,?)`, ws.Key, ws.Name, formatTime(ws.CreatedAt))
	if isUniqueViolation(err) {
		return ws, fmt.Errorf("%w: workspace %s already exists", domain.ErrConflict, key)
	}
	if err != nil {
		return ws, err
	}
	if err := r.Events.Append(ctx, tx, events.WorkspaceCreated, ws.Key, "", events.Payload{"name": ws.Name}); err != nil {
		return ws, err
	}
	return ws, tx.Commit()
}

func scanWorkspace(row rowScanner) (domain.Workspace, error) {
	var ws domain.Workspace
	var created string
	if err := row.Scan(&ws.Key, &ws.Name, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ws, ErrNotFound
		}
		return ws, err
	}
	t, err := parseTime(created)
	if err != nil {
		return ws, err
	}
	ws.CreatedAt = t
	return ws, nil
}

func (r Repo) GetWorkspace(ctx context.Context, key string) (domain.Workspace, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT key,name,created_at FROM workspaces WHERE key=?`, key)
	return scanWorkspace(row)
}

func (r Repo) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key,name,created_at FROM workspaces ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ws)
	}
	return res, rows.Err()
}

// RenameWorkspace is the only mutation a workspace supports.
func (r Repo) RenameWorkspace(ctx context.Context, key, name string) (domain.Workspace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Workspace{}, fmt.Errorf("%w: name is required", domain.ErrInvalid)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workspace{}, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE workspaces SET name=? WHERE key=?`, name, key)
	if err != nil {
		return domain.Workspace{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Workspace{}, ErrNotFound
	}
	if err := r.Events.Append(ctx, tx, events.WorkspaceRenamed, key, "", events.Payload{"name": name}); err != nil {
		return domain.Workspace{}, err
	}
	ws, err := scanWorkspace(tx.QueryRowContext(ctx, `SELECT key,name,created_at FROM workspaces WHERE key=?`, key))
	if err != nil {
		return ws, err
	}
	return ws, tx.Commit()
}
