// Package dbquery executes templated queries for database nodes against a
// registry of named connections.
//
// Node configs reference connections by name; the registry resolves names to
// pooled *sql.DB handles injected by the host at startup. Connection strings
// are never dialed ad hoc from node config. The empty name resolves to the
// local conversation store connection.
package dbquery

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Operations supported by database nodes.
const (
	OpSelect = "select"
	OpInsert = "insert"
	OpUpdate = "update"
)

// identifierPattern restricts table and column names to plain identifiers.
// Everything else in a query is bound as a parameter.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Conn is one registered connection: a pooled handle plus its placeholder
// dialect.
type Conn struct {
	DB       *sql.DB
	Postgres bool // use $N placeholders instead of ?
}

// Adapter resolves connection names and runs node queries.
type Adapter struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// NewAdapter creates an adapter with the given local store connection
// registered under the empty name.
func NewAdapter(local Conn) *Adapter {
	return &Adapter{conns: map[string]Conn{"": local}}
}

// Register adds a named connection. Registering an existing name replaces it.
func (a *Adapter) Register(name string, conn Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conns[name] = conn
	slog.Debug("dbquery connection registered", "name", name, "postgres", conn.Postgres)
}

// resolve looks up a connection by name.
func (a *Adapter) resolve(name string) (Conn, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	conn, ok := a.conns[name]
	if !ok {
		return Conn{}, fmt.Errorf("unknown database connection %q", name)
	}
	return conn, nil
}

// Query runs one node operation and returns the resulting row (select returns
// the first matching row; insert and update echo the written values).
func (a *Adapter) Query(ctx context.Context, connRef, table, op string, values, filter map[string]string) (map[string]any, error) {
	conn, err := a.resolve(connRef)
	if err != nil {
		return nil, err
	}
	if !identifierPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	slog.Debug("dbquery Query invoked", "connection", connRef, "table", table, "op", op)

	switch op {
	case OpSelect:
		return a.selectRow(ctx, conn, table, values)
	case OpInsert:
		return a.insertRow(ctx, conn, table, values)
	case OpUpdate:
		return a.updateRows(ctx, conn, table, values, filter)
	default:
		return nil, fmt.Errorf("unknown database operation %q", op)
	}
}

func (a *Adapter) selectRow(ctx context.Context, conn Conn, table string, filter map[string]string) (map[string]any, error) {
	where, args, err := buildWhere(conn, filter, 1)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT * FROM %s%s LIMIT 1", table, where)

	rows, err := conn.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("select from %s: %w", table, err)
		}
		return nil, fmt.Errorf("no row matched in %s", table)
	}

	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row from %s: %w", table, err)
	}

	row := make(map[string]any, len(cols))
	for i, col := range cols {
		if b, ok := raw[i].([]byte); ok {
			row[col] = string(b)
		} else {
			row[col] = raw[i]
		}
	}
	return row, nil
}

func (a *Adapter) insertRow(ctx context.Context, conn Conn, table string, values map[string]string) (map[string]any, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("insert into %s with no values", table)
	}
	cols := sortedKeys(values)
	if err := checkIdentifiers(cols); err != nil {
		return nil, err
	}

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		placeholders[i] = placeholder(conn, i+1)
		args[i] = values[col]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	if _, err := conn.DB.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	return toRow(values), nil
}

func (a *Adapter) updateRows(ctx context.Context, conn Conn, table string, values, filter map[string]string) (map[string]any, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("update %s with no values", table)
	}
	cols := sortedKeys(values)
	if err := checkIdentifiers(cols); err != nil {
		return nil, err
	}

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(filter))
	for i, col := range cols {
		sets[i] = fmt.Sprintf("%s = %s", col, placeholder(conn, i+1))
		args = append(args, values[col])
	}
	where, whereArgs, err := buildWhere(conn, filter, len(cols)+1)
	if err != nil {
		return nil, err
	}
	args = append(args, whereArgs...)

	query := fmt.Sprintf("UPDATE %s SET %s%s", table, strings.Join(sets, ", "), where)
	if _, err := conn.DB.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}
	return toRow(values), nil
}

// buildWhere renders an AND-joined equality clause. firstIndex is the number
// of the first placeholder (for Postgres $N numbering).
func buildWhere(conn Conn, filter map[string]string, firstIndex int) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}
	cols := sortedKeys(filter)
	if err := checkIdentifiers(cols); err != nil {
		return "", nil, err
	}
	clauses := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		clauses[i] = fmt.Sprintf("%s = %s", col, placeholder(conn, firstIndex+i))
		args[i] = filter[col]
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func placeholder(conn Conn, n int) string {
	if conn.Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func checkIdentifiers(cols []string) error {
	for _, col := range cols {
		if !identifierPattern.MatchString(col) {
			return fmt.Errorf("invalid column name %q", col)
		}
	}
	return nil
}

func toRow(values map[string]string) map[string]any {
	row := make(map[string]any, len(values))
	for k, v := range values {
		row[k] = v
	}
	return row
}
