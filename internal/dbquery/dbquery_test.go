package dbquery

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func newTestAdapter(t *testing.T) (*Adapter, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(`CREATE TABLE leads (id INTEGER PRIMARY KEY, name TEXT, phone TEXT, status TEXT)`); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}
	return NewAdapter(Conn{DB: db}), db
}

func TestQueryInsertAndSelect(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	row, err := adapter.Query(ctx, "", "leads", OpInsert,
		map[string]string{"name": "Maria", "phone": "5511999990000", "status": "new"}, nil)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if row["name"] != "Maria" {
		t.Errorf("Insert result name = %v, want Maria", row["name"])
	}

	got, err := adapter.Query(ctx, "", "leads", OpSelect, map[string]string{"phone": "5511999990000"}, nil)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if got["name"] != "Maria" {
		t.Errorf("Select name = %v, want Maria", got["name"])
	}
	if got["status"] != "new" {
		t.Errorf("Select status = %v, want new", got["status"])
	}
}

func TestQueryUpdate(t *testing.T) {
	adapter, db := newTestAdapter(t)
	ctx := context.Background()

	if _, err := db.Exec(`INSERT INTO leads (name, phone, status) VALUES ('Jo', '551188887777', 'new')`); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	if _, err := adapter.Query(ctx, "", "leads", OpUpdate,
		map[string]string{"status": "qualified"}, map[string]string{"phone": "551188887777"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	var status string
	if err := db.QueryRow(`SELECT status FROM leads WHERE phone = '551188887777'`).Scan(&status); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if status != "qualified" {
		t.Errorf("Status = %q, want qualified", status)
	}
}

func TestQuerySelectNoMatch(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	if _, err := adapter.Query(context.Background(), "", "leads", OpSelect,
		map[string]string{"phone": "0"}, nil); err == nil {
		t.Error("Expected error for select with no matching row")
	}
}

func TestQueryRejectsBadIdentifiers(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	if _, err := adapter.Query(ctx, "", "leads; DROP TABLE leads", OpSelect, nil, nil); err == nil {
		t.Error("Expected error for invalid table name")
	}
	if _, err := adapter.Query(ctx, "", "leads", OpInsert,
		map[string]string{"name; --": "x"}, nil); err == nil {
		t.Error("Expected error for invalid column name")
	}
}

func TestQueryUnknownConnection(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	if _, err := adapter.Query(context.Background(), "crm", "leads", OpSelect, nil, nil); err == nil {
		t.Error("Expected error for unregistered connection name")
	}
}

func TestRegisterNamedConnection(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	other, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	defer other.Close()
	if _, err := other.Exec(`CREATE TABLE orders (id INTEGER PRIMARY KEY, total TEXT)`); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	adapter.Register("crm", Conn{DB: other})

	if _, err := adapter.Query(context.Background(), "crm", "orders", OpInsert,
		map[string]string{"total": "99.90"}, nil); err != nil {
		t.Fatalf("Insert through named connection failed: %v", err)
	}
}
