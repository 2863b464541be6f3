package storage

import "testing"

func TestRebind(t *testing.T) {
	pg := dialects[DriverPostgres]
	got := pg.rebind(`SELECT a FROM t WHERE x = ? AND y = ?`)
	if want := `SELECT a FROM t WHERE x = $1 AND y = $2`; got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}
	if q := dialects[DriverMySQL].rebind(`x = ?`); q != `x = ?` {
		t.Errorf("mysql rebind changed query: %q", q)
	}
}

func TestUpsert(t *testing.T) {
	cols := []string{"id", "a", "b"}
	tests := []struct {
		driver string
		want   string
	}{
		{DriverSQLite, `INSERT INTO t (id, a, b) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET a = excluded.a, b = excluded.b`},
		{DriverMySQL, `INSERT INTO t (id, a, b) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE a = VALUES(a), b = VALUES(b)`},
	}
	for _, tt := range tests {
		if got := dialects[tt.driver].upsert("t", cols, "id"); got != tt.want {
			t.Errorf("%s upsert =\n%s\nwant\n%s", tt.driver, got, tt.want)
		}
	}
}

func TestDatabaseFromURI(t *testing.T) {
	tests := map[string]string{
		"mongodb://localhost:27017":                        defaultMongoDatabase,
		"mongodb://localhost:27017/":                       defaultMongoDatabase,
		"mongodb://u:p@host:27017/scenes?authSource=admin": "scenes",
		"mongodb+srv://cluster.example.net/physics":        "physics",
	}
	for uri, want := range tests {
		if got := databaseFromURI(uri); got != want {
			t.Errorf("databaseFromURI(%q) = %q, want %q", uri, got, want)
		}
	}
}
