package dbx

import "testing"

func TestIsPostgres(t *testing.T) {
	cases := map[string]bool{
		"postgres://u:p@localhost/db":    true,
		"postgresql://localhost/db":      true,
		"file:keys.db":                   false,
		"file::memory:?cache=shared":     false,
		"host=localhost user=x dbname=y": false,
	}
	for dsn, want := range cases {
		if got := IsPostgres(dsn); got != want {
			t.Fatalf("IsPostgres(%q) = %v, want %v", dsn, got, want)
		}
	}
}

func TestOpenSQLiteUsesSingleConnection(t *testing.T) {
	db, err := Open(Config{DSN: "file:dbx_open?mode=memory&cache=shared"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	defer sqlDB.Close()
	if got := sqlDB.Stats().MaxOpenConnections; got != 1 {
		t.Fatalf("max open conns = %d, want 1", got)
	}
	var one int
	if err := db.Raw("select 1").Scan(&one).Error; err != nil || one != 1 {
		t.Fatalf("select 1 = %d, %v", one, err)
	}
}
