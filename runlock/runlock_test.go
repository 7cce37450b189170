package runlock

import (
	"testing"

	"github.com/oakridge-systems/signalpipeline/storage"
)

func TestSqliteDegradesToPermissiveNoOp(t *testing.T) {
	db, err := storage.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	conn, err := db.Conn()
	if err != nil {
		t.Fatalf("conn: %v", err)
	}

	lock := New(conn, "sqlite")

	acquired, err := lock.TryAcquire()
	if err != nil {
		t.Fatalf("try acquire: %v", err)
	}
	if !acquired {
		t.Fatal("expected sqlite lock to always acquire")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}
