package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/loykin/nodekeeper/internal/history"
)

func TestNew_EmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

// Runs against a live database when NODEKEEPER_TEST_POSTGRES_DSN is set.
func TestPostgresSink_Integration(t *testing.T) {
	dsn := os.Getenv("NODEKEEPER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("NODEKEEPER_TEST_POSTGRES_DSN not set")
	}
	sink, err := New(dsn)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	e := history.Event{Type: history.EventLaunch, OccurredAt: time.Now(), NodeID: "node-1", Platform: "linux", Context: "nexus"}
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("send: %v", err)
	}
	var n int
	if err := sink.db.QueryRow(`SELECT COUNT(*) FROM worker_history WHERE node_id = $1`, "node-1").Scan(&n); err != nil || n < 1 {
		t.Fatalf("expected stored row, got %d, %v", n, err)
	}
}
