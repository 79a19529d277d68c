package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/nodekeeper/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	events := []history.Event{
		{Type: history.EventLaunch, OccurredAt: time.Now().UTC(), NodeID: "node-1", Platform: "linux", Context: "nexus"},
		{Type: history.EventUpdate, OccurredAt: time.Now().UTC(), NodeID: "node-1", Platform: "linux", Context: "nexus", Installed: "v1.2.0", Latest: "v1.3.0"},
		{Type: history.EventLaunch, OccurredAt: time.Now().UTC(), NodeID: "node-1", Platform: "linux", Context: "nexus"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	if n, err := sink.Count(ctx, history.EventLaunch); err != nil || n != 2 {
		t.Fatalf("launch count: got %d, %v", n, err)
	}
	if n, err := sink.Count(ctx, history.EventUpdate); err != nil || n != 1 {
		t.Fatalf("update count: got %d, %v", n, err)
	}
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	err = sink.Send(context.Background(), history.Event{Type: history.EventExit, OccurredAt: time.Now(), NodeID: "n", Platform: "darwin", Context: "Nexus Node"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if n, _ := sink.Count(context.Background(), history.EventExit); n != 1 {
		t.Fatalf("exit count: got %d", n)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestSQLiteSink_SharedColumns(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	rows, err := sink.db.Query(`SELECT name FROM pragma_table_info('worker_history') ORDER BY cid`)
	if err != nil {
		t.Fatalf("table info: %v", err)
	}
	defer func() { _ = rows.Close() }()
	var got []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, name)
	}
	if strings.Join(got, ",") != strings.Join(history.Columns, ",") {
		t.Fatalf("columns: got %v want %v", got, history.Columns)
	}

	e := history.Event{Type: history.EventUpdate, OccurredAt: time.Now(), NodeID: "n", Platform: "linux", Context: "nexus", Installed: "v1.2.0", Latest: "v1.3.0"}
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("send: %v", err)
	}
	var installed, latest string
	err = sink.db.QueryRow(`SELECT installed_version, latest_version FROM worker_history WHERE type = ?`, string(history.EventUpdate)).Scan(&installed, &latest)
	if err != nil || installed != "v1.2.0" || latest != "v1.3.0" {
		t.Fatalf("stored versions: %q %q %v", installed, latest, err)
	}
}
