package seed

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/issuebridge/issuebridge/internal/db"
	"github.com/issuebridge/issuebridge/internal/schema"
)

func openStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "seed.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return store
}

var wantParsed = []*schema.Connection{
	{SourceDatabaseID: "db-1", SinkChannelID: "chan-1", Name: "Bugs", Active: true},
	{SourceDatabaseID: "db-2", SinkChannelID: "chan-2", Active: true},
}

func TestParse_Formats(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		input  string
	}{
		{
			name:   "yaml",
			format: FormatYAML,
			input: `connections:
  - source_database_id: db-1
    sink_channel_id: chan-1
    name: Bugs
  - source_database_id: db-2
    sink_channel_id: chan-2
`,
		},
		{
			name:   "toml",
			format: FormatTOML,
			input: `[[connections]]
source_database_id = "db-1"
sink_channel_id = "chan-1"
name = "Bugs"

[[connections]]
source_database_id = "db-2"
sink_channel_id = "chan-2"
`,
		},
		{
			name:   "jsonl",
			format: FormatJSONL,
			input: `{"source_database_id": "db-1", "sink_channel_id": "chan-1", "name": "Bugs", "id": 9}

{"source_database_id": "db-2", "sink_channel_id": "chan-2"}
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(strings.NewReader(tt.input), tt.format)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if diff := cmp.Diff(wantParsed, got); diff != "" {
				t.Errorf("connections mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParse_InvalidJSONLReportsLine(t *testing.T) {
	_, err := Parse(strings.NewReader("{\"source_database_id\": \"a\"}\nnot json\n"), FormatJSONL)
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected a line 2 error, got %v", err)
	}
}

func TestFormatFromPath(t *testing.T) {
	for path, want := range map[string]Format{"a.yml": FormatYAML, "b.YAML": FormatYAML, "c.toml": FormatTOML, "d.jsonl": FormatJSONL} {
		got, err := FormatFromPath(path)
		if err != nil || got != want {
			t.Errorf("FormatFromPath(%q) = %q, %v", path, got, err)
		}
	}
	if _, err := FormatFromPath("e.json"); err == nil {
		t.Error("expected an error for .json")
	}
}

func TestImport(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	conns := []*schema.Connection{
		{SourceDatabaseID: "db-1", SinkChannelID: "chan-1"},
		{SourceDatabaseID: "db-1", SinkChannelID: "chan-1"},
		{SourceDatabaseID: "", SinkChannelID: "chan-3"},
		{SourceDatabaseID: "db-bad", SinkChannelID: "chan-4"},
	}
	describe := func(_ context.Context, id string) (string, error) {
		if id == "db-bad" {
			return "", errors.New("object_not_found")
		}
		return "Bug Tracker", nil
	}

	result, err := Import(ctx, store, conns, ImportOptions{Describe: describe})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.Added != 1 || result.Skipped != 1 || len(result.Errors) != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}

	stored, err := store.ListConnectionsContext(ctx, true)
	if err != nil {
		t.Fatalf("ListConnections failed: %v", err)
	}
	if len(stored) != 1 || stored[0].SourceName != "Bug Tracker" || stored[0].Name == "" {
		t.Errorf("unexpected stored connections: %+v", stored)
	}
}

func TestImport_DryRun(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	result, err := Import(ctx, store, []*schema.Connection{{SourceDatabaseID: "db-1", SinkChannelID: "c"}}, ImportOptions{DryRun: true})
	if err != nil || result.Added != 1 {
		t.Fatalf("unexpected dry run result: %+v, %v", result, err)
	}
	stored, _ := store.ListConnectionsContext(ctx, false)
	if len(stored) != 0 {
		t.Errorf("dry run wrote %d connections", len(stored))
	}
}

func TestWriteFile_ReadBack(t *testing.T) {
	conns := []*schema.Connection{
		{ID: 4, SourceDatabaseID: "db-1", SinkChannelID: "chan-1", Name: "Bugs", SourceName: "Bug Tracker"},
	}
	for _, ext := range []string{".yaml", ".toml", ".jsonl"} {
		path := filepath.Join(t.TempDir(), "export"+ext)
		if err := WriteFile(path, conns); err != nil {
			t.Fatalf("WriteFile(%s) failed: %v", ext, err)
		}
		got, err := ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile(%s) failed: %v", ext, err)
		}
		want := []*schema.Connection{{SourceDatabaseID: "db-1", SinkChannelID: "chan-1", Name: "Bugs", SourceName: "Bug Tracker", Active: true}}
		if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(schema.Connection{}, "CreatedAt", "UpdatedAt")); diff != "" {
			t.Errorf("%s round trip mismatch (-want +got):\n%s", ext, diff)
		}
	}
}
