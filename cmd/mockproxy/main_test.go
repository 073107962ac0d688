package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestMocksImportExportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cli.db")
	seed := filepath.Join(dir, "seed.yaml")
	content := `mocks:
  - url: /api/users
    method: get
    status_code: 200
    headers:
      Content-Type: application/json
    body: '[{"id":1}]'
  - url: /api/health
    method: GET
    status_code: 204
    active: false
`
	if err := os.WriteFile(seed, []byte(content), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	out, err := execute(t, "mocks", "import", seed, "--storage-driver", "sqlite", "--storage-path", dbPath)
	if err != nil {
		t.Fatalf("import failed: %v (%s)", err, out)
	}
	if !strings.Contains(out, "Imported 2 of 2") {
		t.Fatalf("unexpected import output: %s", out)
	}

	exported := filepath.Join(dir, "out.json")
	if out, err := execute(t, "mocks", "export", "--output", exported, "--storage-path", dbPath); err != nil {
		t.Fatalf("export failed: %v (%s)", err, out)
	}
	data, err := os.ReadFile(exported)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	text := string(data)
	for _, want := range []string{`"url": "/api/users"`, `"method": "GET"`, `"statusCode": 204`, `"active": false`} {
		if !strings.Contains(text, want) {
			t.Errorf("export missing %s:\n%s", want, text)
		}
	}
}

func TestLogsClearOnEmptyStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cli.db")

	out, err := execute(t, "logs", "clear", "--storage-driver", "sqlite", "--storage-path", dbPath)
	if err != nil {
		t.Fatalf("clear failed: %v (%s)", err, out)
	}
	if !strings.Contains(out, "Removed 0 request log(s)") {
		t.Fatalf("unexpected clear output: %s", out)
	}
}

func TestMocksImportRejectsMemoryDriver(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(dir, "seed.json")
	if err := os.WriteFile(seed, []byte(`[{"url":"/a","method":"GET","statusCode":200}]`), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	_, err := execute(t, "mocks", "import", seed, "--storage-driver", "memory")
	if err == nil || !strings.Contains(err.Error(), "memory storage driver") {
		t.Fatalf("expected memory driver error, got %v", err)
	}
	rootCmd.PersistentFlags().Set("storage-driver", "sqlite")
}
