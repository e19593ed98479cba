package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteJSONFileCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")

	type payload struct {
		Name string `json:"name"`
	}
	if err := WriteJSONFile(path, payload{Name: "alice"}); err != nil {
		t.Fatalf("WriteJSONFile: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var got payload
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Name != "alice" {
		t.Fatalf("Name = %q, want alice", got.Name)
	}
}
