package source

import (
	"os"
	"path/filepath"
	"testing"

	"ingest-engine/internal/models"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestFileLines(t *testing.T) {
	path := writeTempFile(t, "id,name\n1,alpha\n2,beta\n")

	var rows []models.RawRow
	for row := range FileLines(path) {
		rows = append(rows, row)
	}

	if len(rows) != 3 {
		t.Fatalf("expected 3 rows got %d", len(rows))
	}
	if rows[0].Index != 0 || rows[0].Data != "id,name" {
		t.Fatalf("unexpected first row: %+v", rows[0])
	}
	if rows[2].Index != 2 || rows[2].Data != "2,beta" {
		t.Fatalf("unexpected last row: %+v", rows[2])
	}
}

func TestFileLinesEarlyStop(t *testing.T) {
	path := writeTempFile(t, "a\nb\nc\nd\n")

	var seen int
	for range FileLines(path) {
		seen++
		if seen == 2 {
			break
		}
	}
	if seen != 2 {
		t.Fatalf("expected to stop after 2 rows, saw %d", seen)
	}
}

func TestFileLinesMissingFile(t *testing.T) {
	var seen int
	for range FileLines(filepath.Join(t.TempDir(), "nope.csv")) {
		seen++
	}
	if seen != 0 {
		t.Fatalf("missing file should yield no rows, saw %d", seen)
	}
}

func TestCountFileLines(t *testing.T) {
	path := writeTempFile(t, "a\nb\nc\n")

	n, err := CountFileLines(path)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 lines got %d", n)
	}

	if _, err := CountFileLines(filepath.Join(t.TempDir(), "nope.csv")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
